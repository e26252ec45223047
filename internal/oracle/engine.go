// Package oracle implements the price consensus engine: it fans a price
// query out to a set of mutually-untrusted reporters and reduces their
// answers to a single trusted candle via quorum, median, and outlier
// rejection. Partial reporter failure is the expected case, not an error.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openperp/perp-engine/internal/metrics"
	"github.com/openperp/perp-engine/internal/model"
)

var (
	// ErrNoReporters is returned when a price is requested with an empty
	// reporter set.
	ErrNoReporters = errors.New("oracle: no reporters configured")

	// ErrUnknownRequest is returned for answers to requests never made.
	ErrUnknownRequest = errors.New("oracle: unknown request")

	// ErrReporterNotQueried is returned when an answer arrives from a
	// reporter that was not queried for that request.
	ErrReporterNotQueried = errors.New("oracle: reporter not queried for request")

	// ErrDuplicateAnswer is returned when a reporter answers twice.
	ErrDuplicateAnswer = errors.New("oracle: reporter already answered")

	// ErrDuplicateRequest is returned when a request id is reused.
	ErrDuplicateRequest = errors.New("oracle: request id already in use")
)

// Config holds the consensus parameters. All of it is validated at the
// configuration boundary.
type Config struct {
	MinAnswers int
	Reporters  []string

	// Max deviation from the unfiltered median before an answer is
	// dropped, in percent. Zero disables the filter. Immediate market
	// queries and lookback queries carry separate thresholds.
	MaxDeviationMarketPct   decimal.Decimal
	MaxDeviationLookbackPct decimal.Decimal

	// Job routing: market queries use one designated job identity;
	// lookback queries round-robin across LookbackJobs to spread load.
	MarketJob    string
	LookbackJobs []string

	// ReporterFeeUSD is the lookback query fee, split evenly across the
	// queried reporters.
	ReporterFeeUSD decimal.Decimal
}

// Query is one per-reporter price query.
type Query struct {
	RequestID   string          `json:"request_id"`
	Reporter    string          `json:"reporter"`
	Pair        string          `json:"pair"`
	Job         string          `json:"job"`
	Lookback    bool            `json:"lookback"`
	From        time.Time       `json:"from,omitempty"` // lookback sampling start
	FeeShareUSD decimal.Decimal `json:"fee_share_usd"`
}

// Transport delivers one query to one reporter. Implementations include the
// WebSocket feed hub and the in-memory transport used in tests.
type Transport interface {
	Dispatch(ctx context.Context, q Query) error
}

// PriceHandler consumes the reduced price for a resolved request. It is
// invoked at most once per request, outside the engine lock.
type PriceHandler func(requestID string, price model.PriceCandle)

// Answer is one recorded reporter answer. Answers are retained for audit
// even after resolution and even when invalid.
type Answer struct {
	Reporter string            `json:"reporter"`
	Candle   model.PriceCandle `json:"candle"`
	Valid    bool              `json:"valid"`
	At       time.Time         `json:"at"`
}

// Request tracks one in-flight (or resolved) consensus round.
type Request struct {
	ID        string            `json:"id"`
	Pair      string            `json:"pair"`
	Job       string            `json:"job"`
	Lookback  bool              `json:"lookback"`
	Answers   []Answer          `json:"answers"`
	Resolved  bool              `json:"resolved"`
	Final     model.PriceCandle `json:"final"`
	CreatedAt time.Time         `json:"created_at"`

	queried  map[string]bool
	answered map[string]bool
}

// Engine is the consensus engine. All state transitions are serialized
// under one mutex; the resolution handler runs outside it.
type Engine struct {
	mu        sync.Mutex
	cfg       Config
	transport Transport
	handler   PriceHandler
	requests  map[string]*Request
	rrNext    int
	now       func() time.Time
}

// New creates an engine. now may be nil (defaults to time.Now). The handler
// is registered separately so the controller can be wired after the engine.
func New(cfg Config, transport Transport, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		cfg:       cfg,
		transport: transport,
		requests:  make(map[string]*Request),
		now:       now,
	}
}

// SetHandler registers the resolution callback.
func (e *Engine) SetHandler(h PriceHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// Config returns the current consensus configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// SetConfig replaces the consensus configuration. In-flight requests keep
// the reporter set they were dispatched with.
func (e *Engine) SetConfig(cfg Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

// RequestPrice issues one query per configured reporter for the given
// request id (the pending order id). Lookback queries carry the sampling
// start and an even fee split. Individual dispatch failures are logged and
// tolerated; consensus needs only MinAnswers of them to land.
func (e *Engine) RequestPrice(ctx context.Context, requestID, pair string, kind model.OrderKind, from time.Time) error {
	e.mu.Lock()

	if len(e.cfg.Reporters) == 0 {
		e.mu.Unlock()
		return ErrNoReporters
	}
	if _, exists := e.requests[requestID]; exists {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, requestID)
	}

	lookback := kind.Lookback()
	job := e.cfg.MarketJob
	if lookback && len(e.cfg.LookbackJobs) > 0 {
		job = e.cfg.LookbackJobs[e.rrNext%len(e.cfg.LookbackJobs)]
		e.rrNext++
	}

	req := &Request{
		ID:        requestID,
		Pair:      pair,
		Job:       job,
		Lookback:  lookback,
		CreatedAt: e.now(),
		queried:   make(map[string]bool),
		answered:  make(map[string]bool),
	}

	// Fee split: even shares rounded down, remainder to the first reporter
	// so the shares always sum to the configured fee exactly.
	feeShare := decimal.Zero
	feeRemainder := decimal.Zero
	if lookback && e.cfg.ReporterFeeUSD.IsPositive() {
		n := decimal.NewFromInt(int64(len(e.cfg.Reporters)))
		feeShare = e.cfg.ReporterFeeUSD.Div(n).RoundDown(model.UsdScale)
		feeRemainder = e.cfg.ReporterFeeUSD.Sub(feeShare.Mul(n))
	}

	queries := make([]Query, 0, len(e.cfg.Reporters))
	for i, reporter := range e.cfg.Reporters {
		req.queried[reporter] = true
		q := Query{
			RequestID:   requestID,
			Reporter:    reporter,
			Pair:        pair,
			Job:         job,
			Lookback:    lookback,
			FeeShareUSD: feeShare,
		}
		if i == 0 {
			q.FeeShareUSD = feeShare.Add(feeRemainder)
		}
		if lookback {
			q.From = from
		}
		queries = append(queries, q)
	}
	e.requests[requestID] = req
	e.mu.Unlock()

	for _, q := range queries {
		if err := e.transport.Dispatch(ctx, q); err != nil {
			slog.Warn("oracle dispatch failed",
				"request", requestID, "reporter", q.Reporter, "err", err)
		}
	}
	metrics.OracleRequestsTotal.WithLabelValues(job).Inc()
	return nil
}

// ReceiveAnswer records one reporter's candle. Malformed candles are kept
// for audit but never counted toward quorum. The quorum decision fires at
// most once; answers arriving after resolution are stored with no further
// effect.
func (e *Engine) ReceiveAnswer(requestID, reporter string, candle model.PriceCandle) error {
	e.mu.Lock()

	req, ok := e.requests[requestID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	if !req.queried[reporter] {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrReporterNotQueried, reporter)
	}
	if req.answered[reporter] {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateAnswer, reporter)
	}

	valid := candle.Valid(req.Lookback)
	req.answered[reporter] = true
	req.Answers = append(req.Answers, Answer{
		Reporter: reporter,
		Candle:   candle,
		Valid:    valid,
		At:       e.now(),
	})
	if !valid {
		metrics.OracleInvalidAnswersTotal.Inc()
	}
	metrics.OracleAnswersTotal.Inc()

	var (
		resolved bool
		final    model.PriceCandle
		handler  PriceHandler
	)
	if !req.Resolved {
		if final, resolved = e.reduceLocked(req); resolved {
			req.Resolved = true
			req.Final = final
			handler = e.handler
			metrics.ConsensusLatency.Observe(e.now().Sub(req.CreatedAt).Seconds())
		}
	}
	e.mu.Unlock()

	if resolved && handler != nil {
		handler(requestID, final)
	}
	return nil
}

// reduceLocked applies the quorum/median/deviation reduction. Must hold e.mu.
func (e *Engine) reduceLocked(req *Request) (model.PriceCandle, bool) {
	valid := make([]model.PriceCandle, 0, len(req.Answers))
	for _, a := range req.Answers {
		if a.Valid {
			valid = append(valid, a.Candle)
		}
	}
	if len(valid) < e.cfg.MinAnswers {
		return model.PriceCandle{}, false
	}

	unfiltered := reduceCandles(valid, req.Lookback)

	maxDev := e.cfg.MaxDeviationMarketPct
	if req.Lookback {
		maxDev = e.cfg.MaxDeviationLookbackPct
	}
	if maxDev.IsZero() {
		return unfiltered, true
	}

	filtered := make([]model.PriceCandle, 0, len(valid))
	for _, c := range valid {
		if !withinDeviation(c.Open, unfiltered.Open, maxDev) {
			continue
		}
		if req.Lookback &&
			(!withinDeviation(c.High, unfiltered.High, maxDev) ||
				!withinDeviation(c.Low, unfiltered.Low, maxDev)) {
			continue
		}
		filtered = append(filtered, c)
	}

	// The surviving set must itself reach quorum; otherwise more answers
	// may still arrive and re-trigger the check.
	if len(filtered) < e.cfg.MinAnswers {
		return model.PriceCandle{}, false
	}
	return reduceCandles(filtered, req.Lookback), true
}

// reduceCandles computes the component-wise median candle. For immediate
// market queries only the open is sampled; high and low mirror it.
func reduceCandles(candles []model.PriceCandle, lookback bool) model.PriceCandle {
	opens := make([]decimal.Decimal, len(candles))
	for i, c := range candles {
		opens[i] = c.Open
	}
	open := median(opens)
	if !lookback {
		return model.PriceCandle{Open: open, High: open, Low: open}
	}

	highs := make([]decimal.Decimal, len(candles))
	lows := make([]decimal.Decimal, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
	}
	return model.PriceCandle{Open: open, High: median(highs), Low: median(lows)}
}

// Request returns a snapshot of one request, including its full answer set
// (history is retained, never pruned by the core).
func (e *Engine) Request(requestID string) (*Request, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	req, ok := e.requests[requestID]
	if !ok {
		return nil, false
	}
	snapshot := *req
	snapshot.Answers = append([]Answer(nil), req.Answers...)
	return &snapshot, true
}

// PruneBefore drops resolved requests created before the cutoff. The core
// never calls this; it exists for operational retention policies only.
func (e *Engine) PruneBefore(cutoff time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for id, req := range e.requests {
		if req.Resolved && req.CreatedAt.Before(cutoff) {
			delete(e.requests, id)
			n++
		}
	}
	return n
}
