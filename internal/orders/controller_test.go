package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"

	"github.com/openperp/perp-engine/internal/exposure"
	"github.com/openperp/perp-engine/internal/fees"
	"github.com/openperp/perp-engine/internal/impact"
	"github.com/openperp/perp-engine/internal/metrics"
	"github.com/openperp/perp-engine/internal/model"
	"github.com/openperp/perp-engine/internal/store"
	"github.com/openperp/perp-engine/internal/vault"
)

func d(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

type testClock struct{ t time.Time }

func (c *testClock) now() time.Time            { return c.t }
func (c *testClock) advance(dur time.Duration) { c.t = c.t.Add(dur) }

// stubOracle records dispatched price requests instead of querying reporters.
type stubOracle struct {
	requests []oracleRequest
}

type oracleRequest struct {
	id   string
	pair string
	kind model.OrderKind
	from time.Time
}

func (s *stubOracle) RequestPrice(_ context.Context, id, pair string, kind model.OrderKind, from time.Time) error {
	s.requests = append(s.requests, oracleRequest{id: id, pair: pair, kind: kind, from: from})
	return nil
}

type fixture struct {
	ctrl   *Controller
	ledger *store.MemoryLedger
	oracle *stubOracle
	eng    *impact.Engine
	vault  *vault.Memory
	book   *PairBook
	clk    *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := &testClock{t: epoch}
	eng, err := impact.New(impact.WindowSettings{Start: epoch, Duration: time.Hour, Count: 3}, d(0.5), clk.now)
	if err != nil {
		t.Fatalf("impact.New: %v", err)
	}
	eng.SetPairConfig(model.PairImpactConfig{
		Symbol:           "BTC-USD",
		DepthAboveUSD:    d(1_000_000),
		DepthBelowUSD:    d(1_000_000),
		CumulativeFactor: d(1),
	})
	limiter := exposure.NewLimiter(eng)
	limiter.SetPairLimit("BTC-USD", "crypto", d(50_000_000))

	book := NewPairBook()
	book.Upsert(model.Pair{
		Symbol:             "BTC-USD",
		Group:              "crypto",
		MinLeverage:        d(1),
		MaxLeverage:        d(150),
		DefaultSlippagePct: d(1),
	})

	sched := fees.Schedule{
		TradingFeePct:      d(0.08),
		MinFeeUSD:          d(2),
		ReferralSharePct:   d(15),
		GovernanceSharePct: d(25),
		TriggerSharePct:    d(10),
	}
	v := vault.NewMemory()
	v.Fund("alice", d(100_000))

	ledger := store.NewMemoryLedger()
	oracle := &stubOracle{}
	cfg := Config{
		MarketOrderTimeout:      30 * time.Second,
		MaxNegativePnlOnOpenPct: d(40),
		MaxGainPct:              d(900),
	}
	return &fixture{
		ctrl:   New(cfg, ledger, oracle, eng, limiter, sched, v, book, clk.now),
		ledger: ledger,
		oracle: oracle,
		eng:    eng,
		vault:  v,
		book:   book,
		clk:    clk,
	}
}

// seedTrade stores an open long position and moves its collateral into the
// pool, as if it had been opened through the full pipeline.
func (f *fixture) seedTrade(t *testing.T, id string, collateral, leverage, entry float64) *model.Trade {
	t.Helper()
	ctx := context.Background()
	tr := &model.Trade{
		ID:         id,
		Trader:     "alice",
		Pair:       "BTC-USD",
		Side:       model.Long,
		Collateral: d(collateral),
		Leverage:   d(leverage),
		EntryPrice: d(entry),
		Open:       true,
		Kind:       model.MarketOpen,
		CreatedAt:  f.clk.t,
	}
	info := &model.TradeInfo{
		TradeID:          id,
		LastOiUpdate:     f.clk.t,
		LastSizeIncrease: f.clk.t,
		MaxSlippagePct:   d(1),
		Version:          model.VersionCurrent,
	}
	if err := f.ledger.StoreTrade(ctx, tr, info); err != nil {
		t.Fatalf("StoreTrade: %v", err)
	}
	f.vault.Fund("alice", d(collateral))
	if err := f.vault.TransferIn(ctx, "alice", d(collateral)); err != nil {
		t.Fatalf("TransferIn: %v", err)
	}
	return tr
}

// fundPool moves liquidity into the pool to back profitable payouts.
func (f *fixture) fundPool(t *testing.T, amount float64) {
	t.Helper()
	f.vault.Fund("lp", d(amount))
	if err := f.vault.TransferIn(context.Background(), "lp", d(amount)); err != nil {
		t.Fatalf("fund pool: %v", err)
	}
}

func marketCandle(price float64) model.PriceCandle {
	return model.PriceCandle{Open: d(price), High: d(price), Low: d(price), Ts: epoch}
}

func openReq(collateral, leverage, expected float64) OpenRequest {
	return OpenRequest{
		Trader:        "alice",
		Pair:          "BTC-USD",
		Side:          model.Long,
		CollateralUSD: d(collateral),
		Leverage:      d(leverage),
		Kind:          model.MarketOpen,
		ExpectedPrice: d(expected),
	}
}

func outcomeCount(kind model.OrderKind, reason model.CancelReason) float64 {
	return testutil.ToFloat64(metrics.OrdersTotal.WithLabelValues(string(kind), string(reason)))
}

// --- Admission ---

func TestOpenTrade_AdmissionRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		mutate  func(r *OpenRequest)
		wantErr error
	}{
		{"bad symbol", func(r *OpenRequest) { r.Pair = "btc" }, model.ErrInvalidPair},
		{"unknown pair", func(r *OpenRequest) { r.Pair = "ETH-USD" }, model.ErrUnknownPair},
		{"leverage too high", func(r *OpenRequest) { r.Leverage = d(200) }, ErrInvalidLeverage},
		{"leverage too low", func(r *OpenRequest) { r.Leverage = d(0.5) }, ErrInvalidLeverage},
		{"dust notional", func(r *OpenRequest) { r.CollateralUSD = d(100) }, ErrBelowMinNotional},
		{"bad side", func(r *OpenRequest) { r.Side = "sideways" }, ErrInvalidOrder},
		{"unfunded trader", func(r *OpenRequest) { r.Trader = "bob" }, ErrInsufficientCollateral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := openReq(1000, 10, 50_000)
			tt.mutate(&req)
			if _, err := f.ctrl.OpenTrade(ctx, req); !errors.Is(err, tt.wantErr) {
				t.Fatalf("OpenTrade: got %v, want %v", err, tt.wantErr)
			}
		})
	}

	if len(f.oracle.requests) != 0 {
		t.Errorf("rejected intents reached the oracle: %d requests", len(f.oracle.requests))
	}
	if got := f.vault.Balance("alice"); !got.Equal(d(100_000)) {
		t.Errorf("alice balance = %s, want untouched 100000", got)
	}
}

func TestOpenTrade_ExposureRejection(t *testing.T) {
	f := newFixture(t)
	f.book.Upsert(model.Pair{Symbol: "BTC-USD", Group: "crypto", MinLeverage: d(1), MaxLeverage: d(150)})
	limiter := exposure.NewLimiter(f.eng)
	limiter.SetPairLimit("BTC-USD", "crypto", d(5000))
	f.ctrl.limiter = limiter

	_, err := f.ctrl.OpenTrade(context.Background(), openReq(1000, 10, 50_000))
	if !errors.Is(err, exposure.ErrPairLimitExceeded) {
		t.Fatalf("OpenTrade: got %v, want pair limit exceeded", err)
	}
	if len(f.oracle.requests) != 0 {
		t.Error("rejected intent reached the oracle")
	}
}

func TestOpenTrade_ImpactCapRejection(t *testing.T) {
	f := newFixture(t)
	// Crowd the window so the projected impact alone exceeds the cap.
	f.eng.AddOpenInterest("BTC-USD", model.Long, d(1_000_000), true, false)

	_, err := f.ctrl.OpenTrade(context.Background(), openReq(1000, 10, 50_000))
	if !errors.Is(err, ErrImpactTooHigh) {
		t.Fatalf("OpenTrade: got %v, want impact too high", err)
	}
	if len(f.oracle.requests) != 0 {
		t.Error("rejected intent reached the oracle")
	}
}

// --- Market open resolution ---

func TestMarketOpen_Execution(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orderID, err := f.ctrl.OpenTrade(ctx, openReq(1000, 10, 50_000))
	if err != nil {
		t.Fatalf("OpenTrade: %v", err)
	}
	if len(f.oracle.requests) != 1 || f.oracle.requests[0].kind != model.MarketOpen {
		t.Fatalf("expected one market-open oracle request, got %+v", f.oracle.requests)
	}
	if got := f.vault.Balance("alice"); !got.Equal(d(99_000)) {
		t.Fatalf("reservation not taken: balance %s", got)
	}

	f.ctrl.HandlePrice(orderID, marketCandle(50_000))

	trades, err := f.ledger.TradesByTrader(ctx, "alice")
	if err != nil || len(trades) != 1 {
		t.Fatalf("TradesByTrader: %v (%d trades)", err, len(trades))
	}
	tr := trades[0]
	// 10k notional against 1M depth: 0.5% impact, filled at 50250.
	if !tr.EntryPrice.Equal(d(50_250)) {
		t.Errorf("entry = %s, want 50250", tr.EntryPrice)
	}
	// 0.08% of 10k notional = 8 USD fee out of collateral.
	if !tr.Collateral.Equal(d(992)) {
		t.Errorf("collateral = %s, want 992", tr.Collateral)
	}
	if got := f.eng.ActiveOpenInterest("BTC-USD", model.Long); !got.Equal(d(10_000)) {
		t.Errorf("active OI = %s, want 10000", got)
	}
	if _, err := f.ledger.GetPendingOrder(ctx, orderID); !errors.Is(err, store.ErrOrderNotFound) {
		t.Errorf("pending order survived resolution: %v", err)
	}
	// Fee split: 25% governance, referral and trigger fold into vault.
	if got := f.vault.FeeBucket("governance"); !got.Equal(d(2)) {
		t.Errorf("governance bucket = %s, want 2", got)
	}
	if got := f.vault.FeeBucket("vault"); !got.Equal(d(6)) {
		t.Errorf("vault bucket = %s, want 6", got)
	}
}

func TestMarketOpen_SlippageCancelRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := openReq(1000, 10, 50_000)
	req.MaxSlippagePct = d(0.4) // impact will be 0.5%
	orderID, err := f.ctrl.OpenTrade(ctx, req)
	if err != nil {
		t.Fatalf("OpenTrade: %v", err)
	}

	before := outcomeCount(model.MarketOpen, model.CancelSlippage)
	f.ctrl.HandlePrice(orderID, marketCandle(50_000))
	if got := outcomeCount(model.MarketOpen, model.CancelSlippage); got != before+1 {
		t.Errorf("SLIPPAGE outcome count = %v, want %v", got, before+1)
	}

	trades, _ := f.ledger.TradesByTrader(ctx, "alice")
	if len(trades) != 0 {
		t.Fatalf("cancelled open created a position")
	}
	// Refund minus the 2 USD round-trip fee.
	if got := f.vault.Balance("alice"); !got.Equal(d(99_998)) {
		t.Errorf("balance after refund = %s, want 99998", got)
	}
	if got := f.vault.FeeBucket("governance"); !got.Equal(d(2)) {
		t.Errorf("governance bucket = %s, want 2", got)
	}
}

func TestMarketOpen_TpAlreadyReached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := openReq(1000, 10, 50_000)
	req.TakeProfit = d(50_200) // below the 50250 adjusted fill
	orderID, err := f.ctrl.OpenTrade(ctx, req)
	if err != nil {
		t.Fatalf("OpenTrade: %v", err)
	}

	before := outcomeCount(model.MarketOpen, model.CancelTpReached)
	f.ctrl.HandlePrice(orderID, marketCandle(50_000))
	if got := outcomeCount(model.MarketOpen, model.CancelTpReached); got != before+1 {
		t.Errorf("TP_REACHED outcome count = %v, want %v", got, before+1)
	}
}

// --- Cancellation precedence ---

func TestMarketClose_LiqBeatsSlippage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTrade(t, "t1", 1000, 10, 50_000)

	// Tiny tolerance: slippage would certainly trip, but the price sits
	// exactly on the liquidation level and LIQ_REACHED takes precedence.
	orderID, err := f.ctrl.CloseTradeMarket(ctx, "alice", "t1", d(45_500), d(0.0001))
	if err != nil {
		t.Fatalf("CloseTradeMarket: %v", err)
	}

	beforeLiq := outcomeCount(model.MarketClose, model.CancelLiqReached)
	beforeSlip := outcomeCount(model.MarketClose, model.CancelSlippage)
	f.ctrl.HandlePrice(orderID, marketCandle(45_500)) // liq = 50000 - 4500

	if got := outcomeCount(model.MarketClose, model.CancelLiqReached); got != beforeLiq+1 {
		t.Errorf("LIQ_REACHED count = %v, want %v", got, beforeLiq+1)
	}
	if got := outcomeCount(model.MarketClose, model.CancelSlippage); got != beforeSlip {
		t.Errorf("SLIPPAGE count moved to %v", got)
	}
	tr, _, err := f.ledger.GetTrade(ctx, "t1")
	if err != nil || !tr.Open {
		t.Fatalf("position should survive a cancelled close: %v", err)
	}
}

// --- Market close settlement ---

func TestMarketClose_ProfitSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTrade(t, "t1", 1000, 10, 50_000)
	f.fundPool(t, 1000)
	start := f.vault.Balance("alice")

	orderID, err := f.ctrl.CloseTradeMarket(ctx, "alice", "t1", d(55_000), d(1))
	if err != nil {
		t.Fatalf("CloseTradeMarket: %v", err)
	}
	f.ctrl.HandlePrice(orderID, marketCandle(55_000))

	// Close impact 0.5% on 10k notional: fill 54725, pnl 94.5% of 1000
	// collateral = 945 profit; 8 USD fee leaves 992 collateral returned.
	want := start.Add(d(945)).Add(d(992))
	if got := f.vault.Balance("alice"); !got.Equal(want) {
		t.Errorf("balance = %s, want %s", got, want)
	}
	tr, _, err := f.ledger.GetTrade(ctx, "t1")
	if err != nil || tr.Open {
		t.Fatalf("position still open after close: %v", err)
	}
}

func TestMarketClose_FeeSkippedOnDustCollateral(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTrade(t, "t1", 1.5, 10, 50_000) // below the 2 USD minimum fee
	start := f.vault.Balance("alice")

	orderID, err := f.ctrl.CloseTradeMarket(ctx, "alice", "t1", d(50_000), d(1))
	if err != nil {
		t.Fatalf("CloseTradeMarket: %v", err)
	}
	f.ctrl.HandlePrice(orderID, marketCandle(50_000))

	if got := f.vault.FeeBucket("governance"); !got.IsZero() {
		t.Errorf("fee charged on dust collateral: %s", got)
	}
	// Flat price, small impact loss only on the fill; the payout must be
	// collateral plus (negative) pnl with zero fee taken.
	if got := f.vault.Balance("alice"); !got.GreaterThan(start) {
		t.Errorf("no payout returned: %s vs start %s", got, start)
	}
}

// --- Timeout ---

func TestCancelTimedOutOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orderID, err := f.ctrl.OpenTrade(ctx, openReq(1000, 10, 50_000))
	if err != nil {
		t.Fatalf("OpenTrade: %v", err)
	}

	// Too young.
	f.clk.advance(10 * time.Second)
	if err := f.ctrl.CancelTimedOutOrder(ctx, orderID); !errors.Is(err, ErrOrderNotTimedOut) {
		t.Fatalf("young cancel: got %v, want ErrOrderNotTimedOut", err)
	}

	// Old enough; full refund, no fee.
	f.clk.advance(time.Minute)
	if err := f.ctrl.CancelTimedOutOrder(ctx, orderID); err != nil {
		t.Fatalf("timed-out cancel: %v", err)
	}
	if got := f.vault.Balance("alice"); !got.Equal(d(100_000)) {
		t.Errorf("balance = %s, want full 100000 refund", got)
	}

	// Late consensus is a no-op.
	f.ctrl.HandlePrice(orderID, marketCandle(50_000))
	trades, _ := f.ledger.TradesByTrader(ctx, "alice")
	if len(trades) != 0 {
		t.Error("late consensus opened a position after timeout")
	}
}

func TestCancelTimedOutOrder_NeverForTriggers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.seedTrade(t, "t1", 1000, 10, 50_000)
	f.ledger.UpdateTradePosition(ctx, tr.ID, tr.EntryPrice, d(60_000), decimal.Zero, tr.Leverage)

	orderID, err := f.ctrl.TriggerOrder(ctx, model.TakeProfitClose, "t1", f.clk.t)
	if err != nil {
		t.Fatalf("TriggerOrder: %v", err)
	}
	f.clk.advance(time.Hour)
	if err := f.ctrl.CancelTimedOutOrder(ctx, orderID); !errors.Is(err, ErrNotMarketOrder) {
		t.Fatalf("trigger timeout: got %v, want ErrNotMarketOrder", err)
	}
}

// --- Mutual exclusion ---

func TestMutualExclusion_BeforeDispatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.seedTrade(t, "t1", 1000, 10, 50_000)
	f.ledger.UpdateTradePosition(ctx, tr.ID, tr.EntryPrice, d(60_000), decimal.Zero, tr.Leverage)

	if _, err := f.ctrl.UpdateLeverage(ctx, "alice", "t1", d(20)); err != nil {
		t.Fatalf("UpdateLeverage: %v", err)
	}
	dispatched := len(f.oracle.requests)

	// A market close conflicts with the pending update and is rejected
	// before any reporter is queried.
	if _, err := f.ctrl.CloseTradeMarket(ctx, "alice", "t1", d(50_000), d(1)); !errors.Is(err, ErrConflictingOrder) {
		t.Fatalf("close during update: got %v, want ErrConflictingOrder", err)
	}
	if _, err := f.ctrl.UpdateLeverage(ctx, "alice", "t1", d(15)); !errors.Is(err, ErrConflictingOrder) {
		t.Fatalf("second update: got %v, want ErrConflictingOrder", err)
	}
	if len(f.oracle.requests) != dispatched {
		t.Errorf("conflicting intents reached the oracle")
	}

	// Trigger orders only exclude other triggers.
	if _, err := f.ctrl.TriggerOrder(ctx, model.TakeProfitClose, "t1", f.clk.t); err != nil {
		t.Fatalf("trigger during update: %v", err)
	}
	if _, err := f.ctrl.TriggerOrder(ctx, model.TakeProfitClose, "t1", f.clk.t); !errors.Is(err, ErrConflictingOrder) {
		t.Fatalf("second trigger: got %v, want ErrConflictingOrder", err)
	}
}

// --- Leverage update ---

func TestUpdateLeverage_TwoPhase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTrade(t, "t1", 1000, 10, 50_000)

	// Lowering leverage reserves the extra collateral up front.
	orderID, err := f.ctrl.UpdateLeverage(ctx, "alice", "t1", d(5))
	if err != nil {
		t.Fatalf("UpdateLeverage: %v", err)
	}
	if got := f.vault.Balance("alice"); !got.Equal(d(99_000)) {
		t.Fatalf("reservation not taken: %s", got)
	}

	f.ctrl.HandlePrice(orderID, marketCandle(50_000))
	tr, _, err := f.ledger.GetTrade(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if !tr.Leverage.Equal(d(5)) || !tr.Collateral.Equal(d(2000)) {
		t.Errorf("after lowering: leverage %s collateral %s, want 5 / 2000", tr.Leverage, tr.Collateral)
	}

	// Raising leverage releases the surplus at resolution.
	orderID, err = f.ctrl.UpdateLeverage(ctx, "alice", "t1", d(20))
	if err != nil {
		t.Fatalf("UpdateLeverage: %v", err)
	}
	f.ctrl.HandlePrice(orderID, marketCandle(50_000))
	tr, _, _ = f.ledger.GetTrade(ctx, "t1")
	if !tr.Leverage.Equal(d(20)) || !tr.Collateral.Equal(d(500)) {
		t.Errorf("after raising: leverage %s collateral %s, want 20 / 500", tr.Leverage, tr.Collateral)
	}
	if got := f.vault.Balance("alice"); !got.Equal(d(100_500)) {
		t.Errorf("surplus not released: balance %s, want 100500", got)
	}
}

func TestUpdateLeverage_CancelledPastLiquidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTrade(t, "t1", 1000, 10, 50_000)

	orderID, err := f.ctrl.UpdateLeverage(ctx, "alice", "t1", d(100))
	if err != nil {
		t.Fatalf("UpdateLeverage: %v", err)
	}
	before := outcomeCount(model.LeverageUpdate, model.CancelLiqReached)
	// At 100x the liquidation price is 49550; 49000 is already through it.
	f.ctrl.HandlePrice(orderID, marketCandle(49_000))
	if got := outcomeCount(model.LeverageUpdate, model.CancelLiqReached); got != before+1 {
		t.Errorf("LIQ_REACHED count = %v, want %v", got, before+1)
	}
	tr, _, _ := f.ledger.GetTrade(ctx, "t1")
	if !tr.Leverage.Equal(d(10)) {
		t.Errorf("cancelled update changed leverage to %s", tr.Leverage)
	}
}

// --- Resize ---

func TestUpdateTradeSize_Increase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTrade(t, "t1", 1000, 10, 50_000)

	orderID, err := f.ctrl.UpdateTradeSize(ctx, "alice", "t1", model.IncreaseSize, d(500), d(50_000), d(1))
	if err != nil {
		t.Fatalf("UpdateTradeSize: %v", err)
	}
	if got := f.vault.Balance("alice"); !got.Equal(d(99_500)) {
		t.Fatalf("delta not reserved: %s", got)
	}

	f.ctrl.HandlePrice(orderID, marketCandle(50_000))
	tr, info, err := f.ledger.GetTrade(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	// 4 USD fee on the 5k delta notional leaves 496 added collateral.
	if !tr.Collateral.Equal(d(1496)) {
		t.Errorf("collateral = %s, want 1496", tr.Collateral)
	}
	// Weighted entry sits between the old entry and the 50125 fill.
	if !tr.EntryPrice.GreaterThan(d(50_000)) || !tr.EntryPrice.LessThan(d(50_125)) {
		t.Errorf("entry = %s, want inside (50000, 50125)", tr.EntryPrice)
	}
	if !info.LastSizeIncrease.Equal(f.clk.t) {
		t.Errorf("LastSizeIncrease not refreshed")
	}
	if got := f.eng.ActiveOpenInterest("BTC-USD", model.Long); !got.Equal(d(5000)) {
		t.Errorf("active OI = %s, want 5000", got)
	}
}

func TestUpdateTradeSize_DecreaseRealizesPnl(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTrade(t, "t1", 1000, 10, 50_000)
	f.fundPool(t, 1000)
	start := f.vault.Balance("alice")

	orderID, err := f.ctrl.UpdateTradeSize(ctx, "alice", "t1", model.DecreaseSize, d(400), d(55_000), d(1))
	if err != nil {
		t.Fatalf("UpdateTradeSize: %v", err)
	}
	f.ctrl.HandlePrice(orderID, marketCandle(55_000))

	tr, _, err := f.ledger.GetTrade(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if !tr.Collateral.Equal(d(600)) {
		t.Errorf("collateral = %s, want 600", tr.Collateral)
	}
	if !tr.Open {
		t.Error("partial close closed the whole position")
	}
	// Fill 54890 (0.2% close impact on 4k notional): pnl 97.8% on the
	// 400 slice = 391.2 profit, 3.2 fee, 396.8 collateral returned.
	want := start.Add(d(391.2)).Add(d(396.8))
	if got := f.vault.Balance("alice"); !got.Equal(want) {
		t.Errorf("balance = %s, want %s", got, want)
	}
}

// --- Resting orders and triggers ---

func TestLimitOpen_NotHitThenExactTouch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := openReq(1000, 10, 48_000)
	req.Kind = model.LimitOpen
	tradeID, err := f.ctrl.OpenTrade(ctx, req)
	if err != nil {
		t.Fatalf("OpenTrade: %v", err)
	}
	if got := f.vault.Balance("alice"); !got.Equal(d(99_000)) {
		t.Fatalf("reservation not taken: %s", got)
	}

	// Candle never reached the trigger: NOT_HIT, resting order survives.
	orderID, err := f.ctrl.TriggerOrder(ctx, model.LimitOpen, tradeID, f.clk.t)
	if err != nil {
		t.Fatalf("TriggerOrder: %v", err)
	}
	before := outcomeCount(model.LimitOpen, model.CancelNotHit)
	f.ctrl.HandlePrice(orderID, model.PriceCandle{Open: d(49_000), High: d(49_500), Low: d(48_200), Ts: f.clk.t})
	if got := outcomeCount(model.LimitOpen, model.CancelNotHit); got != before+1 {
		t.Errorf("NOT_HIT count = %v, want %v", got, before+1)
	}
	rt, _, _ := f.ledger.GetTrade(ctx, tradeID)
	if rt.Open {
		t.Fatal("NOT_HIT executed the resting order")
	}

	// Low touches the trigger exactly: executes at the trigger price.
	orderID, err = f.ctrl.TriggerOrder(ctx, model.LimitOpen, tradeID, f.clk.t)
	if err != nil {
		t.Fatalf("TriggerOrder: %v", err)
	}
	f.ctrl.HandlePrice(orderID, model.PriceCandle{Open: d(48_500), High: d(48_600), Low: d(48_000), Ts: f.clk.t})

	rt, _, err = f.ledger.GetTrade(ctx, tradeID)
	if err != nil || !rt.Open {
		t.Fatalf("resting order did not execute: %v", err)
	}
	// 0.5% impact on the 48000 trigger fill.
	if !rt.EntryPrice.Equal(d(48_240)) {
		t.Errorf("entry = %s, want 48240", rt.EntryPrice)
	}
	if !rt.Collateral.Equal(d(992)) {
		t.Errorf("collateral = %s, want 992", rt.Collateral)
	}
}

func TestCancelRestingOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := openReq(1000, 10, 48_000)
	req.Kind = model.StopOpen
	tradeID, err := f.ctrl.OpenTrade(ctx, req)
	if err != nil {
		t.Fatalf("OpenTrade: %v", err)
	}

	if err := f.ctrl.CancelRestingOrder(ctx, "bob", tradeID); !errors.Is(err, ErrNotYourTrade) {
		t.Fatalf("foreign cancel: got %v", err)
	}
	if err := f.ctrl.CancelRestingOrder(ctx, "alice", tradeID); err != nil {
		t.Fatalf("CancelRestingOrder: %v", err)
	}
	if got := f.vault.Balance("alice"); !got.Equal(d(100_000)) {
		t.Errorf("balance = %s, want full refund", got)
	}
	if err := f.ctrl.CancelRestingOrder(ctx, "alice", tradeID); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("double cancel: got %v", err)
	}
	if _, err := f.ctrl.TriggerOrder(ctx, model.StopOpen, tradeID, f.clk.t); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("trigger after cancel: got %v", err)
	}
}

func TestTriggerClose_TakeProfit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.seedTrade(t, "t1", 1000, 10, 50_000)
	f.ledger.UpdateTradePosition(ctx, tr.ID, tr.EntryPrice, d(55_000), decimal.Zero, tr.Leverage)
	f.fundPool(t, 1500)
	start := f.vault.Balance("alice")

	orderID, err := f.ctrl.TriggerOrder(ctx, model.TakeProfitClose, "t1", f.clk.t)
	if err != nil {
		t.Fatalf("TriggerOrder: %v", err)
	}
	if f.oracle.requests[len(f.oracle.requests)-1].kind != model.TakeProfitClose {
		t.Fatal("trigger did not request a lookback round")
	}

	// Band crossed the 55000 trigger: executes at the trigger price.
	f.ctrl.HandlePrice(orderID, model.PriceCandle{Open: d(54_800), High: d(55_200), Low: d(54_500), Ts: f.clk.t})
	got, _, err := f.ledger.GetTrade(ctx, "t1")
	if err != nil || got.Open {
		t.Fatalf("take profit did not close the position: %v", err)
	}
	if bal := f.vault.Balance("alice"); !bal.GreaterThan(start) {
		t.Errorf("no payout after profitable TP close: %s vs %s", bal, start)
	}
	// Keeper share of the fee was distributed.
	if bucket := f.vault.FeeBucket("trigger"); !bucket.IsPositive() {
		t.Errorf("trigger fee bucket empty")
	}
}

func TestTriggerClose_NotHitLeavesPosition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tr := f.seedTrade(t, "t1", 1000, 10, 50_000)
	f.ledger.UpdateTradePosition(ctx, tr.ID, tr.EntryPrice, d(55_000), decimal.Zero, tr.Leverage)

	orderID, err := f.ctrl.TriggerOrder(ctx, model.TakeProfitClose, "t1", f.clk.t)
	if err != nil {
		t.Fatalf("TriggerOrder: %v", err)
	}
	before := outcomeCount(model.TakeProfitClose, model.CancelNotHit)
	f.ctrl.HandlePrice(orderID, model.PriceCandle{Open: d(54_000), High: d(54_900), Low: d(53_500), Ts: f.clk.t})
	if got := outcomeCount(model.TakeProfitClose, model.CancelNotHit); got != before+1 {
		t.Errorf("NOT_HIT count = %v, want %v", got, before+1)
	}
	got, _, _ := f.ledger.GetTrade(ctx, "t1")
	if !got.Open {
		t.Error("NOT_HIT closed the position")
	}
}

func TestTriggerClose_Liquidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTrade(t, "t1", 1000, 10, 50_000)

	orderID, err := f.ctrl.TriggerOrder(ctx, model.LiquidationClose, "t1", f.clk.t)
	if err != nil {
		t.Fatalf("TriggerOrder: %v", err)
	}
	// Liquidation price is 45500; the candle traded through it.
	f.ctrl.HandlePrice(orderID, model.PriceCandle{Open: d(45_800), High: d(46_000), Low: d(45_200), Ts: f.clk.t})

	tr, _, err := f.ledger.GetTrade(ctx, "t1")
	if err != nil || tr.Open {
		t.Fatalf("liquidation did not close the position: %v", err)
	}
}

// --- TP/SL updates ---

func TestUpdateTpSl(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTrade(t, "t1", 1000, 10, 50_000) // liq at 45500

	if err := f.ctrl.UpdateTpSl(ctx, "alice", "t1", d(49_000), decimal.Zero); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("TP below entry accepted: %v", err)
	}
	if err := f.ctrl.UpdateTpSl(ctx, "alice", "t1", d(55_000), d(45_000)); !errors.Is(err, ErrInvalidOrder) {
		t.Fatalf("SL below liquidation accepted: %v", err)
	}
	if err := f.ctrl.UpdateTpSl(ctx, "bob", "t1", d(55_000), decimal.Zero); !errors.Is(err, ErrNotYourTrade) {
		t.Fatalf("foreign update accepted: %v", err)
	}
	if err := f.ctrl.UpdateTpSl(ctx, "alice", "t1", d(55_000), d(46_000)); err != nil {
		t.Fatalf("valid update rejected: %v", err)
	}
	tr, _, _ := f.ledger.GetTrade(ctx, "t1")
	if !tr.TakeProfit.Equal(d(55_000)) || !tr.StopLoss.Equal(d(46_000)) {
		t.Errorf("tp/sl = %s/%s, want 55000/46000", tr.TakeProfit, tr.StopLoss)
	}
}

// --- Resolution robustness ---

func TestHandlePrice_UnknownOrder(t *testing.T) {
	f := newFixture(t)
	f.ctrl.HandlePrice("no-such-order", marketCandle(50_000))
	trades, _ := f.ledger.TradesByTrader(context.Background(), "alice")
	if len(trades) != 0 {
		t.Error("unknown request mutated state")
	}
}

// flakyLedger fails a configured number of writes, standing in for a store
// outage mid-settlement.
type flakyLedger struct {
	store.Ledger
	failCloseTrade int
	failStoreTrade int
}

func (l *flakyLedger) CloseTrade(ctx context.Context, id string) error {
	if l.failCloseTrade > 0 {
		l.failCloseTrade--
		return errors.New("ledger unavailable")
	}
	return l.Ledger.CloseTrade(ctx, id)
}

func (l *flakyLedger) StoreTrade(ctx context.Context, tr *model.Trade, info *model.TradeInfo) error {
	if l.failStoreTrade > 0 {
		l.failStoreTrade--
		return errors.New("ledger unavailable")
	}
	return l.Ledger.StoreTrade(ctx, tr, info)
}

func TestMarketClose_LedgerFailureBlocksPayout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTrade(t, "t1", 1000, 10, 50_000)
	f.fundPool(t, 1000)

	flaky := &flakyLedger{Ledger: f.ledger, failCloseTrade: 1}
	f.ctrl.ledger = flaky

	orderID, err := f.ctrl.CloseTradeMarket(ctx, "alice", "t1", d(55_000), d(1))
	if err != nil {
		t.Fatalf("CloseTradeMarket: %v", err)
	}

	// First consensus hits the failing write: nothing pays out, the
	// position stays open and the order stays pending.
	f.ctrl.HandlePrice(orderID, marketCandle(55_000))
	if got := f.vault.Balance("alice"); !got.Equal(d(100_000)) {
		t.Fatalf("payout moved despite failed close: balance %s", got)
	}
	tr, _, err := f.ledger.GetTrade(ctx, "t1")
	if err != nil || !tr.Open {
		t.Fatalf("position closed despite failed write: %v", err)
	}
	if _, err := f.ledger.GetPendingOrder(ctx, orderID); err != nil {
		t.Fatalf("order resolved despite failed write: %v", err)
	}

	// The store recovers; the retried consensus settles exactly once.
	f.ctrl.HandlePrice(orderID, marketCandle(55_000))
	if got := f.vault.Balance("alice"); !got.Equal(d(101_937)) {
		t.Errorf("balance = %s, want 101937", got)
	}
	tr, _, _ = f.ledger.GetTrade(ctx, "t1")
	if tr.Open {
		t.Error("position still open after settlement")
	}
	if _, err := f.ctrl.CloseTradeMarket(ctx, "alice", "t1", d(55_000), d(1)); !errors.Is(err, ErrTradeNotOpen) {
		t.Errorf("repeat close: got %v, want ErrTradeNotOpen", err)
	}
}

func TestMarketOpen_StoreFailureLeavesOrderPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	flaky := &flakyLedger{Ledger: f.ledger, failStoreTrade: 1}
	f.ctrl.ledger = flaky

	orderID, err := f.ctrl.OpenTrade(ctx, openReq(1000, 10, 50_000))
	if err != nil {
		t.Fatalf("OpenTrade: %v", err)
	}
	if got := f.vault.Balance("alice"); !got.Equal(d(99_000)) {
		t.Fatalf("reservation not taken: %s", got)
	}

	f.ctrl.HandlePrice(orderID, marketCandle(50_000))

	// The position store failed: no trade, no fee, no open interest; the
	// reservation stays with the pending order.
	trades, _ := f.ledger.TradesByTrader(ctx, "alice")
	if len(trades) != 0 {
		t.Fatal("position created despite failed store")
	}
	if got := f.vault.FeeBucket("governance"); !got.IsZero() {
		t.Errorf("fee distributed despite failed store: %s", got)
	}
	if got := f.eng.ActiveOpenInterest("BTC-USD", model.Long); !got.IsZero() {
		t.Errorf("open interest recorded despite failed store: %s", got)
	}
	if _, err := f.ledger.GetPendingOrder(ctx, orderID); err != nil {
		t.Fatalf("order resolved despite failed store: %v", err)
	}

	// The timeout path returns the reservation in full.
	f.clk.advance(time.Minute)
	if err := f.ctrl.CancelTimedOutOrder(ctx, orderID); err != nil {
		t.Fatalf("CancelTimedOutOrder: %v", err)
	}
	if got := f.vault.Balance("alice"); !got.Equal(d(100_000)) {
		t.Errorf("balance = %s, want full 100000 refund", got)
	}
}

func TestHandlePrice_CloseOfVanishedTrade(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seedTrade(t, "t1", 1000, 10, 50_000)

	orderID, err := f.ctrl.CloseTradeMarket(ctx, "alice", "t1", d(50_000), d(1))
	if err != nil {
		t.Fatalf("CloseTradeMarket: %v", err)
	}
	f.ledger.CloseTrade(ctx, "t1") // position disappears underneath

	before := outcomeCount(model.MarketClose, model.CancelNoTrade)
	f.ctrl.HandlePrice(orderID, marketCandle(50_000))
	if got := outcomeCount(model.MarketClose, model.CancelNoTrade); got != before+1 {
		t.Errorf("NO_TRADE count = %v, want %v", got, before+1)
	}
}
