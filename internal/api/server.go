// Package api exposes the engine over HTTP: order entry for traders,
// answer submission for reporters, read endpoints, and a token-guarded
// admin surface.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/openperp/perp-engine/internal/exposure"
	"github.com/openperp/perp-engine/internal/impact"
	"github.com/openperp/perp-engine/internal/model"
	"github.com/openperp/perp-engine/internal/oracle"
	"github.com/openperp/perp-engine/internal/orders"
	"github.com/openperp/perp-engine/internal/store"
)

// Server holds the HTTP surface's collaborators.
type Server struct {
	ctrl    *orders.Controller
	ledger  store.Ledger
	oracle  *oracle.Engine
	hub     *oracle.FeedHub // optional; nil disables /ws
	book    *orders.PairBook
	impact  *impact.Engine
	limiter *exposure.Limiter

	adminToken string // empty disables the admin surface
}

func NewServer(ctrl *orders.Controller, ledger store.Ledger, eng *oracle.Engine,
	hub *oracle.FeedHub, book *orders.PairBook, imp *impact.Engine,
	limiter *exposure.Limiter, adminToken string) *Server {
	return &Server{
		ctrl:       ctrl,
		ledger:     ledger,
		oracle:     eng,
		hub:        hub,
		book:       book,
		impact:     imp,
		limiter:    limiter,
		adminToken: adminToken,
	}
}

// Routes returns the API router. Ambient middleware (logging, recovery,
// metrics) is attached by the caller.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Route("/api/v1", func(r chi.Router) {
		if s.hub != nil {
			r.Get("/ws", s.hub.HandleWS)
		}

		r.Post("/orders/open", s.handleOpen)
		r.Post("/orders/close", s.handleClose)
		r.Post("/orders/trigger", s.handleTrigger)
		r.Post("/orders/{orderID}/timeout", s.handleTimeout)
		r.Get("/orders/{orderID}", s.handleGetOrder)
		r.Delete("/orders/resting/{tradeID}", s.handleCancelResting)

		r.Post("/trades/{tradeID}/leverage", s.handleLeverage)
		r.Post("/trades/{tradeID}/size", s.handleResize)
		r.Post("/trades/{tradeID}/tpsl", s.handleTpSl)
		r.Get("/trades/{tradeID}", s.handleGetTrade)

		r.Get("/traders/{trader}/trades", s.handleTraderTrades)
		r.Get("/traders/{trader}/orders", s.handleTraderOrders)

		r.Get("/pairs", s.handleListPairs)
		r.Get("/pairs/{symbol}/oi", s.handlePairOI)

		r.Post("/oracle/answers", s.handleOracleAnswer)
		r.Get("/oracle/requests/{requestID}", s.handleOracleRequest)
		r.Get("/oracle/config", s.handleOracleConfig)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/pairs", s.handleAdminPair)
		r.Post("/groups", s.handleAdminGroup)
		r.Post("/impact/windows", s.handleAdminWindows)
		r.Post("/impact/whitelist", s.handleAdminWhitelist)
		r.Post("/oracle", s.handleAdminOracle)
	})

	return r
}

// --- Order entry ---

type openRequest struct {
	Trader         string          `json:"trader"`
	Pair           string          `json:"pair"`
	Side           model.Side      `json:"side"`
	CollateralUSD  decimal.Decimal `json:"collateral_usd"`
	Leverage       decimal.Decimal `json:"leverage"`
	Kind           model.OrderKind `json:"kind"`
	ExpectedPrice  decimal.Decimal `json:"expected_price"`
	TakeProfit     decimal.Decimal `json:"take_profit"`
	StopLoss       decimal.Decimal `json:"stop_loss"`
	MaxSlippagePct decimal.Decimal `json:"max_slippage_pct"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	var req openRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Trader == "" {
		writeError(w, "trader is required", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		req.Kind = model.MarketOpen
	}

	id, err := s.ctrl.OpenTrade(r.Context(), orders.OpenRequest{
		Trader:         req.Trader,
		Pair:           req.Pair,
		Side:           req.Side,
		CollateralUSD:  req.CollateralUSD,
		Leverage:       req.Leverage,
		Kind:           req.Kind,
		ExpectedPrice:  req.ExpectedPrice,
		TakeProfit:     req.TakeProfit,
		StopLoss:       req.StopLoss,
		MaxSlippagePct: req.MaxSlippagePct,
	})
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

type closeRequest struct {
	Trader         string          `json:"trader"`
	TradeID        string          `json:"trade_id"`
	ExpectedPrice  decimal.Decimal `json:"expected_price"`
	MaxSlippagePct decimal.Decimal `json:"max_slippage_pct"`
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req closeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id, err := s.ctrl.CloseTradeMarket(r.Context(), req.Trader, req.TradeID, req.ExpectedPrice, req.MaxSlippagePct)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"order_id": id})
}

type triggerRequest struct {
	Kind    model.OrderKind `json:"kind"`
	TradeID string          `json:"trade_id"`
	From    time.Time       `json:"from"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.From.IsZero() {
		req.From = time.Now().UTC()
	}
	id, err := s.ctrl.TriggerOrder(r.Context(), req.Kind, req.TradeID, req.From)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"order_id": id})
}

func (s *Server) handleTimeout(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.CancelTimedOutOrder(r.Context(), chi.URLParam(r, "orderID")); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleCancelResting(w http.ResponseWriter, r *http.Request) {
	trader := r.URL.Query().Get("trader")
	if trader == "" {
		writeError(w, "trader query parameter is required", http.StatusBadRequest)
		return
	}
	if err := s.ctrl.CancelRestingOrder(r.Context(), trader, chi.URLParam(r, "tradeID")); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type leverageRequest struct {
	Trader      string          `json:"trader"`
	NewLeverage decimal.Decimal `json:"new_leverage"`
}

func (s *Server) handleLeverage(w http.ResponseWriter, r *http.Request) {
	var req leverageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id, err := s.ctrl.UpdateLeverage(r.Context(), req.Trader, chi.URLParam(r, "tradeID"), req.NewLeverage)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"order_id": id})
}

type resizeRequest struct {
	Trader          string          `json:"trader"`
	Kind            model.OrderKind `json:"kind"` // INCREASE_SIZE or DECREASE_SIZE
	CollateralDelta decimal.Decimal `json:"collateral_delta"`
	ExpectedPrice   decimal.Decimal `json:"expected_price"`
	MaxSlippagePct  decimal.Decimal `json:"max_slippage_pct"`
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	id, err := s.ctrl.UpdateTradeSize(r.Context(), req.Trader, chi.URLParam(r, "tradeID"),
		req.Kind, req.CollateralDelta, req.ExpectedPrice, req.MaxSlippagePct)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"order_id": id})
}

type tpslRequest struct {
	Trader     string          `json:"trader"`
	TakeProfit decimal.Decimal `json:"take_profit"`
	StopLoss   decimal.Decimal `json:"stop_loss"`
}

func (s *Server) handleTpSl(w http.ResponseWriter, r *http.Request) {
	var req tpslRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.ctrl.UpdateTpSl(r.Context(), req.Trader, chi.URLParam(r, "tradeID"), req.TakeProfit, req.StopLoss); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

// --- Read endpoints ---

func (s *Server) handleGetTrade(w http.ResponseWriter, r *http.Request) {
	t, info, err := s.ledger.GetTrade(r.Context(), chi.URLParam(r, "tradeID"))
	if err != nil {
		writeError(w, "trade not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trade": t, "info": info})
}

func (s *Server) handleTraderTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.ledger.TradesByTrader(r.Context(), chi.URLParam(r, "trader"))
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleTraderOrders(w http.ResponseWriter, r *http.Request) {
	pending, err := s.ledger.PendingOrdersByTrader(r.Context(), chi.URLParam(r, "trader"))
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (s *Server) handleListPairs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.book.All())
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.ledger.GetPendingOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, "order not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"order": o,
		"age":   o.Age(time.Now().UTC()).String(),
	})
}

func (s *Server) handlePairOI(w http.ResponseWriter, r *http.Request) {
	symbol := chi.URLParam(r, "symbol")
	if _, ok := s.book.Pair(symbol); !ok {
		writeError(w, "pair not found", http.StatusNotFound)
		return
	}
	impactCfg, _ := s.impact.PairConfig(symbol)
	writeJSON(w, http.StatusOK, map[string]any{
		"pair":         symbol,
		"long_oi_usd":  s.impact.ActiveOpenInterest(symbol, model.Long),
		"short_oi_usd": s.impact.ActiveOpenInterest(symbol, model.Short),
		"impact":       impactCfg,
	})
}

// --- Oracle ---

type answerRequest struct {
	RequestID string            `json:"request_id"`
	Reporter  string            `json:"reporter"`
	Candle    model.PriceCandle `json:"candle"`
}

// handleOracleAnswer is the REST submission path for reporters without a
// websocket session.
func (s *Server) handleOracleAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.oracle.ReceiveAnswer(req.RequestID, req.Reporter, req.Candle); err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "received"})
}

func (s *Server) handleOracleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, oracleConfigView(s.oracle.Config()))
}

func (s *Server) handleOracleRequest(w http.ResponseWriter, r *http.Request) {
	req, ok := s.oracle.Request(chi.URLParam(r, "requestID"))
	if !ok {
		writeError(w, "request not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// --- Helpers ---

func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrTradeNotFound),
		errors.Is(err, store.ErrOrderNotFound),
		errors.Is(err, model.ErrUnknownPair),
		errors.Is(err, oracle.ErrUnknownRequest):
		return http.StatusNotFound
	case errors.Is(err, orders.ErrConflictingOrder),
		errors.Is(err, orders.ErrOrderNotTimedOut),
		errors.Is(err, orders.ErrNotMarketOrder),
		errors.Is(err, oracle.ErrDuplicateAnswer):
		return http.StatusConflict
	case errors.Is(err, orders.ErrNotYourTrade),
		errors.Is(err, oracle.ErrReporterNotQueried):
		return http.StatusForbidden
	case errors.Is(err, orders.ErrInsufficientCollateral):
		return http.StatusPaymentRequired
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
