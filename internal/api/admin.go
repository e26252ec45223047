package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/openperp/perp-engine/internal/model"
	"github.com/openperp/perp-engine/internal/oracle"
)

// requireAdmin gates the admin surface behind the shared token. An empty
// configured token disables the surface entirely.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminToken == "" {
			writeError(w, "admin surface disabled", http.StatusNotFound)
			return
		}
		if r.Header.Get("X-Admin-Token") != s.adminToken {
			writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type adminPairRequest struct {
	Symbol             string          `json:"symbol"`
	Group              string          `json:"group"`
	MinLeverage        decimal.Decimal `json:"min_leverage"`
	MaxLeverage        decimal.Decimal `json:"max_leverage"`
	MaxOpenInterestUSD decimal.Decimal `json:"max_open_interest_usd"`
	DefaultSlippagePct decimal.Decimal `json:"default_slippage_pct"`

	DepthAboveUSD         decimal.Decimal `json:"depth_above_usd"`
	DepthBelowUSD         decimal.Decimal `json:"depth_below_usd"`
	ProtectionCloseFactor decimal.Decimal `json:"protection_close_factor"`
	ProtectionCloseWindow time.Duration   `json:"protection_close_window"`
	CumulativeFactor      decimal.Decimal `json:"cumulative_factor"`
	ExemptOnOpen          bool            `json:"exempt_on_open"`
	ExemptAfterProtection bool            `json:"exempt_after_protection"`
}

// handleAdminPair lists or reconfigures a pair across the registry, the
// impact engine, and the exposure limiter in one shot.
func (s *Server) handleAdminPair(w http.ResponseWriter, r *http.Request) {
	var req adminPairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := model.ValidatePairSymbol(req.Symbol); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.MinLeverage.LessThanOrEqual(decimal.Zero) || req.MaxLeverage.LessThan(req.MinLeverage) {
		writeError(w, "invalid leverage bounds", http.StatusBadRequest)
		return
	}

	s.book.Upsert(model.Pair{
		Symbol:             req.Symbol,
		Group:              req.Group,
		MinLeverage:        req.MinLeverage,
		MaxLeverage:        req.MaxLeverage,
		MaxOpenInterestUSD: req.MaxOpenInterestUSD,
		DefaultSlippagePct: req.DefaultSlippagePct,
	})
	s.impact.SetPairConfig(model.PairImpactConfig{
		Symbol:                req.Symbol,
		DepthAboveUSD:         req.DepthAboveUSD,
		DepthBelowUSD:         req.DepthBelowUSD,
		ProtectionCloseFactor: req.ProtectionCloseFactor,
		ProtectionCloseWindow: req.ProtectionCloseWindow,
		CumulativeFactor:      req.CumulativeFactor,
		ExemptOnOpen:          req.ExemptOnOpen,
		ExemptAfterProtection: req.ExemptAfterProtection,
	})
	s.limiter.SetPairLimit(req.Symbol, req.Group, req.MaxOpenInterestUSD)

	slog.Info("pair reconfigured", "symbol", req.Symbol, "group", req.Group)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type adminGroupRequest struct {
	Name               string          `json:"name"`
	MaxOpenInterestUSD decimal.Decimal `json:"max_open_interest_usd"`
}

func (s *Server) handleAdminGroup(w http.ResponseWriter, r *http.Request) {
	var req adminGroupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}
	s.limiter.SetGroupLimit(req.Name, req.MaxOpenInterestUSD)
	slog.Info("group limit set", "group", req.Name, "max_oi", req.MaxOpenInterestUSD)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type adminWindowsRequest struct {
	Duration time.Duration `json:"duration"` // zero = unchanged
	Count    int           `json:"count"`    // zero = unchanged
}

// handleAdminWindows retunes the impact accumulator windows. A duration
// change migrates the active open interest into the new grid.
func (s *Server) handleAdminWindows(w http.ResponseWriter, r *http.Request) {
	var req adminWindowsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Count > 0 {
		if err := s.impact.SetWindowsCount(req.Count); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if req.Duration > 0 {
		if err := s.impact.SetWindowsDuration(req.Duration); err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	slog.Info("impact windows retuned", "duration", req.Duration, "count", req.Count)
	writeJSON(w, http.StatusOK, s.impact.Settings())
}

type adminWhitelistRequest struct {
	Trader string `json:"trader"`
	Exempt bool   `json:"exempt"`
}

func (s *Server) handleAdminWhitelist(w http.ResponseWriter, r *http.Request) {
	var req adminWhitelistRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Trader == "" {
		writeError(w, "trader is required", http.StatusBadRequest)
		return
	}
	s.impact.SetProtectionWhitelisted(req.Trader, req.Exempt)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type adminOracleRequest struct {
	MinAnswers              *int             `json:"min_answers"`
	Reporters               []string         `json:"reporters"`
	MaxDeviationMarketPct   *decimal.Decimal `json:"max_deviation_market_pct"`
	MaxDeviationLookbackPct *decimal.Decimal `json:"max_deviation_lookback_pct"`
	ReporterFeeUSD          *decimal.Decimal `json:"reporter_fee_usd"`
}

// handleAdminOracle overlays the consensus parameters. Absent fields keep
// their current values; job routing is deployment-fixed and not retunable
// here. In-flight requests keep the reporter set they were dispatched with.
func (s *Server) handleAdminOracle(w http.ResponseWriter, r *http.Request) {
	var req adminOracleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	cfg := s.oracle.Config()
	if req.MinAnswers != nil {
		cfg.MinAnswers = *req.MinAnswers
	}
	if req.Reporters != nil {
		cfg.Reporters = req.Reporters
	}
	if req.MaxDeviationMarketPct != nil {
		cfg.MaxDeviationMarketPct = *req.MaxDeviationMarketPct
	}
	if req.MaxDeviationLookbackPct != nil {
		cfg.MaxDeviationLookbackPct = *req.MaxDeviationLookbackPct
	}
	if req.ReporterFeeUSD != nil {
		cfg.ReporterFeeUSD = *req.ReporterFeeUSD
	}
	if cfg.MinAnswers < 1 {
		writeError(w, "min_answers must be at least 1", http.StatusBadRequest)
		return
	}
	if len(cfg.Reporters) < cfg.MinAnswers {
		writeError(w, "fewer reporters than min_answers", http.StatusBadRequest)
		return
	}

	s.oracle.SetConfig(cfg)
	slog.Info("oracle reconfigured",
		"min_answers", cfg.MinAnswers, "reporters", len(cfg.Reporters))
	writeJSON(w, http.StatusOK, oracleConfigView(cfg))
}

func oracleConfigView(cfg oracle.Config) map[string]any {
	return map[string]any{
		"min_answers":                cfg.MinAnswers,
		"reporters":                  cfg.Reporters,
		"max_deviation_market_pct":   cfg.MaxDeviationMarketPct,
		"max_deviation_lookback_pct": cfg.MaxDeviationLookbackPct,
		"market_job":                 cfg.MarketJob,
		"lookback_jobs":              cfg.LookbackJobs,
		"reporter_fee_usd":           cfg.ReporterFeeUSD,
	}
}
