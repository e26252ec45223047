package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/openperp/perp-engine/internal/api"
	"github.com/openperp/perp-engine/internal/config"
	"github.com/openperp/perp-engine/internal/exposure"
	"github.com/openperp/perp-engine/internal/fees"
	"github.com/openperp/perp-engine/internal/impact"
	"github.com/openperp/perp-engine/internal/metrics"
	"github.com/openperp/perp-engine/internal/model"
	"github.com/openperp/perp-engine/internal/oracle"
	"github.com/openperp/perp-engine/internal/orders"
	"github.com/openperp/perp-engine/internal/store"
	"github.com/openperp/perp-engine/internal/vault"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("configuration failed", "err", err)
		os.Exit(1)
	}

	// --- Ledger ---
	var ledger store.Ledger
	var cleanup []func()

	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.Postgres.URL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		ledger = store.NewPostgresLedger(pool)
		slog.Info("connected to PostgreSQL")

		if cfg.Redis.URL != "" {
			opt, err := redis.ParseURL(cfg.Redis.URL)
			if err != nil {
				slog.Error("invalid redis url", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			ledger = store.NewCachedLedger(ledger, rdb, 30*time.Second)
			slog.Info("redis cache enabled")
		}
	} else {
		slog.Warn("postgres.url not set, using in-memory ledger (data will not persist)")
		ledger = store.NewMemoryLedger()
	}
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price-impact engine ---
	eng, err := impact.New(impact.WindowSettings{
		Start:    time.Now().UTC().Truncate(cfg.Impact.WindowDuration),
		Duration: cfg.Impact.WindowDuration,
		Count:    cfg.Impact.WindowsCount,
	}, decimal.NewFromFloat(cfg.Impact.LosingCloseMultiplier), nil)
	if err != nil {
		slog.Error("impact engine init failed", "err", err)
		os.Exit(1)
	}
	for _, p := range cfg.Impact.Pairs {
		eng.SetPairConfig(model.PairImpactConfig{
			Symbol:                p.Symbol,
			DepthAboveUSD:         decimal.NewFromFloat(p.DepthAboveUSD),
			DepthBelowUSD:         decimal.NewFromFloat(p.DepthBelowUSD),
			ProtectionCloseFactor: decimal.NewFromFloat(p.ProtectionCloseFactor),
			ProtectionCloseWindow: p.ProtectionCloseWindow,
			CumulativeFactor:      decimal.NewFromFloat(p.CumulativeFactor),
			ExemptOnOpen:          p.ExemptOnOpen,
			ExemptAfterProtection: p.ExemptAfterProtection,
		})
	}

	// --- Exposure limits and pair registry ---
	limiter := exposure.NewLimiter(eng)
	book := orders.NewPairBook()
	for _, p := range cfg.Pairs {
		book.Upsert(model.Pair{
			Symbol:             p.Symbol,
			Group:              p.Group,
			MinLeverage:        decimal.NewFromFloat(p.MinLeverage),
			MaxLeverage:        decimal.NewFromFloat(p.MaxLeverage),
			MaxOpenInterestUSD: decimal.NewFromFloat(p.MaxOpenInterestUSD),
			DefaultSlippagePct: decimal.NewFromFloat(p.DefaultSlippagePct),
		})
		limiter.SetPairLimit(p.Symbol, p.Group, decimal.NewFromFloat(p.MaxOpenInterestUSD))
	}
	for _, g := range cfg.Groups {
		limiter.SetGroupLimit(g.Name, decimal.NewFromFloat(g.MaxOpenInterestUSD))
	}

	// --- Reporter feed and consensus engine ---
	hub := oracle.NewFeedHub()
	go hub.Run()

	oracleEng := oracle.New(oracle.Config{
		MinAnswers:              cfg.Oracle.MinAnswers,
		Reporters:               cfg.Oracle.Reporters,
		MaxDeviationMarketPct:   decimal.NewFromFloat(cfg.Oracle.MaxDeviationMarketPct),
		MaxDeviationLookbackPct: decimal.NewFromFloat(cfg.Oracle.MaxDeviationLookbackPct),
		MarketJob:               cfg.Oracle.MarketJob,
		LookbackJobs:            cfg.Oracle.LookbackJobs,
		ReporterFeeUSD:          decimal.NewFromFloat(cfg.Oracle.ReporterFeeUSD),
	}, hub, nil)

	// --- Order lifecycle controller ---
	// Token custody is external; the in-memory vault tracks engine-side
	// balances until the settlement bridge is wired in.
	ctrl := orders.New(orders.Config{
		MarketOrderTimeout:      cfg.Orders.MarketOrderTimeout,
		MaxNegativePnlOnOpenPct: decimal.NewFromFloat(cfg.Orders.MaxNegativePnlOnOpenPct),
		MaxGainPct:              decimal.NewFromFloat(cfg.Orders.MaxGainPct),
	}, ledger, oracleEng, eng, limiter, fees.Schedule{
		TradingFeePct:      decimal.NewFromFloat(cfg.Fees.TradingFeePct),
		MinFeeUSD:          decimal.NewFromFloat(cfg.Fees.MinFeeUSD),
		ReferralSharePct:   decimal.NewFromFloat(cfg.Fees.ReferralSharePct),
		GovernanceSharePct: decimal.NewFromFloat(cfg.Fees.GovernanceSharePct),
		TriggerSharePct:    decimal.NewFromFloat(cfg.Fees.TriggerSharePct),
	}, vault.NewMemory(), book, nil)
	oracleEng.SetHandler(ctrl.HandlePrice)

	// --- HTTP router ---
	srvAPI := api.NewServer(ctrl, ledger, oracleEng, hub, book, eng, limiter, cfg.Admin.Token)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"perp-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	r.Mount("/", srvAPI.Routes())

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("perp-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	slog.Info("shutting down perp-engine")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
}
