package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/t3chn0func/webio/internal/auth"
	"github.com/t3chn0func/webio/internal/call"
	"github.com/t3chn0func/webio/internal/config"
	"github.com/t3chn0func/webio/internal/gateway"
	"github.com/t3chn0func/webio/internal/history"
	"github.com/t3chn0func/webio/internal/httpapi"
	"github.com/t3chn0func/webio/internal/provider"
	"github.com/t3chn0func/webio/internal/session"
	"github.com/t3chn0func/webio/internal/stats"
	"github.com/t3chn0func/webio/pkg/logger"
	"github.com/t3chn0func/webio/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	providers := provider.NewRegistry(cfg.SIP.Domain)
	registry := call.NewRegistry(providers)
	gw := gateway.New(registry, providers, log)

	callLogs := history.NewPostgresRepo(db)
	sink := history.NewSink(callLogs, log)
	metrics := stats.NewCollector()

	var limiter session.ConcurrencyLimiter
	if l := session.NewRedisLimiter(rdb, cfg.Call.MaxActivePerProvider); l != nil {
		limiter = l
	}

	orch := session.New(session.Params{
		Registry:    registry,
		Fanout:      gw,
		Recorder:    sink,
		Providers:   providers,
		Driver:      &session.SimulatedDriver{ConnectDelay: time.Second, EstablishDelay: 2 * time.Second},
		Limiter:     limiter,
		Metrics:     metrics,
		Log:         log,
		InitTimeout: cfg.Call.InitTimeout,
	})

	// Janitor: evict terminal sessions once their grace period lapses.
	go func() {
		t := time.NewTicker(cfg.Call.SweepInterval)
		defer t.Stop()
		for {
			select {
			case <-rootCtx.Done():
				return
			case now := <-t.C:
				if n := registry.Sweep(now.UTC(), cfg.Call.TerminalGrace); n > 0 {
					log.Debug("terminal sessions evicted", "count", n)
				}
			}
		}
	}()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	handlers := httpapi.Handlers{
		Orchestrator: orch,
		Auth:         authManager,
		Logs:         callLogs,
		Metrics:      metrics,
		WSBase:       cfg.SIP.PublicWSBase,
		Version:      version,
		// Unauthenticated token minting never runs in production.
		AllowDevLogin: !cfg.IsProduction(),
	}
	registerRoutes(r, handlers, gw, db, auth.RequireAccessToken(authManager))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: websocket connections outlive any request deadline.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Info("gateway listening", "addr", srv.Addr, "env", cfg.App.Env, "providers", providers.IDs())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}
	gw.Close()
	sink.Close()
}
