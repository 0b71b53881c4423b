package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/revittco/mcprouter/internal/api"
	"github.com/revittco/mcprouter/internal/approval"
	"github.com/revittco/mcprouter/internal/audit"
	"github.com/revittco/mcprouter/internal/catalog"
	"github.com/revittco/mcprouter/internal/config"
	"github.com/revittco/mcprouter/internal/events"
	"github.com/revittco/mcprouter/internal/hooks"
	"github.com/revittco/mcprouter/internal/jobs"
	"github.com/revittco/mcprouter/internal/keychain"
	"github.com/revittco/mcprouter/internal/metrics"
	"github.com/revittco/mcprouter/internal/pipeline"
	"github.com/revittco/mcprouter/internal/policy"
	"github.com/revittco/mcprouter/internal/ratelimit"
	"github.com/revittco/mcprouter/internal/server"
	"github.com/revittco/mcprouter/internal/store/sqlite"
	"github.com/revittco/mcprouter/internal/token"
)

func cmdServe(args []string) error {
	ctx, cancel := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	cfgPath := configPath(args)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	applyServeFlags(cfg, args)

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	dataDir, err := cfg.ResolveDataDir()
	if err != nil {
		return err
	}

	db, err := sqlite.New(ctx, config.DatabasePath(dataDir))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	enc, err := keychain.NewAgeEncryptor(config.KeyPath(dataDir))
	if err != nil {
		return err
	}
	keys := keychain.NewFileKeychain(config.KeychainPath(dataDir), enc)

	bus := events.NewBus()
	auditLog := audit.NewLogger(db, bus, logger)

	if cfg.RateLimit.Capacity > 0 {
		ratelimit.DefaultConfig = ratelimit.Config{
			Capacity:         cfg.RateLimit.Capacity,
			RefillRate:       cfg.RateLimit.RefillRate,
			RefillIntervalMs: cfg.RateLimit.RefillIntervalMs,
		}
	}
	limiter := ratelimit.New()

	engine := policy.NewEngine(db)
	queue := approval.NewQueue(bus)
	defer queue.Shutdown()

	tokens := token.NewService(db, keys, auditLog, logger)
	validator := token.NewValidator(tokens)

	manager := server.NewManager(db, nil, auditLog, bus, logger)
	defer manager.Shutdown(ctx)

	cat := catalog.New(manager, logger)
	hookReg := hooks.NewRegistry(logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	m := metrics.New(reg)
	manager.SetRunningGauge(m.RunningServers)

	pipe := pipeline.New(validator, cat, engine, limiter, queue, manager,
		hookReg, auditLog, m, logger)

	if err := config.Apply(ctx, db, cfg); err != nil {
		return err
	}
	if err := config.SeedDefaults(ctx, db, logger); err != nil {
		return err
	}

	sched := jobs.New(queue, tokens, db, logger)
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	router := api.NewRouter(api.RouterDeps{
		Version:   version,
		Validator: validator,
		Tokens:    tokens,
		Manager:   manager,
		Catalog:   cat,
		Policies:  engine,
		Approvals: queue,
		Audit:     auditLog,
		Pipeline:  pipe,
		Projects:  db,
		Bus:       bus,
		Metrics:   reg,
		CORS:      cfg.CORSOrigins,
		Log:       logger,
	})

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0, // tool calls and SSE streams outlive any fixed budget
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func configPath(args []string) string {
	for _, arg := range args {
		if v, ok := strings.CutPrefix(arg, "--config="); ok {
			return v
		}
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home + "/.mcprouter/mcprouter.yaml"
}

func applyServeFlags(cfg *config.Config, args []string) {
	for _, arg := range args {
		if v, ok := strings.CutPrefix(arg, "--host="); ok {
			cfg.Host = v
		}
		if v, ok := strings.CutPrefix(arg, "--port="); ok {
			if p, err := strconv.Atoi(v); err == nil {
				cfg.Port = p
			}
		}
		if v, ok := strings.CutPrefix(arg, "--data-dir="); ok {
			cfg.DataDir = v
		}
	}
}

func logLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
