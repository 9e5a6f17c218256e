package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Mindburn-Labs/qledger/pkg/api"
	"github.com/Mindburn-Labs/qledger/pkg/artifacts"
	"github.com/Mindburn-Labs/qledger/pkg/config"
	"github.com/Mindburn-Labs/qledger/pkg/evidence"
	"github.com/Mindburn-Labs/qledger/pkg/gate"
	"github.com/Mindburn-Labs/qledger/pkg/observability"
	"github.com/Mindburn-Labs/qledger/pkg/selection"
	"github.com/Mindburn-Labs/qledger/pkg/store"
)

// app is a fully wired ledger server.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	handler  http.Handler
	limiter  *api.RateLimiter
	provider *observability.Provider
	closer   io.Closer
}

func runServeCmd(args []string, _, stderr io.Writer) int {
	cmd := flag.NewFlagSet("serve", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	envFile := cmd.String("env-file", ".env", "dotenv file loaded before the environment")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.LoadWithDotEnv(*envFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := observability.NewLogger(stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	defer a.Close()

	if err := a.serve(ctx); err != nil {
		logger.Error("server failed", "error", err)
		return 1
	}
	return 0
}

func loadPolicy(cfg *config.Config) (*config.Policy, error) {
	p := config.DefaultPolicy()
	if cfg.PolicyFile != "" {
		var err error
		if p, err = config.LoadPolicy(cfg.PolicyFile); err != nil {
			return nil, err
		}
	}
	p.ApplyEnv(cfg)
	return p, nil
}

func openStore(ctx context.Context, cfg *config.Config) (evidence.Store, io.Closer, error) {
	return store.Open(ctx, store.Options{
		Kind:        store.Kind(cfg.Store),
		DatabaseURL: cfg.DatabaseURL,
		DataDir:     cfg.DataDir,
		RedisAddr:   cfg.RedisAddr,
	})
}

func openSink(ctx context.Context, cfg *config.Config) (artifacts.Sink, error) {
	return artifacts.Open(ctx, artifacts.Options{
		Kind:   artifacts.Kind(cfg.ExportSink),
		Dir:    cfg.ExportDir,
		Bucket: cfg.ExportBucket,
		Prefix: cfg.ExportPrefix,
		Region: cfg.AWSRegion,
	})
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	policy, err := loadPolicy(cfg)
	if err != nil {
		return nil, err
	}
	mode := gate.ParseMode(cfg.Mode)

	otelCfg := observability.DefaultConfig()
	otelCfg.Enabled = cfg.OTelEnabled
	otelCfg.OTLPEndpoint = cfg.OTLPEndpoint
	provider, err := observability.New(ctx, otelCfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, provider: provider}
	metrics, err := observability.NewMetrics(provider.Meter())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	st, closer, err := openStore(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closer = closer

	ledger, err := evidence.NewLedger(ctx, st,
		evidence.WithLogger(logger),
		evidence.WithRecorder(metrics),
		evidence.WithMode(mode),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	gateCfg := policy.GateConfig(os.LookupEnv)
	g, err := gate.NewGate(gateCfg, policy.Rules)
	if err != nil {
		a.Close()
		return nil, err
	}
	if !gateCfg.HasExecutionTarget() {
		logger.Warn("no allowed backend has a credential source; every admission will be denied",
			"allowed_backends", gateCfg.SortedBackends())
	}
	sel, err := selection.NewSelector(policy.SelectionPolicy())
	if err != nil {
		a.Close()
		return nil, err
	}
	sink, err := openSink(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	if cfg.RateRPS > 0 {
		a.limiter = api.NewRateLimiter(cfg.RateRPS, cfg.RateBurst)
	}

	srv, err := api.NewServer(api.Deps{
		Ledger:      ledger,
		Gate:        g,
		Selector:    sel,
		Catalog:     api.StaticCatalog(policy.Catalog),
		EnvFlags:    gate.Flags{Simulate: cfg.Simulate, Mock: cfg.Mock},
		Sink:        sink,
		SinkName:    cfg.ExportSink,
		Metrics:     metrics,
		Logger:      logger,
		JWTSecret:   []byte(cfg.JWTSecret),
		RateLimiter: a.limiter,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.handler = srv.Handler()

	logger.Info("ledger ready",
		"mode", mode,
		"store", cfg.Store,
		"policy_version", policy.Version,
		"export_sink", cfg.ExportSink,
		"auth", len(cfg.JWTSecret) > 0)
	return a, nil
}

func (a *app) serve(ctx context.Context) error {
	if a.limiter != nil {
		go a.limiter.Run(ctx)
	}
	server := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("listening", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	a.logger.Info("shutting down")
	return server.Shutdown(shutdownCtx)
}

// Close releases the store and flushes telemetry.
func (a *app) Close() {
	if a.closer != nil {
		if err := a.closer.Close(); err != nil {
			a.logger.Warn("store close failed", "error", err)
		}
	}
	if a.provider != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.provider.Shutdown(ctx)
	}
}
