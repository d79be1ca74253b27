package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HyphaGroup/gatekeeper/internal/audit"
	"github.com/HyphaGroup/gatekeeper/internal/cleanup"
	"github.com/HyphaGroup/gatekeeper/internal/config"
	"github.com/HyphaGroup/gatekeeper/internal/logger"
	"github.com/HyphaGroup/gatekeeper/internal/metrics"
	"github.com/HyphaGroup/gatekeeper/internal/run"
	"github.com/HyphaGroup/gatekeeper/internal/store"
	"github.com/HyphaGroup/gatekeeper/internal/transport"
)

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	dir         string
	verbose     bool
	metricsAddr string
}

// app holds what a command needs once configuration is loaded.
type app struct {
	flags globalFlags

	cfg     *config.Config
	store   *store.SQLiteStore
	driver  *run.Driver
	metrics *http.Server
	cleaner *cleanup.Cleaner
}

// open loads the configuration and wires logger, store, transport and
// driver. The console only receives log records with --verbose; the daily
// log file always does.
func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load(a.flags.dir)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.flags.verbose {
		cfg.Client.Verbose = true
	}
	if a.flags.metricsAddr != "" {
		cfg.Metrics.Address = a.flags.metricsAddr
	}
	a.cfg = cfg

	var console io.Writer
	if cfg.Client.Verbose {
		console = os.Stderr
	}
	if err := logger.InitSlog(cfg.LogDir(), cfg.Client.LogJSON, console); err != nil {
		logger.InitWriter(os.Stderr, cfg.Client.LogJSON)
		logger.WarnContext(ctx, "file logging unavailable", "dir", cfg.LogDir(), "error", err)
	}
	logger.SetDebug(cfg.Client.Verbose)
	if cfg.Path == "" {
		logger.DebugContext(ctx, "no config file, using defaults", "home", cfg.Home)
	}
	if retention := cfg.LogRetention(); retention > 0 {
		cc := cleanup.DefaultConfig(cfg.LogDir())
		cc.Retention = retention
		a.cleaner = cleanup.New(cc)
		a.cleaner.RunOnce(ctx)
	}

	st, err := store.NewSQLiteStore(cfg.DataDir())
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	a.store = st

	var t transport.Transport
	switch cfg.Server.Variant {
	case config.VariantInvoke:
		t = transport.NewInvokeClient(cfg.TransportOptions(), st)
	default:
		t = transport.NewHTTPClient(cfg.TransportOptions())
	}

	driver, err := run.NewDriver(t, st, run.Options{
		Verbose:      cfg.Client.Verbose,
		DefaultTheme: cfg.Client.DefaultTheme,
		Audit:        audit.New(os.Stderr, cfg.Client.Audit),
	})
	if err != nil {
		return fmt.Errorf("create driver: %w", err)
	}
	a.driver = driver

	if cfg.Metrics.Address != "" {
		a.serveMetrics(ctx, cfg.Metrics.Address)
	}
	logger.DebugContext(ctx, "gatekeeper ready",
		"home", cfg.Home, "server", cfg.Server.BaseURL, "variant", cfg.Server.Variant)
	return nil
}

// serveMetrics exposes /metrics while the command runs.
func (a *app) serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	a.metrics = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := a.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorContext(ctx, "metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.InfoContext(ctx, "serving metrics", "addr", addr)
}

func (a *app) close() {
	if a.cleaner != nil {
		a.cleaner.Stop()
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.metrics.Shutdown(ctx)
		cancel()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = logger.CloseSlog()
}

// restore picks up a persisted session. A server that cannot be reached is
// reported but does not stop the command.
func (a *app) restore(ctx context.Context, w io.Writer) {
	if _, err := a.driver.Restore(ctx); err != nil {
		fmt.Fprintf(w, "Warning: could not restore session: %v\n", err)
	}
}

// cancelOnInterrupt turns Ctrl-C into a user cancel of the operation in
// flight. The returned func stops listening.
func (a *app) cancelOnInterrupt(ctx context.Context) func() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case s := <-sig:
			logger.InfoContext(ctx, "interrupted, cancelling run", "signal", s.String())
			_ = a.driver.Cancel()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sig)
		close(done)
	}
}
