// Package main provides the entry point for the docpilot assistant core.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docpilot/core/pkg/abuse"
	"github.com/docpilot/core/pkg/assistant"
	"github.com/docpilot/core/pkg/config"
	"github.com/docpilot/core/pkg/health"
	api "github.com/docpilot/core/pkg/http"
	"github.com/docpilot/core/pkg/quota"
	"github.com/docpilot/core/pkg/session"
	"github.com/docpilot/core/pkg/store"
	"github.com/docpilot/core/pkg/store/postgres"
	"github.com/docpilot/core/pkg/store/sqlite"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	address     string
	showVersion bool
}

func parseFlags() serverOptions {
	opts := serverOptions{}
	flag.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.address, "address", ":8081", "Listen address for the HTTP server")
	flag.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	flag.Parse()
	return opts
}

func setupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()
	return ctx
}

// openStore opens the configured persistence backend.
func openStore(cfg *config.Config) (store.Store, *health.Checker, error) {
	switch cfg.Database.Backend {
	case "sqlite":
		st, err := sqlite.Open(cfg.Database.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return st, health.NewChecker(st.DB()), nil
	case "postgres":
		st, err := postgres.Open(postgres.Config{
			DSN:          cfg.Database.DSN,
			MaxOpenConns: cfg.Database.MaxOpenConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("opening postgres store: %w", err)
		}
		return st, health.NewChecker(st.DB()), nil
	default:
		return nil, nil, fmt.Errorf("unknown database backend %q", cfg.Database.Backend)
	}
}

// startRetentionRoutine purges old activity entries on a ticker until ctx
// is cancelled.
func startRetentionRoutine(ctx context.Context, st store.Store, cfg config.ActivityConfig) {
	go func() {
		ticker := time.NewTicker(cfg.PurgeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				cutoff := time.Now().UTC().Add(-cfg.Retention)
				n, err := st.PurgeActivity(ctx, cutoff)
				if err != nil {
					slog.Warn("activity purge failed", "err", err)
					continue
				}
				if n > 0 {
					slog.Info("activity entries purged", "count", n)
				}
			}
		}
	}()
}

func run() error {
	opts := parseFlags()

	if opts.showVersion {
		fmt.Printf("docpilot-core version %s\n", version)
		return nil
	}

	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Server.Address != "" {
		opts.address = cfg.Server.Address
	}

	ctx := setupSignalHandler()

	st, checker, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	sessions := session.NewManager(st, session.ManagerConfig{
		Timeout:         cfg.Session.Timeout,
		MaxHistory:      cfg.Session.MaxHistory,
		PreviewPageSize: cfg.Session.PreviewPageSize,
	})
	sessions.StartSweepRoutine(cfg.Session.SweepInterval)
	defer sessions.Close()

	guard := abuse.NewGuard(abuse.Config{
		PerMinute:  cfg.Abuse.PerMinute,
		Burst:      cfg.Abuse.Burst,
		StaleAfter: cfg.Abuse.StaleAfter,
	})
	guard.StartCleanupRoutine(cfg.Abuse.CleanupInterval)
	defer guard.Close()

	ledger := quota.NewLedger(st, quota.Config{
		MonthlyLimit:       cfg.Quota.MonthlyLimit,
		AdminIDs:           cfg.Quota.AdminIDs,
		VIPIDs:             cfg.Quota.VIPIDs,
		SupportedLanguages: cfg.Quota.SupportedLanguages,
		DefaultLanguage:    cfg.Quota.DefaultLanguage,
	})

	backend := assistant.NewGeminiBackend(cfg.AI.APIKey, cfg.AI.Model, cfg.AI.Timeout)
	docs := assistant.NewLocalDocs(cfg.Documents.Dir)
	core := assistant.New(sessions, ledger, guard, backend, docs, st)

	startRetentionRoutine(ctx, st, cfg.Activity)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", checker.LivenessHandler())
	mux.HandleFunc("/readyz", checker.ReadinessHandler())

	apiMux := http.NewServeMux()
	api.NewAPI(core, ledger, st).Register(apiMux)
	mux.Handle("/v1/", api.APIKeyAuth(cfg.Server.APIKey)(apiMux))

	srv := &http.Server{
		Addr:              opts.address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "err", err)
		}
	}()

	checker.SetReady()
	slog.Info("docpilot core started",
		"backend", cfg.Database.Backend, "address", opts.address, "version", version)

	<-ctx.Done()
	checker.SetDraining()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
