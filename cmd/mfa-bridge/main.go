package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/simple-mfa/mfa-bridge/pkg/api"
	"github.com/simple-mfa/mfa-bridge/pkg/authflow"
	"github.com/simple-mfa/mfa-bridge/pkg/config"
	"github.com/simple-mfa/mfa-bridge/pkg/piclient"
	"github.com/simple-mfa/mfa-bridge/pkg/policy"
	"github.com/simple-mfa/mfa-bridge/pkg/poller"
	"github.com/simple-mfa/mfa-bridge/pkg/session"
)

const userAgent = "simple-mfa-bridge/1.0"

const staleAttemptAge = time.Hour

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
	}))
	slog.SetDefault(logger)

	// Load .env file if it exists (before reading environment variables)
	if err := godotenv.Load(); err == nil {
		slog.Info("Loaded environment from .env file")
	}

	cfg := config.Config{}
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		slog.Error("Failed reading configuration", "err", err)
		os.Exit(-1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("Invalid configuration", "err", err)
		os.Exit(-1)
	}

	client, err := buildClient(cfg)
	if err != nil {
		slog.Error("Failed building MFA server client", "err", err)
		os.Exit(-1)
	}

	repo, cleanup, err := buildRepository(cfg)
	if err != nil {
		slog.Error("Failed creating attempt store", "host", cfg.Db.Host, "db", cfg.Db.Database, "err", err)
		os.Exit(-1)
	}
	defer cleanup()

	gate := policy.NewGate(cfg.Policy.Enabled,
		policy.WithExcludedIPs(cfg.Policy.ExcludedIPList()),
		policy.WithIncludeGroups(cfg.Policy.IncludeGroupList()),
		policy.WithExcludeGroups(cfg.Policy.ExcludeGroupList()),
	)

	flow := authflow.NewService(&authflow.ServiceDependencies{
		Provider:            client,
		SelectedFlow:        cfg.Flow.Selected,
		StaticPass:          cfg.Flow.StaticPass,
		AutoSubmitOTPLength: cfg.UI.AutoSubmitOTPLength,
		SeparateOTPFields:   cfg.UI.SeparateOTPFields,
	})

	intervals, err := cfg.Poll.ParseIntervals()
	if err != nil {
		slog.Error("Invalid poll intervals", "err", err)
		os.Exit(-1)
	}
	schedule, err := poller.NewSchedule(intervals)
	if err != nil {
		slog.Error("Invalid poll schedule", "err", err)
		os.Exit(-1)
	}

	handle := api.NewHandle(flow, repo, gate, client, api.Config{
		JwtSecret:       cfg.Server.JwtSecret,
		PollInBrowser:   cfg.Poll.InBrowser,
		Schedule:        schedule,
		ForwardHeaders:  cfg.Provider.ForwardHeaderList(),
		ForwardClientIP: cfg.Provider.ForwardClientIP,
	})

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Mount("/api/mfa", api.Routes(handle))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	startJanitor(ctx, repo)

	go func() {
		slog.Info("MFA bridge listening", "addr", addr, "flow", cfg.Flow.Selected, "pollInBrowser", cfg.Poll.InBrowser)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	slog.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown did not complete cleanly", "err", err)
	}
}

func buildClient(cfg config.Config) (*piclient.Client, error) {
	timeout, err := cfg.Provider.ParseTimeout()
	if err != nil {
		return nil, fmt.Errorf("parse PI_TIMEOUT: %w", err)
	}
	opts := []piclient.Option{
		piclient.WithTimeout(timeout),
	}
	if cfg.Provider.Realm != "" {
		opts = append(opts, piclient.WithRealm(cfg.Provider.Realm))
	}
	if cfg.ServiceAccount.Name != "" {
		opts = append(opts, piclient.WithServiceAccount(
			cfg.ServiceAccount.Name, cfg.ServiceAccount.Password, cfg.ServiceAccount.Realm))
	}
	if cfg.Provider.ForwardClientIP {
		opts = append(opts, piclient.WithForwardClientIP(true))
	}
	if !cfg.Provider.VerifySSL {
		slog.Warn("TLS certificate verification is disabled")
		opts = append(opts, piclient.WithInsecureSkipVerify(true))
	}
	return piclient.NewClient(userAgent, cfg.Provider.URL, opts...), nil
}

// buildRepository picks the attempt store. Without a configured database host
// attempts live in memory, which is fine for a single instance.
func buildRepository(cfg config.Config) (session.Repository, func(), error) {
	if cfg.Db.Host == "" {
		slog.Info("Keeping login attempts in memory")
		return session.NewInMemoryRepository(), func() {}, nil
	}
	pool, err := pgxpool.New(context.Background(), cfg.Db.ToDatabaseURL())
	if err != nil {
		return nil, nil, fmt.Errorf("create database pool: %w", err)
	}
	if _, err := pool.Exec(context.Background(), session.Schema); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("apply attempt schema: %w", err)
	}
	return session.NewPostgresRepository(pool), pool.Close, nil
}

// startJanitor periodically deletes abandoned login attempts. Only the
// postgres store accumulates them across restarts.
func startJanitor(ctx context.Context, repo session.Repository) {
	pg, ok := repo.(*session.PostgresRepository)
	if !ok {
		return
	}
	go func() {
		ticker := time.NewTicker(10 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := pg.DeleteStale(ctx, staleAttemptAge); err != nil {
					slog.Error("Failed deleting stale attempts", "err", err)
				}
			}
		}
	}()
}
