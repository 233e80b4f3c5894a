// Command server starts the broadcast admin HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	httpserver "github.com/fairyhunter13/tg-broadcast/internal/adapter/httpserver"
	"github.com/fairyhunter13/tg-broadcast/internal/adapter/observability"
	"github.com/fairyhunter13/tg-broadcast/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/tg-broadcast/internal/app"
	"github.com/fairyhunter13/tg-broadcast/internal/config"
	"github.com/fairyhunter13/tg-broadcast/internal/domain"
	"github.com/fairyhunter13/tg-broadcast/internal/usecase"
)

func main() {
	seedFile := flag.String("seed-users", "", "optional YAML file of chat ids to seed into bot_users")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	if err := app.RetryConnect(ctx, "migrate", 30*time.Second, func(context.Context) error {
		return postgres.Migrate(cfg.DBURL)
	}); err != nil {
		slog.Error("migrations failed", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	campaignRepo := postgres.NewCampaignRepo(pool)
	outboxRepo := postgres.NewOutboxRepo(pool)
	userRepo := postgres.NewUserRepo(pool)

	if *seedFile != "" {
		n, err := seedUsers(ctx, userRepo, *seedFile)
		if err != nil {
			slog.Error("user seed failed", slog.Any("error", err))
			os.Exit(1)
		}
		slog.Info("bot users seeded", slog.Int("count", n), slog.String("file", *seedFile))
	}

	adminSvc := usecase.NewCampaignService(campaignRepo, outboxRepo, domain.UTCClock())
	srv := httpserver.NewServer(cfg, adminSvc)
	sessions := httpserver.NewSessionManager(cfg)
	if !cfg.AdminEnabled() {
		slog.Warn("admin credentials not configured, campaign endpoints are unauthenticated")
	}

	ready := app.NewReadinessChecker(app.DBCheck(pool))
	handler := app.BuildRouter(cfg, srv, sessions, ready)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
