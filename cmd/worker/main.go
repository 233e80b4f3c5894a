// Command worker runs the broadcast scheduler: campaign lift, outbox
// dispatch, and completion, under the single-writer Redis lease.
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

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/tg-broadcast/internal/adapter/lock"
	"github.com/fairyhunter13/tg-broadcast/internal/adapter/observability"
	"github.com/fairyhunter13/tg-broadcast/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/tg-broadcast/internal/adapter/telegram"
	"github.com/fairyhunter13/tg-broadcast/internal/app"
	"github.com/fairyhunter13/tg-broadcast/internal/config"
	"github.com/fairyhunter13/tg-broadcast/internal/domain"
	"github.com/fairyhunter13/tg-broadcast/internal/usecase"
)

func main() {
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

	if !cfg.BroadcastEnabled {
		slog.Info("broadcast disabled, worker idle")
		waitForSignal()
		return
	}
	if cfg.TelegramBotToken == "" {
		slog.Error("TELEGRAM_BOT_TOKEN is required")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()
	if err := app.RetryConnect(ctx, "redis", 30*time.Second, func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}); err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	campaignRepo := postgres.NewCampaignRepo(pool)
	outboxRepo := postgres.NewOutboxRepo(pool)
	bot := telegram.New(cfg.TelegramAPIBaseURL, cfg.TelegramBotToken, cfg.BroadcastRequestTimeout)
	workerLock := lock.NewRedisLock(rdb)

	b := usecase.NewBroadcaster(campaignRepo, outboxRepo, bot, workerLock, domain.UTCClock(), usecase.BroadcasterOptions{
		Tick:         cfg.BroadcastTick,
		BatchSize:    cfg.BroadcastBatchSize,
		MaxAttempts:  cfg.BroadcastMaxAttempts,
		SendInterval: cfg.SendInterval(),
		LockKey:      cfg.BroadcastLockKey,
		LockTTL:      cfg.BroadcastLockTTL,
		MessageLease: cfg.BroadcastMessageLease,
	})

	ready := app.NewReadinessChecker(
		app.DBCheck(pool),
		app.RedisCheck(redisAdapter{rdb}),
		app.LeaseCheck(b.LastRefresh, 2*cfg.BroadcastLockTTL),
	)
	opsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.WorkerMetricsPort),
		Handler:           app.BuildWorkerRouter(ready),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("worker ops server starting", slog.Int("port", cfg.WorkerMetricsPort))
		if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("ops server error", slog.Any("error", err))
		}
	}()

	slog.Info("broadcast worker starting",
		slog.String("token", b.Token()),
		slog.Duration("tick", cfg.BroadcastTick),
		slog.Int("batch_size", cfg.BroadcastBatchSize))
	if err := b.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("broadcaster exited", slog.Any("error", err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = opsSrv.Shutdown(shutdownCtx)
}

// redisAdapter narrows *redis.Client to the readiness interface.
type redisAdapter struct{ rdb *redis.Client }

func (a redisAdapter) Ping(ctx context.Context) app.RedisPingResult { return a.rdb.Ping(ctx) }

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}
