package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/tg-broadcast/internal/adapter/observability"
	"github.com/fairyhunter13/tg-broadcast/internal/domain"
)

const (
	liftBatchLimit    = 20
	dispatchCampaigns = 50
	drainCheckLimit   = 50
)

// BroadcasterOptions tunes the scheduler loop.
type BroadcasterOptions struct {
	Tick         time.Duration
	BatchSize    int
	MaxAttempts  int
	SendInterval time.Duration
	LockKey      string
	LockTTL      time.Duration
	MessageLease time.Duration
}

// Broadcaster is the single-writer scheduler: it lifts due campaigns,
// materializes their outboxes, and dispatches claimed rows to the provider.
// Exactly one replica mutates broadcast state at a time, enforced by the
// worker lock; everything it writes is guarded so a stale replica that lost
// its lease cannot corrupt counters.
type Broadcaster struct {
	Campaigns domain.CampaignRepository
	Outbox    domain.OutboxRepository
	Bot       domain.BotAPI
	Lock      domain.WorkerLock
	Clock     domain.Clock
	Opts      BroadcasterOptions

	// Sleep is injectable for tests; nil means real context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration)

	token       string
	lastRefresh atomic.Int64
	nextSendAt  time.Time
}

// NewBroadcaster constructs a Broadcaster with a fresh holder token.
func NewBroadcaster(c domain.CampaignRepository, o domain.OutboxRepository, bot domain.BotAPI, lock domain.WorkerLock, clk domain.Clock, opts BroadcasterOptions) *Broadcaster {
	if clk == nil {
		clk = domain.UTCClock()
	}
	entropy := ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Token uniqueness, not secrecy.
	return &Broadcaster{
		Campaigns: c,
		Outbox:    o,
		Bot:       bot,
		Lock:      lock,
		Clock:     clk,
		Opts:      opts,
		token:     ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String(),
	}
}

// Token returns this replica's lock holder token.
func (b *Broadcaster) Token() string { return b.token }

// LastRefresh returns the time of the last successful lease refresh, zero
// when this replica has never held the lease. Readiness probes compare it
// against the lock TTL.
func (b *Broadcaster) LastRefresh() time.Time {
	n := b.lastRefresh.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

func (b *Broadcaster) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	if b.Sleep != nil {
		b.Sleep(ctx, d)
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run drives the scheduler until ctx is cancelled: acquire the lease with
// backoff, then tick until the lease is lost, then start over. On shutdown
// the lease is released so a standby can take over immediately.
func (b *Broadcaster) Run(ctx context.Context) error {
	defer func() {
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := b.Lock.Release(relCtx, b.Opts.LockKey, b.token); err != nil {
			slog.Warn("worker lock release failed", slog.Any("error", err))
		}
		observability.BroadcastWorkerHasLock.Set(0)
		slog.Info("broadcaster stopped", slog.String("token", b.token))
	}()

	for {
		if err := b.acquireLoop(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		slog.Info("worker lock acquired", slog.String("token", b.token))
		observability.BroadcastWorkerHasLock.Set(1)
		b.lastRefresh.Store(b.Clock.Now().UnixNano())

		err := b.tickLoop(ctx)
		observability.BroadcastWorkerHasLock.Set(0)
		switch {
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case errors.Is(err, domain.ErrLockLost):
			slog.Warn("worker lock lost, re-acquiring", slog.String("token", b.token))
		case err != nil:
			return err
		}
	}
}

func (b *Broadcaster) acquireLoop(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ok, err := b.Lock.Acquire(ctx, b.Opts.LockKey, b.token, b.Opts.LockTTL)
		if err != nil {
			slog.Warn("worker lock acquire error", slog.Any("error", err))
		}
		if ok {
			return nil
		}
		b.sleep(ctx, domain.LockRetryDelay(attempt))
	}
}

func (b *Broadcaster) tickLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		ok, err := b.Lock.Refresh(ctx, b.Opts.LockKey, b.token, b.Opts.LockTTL)
		if err != nil {
			slog.Warn("worker lock refresh error", slog.Any("error", err))
			return domain.ErrLockLost
		}
		if !ok {
			// In-flight claims are abandoned here; their row leases expire
			// and the new holder reclaims them.
			return domain.ErrLockLost
		}
		b.lastRefresh.Store(b.Clock.Now().UnixNano())

		if err := b.tick(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			slog.Error("broadcast tick error", slog.Any("error", err))
		}
		b.sleep(ctx, b.Opts.Tick)
	}
}

func (b *Broadcaster) tick(ctx context.Context) error {
	if err := b.lift(ctx); err != nil {
		return err
	}
	if err := b.dispatch(ctx); err != nil {
		return err
	}
	if err := b.completeDrained(ctx); err != nil {
		return err
	}
	b.updateGauges(ctx)
	return nil
}

// lift moves due queued campaigns to running: validate configuration,
// materialize the outbox, record the recipient total. All steps are
// idempotent so a crash between them re-runs cleanly.
func (b *Broadcaster) lift(ctx context.Context) error {
	now := b.Clock.Now()
	due, err := b.Campaigns.DueQueued(ctx, now, liftBatchLimit)
	if err != nil {
		return fmt.Errorf("op=broadcaster.lift: %w", err)
	}
	for _, c := range due {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if reason := liftConfigError(c); reason != "" {
			slog.Warn("campaign misconfigured, failing",
				slog.Int64("campaign_id", c.ID), slog.String("reason", reason))
			if err := b.Campaigns.Fail(ctx, c.ID, reason, now); err != nil {
				return fmt.Errorf("op=broadcaster.lift: %w", err)
			}
			continue
		}
		if err := b.Outbox.BuildOutboxAllUsers(ctx, c.ID); err != nil {
			return fmt.Errorf("op=broadcaster.lift: %w", err)
		}
		if err := b.Campaigns.SetOutboxBuilt(ctx, c.ID, now); err != nil {
			return fmt.Errorf("op=broadcaster.lift: %w", err)
		}
		total, err := b.Outbox.CountForCampaign(ctx, c.ID)
		if err != nil {
			return fmt.Errorf("op=broadcaster.lift: %w", err)
		}
		if err := b.Campaigns.MarkRunning(ctx, c.ID, total, now); err != nil {
			return fmt.Errorf("op=broadcaster.lift: %w", err)
		}
		slog.Info("campaign lifted",
			slog.Int64("campaign_id", c.ID), slog.Int64("recipients", total))
	}
	return nil
}

func liftConfigError(c domain.Campaign) string {
	if c.AudienceType != domain.AudienceAllUsers {
		return fmt.Sprintf("unknown audience type %q", c.AudienceType)
	}
	if err := validateReplyMarkup(c.ReplyMarkup); err != nil {
		return "invalid reply_markup: not a JSON object"
	}
	return ""
}

// dispatch claims and sends batches for each running campaign, honoring the
// global rate ceiling across campaigns.
func (b *Broadcaster) dispatch(ctx context.Context) error {
	running, err := b.Campaigns.Running(ctx, dispatchCampaigns)
	if err != nil {
		return fmt.Errorf("op=broadcaster.dispatch: %w", err)
	}
	for _, c := range running {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		claimed, err := b.Outbox.ClaimBatch(ctx, c.ID, b.Opts.BatchSize, b.Opts.MessageLease, b.Clock.Now())
		if err != nil {
			return fmt.Errorf("op=broadcaster.dispatch: %w", err)
		}
		for _, m := range claimed {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.throttle(ctx)
			if err := b.deliver(ctx, c, m); err != nil {
				return err
			}
		}
	}
	return nil
}

// throttle enforces the global ceiling with a minimum interval between
// sends. A single dispatcher makes this exact without shared state.
func (b *Broadcaster) throttle(ctx context.Context) {
	now := b.Clock.Now()
	if now.Before(b.nextSendAt) {
		b.sleep(ctx, b.nextSendAt.Sub(now))
		now = b.nextSendAt
	}
	b.nextSendAt = now.Add(b.Opts.SendInterval)
}

func (b *Broadcaster) deliver(ctx context.Context, c domain.Campaign, m domain.ClaimedMessage) error {
	var resp domain.ProviderResponse
	var err error
	if c.HasPhoto() {
		resp, err = b.Bot.SendPhoto(ctx, m.ChatID, c.PhotoRef(), c.Text, c.ParseMode, c.ReplyMarkup)
	} else {
		resp, err = b.Bot.SendText(ctx, m.ChatID, c.Text, c.ParseMode, c.DisableWebPagePreview, c.ReplyMarkup)
	}
	if err != nil {
		return fmt.Errorf("op=broadcaster.deliver: %w", err)
	}

	campaignLabel := strconv.FormatInt(c.ID, 10)
	cls := domain.Classify(resp, m.Attempts, b.Opts.MaxAttempts)
	switch cls.Outcome {
	case domain.OutcomeSuccess:
		if err := b.Outbox.MarkSent(ctx, m.ID, c.ID, b.Clock.Now()); err != nil {
			return fmt.Errorf("op=broadcaster.deliver: %w", err)
		}
		observability.BroadcastSentTotal.WithLabelValues(campaignLabel).Inc()
	case domain.OutcomeRetry:
		due := b.Clock.Now().Add(cls.RetryAfter)
		if err := b.Outbox.ScheduleRetry(ctx, m.ID, cls.Reason, due); err != nil {
			return fmt.Errorf("op=broadcaster.deliver: %w", err)
		}
		observability.BroadcastRetriesTotal.WithLabelValues(campaignLabel).Inc()
		slog.Debug("delivery scheduled for retry",
			slog.Int64("message_id", m.ID), slog.Int("attempt", m.Attempts),
			slog.Duration("retry_after", cls.RetryAfter))
	case domain.OutcomePermanent:
		if err := b.Outbox.MarkFailed(ctx, m.ID, c.ID, cls.Reason); err != nil {
			return fmt.Errorf("op=broadcaster.deliver: %w", err)
		}
		observability.BroadcastFailedTotal.WithLabelValues(campaignLabel).Inc()
		slog.Info("delivery permanently failed",
			slog.Int64("message_id", m.ID), slog.Int64("chat_id", m.ChatID),
			slog.String("reason", cls.Reason))
	}
	return nil
}

// completeDrained flips running campaigns with no undelivered rows left.
func (b *Broadcaster) completeDrained(ctx context.Context) error {
	running, err := b.Campaigns.Running(ctx, drainCheckLimit)
	if err != nil {
		return fmt.Errorf("op=broadcaster.complete: %w", err)
	}
	now := b.Clock.Now()
	for _, c := range running {
		done, err := b.Campaigns.CompleteIfDrained(ctx, c.ID, now)
		if err != nil {
			return fmt.Errorf("op=broadcaster.complete: %w", err)
		}
		if done {
			slog.Info("campaign completed",
				slog.Int64("campaign_id", c.ID),
				slog.Int64("sent", c.SentCount), slog.Int64("failed", c.FailedCount))
		}
	}
	return nil
}

func (b *Broadcaster) updateGauges(ctx context.Context) {
	if running, err := b.Campaigns.Running(ctx, dispatchCampaigns); err == nil {
		observability.BroadcastActiveCampaigns.Set(float64(len(running)))
	}
	if pending, err := b.Outbox.PendingCount(ctx); err == nil {
		observability.BroadcastPendingMessages.Set(float64(pending))
	}
}
