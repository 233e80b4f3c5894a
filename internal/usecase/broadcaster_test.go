package usecase

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/tg-broadcast/internal/domain"
)

func testOpts() BroadcasterOptions {
	return BroadcasterOptions{
		Tick:         time.Second,
		BatchSize:    100,
		MaxAttempts:  8,
		SendInterval: 0,
		LockKey:      "test:lock",
		LockTTL:      time.Minute,
		MessageLease: 2 * time.Minute,
	}
}

func newTestBroadcaster(store *memStore, bot *fakeBot, clk *fakeClock) *Broadcaster {
	b := NewBroadcaster(store, store, bot, &fakeLock{}, clk, testOpts())
	b.Sleep = func(context.Context, time.Duration) {}
	return b
}

func queuedCampaign(t *testing.T, store *memStore, mutate func(*domain.Campaign)) domain.Campaign {
	t.Helper()
	c := domain.Campaign{
		Name:         "launch",
		AudienceType: domain.AudienceAllUsers,
		Text:         "hello there",
		Status:       domain.CampaignQueued,
	}
	if mutate != nil {
		mutate(&c)
	}
	out, err := store.Create(context.Background(), c)
	require.NoError(t, err)
	return out
}

func TestTick_HappyPath(t *testing.T) {
	store := newMemStore(101, 102, 103)
	bot := newFakeBot()
	clk := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := newTestBroadcaster(store, bot, clk)
	c := queuedCampaign(t, store, nil)

	require.NoError(t, b.tick(context.Background()))

	got, err := store.Get(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignCompleted, got.Status)
	assert.Equal(t, int64(3), got.TotalRecipients)
	assert.Equal(t, int64(3), got.SentCount)
	assert.Equal(t, int64(0), got.FailedCount)
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.FinishedAt)
	assert.NotNil(t, got.OutboxCreatedAt)
	assert.Equal(t, 3, bot.callCount())

	msgs, err := store.ListByCampaign(context.Background(), c.ID, 10)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.Equal(t, domain.MessageSent, m.Status)
		assert.NotNil(t, m.SentAt)
	}
}

func TestTick_ScheduledCampaignWaits(t *testing.T) {
	store := newMemStore(101)
	bot := newFakeBot()
	clk := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := newTestBroadcaster(store, bot, clk)
	later := clk.Now().Add(time.Hour)
	c := queuedCampaign(t, store, func(c *domain.Campaign) { c.ScheduledAt = &later })

	require.NoError(t, b.tick(context.Background()))
	got, _ := store.Get(context.Background(), c.ID)
	assert.Equal(t, domain.CampaignQueued, got.Status)
	assert.Equal(t, 0, bot.callCount())

	clk.Advance(2 * time.Hour)
	require.NoError(t, b.tick(context.Background()))
	got, _ = store.Get(context.Background(), c.ID)
	assert.Equal(t, domain.CampaignCompleted, got.Status)
}

func TestTick_RateLimitedHonorsRetryAfter(t *testing.T) {
	store := newMemStore(101)
	bot := newFakeBot()
	clk := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := newTestBroadcaster(store, bot, clk)
	c := queuedCampaign(t, store, nil)

	after := 30
	bot.script(101, domain.ProviderResponse{
		OK: false, ErrorCode: 429, Description: "Too Many Requests", RetryAfter: &after,
	})

	require.NoError(t, b.tick(context.Background()))
	msgs, _ := store.ListByCampaign(context.Background(), c.ID, 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.MessageRetry, msgs[0].Status)
	require.NotNil(t, msgs[0].NextRetryAt)
	assert.Equal(t, clk.Now().Add(30*time.Second), *msgs[0].NextRetryAt)

	got, _ := store.Get(context.Background(), c.ID)
	assert.Equal(t, domain.CampaignRunning, got.Status)

	// Not due yet: the retry row must not be reclaimed.
	clk.Advance(10 * time.Second)
	require.NoError(t, b.tick(context.Background()))
	assert.Equal(t, 1, bot.callCount())

	clk.Advance(30 * time.Second)
	require.NoError(t, b.tick(context.Background()))
	assert.Equal(t, 2, bot.callCount())
	got, _ = store.Get(context.Background(), c.ID)
	assert.Equal(t, domain.CampaignCompleted, got.Status)
	assert.Equal(t, int64(1), got.SentCount)
}

func TestTick_BlockedUserFailsPermanently(t *testing.T) {
	store := newMemStore(101, 102)
	bot := newFakeBot()
	clk := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := newTestBroadcaster(store, bot, clk)
	c := queuedCampaign(t, store, nil)

	bot.script(101, domain.ProviderResponse{
		OK: false, ErrorCode: 403, Description: "Forbidden: bot was blocked by the user",
	})

	require.NoError(t, b.tick(context.Background()))
	got, _ := store.Get(context.Background(), c.ID)
	assert.Equal(t, domain.CampaignCompleted, got.Status)
	assert.Equal(t, int64(1), got.SentCount)
	assert.Equal(t, int64(1), got.FailedCount)

	msgs, _ := store.ListByCampaign(context.Background(), c.ID, 10)
	for _, m := range msgs {
		if m.ChatID == 101 {
			assert.Equal(t, domain.MessageFailed, m.Status)
			assert.Contains(t, m.LastError, "blocked")
		} else {
			assert.Equal(t, domain.MessageSent, m.Status)
		}
	}
}

func TestTick_MaxAttemptsEscalates(t *testing.T) {
	store := newMemStore(101)
	bot := newFakeBot()
	clk := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := newTestBroadcaster(store, bot, clk)
	b.Opts.MaxAttempts = 2
	c := queuedCampaign(t, store, nil)

	bot.script(101,
		domain.ProviderResponse{OK: false, ErrorCode: 500, Description: "Internal Server Error"},
		domain.ProviderResponse{OK: false, ErrorCode: 500, Description: "Internal Server Error"},
	)

	require.NoError(t, b.tick(context.Background()))
	clk.Advance(time.Hour)
	require.NoError(t, b.tick(context.Background()))

	msgs, _ := store.ListByCampaign(context.Background(), c.ID, 10)
	require.Len(t, msgs, 1)
	assert.Equal(t, domain.MessageFailed, msgs[0].Status)
	assert.Contains(t, msgs[0].LastError, "max attempts (2) exhausted")

	got, _ := store.Get(context.Background(), c.ID)
	assert.Equal(t, domain.CampaignCompleted, got.Status)
	assert.Equal(t, int64(1), got.FailedCount)
}

func TestTick_MisconfiguredAudienceFailsCampaign(t *testing.T) {
	store := newMemStore(101)
	bot := newFakeBot()
	clk := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := newTestBroadcaster(store, bot, clk)
	c := queuedCampaign(t, store, func(c *domain.Campaign) { c.AudienceType = "segment" })

	require.NoError(t, b.tick(context.Background()))
	got, _ := store.Get(context.Background(), c.ID)
	assert.Equal(t, domain.CampaignFailed, got.Status)
	assert.Contains(t, got.LastError, `unknown audience type "segment"`)
	assert.Equal(t, 0, bot.callCount())
}

func TestTick_PausedCampaignNotDispatched(t *testing.T) {
	store := newMemStore(101, 102)
	bot := newFakeBot()
	clk := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := newTestBroadcaster(store, bot, clk)
	c := queuedCampaign(t, store, nil)

	after := 60
	bot.script(101, domain.ProviderResponse{OK: false, ErrorCode: 429, RetryAfter: &after, Description: "Too Many Requests"})

	// First tick lifts and sends: chat 102 delivered, chat 101 parked.
	require.NoError(t, b.tick(context.Background()))
	assert.Equal(t, 2, bot.callCount())

	_, err := store.Transition(context.Background(), c.ID, domain.CampaignPaused, clk.Now())
	require.NoError(t, err)

	clk.Advance(5 * time.Minute)
	require.NoError(t, b.tick(context.Background()))
	assert.Equal(t, 2, bot.callCount())

	_, err = store.Transition(context.Background(), c.ID, domain.CampaignRunning, clk.Now())
	require.NoError(t, err)
	require.NoError(t, b.tick(context.Background()))
	assert.Equal(t, 3, bot.callCount())

	got, _ := store.Get(context.Background(), c.ID)
	assert.Equal(t, domain.CampaignCompleted, got.Status)
}

func TestTick_ExpiredLeaseReclaimed(t *testing.T) {
	store := newMemStore(101)
	bot := newFakeBot()
	clk := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := newTestBroadcaster(store, bot, clk)
	c := queuedCampaign(t, store, nil)

	// Simulate a crash mid-send: row stuck in sending with a live lease.
	require.NoError(t, b.lift(context.Background()))
	claimed, err := store.ClaimBatch(context.Background(), c.ID, 10, b.Opts.MessageLease, clk.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Lease still live: nothing to claim.
	require.NoError(t, b.tick(context.Background()))
	assert.Equal(t, 0, bot.callCount())

	// Past the lease the row is claimable again and delivers.
	clk.Advance(b.Opts.MessageLease + time.Second)
	require.NoError(t, b.tick(context.Background()))
	assert.Equal(t, 1, bot.callCount())
	got, _ := store.Get(context.Background(), c.ID)
	assert.Equal(t, domain.CampaignCompleted, got.Status)
}

func TestTick_PhotoCampaignUsesSendPhoto(t *testing.T) {
	store := newMemStore(101)
	bot := newFakeBot()
	clk := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := newTestBroadcaster(store, bot, clk)
	queuedCampaign(t, store, func(c *domain.Campaign) { c.PhotoFileID = "AgACAgIAAx" })

	require.NoError(t, b.tick(context.Background()))
	require.Equal(t, 1, bot.callCount())
	assert.True(t, bot.calls[0].Photo)
}

func TestThrottle_EnforcesMinInterval(t *testing.T) {
	store := newMemStore(101, 102, 103)
	bot := newFakeBot()
	clk := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := newTestBroadcaster(store, bot, clk)
	b.Opts.SendInterval = 40 * time.Millisecond

	var slept []time.Duration
	b.Sleep = func(_ context.Context, d time.Duration) {
		slept = append(slept, d)
		clk.Advance(d)
	}
	queuedCampaign(t, store, nil)

	require.NoError(t, b.tick(context.Background()))
	require.Equal(t, 3, bot.callCount())
	// First send goes out immediately; the next two wait out the interval.
	require.Len(t, slept, 2)
	for _, d := range slept {
		assert.Equal(t, 40*time.Millisecond, d)
	}
}

func TestTickLoop_LostLeaseStopsMutations(t *testing.T) {
	store := newMemStore(101)
	bot := newFakeBot()
	clk := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	lk := &fakeLock{}
	b := NewBroadcaster(store, store, bot, lk, clk, testOpts())
	b.Sleep = func(context.Context, time.Duration) {}
	queuedCampaign(t, store, nil)

	ok, err := lk.Acquire(context.Background(), b.Opts.LockKey, b.Token(), b.Opts.LockTTL)
	require.NoError(t, err)
	require.True(t, ok)

	lk.steal("other-holder")
	err = b.tickLoop(context.Background())
	require.ErrorIs(t, err, domain.ErrLockLost)
	assert.Equal(t, 0, bot.callCount())
}

func TestRun_ReleasesLockOnShutdown(t *testing.T) {
	store := newMemStore()
	bot := newFakeBot()
	clk := newFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	lk := &fakeLock{}
	b := NewBroadcaster(store, store, bot, lk, clk, testOpts())
	b.Sleep = func(ctx context.Context, d time.Duration) { <-ctx.Done() }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool {
		return !b.LastRefresh().IsZero()
	}, time.Second, 5*time.Millisecond)
	cancel()

	require.NoError(t, <-done)
	ok, err := lk.Acquire(context.Background(), b.Opts.LockKey, "successor", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
