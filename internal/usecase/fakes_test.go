package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fairyhunter13/tg-broadcast/internal/domain"
)

// memStore is an in-memory implementation of the campaign and outbox
// repositories with the same conditional-update semantics as the SQL store.
type memStore struct {
	mu        sync.Mutex
	nextCID   int64
	nextMID   int64
	campaigns map[int64]*domain.Campaign
	outbox    map[int64]*domain.OutboxMessage
	users     []int64
}

func newMemStore(users ...int64) *memStore {
	return &memStore{
		nextCID:   1,
		nextMID:   1,
		campaigns: map[int64]*domain.Campaign{},
		outbox:    map[int64]*domain.OutboxMessage{},
		users:     users,
	}
}

func (s *memStore) Create(_ context.Context, c domain.Campaign) (domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = s.nextCID
	s.nextCID++
	if c.Status == "" {
		c.Status = domain.CampaignDraft
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := c
	s.campaigns[c.ID] = &cp
	return c, nil
}

func (s *memStore) Update(_ context.Context, id int64, p domain.CampaignPatch) (domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.Campaign{}, domain.ErrNotFound
	}
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.AudienceType != nil {
		c.AudienceType = *p.AudienceType
	}
	if p.AudienceParams != nil {
		c.AudienceParams = *p.AudienceParams
	}
	if p.Text != nil {
		c.Text = *p.Text
	}
	if p.ParseMode != nil {
		c.ParseMode = *p.ParseMode
	}
	if p.DisableWebPagePreview != nil {
		c.DisableWebPagePreview = *p.DisableWebPagePreview
	}
	if p.ReplyMarkup != nil {
		c.ReplyMarkup = *p.ReplyMarkup
	}
	if p.PhotoFileID != nil {
		c.PhotoFileID = *p.PhotoFileID
	}
	if p.PhotoURL != nil {
		c.PhotoURL = *p.PhotoURL
	}
	if p.ClearScheduledAt {
		c.ScheduledAt = nil
	} else if p.ScheduledAt != nil {
		t := *p.ScheduledAt
		c.ScheduledAt = &t
	}
	return *c, nil
}

func (s *memStore) Get(_ context.Context, id int64) (domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.Campaign{}, domain.ErrNotFound
	}
	return *c, nil
}

func (s *memStore) List(_ context.Context, limit int) ([]domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Campaign
	for _, c := range s.campaigns {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Transition(_ context.Context, id int64, target domain.CampaignStatus, now time.Time) (domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.Campaign{}, domain.ErrNotFound
	}
	if !domain.CanTransition(c.Status, target) {
		return domain.Campaign{}, fmt.Errorf("edge to %q not permitted: %w", target, domain.ErrConflict)
	}
	c.Status = target
	if target.Terminal() && c.FinishedAt == nil {
		t := now
		c.FinishedAt = &t
	}
	c.UpdatedAt = now
	return *c, nil
}

func (s *memStore) DueQueued(_ context.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Campaign
	for _, c := range s.campaigns {
		if c.Status != domain.CampaignQueued {
			continue
		}
		if c.ScheduledAt != nil && c.ScheduledAt.After(now) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) Running(_ context.Context, limit int) ([]domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Campaign
	for _, c := range s.campaigns {
		if c.Status == domain.CampaignRunning {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) SetOutboxBuilt(_ context.Context, id int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.ErrNotFound
	}
	if c.OutboxCreatedAt == nil {
		t := now
		c.OutboxCreatedAt = &t
	}
	return nil
}

func (s *memStore) MarkRunning(_ context.Context, id int64, total int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.ErrNotFound
	}
	if c.Status != domain.CampaignQueued {
		return nil
	}
	c.Status = domain.CampaignRunning
	c.TotalRecipients = total
	if c.StartedAt == nil {
		t := now
		c.StartedAt = &t
	}
	return nil
}

func (s *memStore) Fail(_ context.Context, id int64, reason string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return domain.ErrNotFound
	}
	if c.Status != domain.CampaignQueued && c.Status != domain.CampaignRunning {
		return nil
	}
	c.Status = domain.CampaignFailed
	c.LastError = domain.TruncateError(reason)
	t := now
	c.FinishedAt = &t
	return nil
}

func (s *memStore) CompleteIfDrained(_ context.Context, id int64, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok || c.Status != domain.CampaignRunning {
		return false, nil
	}
	for _, m := range s.outbox {
		if m.CampaignID != id {
			continue
		}
		switch m.Status {
		case domain.MessagePending, domain.MessageRetry, domain.MessageSending:
			return false, nil
		}
	}
	c.Status = domain.CampaignCompleted
	t := now
	c.FinishedAt = &t
	return true, nil
}

func (s *memStore) BuildOutboxAllUsers(_ context.Context, campaignID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, chat := range s.users {
		exists := false
		for _, m := range s.outbox {
			if m.CampaignID == campaignID && m.ChatID == chat {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		id := s.nextMID
		s.nextMID++
		s.outbox[id] = &domain.OutboxMessage{
			ID: id, CampaignID: campaignID, ChatID: chat,
			Status: domain.MessagePending, CreatedAt: time.Now().UTC(),
		}
	}
	return nil
}

func (s *memStore) CountForCampaign(_ context.Context, campaignID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.outbox {
		if m.CampaignID == campaignID {
			n++
		}
	}
	return n, nil
}

func (s *memStore) ClaimBatch(_ context.Context, campaignID int64, batchSize int, lease time.Duration, now time.Time) ([]domain.ClaimedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, m := range s.outbox {
		if m.CampaignID != campaignID {
			continue
		}
		switch m.Status {
		case domain.MessagePending, domain.MessageRetry, domain.MessageSending:
		default:
			continue
		}
		if m.LockedUntil != nil && m.LockedUntil.After(now) {
			continue
		}
		if m.NextRetryAt != nil && m.NextRetryAt.After(now) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > batchSize {
		ids = ids[:batchSize]
	}
	var out []domain.ClaimedMessage
	until := now.Add(lease)
	for _, id := range ids {
		m := s.outbox[id]
		m.Status = domain.MessageSending
		m.Attempts++
		t := until
		m.LockedUntil = &t
		m.NextRetryAt = nil
		m.LastError = ""
		out = append(out, domain.ClaimedMessage{ID: m.ID, ChatID: m.ChatID, Attempts: m.Attempts})
	}
	return out, nil
}

func (s *memStore) MarkSent(_ context.Context, messageID, campaignID int64, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[messageID]
	if !ok || m.Status != domain.MessageSending {
		return nil
	}
	m.Status = domain.MessageSent
	t := now
	m.SentAt = &t
	m.LockedUntil = nil
	m.LastError = ""
	if c, ok := s.campaigns[campaignID]; ok {
		c.SentCount++
	}
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, messageID, campaignID int64, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[messageID]
	if !ok || m.Status != domain.MessageSending {
		return nil
	}
	m.Status = domain.MessageFailed
	m.LastError = domain.TruncateError(errMsg)
	m.LockedUntil = nil
	if c, ok := s.campaigns[campaignID]; ok {
		c.FailedCount++
	}
	return nil
}

func (s *memStore) ScheduleRetry(_ context.Context, messageID int64, errMsg string, nextRetryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.outbox[messageID]
	if !ok || m.Status != domain.MessageSending {
		return nil
	}
	m.Status = domain.MessageRetry
	m.LastError = domain.TruncateError(errMsg)
	m.LockedUntil = nil
	t := nextRetryAt
	m.NextRetryAt = &t
	return nil
}

func (s *memStore) PendingCount(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.outbox {
		switch m.Status {
		case domain.MessagePending, domain.MessageRetry, domain.MessageSending:
			n++
		}
	}
	return n, nil
}

func (s *memStore) ListByCampaign(_ context.Context, campaignID int64, limit int) ([]domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.OutboxMessage
	for _, m := range s.outbox {
		if m.CampaignID == campaignID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// sendCall records one provider invocation.
type sendCall struct {
	ChatID int64
	Photo  bool
}

// fakeBot answers from a per-chat script; chats without a script succeed.
type fakeBot struct {
	mu      sync.Mutex
	scripts map[int64][]domain.ProviderResponse
	calls   []sendCall
}

func newFakeBot() *fakeBot {
	return &fakeBot{scripts: map[int64][]domain.ProviderResponse{}}
}

func (b *fakeBot) script(chatID int64, resp ...domain.ProviderResponse) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.scripts[chatID] = append(b.scripts[chatID], resp...)
}

func (b *fakeBot) next(chatID int64, photo bool) domain.ProviderResponse {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, sendCall{ChatID: chatID, Photo: photo})
	if q := b.scripts[chatID]; len(q) > 0 {
		b.scripts[chatID] = q[1:]
		return q[0]
	}
	return domain.ProviderResponse{OK: true}
}

func (b *fakeBot) SendText(_ context.Context, chatID int64, _, _ string, _ bool, _ string) (domain.ProviderResponse, error) {
	return b.next(chatID, false), nil
}

func (b *fakeBot) SendPhoto(_ context.Context, chatID int64, _, _, _ string, _ string) (domain.ProviderResponse, error) {
	return b.next(chatID, true), nil
}

func (b *fakeBot) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// fakeLock grants the lease to one token and lets tests revoke it.
type fakeLock struct {
	mu     sync.Mutex
	holder string
}

func (l *fakeLock) Acquire(_ context.Context, _, token string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == "" || l.holder == token {
		l.holder = token
		return true, nil
	}
	return false, nil
}

func (l *fakeLock) Refresh(_ context.Context, _, token string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder == token, nil
}

func (l *fakeLock) Release(_ context.Context, _, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == token {
		l.holder = ""
	}
	return nil
}

func (l *fakeLock) steal(token string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holder = token
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
