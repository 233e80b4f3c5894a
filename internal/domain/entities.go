package domain

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrSchemaInvalid   = errors.New("schema invalid")
	ErrLockLost        = errors.New("worker lock lost")
	ErrInternal        = errors.New("internal error")
)

// MaxErrorLen bounds persisted provider/campaign error strings. Longer
// messages are truncated rather than rejected so a verbose provider response
// can never wedge a row between retry and persist-fail.
const MaxErrorLen = 2000

// TruncateError clamps an error message to at most MaxErrorLen bytes without
// splitting a multibyte rune. Cutting mid-rune would hand the store invalid
// UTF-8, which Postgres rejects, and a row whose failure cannot be persisted
// would stay in sending and be re-sent on every lease expiry.
func TruncateError(s string) string {
	if len(s) <= MaxErrorLen {
		return s
	}
	cut := MaxErrorLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignQueued    CampaignStatus = "queued"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignFailed    CampaignStatus = "failed"
)

// Terminal reports whether no further transitions are permitted.
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignCancelled || s == CampaignFailed
}

type AudienceType string

// AudienceAllUsers is the only supported audience: every chat the bot has
// ever seen. Unknown audience types fail the campaign at lift time.
const AudienceAllUsers AudienceType = "all_users"

type MessageStatus string

const (
	MessagePending MessageStatus = "pending"
	MessageSending MessageStatus = "sending"
	MessageSent    MessageStatus = "sent"
	MessageRetry   MessageStatus = "retry"
	MessageFailed  MessageStatus = "failed"
)

// Campaign is one broadcast: content, audience, schedule, and progress.
// Counter invariant: SentCount+FailedCount <= TotalRecipients once lifted.
type Campaign struct {
	ID                    int64
	Name                  string
	AudienceType          AudienceType
	AudienceParams        string
	Text                  string
	ParseMode             string
	DisableWebPagePreview bool
	ReplyMarkup           string // raw JSON object, empty when unset
	PhotoFileID           string
	PhotoURL              string
	Status                CampaignStatus
	ScheduledAt           *time.Time
	OutboxCreatedAt       *time.Time
	StartedAt             *time.Time
	FinishedAt            *time.Time
	TotalRecipients       int64
	SentCount             int64
	FailedCount           int64
	LastError             string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// HasPhoto reports whether the campaign carries any photo reference.
func (c Campaign) HasPhoto() bool { return c.PhotoFileID != "" || c.PhotoURL != "" }

// PhotoRef returns the reference to send: file_id wins over URL.
func (c Campaign) PhotoRef() string {
	if c.PhotoFileID != "" {
		return c.PhotoFileID
	}
	return c.PhotoURL
}

// transitionSources lists the statuses a campaign may move to target from.
// Lift (queued->running) and drain (running->completed) are scheduler-driven
// and included so the store can validate every edge in one place.
var transitionSources = map[CampaignStatus][]CampaignStatus{
	CampaignQueued:    {CampaignDraft, CampaignPaused},
	CampaignRunning:   {CampaignQueued, CampaignPaused},
	CampaignPaused:    {CampaignQueued, CampaignRunning},
	CampaignCompleted: {CampaignRunning},
	CampaignCancelled: {CampaignDraft, CampaignQueued, CampaignRunning, CampaignPaused},
	CampaignFailed:    {CampaignQueued, CampaignRunning},
}

// CanTransition reports whether the edge from->to is permitted.
func CanTransition(from, to CampaignStatus) bool {
	for _, s := range transitionSources[to] {
		if s == from {
			return true
		}
	}
	return false
}

// TransitionSources returns the permitted source statuses for target.
func TransitionSources(to CampaignStatus) []CampaignStatus {
	src := transitionSources[to]
	out := make([]CampaignStatus, len(src))
	copy(out, src)
	return out
}

// OutboxMessage is one persisted delivery intent for a (campaign, chat) pair.
type OutboxMessage struct {
	ID          int64
	CampaignID  int64
	ChatID      int64
	Status      MessageStatus
	Attempts    int
	NextRetryAt *time.Time
	LockedUntil *time.Time
	LastError   string
	CreatedAt   time.Time
	SentAt      *time.Time
}

// ClaimedMessage is the slim projection returned by a batch claim.
type ClaimedMessage struct {
	ID       int64
	ChatID   int64
	Attempts int
}

// CampaignPatch carries partial updates; nil fields are left unchanged.
type CampaignPatch struct {
	Name                  *string
	AudienceType          *AudienceType
	AudienceParams        *string
	Text                  *string
	ParseMode             *string
	DisableWebPagePreview *bool
	ReplyMarkup           *string
	PhotoFileID           *string
	PhotoURL              *string
	ScheduledAt           *time.Time
	ClearScheduledAt      bool
}

// ContentOnly reports whether the patch touches only message content fields.
// Paused campaigns accept content edits but not audience/schedule changes.
func (p CampaignPatch) ContentOnly() bool {
	return p.AudienceType == nil && p.AudienceParams == nil &&
		p.ScheduledAt == nil && !p.ClearScheduledAt
}

// Empty reports whether the patch changes nothing.
func (p CampaignPatch) Empty() bool {
	return p.Name == nil && p.AudienceType == nil && p.AudienceParams == nil &&
		p.Text == nil && p.ParseMode == nil && p.DisableWebPagePreview == nil &&
		p.ReplyMarkup == nil && p.PhotoFileID == nil && p.PhotoURL == nil &&
		p.ScheduledAt == nil && !p.ClearScheduledAt
}

// Repositories (ports)

type CampaignRepository interface {
	Create(ctx Context, c Campaign) (Campaign, error)
	Update(ctx Context, id int64, p CampaignPatch) (Campaign, error)
	Get(ctx Context, id int64) (Campaign, error)
	List(ctx Context, limit int) ([]Campaign, error)
	// Transition atomically moves the campaign to target if the edge is
	// permitted from its current status; ErrConflict otherwise. now stamps
	// finished_at for terminal targets.
	Transition(ctx Context, id int64, target CampaignStatus, now time.Time) (Campaign, error)
	// DueQueued returns up to limit queued campaigns whose scheduled_at is
	// unset or due, using skip-locked acquisition.
	DueQueued(ctx Context, now time.Time, limit int) ([]Campaign, error)
	// Running returns up to limit campaigns currently in running status.
	Running(ctx Context, limit int) ([]Campaign, error)
	// SetOutboxBuilt stamps outbox_created_at once; later calls are no-ops.
	SetOutboxBuilt(ctx Context, id int64, now time.Time) error
	// MarkRunning flips a lifted campaign to running with its recipient total.
	MarkRunning(ctx Context, id int64, total int64, now time.Time) error
	// Fail moves the campaign to failed with a reason (configuration errors).
	Fail(ctx Context, id int64, reason string, now time.Time) error
	// CompleteIfDrained conditionally completes a running campaign with no
	// rows left in {pending, retry, sending}. Returns true when it completed.
	CompleteIfDrained(ctx Context, id int64, now time.Time) (bool, error)
}

type OutboxRepository interface {
	// BuildOutboxAllUsers inserts one row per known chat, ignoring
	// (campaign_id, chat_id) conflicts so re-materialization is a no-op.
	BuildOutboxAllUsers(ctx Context, campaignID int64) error
	// CountForCampaign returns the number of outbox rows for the campaign.
	CountForCampaign(ctx Context, campaignID int64) (int64, error)
	// ClaimBatch leases up to batchSize eligible rows: status in
	// {pending, retry, sending}, lease expired or unset, retry due or unset.
	// Claimed rows move to sending with attempts+1 and locked_until=now+lease.
	ClaimBatch(ctx Context, campaignID int64, batchSize int, lease time.Duration, now time.Time) ([]ClaimedMessage, error)
	// MarkSent finalizes a delivered row and bumps the campaign sent counter
	// in the same transaction.
	MarkSent(ctx Context, messageID, campaignID int64, now time.Time) error
	// MarkFailed finalizes a permanently failed row and bumps failed_count.
	MarkFailed(ctx Context, messageID, campaignID int64, errMsg string) error
	// ScheduleRetry releases the row back to retry, due at nextRetryAt.
	ScheduleRetry(ctx Context, messageID int64, errMsg string, nextRetryAt time.Time) error
	// PendingCount returns rows still awaiting dispatch across all campaigns.
	PendingCount(ctx Context) (int64, error)
	ListByCampaign(ctx Context, campaignID int64, limit int) ([]OutboxMessage, error)
}

type UserRepository interface {
	// Upsert records a chat the bot has seen; repeated calls refresh last_seen.
	Upsert(ctx Context, chatID int64, username string) error
	Count(ctx Context) (int64, error)
}

// WorkerLock (port) is the single-writer lease over a shared key-value store.
// Acquire uses compare-and-set semantics; Refresh and Release succeed only
// for the current token holder.
type WorkerLock interface {
	Acquire(ctx Context, key, token string, ttl time.Duration) (bool, error)
	Refresh(ctx Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx Context, key, token string) error
}

// BotAPI (port) wraps the provider send endpoints. Implementations never
// fail on a structured non-2xx body; they surface it as a ProviderResponse.
type BotAPI interface {
	SendText(ctx Context, chatID int64, text, parseMode string, disablePreview bool, replyMarkup string) (ProviderResponse, error)
	SendPhoto(ctx Context, chatID int64, photoRef, caption, parseMode string, replyMarkup string) (ProviderResponse, error)
}

// Clock abstracts wall-clock time so the scheduler is testable.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// UTCClock returns the real clock in UTC.
func UTCClock() Clock { return ClockFunc(func() time.Time { return time.Now().UTC() }) }

// Context is an alias to allow decoupling from std context in domain.
type Context = context.Context
