// Package usecase contains the application services: campaign administration
// and the broadcast scheduler.
package usecase

import (
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/fairyhunter13/tg-broadcast/internal/domain"
)

// CampaignService implements the admin operations on campaigns.
type CampaignService struct {
	Campaigns domain.CampaignRepository
	Outbox    domain.OutboxRepository
	Clock     domain.Clock
}

// NewCampaignService constructs a CampaignService.
func NewCampaignService(c domain.CampaignRepository, o domain.OutboxRepository, clk domain.Clock) CampaignService {
	if clk == nil {
		clk = domain.UTCClock()
	}
	return CampaignService{Campaigns: c, Outbox: o, Clock: clk}
}

// CampaignInput is the admin-facing shape for creating a campaign.
type CampaignInput struct {
	Name                  string
	AudienceType          string
	AudienceParams        string
	Text                  string
	ParseMode             string
	DisableWebPagePreview bool
	ReplyMarkup           string
	PhotoFileID           string
	PhotoURL              string
	ScheduledAt           *time.Time
}

// maxNameLen bounds campaign names in characters, not bytes.
const maxNameLen = 120

func validateName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name is required", domain.ErrInvalidArgument)
	}
	if utf8.RuneCountInString(name) > maxNameLen {
		return fmt.Errorf("%w: name exceeds %d characters", domain.ErrInvalidArgument, maxNameLen)
	}
	return nil
}

// validateReplyMarkup requires a JSON object; anything else (arrays, scalars,
// malformed text) would be rejected downstream on every single send, so it is
// caught here and at lift. parse_mode deliberately gets no such check: it is
// an opaque token forwarded to the provider, and an unknown one surfaces as a
// permanent per-row failure.
func validateReplyMarkup(raw string) error {
	if raw == "" {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return fmt.Errorf("%w: reply_markup must be a JSON object", domain.ErrSchemaInvalid)
	}
	return nil
}

func validateContent(text, replyMarkup string) error {
	if text == "" {
		return fmt.Errorf("%w: text is required", domain.ErrInvalidArgument)
	}
	return validateReplyMarkup(replyMarkup)
}

// Create stores a new draft campaign.
func (s CampaignService) Create(ctx domain.Context, in CampaignInput) (domain.Campaign, error) {
	if err := validateName(in.Name); err != nil {
		return domain.Campaign{}, err
	}
	if err := validateContent(in.Text, in.ReplyMarkup); err != nil {
		return domain.Campaign{}, err
	}
	audience := domain.AudienceType(in.AudienceType)
	if audience == "" {
		audience = domain.AudienceAllUsers
	}
	return s.Campaigns.Create(ctx, domain.Campaign{
		Name:                  in.Name,
		AudienceType:          audience,
		AudienceParams:        in.AudienceParams,
		Text:                  in.Text,
		ParseMode:             in.ParseMode,
		DisableWebPagePreview: in.DisableWebPagePreview,
		ReplyMarkup:           in.ReplyMarkup,
		PhotoFileID:           in.PhotoFileID,
		PhotoURL:              in.PhotoURL,
		Status:                domain.CampaignDraft,
		ScheduledAt:           in.ScheduledAt,
	})
}

// Update applies a partial edit subject to status rules: draft and queued
// accept any field, paused accepts content-only edits, and running or
// terminal campaigns accept none.
func (s CampaignService) Update(ctx domain.Context, id int64, p domain.CampaignPatch) (domain.Campaign, error) {
	if p.Empty() {
		return domain.Campaign{}, fmt.Errorf("%w: empty patch", domain.ErrInvalidArgument)
	}
	cur, err := s.Campaigns.Get(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	switch cur.Status {
	case domain.CampaignDraft, domain.CampaignQueued:
	case domain.CampaignPaused:
		if !p.ContentOnly() {
			return domain.Campaign{}, fmt.Errorf("%w: paused campaigns accept content edits only", domain.ErrConflict)
		}
	default:
		return domain.Campaign{}, fmt.Errorf("%w: campaign in status %q is not editable", domain.ErrConflict, cur.Status)
	}

	name := cur.Name
	if p.Name != nil {
		name = *p.Name
	}
	text := cur.Text
	if p.Text != nil {
		text = *p.Text
	}
	markup := cur.ReplyMarkup
	if p.ReplyMarkup != nil {
		markup = *p.ReplyMarkup
	}
	if err := validateName(name); err != nil {
		return domain.Campaign{}, err
	}
	if err := validateContent(text, markup); err != nil {
		return domain.Campaign{}, err
	}
	return s.Campaigns.Update(ctx, id, p)
}

// Get loads a single campaign.
func (s CampaignService) Get(ctx domain.Context, id int64) (domain.Campaign, error) {
	return s.Campaigns.Get(ctx, id)
}

// List returns recent campaigns.
func (s CampaignService) List(ctx domain.Context, limit int) ([]domain.Campaign, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.Campaigns.List(ctx, limit)
}

// Queue moves a draft to queued; the scheduler lifts it when due.
func (s CampaignService) Queue(ctx domain.Context, id int64) (domain.Campaign, error) {
	return s.Campaigns.Transition(ctx, id, domain.CampaignQueued, s.Clock.Now())
}

// Pause suspends a queued or running campaign. In-flight sends finish; no
// new rows are claimed while paused.
func (s CampaignService) Pause(ctx domain.Context, id int64) (domain.Campaign, error) {
	return s.Campaigns.Transition(ctx, id, domain.CampaignPaused, s.Clock.Now())
}

// Resume continues a paused campaign. A campaign paused before it was ever
// lifted has no outbox yet and goes back to queued; one paused mid-run goes
// straight back to running.
func (s CampaignService) Resume(ctx domain.Context, id int64) (domain.Campaign, error) {
	cur, err := s.Campaigns.Get(ctx, id)
	if err != nil {
		return domain.Campaign{}, err
	}
	if cur.Status != domain.CampaignPaused {
		return domain.Campaign{}, fmt.Errorf("%w: only paused campaigns can resume", domain.ErrConflict)
	}
	target := domain.CampaignRunning
	if cur.OutboxCreatedAt == nil {
		target = domain.CampaignQueued
	}
	return s.Campaigns.Transition(ctx, id, target, s.Clock.Now())
}

// Cancel terminally stops a campaign from any non-terminal status. Undelivered
// outbox rows are simply never claimed again.
func (s CampaignService) Cancel(ctx domain.Context, id int64) (domain.Campaign, error) {
	return s.Campaigns.Transition(ctx, id, domain.CampaignCancelled, s.Clock.Now())
}

// Messages returns the delivery rows of one campaign.
func (s CampaignService) Messages(ctx domain.Context, id int64, limit int) ([]domain.OutboxMessage, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	if _, err := s.Campaigns.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.Outbox.ListByCampaign(ctx, id, limit)
}
