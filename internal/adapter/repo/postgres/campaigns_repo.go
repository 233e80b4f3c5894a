package postgres

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/tg-broadcast/internal/domain"
)

// CampaignRepo persists and loads broadcast campaigns from PostgreSQL.
type CampaignRepo struct{ Pool PgxPool }

// NewCampaignRepo constructs a CampaignRepo with the given pool.
func NewCampaignRepo(p PgxPool) *CampaignRepo { return &CampaignRepo{Pool: p} }

const campaignColumns = `id, name, audience_type, audience_params, text, parse_mode,
	disable_web_page_preview, reply_markup, photo_file_id, photo_url, status,
	scheduled_at, outbox_created_at, started_at, finished_at,
	total_recipients, sent_count, failed_count, last_error, created_at, updated_at`

func scanCampaign(row pgx.Row) (domain.Campaign, error) {
	var c domain.Campaign
	err := row.Scan(
		&c.ID, &c.Name, &c.AudienceType, &c.AudienceParams, &c.Text, &c.ParseMode,
		&c.DisableWebPagePreview, &c.ReplyMarkup, &c.PhotoFileID, &c.PhotoURL, &c.Status,
		&c.ScheduledAt, &c.OutboxCreatedAt, &c.StartedAt, &c.FinishedAt,
		&c.TotalRecipients, &c.SentCount, &c.FailedCount, &c.LastError, &c.CreatedAt, &c.UpdatedAt,
	)
	return c, err
}

// Create inserts a new campaign in draft status and returns the stored row.
func (r *CampaignRepo) Create(ctx domain.Context, c domain.Campaign) (domain.Campaign, error) {
	tracer := otel.Tracer("repo.campaigns")
	ctx, span := tracer.Start(ctx, "campaigns.Create")
	defer span.End()
	now := time.Now().UTC()
	q := `INSERT INTO broadcast_campaigns
		(name, audience_type, audience_params, text, parse_mode, disable_web_page_preview,
		 reply_markup, photo_file_id, photo_url, status, scheduled_at, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
		RETURNING ` + campaignColumns
	status := c.Status
	if status == "" {
		status = domain.CampaignDraft
	}
	out, err := scanCampaign(r.Pool.QueryRow(ctx, q,
		c.Name, c.AudienceType, c.AudienceParams, c.Text, c.ParseMode, c.DisableWebPagePreview,
		c.ReplyMarkup, c.PhotoFileID, c.PhotoURL, status, c.ScheduledAt, now))
	if err != nil {
		return domain.Campaign{}, fmt.Errorf("op=campaign.create: %w", err)
	}
	return out, nil
}

// Update applies a partial patch and returns the updated row.
func (r *CampaignRepo) Update(ctx domain.Context, id int64, p domain.CampaignPatch) (domain.Campaign, error) {
	tracer := otel.Tracer("repo.campaigns")
	ctx, span := tracer.Start(ctx, "campaigns.Update")
	defer span.End()

	sets := []string{}
	args := []any{id}
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s=$%d", col, len(args)))
	}
	if p.Name != nil {
		add("name", *p.Name)
	}
	if p.AudienceType != nil {
		add("audience_type", *p.AudienceType)
	}
	if p.AudienceParams != nil {
		add("audience_params", *p.AudienceParams)
	}
	if p.Text != nil {
		add("text", *p.Text)
	}
	if p.ParseMode != nil {
		add("parse_mode", *p.ParseMode)
	}
	if p.DisableWebPagePreview != nil {
		add("disable_web_page_preview", *p.DisableWebPagePreview)
	}
	if p.ReplyMarkup != nil {
		add("reply_markup", *p.ReplyMarkup)
	}
	if p.PhotoFileID != nil {
		add("photo_file_id", *p.PhotoFileID)
	}
	if p.PhotoURL != nil {
		add("photo_url", *p.PhotoURL)
	}
	if p.ClearScheduledAt {
		sets = append(sets, "scheduled_at=NULL")
	} else if p.ScheduledAt != nil {
		add("scheduled_at", *p.ScheduledAt)
	}
	if len(sets) == 0 {
		return r.Get(ctx, id)
	}
	add("updated_at", time.Now().UTC())

	q := "UPDATE broadcast_campaigns SET " + strings.Join(sets, ", ") +
		" WHERE id=$1 RETURNING " + campaignColumns
	out, err := scanCampaign(r.Pool.QueryRow(ctx, q, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Campaign{}, fmt.Errorf("op=campaign.update: %w", domain.ErrNotFound)
		}
		return domain.Campaign{}, fmt.Errorf("op=campaign.update: %w", err)
	}
	return out, nil
}

// Get loads a campaign by id.
func (r *CampaignRepo) Get(ctx domain.Context, id int64) (domain.Campaign, error) {
	tracer := otel.Tracer("repo.campaigns")
	ctx, span := tracer.Start(ctx, "campaigns.Get")
	defer span.End()
	q := `SELECT ` + campaignColumns + ` FROM broadcast_campaigns WHERE id=$1`
	c, err := scanCampaign(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Campaign{}, fmt.Errorf("op=campaign.get: %w", domain.ErrNotFound)
		}
		return domain.Campaign{}, fmt.Errorf("op=campaign.get: %w", err)
	}
	return c, nil
}

// List returns the most recent campaigns, newest first.
func (r *CampaignRepo) List(ctx domain.Context, limit int) ([]domain.Campaign, error) {
	tracer := otel.Tracer("repo.campaigns")
	ctx, span := tracer.Start(ctx, "campaigns.List")
	defer span.End()
	q := `SELECT ` + campaignColumns + ` FROM broadcast_campaigns ORDER BY id DESC LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=campaign.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("op=campaign.list: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=campaign.list: %w", err)
	}
	return out, nil
}

// Transition atomically applies a permitted status edge. The update is
// conditional on the current status being a valid source for target, so a
// losing racer observes ErrConflict instead of clobbering the winner.
func (r *CampaignRepo) Transition(ctx domain.Context, id int64, target domain.CampaignStatus, now time.Time) (domain.Campaign, error) {
	tracer := otel.Tracer("repo.campaigns")
	ctx, span := tracer.Start(ctx, "campaigns.Transition")
	defer span.End()

	sources := domain.TransitionSources(target)
	if len(sources) == 0 {
		return domain.Campaign{}, fmt.Errorf("op=campaign.transition: no edges into %q: %w", target, domain.ErrConflict)
	}
	src := make([]string, len(sources))
	for i, s := range sources {
		src[i] = string(s)
	}

	finished := "finished_at"
	if target.Terminal() {
		finished = "COALESCE(finished_at, $3)"
	}
	q := `UPDATE broadcast_campaigns
		SET status=$2, finished_at=` + finished + `, updated_at=$3
		WHERE id=$1 AND status = ANY($4)
		RETURNING ` + campaignColumns
	c, err := scanCampaign(r.Pool.QueryRow(ctx, q, id, target, now, src))
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Campaign{}, fmt.Errorf("op=campaign.transition: %w", err)
	}
	// Distinguish an unknown id from a disallowed edge.
	if _, gerr := r.Get(ctx, id); gerr != nil {
		return domain.Campaign{}, fmt.Errorf("op=campaign.transition: %w", domain.ErrNotFound)
	}
	return domain.Campaign{}, fmt.Errorf("op=campaign.transition: edge to %q not permitted: %w", target, domain.ErrConflict)
}

// DueQueued returns queued campaigns whose schedule is due, skipping rows
// locked by a concurrent lifter.
func (r *CampaignRepo) DueQueued(ctx domain.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	tracer := otel.Tracer("repo.campaigns")
	ctx, span := tracer.Start(ctx, "campaigns.DueQueued")
	defer span.End()
	q := `SELECT ` + campaignColumns + ` FROM broadcast_campaigns
		WHERE status='queued' AND (scheduled_at IS NULL OR scheduled_at <= $1)
		ORDER BY id ASC LIMIT $2
		FOR UPDATE SKIP LOCKED`
	rows, err := r.Pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("op=campaign.due_queued: %w", err)
	}
	defer rows.Close()
	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("op=campaign.due_queued: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=campaign.due_queued: %w", err)
	}
	return out, nil
}

// Running returns campaigns currently dispatching, oldest first.
func (r *CampaignRepo) Running(ctx domain.Context, limit int) ([]domain.Campaign, error) {
	tracer := otel.Tracer("repo.campaigns")
	ctx, span := tracer.Start(ctx, "campaigns.Running")
	defer span.End()
	q := `SELECT ` + campaignColumns + ` FROM broadcast_campaigns
		WHERE status='running' ORDER BY id ASC LIMIT $1`
	rows, err := r.Pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("op=campaign.running: %w", err)
	}
	defer rows.Close()
	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("op=campaign.running: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=campaign.running: %w", err)
	}
	return out, nil
}

// SetOutboxBuilt stamps outbox_created_at exactly once.
func (r *CampaignRepo) SetOutboxBuilt(ctx domain.Context, id int64, now time.Time) error {
	tracer := otel.Tracer("repo.campaigns")
	ctx, span := tracer.Start(ctx, "campaigns.SetOutboxBuilt")
	defer span.End()
	q := `UPDATE broadcast_campaigns SET outbox_created_at=$2, updated_at=$2
		WHERE id=$1 AND outbox_created_at IS NULL`
	if _, err := r.Pool.Exec(ctx, q, id, now); err != nil {
		return fmt.Errorf("op=campaign.set_outbox_built: %w", err)
	}
	return nil
}

// MarkRunning flips a lifted queued campaign to running and records totals.
func (r *CampaignRepo) MarkRunning(ctx domain.Context, id int64, total int64, now time.Time) error {
	tracer := otel.Tracer("repo.campaigns")
	ctx, span := tracer.Start(ctx, "campaigns.MarkRunning")
	defer span.End()
	q := `UPDATE broadcast_campaigns
		SET status='running', total_recipients=$2, started_at=COALESCE(started_at,$3), updated_at=$3
		WHERE id=$1 AND status='queued'`
	if _, err := r.Pool.Exec(ctx, q, id, total, now); err != nil {
		return fmt.Errorf("op=campaign.mark_running: %w", err)
	}
	return nil
}

// Fail moves a campaign to failed with a truncated reason.
func (r *CampaignRepo) Fail(ctx domain.Context, id int64, reason string, now time.Time) error {
	tracer := otel.Tracer("repo.campaigns")
	ctx, span := tracer.Start(ctx, "campaigns.Fail")
	defer span.End()
	q := `UPDATE broadcast_campaigns
		SET status='failed', last_error=$2, finished_at=COALESCE(finished_at,$3), updated_at=$3
		WHERE id=$1 AND status IN ('queued','running')`
	if _, err := r.Pool.Exec(ctx, q, id, domain.TruncateError(reason), now); err != nil {
		return fmt.Errorf("op=campaign.fail: %w", err)
	}
	return nil
}

// CompleteIfDrained completes a running campaign only when no outbox rows
// remain undelivered; the condition and the flip happen in one statement so
// racing loops cannot over-complete.
func (r *CampaignRepo) CompleteIfDrained(ctx domain.Context, id int64, now time.Time) (bool, error) {
	tracer := otel.Tracer("repo.campaigns")
	ctx, span := tracer.Start(ctx, "campaigns.CompleteIfDrained")
	defer span.End()
	q := `UPDATE broadcast_campaigns
		SET status='completed', finished_at=COALESCE(finished_at,$2), updated_at=$2
		WHERE id=$1 AND status='running'
		AND NOT EXISTS (
			SELECT 1 FROM broadcast_outbox
			WHERE campaign_id=$1 AND status IN ('pending','retry','sending')
		)`
	tag, err := r.Pool.Exec(ctx, q, id, now)
	if err != nil {
		return false, fmt.Errorf("op=campaign.complete_if_drained: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}
