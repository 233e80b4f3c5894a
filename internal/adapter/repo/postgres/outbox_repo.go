package postgres

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/tg-broadcast/internal/domain"
)

// OutboxRepo persists per-recipient delivery rows and their lease state.
type OutboxRepo struct{ Pool PgxPool }

// NewOutboxRepo constructs an OutboxRepo with the given pool.
func NewOutboxRepo(p PgxPool) *OutboxRepo { return &OutboxRepo{Pool: p} }

// BuildOutboxAllUsers materializes one pending row per known chat. The
// (campaign_id, chat_id) unique constraint makes re-runs after a crash
// idempotent.
func (r *OutboxRepo) BuildOutboxAllUsers(ctx domain.Context, campaignID int64) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.BuildAllUsers")
	defer span.End()
	q := `INSERT INTO broadcast_outbox (campaign_id, chat_id, status)
		SELECT $1, chat_id, 'pending' FROM bot_users
		ON CONFLICT (campaign_id, chat_id) DO NOTHING`
	if _, err := r.Pool.Exec(ctx, q, campaignID); err != nil {
		return fmt.Errorf("op=outbox.build_all_users: %w", err)
	}
	return nil
}

// CountForCampaign returns the number of outbox rows for the campaign.
func (r *OutboxRepo) CountForCampaign(ctx domain.Context, campaignID int64) (int64, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.CountForCampaign")
	defer span.End()
	var n int64
	q := `SELECT count(*) FROM broadcast_outbox WHERE campaign_id=$1`
	if err := r.Pool.QueryRow(ctx, q, campaignID).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=outbox.count_for_campaign: %w", err)
	}
	return n, nil
}

// ClaimBatch leases a batch of eligible rows in one statement. The inner
// select takes row locks with SKIP LOCKED so concurrent claimers never block
// each other, and the update flips the rows to sending under those locks.
// Rows in sending with an expired locked_until are reclaimable, which is how
// work abandoned by a crashed holder re-enters the pipeline.
func (r *OutboxRepo) ClaimBatch(ctx domain.Context, campaignID int64, batchSize int, lease time.Duration, now time.Time) ([]domain.ClaimedMessage, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.ClaimBatch")
	defer span.End()
	q := `UPDATE broadcast_outbox o
		SET status='sending', attempts=o.attempts+1, locked_until=$4,
			next_retry_at=NULL, last_error=''
		FROM (
			SELECT id FROM broadcast_outbox
			WHERE campaign_id=$1
			  AND status IN ('pending','retry','sending')
			  AND (locked_until IS NULL OR locked_until <= $3)
			  AND (next_retry_at IS NULL OR next_retry_at <= $3)
			ORDER BY id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		) c
		WHERE o.id = c.id
		RETURNING o.id, o.chat_id, o.attempts`
	rows, err := r.Pool.Query(ctx, q, campaignID, batchSize, now, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("op=outbox.claim_batch: %w", err)
	}
	defer rows.Close()
	var out []domain.ClaimedMessage
	for rows.Next() {
		var m domain.ClaimedMessage
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Attempts); err != nil {
			return nil, fmt.Errorf("op=outbox.claim_batch: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=outbox.claim_batch: %w", err)
	}
	return out, nil
}

// MarkSent finalizes a delivered row and increments the campaign sent counter
// in the same transaction. The row update is conditional on sending so a
// reclaimed duplicate cannot double-count.
func (r *OutboxRepo) MarkSent(ctx domain.Context, messageID, campaignID int64, now time.Time) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.MarkSent")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=outbox.mark_sent: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE broadcast_outbox
		SET status='sent', sent_at=$2, locked_until=NULL, next_retry_at=NULL, last_error=''
		WHERE id=$1 AND status='sending'`, messageID, now)
	if err != nil {
		return fmt.Errorf("op=outbox.mark_sent: %w", err)
	}
	if tag.RowsAffected() > 0 {
		if _, err := tx.Exec(ctx, `UPDATE broadcast_campaigns
			SET sent_count=sent_count+1, updated_at=$2 WHERE id=$1`, campaignID, now); err != nil {
			return fmt.Errorf("op=outbox.mark_sent: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=outbox.mark_sent: %w", err)
	}
	return nil
}

// MarkFailed finalizes a permanently failed row and increments failed_count.
func (r *OutboxRepo) MarkFailed(ctx domain.Context, messageID, campaignID int64, errMsg string) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.MarkFailed")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=outbox.mark_failed: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE broadcast_outbox
		SET status='failed', locked_until=NULL, last_error=$2
		WHERE id=$1 AND status='sending'`, messageID, domain.TruncateError(errMsg))
	if err != nil {
		return fmt.Errorf("op=outbox.mark_failed: %w", err)
	}
	if tag.RowsAffected() > 0 {
		if _, err := tx.Exec(ctx, `UPDATE broadcast_campaigns
			SET failed_count=failed_count+1, updated_at=now() WHERE id=$1`, campaignID); err != nil {
			return fmt.Errorf("op=outbox.mark_failed: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=outbox.mark_failed: %w", err)
	}
	return nil
}

// ScheduleRetry releases the lease and parks the row until nextRetryAt.
func (r *OutboxRepo) ScheduleRetry(ctx domain.Context, messageID int64, errMsg string, nextRetryAt time.Time) error {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.ScheduleRetry")
	defer span.End()
	q := `UPDATE broadcast_outbox
		SET status='retry', locked_until=NULL, next_retry_at=$3, last_error=$2
		WHERE id=$1 AND status='sending'`
	if _, err := r.Pool.Exec(ctx, q, messageID, domain.TruncateError(errMsg), nextRetryAt); err != nil {
		return fmt.Errorf("op=outbox.schedule_retry: %w", err)
	}
	return nil
}

// PendingCount returns undelivered rows across all campaigns, for the gauge.
func (r *OutboxRepo) PendingCount(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.PendingCount")
	defer span.End()
	var n int64
	q := `SELECT count(*) FROM broadcast_outbox WHERE status IN ('pending','retry','sending')`
	if err := r.Pool.QueryRow(ctx, q).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=outbox.pending_count: %w", err)
	}
	return n, nil
}

// ListByCampaign returns outbox rows for one campaign in id order.
func (r *OutboxRepo) ListByCampaign(ctx domain.Context, campaignID int64, limit int) ([]domain.OutboxMessage, error) {
	tracer := otel.Tracer("repo.outbox")
	ctx, span := tracer.Start(ctx, "outbox.ListByCampaign")
	defer span.End()
	q := `SELECT id, campaign_id, chat_id, status, attempts, next_retry_at,
		locked_until, last_error, created_at, sent_at
		FROM broadcast_outbox WHERE campaign_id=$1 ORDER BY id ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, campaignID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=outbox.list_by_campaign: %w", err)
	}
	defer rows.Close()
	var out []domain.OutboxMessage
	for rows.Next() {
		var m domain.OutboxMessage
		if err := rows.Scan(&m.ID, &m.CampaignID, &m.ChatID, &m.Status, &m.Attempts,
			&m.NextRetryAt, &m.LockedUntil, &m.LastError, &m.CreatedAt, &m.SentAt); err != nil {
			return nil, fmt.Errorf("op=outbox.list_by_campaign: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=outbox.list_by_campaign: %w", err)
	}
	return out, nil
}
