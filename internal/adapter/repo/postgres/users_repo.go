package postgres

import (
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/tg-broadcast/internal/domain"
)

// UserRepo maintains the registry of chats the bot has seen.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

// Upsert records a chat; repeated calls refresh username and last_seen_at.
func (r *UserRepo) Upsert(ctx domain.Context, chatID int64, username string) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Upsert")
	defer span.End()
	q := `INSERT INTO bot_users (chat_id, username)
		VALUES ($1, $2)
		ON CONFLICT (chat_id) DO UPDATE SET username=EXCLUDED.username, last_seen_at=now()`
	if _, err := r.Pool.Exec(ctx, q, chatID, username); err != nil {
		return fmt.Errorf("op=users.upsert: %w", err)
	}
	return nil
}

// Count returns the number of registered chats.
func (r *UserRepo) Count(ctx domain.Context) (int64, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Count")
	defer span.End()
	var n int64
	if err := r.Pool.QueryRow(ctx, `SELECT count(*) FROM bot_users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("op=users.count: %w", err)
	}
	return n, nil
}
