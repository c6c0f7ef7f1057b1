package chat

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tutorhive/backend/internal/models"
)

// Repository handles the durable chat log.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a chat log repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Append inserts one message into the session's log. Ordering is insertion
// order; the relay calls this from the room goroutine so the log matches
// relay-arrival order.
func (r *Repository) Append(ctx context.Context, msg *models.ChatMessage) error {
	const q = `INSERT INTO chat_messages (id, session_id, from_user_id, display_name, text, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, q, msg.ID, msg.SessionID, msg.FromUserID, msg.DisplayName, msg.Text, msg.SentAt)
	return err
}

// ListBySession returns up to limit messages for a session, oldest first.
func (r *Repository) ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]models.ChatMessage, error) {
	const q = `SELECT id, session_id, from_user_id, display_name, text, sent_at
		FROM chat_messages WHERE session_id = $1 ORDER BY sent_at ASC LIMIT $2`
	rows, err := r.pool.Query(ctx, q, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.ChatMessage
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.SessionID, &m.FromUserID, &m.DisplayName, &m.Text, &m.SentAt); err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}
