package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tripsync/sync-server/internal/chat"
	"github.com/tripsync/sync-server/internal/syncerr"
)

// ConversationPreview is a conversation plus its last message, for the
// recent-conversations listing.
type ConversationPreview struct {
	Conversation chat.Conversation `json:"chat"`
	LastText     string            `json:"lastText,omitempty"`
	LastSender   string            `json:"lastSenderId,omitempty"`
	LastAt       *time.Time        `json:"lastAt,omitempty"`
}

// FindOrCreate resolves the conversation for a normalized user pair, creating
// it on first contact. The insert races on the pair's unique constraint, so
// two concurrent first contacts converge on one row; the losing insert simply
// finds zero rows affected and reads the winner.
func (s *Store) FindOrCreate(ctx context.Context, userA, userB string) (chat.Conversation, bool, error) {
	lo, hi := chat.NormalizePair(userA, userB)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_a, user_b)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_a, user_b) DO NOTHING`,
		uuid.New().String(), lo, hi,
	)
	if err != nil {
		return chat.Conversation{}, false, fmt.Errorf("store: insert conversation: %w", err)
	}
	inserted, _ := res.RowsAffected()

	var conv chat.Conversation
	err = s.db.QueryRowContext(ctx, `
		SELECT id, user_a, user_b, created_at
		FROM conversations
		WHERE user_a = $1 AND user_b = $2`,
		lo, hi,
	).Scan(&conv.ID, &conv.UserA, &conv.UserB, &conv.CreatedAt)
	if err != nil {
		return chat.Conversation{}, false, fmt.Errorf("store: select conversation: %w", err)
	}
	return conv, inserted > 0, nil
}

// Get returns a conversation by id, or a NotFoundError.
func (s *Store) Get(ctx context.Context, id string) (chat.Conversation, error) {
	var conv chat.Conversation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_a, user_b, created_at
		FROM conversations WHERE id = $1`,
		id,
	).Scan(&conv.ID, &conv.UserA, &conv.UserB, &conv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Conversation{}, syncerr.NotFound("conversation", id)
	}
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("store: get conversation: %w", err)
	}
	return conv, nil
}

// ListForUser returns the user's conversations ordered by most recent
// activity, each with a preview of its last message.
func (s *Store) ListForUser(ctx context.Context, userID string) ([]ConversationPreview, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.user_a, c.user_b, c.created_at,
		       last.text, last.sender_id, last.created_at
		FROM conversations c
		LEFT JOIN LATERAL (
			SELECT m.text, m.sender_id, m.created_at
			FROM messages m
			WHERE m.channel = 'chat:' || c.id
			ORDER BY m.seq DESC
			LIMIT 1
		) last ON true
		WHERE c.user_a = $1 OR c.user_b = $1
		ORDER BY COALESCE(last.created_at, c.created_at) DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationPreview
	for rows.Next() {
		var (
			p      ConversationPreview
			text   sql.NullString
			sender sql.NullString
			at     sql.NullTime
		)
		err := rows.Scan(&p.Conversation.ID, &p.Conversation.UserA, &p.Conversation.UserB,
			&p.Conversation.CreatedAt, &text, &sender, &at)
		if err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		if text.Valid {
			p.LastText = text.String
		}
		if sender.Valid {
			p.LastSender = sender.String
		}
		if at.Valid {
			t := at.Time
			p.LastAt = &t
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
