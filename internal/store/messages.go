package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tripsync/sync-server/internal/chat"
	"github.com/tripsync/sync-server/internal/syncerr"
)

// LockChannel takes a session-level advisory lock keyed by the channel name,
// held on a dedicated connection. It serializes commit+publish for the
// channel across every server instance sharing the database; the returned
// release unlocks and returns the connection to the pool.
func (s *Store) LockChannel(ctx context.Context, channel string) (func(), error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: lock conn for %s: %w", channel, err)
	}
	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock(hashtextextended($1, 0))`, channel); err != nil {
		conn.Close()
		return nil, fmt.Errorf("store: advisory lock %s: %w", channel, err)
	}
	release := func() {
		// Unlock on a background context: the caller's ctx may already be
		// done, and the lock must be released regardless.
		if _, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock(hashtextextended($1, 0))`, channel); err != nil {
			log.Printf("store: advisory unlock %s: %v", channel, err)
		}
		conn.Close()
	}
	return release, nil
}

// AppendMessage persists a new message, assigning its id, per-channel
// sequence, and timestamp in one transaction. The channel_seq row lock
// serializes sequence assignment so the (channel, seq) order equals commit
// order.
func (s *Store) AppendMessage(ctx context.Context, msg *chat.Message) (chat.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Message{}, fmt.Errorf("store: begin append: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO channel_seq (channel, next_seq) VALUES ($1, 1)
		ON CONFLICT (channel) DO UPDATE SET next_seq = channel_seq.next_seq + 1
		RETURNING next_seq`,
		msg.Channel,
	).Scan(&seq)
	if err != nil {
		return chat.Message{}, fmt.Errorf("store: assign seq: %w", err)
	}

	attachments := msg.Attachments
	if attachments == nil {
		attachments = []chat.Attachment{}
	}
	attJSON, err := json.Marshal(attachments)
	if err != nil {
		return chat.Message{}, fmt.Errorf("store: marshal attachments: %w", err)
	}

	out := *msg
	out.ID = uuid.New().String()
	out.Seq = seq
	out.Attachments = attachments
	out.Reactions = []chat.Reaction{}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, channel, seq, sender_id, sender_name, text, attachments)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		out.ID, out.Channel, seq, out.SenderID, out.SenderName, out.Text, attJSON,
	).Scan(&out.CreatedAt)
	if err != nil {
		return chat.Message{}, fmt.Errorf("store: insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return chat.Message{}, fmt.Errorf("store: commit append: %w", err)
	}
	return out, nil
}

// GetMessage returns the message with its full reaction set, or a
// NotFoundError.
func (s *Store) GetMessage(ctx context.Context, id string) (chat.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, channel, seq, sender_id, sender_name, text, attachments, created_at,
		       EXISTS (SELECT 1 FROM message_receipts r WHERE r.message_id = messages.id)
		FROM messages WHERE id = $1`,
		id,
	)
	msg, err := scanMessage(row)
	if err != nil {
		return chat.Message{}, err
	}

	reactions, err := s.reactionsFor(ctx, []string{msg.ID})
	if err != nil {
		return chat.Message{}, err
	}
	msg.Reactions = reactions[msg.ID]
	if msg.Reactions == nil {
		msg.Reactions = []chat.Reaction{}
	}
	return msg, nil
}

// ToggleReaction flips membership of {emoji, userID} on the message and
// returns the full updated message. The per-row primary key makes the toggle
// race-safe: two concurrent identical toggles resolve to exactly one add and
// one remove.
func (s *Store) ToggleReaction(ctx context.Context, messageID, userID, emoji string) (chat.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return chat.Message{}, fmt.Errorf("store: begin toggle: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, messageID,
	).Scan(&exists); err != nil {
		return chat.Message{}, fmt.Errorf("store: toggle lookup: %w", err)
	}
	if !exists {
		return chat.Message{}, syncerr.NotFound("message", messageID)
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM message_reactions
		WHERE message_id = $1 AND user_id = $2 AND emoji = $3`,
		messageID, userID, emoji,
	)
	if err != nil {
		return chat.Message{}, fmt.Errorf("store: remove reaction: %w", err)
	}
	removed, _ := res.RowsAffected()
	if removed == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO message_reactions (message_id, user_id, emoji)
			VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING`,
			messageID, userID, emoji,
		)
		if err != nil {
			return chat.Message{}, fmt.Errorf("store: add reaction: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return chat.Message{}, fmt.Errorf("store: commit toggle: %w", err)
	}
	return s.GetMessage(ctx, messageID)
}

// MarkSeen inserts receipts for the listed messages in the channel, skipping
// messages the user sent and messages already marked. It returns only the ids
// that actually flipped, which keeps re-marking idempotent.
func (s *Store) MarkSeen(ctx context.Context, channel, userID string, messageIDs []string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		INSERT INTO message_receipts (message_id, user_id)
		SELECT m.id, $2
		FROM messages m
		WHERE m.channel = $1 AND m.id = ANY ($3) AND m.sender_id <> $2
		ON CONFLICT DO NOTHING
		RETURNING message_id`,
		channel, userID, pq.Array(messageIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("store: mark seen: %w", err)
	}
	defer rows.Close()

	var flipped []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan receipt: %w", err)
		}
		flipped = append(flipped, id)
	}
	return flipped, rows.Err()
}

// ListByChannel returns up to limit messages of a channel in sequence order
// (oldest first), with reactions attached.
func (s *Store) ListByChannel(ctx context.Context, channel string, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, seq, sender_id, sender_name, text, attachments, created_at,
		       EXISTS (SELECT 1 FROM message_receipts r WHERE r.message_id = messages.id)
		FROM messages
		WHERE channel = $1
		ORDER BY seq DESC
		LIMIT $2`,
		channel, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []chat.Message
	var ids []string
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
		ids = append(ids, msg.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	reactions, err := s.reactionsFor(ctx, ids)
	if err != nil {
		return nil, err
	}

	// Query returned newest first; flip to chronological order.
	out := make([]chat.Message, len(msgs))
	for i, msg := range msgs {
		msg.Reactions = reactions[msg.ID]
		if msg.Reactions == nil {
			msg.Reactions = []chat.Reaction{}
		}
		out[len(msgs)-1-i] = msg
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (chat.Message, error) {
	var (
		msg     chat.Message
		channel string
		attJSON []byte
		seen    bool
	)
	err := row.Scan(&msg.ID, &channel, &msg.Seq, &msg.SenderID, &msg.SenderName,
		&msg.Text, &attJSON, &msg.CreatedAt, &seen)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Message{}, syncerr.NotFound("message", "")
	}
	if err != nil {
		return chat.Message{}, fmt.Errorf("store: scan message: %w", err)
	}

	msg.SetChannel(channel)
	if err := json.Unmarshal(attJSON, &msg.Attachments); err != nil {
		return chat.Message{}, fmt.Errorf("store: unmarshal attachments: %w", err)
	}
	if msg.Attachments == nil {
		msg.Attachments = []chat.Attachment{}
	}
	// Receipts only surface on direct conversations.
	if strings.HasPrefix(channel, chat.ChatChannelPrefix) {
		if seen {
			msg.Status = chat.StatusSeen
		} else {
			msg.Status = chat.StatusSent
		}
	}
	return msg, nil
}

func (s *Store) reactionsFor(ctx context.Context, messageIDs []string) (map[string][]chat.Reaction, error) {
	out := make(map[string][]chat.Reaction, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, user_id, emoji
		FROM message_reactions
		WHERE message_id = ANY ($1)
		ORDER BY created_at`,
		pq.Array(messageIDs),
	)
	if err != nil {
		return nil, fmt.Errorf("store: list reactions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msgID string
			r     chat.Reaction
		)
		if err := rows.Scan(&msgID, &r.UserID, &r.Emoji); err != nil {
			return nil, fmt.Errorf("store: scan reaction: %w", err)
		}
		out[msgID] = append(out[msgID], r)
	}
	return out, rows.Err()
}
