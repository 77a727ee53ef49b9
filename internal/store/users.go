package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tripsync/sync-server/internal/identity"
	"github.com/tripsync/sync-server/internal/resource"
	"github.com/tripsync/sync-server/internal/syncerr"
)

// Verify implements identity.Directory against the users table.
func (s *Store) Verify(ctx context.Context, userID string) (identity.User, error) {
	var u identity.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name FROM users WHERE id = $1`, userID,
	).Scan(&u.ID, &u.DisplayName)
	if errors.Is(err, sql.ErrNoRows) {
		return identity.User{}, syncerr.NotFound("user", userID)
	}
	if err != nil {
		return identity.User{}, fmt.Errorf("store: verify user: %w", err)
	}
	return u, nil
}

// Exists reports whether the user id is known.
func (s *Store) Exists(ctx context.Context, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("store: user exists: %w", err)
	}
	return ok, nil
}

// IsMember implements resource.Service membership checks.
func (s *Store) IsMember(ctx context.Context, eventID, userID string) (bool, error) {
	var ok bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM event_members WHERE event_id = $1 AND user_id = $2
		)`,
		eventID, userID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("store: membership check: %w", err)
	}
	return ok, nil
}

// Members returns the event's member list for the subscribe snapshot and the
// hydration API.
func (s *Store) Members(ctx context.Context, eventID string) ([]resource.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.display_name, em.joined_at
		FROM event_members em
		JOIN users u ON u.id = em.user_id
		WHERE em.event_id = $1
		ORDER BY em.joined_at`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list members: %w", err)
	}
	defer rows.Close()

	var out []resource.Member
	for rows.Next() {
		var m resource.Member
		if err := rows.Scan(&m.UserID, &m.DisplayName, &m.JoinedAt); err != nil {
			return nil, fmt.Errorf("store: scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Contacts returns every user who shares at least one event with userID —
// the set of people a user can open a direct conversation with.
func (s *Store) Contacts(ctx context.Context, userID string) ([]identity.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT u.id, u.display_name
		FROM users u
		JOIN event_members em ON em.user_id = u.id
		WHERE em.event_id IN (
			SELECT event_id FROM event_members WHERE user_id = $1
		) AND u.id <> $1
		ORDER BY u.display_name`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list contacts: %w", err)
	}
	defer rows.Close()

	var out []identity.User
	for rows.Next() {
		var u identity.User
		if err := rows.Scan(&u.ID, &u.DisplayName); err != nil {
			return nil, fmt.Errorf("store: scan contact: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
