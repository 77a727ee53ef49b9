package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/tripsync/sync-server/internal/poll"
	"github.com/tripsync/sync-server/internal/syncerr"
)

// CreatePoll persists a poll and its options in one transaction, assigning
// the poll id and timestamp. Option ids are assigned by the engine before the
// call.
func (s *Store) CreatePoll(ctx context.Context, p *poll.Poll) (poll.Poll, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return poll.Poll{}, fmt.Errorf("store: begin create poll: %w", err)
	}
	defer tx.Rollback()

	out := *p
	out.ID = uuid.New().String()
	out.Votes = []poll.Vote{}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO polls (id, event_id, creator_id, question)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		out.ID, out.EventID, out.CreatorID, out.Question,
	).Scan(&out.CreatedAt)
	if err != nil {
		return poll.Poll{}, fmt.Errorf("store: insert poll: %w", err)
	}

	for i, opt := range out.Options {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO poll_options (id, poll_id, position, text)
			VALUES ($1, $2, $3, $4)`,
			opt.ID, out.ID, i, opt.Text,
		)
		if err != nil {
			return poll.Poll{}, fmt.Errorf("store: insert poll option: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return poll.Poll{}, fmt.Errorf("store: commit create poll: %w", err)
	}
	return out, nil
}

// GetPoll returns the poll with its options and complete vote set, or a
// NotFoundError.
func (s *Store) GetPoll(ctx context.Context, id string) (poll.Poll, error) {
	var p poll.Poll
	err := s.db.QueryRowContext(ctx, `
		SELECT id, event_id, creator_id, question, created_at
		FROM polls WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.EventID, &p.CreatorID, &p.Question, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return poll.Poll{}, syncerr.NotFound("poll", id)
	}
	if err != nil {
		return poll.Poll{}, fmt.Errorf("store: get poll: %w", err)
	}

	if err := s.fillPolls(ctx, []*poll.Poll{&p}); err != nil {
		return poll.Poll{}, err
	}
	return p, nil
}

// ListByEvent returns the event's polls, newest first, with options and
// votes attached.
func (s *Store) ListByEvent(ctx context.Context, eventID string) ([]poll.Poll, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, creator_id, question, created_at
		FROM polls
		WHERE event_id = $1
		ORDER BY created_at DESC`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list polls: %w", err)
	}
	defer rows.Close()

	var polls []poll.Poll
	for rows.Next() {
		var p poll.Poll
		if err := rows.Scan(&p.ID, &p.EventID, &p.CreatorID, &p.Question, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan poll: %w", err)
		}
		polls = append(polls, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ptrs := make([]*poll.Poll, len(polls))
	for i := range polls {
		ptrs[i] = &polls[i]
	}
	if err := s.fillPolls(ctx, ptrs); err != nil {
		return nil, err
	}
	return polls, nil
}

// UpsertVote replaces the user's vote with optionID. The primary key on
// (poll_id, user_id) enforces the one-active-vote invariant; the WHERE clause
// on the conflict update makes re-casting the same option report no change.
func (s *Store) UpsertVote(ctx context.Context, pollID, userID, optionID string) (poll.Poll, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO poll_votes (poll_id, user_id, option_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (poll_id, user_id) DO UPDATE
		SET option_id = EXCLUDED.option_id, cast_at = now()
		WHERE poll_votes.option_id <> EXCLUDED.option_id`,
		pollID, userID, optionID,
	)
	if err != nil {
		return poll.Poll{}, false, fmt.Errorf("store: upsert vote: %w", err)
	}
	changed, _ := res.RowsAffected()

	p, err := s.GetPoll(ctx, pollID)
	if err != nil {
		return poll.Poll{}, false, err
	}
	return p, changed > 0, nil
}

// DeleteVote clears the user's vote. existed is false when no vote was held.
func (s *Store) DeleteVote(ctx context.Context, pollID, userID string) (poll.Poll, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM poll_votes WHERE poll_id = $1 AND user_id = $2`,
		pollID, userID,
	)
	if err != nil {
		return poll.Poll{}, false, fmt.Errorf("store: delete vote: %w", err)
	}
	deleted, _ := res.RowsAffected()

	p, err := s.GetPoll(ctx, pollID)
	if err != nil {
		return poll.Poll{}, false, err
	}
	return p, deleted > 0, nil
}

// fillPolls attaches options and votes to the given polls.
func (s *Store) fillPolls(ctx context.Context, polls []*poll.Poll) error {
	if len(polls) == 0 {
		return nil
	}
	ids := make([]string, len(polls))
	byID := make(map[string]*poll.Poll, len(polls))
	for i, p := range polls {
		ids[i] = p.ID
		byID[p.ID] = p
		p.Options = []poll.Option{}
		p.Votes = []poll.Vote{}
	}

	optRows, err := s.db.QueryContext(ctx, `
		SELECT poll_id, id, text
		FROM poll_options
		WHERE poll_id = ANY ($1)
		ORDER BY poll_id, position`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("store: list poll options: %w", err)
	}
	defer optRows.Close()
	for optRows.Next() {
		var (
			pollID string
			opt    poll.Option
		)
		if err := optRows.Scan(&pollID, &opt.ID, &opt.Text); err != nil {
			return fmt.Errorf("store: scan poll option: %w", err)
		}
		byID[pollID].Options = append(byID[pollID].Options, opt)
	}
	if err := optRows.Err(); err != nil {
		return err
	}

	voteRows, err := s.db.QueryContext(ctx, `
		SELECT poll_id, user_id, option_id
		FROM poll_votes
		WHERE poll_id = ANY ($1)
		ORDER BY cast_at`,
		pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("store: list poll votes: %w", err)
	}
	defer voteRows.Close()
	for voteRows.Next() {
		var (
			pollID string
			v      poll.Vote
		)
		if err := voteRows.Scan(&pollID, &v.UserID, &v.OptionID); err != nil {
			return fmt.Errorf("store: scan poll vote: %w", err)
		}
		byID[pollID].Votes = append(byID[pollID].Votes, v)
	}
	return voteRows.Err()
}
