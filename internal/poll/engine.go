package poll

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tripsync/sync-server/internal/chat"
	"github.com/tripsync/sync-server/internal/metrics"
	"github.com/tripsync/sync-server/internal/protocol"
	"github.com/tripsync/sync-server/internal/syncerr"
)

// Store is the durable poll port. UpsertVote and DeleteVote must be atomic
// per (poll, user) — two concurrent votes from the same user resolve to
// exactly one surviving vote, decided by the store, never by arrival order at
// a client.
type Store interface {
	// CreatePoll persists p, assigning its id and timestamp.
	CreatePoll(ctx context.Context, p *Poll) (Poll, error)
	// GetPoll returns the poll or a NotFoundError.
	GetPoll(ctx context.Context, id string) (Poll, error)
	// ListByEvent returns the event's polls, newest first.
	ListByEvent(ctx context.Context, eventID string) ([]Poll, error)
	// UpsertVote replaces userID's vote with optionID and returns the full
	// updated poll. changed is false when the user already held optionID.
	UpsertVote(ctx context.Context, pollID, userID, optionID string) (p Poll, changed bool, err error)
	// DeleteVote clears userID's vote and returns the full updated poll.
	// existed is false when the user held no vote.
	DeleteVote(ctx context.Context, pollID, userID string) (p Poll, existed bool, err error)
}

// Authorizer decides whether a user may publish into a channel. Every poll
// write (create, vote, removal) is gated on the event channel before the
// store is touched.
type Authorizer interface {
	CanPublish(ctx context.Context, userID, channel string) error
}

// Publisher delivers a committed event to every subscriber of a channel.
type Publisher interface {
	Publish(channel string, payload []byte) error
}

// Engine owns the vote registry for every poll. Commit and publish run under
// a per-poll critical section so subscribers observe poll states in commit
// order.
type Engine struct {
	store Store
	auth  Authorizer
	pub   Publisher

	mu    sync.Mutex
	locks map[string]*sync.Mutex // poll id -> commit/publish lock
}

// NewEngine creates a poll engine.
func NewEngine(store Store, auth Authorizer, pub Publisher) *Engine {
	return &Engine{
		store: store,
		auth:  auth,
		pub:   pub,
		locks: make(map[string]*sync.Mutex),
	}
}

func (e *Engine) pollLock(pollID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[pollID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[pollID] = l
	}
	return l
}

// Create validates and persists a new poll with an empty vote set, then
// broadcasts poll:create with the full poll to the event channel.
func (e *Engine) Create(ctx context.Context, eventID, creatorID, question string, options []string) (Poll, error) {
	if err := e.auth.CanPublish(ctx, creatorID, chat.EventChannel(eventID)); err != nil {
		return Poll{}, err
	}

	question = strings.TrimSpace(question)
	if question == "" {
		return Poll{}, syncerr.Validationf("poll question is empty")
	}

	opts := make([]Option, 0, len(options))
	for _, text := range options {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		opts = append(opts, Option{ID: uuid.New().String(), Text: text})
	}
	if len(opts) < 2 {
		return Poll{}, syncerr.Validationf("poll needs at least two non-empty options")
	}

	p := Poll{
		EventID:   eventID,
		CreatorID: creatorID,
		Question:  question,
		Options:   opts,
		Votes:     []Vote{},
		CreatedAt: time.Now().UTC(),
	}

	created, err := e.store.CreatePoll(ctx, &p)
	if err != nil {
		return Poll{}, fmt.Errorf("poll: create: %w", err)
	}

	if err := e.broadcast(created.EventID, protocol.TypePollCreate, created); err != nil {
		return created, err
	}
	metrics.EventsTotal.WithLabelValues("poll_create").Inc()
	return created, nil
}

// Vote replaces any prior vote by userID on the poll with optionID and
// broadcasts poll:vote carrying the complete updated poll. Re-casting the
// vote the user already holds changes nothing and broadcasts nothing.
func (e *Engine) Vote(ctx context.Context, pollID, userID, optionID string) (Poll, error) {
	existing, err := e.store.GetPoll(ctx, pollID)
	if err != nil {
		return Poll{}, err
	}
	if err := e.auth.CanPublish(ctx, userID, chat.EventChannel(existing.EventID)); err != nil {
		return Poll{}, err
	}
	if !existing.HasOption(optionID) {
		return Poll{}, syncerr.NotFound("option", optionID)
	}

	lock := e.pollLock(pollID)
	lock.Lock()
	defer lock.Unlock()

	prior, hadPrior := existing.VoteOf(userID)

	updated, changed, err := e.store.UpsertVote(ctx, pollID, userID, optionID)
	if err != nil {
		return Poll{}, fmt.Errorf("poll: vote on %s: %w", pollID, err)
	}
	if !changed {
		return updated, nil
	}

	if err := e.broadcastState(updated, protocol.TypePollVote); err != nil {
		return updated, err
	}
	if hadPrior && prior.OptionID != optionID {
		metrics.VotesTotal.WithLabelValues("replaced").Inc()
	} else {
		metrics.VotesTotal.WithLabelValues("cast").Inc()
	}
	metrics.EventsTotal.WithLabelValues("vote").Inc()
	return updated, nil
}

// RemoveVote clears userID's vote from the poll and broadcasts
// poll:vote_removed with the complete updated poll. A user with no vote is a
// silent no-op.
func (e *Engine) RemoveVote(ctx context.Context, pollID, userID string) (Poll, error) {
	existing, err := e.store.GetPoll(ctx, pollID)
	if err != nil {
		return Poll{}, err
	}
	if err := e.auth.CanPublish(ctx, userID, chat.EventChannel(existing.EventID)); err != nil {
		return Poll{}, err
	}

	lock := e.pollLock(pollID)
	lock.Lock()
	defer lock.Unlock()

	updated, existed, err := e.store.DeleteVote(ctx, pollID, userID)
	if err != nil {
		return Poll{}, fmt.Errorf("poll: remove vote on %s: %w", pollID, err)
	}
	if !existed {
		return updated, nil
	}

	if err := e.broadcastState(updated, protocol.TypePollVoteRemoved); err != nil {
		return updated, err
	}
	metrics.VotesTotal.WithLabelValues("removed").Inc()
	metrics.EventsTotal.WithLabelValues("vote_removed").Inc()
	return updated, nil
}

// Get returns a poll by id.
func (e *Engine) Get(ctx context.Context, pollID string) (Poll, error) {
	return e.store.GetPoll(ctx, pollID)
}

// ListByEvent returns all polls for an event, newest first.
func (e *Engine) ListByEvent(ctx context.Context, eventID string) ([]Poll, error) {
	return e.store.ListByEvent(ctx, eventID)
}

// broadcastState publishes the full poll wrapped as {pollId, poll} so every
// subscriber replaces its local copy wholesale.
func (e *Engine) broadcastState(p Poll, eventType string) error {
	payload, err := protocol.NewServerMessage(eventType, protocol.ServerPollStateMsg{
		PollID: p.ID,
		Poll:   p,
	})
	if err != nil {
		return err
	}
	if err := e.pub.Publish(chat.EventChannel(p.EventID), payload); err != nil {
		return fmt.Errorf("poll: publish %s for %s: %w", eventType, p.ID, err)
	}
	return nil
}

// broadcast publishes the bare poll object (poll:create).
func (e *Engine) broadcast(eventID, eventType string, p Poll) error {
	payload, err := protocol.NewServerMessage(eventType, p)
	if err != nil {
		return err
	}
	if err := e.pub.Publish(chat.EventChannel(eventID), payload); err != nil {
		return fmt.Errorf("poll: publish %s for %s: %w", eventType, p.ID, err)
	}
	return nil
}
