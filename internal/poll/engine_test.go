package poll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/tripsync/sync-server/internal/syncerr"
)

// memStore implements the Store port with the same per-(poll,user) vote
// atomicity the Postgres store provides.
type memStore struct {
	mu     sync.Mutex
	polls  map[string]Poll
	nextID int
}

func newMemStore() *memStore {
	return &memStore{polls: make(map[string]Poll)}
}

// clone deep-copies the vote slice so callers never share backing arrays with
// the store.
func clone(p Poll) Poll {
	out := p
	out.Votes = append([]Vote(nil), p.Votes...)
	return out
}

func (s *memStore) CreatePoll(ctx context.Context, p *Poll) (Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	out := *p
	out.ID = fmt.Sprintf("p%d", s.nextID)
	s.polls[out.ID] = out
	return out, nil
}

func (s *memStore) GetPoll(ctx context.Context, id string) (Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.polls[id]
	if !ok {
		return Poll{}, syncerr.NotFound("poll", id)
	}
	return clone(p), nil
}

func (s *memStore) ListByEvent(ctx context.Context, eventID string) ([]Poll, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Poll
	for _, p := range s.polls {
		if p.EventID == eventID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) UpsertVote(ctx context.Context, pollID, userID, optionID string) (Poll, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.polls[pollID]
	if !ok {
		return Poll{}, false, syncerr.NotFound("poll", pollID)
	}
	p := clone(stored)
	for i, v := range p.Votes {
		if v.UserID == userID {
			if v.OptionID == optionID {
				return p, false, nil
			}
			p.Votes[i].OptionID = optionID
			s.polls[pollID] = p
			return clone(p), true, nil
		}
	}
	p.Votes = append(p.Votes, Vote{UserID: userID, OptionID: optionID})
	s.polls[pollID] = p
	return clone(p), true, nil
}

func (s *memStore) DeleteVote(ctx context.Context, pollID, userID string) (Poll, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.polls[pollID]
	if !ok {
		return Poll{}, false, syncerr.NotFound("poll", pollID)
	}
	p := clone(stored)
	for i, v := range p.Votes {
		if v.UserID == userID {
			p.Votes = append(p.Votes[:i], p.Votes[i+1:]...)
			s.polls[pollID] = p
			return clone(p), true, nil
		}
	}
	return p, false, nil
}

type memPub struct {
	mu       sync.Mutex
	payloads map[string][][]byte
}

func newMemPub() *memPub {
	return &memPub{payloads: make(map[string][][]byte)}
}

func (p *memPub) Publish(channel string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads[channel] = append(p.payloads[channel], payload)
	return nil
}

func (p *memPub) count(channel string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads[channel])
}

func (p *memPub) last(channel string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	msgs := p.payloads[channel]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// allowAll grants every publish; denyUser rejects one user the way the
// membership guard rejects a non-member.
type allowAll struct{}

func (allowAll) CanPublish(ctx context.Context, userID, channel string) error { return nil }

type denyUser struct{ user string }

func (d denyUser) CanPublish(ctx context.Context, userID, channel string) error {
	if userID == d.user {
		return &syncerr.UnauthorizedError{UserID: userID, Channel: channel}
	}
	return nil
}

func newTestEngine() (*Engine, *memPub) {
	pub := newMemPub()
	return NewEngine(newMemStore(), allowAll{}, pub), pub
}

func mustCreate(t *testing.T, e *Engine, options ...string) Poll {
	t.Helper()
	p, err := e.Create(context.Background(), "e1", "alice", "Where to eat?", options)
	if err != nil {
		t.Fatalf("create poll: %v", err)
	}
	return p
}

func TestCreate_BroadcastsFullPoll(t *testing.T) {
	e, pub := newTestEngine()

	p := mustCreate(t, e, "ramen", "tapas")
	if p.ID == "" || len(p.Options) != 2 {
		t.Errorf("poll not built: %+v", p)
	}
	if p.Options[0].ID == p.Options[1].ID {
		t.Error("option ids must be distinct")
	}

	if pub.count("event:e1") != 1 {
		t.Fatalf("expected 1 broadcast, got %d", pub.count("event:e1"))
	}
	var wire map[string]interface{}
	json.Unmarshal(pub.last("event:e1"), &wire)
	if wire["type"] != "poll:create" {
		t.Errorf("broadcast type: %v", wire["type"])
	}
	if wire["question"] != "Where to eat?" {
		t.Errorf("broadcast should carry the poll: %v", wire)
	}
}

func TestCreate_Validation(t *testing.T) {
	e, _ := newTestEngine()
	ctx := context.Background()

	if _, err := e.Create(ctx, "e1", "alice", "", []string{"a", "b"}); err == nil {
		t.Error("empty question should be rejected")
	}
	if _, err := e.Create(ctx, "e1", "alice", "q", []string{"only"}); err == nil {
		t.Error("single option should be rejected")
	}
	// Blank options are discarded before the minimum check.
	if _, err := e.Create(ctx, "e1", "alice", "q", []string{"a", "  ", ""}); err == nil {
		t.Error("one non-empty option should be rejected")
	}
}

func TestVote_CastAndBroadcastState(t *testing.T) {
	e, pub := newTestEngine()
	p := mustCreate(t, e, "ramen", "tapas")

	updated, err := e.Vote(context.Background(), p.ID, "bob", p.Options[0].ID)
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if got, ok := updated.VoteOf("bob"); !ok || got.OptionID != p.Options[0].ID {
		t.Errorf("vote not recorded: %+v", updated.Votes)
	}

	var wire map[string]interface{}
	json.Unmarshal(pub.last("event:e1"), &wire)
	if wire["type"] != "poll:vote" {
		t.Errorf("broadcast type: %v", wire["type"])
	}
	if wire["pollId"] != p.ID {
		t.Errorf("pollId: %v", wire["pollId"])
	}
	if _, ok := wire["poll"].(map[string]interface{}); !ok {
		t.Errorf("broadcast should carry the full poll: %v", wire)
	}
}

func TestVote_ReplacePriorVote(t *testing.T) {
	e, _ := newTestEngine()
	p := mustCreate(t, e, "ramen", "tapas")
	ctx := context.Background()

	e.Vote(ctx, p.ID, "bob", p.Options[0].ID)
	updated, err := e.Vote(ctx, p.ID, "bob", p.Options[1].ID)
	if err != nil {
		t.Fatalf("revote: %v", err)
	}

	if len(updated.Votes) != 1 {
		t.Fatalf("a user holds at most one vote, got %d", len(updated.Votes))
	}
	if v, _ := updated.VoteOf("bob"); v.OptionID != p.Options[1].ID {
		t.Errorf("vote not moved: %+v", v)
	}

	tally := updated.Tally()
	if tally[p.Options[0].ID] != 0 || tally[p.Options[1].ID] != 1 {
		t.Errorf("tally after replace: %v", tally)
	}
}

func TestVote_SameOptionIsNoop(t *testing.T) {
	e, pub := newTestEngine()
	p := mustCreate(t, e, "ramen", "tapas")
	ctx := context.Background()

	e.Vote(ctx, p.ID, "bob", p.Options[0].ID)
	before := pub.count("event:e1")

	updated, err := e.Vote(ctx, p.ID, "bob", p.Options[0].ID)
	if err != nil {
		t.Fatalf("repeat vote: %v", err)
	}
	if len(updated.Votes) != 1 {
		t.Errorf("vote count changed: %d", len(updated.Votes))
	}
	if pub.count("event:e1") != before {
		t.Error("unchanged vote must not broadcast")
	}
}

func TestVote_UnknownPollAndOption(t *testing.T) {
	e, _ := newTestEngine()
	p := mustCreate(t, e, "ramen", "tapas")
	ctx := context.Background()

	if _, err := e.Vote(ctx, "ghost", "bob", "o1"); !syncerr.IsNotFound(err) {
		t.Errorf("unknown poll: %v", err)
	}
	if _, err := e.Vote(ctx, p.ID, "bob", "ghost-option"); !syncerr.IsNotFound(err) {
		t.Errorf("unknown option: %v", err)
	}
}

func TestRemoveVote_BroadcastsFullState(t *testing.T) {
	e, pub := newTestEngine()
	p := mustCreate(t, e, "ramen", "tapas")
	ctx := context.Background()

	e.Vote(ctx, p.ID, "bob", p.Options[0].ID)
	updated, err := e.RemoveVote(ctx, p.ID, "bob")
	if err != nil {
		t.Fatalf("remove vote: %v", err)
	}
	if len(updated.Votes) != 0 {
		t.Errorf("vote not removed: %+v", updated.Votes)
	}

	var wire map[string]interface{}
	json.Unmarshal(pub.last("event:e1"), &wire)
	if wire["type"] != "poll:vote_removed" {
		t.Errorf("broadcast type: %v", wire["type"])
	}
	if _, ok := wire["poll"].(map[string]interface{}); !ok {
		t.Errorf("vote_removed should carry the full poll: %v", wire)
	}
}

func TestRemoveVote_NoVoteIsSilentNoop(t *testing.T) {
	e, pub := newTestEngine()
	p := mustCreate(t, e, "ramen", "tapas")
	before := pub.count("event:e1")

	if _, err := e.RemoveVote(context.Background(), p.ID, "bob"); err != nil {
		t.Fatalf("remove without vote should not error: %v", err)
	}
	if pub.count("event:e1") != before {
		t.Error("removing a nonexistent vote must not broadcast")
	}
}

func TestNonMember_AllPollWritesRejected(t *testing.T) {
	store := newMemStore()
	pub := newMemPub()
	e := NewEngine(store, denyUser{user: "mallory"}, pub)
	ctx := context.Background()

	p, err := e.Create(ctx, "e1", "alice", "Where to eat?", []string{"ramen", "tapas"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.Vote(ctx, p.ID, "alice", p.Options[0].ID)
	before := pub.count("event:e1")

	assertUnauthorized := func(op string, err error) {
		t.Helper()
		if err == nil {
			t.Fatalf("%s by non-member should be rejected", op)
		}
		var ue *syncerr.UnauthorizedError
		if !errors.As(err, &ue) {
			t.Errorf("%s: expected unauthorized, got %v", op, err)
		}
	}

	_, err = e.Create(ctx, "e1", "mallory", "Hijack?", []string{"a", "b"})
	assertUnauthorized("create", err)

	_, err = e.Vote(ctx, p.ID, "mallory", p.Options[1].ID)
	assertUnauthorized("vote", err)

	_, err = e.RemoveVote(ctx, p.ID, "mallory")
	assertUnauthorized("remove vote", err)

	final, _ := e.Get(ctx, p.ID)
	if len(final.Votes) != 1 {
		t.Errorf("non-member vote must not be committed: %+v", final.Votes)
	}
	if pub.count("event:e1") != before {
		t.Error("non-member writes must not broadcast")
	}
}

func TestConcurrentVotes_OneSurvivingVotePerUser(t *testing.T) {
	e, _ := newTestEngine()
	p := mustCreate(t, e, "ramen", "tapas", "sushi")

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e.Vote(context.Background(), p.ID, "bob", p.Options[i%3].ID)
		}(i)
	}
	wg.Wait()

	final, err := e.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(final.Votes) != 1 {
		t.Errorf("expected exactly one surviving vote, got %d", len(final.Votes))
	}
}
