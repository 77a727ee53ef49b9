package registry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/tripsync/sync-server/internal/syncerr"
)

// fakeSub records every payload delivered to it.
type fakeSub struct {
	session string
	user    string

	mu       sync.Mutex
	received [][]byte
	sendErr  error
}

func (f *fakeSub) SessionID() string { return f.session }
func (f *fakeSub) UserID() string    { return f.user }

func (f *fakeSub) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.received = append(f.received, data)
	return nil
}

func (f *fakeSub) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func (f *fakeSub) last() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.received) == 0 {
		return nil
	}
	return f.received[len(f.received)-1]
}

// allowAll authorizes every subscription.
type allowAll struct{}

func (allowAll) CanSubscribe(ctx context.Context, userID, channel string) error { return nil }

// denyAll rejects every subscription.
type denyAll struct{}

func (denyAll) CanSubscribe(ctx context.Context, userID, channel string) error {
	return &syncerr.UnauthorizedError{UserID: userID, Channel: channel}
}

func newTestRegistry() *Registry {
	return New(NewLocalBus(), allowAll{}, nil)
}

func TestSubscribe_DeliversPublishes(t *testing.T) {
	r := newTestRegistry()
	a := &fakeSub{session: "s1", user: "alice"}
	b := &fakeSub{session: "s2", user: "bob"}

	ctx := context.Background()
	if _, err := r.Subscribe(ctx, a, "event:e1"); err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	if _, err := r.Subscribe(ctx, b, "event:e1"); err != nil {
		t.Fatalf("subscribe b: %v", err)
	}

	payload := []byte(`{"type":"message:create","text":"hi"}`)
	if err := r.Publish("event:e1", payload); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if a.count() != 1 || b.count() != 1 {
		t.Fatalf("expected both to receive 1, got a=%d b=%d", a.count(), b.count())
	}
	if string(a.last()) != string(payload) {
		t.Errorf("payload altered in flight: %s", a.last())
	}
}

func TestSubscribe_Unauthenticated(t *testing.T) {
	r := newTestRegistry()
	anon := &fakeSub{session: "s1", user: ""}

	_, err := r.Subscribe(context.Background(), anon, "event:e1")
	if err == nil {
		t.Fatal("unauthenticated subscribe should fail")
	}
	var ue *syncerr.UnauthorizedError
	if !errors.As(err, &ue) {
		t.Errorf("expected UnauthorizedError, got %v", err)
	}
}

func TestSubscribe_Unauthorized(t *testing.T) {
	r := New(NewLocalBus(), denyAll{}, nil)
	a := &fakeSub{session: "s1", user: "alice"}

	if _, err := r.Subscribe(context.Background(), a, "event:e1"); err == nil {
		t.Fatal("denied subscribe should fail")
	}
	if r.SubscriberCount("event:e1") != 0 {
		t.Error("denied subscriber must not be registered")
	}
}

func TestSubscribe_Snapshot(t *testing.T) {
	snapshot := func(ctx context.Context, channel string) (any, any, error) {
		return []string{"alice", "bob"}, []string{"m1"}, nil
	}
	r := New(NewLocalBus(), allowAll{}, snapshot)
	a := &fakeSub{session: "s1", user: "alice"}

	snap, err := r.Subscribe(context.Background(), a, "event:e1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if snap.Channel != "event:e1" {
		t.Errorf("snapshot channel: %q", snap.Channel)
	}
	if snap.Members == nil || snap.Recent == nil {
		t.Errorf("snapshot not populated: %+v", snap)
	}
}

func TestPublishSkipOrigin_ExcludesOriginator(t *testing.T) {
	r := newTestRegistry()
	a := &fakeSub{session: "s1", user: "alice"}
	b := &fakeSub{session: "s2", user: "bob"}

	ctx := context.Background()
	r.Subscribe(ctx, a, "chat:c1")
	r.Subscribe(ctx, b, "chat:c1")

	if err := r.PublishSkipOrigin("chat:c1", "alice", []byte(`{"type":"dm:typing"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if a.count() != 0 {
		t.Error("originator must not receive their own typing signal")
	}
	if b.count() != 1 {
		t.Errorf("partner should receive the signal, got %d", b.count())
	}
}

func TestPublishSkipOrigin_ExcludesAllOriginatorConnections(t *testing.T) {
	// Same user on two devices: neither connection gets the echo.
	r := newTestRegistry()
	phone := &fakeSub{session: "s1", user: "alice"}
	laptop := &fakeSub{session: "s2", user: "alice"}
	partner := &fakeSub{session: "s3", user: "bob"}

	ctx := context.Background()
	r.Subscribe(ctx, phone, "chat:c1")
	r.Subscribe(ctx, laptop, "chat:c1")
	r.Subscribe(ctx, partner, "chat:c1")

	r.PublishSkipOrigin("chat:c1", "alice", []byte(`{"type":"dm:typing"}`))

	if phone.count() != 0 || laptop.count() != 0 {
		t.Error("all of the originator's connections must be excluded")
	}
	if partner.count() != 1 {
		t.Errorf("partner should receive the signal, got %d", partner.count())
	}
}

func TestPublish_OrderPreserved(t *testing.T) {
	r := newTestRegistry()
	a := &fakeSub{session: "s1", user: "alice"}
	r.Subscribe(context.Background(), a, "event:e1")

	for i := 0; i < 20; i++ {
		payload, _ := json.Marshal(map[string]int{"seq": i})
		if err := r.Publish("event:e1", payload); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	if a.count() != 20 {
		t.Fatalf("expected 20 deliveries, got %d", a.count())
	}
	for i, data := range a.received {
		var m map[string]int
		json.Unmarshal(data, &m)
		if m["seq"] != i {
			t.Fatalf("delivery %d carries seq %d", i, m["seq"])
		}
	}
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	r := newTestRegistry()
	a := &fakeSub{session: "s1", user: "alice"}
	b := &fakeSub{session: "s2", user: "bob"}

	ctx := context.Background()
	r.Subscribe(ctx, a, "event:e1")
	r.Subscribe(ctx, b, "event:e1")

	r.Unsubscribe("s1", "event:e1")
	r.Publish("event:e1", []byte(`{}`))

	if a.count() != 0 {
		t.Error("unsubscribed connection must not receive")
	}
	if b.count() != 1 {
		t.Errorf("remaining subscriber should receive, got %d", b.count())
	}
	if r.IsSubscribed("s1", "event:e1") {
		t.Error("IsSubscribed should report false after unsubscribe")
	}
}

func TestUnsubscribe_LastSubscriberDropsChannel(t *testing.T) {
	r := newTestRegistry()

	var dropped []string
	r.SetOnEmpty(func(channel string) { dropped = append(dropped, channel) })

	a := &fakeSub{session: "s1", user: "alice"}
	r.Subscribe(context.Background(), a, "event:e1")
	r.Unsubscribe("s1", "event:e1")

	if r.SubscriberCount("event:e1") != 0 {
		t.Error("channel should be empty")
	}
	if len(r.Channels()) != 0 {
		t.Errorf("channel should be garbage-collected, got %v", r.Channels())
	}
	if len(dropped) != 1 || dropped[0] != "event:e1" {
		t.Errorf("onEmpty hook: %v", dropped)
	}
}

func TestDisconnectAll_RemovesEverySubscription(t *testing.T) {
	r := newTestRegistry()
	a := &fakeSub{session: "s1", user: "alice"}
	b := &fakeSub{session: "s2", user: "bob"}

	ctx := context.Background()
	r.Subscribe(ctx, a, "event:e1")
	r.Subscribe(ctx, a, "chat:c1")
	r.Subscribe(ctx, b, "event:e1")

	r.DisconnectAll("s1")

	if r.IsSubscribed("s1", "event:e1") || r.IsSubscribed("s1", "chat:c1") {
		t.Error("disconnected session still subscribed")
	}
	// chat:c1 emptied and collected; event:e1 survives with bob.
	if r.SubscriberCount("chat:c1") != 0 {
		t.Error("chat:c1 should be empty")
	}
	if r.SubscriberCount("event:e1") != 1 {
		t.Errorf("event:e1 should keep bob, got %d", r.SubscriberCount("event:e1"))
	}
}

// deferredCancelBus delays bus teardowns until flush, modeling an
// UnsubscribeChannel still in flight while the same channel is recreated.
type deferredCancelBus struct {
	inner *LocalBus

	mu      sync.Mutex
	pending []func() error
}

func (b *deferredCancelBus) PublishChannel(channel string, data []byte) error {
	return b.inner.PublishChannel(channel, data)
}

func (b *deferredCancelBus) SubscribeChannel(channel string, handler func(data []byte)) (func() error, error) {
	real, err := b.inner.SubscribeChannel(channel, handler)
	if err != nil {
		return nil, err
	}
	return func() error {
		b.mu.Lock()
		b.pending = append(b.pending, real)
		b.mu.Unlock()
		return nil
	}, nil
}

func (b *deferredCancelBus) flush() {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, cancel := range pending {
		cancel()
	}
}

func TestResubscribe_SurvivesDelayedBusTeardown(t *testing.T) {
	bus := &deferredCancelBus{inner: NewLocalBus()}
	r := New(bus, allowAll{}, nil)
	ctx := context.Background()

	a := &fakeSub{session: "s1", user: "alice"}
	r.Subscribe(ctx, a, "event:e1")
	r.Unsubscribe("s1", "event:e1") // teardown of a's bus subscription is now in flight

	b := &fakeSub{session: "s2", user: "bob"}
	if _, err := r.Subscribe(ctx, b, "event:e1"); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}

	// The stale teardown completes after the channel was recreated. It must
	// cancel only its own subscription, never the new one.
	bus.flush()

	if err := r.Publish("event:e1", []byte(`{}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if b.count() != 1 {
		t.Fatalf("new subscriber silenced by stale teardown, got %d deliveries", b.count())
	}
}

// failableBus rejects bus subscriptions while down.
type failableBus struct {
	inner *LocalBus
	down  bool
}

func (b *failableBus) PublishChannel(channel string, data []byte) error {
	return b.inner.PublishChannel(channel, data)
}

func (b *failableBus) SubscribeChannel(channel string, handler func(data []byte)) (func() error, error) {
	if b.down {
		return nil, errors.New("bus unavailable")
	}
	return b.inner.SubscribeChannel(channel, handler)
}

func TestSubscribe_BusFailureRollsBackAndRetries(t *testing.T) {
	bus := &failableBus{inner: NewLocalBus(), down: true}
	r := New(bus, allowAll{}, nil)
	ctx := context.Background()

	a := &fakeSub{session: "s1", user: "alice"}
	if _, err := r.Subscribe(ctx, a, "event:e1"); err == nil {
		t.Fatal("subscribe should surface the bus failure")
	}
	if r.SubscriberCount("event:e1") != 0 || len(r.Channels()) != 0 {
		t.Error("failed channel must be fully rolled back")
	}
	if r.IsSubscribed("s1", "event:e1") {
		t.Error("session index must be rolled back too")
	}

	// Bus recovers; a later subscribe starts from scratch.
	bus.down = false
	if _, err := r.Subscribe(ctx, a, "event:e1"); err != nil {
		t.Fatalf("retry after recovery: %v", err)
	}
	r.Publish("event:e1", []byte(`{}`))
	if a.count() != 1 {
		t.Errorf("retried subscription should receive, got %d", a.count())
	}
}

func TestLocalBus_CancelIsPerSubscription(t *testing.T) {
	b := NewLocalBus()

	cancelOld, _ := b.SubscribeChannel("event:e1", func([]byte) {})
	got := 0
	_, _ = b.SubscribeChannel("event:e1", func([]byte) { got++ })

	// Canceling the old subscription after a newer one exists must leave the
	// newer one delivering.
	if err := cancelOld(); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	b.PublishChannel("event:e1", []byte(`{}`))
	if got != 1 {
		t.Errorf("newer subscription should still receive, got %d", got)
	}
}

func TestPublish_SendFailureDoesNotBlockOthers(t *testing.T) {
	r := newTestRegistry()
	broken := &fakeSub{session: "s1", user: "alice", sendErr: errors.New("write: broken pipe")}
	healthy := &fakeSub{session: "s2", user: "bob"}

	ctx := context.Background()
	r.Subscribe(ctx, broken, "event:e1")
	r.Subscribe(ctx, healthy, "event:e1")

	if err := r.Publish("event:e1", []byte(`{}`)); err != nil {
		t.Fatalf("publish should not surface per-subscriber failures: %v", err)
	}
	if healthy.count() != 1 {
		t.Errorf("healthy subscriber should still receive, got %d", healthy.count())
	}
}
