// Package registry maintains the in-memory routing table from logical channel
// names (event:<eventId>, chat:<chatId>) to the set of currently-subscribed
// connections. Membership is derived from live connections only; nothing here
// is persisted. Fan-out goes through a Bus so that subscribers spread across
// several server instances all observe committed events.
package registry

import (
	"context"
	"encoding/json"
	"log"
	"sync"

	"github.com/tripsync/sync-server/internal/syncerr"
)

// Subscriber is one live connection's delivery endpoint.
type Subscriber interface {
	SessionID() string
	UserID() string
	Send(data []byte) error
}

// Bus carries committed channel events between server instances. The NATS
// client satisfies it in production; tests use the in-process LocalBus.
// SubscribeChannel returns a cancel bound to that specific subscription, so
// tearing down an old subscription can never touch a newer one for the same
// channel.
type Bus interface {
	PublishChannel(channel string, data []byte) error
	SubscribeChannel(channel string, handler func(data []byte)) (cancel func() error, err error)
}

// Authorizer decides whether a user may subscribe to a channel. Event
// channels check group membership; chat channels check conversation
// participation.
type Authorizer interface {
	CanSubscribe(ctx context.Context, userID, channel string) error
}

// SnapshotFunc builds the bootstrap snapshot returned to a new subscriber:
// the member list (event channels only) and the recent message tail.
type SnapshotFunc func(ctx context.Context, channel string) (members any, recent any, err error)

// Snapshot is what a freshly-subscribed client needs before the live stream
// takes over.
type Snapshot struct {
	Channel string
	Members any
	Recent  any
}

// frame is the envelope published on the Bus. Payload is the final
// client-facing JSON; Origin/SkipOrigin implement originator exclusion for
// typing signals.
type frame struct {
	Origin     string          `json:"origin,omitempty"`
	SkipOrigin bool            `json:"skipOrigin,omitempty"`
	Payload    json.RawMessage `json:"payload"`
}

// channelState is one channel's subscriber set plus its bus subscription.
// busReady is closed once the creating subscriber has resolved the bus
// subscription. busErr and busCancel are written under the registry lock
// before the close; busCancel stays nil while the subscribe is in flight.
type channelState struct {
	name      string
	subs      map[string]Subscriber // session id -> subscriber
	busReady  chan struct{}
	busErr    error
	busCancel func() error
}

// Registry is the channel routing table. All methods are goroutine-safe.
type Registry struct {
	bus      Bus
	auth     Authorizer
	snapshot SnapshotFunc

	mu        sync.RWMutex
	channels  map[string]*channelState
	bySession map[string]map[string]struct{} // session id -> subscribed channels

	onEmpty func(channel string) // invoked after a channel is garbage-collected
}

// New creates a Registry using the given bus, authorizer, and snapshot
// builder. snapshot may be nil (subscribe then returns an empty snapshot).
func New(bus Bus, auth Authorizer, snapshot SnapshotFunc) *Registry {
	return &Registry{
		bus:       bus,
		auth:      auth,
		snapshot:  snapshot,
		channels:  make(map[string]*channelState),
		bySession: make(map[string]map[string]struct{}),
	}
}

// SetOnEmpty registers a hook invoked after a channel's subscriber set
// empties and the channel is dropped. Used to release derived per-channel
// state (recent-message cache).
func (r *Registry) SetOnEmpty(fn func(channel string)) {
	r.onEmpty = fn
}

// Subscribe adds the connection to the channel's subscriber set, creating the
// channel (and its bus subscription) lazily on first use. On success it
// returns the bootstrap snapshot for the channel.
func (r *Registry) Subscribe(ctx context.Context, sub Subscriber, channel string) (*Snapshot, error) {
	if sub.UserID() == "" {
		return nil, &syncerr.UnauthorizedError{UserID: "(unauthenticated)", Channel: channel}
	}
	if err := r.auth.CanSubscribe(ctx, sub.UserID(), channel); err != nil {
		return nil, err
	}

	r.mu.Lock()
	ch, ok := r.channels[channel]
	created := !ok
	if created {
		ch = &channelState{
			name:     channel,
			subs:     make(map[string]Subscriber),
			busReady: make(chan struct{}),
		}
		r.channels[channel] = ch
	}
	ch.subs[sub.SessionID()] = sub
	set, ok := r.bySession[sub.SessionID()]
	if !ok {
		set = make(map[string]struct{})
		r.bySession[sub.SessionID()] = set
	}
	set[channel] = struct{}{}
	r.mu.Unlock()

	if created {
		cancel, err := r.bus.SubscribeChannel(channel, r.deliverFunc(channel))

		r.mu.Lock()
		ch.busErr = err
		ch.busCancel = cancel
		close(ch.busReady)
		current := r.channels[channel] == ch
		if err != nil && current {
			// Tear down the whole channel: every subscriber that raced in is
			// removed, and each one observes busErr via busReady. A later
			// subscribe starts from scratch and retries the bus.
			delete(r.channels, channel)
			for sid := range ch.subs {
				if s, ok := r.bySession[sid]; ok {
					delete(s, channel)
					if len(s) == 0 {
						delete(r.bySession, sid)
					}
				}
			}
		}
		r.mu.Unlock()

		if err != nil {
			return nil, err
		}
		if !current {
			// The channel emptied (all subscribers disconnected) while the
			// bus subscription was in flight; it was dropped with no cancel
			// to call, so cancel the fresh subscription here.
			if cancel != nil {
				if cerr := cancel(); cerr != nil {
					log.Printf("registry: cancel orphaned bus subscription for %s: %v", channel, cerr)
				}
			}
			return nil, syncerr.NotFound("channel", channel)
		}
	} else {
		// Wait for the creating subscriber to resolve the bus subscription;
		// a failed bus subscribe fails every subscriber that raced in.
		<-ch.busReady
		if ch.busErr != nil {
			return nil, ch.busErr
		}
	}

	snap := &Snapshot{Channel: channel}
	if r.snapshot != nil {
		members, recent, err := r.snapshot(ctx, channel)
		if err != nil {
			log.Printf("registry: snapshot for %s failed: %v", channel, err)
		} else {
			snap.Members = members
			snap.Recent = recent
		}
	}
	return snap, nil
}

// Unsubscribe removes the connection from the channel's subscriber set. The
// channel is garbage-collected when its set empties.
func (r *Registry) Unsubscribe(sessionID, channel string) {
	r.mu.Lock()
	ch, ok := r.channels[channel]
	if ok {
		delete(ch.subs, sessionID)
	}
	if set, ok := r.bySession[sessionID]; ok {
		delete(set, channel)
		if len(set) == 0 {
			delete(r.bySession, sessionID)
		}
	}
	var (
		dropped bool
		cancel  func() error
	)
	if ok && len(ch.subs) == 0 {
		delete(r.channels, channel)
		dropped = true
		cancel = ch.busCancel // nil while the bus subscribe is in flight; the creator then cancels
	}
	r.mu.Unlock()

	if dropped {
		r.dropChannel(channel, cancel)
	}
}

// DisconnectAll removes the connection from every channel it is subscribed
// to. The transport calls it when a connection closes; it never depends on a
// well-behaved client.
func (r *Registry) DisconnectAll(sessionID string) {
	r.mu.Lock()
	set := r.bySession[sessionID]
	delete(r.bySession, sessionID)
	type drop struct {
		name   string
		cancel func() error
	}
	var emptied []drop
	for channel := range set {
		ch, ok := r.channels[channel]
		if !ok {
			continue
		}
		delete(ch.subs, sessionID)
		if len(ch.subs) == 0 {
			delete(r.channels, channel)
			emptied = append(emptied, drop{name: channel, cancel: ch.busCancel})
		}
	}
	r.mu.Unlock()

	for _, d := range emptied {
		r.dropChannel(d.name, d.cancel)
	}
}

// Publish delivers payload to every current subscriber of the channel,
// including the originator.
func (r *Registry) Publish(channel string, payload []byte) error {
	return r.publish(channel, frame{Payload: payload})
}

// PublishSkipOrigin delivers payload to every current subscriber except
// connections belonging to originUserID. Used for typing signals, which must
// never echo back to their producer.
func (r *Registry) PublishSkipOrigin(channel, originUserID string, payload []byte) error {
	return r.publish(channel, frame{Origin: originUserID, SkipOrigin: true, Payload: payload})
}

func (r *Registry) publish(channel string, f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return r.bus.PublishChannel(channel, data)
}

// deliverFunc returns the bus handler that fans a frame out to the channel's
// local subscribers. Write failures are logged and skipped: a slow or dead
// subscriber must not block delivery to the others, and its recovery path is
// snapshot hydration on reconnect.
func (r *Registry) deliverFunc(channel string) func(data []byte) {
	return func(data []byte) {
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Printf("registry: bad frame on %s: %v", channel, err)
			return
		}

		r.mu.RLock()
		ch, ok := r.channels[channel]
		if !ok {
			r.mu.RUnlock()
			return
		}
		subs := make([]Subscriber, 0, len(ch.subs))
		for _, s := range ch.subs {
			subs = append(subs, s)
		}
		r.mu.RUnlock()

		for _, s := range subs {
			if f.SkipOrigin && s.UserID() == f.Origin {
				continue
			}
			if err := s.Send(f.Payload); err != nil {
				log.Printf("registry: send to session=%s on %s failed: %v", s.SessionID(), channel, err)
			}
		}
	}
}

// dropChannel runs after the emptied state has been removed from the map. It
// cancels only the dropped state's own bus subscription; a channel recreated
// in the meantime holds a different cancel and is unaffected.
func (r *Registry) dropChannel(channel string, cancel func() error) {
	if cancel != nil {
		if err := cancel(); err != nil {
			log.Printf("registry: cancel bus subscription for %s: %v", channel, err)
		}
	}
	if r.onEmpty != nil {
		r.onEmpty(channel)
	}
}

// SubscriberCount returns the number of local subscribers on a channel.
func (r *Registry) SubscriberCount(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channel]
	if !ok {
		return 0
	}
	return len(ch.subs)
}

// Channels returns the names of all channels with at least one local
// subscriber.
func (r *Registry) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	return names
}

// IsSubscribed reports whether the session currently subscribes to channel.
func (r *Registry) IsSubscribed(sessionID, channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set, ok := r.bySession[sessionID]
	if !ok {
		return false
	}
	_, ok = set[channel]
	return ok
}
