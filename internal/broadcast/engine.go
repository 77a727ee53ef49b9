// Package broadcast implements the message broadcast engine: it validates and
// persists messages and reactions, assigns each message its position in the
// channel's total order, and fans the committed state out to every channel
// subscriber.
package broadcast

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tripsync/sync-server/internal/chat"
	"github.com/tripsync/sync-server/internal/metrics"
	"github.com/tripsync/sync-server/internal/protocol"
	"github.com/tripsync/sync-server/internal/syncerr"
)

// Store is the durable message port. Implementations must assign the id,
// per-channel sequence, and timestamp atomically on append, and toggle
// reactions atomically per message.
type Store interface {
	// AppendMessage persists msg, assigning ID, Seq, and CreatedAt.
	AppendMessage(ctx context.Context, msg *chat.Message) (chat.Message, error)
	// GetMessage returns the message or a NotFoundError.
	GetMessage(ctx context.Context, id string) (chat.Message, error)
	// ToggleReaction flips membership of {emoji, userID} on the message's
	// reaction set and returns the full updated message.
	ToggleReaction(ctx context.Context, messageID, userID, emoji string) (chat.Message, error)
	// LockChannel acquires the channel's commit lock, which must exclude
	// writers on every server instance, not just this process. The returned
	// release is called once the broadcast has been handed to the bus.
	LockChannel(ctx context.Context, channel string) (release func(), err error)
}

// Authorizer decides whether a user may publish into a channel. Checked
// before anything is committed.
type Authorizer interface {
	CanPublish(ctx context.Context, userID, channel string) error
}

// Publisher delivers a committed event to every subscriber of a channel.
type Publisher interface {
	Publish(channel string, payload []byte) error
}

// Engine commits messages and reactions and broadcasts the results. Commit
// plus publish run under the store's per-channel lock, which spans server
// instances, so subscribers observe message:create events in store-commit
// order no matter which instance committed them.
type Engine struct {
	store  Store
	auth   Authorizer
	pub    Publisher
	recent *chat.RecentCache

	mu    sync.Mutex
	locks map[string]*sync.Mutex // channel -> local commit queue
}

// NewEngine creates a broadcast engine. recent may be nil to disable the
// snapshot tail cache.
func NewEngine(store Store, auth Authorizer, pub Publisher, recent *chat.RecentCache) *Engine {
	return &Engine{
		store:  store,
		auth:   auth,
		pub:    pub,
		recent: recent,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (e *Engine) channelLock(channel string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[channel]
	if !ok {
		l = &sync.Mutex{}
		e.locks[channel] = l
	}
	return l
}

// DropChannelState releases per-channel engine state when a channel is
// garbage-collected by the registry.
func (e *Engine) DropChannelState(channel string) {
	e.mu.Lock()
	delete(e.locks, channel)
	e.mu.Unlock()
	if e.recent != nil {
		e.recent.Drop(channel)
	}
}

// PostMessage validates, persists, and broadcasts a new message on the
// channel. The returned message carries the server-assigned id, sequence, and
// timestamp; the sender receives the same broadcast as everyone else. A store
// failure aborts before any broadcast.
func (e *Engine) PostMessage(ctx context.Context, channel, senderID, senderName, text string, attachments []chat.Attachment) (chat.Message, error) {
	if err := chat.ValidateMessage(text, attachments); err != nil {
		return chat.Message{}, err
	}
	kind, _, err := chat.SplitChannel(channel)
	if err != nil {
		return chat.Message{}, err
	}
	if err := e.auth.CanPublish(ctx, senderID, channel); err != nil {
		return chat.Message{}, err
	}

	msg := chat.Message{
		SenderID:    senderID,
		SenderName:  senderName,
		Text:        text,
		Attachments: attachments,
		Reactions:   []chat.Reaction{},
		Status:      chat.StatusSent,
		CreatedAt:   time.Now().UTC(),
	}
	msg.SetChannel(channel)

	// The local mutex queues this instance's writers so they don't pile up
	// on store connections; the store lock serializes against the others.
	lock := e.channelLock(channel)
	lock.Lock()
	defer lock.Unlock()

	release, err := e.store.LockChannel(ctx, channel)
	if err != nil {
		return chat.Message{}, fmt.Errorf("broadcast: lock channel %s: %w", channel, err)
	}
	defer release()

	committed, err := e.store.AppendMessage(ctx, &msg)
	if err != nil {
		return chat.Message{}, fmt.Errorf("broadcast: append message: %w", err)
	}

	eventType := protocol.TypeMessageCreate
	if kind == "chat" {
		eventType = protocol.TypeDMMessage
	}
	if err := e.broadcast(channel, eventType, committed); err != nil {
		// The message is committed; delivery to subscribers on other
		// instances recovers via snapshot hydration.
		return committed, fmt.Errorf("broadcast: publish message %s: %w", committed.ID, err)
	}

	if e.recent != nil {
		e.recent.Add(channel, committed)
	}
	metrics.EventsTotal.WithLabelValues("message").Inc()
	return committed, nil
}

// React toggles userID's emoji on a message and broadcasts the full updated
// message to the message's channel.
func (e *Engine) React(ctx context.Context, messageID, userID, emoji string) (chat.Message, error) {
	if emoji == "" {
		return chat.Message{}, syncerr.Validationf("emoji is empty")
	}

	// Resolve the channel first: the membership check and the commit lock
	// are both keyed by it.
	existing, err := e.store.GetMessage(ctx, messageID)
	if err != nil {
		return chat.Message{}, err
	}
	if err := e.auth.CanPublish(ctx, userID, existing.Channel); err != nil {
		return chat.Message{}, err
	}

	lock := e.channelLock(existing.Channel)
	lock.Lock()
	defer lock.Unlock()

	release, err := e.store.LockChannel(ctx, existing.Channel)
	if err != nil {
		return chat.Message{}, fmt.Errorf("broadcast: lock channel %s: %w", existing.Channel, err)
	}
	defer release()

	updated, err := e.store.ToggleReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return chat.Message{}, fmt.Errorf("broadcast: toggle reaction: %w", err)
	}

	if err := e.broadcast(updated.Channel, protocol.TypeMessageReaction, updated); err != nil {
		return updated, fmt.Errorf("broadcast: publish reaction on %s: %w", messageID, err)
	}

	if e.recent != nil {
		e.recent.Update(updated.Channel, updated)
	}
	metrics.EventsTotal.WithLabelValues("reaction").Inc()
	return updated, nil
}

// Recent returns the cached tail of the channel's message log for the
// subscribe-time snapshot.
func (e *Engine) Recent(channel string) []chat.Message {
	if e.recent == nil {
		return []chat.Message{}
	}
	return e.recent.Recent(channel)
}

func (e *Engine) broadcast(channel, eventType string, msg chat.Message) error {
	start := time.Now()
	payload, err := protocol.NewServerMessage(eventType, msg)
	if err != nil {
		return err
	}
	if err := e.pub.Publish(channel, payload); err != nil {
		return err
	}
	metrics.FanoutLatency.Observe(time.Since(start).Seconds())
	return nil
}
