// Package receipt tracks per-user seen status on messages and broadcasts
// aggregate seen transitions. The contract is channel-agnostic; the observed
// client only surfaces receipts on direct conversations.
package receipt

import (
	"context"
	"fmt"

	"github.com/tripsync/sync-server/internal/chat"
	"github.com/tripsync/sync-server/internal/metrics"
	"github.com/tripsync/sync-server/internal/protocol"
)

// Store is the durable receipt port. MarkSeen must skip messages the user
// sent and messages already marked, returning only the ids that actually
// flipped — that filter is what makes the tracker idempotent.
type Store interface {
	MarkSeen(ctx context.Context, channel, userID string, messageIDs []string) (flipped []string, err error)
}

// Authorizer decides whether a user may publish into a channel. Marking
// messages seen writes receipt rows and broadcasts into the conversation, so
// it is gated like any other publish.
type Authorizer interface {
	CanPublish(ctx context.Context, userID, channel string) error
}

// Publisher delivers a committed event to every subscriber of a channel.
type Publisher interface {
	Publish(channel string, payload []byte) error
}

// Tracker records seen transitions and broadcasts them.
type Tracker struct {
	store Store
	auth  Authorizer
	pub   Publisher
}

// NewTracker creates a Tracker.
func NewTracker(store Store, auth Authorizer, pub Publisher) *Tracker {
	return &Tracker{store: store, auth: auth, pub: pub}
}

// MarkSeen flips status to seen for each listed message the caller did not
// send and has not already seen, then broadcasts one dm:seen event carrying
// the flipped ids. Re-marking already-seen messages flips nothing and
// broadcasts nothing.
func (t *Tracker) MarkSeen(ctx context.Context, channel, userID string, messageIDs []string) ([]string, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	if err := t.auth.CanPublish(ctx, userID, channel); err != nil {
		return nil, err
	}

	flipped, err := t.store.MarkSeen(ctx, channel, userID, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("receipt: mark seen: %w", err)
	}
	if len(flipped) == 0 {
		return nil, nil
	}

	_, id, err := chat.SplitChannel(channel)
	if err != nil {
		return nil, err
	}
	payload, err := protocol.NewServerMessage(protocol.TypeDMSeen, protocol.ServerSeenMsg{
		ChatID:     id,
		MessageIDs: flipped,
		Status:     chat.StatusSeen,
	})
	if err != nil {
		return nil, err
	}
	if err := t.pub.Publish(channel, payload); err != nil {
		return flipped, fmt.Errorf("receipt: publish seen on %s: %w", channel, err)
	}

	metrics.EventsTotal.WithLabelValues("seen").Inc()
	return flipped, nil
}
