// Package resource adapts the external events/groups API to the sync core's
// needs: channel authorization ("is this user a member of event X") and the
// member snapshot served on subscribe.
package resource

import (
	"context"
	"fmt"
	"time"

	"github.com/tripsync/sync-server/internal/chat"
	"github.com/tripsync/sync-server/internal/syncerr"
)

// Member is one event member as surfaced in the channel:joined snapshot and
// the hydration API.
type Member struct {
	UserID      string    `json:"_id"`
	DisplayName string    `json:"name"`
	JoinedAt    time.Time `json:"joinedAt"`
}

// Service answers membership questions for event channels.
type Service interface {
	IsMember(ctx context.Context, eventID, userID string) (bool, error)
	Members(ctx context.Context, eventID string) ([]Member, error)
}

// ConversationLookup resolves a conversation id for chat-channel checks.
type ConversationLookup interface {
	Get(ctx context.Context, id string) (chat.Conversation, error)
}

// Guard authorizes channel access: event channels require group membership,
// chat channels require conversation participation. The same check gates both
// subscribing to a channel and publishing into it.
type Guard struct {
	events Service
	convs  ConversationLookup
}

// NewGuard creates a Guard.
func NewGuard(events Service, convs ConversationLookup) *Guard {
	return &Guard{events: events, convs: convs}
}

// CanSubscribe implements registry.Authorizer.
func (g *Guard) CanSubscribe(ctx context.Context, userID, channel string) error {
	return g.authorize(ctx, userID, channel)
}

// CanPublish gates the commit paths (messages, reactions, votes, receipts).
// Holding a live subscription is not required — the REST hydration API
// publishes without one — but membership always is.
func (g *Guard) CanPublish(ctx context.Context, userID, channel string) error {
	return g.authorize(ctx, userID, channel)
}

func (g *Guard) authorize(ctx context.Context, userID, channel string) error {
	kind, id, err := chat.SplitChannel(channel)
	if err != nil {
		return syncerr.Validationf("bad channel name %q", channel)
	}

	switch kind {
	case "event":
		ok, err := g.events.IsMember(ctx, id, userID)
		if err != nil {
			return fmt.Errorf("resource: membership check for %s: %w", channel, err)
		}
		if !ok {
			return &syncerr.UnauthorizedError{UserID: userID, Channel: channel}
		}
	case "chat":
		conv, err := g.convs.Get(ctx, id)
		if err != nil {
			return err
		}
		if !conv.HasParticipant(userID) {
			return &syncerr.UnauthorizedError{UserID: userID, Channel: channel}
		}
	}
	return nil
}
