// Package conversation resolves an unordered pair of user ids to the single
// direct conversation between them, creating it on first contact.
package conversation

import (
	"context"
	"fmt"

	"github.com/tripsync/sync-server/internal/chat"
	"github.com/tripsync/sync-server/internal/syncerr"
)

// Store is the durable conversation port. FindOrCreate must be backed by a
// uniqueness constraint on the normalized pair so that two racing
// first-contact requests converge on one conversation — never
// check-then-insert.
type Store interface {
	FindOrCreate(ctx context.Context, userA, userB string) (conv chat.Conversation, created bool, err error)
	Get(ctx context.Context, id string) (chat.Conversation, error)
}

// Identity verifies that a user id exists in the identity namespace.
type Identity interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// Resolver maps user pairs to conversations.
type Resolver struct {
	store    Store
	identity Identity
}

// NewResolver creates a Resolver.
func NewResolver(store Store, identity Identity) *Resolver {
	return &Resolver{store: store, identity: identity}
}

// Open returns the conversation between the two users, creating it if this is
// first contact. The pair is order-independent: Open(a,b) and Open(b,a)
// always yield the same conversation, concurrent calls included.
func (r *Resolver) Open(ctx context.Context, userA, userB string) (chat.Conversation, error) {
	if userA == "" || userB == "" {
		return chat.Conversation{}, syncerr.Validationf("both user ids are required")
	}
	if userA == userB {
		return chat.Conversation{}, syncerr.Validationf("cannot open a conversation with yourself")
	}

	lo, hi := chat.NormalizePair(userA, userB)
	for _, id := range []string{lo, hi} {
		ok, err := r.identity.Exists(ctx, id)
		if err != nil {
			return chat.Conversation{}, fmt.Errorf("conversation: verify user %s: %w", id, err)
		}
		if !ok {
			return chat.Conversation{}, syncerr.NotFound("user", id)
		}
	}

	conv, _, err := r.store.FindOrCreate(ctx, lo, hi)
	if err != nil {
		return chat.Conversation{}, fmt.Errorf("conversation: resolve %s/%s: %w", lo, hi, err)
	}
	return conv, nil
}

// Get returns a conversation by id.
func (r *Resolver) Get(ctx context.Context, id string) (chat.Conversation, error) {
	return r.store.Get(ctx, id)
}
