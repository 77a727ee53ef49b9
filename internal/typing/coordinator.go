// Package typing implements the presence/typing coordinator: a deliberately
// lossy broadcast path for short-lived "who is typing" signals. Nothing here
// touches the durable log; signals that miss a subscriber are simply gone,
// and the consuming client expires the indicator on its own timer.
package typing

import (
	"context"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tripsync/sync-server/internal/chat"
	"github.com/tripsync/sync-server/internal/metrics"
	"github.com/tripsync/sync-server/internal/protocol"
)

// CoalesceWindow suppresses identical re-broadcasts from the same user in the
// same channel. Clients hold the indicator for 1.2-1.5s, so one signal per
// window is enough.
const CoalesceWindow = 700 * time.Millisecond

// coalescePrefix is the Redis key prefix for suppression markers.
const coalescePrefix = "typing:"

// Publisher delivers a signal to every channel subscriber except the
// originator, who must never receive their own typing echo.
type Publisher interface {
	PublishSkipOrigin(channel, originUserID string, payload []byte) error
}

// Coordinator coalesces and broadcasts typing signals.
type Coordinator struct {
	rdb    *redis.Client
	pub    Publisher
	window time.Duration
}

// NewCoordinator creates a Coordinator using the given Redis client for
// cross-instance coalescing.
func NewCoordinator(rdb *redis.Client, pub Publisher) *Coordinator {
	return &Coordinator{rdb: rdb, pub: pub, window: CoalesceWindow}
}

// Notify broadcasts a typing signal from userID on the channel to every other
// subscriber. A signal from the same user in the same channel within the
// coalescing window is dropped. Redis errors fail open: a coalescing outage
// degrades to duplicate signals, never to lost ones.
func (c *Coordinator) Notify(ctx context.Context, channel, userID, displayName string) error {
	kind, id, err := chat.SplitChannel(channel)
	if err != nil {
		return err
	}

	key := coalescePrefix + channel + ":" + userID
	set, err := c.rdb.SetNX(ctx, key, "1", c.window).Result()
	if err != nil {
		log.Printf("typing: redis SETNX error key=%s: %v (failing open)", key, err)
	} else if !set {
		return nil // coalesced
	}

	msg := protocol.ServerTypingMsg{
		UserID:   userID,
		UserName: displayName,
	}
	eventType := protocol.TypeTyping
	if kind == "chat" {
		eventType = protocol.TypeDMTyping
		msg.ChatID = id
	} else {
		msg.EventID = id
	}

	payload, err := protocol.NewServerMessage(eventType, msg)
	if err != nil {
		return err
	}
	if err := c.pub.PublishSkipOrigin(channel, userID, payload); err != nil {
		// Typing has no durability requirement; dropped signals under
		// backpressure are acceptable. Log and move on.
		log.Printf("typing: publish on %s failed: %v", channel, err)
		return nil
	}

	metrics.EventsTotal.WithLabelValues("typing").Inc()
	return nil
}
