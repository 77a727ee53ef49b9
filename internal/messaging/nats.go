// Package messaging provides a NATS client wrapper for channel fan-out
// between sync-server instances. Every logical channel (one event's group
// chat or one direct conversation) maps to a NATS subject; a server instance
// holds at most one subscription per channel, regardless of how many local
// connections are subscribed to it.
package messaging

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectPrefix is the root of all channel subjects. The channel name
// "event:42" maps to "sync.event.42", "chat:7" to "sync.chat.7".
const SubjectPrefix = "sync"

// SubjectFor returns the NATS subject for a logical channel name.
func SubjectFor(channel string) string {
	return SubjectPrefix + "." + strings.ReplaceAll(channel, ":", ".")
}

// NATSClient wraps the NATS connection with helper methods for channel
// pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[*nats.Subscription]string // active subscription -> channel, for draining at Close
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "tripsync",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[*nats.Subscription]string),
	}, nil
}

// PublishChannel publishes data to the channel's subject. All server
// instances holding subscribers for the channel (including this one) receive
// it and fan it out locally.
func (c *NATSClient) PublishChannel(channel string, data []byte) error {
	return c.conn.Publish(SubjectFor(channel), data)
}

// SubscribeChannel subscribes this instance to the channel's subject and
// returns a cancel bound to that subscription. Two live subscriptions for the
// same channel can coexist briefly while the registry drops an old one and
// creates a new one; each cancel tears down only its own.
func (c *NATSClient) SubscribeChannel(channel string, handler func(data []byte)) (func() error, error) {
	subject := SubjectFor(channel)
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[sub] = channel
	c.mu.Unlock()

	cancel := func() error {
		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
		if err := sub.Unsubscribe(); err != nil {
			return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
		}
		return nil
	}
	return cancel, nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for sub, channel := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", channel, err)
		}
	}
	c.subs = make(map[*nats.Subscription]string)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
