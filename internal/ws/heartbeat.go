package ws

import (
	"log"
	"time"

	"github.com/gobwas/ws"
)

// HeartbeatConfig tunes the stale-connection sweep.
type HeartbeatConfig struct {
	Interval time.Duration // time between sweeps
	Timeout  time.Duration // extra grace beyond Interval before a connection is stale
}

// DefaultHeartbeatConfig returns the defaults used by the sync server: a
// sweep every 30s with 10s of grace.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
	}
}

// StartHeartbeat launches the sweep goroutine. Each tick, every connection
// without a successful read inside Interval+Timeout is dropped (which also
// releases its channel subscriptions via the disconnect hook); the rest get
// a protocol-level ping. The goroutine exits when the server's done channel
// closes.
func StartHeartbeat(server *Server, config HeartbeatConfig) {
	go func() {
		ticker := time.NewTicker(config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-server.done:
				return
			case <-ticker.C:
				sweepConnections(server, config)
			}
		}
	}()
}

func sweepConnections(server *Server, config HeartbeatConfig) {
	deadline := config.Interval + config.Timeout
	now := time.Now()

	for _, c := range server.Connections().All() {
		if now.Sub(c.LastPing) > deadline {
			log.Printf("ws: dropping stale session=%s idle=%s",
				c.ID, now.Sub(c.LastPing).Round(time.Second))
			server.RemoveConnection(c)
			continue
		}

		// Browsers answer the ping frame automatically, so a live but quiet
		// client refreshes LastPing without any application traffic.
		if err := c.WritePing(); err != nil {
			log.Printf("ws: ping failed session=%s: %v", c.ID, err)
			server.RemoveConnection(c)
		}
	}
}

// WritePing sends a protocol-level ping frame, serialized with application
// writes by the connection's write mutex.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}
