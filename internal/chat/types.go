// Package chat defines the persisted entities shared by the sync engines:
// messages with attachments and reactions, and direct-chat conversations.
// JSON field names follow the wire contract the web client already speaks,
// which is why ids marshal as "_id".
package chat

import (
	"fmt"
	"strings"
	"time"
)

// Channel name prefixes. A channel is one event's group chat or one direct
// conversation.
const (
	EventChannelPrefix = "event:"
	ChatChannelPrefix  = "chat:"
)

// Delivery status values for a message in a direct conversation.
const (
	StatusSent = "sent"
	StatusSeen = "seen"
)

// EventChannel returns the channel name for an event's group chat.
func EventChannel(eventID string) string {
	return EventChannelPrefix + eventID
}

// ChatChannel returns the channel name for a direct conversation.
func ChatChannel(conversationID string) string {
	return ChatChannelPrefix + conversationID
}

// SplitChannel splits a channel name into its kind ("event" or "chat") and
// id. Unknown prefixes are rejected.
func SplitChannel(name string) (kind, id string, err error) {
	switch {
	case strings.HasPrefix(name, EventChannelPrefix):
		return "event", strings.TrimPrefix(name, EventChannelPrefix), nil
	case strings.HasPrefix(name, ChatChannelPrefix):
		return "chat", strings.TrimPrefix(name, ChatChannelPrefix), nil
	default:
		return "", "", fmt.Errorf("chat: unknown channel name %q", name)
	}
}

// Attachment is a file reference carried by a message. The binary itself
// lives in external file storage; this core only relays the pointer.
type Attachment struct {
	URL      string `json:"url"`
	Type     string `json:"type"`
	Filename string `json:"filename"`
}

// Reaction is one user's emoji on a message. A user holds at most one
// reaction per emoji per message; re-sending the same emoji toggles it off.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"userId"`
}

// Message is the persisted chat message. Seq is assigned by the store and is
// monotonically increasing within the message's channel; it defines the total
// order every subscriber observes.
type Message struct {
	ID          string       `json:"_id"`
	Channel     string       `json:"-"`
	EventID     string       `json:"eventId,omitempty"`
	ChatID      string       `json:"chatId,omitempty"`
	Seq         int64        `json:"seq"`
	SenderID    string       `json:"senderId"`
	SenderName  string       `json:"senderName,omitempty"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments"`
	Reactions   []Reaction   `json:"reactions"`
	Status      string       `json:"status,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// SetChannel records the channel on the message and fills the matching
// client-facing id field (eventId or chatId).
func (m *Message) SetChannel(channel string) {
	m.Channel = channel
	kind, id, err := SplitChannel(channel)
	if err != nil {
		return
	}
	if kind == "event" {
		m.EventID = id
	} else {
		m.ChatID = id
	}
}

// HasReaction reports whether userID currently holds emoji on the message.
func (m *Message) HasReaction(userID, emoji string) bool {
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}
	return false
}

// Conversation is a direct chat between exactly two users. The pair is
// stored normalized (UserA < UserB) so that one unordered pair maps to
// exactly one conversation.
type Conversation struct {
	ID        string    `json:"_id"`
	UserA     string    `json:"userA"`
	UserB     string    `json:"userB"`
	CreatedAt time.Time `json:"createdAt"`
}

// NormalizePair orders two user ids so that (a,b) and (b,a) produce the same
// key.
func NormalizePair(a, b string) (lo, hi string) {
	if a > b {
		return b, a
	}
	return a, b
}

// HasParticipant reports whether userID is one of the two parties.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID == c.UserA || userID == c.UserB
}

// OtherParticipant returns the partner of userID, or "" if userID is not a
// participant.
func (c *Conversation) OtherParticipant(userID string) string {
	switch userID {
	case c.UserA:
		return c.UserB
	case c.UserB:
		return c.UserA
	default:
		return ""
	}
}
