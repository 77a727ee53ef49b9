// Package protocol defines the WebSocket message types and structures spoken
// between the web client and the sync server. All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeAuthUser        = "auth:user"
	TypeJoinEvent       = "join:event"
	TypeLeaveEvent      = "leave:event"
	TypeDMJoin          = "dm:join"
	TypeMessageCreate   = "message:create"
	TypeMessageReaction = "message:reaction"
	TypeTyping          = "typing"
	TypeDMMessage       = "dm:message"
	TypeDMTyping        = "dm:typing"
	TypeDMSeen          = "dm:seen"
	TypePollCreate      = "poll:create"
	TypePollVote        = "poll:vote"
	TypePollVoteRemoved = "poll:vote_removed"
	TypePing            = "ping"
)

// Server -> Client message types. The channel-scoped events reuse the client
// type names: a committed message:create is re-broadcast as message:create
// carrying the full server-confirmed message.
const (
	TypeSessionCreated = "session:created"
	TypeChannelJoined  = "channel:joined"
	TypeError          = "error"
	TypePong           = "pong"
)

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// AuthUserMsg binds the verified user identity to the connection. The user id
// has already been authenticated by the identity service in front of this
// layer; the sync core trusts it.
type AuthUserMsg struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

// JoinEventMsg subscribes the connection to an event's group-chat channel.
type JoinEventMsg struct {
	Type    string `json:"type"`
	EventID string `json:"eventId"`
}

// LeaveEventMsg unsubscribes the connection from an event channel.
type LeaveEventMsg struct {
	Type    string `json:"type"`
	EventID string `json:"eventId"`
}

// DMJoinMsg subscribes the connection to a direct-conversation channel.
type DMJoinMsg struct {
	Type   string `json:"type"`
	ChatID string `json:"chatId"`
}

// AttachmentRef is a file pointer carried on an outgoing message.
type AttachmentRef struct {
	URL      string `json:"url"`
	Type     string `json:"type"`
	Filename string `json:"filename"`
}

// MessageCreateMsg posts a new message to an event channel. Text may be empty
// when attachments are present.
type MessageCreateMsg struct {
	Type        string          `json:"type"`
	EventID     string          `json:"eventId"`
	Text        string          `json:"text"`
	Attachments []AttachmentRef `json:"attachments"`
}

// MessageReactionMsg toggles the sender's emoji on a message.
type MessageReactionMsg struct {
	Type      string `json:"type"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
}

// TypingMsg signals that the sender is typing in an event channel.
type TypingMsg struct {
	Type     string `json:"type"`
	EventID  string `json:"eventId"`
	UserName string `json:"userName"`
}

// DMMessageMsg posts a new message to a direct conversation.
type DMMessageMsg struct {
	Type        string          `json:"type"`
	ChatID      string          `json:"chatId"`
	Text        string          `json:"text"`
	Attachments []AttachmentRef `json:"attachments"`
}

// DMTypingMsg signals that the sender is typing in a direct conversation.
type DMTypingMsg struct {
	Type     string `json:"type"`
	ChatID   string `json:"chatId"`
	UserName string `json:"userName"`
}

// DMSeenMsg marks the listed messages as seen by the sender.
type DMSeenMsg struct {
	Type       string   `json:"type"`
	ChatID     string   `json:"chatId"`
	MessageIDs []string `json:"messageIds"`
}

// PollCreateMsg creates a poll on an event channel.
type PollCreateMsg struct {
	Type     string   `json:"type"`
	EventID  string   `json:"eventId"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// PollVoteMsg casts or replaces the sender's vote on a poll.
type PollVoteMsg struct {
	Type     string `json:"type"`
	PollID   string `json:"pollId"`
	OptionID string `json:"optionId"`
}

// PollVoteRemovedMsg withdraws the sender's vote from a poll.
type PollVoteRemovedMsg struct {
	Type   string `json:"type"`
	PollID string `json:"pollId"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent by the server when a new connection is
// established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// ChannelJoinedMsg is the bootstrap snapshot sent after a successful
// subscribe: the member list (event channels) and the recent message tail.
// Full history comes from the REST hydration endpoints.
type ChannelJoinedMsg struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
	Members any    `json:"members,omitempty"`
	Recent  any    `json:"recent"`
}

// ServerTypingMsg relays a typing signal to the other channel subscribers.
type ServerTypingMsg struct {
	Type     string `json:"type"`
	EventID  string `json:"eventId,omitempty"`
	ChatID   string `json:"chatId,omitempty"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// ServerSeenMsg broadcasts which messages flipped to seen.
type ServerSeenMsg struct {
	Type       string   `json:"type"`
	ChatID     string   `json:"chatId"`
	MessageIDs []string `json:"messageIds"`
	Status     string   `json:"status"`
}

// ServerPollStateMsg carries the complete authoritative poll after a vote is
// cast, replaced, or removed, so subscribers replace their local copy
// wholesale.
type ServerPollStateMsg struct {
	Type   string `json:"type"`
	PollID string `json:"pollId"`
	Poll   any    `json:"poll"`
}

// ErrorMsg is sent by the server to communicate an error condition to the
// originating caller. It is never broadcast.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeAuthUser:
		var m AuthUserMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinEvent:
		var m JoinEventMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeaveEvent:
		var m LeaveEventMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDMJoin:
		var m DMJoinMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageCreate:
		var m MessageCreateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageReaction:
		var m MessageReactionMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDMMessage:
		var m DMMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDMTyping:
		var m DMTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeDMSeen:
		var m DMSeenMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePollCreate:
		var m PollCreateMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePollVote:
		var m PollVoteMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePollVoteRemoved:
		var m PollVoteRemovedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// may be any marshalable value (a Server*Msg struct, a chat.Message, a full
// poll); this function marshals it to JSON, injects the type field, and
// returns the final bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
