package chatsync

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is returned by emissions after an explicit Disconnect.
	ErrNotConnected = errors.New("chatsync: not connected")
	// ErrEmptyMessage is returned when sending blank text.
	ErrEmptyMessage = errors.New("chatsync: empty message")
	// ErrUnknownMessage is returned when a tempId or id is not in the log.
	ErrUnknownMessage = errors.New("chatsync: unknown message")
	// ErrNotFailed is returned by Resend for a message that has not failed.
	ErrNotFailed = errors.New("chatsync: message has not failed")
	// ErrClosed is returned by components used after Close.
	ErrClosed = errors.New("chatsync: closed")
	// ErrTempIDMismatch is returned by Confirm when the echo belongs to another send.
	ErrTempIDMismatch = errors.New("chatsync: tempId mismatch")
	// ErrMissingID is returned by Confirm when the echo carries no durable id.
	ErrMissingID = errors.New("chatsync: server echo without id")
)

// APIError represents an error envelope returned by the REST backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// ============================================================================
// Identifiers
// ============================================================================

// ID is a server-assigned durable identifier. Backends send both JSON strings
// and JSON numbers; both decode to the same textual form.
type ID string

// UnmarshalJSON accepts a JSON string, a JSON number, or null.
func (id *ID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*id = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*id = ID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id must be a string or a number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// ============================================================================
// Message
// ============================================================================

// DeliveryState tracks an optimistic message through confirmation.
type DeliveryState string

const (
	// DeliveryPending: appended locally, no server echo yet.
	DeliveryPending DeliveryState = "pending"
	// DeliverySent: confirmed by the server, or received from it.
	DeliverySent DeliveryState = "sent"
	// DeliveryFailed: no echo within the pending timeout.
	DeliveryFailed DeliveryState = "failed"
)

// Message is one entry of a conversation log.
//
// A message is either pending (TempID set, ID empty) or confirmed (ID set,
// TempID kept if the message was sent from this client). Use NewPending and
// Confirm to move between the two.
type Message struct {
	ID             ID            `json:"id,omitempty"`
	TempID         string        `json:"tempId,omitempty"`
	ConversationID string        `json:"conversationId"`
	SenderID       string        `json:"senderId"`
	Text           string        `json:"text"`
	CreatedAt      time.Time     `json:"createdAt"`
	IsRead         bool          `json:"isRead"`
	State          DeliveryState `json:"deliveryState,omitempty"`
}

// NewPending builds the speculative variant of a local send.
func NewPending(tempID, conversationID, senderID, text string, at time.Time) Message {
	return Message{
		TempID:         tempID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		CreatedAt:      at,
		State:          DeliveryPending,
	}
}

// IsPending reports whether the message is still awaiting its echo.
func (m Message) IsPending() bool { return m.State == DeliveryPending }

// IsFailed reports whether the pending timeout expired without an echo.
func (m Message) IsFailed() bool { return m.State == DeliveryFailed }

// IsConfirmed reports whether the message carries a durable id.
func (m Message) IsConfirmed() bool { return m.ID != "" && m.State != DeliveryPending && m.State != DeliveryFailed }

// Confirm is the transition from a locally sent message to its confirmed
// form. The echo wins for every field it carries; fields it leaves empty are
// kept from the local copy. Confirming an already confirmed message with a
// duplicate echo yields the same result.
func Confirm(local, echo Message) (Message, error) {
	if local.TempID == "" || echo.TempID != local.TempID {
		return Message{}, fmt.Errorf("%w: local %q, echo %q", ErrTempIDMismatch, local.TempID, echo.TempID)
	}
	if echo.ID == "" {
		return Message{}, fmt.Errorf("%w: tempId %q", ErrMissingID, echo.TempID)
	}

	out := echo
	if out.ConversationID == "" {
		out.ConversationID = local.ConversationID
	}
	if out.SenderID == "" {
		out.SenderID = local.SenderID
	}
	if out.Text == "" {
		out.Text = local.Text
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = local.CreatedAt
	}
	out.IsRead = echo.IsRead || local.IsRead
	out.State = DeliverySent
	return out, nil
}

// ============================================================================
// Conversation
// ============================================================================

// Conversation is one inbox entry.
type Conversation struct {
	ID                 string    `json:"id"`
	ParticipantIDs     []string  `json:"participantIds"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
	LastMessageAt      time.Time `json:"lastMessageAt,omitempty"`
	UnreadCount        int       `json:"unreadCount"`
}

// ============================================================================
// Wire payloads
// ============================================================================

// Event names exchanged over the shared connection.
const (
	EventJoinConversation = "join-conversation"
	EventSendMessage      = "send-message"
	EventTyping           = "typing"
	EventStopTyping       = "stop-typing"
	EventUserOnline       = "user-online"

	EventMessageReceived   = "message-received"
	EventUserTyping        = "user-typing"
	EventUserStoppedTyping = "user-stopped-typing"
	EventMessageRead       = "message-read"
)

// Envelope is the wire format for every event, in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// JoinPayload is the body of join-conversation.
type JoinPayload struct {
	ConversationID string `json:"conversationId"`
}

// SendMessagePayload is the body of send-message.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	SenderID       string `json:"senderId"`
	Message        string `json:"message"`
	TempID         string `json:"tempId"`
}

// TypingPayload is the body of typing/stop-typing and of their server-side
// counterparts user-typing/user-stopped-typing.
type TypingPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId"`
}

// PresencePayload is the body of user-online.
type PresencePayload struct {
	UserID string `json:"userId"`
}

// ReadPayload is the body of message-read.
type ReadPayload struct {
	MessageID      ID     `json:"messageId"`
	ConversationID string `json:"conversationId,omitempty"`
}
