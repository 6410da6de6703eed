package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Errors for bus operations.
var (
	ErrInvalidMessage = errors.New("invalid message")
	ErrNotFound       = errors.New("message not found")
	ErrRequestTimeout = errors.New("request timed out")
	ErrClosed         = errors.New("bus is closed")
)

// MessageType identifies the kind of message on the bus.
type MessageType string

const (
	TypeCommand      MessageType = "command"
	TypeStatusUpdate MessageType = "status_update"
	TypeEvent        MessageType = "event"
	TypeQuery        MessageType = "query"
	TypeResponse     MessageType = "response"
	TypeError        MessageType = "error"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case TypeCommand, TypeStatusUpdate, TypeEvent, TypeQuery, TypeResponse, TypeError:
		return true
	}
	return false
}

// Priority orders messages by urgency.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// CommandBody instructs a department to perform an action.
type CommandBody struct {
	Action string         `json:"action"`
	Target string         `json:"target,omitempty"`
	Params map[string]any `json:"params,omitempty"`
}

// StatusBody reports task or step progress back to the director.
type StatusBody struct {
	State   string             `json:"state"`
	StepID  string             `json:"stepId,omitempty"`
	Detail  string             `json:"detail,omitempty"`
	Metrics map[string]float64 `json:"metrics,omitempty"`
}

// EventBody announces something that happened.
type EventBody struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

// QueryBody asks a question expecting a response.
type QueryBody struct {
	Subject string         `json:"subject"`
	Params  map[string]any `json:"params,omitempty"`
}

// ResultBody answers a query or command.
type ResultBody struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// Body is the message content. Exactly one member should be set; which one
// acts as the discriminator. Raw is the escape hatch for payloads with a
// genuinely dynamic schema (department task params).
type Body struct {
	Command *CommandBody   `json:"command,omitempty"`
	Status  *StatusBody    `json:"status,omitempty"`
	Event   *EventBody     `json:"event,omitempty"`
	Query   *QueryBody     `json:"query,omitempty"`
	Result  *ResultBody    `json:"result,omitempty"`
	Raw     map[string]any `json:"raw,omitempty"`
}

// Kind returns the name of the set member, or "" when the body is empty.
func (b Body) Kind() string {
	switch {
	case b.Command != nil:
		return "command"
	case b.Status != nil:
		return "status"
	case b.Event != nil:
		return "event"
	case b.Query != nil:
		return "query"
	case b.Result != nil:
		return "result"
	case b.Raw != nil:
		return "raw"
	}
	return ""
}

// IsZero reports whether no member is set.
func (b Body) IsZero() bool {
	return b.Kind() == ""
}

// Message is the unit of communication between director protocol components.
type Message struct {
	ID               string            `json:"id"`
	Type             MessageType       `json:"type"`
	Sender           string            `json:"sender"`
	Receiver         string            `json:"receiver,omitempty"`
	Content          Body              `json:"content"`
	Priority         Priority          `json:"priority"`
	Timestamp        time.Time         `json:"timestamp"`
	Seq              uint64            `json:"seq"`
	RetryCount       int               `json:"retryCount"`
	MaxRetries       int               `json:"maxRetries"`
	CorrelationID    string            `json:"correlationId,omitempty"`
	ReplyTo          string            `json:"replyTo,omitempty"`
	RequiresResponse bool              `json:"requiresResponse,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// NewMessage creates a message with generated id, current timestamp, and
// normal priority. The caller sets Receiver and adjusts Priority as needed.
func NewMessage(msgType MessageType, sender string, content Body) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Sender:    sender,
		Content:   content,
		Priority:  PriorityNormal,
		Timestamp: time.Now().UTC(),
	}
}

// Validate checks the fields required before a message may be published.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if m.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	if m.Sender == "" {
		return fmt.Errorf("%w: missing sender", ErrInvalidMessage)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidMessage)
	}
	if m.Content.IsZero() {
		return fmt.Errorf("%w: empty content", ErrInvalidMessage)
	}
	if !m.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidMessage, m.Priority)
	}
	return nil
}

// clone returns a copy safe to hand to subscribers.
func (m *Message) clone() *Message {
	cp := *m
	if m.Metadata != nil {
		cp.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Filter selects messages for a subscriber. All set fields must match
// (logical AND); a zero filter matches everything.
type Filter struct {
	Type     MessageType
	Priority Priority
	Sender   string
	Receiver string
	Tag      string // matches Metadata["tag"]
}

// Matches reports whether the message satisfies every set field.
func (f Filter) Matches(m *Message) bool {
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if f.Priority != "" && m.Priority != f.Priority {
		return false
	}
	if f.Sender != "" && m.Sender != f.Sender {
		return false
	}
	if f.Receiver != "" && m.Receiver != f.Receiver {
		return false
	}
	if f.Tag != "" && m.Metadata["tag"] != f.Tag {
		return false
	}
	return true
}

// Handler consumes a matched message. A non-nil error requeues the message
// until its retry budget is exhausted.
type Handler func(ctx context.Context, msg *Message) error

// Stats is a point-in-time view of bus activity.
type Stats struct {
	Published     uint64        `json:"published"`
	Processed     uint64        `json:"processed"`
	Rejected      uint64        `json:"rejected"`
	Pending       int           `json:"pending"`
	Subscribers   int           `json:"subscribers"`
	AvgLatency    time.Duration `json:"avgLatency"`
	LastGCRemoved int           `json:"lastGcRemoved"`
}
