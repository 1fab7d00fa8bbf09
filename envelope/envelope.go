// Package envelope defines the typed message contract exchanged between
// pipeline stages and the codec that enforces it on the wire. Stages never
// share in-process types; everything they say to each other passes through
// here.
package envelope

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/Yash-Kakadiya/salesops-suite/fault"
)

// Type identifies the role of a message within a conversation.
type Type string

const (
	TypeRequest  Type = "REQUEST"
	TypeResponse Type = "RESPONSE"
	TypeEvent    Type = "EVENT"
	TypeError    Type = "ERROR"
)

// IsValid checks if the type is one of the four known values.
func (t Type) IsValid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeEvent, TypeError:
		return true
	}
	return false
}

// String returns the string representation of the type.
func (t Type) String() string {
	return string(t)
}

// Status reports how a stage completed. Present only on RESPONSE and ERROR.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// IsValid checks if the status is one of the three known values.
func (s Status) IsValid() bool {
	switch s {
	case StatusSuccess, StatusPartial, StatusFailed:
		return true
	}
	return false
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// ErrorPayload is the payload every ERROR envelope carries.
type ErrorPayload struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Envelope is the unit of inter-stage communication.
type Envelope struct {
	MessageID      string          `json:"message_id"`
	ConversationID string          `json:"conversation_id"`
	Sender         string          `json:"sender"`
	Recipient      string          `json:"recipient"`
	Type           Type            `json:"type"`
	Task           string          `json:"task,omitempty"`
	InReplyTo      string          `json:"in_reply_to,omitempty"`
	Status         Status          `json:"status,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// NewRequest builds a REQUEST envelope asking recipient to run task.
func NewRequest(conversationID, sender, recipient, task string, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		MessageID:      uuid.NewString(),
		ConversationID: conversationID,
		Sender:         sender,
		Recipient:      recipient,
		Type:           TypeRequest,
		Task:           task,
		Payload:        raw,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// NewResponse builds a RESPONSE answering req. Sender and recipient are
// swapped from the request.
func NewResponse(req *Envelope, status Status, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		MessageID:      uuid.NewString(),
		ConversationID: req.ConversationID,
		Sender:         req.Recipient,
		Recipient:      req.Sender,
		Type:           TypeResponse,
		InReplyTo:      req.MessageID,
		Status:         status,
		Payload:        raw,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// NewError builds an ERROR answering req. Status is always failed and the
// payload carries the message and code.
func NewError(req *Envelope, code string, cause error) *Envelope {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	raw, _ := json.Marshal(ErrorPayload{Error: msg, Code: code})
	return &Envelope{
		MessageID:      uuid.NewString(),
		ConversationID: req.ConversationID,
		Sender:         req.Recipient,
		Recipient:      req.Sender,
		Type:           TypeError,
		InReplyTo:      req.MessageID,
		Status:         StatusFailed,
		Payload:        raw,
		CreatedAt:      time.Now().UTC(),
	}
}

// NewEvent builds a one-way EVENT notification.
func NewEvent(conversationID, sender, recipient string, payload any) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		MessageID:      uuid.NewString(),
		ConversationID: conversationID,
		Sender:         sender,
		Recipient:      recipient,
		Type:           TypeEvent,
		Payload:        raw,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fault.SchemaViolation("payload", "not serializable: "+err.Error())
	}
	return raw, nil
}

// Validate checks the structural invariants that hold for a single envelope
// regardless of conversation history.
func (e *Envelope) Validate() error {
	if e.MessageID == "" {
		return fault.SchemaViolation("message_id", "required")
	}
	if e.ConversationID == "" {
		return fault.SchemaViolation("conversation_id", "required")
	}
	if e.Sender == "" {
		return fault.SchemaViolation("sender", "required")
	}
	if e.Recipient == "" {
		return fault.SchemaViolation("recipient", "required")
	}
	if !e.Type.IsValid() {
		return fault.SchemaViolation("type", "unknown value "+string(e.Type))
	}
	if e.CreatedAt.IsZero() {
		return fault.SchemaViolation("created_at", "required")
	}

	switch e.Type {
	case TypeRequest:
		if e.Task == "" {
			return fault.SchemaViolation("task", "required on REQUEST")
		}
		if e.Status != "" {
			return fault.SchemaViolation("status", "not allowed on REQUEST")
		}
		if e.InReplyTo != "" {
			return fault.SchemaViolation("in_reply_to", "not allowed on REQUEST")
		}
	case TypeResponse, TypeError:
		if e.Task != "" {
			return fault.SchemaViolation("task", "only allowed on REQUEST")
		}
		if e.InReplyTo == "" {
			return fault.SchemaViolation("in_reply_to", "required on "+string(e.Type))
		}
		if !e.Status.IsValid() {
			return fault.SchemaViolation("status", "unknown value "+string(e.Status))
		}
		if e.Type == TypeError {
			if e.Status != StatusFailed {
				return fault.SchemaViolation("status", "ERROR requires status failed")
			}
			var ep ErrorPayload
			if err := json.Unmarshal(e.Payload, &ep); err != nil || ep.Error == "" || ep.Code == "" {
				return fault.SchemaViolation("payload", "ERROR requires error and code")
			}
		}
	case TypeEvent:
		if e.Task != "" {
			return fault.SchemaViolation("task", "only allowed on REQUEST")
		}
		if e.Status != "" {
			return fault.SchemaViolation("status", "not allowed on EVENT")
		}
		if e.InReplyTo != "" {
			return fault.SchemaViolation("in_reply_to", "not allowed on EVENT")
		}
	}
	return nil
}

// Marshal validates the envelope and returns its JSON encoding. Unlike
// Codec.Encode it applies no conversation-scoped rules, which suits one-way
// EVENT notifications that no reply will ever reference.
func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fault.SchemaViolation("", "encode: "+err.Error())
	}
	return data, nil
}

// DecodePayload unmarshals the payload into out.
func (e *Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return fault.SchemaViolation("payload", "empty")
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fault.SchemaViolation("payload", err.Error())
	}
	return nil
}
