package envelope

import (
	"encoding/json"
	"sync"

	"github.com/Yash-Kakadiya/salesops-suite/fault"
)

// Conversation tracks the envelopes seen within one run so that replies can
// be checked against the requests they answer and message ids stay unique.
type Conversation struct {
	mu       sync.Mutex
	id       string
	seen     map[string]struct{}
	requests map[string]struct{}
}

// NewConversation creates an empty conversation log for the given id.
func NewConversation(id string) *Conversation {
	return &Conversation{
		id:       id,
		seen:     make(map[string]struct{}),
		requests: make(map[string]struct{}),
	}
}

// ID returns the conversation id.
func (c *Conversation) ID() string {
	return c.id
}

// observe records an envelope after it passed validation. Fails when the
// message id was already used in this conversation or the envelope belongs
// to a different conversation.
func (c *Conversation) observe(e *Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e.ConversationID != c.id {
		return fault.SchemaViolation("conversation_id", "envelope belongs to conversation "+e.ConversationID)
	}
	if _, dup := c.seen[e.MessageID]; dup {
		return fault.SchemaViolation("message_id", "duplicate within conversation")
	}
	c.seen[e.MessageID] = struct{}{}
	if e.Type == TypeRequest {
		c.requests[e.MessageID] = struct{}{}
	}
	return nil
}

// hasRequest reports whether a REQUEST with the given message id was seen.
func (c *Conversation) hasRequest(messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.requests[messageID]
	return ok
}

// Len returns the number of envelopes observed so far.
func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

// Codec validates and (de)serializes envelopes against one conversation.
// Both directions run the full schema check: a malformed envelope is
// rejected whether it is being produced or consumed.
type Codec struct {
	conv *Conversation
}

// NewCodec creates a codec bound to a conversation log.
func NewCodec(conv *Conversation) *Codec {
	return &Codec{conv: conv}
}

// Encode validates the envelope, records it in the conversation and returns
// its JSON encoding.
func (c *Codec) Encode(e *Envelope) ([]byte, error) {
	if err := c.check(e); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fault.SchemaViolation("", "encode: "+err.Error())
	}
	return data, nil
}

// Decode parses and validates raw bytes, records the envelope in the
// conversation and returns it.
func (c *Codec) Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fault.SchemaViolation("", "invalid JSON: "+err.Error())
	}
	if err := c.check(&e); err != nil {
		return nil, err
	}
	return &e, nil
}

// check runs single-envelope validation plus the conversation-scoped rules:
// a reply must reference a REQUEST already seen in this conversation.
func (c *Codec) check(e *Envelope) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.InReplyTo != "" && !c.conv.hasRequest(e.InReplyTo) {
		return fault.SchemaViolation("in_reply_to", "no REQUEST "+e.InReplyTo+" in conversation")
	}
	return c.conv.observe(e)
}
