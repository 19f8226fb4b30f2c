package memory

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the author of a message. Only the three constants below
// are valid; anything else is rejected when decoded.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ParseRole validates s against the known roles.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleUser, RoleAssistant, RoleSystem:
		return r, nil
	default:
		return "", fmt.Errorf("invalid message role %q", s)
	}
}

func (r Role) Valid() bool {
	_, err := ParseRole(string(r))
	return err == nil
}

func (r Role) MarshalJSON() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("invalid message role %q", string(r))
	}
	return json.Marshal(string(r))
}

func (r *Role) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Message is a single stored conversation entry.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Metadata is derived from the message list on every save.
type Metadata struct {
	ConversationID string    `json:"conversation_id"`
	MessageCount   int       `json:"message_count"`
	LastUpdated    time.Time `json:"last_updated"`
	TTL            int64     `json:"ttl"`
}

func newMetadata(id string, msgs []Message, ttl time.Duration, now time.Time) Metadata {
	return Metadata{
		ConversationID: id,
		MessageCount:   len(msgs),
		LastUpdated:    now,
		TTL:            int64(ttl / time.Second),
	}
}

func cloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

func stamp(msg Message, now time.Time) Message {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = now
	}
	return msg
}
