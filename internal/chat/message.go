package chat

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidMessage = errors.New("invalid chat message")

// Message is one inbound chat frame. The relay keeps the original bytes and never
// re-encodes them; only the "message" field is required, everything else rides along.
type Message struct {
	raw    []byte
	fields map[string]json.RawMessage
}

func ParseMessage(raw []byte) (Message, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, fmt.Errorf("%w: not a JSON object", ErrInvalidMessage)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if v, ok := fields["message"]; !ok || bytes.Equal(v, []byte("null")) {
		return Message{}, fmt.Errorf("%w: missing \"message\"", ErrInvalidMessage)
	}
	return Message{raw: bytes.Clone(trimmed), fields: fields}, nil
}

// Bytes returns the frame exactly as received (surrounding whitespace trimmed).
func (m Message) Bytes() []byte { return m.raw }

// Type returns the optional "type" discriminant, or "" when absent.
func (m Message) Type() string {
	var s string
	_ = json.Unmarshal(m.fields["type"], &s)
	return s
}
