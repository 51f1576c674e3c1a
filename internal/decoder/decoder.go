// Package decoder parses Singer-style JSONL messages: SCHEMA, RECORD, STATE
// and ACTIVATE_VERSION lines discriminated by a "type" field.
package decoder

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates wire messages.
type Type string

const (
	TypeRecord          Type = "RECORD"
	TypeSchema          Type = "SCHEMA"
	TypeState           Type = "STATE"
	TypeActivateVersion Type = "ACTIVATE_VERSION"
)

// ErrUnknownType is returned for message types this decoder does not handle.
// Callers skip such messages; taps are allowed to emit types targets ignore.
var ErrUnknownType = errors.New("unknown message type")

// Message is one decoded wire message. Fields are populated according to
// Type; the rest stay zero.
type Message struct {
	Type          Type
	Stream        string
	Record        map[string]any  // RECORD
	Schema        json.RawMessage // SCHEMA
	KeyProperties []string        // SCHEMA
	State         json.RawMessage // STATE
	Version       int64           // ACTIVATE_VERSION
}

type wireMessage struct {
	Type          string          `json:"type"`
	Stream        string          `json:"stream"`
	Record        map[string]any  `json:"record"`
	Schema        json.RawMessage `json:"schema"`
	KeyProperties []string        `json:"key_properties"`
	Value         json.RawMessage `json:"value"`
	Version       int64           `json:"version"`
}

// Decode parses a single message line.
func Decode(line []byte) (*Message, error) {
	var wire wireMessage
	if err := json.Unmarshal(line, &wire); err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	if wire.Type == "" {
		return nil, fmt.Errorf("message has no type field")
	}

	msg := &Message{Type: Type(wire.Type), Stream: wire.Stream}

	switch msg.Type {
	case TypeRecord:
		if wire.Stream == "" {
			return nil, fmt.Errorf("RECORD message has no stream")
		}
		if wire.Record == nil {
			return nil, fmt.Errorf("RECORD message for stream %s has no record", wire.Stream)
		}
		msg.Record = wire.Record

	case TypeSchema:
		if wire.Stream == "" {
			return nil, fmt.Errorf("SCHEMA message has no stream")
		}
		if len(wire.Schema) == 0 {
			return nil, fmt.Errorf("SCHEMA message for stream %s has no schema", wire.Stream)
		}
		msg.Schema = wire.Schema
		msg.KeyProperties = wire.KeyProperties

	case TypeState:
		msg.State = wire.Value

	case TypeActivateVersion:
		if wire.Stream == "" {
			return nil, fmt.Errorf("ACTIVATE_VERSION message has no stream")
		}
		msg.Version = wire.Version

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, wire.Type)
	}

	return msg, nil
}
