// Package protocol parses the record-streaming protocol emitted by
// extractor and loader plugins: line-delimited JSON objects with a "type"
// discriminator. Only STATE messages are interpreted by the engine; all
// other lines pass through the pipeline untouched.
package protocol

import (
	"bytes"

	"github.com/bytedance/sonic"
)

// Type discriminates record-streaming messages. Unknown is the catch-all
// for lines that are not valid protocol messages; plugin output is
// third-party and not fully trusted, so malformed lines degrade to Unknown
// instead of failing the pipeline.
type Type int

const (
	Unknown Type = iota
	Schema
	Record
	State
)

func (t Type) String() string {
	switch t {
	case Schema:
		return "SCHEMA"
	case Record:
		return "RECORD"
	case State:
		return "STATE"
	default:
		return "UNKNOWN"
	}
}

// Message is one parsed protocol line. Raw always holds the original bytes;
// Value is decoded only for State messages.
type Message struct {
	Type  Type
	Value map[string]any // STATE payload, nil otherwise
	Raw   []byte
}

// envelope captures just the fields the engine inspects.
type envelope struct {
	Type  string         `json:"type"`
	Value map[string]any `json:"value"`
}

// Parse classifies one protocol line. It never returns an error for
// malformed input: such lines come back as Unknown so callers can log and
// forward them unchanged.
func Parse(line []byte) Message {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{Type: Unknown, Raw: line}
	}

	var env envelope
	if err := sonic.Unmarshal(trimmed, &env); err != nil {
		return Message{Type: Unknown, Raw: line}
	}

	switch env.Type {
	case "SCHEMA":
		return Message{Type: Schema, Raw: line}
	case "RECORD":
		return Message{Type: Record, Raw: line}
	case "STATE":
		return Message{Type: State, Value: env.Value, Raw: line}
	default:
		return Message{Type: Unknown, Raw: line}
	}
}
