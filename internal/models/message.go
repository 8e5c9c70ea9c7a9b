package models

import (
	"encoding/json"
	"time"
)

// MessageKind tags one framed record from an agent process. The set is closed.
type MessageKind string

const (
	// KindInit is the agent's own initialization record (type=system, subtype=init).
	KindInit MessageKind = "init"
	// KindSystem is any other lifecycle record: system, result, rate-limit notices.
	KindSystem MessageKind = "system"
	// KindAssistant is assistant text output.
	KindAssistant MessageKind = "assistant"
	// KindTool is a tool invocation or the result fed back for one.
	KindTool MessageKind = "tool"
	// KindRaw is a stdout line that did not parse as a record.
	KindRaw MessageKind = "raw"
	// KindStderr is text read from the process error stream.
	KindStderr MessageKind = "stderr"
)

// Structured reports whether messages of this kind carry a decoded payload.
func (k MessageKind) Structured() bool {
	switch k {
	case KindInit, KindSystem, KindAssistant, KindTool:
		return true
	default:
		return false
	}
}

// Message is one framed record owned by a session. It is never mutated after append.
type Message struct {
	Kind      MessageKind     `json:"kind"`
	Type      string          `json:"type,omitempty"`
	Subtype   string          `json:"subtype,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Text      string          `json:"text,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}
