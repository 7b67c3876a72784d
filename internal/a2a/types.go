// ABOUTME: Wire types for the agent descriptor and task protocol.
// ABOUTME: Defines AgentCard, Task, Artifact, and the kind-tagged Part variants.

package a2a

import (
	"encoding/json"
	"fmt"
	"time"
)

// WellKnownCardPath is the fixed path every agent serves its descriptor on.
const WellKnownCardPath = "/.well-known/agent-card.json"

// AgentCard is the machine-readable advertisement an agent publishes about
// itself: identity, base address, and capability metadata.
type AgentCard struct {
	ID                 string            `json:"id"`
	Name               string            `json:"name"`
	Description        string            `json:"description,omitempty"`
	URL                string            `json:"base_url"`
	Version            string            `json:"version,omitempty"`
	Capabilities       map[string]bool   `json:"capabilities,omitempty"`
	Skills             []AgentSkill      `json:"skills,omitempty"`
	DefaultInputModes  []string          `json:"default_input_modes,omitempty"`
	DefaultOutputModes []string          `json:"default_output_modes,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// AgentSkill describes one unit of capability an agent advertises.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// TaskState enumerates the mutually exclusive states a remote task may be in.
type TaskState string

const (
	TaskStateSubmitted     TaskState = "submitted"
	TaskStateWorking       TaskState = "working"
	TaskStateInputRequired TaskState = "input-required"
	TaskStateCompleted     TaskState = "completed"
	TaskStateFailed        TaskState = "failed"
	TaskStateRejected      TaskState = "rejected"
	TaskStateCanceled      TaskState = "canceled"
	TaskStateUnknown       TaskState = "unknown"
)

// Terminal reports whether the state is final from the agent's point of view.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateRejected, TaskStateCanceled:
		return true
	}
	return false
}

// TaskStatus carries the current state of a remote task plus an optional
// agent-supplied status message.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Task is the agent-side representation of one unit of dispatched work.
type Task struct {
	ID        string     `json:"id"`
	Status    TaskStatus `json:"status"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Message is the payload sent to an agent or returned as a status message.
type Message struct {
	Role  string `json:"role,omitempty"`
	Parts Parts  `json:"parts"`
}

// Text concatenates the message's text parts with newlines.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	var out string
	for _, p := range m.Parts {
		if tp, ok := p.(TextPart); ok {
			if out != "" {
				out += "\n"
			}
			out += tp.Text
		}
	}
	return out
}

// Artifact is an ordered sequence of typed parts produced by a completed task.
type Artifact struct {
	Name  string `json:"name,omitempty"`
	Parts Parts  `json:"parts"`
}

// Part is one typed content segment of a message or artifact. The concrete
// variants form a closed set via the unexported marker method.
type Part interface{ isPart() }

// TextPart is a plain text segment.
type TextPart struct {
	Text string `json:"text"`
}

func (TextPart) isPart() {}

// FilePart is a binary attachment segment with inlined bytes.
type FilePart struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Bytes    []byte `json:"bytes"`
}

func (FilePart) isPart() {}

// Parts is a JSON-encodable slice of Part values. On the wire each part is an
// object carrying a "kind" discriminator: {"kind":"text",...} or
// {"kind":"file",...}.
type Parts []Part

const (
	partKindText = "text"
	partKindFile = "file"
)

type wireTextPart struct {
	Kind string `json:"kind"`
	TextPart
}

type wireFilePart struct {
	Kind string `json:"kind"`
	FilePart
}

// MarshalJSON implements json.Marshaler.
func (ps Parts) MarshalJSON() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(ps))
	for _, p := range ps {
		var (
			raw []byte
			err error
		)
		switch v := p.(type) {
		case TextPart:
			raw, err = json.Marshal(wireTextPart{Kind: partKindText, TextPart: v})
		case FilePart:
			raw, err = json.Marshal(wireFilePart{Kind: partKindFile, FilePart: v})
		default:
			err = fmt.Errorf("unsupported part type %T", p)
		}
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler, dispatching on the "kind" tag.
func (ps *Parts) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}
	parts := make(Parts, 0, len(raws))
	for _, raw := range raws {
		var tag struct {
			Kind string `json:"kind"`
		}
		if err := json.Unmarshal(raw, &tag); err != nil {
			return err
		}
		switch tag.Kind {
		case partKindText:
			var p TextPart
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			parts = append(parts, p)
		case partKindFile:
			var p FilePart
			if err := json.Unmarshal(raw, &p); err != nil {
				return err
			}
			parts = append(parts, p)
		default:
			return fmt.Errorf("unknown part kind %q", tag.Kind)
		}
	}
	*ps = parts
	return nil
}

// NewTextMessage builds a user message with a single text part.
func NewTextMessage(text string) Message {
	return Message{Role: "user", Parts: Parts{TextPart{Text: text}}}
}

// ErrorEnvelope is the fixed error shape agents embed in a text part when a
// task completes but carries a structured failure instead of a payload.
type ErrorEnvelope struct {
	ErrorMessage string `json:"error_message"`
	Detail       string `json:"detail,omitempty"`
}
