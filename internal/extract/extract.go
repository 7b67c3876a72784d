// ABOUTME: Decodes completed task output into text parts, file parts, or typed results.
// ABOUTME: Checks the fixed error-envelope shape before the caller's schema.

package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/perimeterlab/fleetgate/internal/a2a"
	"github.com/perimeterlab/fleetgate/internal/telemetry"
)

// ErrEmptyResult means a completed task carried no text content although the
// caller expected some.
var ErrEmptyResult = errors.New("task completed without any text content")

// TaskNotCompletedError means artifacts were requested from a task that never
// reached the completed state.
type TaskNotCompletedError struct {
	State       a2a.TaskState
	Description string
}

func (e *TaskNotCompletedError) Error() string {
	return fmt.Sprintf("task is %s, not completed: %s", e.State, e.Description)
}

// ResultParseError means a task's text output decoded as neither the error
// envelope nor the caller's schema. Snippet carries a truncated view of the
// raw content for diagnostics.
type ResultParseError struct {
	Description string
	Snippet     string
	Err         error
}

func (e *ResultParseError) Error() string {
	return fmt.Sprintf("could not parse task result for %q: %v (content: %s)", e.Description, e.Err, e.Snippet)
}

func (e *ResultParseError) Unwrap() error { return e.Err }

// ErrorRecorder receives extraction failures for the error history. The
// telemetry store implements it.
type ErrorRecorder interface {
	AddError(rec telemetry.ErrorRecord)
}

const defaultSnippetLimit = 200

// Extractor pulls typed results out of completed tasks. The recorder is
// optional; when set, empty results and parse failures land in the error
// history as well as in the returned error.
type Extractor struct {
	recorder     ErrorRecorder
	snippetLimit int
}

func New(recorder ErrorRecorder, snippetLimit int) *Extractor {
	if snippetLimit <= 0 {
		snippetLimit = defaultSnippetLimit
	}
	return &Extractor{recorder: recorder, snippetLimit: snippetLimit}
}

// Artifacts returns the task's artifacts, requiring the completed state.
func (e *Extractor) Artifacts(task *a2a.Task, description string) ([]a2a.Artifact, error) {
	if task == nil || task.Status.State != a2a.TaskStateCompleted {
		state := a2a.TaskStateUnknown
		if task != nil {
			state = task.Status.State
		}
		return nil, &TaskNotCompletedError{State: state, Description: description}
	}
	return task.Artifacts, nil
}

// TextParts collects every text part across all artifacts, preserving
// artifact and part order. With anyContentExpected true, zero parts is an
// error; with false it is an empty result.
func (e *Extractor) TextParts(artifacts []a2a.Artifact, anyContentExpected bool) ([]string, error) {
	var out []string
	for _, art := range artifacts {
		for _, p := range art.Parts {
			if tp, ok := p.(a2a.TextPart); ok {
				out = append(out, tp.Text)
			}
		}
	}
	if len(out) == 0 && anyContentExpected {
		e.record("task completed without any text content", "", "")
		return nil, ErrEmptyResult
	}
	return out, nil
}

// FileParts collects every file part across all artifacts in order.
func (e *Extractor) FileParts(artifacts []a2a.Artifact) []a2a.FilePart {
	var out []a2a.FilePart
	for _, art := range artifacts {
		for _, p := range art.Parts {
			if fp, ok := p.(a2a.FilePart); ok {
				out = append(out, fp)
			}
		}
	}
	return out
}

// Decoded is the outcome of DecodeResult. When Envelope is set, the agent
// reported a structured error and target was left untouched; otherwise the
// payload was decoded into target.
type Decoded struct {
	Envelope *a2a.ErrorEnvelope
}

// IsError reports whether the agent returned the error envelope.
func (d Decoded) IsError() bool { return d.Envelope != nil }

// DecodeResult decodes the first text part of a completed task's output.
// The fixed error-envelope shape is always tried first: an envelope with a
// non-empty error_message wins regardless of what target expects. Anything
// else is decoded strictly into target, rejecting fields target does not
// declare, so a payload meant for some other schema fails as a
// ResultParseError instead of decoding into a zero value. The error carries
// the task description and a truncated content snippet.
func (e *Extractor) DecodeResult(artifacts []a2a.Artifact, description string, target any) (Decoded, error) {
	texts, err := e.TextParts(artifacts, true)
	if err != nil {
		return Decoded{}, err
	}
	raw := texts[0]

	var envelope a2a.ErrorEnvelope
	if jerr := json.Unmarshal([]byte(raw), &envelope); jerr == nil && envelope.ErrorMessage != "" {
		return Decoded{Envelope: &envelope}, nil
	}

	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if jerr := dec.Decode(target); jerr != nil {
		snippet := truncate(raw, e.snippetLimit)
		e.record(fmt.Sprintf("unparseable task result: %v", jerr), description, snippet)
		return Decoded{}, &ResultParseError{Description: description, Snippet: snippet, Err: jerr}
	}
	return Decoded{}, nil
}

func (e *Extractor) record(msg, description, snippet string) {
	if e.recorder == nil {
		return
	}
	if description != "" {
		msg = fmt.Sprintf("%s (task: %s)", msg, truncate(description, e.snippetLimit))
	}
	if snippet != "" {
		msg = fmt.Sprintf("%s (content: %s)", msg, snippet)
	}
	e.recorder.AddError(telemetry.ErrorRecord{
		Timestamp: time.Now().UTC(),
		Message:   msg,
		Component: "extract",
	})
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
