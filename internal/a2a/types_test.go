// ABOUTME: Tests for wire type JSON encoding, part discrimination, and state helpers.
// ABOUTME: Verifies kind tags round-trip and unknown kinds are rejected.

package a2a

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartsMarshalKindTags(t *testing.T) {
	parts := Parts{
		TextPart{Text: "hello"},
		FilePart{Name: "report.html", MimeType: "text/html", Bytes: []byte("<html>")},
	}

	data, err := json.Marshal(parts)
	require.NoError(t, err)

	var raw []map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	require.Len(t, raw, 2)
	assert.Equal(t, "text", raw[0]["kind"])
	assert.Equal(t, "hello", raw[0]["text"])
	assert.Equal(t, "file", raw[1]["kind"])
	assert.Equal(t, "report.html", raw[1]["name"])
}

func TestPartsUnmarshalPreservesOrder(t *testing.T) {
	data := []byte(`[
		{"kind":"text","text":"first"},
		{"kind":"file","name":"a.bin","mime_type":"application/octet-stream","bytes":"AQI="},
		{"kind":"text","text":"second"}
	]`)

	var parts Parts
	require.NoError(t, json.Unmarshal(data, &parts))
	require.Len(t, parts, 3)

	tp, ok := parts[0].(TextPart)
	require.True(t, ok)
	assert.Equal(t, "first", tp.Text)

	fp, ok := parts[1].(FilePart)
	require.True(t, ok)
	assert.Equal(t, "a.bin", fp.Name)
	assert.Equal(t, []byte{1, 2}, fp.Bytes)

	tp, ok = parts[2].(TextPart)
	require.True(t, ok)
	assert.Equal(t, "second", tp.Text)
}

func TestPartsUnmarshalUnknownKind(t *testing.T) {
	var parts Parts
	err := json.Unmarshal([]byte(`[{"kind":"video","uri":"x"}]`), &parts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown part kind")
}

func TestTaskStateTerminal(t *testing.T) {
	terminal := []TaskState{TaskStateCompleted, TaskStateFailed, TaskStateRejected, TaskStateCanceled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), "state %s should be terminal", s)
	}

	active := []TaskState{TaskStateSubmitted, TaskStateWorking, TaskStateInputRequired, TaskStateUnknown}
	for _, s := range active {
		assert.False(t, s.Terminal(), "state %s should not be terminal", s)
	}
}

func TestMessageText(t *testing.T) {
	msg := &Message{Parts: Parts{
		TextPart{Text: "one"},
		FilePart{Name: "skip.bin"},
		TextPart{Text: "two"},
	}}
	assert.Equal(t, "one\ntwo", msg.Text())

	var nilMsg *Message
	assert.Equal(t, "", nilMsg.Text())
}

func TestTaskRoundTrip(t *testing.T) {
	task := Task{
		ID:     "t-1",
		Status: TaskStatus{State: TaskStateCompleted},
		Artifacts: []Artifact{
			{Name: "result", Parts: Parts{TextPart{Text: `{"ok":true}`}}},
		},
	}

	data, err := json.Marshal(task)
	require.NoError(t, err)

	var decoded Task
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, task.ID, decoded.ID)
	assert.Equal(t, TaskStateCompleted, decoded.Status.State)
	require.Len(t, decoded.Artifacts, 1)
	assert.Equal(t, Parts{TextPart{Text: `{"ok":true}`}}, decoded.Artifacts[0].Parts)
}
