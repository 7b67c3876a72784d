// ABOUTME: Tests for result extraction and typed decoding.
// ABOUTME: Covers the envelope-before-schema rule, empty results, and parse failures.

package extract

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeterlab/fleetgate/internal/a2a"
	"github.com/perimeterlab/fleetgate/internal/telemetry"
)

type checkOutcome struct {
	Passed  bool   `json:"passed"`
	Details string `json:"details"`
}

func textArtifacts(texts ...string) []a2a.Artifact {
	var parts a2a.Parts
	for _, t := range texts {
		parts = append(parts, a2a.TextPart{Text: t})
	}
	return []a2a.Artifact{{Parts: parts}}
}

func newExtractor() (*Extractor, *telemetry.Store) {
	tel := telemetry.New(16, 16, 16, nil, slog.New(slog.DiscardHandler))
	return New(tel, 50), tel
}

func TestArtifactsRequiresCompleted(t *testing.T) {
	e, _ := newExtractor()

	task := &a2a.Task{Status: a2a.TaskStatus{State: a2a.TaskStateWorking}}
	_, err := e.Artifacts(task, "check the login page")
	var notDone *TaskNotCompletedError
	require.ErrorAs(t, err, &notDone)
	assert.Equal(t, a2a.TaskStateWorking, notDone.State)
	assert.Contains(t, notDone.Error(), "check the login page")

	task.Status.State = a2a.TaskStateCompleted
	task.Artifacts = textArtifacts("done")
	arts, err := e.Artifacts(task, "check the login page")
	require.NoError(t, err)
	assert.Len(t, arts, 1)
}

func TestTextPartsPreservesOrder(t *testing.T) {
	e, _ := newExtractor()

	arts := []a2a.Artifact{
		{Parts: a2a.Parts{a2a.TextPart{Text: "first"}, a2a.FilePart{Name: "shot.png"}, a2a.TextPart{Text: "second"}}},
		{Parts: a2a.Parts{a2a.TextPart{Text: "third"}}},
	}
	texts, err := e.TextParts(arts, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, texts)
}

func TestTextPartsEmpty(t *testing.T) {
	e, tel := newExtractor()

	texts, err := e.TextParts(nil, false)
	require.NoError(t, err)
	assert.Empty(t, texts)
	assert.Empty(t, tel.Errors(10, telemetry.ErrorFilter{}))

	_, err = e.TextParts(nil, true)
	assert.ErrorIs(t, err, ErrEmptyResult)
	errs := tel.Errors(10, telemetry.ErrorFilter{})
	require.Len(t, errs, 1)
	assert.Equal(t, "extract", errs[0].Component)
}

func TestFilePartsInOrder(t *testing.T) {
	e, _ := newExtractor()

	arts := []a2a.Artifact{
		{Parts: a2a.Parts{a2a.FilePart{Name: "a.png", MimeType: "image/png"}, a2a.TextPart{Text: "log"}}},
		{Parts: a2a.Parts{a2a.FilePart{Name: "b.har", MimeType: "application/json"}}},
	}
	files := e.FileParts(arts)
	require.Len(t, files, 2)
	assert.Equal(t, "a.png", files[0].Name)
	assert.Equal(t, "b.har", files[1].Name)
}

func TestDecodeResultTarget(t *testing.T) {
	e, _ := newExtractor()

	var out checkOutcome
	dec, err := e.DecodeResult(textArtifacts(`{"passed":true,"details":"all forms submitted"}`), "form check", &out)
	require.NoError(t, err)
	assert.False(t, dec.IsError())
	assert.True(t, out.Passed)
	assert.Equal(t, "all forms submitted", out.Details)
}

func TestDecodeResultEnvelopeWinsOverTarget(t *testing.T) {
	e, _ := newExtractor()

	// The envelope decision must not depend on whether target could decode.
	var out checkOutcome
	dec, err := e.DecodeResult(textArtifacts(`{"error_message":"browser crashed","detail":"tab OOM"}`), "form check", &out)
	require.NoError(t, err)
	require.True(t, dec.IsError())
	assert.Equal(t, "browser crashed", dec.Envelope.ErrorMessage)
	assert.Equal(t, "tab OOM", dec.Envelope.Detail)
}

func TestDecodeResultParseFailure(t *testing.T) {
	e, tel := newExtractor()

	long := "definitely not json, and long enough that the snippet gets cut somewhere in the middle"
	var out checkOutcome
	_, err := e.DecodeResult(textArtifacts(long), "form check", &out)

	var parseErr *ResultParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "form check", parseErr.Description)
	assert.LessOrEqual(t, len(parseErr.Snippet), 50+len("..."))

	errs := tel.Errors(10, telemetry.ErrorFilter{})
	require.Len(t, errs, 1)
	assert.Equal(t, "extract", errs[0].Component)
}

func TestDecodeResultRejectsUnrelatedSchema(t *testing.T) {
	e, tel := newExtractor()

	// Valid JSON from some other schema must not decode into a zero-valued
	// target.
	var out checkOutcome
	_, err := e.DecodeResult(textArtifacts(`{"issue_keys":["QA-12","QA-13"]}`), "form check", &out)

	var parseErr *ResultParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "form check", parseErr.Description)
	assert.Contains(t, parseErr.Snippet, "issue_keys")

	errs := tel.Errors(10, telemetry.ErrorFilter{})
	require.Len(t, errs, 1)
	assert.Equal(t, "extract", errs[0].Component)
}

func TestDecodeResultUsesFirstTextPart(t *testing.T) {
	e, _ := newExtractor()

	var out checkOutcome
	dec, err := e.DecodeResult(textArtifacts(`{"passed":false,"details":"timeout"}`, `garbage`), "form check", &out)
	require.NoError(t, err)
	assert.False(t, dec.IsError())
	assert.False(t, out.Passed)
}

func TestDecodeResultEmptyArtifacts(t *testing.T) {
	e, _ := newExtractor()

	var out checkOutcome
	_, err := e.DecodeResult(nil, "form check", &out)
	assert.ErrorIs(t, err, ErrEmptyResult)
}
