// ABOUTME: Tests for the HTTP API and server wiring.
// ABOUTME: Drives real dispatches against an httptest agent through the full stack.

package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeterlab/fleetgate/internal/a2a"
	"github.com/perimeterlab/fleetgate/internal/auth"
	"github.com/perimeterlab/fleetgate/internal/config"
	"github.com/perimeterlab/fleetgate/internal/telemetry"
)

const testSecret = "test-secret-0123456789abcdef"

func newTestServer(t *testing.T) (*Server, http.Handler, string) {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	cfg.Telemetry.ArchivePath = ""
	cfg.Dispatch.PollInterval = 5 * time.Millisecond
	cfg.Dispatch.RequestTimeout = time.Second
	cfg.Health.MaxTaskDuration = 2 * time.Second

	s, err := New(cfg, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	token, err := auth.NewJWTVerifier([]byte(testSecret)).Generate("tester", time.Minute)
	require.NoError(t, err)

	return s, s.httpServer.Handler, token
}

func doRequest(handler http.Handler, method, target, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

// echoAgent serves the card endpoint and completes every task immediately,
// echoing the message text back in an artifact.
func echoAgent(t *testing.T) (*httptest.Server, *a2a.AgentCard) {
	t.Helper()
	card := &a2a.AgentCard{
		ID:   "echo-1",
		Name: "echo",
		Skills: []a2a.AgentSkill{
			{Name: "echo", Tags: []string{"text"}},
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+a2a.WellKnownCardPath, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(card)
	})
	mux.HandleFunc("POST /tasks/send", func(w http.ResponseWriter, r *http.Request) {
		var req a2a.SendTaskRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		task := a2a.Task{
			ID:     "remote-1",
			Status: a2a.TaskStatus{State: a2a.TaskStateCompleted},
			Artifacts: []a2a.Artifact{
				{Parts: a2a.Parts{a2a.TextPart{Text: "echo: " + req.Message.Text()}}},
			},
		}
		json.NewEncoder(w).Encode(task)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	card.URL = srv.URL
	return srv, card
}

func TestHealthzNeedsNoAuth(t *testing.T) {
	_, handler, _ := newTestServer(t)

	rec := doRequest(handler, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAPIRejectsMissingToken(t *testing.T) {
	_, handler, token := newTestServer(t)

	rec := doRequest(handler, http.MethodGet, "/api/summary", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(handler, http.MethodGet, "/api/summary", token, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAgentsListing(t *testing.T) {
	s, handler, token := newTestServer(t)
	_, card := echoAgent(t)
	s.Registry().Register(card)

	rec := doRequest(handler, http.MethodGet, "/api/agents", token, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var agents []AgentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agents))
	require.Len(t, agents, 1)
	assert.Equal(t, "echo-1", agents[0].ID)
	assert.Equal(t, "AVAILABLE", agents[0].Status)
}

func TestDispatchEndpoint(t *testing.T) {
	s, handler, token := newTestServer(t)
	_, card := echoAgent(t)
	s.Registry().Register(card)

	body := `{"description":"echo this back","input":"hello fleet"}`
	rec := doRequest(handler, http.MethodPost, "/api/dispatch", token, body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp DispatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "completed", resp.State)
	assert.NotEmpty(t, resp.TaskID)
	assert.Equal(t, "echo-1", resp.AgentID)
	require.Len(t, resp.Texts, 1)
	assert.Equal(t, "echo: hello fleet", resp.Texts[0])

	// The dispatch left a completed record behind, keyed by the returned id.
	rec = doRequest(handler, http.MethodGet, "/api/tasks?status=COMPLETED", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var tasks []telemetry.TaskRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	require.Len(t, tasks, 1)
	assert.Equal(t, resp.TaskID, tasks[0].TaskID)
	assert.Equal(t, "echo-1", tasks[0].AgentID)
}

func TestDispatchExclusive(t *testing.T) {
	s, handler, token := newTestServer(t)
	_, card := echoAgent(t)
	s.Registry().Register(card)

	body := `{"description":"echo this back","input":"hi","exclusive":true}`
	rec := doRequest(handler, http.MethodPost, "/api/dispatch", token, body)
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestDispatchWithoutAgent(t *testing.T) {
	_, handler, token := newTestServer(t)

	body := `{"description":"echo this back"}`
	rec := doRequest(handler, http.MethodPost, "/api/dispatch", token, body)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDispatchValidation(t *testing.T) {
	_, handler, token := newTestServer(t)

	rec := doRequest(handler, http.MethodPost, "/api/dispatch", token, `{"input":"no description"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(handler, http.MethodPost, "/api/dispatch", token, `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSummaryCountsAgents(t *testing.T) {
	s, handler, token := newTestServer(t)
	_, card := echoAgent(t)
	s.Registry().Register(card)

	rec := doRequest(handler, http.MethodGet, "/api/summary", token, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var summary telemetry.Summary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, 1, summary.AgentsTotal)
	assert.Equal(t, 1, summary.AgentsAvailable)
}

func TestLogsEndpointFilters(t *testing.T) {
	s, handler, token := newTestServer(t)
	s.tel.AddLog(telemetry.LogRecord{Timestamp: time.Now().UTC(), Level: "ERROR", Message: "boom"})
	s.tel.AddLog(telemetry.LogRecord{Timestamp: time.Now().UTC(), Level: "INFO", Message: "fine"})

	rec := doRequest(handler, http.MethodGet, "/api/logs?level=error", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var logs []telemetry.LogRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, "boom", logs[0].Message)
}

func TestRunServesAndShutsDown(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	cfg.Telemetry.ArchivePath = ""
	cfg.Server.HTTPAddr = "127.0.0.1:0"

	s, err := New(cfg, nil, slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}
