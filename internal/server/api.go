// ABOUTME: HTTP API handlers: fleet summary, agent listing, history queries, and task dispatch.
// ABOUTME: Everything under /api/ requires a bearer token; /healthz does not.

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/perimeterlab/fleetgate/internal/a2a"
	"github.com/perimeterlab/fleetgate/internal/dispatch"
	"github.com/perimeterlab/fleetgate/internal/telemetry"
)

// AgentResponse is one entry in the GET /api/agents listing.
type AgentResponse struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	URL          string `json:"url"`
	Status       string `json:"status"`
	BrokenReason string `json:"broken_reason,omitempty"`
	ActiveTaskID string `json:"active_task_id,omitempty"`
	StuckTaskID  string `json:"stuck_task_id,omitempty"`
	Misses       int    `json:"misses"`
	DiscoveredAt string `json:"discovered_at"`
}

// DispatchRequest is the JSON request body for POST /api/dispatch.
type DispatchRequest struct {
	Description string `json:"description"`
	Input       string `json:"input,omitempty"`
	// Exclusive serializes this dispatch against every other exclusive
	// dispatch through the execution lock.
	Exclusive bool `json:"exclusive,omitempty"`
}

// DispatchResponse is the JSON response for a dispatch that reached a
// terminal state on the agent. TaskID keys the task history endpoints.
type DispatchResponse struct {
	TaskID  string   `json:"task_id"`
	AgentID string   `json:"agent_id"`
	State   string   `json:"state"`
	Texts   []string `json:"texts,omitempty"`
	Files   []string `json:"files,omitempty"`
}

func (s *Server) routes(authMW func(http.Handler) http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/summary", s.handleSummary)
	api.HandleFunc("GET /api/agents", s.handleAgents)
	api.HandleFunc("GET /api/tasks", s.handleTasks)
	api.HandleFunc("GET /api/errors", s.handleErrors)
	api.HandleFunc("GET /api/logs", s.handleLogs)
	api.HandleFunc("POST /api/dispatch", s.handleDispatch)
	mux.Handle("/api/", authMW(api))

	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tel.Summarize(s.reg.List()))
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	snaps := s.reg.List()
	out := make([]AgentResponse, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, AgentResponse{
			ID:           snap.Card.ID,
			Name:         snap.Card.Name,
			URL:          snap.Card.URL,
			Status:       string(snap.Status),
			BrokenReason: string(snap.BrokenReason),
			ActiveTaskID: snap.ActiveTaskID,
			StuckTaskID:  snap.StuckTaskID,
			Misses:       snap.Misses,
			DiscoveredAt: snap.DiscoveredAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := telemetry.TaskFilter{
		Status:  telemetry.TaskStatus(q.Get("status")),
		AgentID: q.Get("agent_id"),
		TaskID:  q.Get("task_id"),
	}
	writeJSON(w, http.StatusOK, s.tel.Tasks(queryLimit(q.Get("limit")), filter))
}

func (s *Server) handleErrors(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := telemetry.ErrorFilter{
		TaskID:  q.Get("task_id"),
		AgentID: q.Get("agent_id"),
	}
	writeJSON(w, http.StatusOK, s.tel.Errors(queryLimit(q.Get("limit")), filter))
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := telemetry.LogFilter{
		Level:   q.Get("level"),
		AgentID: q.Get("agent_id"),
		TaskID:  q.Get("task_id"),
	}
	writeJSON(w, http.StatusOK, s.tel.Logs(queryLimit(q.Get("limit")), filter))
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Description == "" {
		writeError(w, http.StatusBadRequest, "description is required")
		return
	}

	var input a2a.Parts
	if req.Input != "" {
		input = a2a.Parts{a2a.TextPart{Text: req.Input}}
	}

	var res *dispatch.Result
	run := func(ctx context.Context) error {
		var err error
		res, err = s.dispatcher.Dispatch(ctx, req.Description, input)
		return err
	}

	var err error
	if req.Exclusive {
		err = s.lock.Do(r.Context(), run)
	} else {
		err = run(r.Context())
	}
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}

	texts, _ := s.extractor.TextParts(res.Task.Artifacts, false)
	var files []string
	for _, fp := range s.extractor.FileParts(res.Task.Artifacts) {
		files = append(files, fp.Name)
	}
	writeJSON(w, http.StatusOK, DispatchResponse{
		TaskID:  res.TaskID,
		AgentID: res.AgentID,
		State:   string(res.Task.Status.State),
		Texts:   texts,
		Files:   files,
	})
}

func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	var timeout *dispatch.TaskTimeoutError
	var failed *dispatch.TaskFailedError
	switch {
	case errors.Is(err, dispatch.ErrAgentUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &timeout):
		writeError(w, http.StatusGatewayTimeout, err.Error())
	case errors.As(err, &failed):
		writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusBadGateway, "dispatch canceled")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func queryLimit(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
