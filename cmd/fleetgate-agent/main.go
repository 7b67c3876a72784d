// ABOUTME: Minimal echo agent used for end-to-end testing, serving a card and completing tasks over HTTP.
// ABOUTME: Usage: fleetgate-agent [-addr 127.0.0.1:8001] [-name echo] [-delay 0s] [-fail false]

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perimeterlab/fleetgate/internal/a2a"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:8001", "listen address")
	name := flag.String("name", "echo", "agent display name")
	agentID := flag.String("id", "echo-agent", "agent id")
	delay := flag.Duration("delay", 0, "how long tasks stay working before completing")
	fail := flag.Bool("fail", false, "report every task as failed instead of completed")
	flag.Parse()

	if err := run(*addr, *name, *agentID, *delay, *fail); err != nil {
		log.Fatal(err)
	}
}

type agent struct {
	card  a2a.AgentCard
	delay time.Duration
	fail  bool

	mu    sync.Mutex
	tasks map[string]*a2a.Task
	ready map[string]time.Time
}

func run(addr, name, agentID string, delay time.Duration, fail bool) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	ag := &agent{
		card: a2a.AgentCard{
			ID:          agentID,
			Name:        name,
			Description: "echoes task input back as a text artifact",
			URL:         "http://" + addr,
			Version:     "dev",
			Skills: []a2a.AgentSkill{
				{ID: "echo", Name: "echo", Description: "repeat the message", Tags: []string{"echo", "text"}},
			},
		},
		delay: delay,
		fail:  fail,
		tasks: make(map[string]*a2a.Task),
		ready: make(map[string]time.Time),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+a2a.WellKnownCardPath, ag.handleCard)
	mux.HandleFunc("POST /tasks/send", ag.handleSend)
	mux.HandleFunc("GET /tasks/{id}", ag.handleGet)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "agent %s listening on %s\n", agentID, addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	return srv.Shutdown(shutdownCtx)
}

func (a *agent) handleCard(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.card)
}

func (a *agent) handleSend(w http.ResponseWriter, r *http.Request) {
	var req a2a.SendTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	task := &a2a.Task{
		ID:     uuid.NewString(),
		Status: a2a.TaskStatus{State: a2a.TaskStateWorking, Timestamp: time.Now().UTC()},
	}

	a.mu.Lock()
	a.tasks[task.ID] = task
	a.ready[task.ID] = time.Now().Add(a.delay)
	a.mu.Unlock()

	log.Printf("task %s: %s", task.ID, req.Description)

	// With no delay, answer with the terminal state straight away.
	a.finishIfDue(task.ID, req.Message.Text())
	writeJSON(w, http.StatusOK, a.get(task.ID))
}

func (a *agent) handleGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	a.mu.Lock()
	_, ok := a.tasks[id]
	a.mu.Unlock()
	if !ok {
		http.Error(w, "unknown task", http.StatusNotFound)
		return
	}

	a.finishIfDue(id, "")
	writeJSON(w, http.StatusOK, a.get(id))
}

// finishIfDue flips a working task to its terminal state once the configured
// delay has elapsed. The echo text is captured at send so polls pass "".
func (a *agent) finishIfDue(id, echo string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	task, ok := a.tasks[id]
	if !ok || task.Status.State.Terminal() {
		return
	}
	if time.Now().Before(a.ready[id]) {
		if echo != "" {
			// Remember the input for when the task actually completes.
			task.Artifacts = []a2a.Artifact{
				{Name: "echo", Parts: a2a.Parts{a2a.TextPart{Text: "echo: " + echo}}},
			}
		}
		return
	}

	if a.fail {
		msg := a2a.NewTextMessage("configured to fail")
		task.Status = a2a.TaskStatus{State: a2a.TaskStateFailed, Message: &msg, Timestamp: time.Now().UTC()}
		task.Artifacts = nil
		return
	}

	task.Status = a2a.TaskStatus{State: a2a.TaskStateCompleted, Timestamp: time.Now().UTC()}
	if echo != "" {
		task.Artifacts = []a2a.Artifact{
			{Name: "echo", Parts: a2a.Parts{a2a.TextPart{Text: "echo: " + echo}}},
		}
	}
}

func (a *agent) get(id string) a2a.Task {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.tasks[id]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
