// ABOUTME: Task dispatcher: selects an agent, claims it, submits work, and polls to a terminal state.
// ABOUTME: Owns the busy/available transition and coordinates with the health monitor through abort slots.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/perimeterlab/fleetgate/internal/a2a"
	"github.com/perimeterlab/fleetgate/internal/config"
	"github.com/perimeterlab/fleetgate/internal/registry"
	"github.com/perimeterlab/fleetgate/internal/telemetry"
)

// ErrAgentUnavailable means no available agent matched the task description,
// or the chosen agent was claimed by a concurrent dispatch first.
var ErrAgentUnavailable = errors.New("no available agent for task")

// TaskTimeoutError reports a dispatch that ran past the maximum task duration,
// whether the dispatcher's own deadline fired or the health monitor aborted it.
type TaskTimeoutError struct {
	TaskID  string
	AgentID string
	Cause   error
}

func (e *TaskTimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out on agent %s: %v", e.TaskID, e.AgentID, e.Cause)
}

func (e *TaskTimeoutError) Unwrap() error { return e.Cause }

// TaskFailedError reports an agent that reached a non-success terminal state
// or a protocol failure mid-task. Message is truncated to the configured
// detail limit.
type TaskFailedError struct {
	TaskID  string
	AgentID string
	State   a2a.TaskState
	Message string
}

func (e *TaskFailedError) Error() string {
	return fmt.Sprintf("task %s failed on agent %s (%s): %s", e.TaskID, e.AgentID, e.State, e.Message)
}

// TaskClient is the slice of the protocol client the dispatcher needs.
type TaskClient interface {
	SendTask(ctx context.Context, card *a2a.AgentCard, req *a2a.SendTaskRequest) (*a2a.Task, error)
	GetTask(ctx context.Context, card *a2a.AgentCard, taskID string) (*a2a.Task, error)
}

// Dispatcher runs one task at a time per agent. Every dispatch gets a local
// task id that keys the telemetry record, the registry claim, and the abort
// slot; the agent's own task id is only used for polling.
type Dispatcher struct {
	cfg             config.DispatchConfig
	maxTaskDuration time.Duration
	client          TaskClient
	reg             *registry.Registry
	tel             *telemetry.Store
	logger          *slog.Logger

	mu     sync.Mutex
	aborts map[string]chan error
}

func New(cfg config.DispatchConfig, maxTaskDuration time.Duration, client TaskClient, reg *registry.Registry, tel *telemetry.Store, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:             cfg,
		maxTaskDuration: maxTaskDuration,
		client:          client,
		reg:             reg,
		tel:             tel,
		logger:          logger,
		aborts:          make(map[string]chan error),
	}
}

// SelectAgent picks the first available agent, in registration order, whose
// card matches the task description. Matching is case-insensitive both ways:
// the card's name, skill names, and skill tags are searched for in the
// description, and the description's keywords are searched for in the card's
// name, description, and skill text. First match wins; the tie-break is
// registration order, never randomized.
func (d *Dispatcher) SelectAgent(description string) (registry.Snapshot, error) {
	desc := strings.ToLower(description)
	tokens := keywords(desc)

	for _, id := range d.reg.ListAvailable() {
		snap, err := d.reg.Get(id)
		if err != nil {
			continue
		}
		if cardMatches(&snap.Card, desc, tokens) {
			return snap, nil
		}
	}
	return registry.Snapshot{}, ErrAgentUnavailable
}

// Result is the outcome of a successful dispatch. TaskID is the local id
// that keys the telemetry record; Task is the agent's terminal task object.
type Result struct {
	TaskID  string
	AgentID string
	Task    *a2a.Task
}

// Dispatch sends description and input to a matching agent and blocks until
// the task reaches a terminal state, the task deadline passes, the health
// monitor aborts it, or ctx is canceled. Exactly one agent processes the
// task; there are no retries.
func (d *Dispatcher) Dispatch(ctx context.Context, description string, input a2a.Parts) (*Result, error) {
	snap, err := d.SelectAgent(description)
	if err != nil {
		d.recordError(telemetry.ErrorRecord{
			Timestamp: time.Now().UTC(),
			Message:   fmt.Sprintf("no available agent for task: %s", truncate(description, d.cfg.ErrorDetailLimit)),
			Component: "dispatch",
		})
		return nil, err
	}

	agentID := snap.Card.ID
	taskID := uuid.NewString()
	d.tel.AddTask(telemetry.TaskRecord{
		TaskID:      taskID,
		AgentID:     agentID,
		AgentName:   snap.Card.Name,
		Description: description,
		Status:      telemetry.TaskPending,
		StartTime:   time.Now().UTC(),
	})

	abortCh := make(chan error, 1)
	d.mu.Lock()
	d.aborts[taskID] = abortCh
	d.mu.Unlock()
	defer d.removeSlot(taskID)

	// The atomic claim. Losing the race to a concurrent dispatch is the
	// same outcome as never finding an agent.
	if err := d.reg.MarkBusy(agentID, taskID); err != nil {
		d.finishTask(taskID, telemetry.TaskFailed, "agent claimed by concurrent dispatch")
		return nil, ErrAgentUnavailable
	}

	d.tel.UpdateTask(taskID, telemetry.TaskRunning, nil, "")
	d.logger.Info("task dispatched",
		"task_id", taskID,
		"agent_id", agentID,
		"description", truncate(description, 120))

	remote, runErr := d.run(ctx, &snap.Card, abortCh, description, input)
	remote, err = d.settle(ctx, taskID, agentID, remote, runErr)
	if err != nil {
		return nil, err
	}
	return &Result{TaskID: taskID, AgentID: agentID, Task: remote}, nil
}

// Abort resolves the dispatch owning taskID with cause. Used by the health
// monitor after it marks the agent broken. The slot is removed on first use,
// so repeated aborts of the same episode are no-ops.
func (d *Dispatcher) Abort(taskID string, cause error) {
	d.mu.Lock()
	ch, ok := d.aborts[taskID]
	if ok {
		delete(d.aborts, taskID)
	}
	d.mu.Unlock()
	if ok {
		ch <- cause
	}
}

// errAborted is the cancel cause distinguishing a monitor abort from the
// dispatcher's own deadline.
var errAborted = errors.New("aborted by health monitor")

// run submits the task and polls until terminal, bounded by the task deadline
// and the abort slot.
func (d *Dispatcher) run(ctx context.Context, card *a2a.AgentCard, abortCh <-chan error, description string, input a2a.Parts) (*a2a.Task, error) {
	deadlineCtx, cancel := context.WithTimeout(ctx, d.maxTaskDuration)
	defer cancel()
	runCtx, cancelCause := context.WithCancelCause(deadlineCtx)
	defer cancelCause(nil)

	go func() {
		select {
		case cause := <-abortCh:
			cancelCause(fmt.Errorf("%w: %v", errAborted, cause))
		case <-runCtx.Done():
		}
	}()

	req := &a2a.SendTaskRequest{
		Description: description,
		Message:     a2a.Message{Role: "user", Parts: input},
	}
	remote, err := d.client.SendTask(runCtx, card, req)
	if err != nil {
		return nil, runError(runCtx, err)
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for !remote.Status.State.Terminal() {
		select {
		case <-runCtx.Done():
			return nil, context.Cause(runCtx)
		case <-ticker.C:
		}
		remote, err = d.client.GetTask(runCtx, card, remote.ID)
		if err != nil {
			return nil, runError(runCtx, err)
		}
	}
	return remote, nil
}

// runError prefers the run context's cancel cause over a client error, so a
// call that failed because the deadline or an abort interrupted it is
// classified as such rather than as an agent failure.
func runError(runCtx context.Context, err error) error {
	if runCtx.Err() != nil {
		return context.Cause(runCtx)
	}
	return err
}

// settle applies exactly one terminal transition to the task record and puts
// the agent back in the right state.
func (d *Dispatcher) settle(ctx context.Context, taskID, agentID string, remote *a2a.Task, runErr error) (*a2a.Task, error) {
	switch {
	case runErr == nil && remote.Status.State == a2a.TaskStateCompleted:
		d.finishTask(taskID, telemetry.TaskCompleted, "")
		_ = d.reg.ClearBusy(agentID)
		d.logger.Info("task completed", "task_id", taskID, "agent_id", agentID)
		return remote, nil

	case runErr == nil:
		// Agent reported failed, rejected, or canceled.
		msg := truncate(remote.Status.Message.Text(), d.cfg.ErrorDetailLimit)
		if msg == "" {
			msg = fmt.Sprintf("agent reported terminal state %q", remote.Status.State)
		}
		d.finishTask(taskID, telemetry.TaskFailed, msg)
		d.recordError(telemetry.ErrorRecord{
			Timestamp: time.Now().UTC(),
			Message:   msg,
			TaskID:    taskID,
			AgentID:   agentID,
			Component: "dispatch",
		})
		_ = d.reg.ClearBusy(agentID)
		return nil, &TaskFailedError{TaskID: taskID, AgentID: agentID, State: remote.Status.State, Message: msg}

	case ctx.Err() != nil:
		// The caller walked away. The agent may still be working; it goes
		// back to available unless the monitor has marked it broken.
		d.finishTask(taskID, telemetry.TaskCancelled, "canceled by caller")
		_ = d.reg.ClearBusy(agentID)
		d.logger.Info("task canceled", "task_id", taskID, "agent_id", agentID)
		return nil, ctx.Err()

	case errors.Is(runErr, errAborted) || errors.Is(runErr, context.DeadlineExceeded):
		// Either the monitor aborted us after marking the agent broken, or
		// our own deadline fired first. Same outcome: the agent stays
		// broken with the stuck task pinned.
		_ = d.reg.SetStatus(agentID, registry.StatusBroken, registry.ReasonTaskStuck, taskID)
		msg := truncate(fmt.Sprintf("task timed out after %s: %v", d.maxTaskDuration, runErr), d.cfg.ErrorDetailLimit)
		d.finishTask(taskID, telemetry.TaskFailed, msg)
		d.recordError(telemetry.ErrorRecord{
			Timestamp: time.Now().UTC(),
			Message:   msg,
			TaskID:    taskID,
			AgentID:   agentID,
			Component: "dispatch",
		})
		d.logger.Warn("task timed out", "task_id", taskID, "agent_id", agentID)
		return nil, &TaskTimeoutError{TaskID: taskID, AgentID: agentID, Cause: runErr}

	default:
		// Protocol-level failure: unreachable agent, bad response.
		msg := truncate(runErr.Error(), d.cfg.ErrorDetailLimit)
		d.finishTask(taskID, telemetry.TaskFailed, msg)
		d.recordError(telemetry.ErrorRecord{
			Timestamp: time.Now().UTC(),
			Message:   msg,
			TaskID:    taskID,
			AgentID:   agentID,
			Component: "dispatch",
		})
		_ = d.reg.ClearBusy(agentID)
		return nil, &TaskFailedError{TaskID: taskID, AgentID: agentID, State: a2a.TaskStateUnknown, Message: msg}
	}
}

func (d *Dispatcher) finishTask(taskID string, status telemetry.TaskStatus, errMsg string) {
	now := time.Now().UTC()
	d.tel.UpdateTask(taskID, status, &now, errMsg)
}

func (d *Dispatcher) recordError(rec telemetry.ErrorRecord) {
	d.tel.AddError(rec)
}

func (d *Dispatcher) removeSlot(taskID string) {
	d.mu.Lock()
	delete(d.aborts, taskID)
	d.mu.Unlock()
}

// descStopwords are description tokens too common to signal a capability.
var descStopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "this": {}, "that": {},
	"from": {}, "into": {}, "onto": {}, "then": {}, "them": {}, "are": {},
	"was": {}, "has": {}, "have": {}, "using": {}, "use": {}, "run": {},
	"please": {}, "should": {}, "task": {}, "agent": {}, "all": {},
	"any": {}, "each": {}, "when": {}, "what": {}, "which": {}, "you": {},
}

// keywords splits a lowercased description into match candidates, dropping
// punctuation, short tokens, and stopwords.
func keywords(desc string) []string {
	fields := strings.FieldsFunc(desc, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9') && r != '-' && r != '_'
	})
	var out []string
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, skip := descStopwords[f]; skip {
			continue
		}
		out = append(out, f)
	}
	return out
}

func cardMatches(card *a2a.AgentCard, desc string, tokens []string) bool {
	if name := strings.ToLower(card.Name); name != "" && strings.Contains(desc, name) {
		return true
	}
	for _, sk := range card.Skills {
		if n := strings.ToLower(sk.Name); n != "" && strings.Contains(desc, n) {
			return true
		}
		for _, tag := range sk.Tags {
			if t := strings.ToLower(tag); t != "" && strings.Contains(desc, t) {
				return true
			}
		}
	}

	hay := searchText(card)
	for _, tok := range tokens {
		if strings.Contains(hay, tok) {
			return true
		}
	}
	return false
}

// searchText flattens the card's advertised metadata into one lowercased
// haystack.
func searchText(card *a2a.AgentCard) string {
	var b strings.Builder
	b.WriteString(card.Name)
	b.WriteByte(' ')
	b.WriteString(card.Description)
	for _, sk := range card.Skills {
		b.WriteByte(' ')
		b.WriteString(sk.Name)
		b.WriteByte(' ')
		b.WriteString(sk.Description)
		for _, tag := range sk.Tags {
			b.WriteByte(' ')
			b.WriteString(tag)
		}
	}
	return strings.ToLower(b.String())
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
