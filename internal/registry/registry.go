// ABOUTME: Authoritative in-memory registry of known agents, their status, and active task.
// ABOUTME: All mutations are serialized through one lock so claim checks are atomic.

package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/perimeterlab/fleetgate/internal/a2a"
)

// ErrUnknownAgent indicates an operation on an agent id that is not registered.
var ErrUnknownAgent = errors.New("unknown agent")

// ErrAgentNotAvailable indicates a claim attempt on an agent that is not
// currently AVAILABLE (busy, broken, or just claimed by a concurrent dispatch).
var ErrAgentNotAvailable = errors.New("agent not available")

// Status is the health/occupancy state of a registered agent.
type Status string

const (
	StatusAvailable Status = "AVAILABLE"
	StatusBusy      Status = "BUSY"
	StatusBroken    Status = "BROKEN"
)

// BrokenReason qualifies a BROKEN status.
type BrokenReason string

const (
	// ReasonOffline means the agent stopped answering probes.
	ReasonOffline BrokenReason = "OFFLINE"
	// ReasonTaskStuck means a task on the agent exceeded the maximum duration.
	ReasonTaskStuck BrokenReason = "TASK_STUCK"
)

type entry struct {
	card         *a2a.AgentCard
	probeURL     string
	status       Status
	brokenReason BrokenReason
	stuckTaskID  string
	activeTaskID string
	misses       int
	order        int
	discoveredAt time.Time
}

// Snapshot is an immutable copy of one agent's registry entry, safe to hand
// to readers outside the lock.
type Snapshot struct {
	Card         a2a.AgentCard
	ProbeURL     string
	Status       Status
	BrokenReason BrokenReason
	StuckTaskID  string
	ActiveTaskID string
	Misses       int
	DiscoveredAt time.Time
}

// Registry tracks every known agent. It is constructed at process start and
// injected into discovery, health monitoring, and dispatch.
type Registry struct {
	mu      sync.Mutex
	agents  map[string]*entry
	nextSeq int
	logger  *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*entry),
		logger: logger,
	}
}

// Register upserts an agent by card id, using the card's advertised base URL
// as the probe address.
func (r *Registry) Register(card *a2a.AgentCard) {
	r.RegisterAt(card, card.URL)
}

// RegisterAt upserts an agent discovered at probeURL. The probe address is
// tracked separately from the card's advertised base URL so missed probes
// still count against the agent when the two differ. A new agent starts
// AVAILABLE; a re-discovered agent keeps its current status and claim but
// gets the fresh card and a cleared miss counter. Registration order is
// preserved across upserts so selection tie-breaks stay deterministic.
func (r *Registry) RegisterAt(card *a2a.AgentCard, probeURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.agents[card.ID]; ok {
		e.card = card
		e.probeURL = probeURL
		e.misses = 0
		return
	}

	r.agents[card.ID] = &entry{
		card:         card,
		probeURL:     probeURL,
		status:       StatusAvailable,
		order:        r.nextSeq,
		discoveredAt: time.Now(),
	}
	r.nextSeq++
	r.logger.Info("agent registered",
		"agent_id", card.ID,
		"name", card.Name,
		"url", card.URL,
		"total_agents", len(r.agents),
	)
}

// Deregister removes an agent. Removing an unknown id is a no-op.
func (r *Registry) Deregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.agents[id]; ok {
		delete(r.agents, id)
		r.logger.Info("agent deregistered",
			"agent_id", id,
			"name", e.card.Name,
			"total_agents", len(r.agents),
		)
	}
}

// Status returns the agent's current status.
func (r *Registry) Status(id string) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return "", ErrUnknownAgent
	}
	return e.status, nil
}

// SetStatus transitions an agent's status. For BROKEN the reason is recorded
// along with the offending task id when the reason is TASK_STUCK; a transition
// to AVAILABLE clears any broken context and active claim.
func (r *Registry) SetStatus(id string, status Status, reason BrokenReason, stuckTaskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return ErrUnknownAgent
	}

	prev := e.status
	e.status = status
	switch status {
	case StatusBroken:
		e.brokenReason = reason
		if stuckTaskID != "" {
			e.stuckTaskID = stuckTaskID
		}
	case StatusAvailable:
		e.brokenReason = ""
		e.stuckTaskID = ""
		e.activeTaskID = ""
	}

	if prev != status {
		r.logger.Info("agent status changed",
			"agent_id", id,
			"from", string(prev),
			"to", string(status),
			"reason", string(reason),
		)
	}
	return nil
}

// MarkBusy atomically claims an AVAILABLE agent for the given task. It is the
// check-and-set that guarantees a single agent never runs two tasks at once:
// callers that lose the race get ErrAgentNotAvailable.
func (r *Registry) MarkBusy(id, taskID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return ErrUnknownAgent
	}
	if e.status != StatusAvailable {
		return ErrAgentNotAvailable
	}
	e.status = StatusBusy
	e.activeTaskID = taskID
	return nil
}

// ClearBusy releases a BUSY agent back to AVAILABLE. An agent that was
// concurrently marked BROKEN stays BROKEN; the stale claim is dropped either
// way.
func (r *Registry) ClearBusy(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return ErrUnknownAgent
	}
	e.activeTaskID = ""
	if e.status == StatusBusy {
		e.status = StatusAvailable
	}
	return nil
}

// ActiveTask returns the task id the agent is currently claimed for, if any.
func (r *Registry) ActiveTask(id string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return "", ErrUnknownAgent
	}
	return e.activeTaskID, nil
}

// ListAvailable returns the ids of all AVAILABLE agents in registration order.
func (r *Registry) ListAvailable() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.idsByOrder(func(e *entry) bool { return e.status == StatusAvailable })
}

// List returns snapshots of every agent in registration order.
func (r *Registry) List() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.idsByOrder(func(*entry) bool { return true })
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		out = append(out, snapshotOf(r.agents[id]))
	}
	return out
}

// Get returns a snapshot of one agent.
func (r *Registry) Get(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return Snapshot{}, ErrUnknownAgent
	}
	return snapshotOf(e), nil
}

// Contains reports whether the agent id is registered.
func (r *Registry) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.agents[id]
	return ok
}

// IsEmpty reports whether no agents are registered.
func (r *Registry) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.agents) == 0
}

// FindByURL returns the id of the agent registered at the given address,
// matching the probe address first and the card's advertised base URL second.
func (r *Registry) FindByURL(url string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.agents {
		if e.probeURL == url || e.card.URL == url {
			return id, true
		}
	}
	return "", false
}

// RecordMiss increments the consecutive probe-failure counter for an agent and
// returns the new count. Used by discovery and health checks to avoid evicting
// on a single transient failure.
func (r *Registry) RecordMiss(id string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return 0, ErrUnknownAgent
	}
	e.misses++
	return e.misses, nil
}

// ResetMisses clears the consecutive probe-failure counter.
func (r *Registry) ResetMisses(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.agents[id]
	if !ok {
		return ErrUnknownAgent
	}
	e.misses = 0
	return nil
}

// idsByOrder must be called with the lock held.
func (r *Registry) idsByOrder(keep func(*entry) bool) []string {
	type pair struct {
		id    string
		order int
	}
	pairs := make([]pair, 0, len(r.agents))
	for id, e := range r.agents {
		if keep(e) {
			pairs = append(pairs, pair{id, e.order})
		}
	}
	// Insertion sort: fleets are small and the order field is unique.
	for i := 1; i < len(pairs); i++ {
		for j := i; j > 0 && pairs[j].order < pairs[j-1].order; j-- {
			pairs[j], pairs[j-1] = pairs[j-1], pairs[j]
		}
	}
	ids := make([]string, len(pairs))
	for i, p := range pairs {
		ids[i] = p.id
	}
	return ids
}

func snapshotOf(e *entry) Snapshot {
	return Snapshot{
		Card:         *e.card,
		ProbeURL:     e.probeURL,
		Status:       e.status,
		BrokenReason: e.brokenReason,
		StuckTaskID:  e.stuckTaskID,
		ActiveTaskID: e.activeTaskID,
		Misses:       e.misses,
		DiscoveredAt: e.discoveredAt,
	}
}
