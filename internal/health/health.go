// ABOUTME: Periodic health checks for registered agents.
// ABOUTME: Pings idle agents, recovers broken ones, and aborts dispatches stuck past the task deadline.

package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/perimeterlab/fleetgate/internal/a2a"
	"github.com/perimeterlab/fleetgate/internal/config"
	"github.com/perimeterlab/fleetgate/internal/registry"
	"github.com/perimeterlab/fleetgate/internal/telemetry"
)

// Pinger checks whether an agent still answers its card endpoint.
type Pinger interface {
	FetchCard(ctx context.Context, baseURL string) (*a2a.AgentCard, error)
}

// Aborter cancels an in-flight dispatch. The dispatcher implements it; the
// monitor calls it when a busy agent blows past the task deadline so the
// waiting dispatch resolves instead of polling forever.
type Aborter interface {
	Abort(taskID string, cause error)
}

// Monitor walks the registry on a fixed interval. Idle agents get pinged:
// answering recovers a broken agent, repeated silence marks it broken and
// offline (miss counters are shared with discovery, so the threshold is too).
// Busy agents are checked against the maximum task duration instead; pinging
// them would prove nothing about the task.
type Monitor struct {
	cfg           config.HealthConfig
	missThreshold int
	client        Pinger
	reg           *registry.Registry
	tel           *telemetry.Store
	aborter       Aborter
	logger        *slog.Logger
}

func New(cfg config.HealthConfig, missThreshold int, client Pinger, reg *registry.Registry, tel *telemetry.Store, aborter Aborter, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:           cfg,
		missThreshold: missThreshold,
		client:        client,
		reg:           reg,
		tel:           tel,
		aborter:       aborter,
		logger:        logger,
	}
}

// Run checks on every tick until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("health monitor started",
		"interval", m.cfg.Interval.String(),
		"max_task_duration", m.cfg.MaxTaskDuration.String())

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs a single pass over the current registry snapshot.
func (m *Monitor) Check(ctx context.Context) {
	now := time.Now().UTC()
	for _, snap := range m.reg.List() {
		if ctx.Err() != nil {
			return
		}
		if snap.Status == registry.StatusBusy {
			m.checkStuck(snap, now)
		} else {
			m.ping(ctx, snap)
		}
	}
}

// checkStuck marks a busy agent broken once its active task has been running
// longer than the configured maximum, then aborts the owning dispatch. The
// status transition happens first: a dispatch that resolves on its own in the
// meantime must not flip the agent back to available.
func (m *Monitor) checkStuck(snap registry.Snapshot, now time.Time) {
	recs := m.tel.Tasks(1, telemetry.TaskFilter{TaskID: snap.ActiveTaskID})
	if len(recs) == 0 {
		return
	}
	elapsed := now.Sub(recs[0].StartTime)
	if elapsed <= m.cfg.MaxTaskDuration {
		return
	}

	id := snap.Card.ID
	if err := m.reg.SetStatus(id, registry.StatusBroken, registry.ReasonTaskStuck, snap.ActiveTaskID); err != nil {
		return
	}
	m.logger.Warn("agent stuck on task",
		"agent_id", id,
		"task_id", snap.ActiveTaskID,
		"elapsed", elapsed.Round(time.Second).String())

	m.aborter.Abort(snap.ActiveTaskID, fmt.Errorf("task exceeded maximum duration %s on agent %s", m.cfg.MaxTaskDuration, id))
}

func (m *Monitor) ping(ctx context.Context, snap registry.Snapshot) {
	id := snap.Card.ID

	pctx, cancel := context.WithTimeout(ctx, m.cfg.PingTimeout)
	defer cancel()
	_, err := m.client.FetchCard(pctx, snap.Card.URL)

	if err == nil {
		if snap.Status == registry.StatusBroken {
			if serr := m.reg.SetStatus(id, registry.StatusAvailable, "", ""); serr != nil {
				return
			}
			m.logger.Info("agent recovered",
				"agent_id", id,
				"was_broken", string(snap.BrokenReason))
		}
		_ = m.reg.ResetMisses(id)
		return
	}

	if ctx.Err() != nil {
		return
	}
	misses, merr := m.reg.RecordMiss(id)
	if merr != nil {
		return
	}
	m.logger.Debug("agent ping failed",
		"agent_id", id,
		"misses", misses,
		"error", err)

	if snap.Status != registry.StatusBroken && misses >= m.missThreshold {
		if serr := m.reg.SetStatus(id, registry.StatusBroken, registry.ReasonOffline, ""); serr != nil {
			return
		}
		m.logger.Warn("agent marked broken, not answering pings",
			"agent_id", id,
			"misses", misses)
		m.tel.AddError(telemetry.ErrorRecord{
			Timestamp: time.Now().UTC(),
			Message:   fmt.Sprintf("agent %s stopped answering health pings after %d misses", id, misses),
			AgentID:   id,
			Component: "health",
		})
	}
}
