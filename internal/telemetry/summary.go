// ABOUTME: Aggregated fleet and task counters for the telemetry API.
// ABOUTME: Computed on demand from a registry snapshot and the task buffer.

package telemetry

import (
	"time"

	"github.com/perimeterlab/fleetgate/internal/registry"
)

// Summary is the high-level state served on the summary endpoint.
type Summary struct {
	AgentsTotal     int       `json:"agents_total"`
	AgentsAvailable int       `json:"agents_available"`
	AgentsBusy      int       `json:"agents_busy"`
	AgentsBroken    int       `json:"agents_broken"`
	TasksTotal      int       `json:"tasks_total"`
	TasksRunning    int       `json:"tasks_running"`
	TasksCompleted  int       `json:"tasks_completed"`
	TasksFailed     int       `json:"tasks_failed"`
	TasksCancelled  int       `json:"tasks_cancelled"`
	ErrorsTotal     int       `json:"errors_total"`
	StartTime       time.Time `json:"start_time"`
	UptimeSeconds   int64     `json:"uptime_seconds"`
}

// Summarize aggregates current counts from the given registry snapshots and
// the retained task and error history.
func (s *Store) Summarize(agents []registry.Snapshot) Summary {
	sum := Summary{
		AgentsTotal: len(agents),
		StartTime:   s.startTime,
	}
	for _, a := range agents {
		switch a.Status {
		case registry.StatusAvailable:
			sum.AgentsAvailable++
		case registry.StatusBusy:
			sum.AgentsBusy++
		case registry.StatusBroken:
			sum.AgentsBroken++
		}
	}

	for _, t := range s.Tasks(0, TaskFilter{}) {
		sum.TasksTotal++
		switch t.Status {
		case TaskRunning, TaskPending:
			sum.TasksRunning++
		case TaskCompleted:
			sum.TasksCompleted++
		case TaskFailed:
			sum.TasksFailed++
		case TaskCancelled:
			sum.TasksCancelled++
		}
	}

	sum.ErrorsTotal = len(s.Errors(0, ErrorFilter{}))
	sum.UptimeSeconds = int64(time.Since(s.startTime).Seconds())
	return sum
}
