// ABOUTME: Bounded in-memory history of tasks, errors, and logs for observability.
// ABOUTME: Three independent oldest-evicted ring buffers with filtered read queries.

package telemetry

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a dispatched task record.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

// TaskRecord is the control plane's view of one dispatched task. The
// dispatcher owns all transitions; the store only retains and evicts.
type TaskRecord struct {
	TaskID       string     `json:"task_id"`
	AgentID      string     `json:"agent_id"`
	AgentName    string     `json:"agent_name"`
	Description  string     `json:"description"`
	Status       TaskStatus `json:"status"`
	StartTime    time.Time  `json:"start_time"`
	EndTime      *time.Time `json:"end_time,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// DurationMS returns the task duration in milliseconds, or 0 while running.
func (t *TaskRecord) DurationMS() int64 {
	if t.EndTime == nil {
		return 0
	}
	return t.EndTime.Sub(t.StartTime).Milliseconds()
}

// ErrorRecord is one diagnostic failure entry, optionally correlated to a
// task and agent.
type ErrorRecord struct {
	ErrorID   string    `json:"error_id"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	TaskID    string    `json:"task_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Component string    `json:"component,omitempty"`
}

// LogRecord is one captured log line.
type LogRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	TaskID    string    `json:"task_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
}

// Archiver persists terminal task records and errors outside the bounded
// buffers. Implementations must tolerate being called concurrently.
type Archiver interface {
	SaveTask(rec TaskRecord) error
	SaveError(rec ErrorRecord) error
}

// Store holds the three history buffers. Capacities are fixed at creation;
// inserting past capacity evicts the oldest entry.
type Store struct {
	mu        sync.Mutex
	tasks     ring[TaskRecord]
	errors    ring[ErrorRecord]
	logs      ring[LogRecord]
	tasksByID map[string]*TaskRecord
	startTime time.Time
	archive   Archiver
	logger    *slog.Logger
}

// New creates a store with the given buffer capacities. archive may be nil.
func New(taskCap, errorCap, logCap int, archive Archiver, logger *slog.Logger) *Store {
	return &Store{
		tasks:     newRing[TaskRecord](taskCap),
		errors:    newRing[ErrorRecord](errorCap),
		logs:      newRing[LogRecord](logCap),
		tasksByID: make(map[string]*TaskRecord),
		startTime: time.Now(),
		archive:   archive,
		logger:    logger,
	}
}

// AddTask appends a new task record.
func (s *Store) AddTask(rec TaskRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evicted, ok := s.tasks.push(rec); ok {
		delete(s.tasksByID, evicted.TaskID)
	}
	stored := s.tasks.last()
	s.tasksByID[rec.TaskID] = stored
}

// UpdateTask mutates an existing record in place. Updating an evicted or
// unknown task id is a no-op. Terminal records are forwarded to the archive.
func (s *Store) UpdateTask(taskID string, status TaskStatus, endTime *time.Time, errorMessage string) {
	s.mu.Lock()
	rec, ok := s.tasksByID[taskID]
	if !ok {
		s.mu.Unlock()
		return
	}
	rec.Status = status
	if endTime != nil {
		rec.EndTime = endTime
	}
	if errorMessage != "" {
		rec.ErrorMessage = errorMessage
	}
	archived := *rec
	s.mu.Unlock()

	if status.Terminal() && s.archive != nil {
		if err := s.archive.SaveTask(archived); err != nil {
			s.logger.Warn("task archive write failed", "task_id", taskID, "error", err)
		}
	}
}

// AddError appends an error record, assigning an id when absent.
func (s *Store) AddError(rec ErrorRecord) {
	if rec.ErrorID == "" {
		rec.ErrorID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	s.mu.Lock()
	s.errors.push(rec)
	s.mu.Unlock()

	if s.archive != nil {
		if err := s.archive.SaveError(rec); err != nil {
			s.logger.Warn("error archive write failed", "error_id", rec.ErrorID, "error", err)
		}
	}
}

// AddLog appends a log record.
func (s *Store) AddLog(rec LogRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs.push(rec)
}

// TaskFilter narrows a task query. Zero values match everything.
type TaskFilter struct {
	Status  TaskStatus
	AgentID string
	TaskID  string
}

// Tasks returns matching task records, newest first, up to limit (0 = all).
func (s *Store) Tasks(limit int, f TaskFilter) []TaskRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return collect(s.tasks, limit, func(t TaskRecord) bool {
		if f.Status != "" && t.Status != f.Status {
			return false
		}
		if f.AgentID != "" && t.AgentID != f.AgentID {
			return false
		}
		if f.TaskID != "" && t.TaskID != f.TaskID {
			return false
		}
		return true
	})
}

// ErrorFilter narrows an error query.
type ErrorFilter struct {
	TaskID  string
	AgentID string
}

// Errors returns matching error records, newest first, up to limit (0 = all).
func (s *Store) Errors(limit int, f ErrorFilter) []ErrorRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return collect(s.errors, limit, func(e ErrorRecord) bool {
		if f.TaskID != "" && e.TaskID != f.TaskID {
			return false
		}
		if f.AgentID != "" && e.AgentID != f.AgentID {
			return false
		}
		return true
	})
}

// LogFilter narrows a log query.
type LogFilter struct {
	Level   string
	AgentID string
	TaskID  string
}

// Logs returns matching log records, newest first, up to limit (0 = all).
func (s *Store) Logs(limit int, f LogFilter) []LogRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	return collect(s.logs, limit, func(l LogRecord) bool {
		if f.Level != "" && !strings.EqualFold(l.Level, f.Level) {
			return false
		}
		if f.AgentID != "" && l.AgentID != f.AgentID {
			return false
		}
		if f.TaskID != "" && l.TaskID != f.TaskID {
			return false
		}
		return true
	})
}

// ring is a fixed-capacity circular buffer. Not safe for concurrent use; the
// store serializes access.
type ring[T any] struct {
	buf   []T
	head  int // index of oldest entry
	count int
}

func newRing[T any](capacity int) ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return ring[T]{buf: make([]T, capacity)}
}

// push appends v, returning the evicted entry when the buffer was full.
func (r *ring[T]) push(v T) (evicted T, wasFull bool) {
	if r.count == len(r.buf) {
		evicted = r.buf[r.head]
		r.buf[r.head] = v
		r.head = (r.head + 1) % len(r.buf)
		return evicted, true
	}
	r.buf[(r.head+r.count)%len(r.buf)] = v
	r.count++
	return evicted, false
}

// last returns a pointer to the most recently pushed entry.
func (r *ring[T]) last() *T {
	idx := (r.head + r.count - 1) % len(r.buf)
	return &r.buf[idx]
}

// at returns the i-th oldest entry, 0 <= i < count.
func (r *ring[T]) at(i int) T {
	return r.buf[(r.head+i)%len(r.buf)]
}

// collect walks a ring newest-first applying the filter and limit.
func collect[T any](r ring[T], limit int, keep func(T) bool) []T {
	out := make([]T, 0, r.count)
	for i := r.count - 1; i >= 0; i-- {
		v := r.at(i)
		if !keep(v) {
			continue
		}
		out = append(out, v)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}
