// ABOUTME: SQLite archive for terminal task records and errors using modernc.org/sqlite.
// ABOUTME: Write-through observability sink; the in-memory buffers stay authoritative.

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/perimeterlab/fleetgate/internal/telemetry"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id       TEXT PRIMARY KEY,
	agent_id      TEXT NOT NULL,
	agent_name    TEXT NOT NULL DEFAULT '',
	description   TEXT NOT NULL,
	status        TEXT NOT NULL,
	start_time    TIMESTAMP NOT NULL,
	end_time      TIMESTAMP,
	error_message TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_agent ON tasks(agent_id);

CREATE TABLE IF NOT EXISTS errors (
	error_id  TEXT PRIMARY KEY,
	timestamp TIMESTAMP NOT NULL,
	message   TEXT NOT NULL,
	task_id   TEXT NOT NULL DEFAULT '',
	agent_id  TEXT NOT NULL DEFAULT '',
	component TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_errors_task ON errors(task_id);
`

// Archive persists terminal task records and error records to SQLite so they
// survive restarts of the otherwise in-memory control plane.
type Archive struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates (or opens) the archive database at path. Parent directories
// are created and the schema is applied automatically.
func Open(path string, logger *slog.Logger) (*Archive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating archive directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening archive database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating archive schema: %w", err)
	}

	logger.Info("task archive initialized", "path", path)
	return &Archive{db: db, logger: logger}, nil
}

// Close releases the database handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

// SaveTask upserts a terminal task record.
func (a *Archive) SaveTask(rec telemetry.TaskRecord) error {
	var end any
	if rec.EndTime != nil {
		end = rec.EndTime.UTC()
	}
	_, err := a.db.Exec(`
		INSERT INTO tasks (task_id, agent_id, agent_name, description, status, start_time, end_time, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			status = excluded.status,
			end_time = excluded.end_time,
			error_message = excluded.error_message`,
		rec.TaskID, rec.AgentID, rec.AgentName, rec.Description, string(rec.Status),
		rec.StartTime.UTC(), end, rec.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("saving task %s: %w", rec.TaskID, err)
	}
	return nil
}

// SaveError inserts an error record.
func (a *Archive) SaveError(rec telemetry.ErrorRecord) error {
	_, err := a.db.Exec(`
		INSERT INTO errors (error_id, timestamp, message, task_id, agent_id, component)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(error_id) DO NOTHING`,
		rec.ErrorID, rec.Timestamp.UTC(), rec.Message, rec.TaskID, rec.AgentID, rec.Component,
	)
	if err != nil {
		return fmt.Errorf("saving error %s: %w", rec.ErrorID, err)
	}
	return nil
}

// ListTasks returns archived tasks, newest start time first.
func (a *Archive) ListTasks(limit int) ([]telemetry.TaskRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.Query(`
		SELECT task_id, agent_id, agent_name, description, status, start_time, end_time, error_message
		FROM tasks ORDER BY start_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing archived tasks: %w", err)
	}
	defer rows.Close()

	var out []telemetry.TaskRecord
	for rows.Next() {
		var rec telemetry.TaskRecord
		var status string
		var end sql.NullTime
		if err := rows.Scan(&rec.TaskID, &rec.AgentID, &rec.AgentName, &rec.Description,
			&status, &rec.StartTime, &end, &rec.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scanning archived task: %w", err)
		}
		rec.Status = telemetry.TaskStatus(status)
		if end.Valid {
			t := end.Time
			rec.EndTime = &t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ListErrors returns archived errors, newest first.
func (a *Archive) ListErrors(limit int) ([]telemetry.ErrorRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := a.db.Query(`
		SELECT error_id, timestamp, message, task_id, agent_id, component
		FROM errors ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing archived errors: %w", err)
	}
	defer rows.Close()

	var out []telemetry.ErrorRecord
	for rows.Next() {
		var rec telemetry.ErrorRecord
		if err := rows.Scan(&rec.ErrorID, &rec.Timestamp, &rec.Message, &rec.TaskID, &rec.AgentID, &rec.Component); err != nil {
			return nil, fmt.Errorf("scanning archived error: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune keeps archives from growing without bound on long-lived deployments.
// Records older than the retention window are removed.
func (a *Archive) Prune(retention time.Duration) error {
	cutoff := time.Now().Add(-retention).UTC()
	if _, err := a.db.Exec(`DELETE FROM tasks WHERE start_time < ?`, cutoff); err != nil {
		return fmt.Errorf("pruning tasks: %w", err)
	}
	if _, err := a.db.Exec(`DELETE FROM errors WHERE timestamp < ?`, cutoff); err != nil {
		return fmt.Errorf("pruning errors: %w", err)
	}
	return nil
}
