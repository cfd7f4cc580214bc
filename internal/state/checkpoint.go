package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomworks/loom/internal/contextstore"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/pkg/models"
)

// Checkpoint persists run progress into the database. It satisfies
// orchestrator.Checkpointer, so the run loop saves every terminal task
// transition as it happens.
type Checkpoint struct {
	db *DB
}

// NewCheckpoint creates a Checkpoint over an open database.
func NewCheckpoint(db *DB) *Checkpoint {
	return &Checkpoint{db: db}
}

// BeginRun records a run as started.
func (c *Checkpoint) BeginRun(runID, name string, total int, startedAt time.Time) error {
	_, err := c.db.Exec(`
		INSERT INTO runs (id, name, state, total, started_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, total = excluded.total
	`, runID, name, string(models.RunInProgress), total, formatTime(startedAt))
	if err != nil {
		return fmt.Errorf("begin run: %w", err)
	}
	return nil
}

// FinishRun records a run's terminal result.
func (c *Checkpoint) FinishRun(result *models.RunResult) error {
	_, err := c.db.Exec(`
		UPDATE runs SET state = ?, succeeded = ?, finished_at = ? WHERE id = ?
	`, string(result.State), result.Succeeded, formatTime(result.FinishedAt), result.RunID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// SaveTask upserts one task's current state.
func (c *Checkpoint) SaveTask(runID string, task *models.Task) error {
	dependsOn, err := json.Marshal(task.DependsOn)
	if err != nil {
		return fmt.Errorf("marshal depends_on: %w", err)
	}

	var completedAt *string
	if task.CompletedAt != nil {
		s := formatTime(*task.CompletedAt)
		completedAt = &s
	}

	_, err = c.db.Exec(`
		INSERT INTO tasks (run_id, id, name, capability, depends_on, state,
			attempts, backend_used, error, blocked_reason, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(run_id, id) DO UPDATE SET
			state = excluded.state,
			attempts = excluded.attempts,
			backend_used = excluded.backend_used,
			error = excluded.error,
			blocked_reason = excluded.blocked_reason,
			completed_at = excluded.completed_at
	`, runID, task.ID, task.Name, string(task.Capability), string(dependsOn),
		string(task.State), task.Attempts, string(task.BackendUsed),
		task.Error, task.BlockedReason, formatTime(task.CreatedAt), completedAt)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	return nil
}

// SaveEntries upserts the published context entries for a run.
func (c *Checkpoint) SaveEntries(runID string, entries map[string]*contextstore.Entry) error {
	for key, entry := range entries {
		var structured *string
		if entry.Structured != nil {
			data, err := json.Marshal(entry.Structured)
			if err != nil {
				return fmt.Errorf("marshal entry %s: %w", key, err)
			}
			s := string(data)
			structured = &s
		}

		_, err := c.db.Exec(`
			INSERT INTO context_entries (run_id, key, producer_task_id, structured, text, version)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(run_id, key) DO UPDATE SET
				producer_task_id = excluded.producer_task_id,
				structured = excluded.structured,
				text = excluded.text,
				version = excluded.version
		`, runID, key, entry.ProducerTaskID, structured, entry.Text, entry.Version)
		if err != nil {
			return fmt.Errorf("save entry %s: %w", key, err)
		}
	}
	return nil
}

// RunRecord is one persisted run row.
type RunRecord struct {
	ID         string
	Name       string
	State      models.RunState
	Total      int
	Succeeded  int
	StartedAt  time.Time
	FinishedAt *time.Time
}

// LoadRun retrieves a run by ID, or nil if not found.
func (c *Checkpoint) LoadRun(runID string) (*RunRecord, error) {
	row := c.db.QueryRow(`
		SELECT id, name, state, total, succeeded, started_at, finished_at
		FROM runs WHERE id = ?
	`, runID)

	var r RunRecord
	var state, startedAt string
	var finishedAt sql.NullString
	err := row.Scan(&r.ID, &r.Name, &state, &r.Total, &r.Succeeded, &startedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}

	r.State = models.RunState(state)
	r.StartedAt, _ = parseTime(startedAt)
	r.FinishedAt = parseNullableTime(finishedAt)
	return &r, nil
}

// ListRuns lists persisted runs, newest first.
func (c *Checkpoint) ListRuns() ([]RunRecord, error) {
	rows, err := c.db.Query(`
		SELECT id, name, state, total, succeeded, started_at, finished_at
		FROM runs ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var state, startedAt string
		var finishedAt sql.NullString
		if err := rows.Scan(&r.ID, &r.Name, &state, &r.Total, &r.Succeeded, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.State = models.RunState(state)
		r.StartedAt, _ = parseTime(startedAt)
		r.FinishedAt = parseNullableTime(finishedAt)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LoadTasks retrieves the persisted tasks of a run in creation order.
func (c *Checkpoint) LoadTasks(runID string) ([]*models.Task, error) {
	rows, err := c.db.Query(`
		SELECT id, name, capability, depends_on, state, attempts,
			backend_used, error, blocked_reason, created_at, completed_at
		FROM tasks WHERE run_id = ? ORDER BY created_at, id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		var t models.Task
		var capability, state, createdAt string
		var dependsOn, backendUsed, taskErr, blockedReason, completedAt sql.NullString
		if err := rows.Scan(&t.ID, &t.Name, &capability, &dependsOn, &state, &t.Attempts,
			&backendUsed, &taskErr, &blockedReason, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}

		t.Capability = models.Capability(capability)
		t.State = models.TaskState(state)
		if dependsOn.Valid {
			json.Unmarshal([]byte(dependsOn.String), &t.DependsOn)
		}
		if backendUsed.Valid {
			t.BackendUsed = models.BackendKind(backendUsed.String)
		}
		if taskErr.Valid {
			t.Error = taskErr.String
		}
		if blockedReason.Valid {
			t.BlockedReason = blockedReason.String
		}
		t.CreatedAt, _ = parseTime(createdAt)
		t.CompletedAt = parseNullableTime(completedAt)
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// LoadEntries retrieves the persisted context entries of a run.
func (c *Checkpoint) LoadEntries(runID string) (map[string]*contextstore.Entry, error) {
	rows, err := c.db.Query(`
		SELECT key, producer_task_id, structured, text, version
		FROM context_entries WHERE run_id = ?
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	defer rows.Close()

	entries := make(map[string]*contextstore.Entry)
	for rows.Next() {
		var e contextstore.Entry
		var structured sql.NullString
		if err := rows.Scan(&e.Key, &e.ProducerTaskID, &structured, &e.Text, &e.Version); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		if structured.Valid {
			if err := json.Unmarshal([]byte(structured.String), &e.Structured); err != nil {
				return nil, fmt.Errorf("unmarshal entry %s: %w", e.Key, err)
			}
		}
		entries[e.Key] = &e
	}
	return entries, rows.Err()
}

// Verify Checkpoint implements the orchestrator interface at compile time.
var _ orchestrator.Checkpointer = (*Checkpoint)(nil)
