// Copyright 2025 The Ensemble Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/a2aproject/a2a-go/a2a"
	"github.com/a2aproject/a2a-go/a2asrv"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLTaskStore implements a2asrv.TaskStore on a SQL database so tasks
// survive restarts and can be shared between replicas.
//
// The db connection should be shared with other stores using the same
// database to prevent SQLite "database is locked" errors.
type SQLTaskStore struct {
	db      *sql.DB
	dialect string
}

// taskRow is the flattened database form of an a2a.Task.
type taskRow struct {
	ID            string
	ContextID     string
	StatusJSON    string
	HistoryJSON   string
	ArtifactsJSON string
	MetadataJSON  string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const (
	createTasksTableSQL = `
CREATE TABLE IF NOT EXISTS a2a_tasks (
    id VARCHAR(255) PRIMARY KEY,
    context_id VARCHAR(255) NOT NULL,
    status_json TEXT NOT NULL,
    history_json TEXT,
    artifacts_json TEXT,
    metadata_json TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

	createTasksContextIDIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_a2a_tasks_context_id ON a2a_tasks(context_id)`

	createTasksUpdatedAtIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_a2a_tasks_updated_at ON a2a_tasks(updated_at)`
)

// NewSQLTaskStore creates a SQL-backed task store and initializes the
// schema. Supported dialects: postgres, mysql, sqlite (sqlite3 is
// accepted as an alias).
func NewSQLTaskStore(db *sql.DB, dialect string) (*SQLTaskStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	normalized := dialect
	if dialect == "sqlite3" {
		normalized = "sqlite"
	}
	switch normalized {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLTaskStore{db: db, dialect: normalized}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLTaskStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Separate statements for table and indexes for SQLite compatibility.
	stmts := []string{createTasksTableSQL}
	if s.dialect != "mysql" {
		// MySQL lacks CREATE INDEX IF NOT EXISTS; the primary key
		// already covers the hot lookup there.
		stmts = append(stmts, createTasksContextIDIndexSQL, createTasksUpdatedAtIndexSQL)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// rebind converts ?-style placeholders to the dialect's form.
func (s *SQLTaskStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Save upserts a task. Writes are last-wins: when the task carries an
// _updated_at marker from a previous Get and the row moved on since, a
// warning is logged but the write proceeds, as the protocol serializes
// task state transitions upstream.
func (s *SQLTaskStore) Save(ctx context.Context, task *a2a.Task) error {
	if task == nil {
		return fmt.Errorf("task is required")
	}

	if task.Metadata != nil {
		if expected, ok := task.Metadata["_updated_at"].(string); ok {
			current, err := s.taskUpdatedAt(ctx, task.ID)
			if err == nil && current != "" && current != expected {
				slog.Warn("Potential stale task update",
					"taskID", task.ID,
					"expected", expected,
					"current", current)
			}
		}
	}

	row, err := s.taskToRow(task)
	if err != nil {
		return fmt.Errorf("failed to serialize task: %w", err)
	}

	if err := s.upsertRow(ctx, row); err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}
	return nil
}

// upsertRow writes the row, keeping created_at from the first insert.
func (s *SQLTaskStore) upsertRow(ctx context.Context, row *taskRow) error {
	var query string
	switch s.dialect {
	case "mysql":
		query = `
INSERT INTO a2a_tasks (id, context_id, status_json, history_json, artifacts_json, metadata_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    context_id = VALUES(context_id),
    status_json = VALUES(status_json),
    history_json = VALUES(history_json),
    artifacts_json = VALUES(artifacts_json),
    metadata_json = VALUES(metadata_json),
    updated_at = VALUES(updated_at)`
	case "postgres":
		query = `
INSERT INTO a2a_tasks (id, context_id, status_json, history_json, artifacts_json, metadata_json, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
    context_id = EXCLUDED.context_id,
    status_json = EXCLUDED.status_json,
    history_json = EXCLUDED.history_json,
    artifacts_json = EXCLUDED.artifacts_json,
    metadata_json = EXCLUDED.metadata_json,
    updated_at = EXCLUDED.updated_at`
	default: // sqlite
		query = `
INSERT INTO a2a_tasks (id, context_id, status_json, history_json, artifacts_json, metadata_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    context_id = excluded.context_id,
    status_json = excluded.status_json,
    history_json = excluded.history_json,
    artifacts_json = excluded.artifacts_json,
    metadata_json = excluded.metadata_json,
    updated_at = excluded.updated_at`
	}

	_, err := s.db.ExecContext(ctx, query,
		row.ID, row.ContextID, row.StatusJSON,
		row.HistoryJSON, row.ArtifactsJSON, row.MetadataJSON,
		row.CreatedAt, row.UpdatedAt,
	)
	return err
}

// Get retrieves a task by ID.
func (s *SQLTaskStore) Get(ctx context.Context, taskID a2a.TaskID) (*a2a.Task, error) {
	query := s.rebind(`SELECT id, context_id, status_json, history_json, artifacts_json, metadata_json, created_at, updated_at FROM a2a_tasks WHERE id = ?`)

	var row taskRow
	err := s.db.QueryRowContext(ctx, query, string(taskID)).Scan(
		&row.ID, &row.ContextID, &row.StatusJSON,
		&row.HistoryJSON, &row.ArtifactsJSON, &row.MetadataJSON,
		&row.CreatedAt, &row.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, a2a.ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	return s.rowToTask(&row)
}

// Close closes the underlying database connection.
func (s *SQLTaskStore) Close() error {
	return s.db.Close()
}

func (s *SQLTaskStore) taskUpdatedAt(ctx context.Context, taskID a2a.TaskID) (string, error) {
	query := s.rebind(`SELECT updated_at FROM a2a_tasks WHERE id = ?`)

	var updatedAt time.Time
	if err := s.db.QueryRowContext(ctx, query, string(taskID)).Scan(&updatedAt); err != nil {
		return "", err
	}
	return updatedAt.Format(time.RFC3339Nano), nil
}

func (s *SQLTaskStore) taskToRow(task *a2a.Task) (*taskRow, error) {
	now := time.Now()

	statusJSON, err := json.Marshal(task.Status)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal status: %w", err)
	}

	historyJSON := []byte("[]")
	if len(task.History) > 0 {
		if historyJSON, err = json.Marshal(task.History); err != nil {
			return nil, fmt.Errorf("failed to marshal history: %w", err)
		}
	}

	artifactsJSON := []byte("[]")
	if len(task.Artifacts) > 0 {
		if artifactsJSON, err = json.Marshal(task.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to marshal artifacts: %w", err)
		}
	}

	metadataJSON := []byte("{}")
	if len(task.Metadata) > 0 {
		if metadataJSON, err = json.Marshal(task.Metadata); err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	return &taskRow{
		ID:            string(task.ID),
		ContextID:     task.ContextID,
		StatusJSON:    string(statusJSON),
		HistoryJSON:   string(historyJSON),
		ArtifactsJSON: string(artifactsJSON),
		MetadataJSON:  string(metadataJSON),
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

func (s *SQLTaskStore) rowToTask(row *taskRow) (*a2a.Task, error) {
	task := &a2a.Task{
		ID:        a2a.TaskID(row.ID),
		ContextID: row.ContextID,
	}

	if row.StatusJSON == "" {
		return nil, fmt.Errorf("status_json is required but was empty")
	}
	if err := json.Unmarshal([]byte(row.StatusJSON), &task.Status); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status: %w", err)
	}

	task.History = make([]*a2a.Message, 0)
	if row.HistoryJSON != "" && row.HistoryJSON != "[]" {
		if err := json.Unmarshal([]byte(row.HistoryJSON), &task.History); err != nil {
			return nil, fmt.Errorf("failed to unmarshal history: %w", err)
		}
	}

	task.Artifacts = make([]*a2a.Artifact, 0)
	if row.ArtifactsJSON != "" && row.ArtifactsJSON != "[]" {
		if err := json.Unmarshal([]byte(row.ArtifactsJSON), &task.Artifacts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifacts: %w", err)
		}
	}

	task.Metadata = make(map[string]any)
	if row.MetadataJSON != "" && row.MetadataJSON != "{}" {
		if err := json.Unmarshal([]byte(row.MetadataJSON), &task.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	// Carry updated_at back so the next Save can detect a stale write.
	task.Metadata["_updated_at"] = row.UpdatedAt.Format(time.RFC3339Nano)

	return task, nil
}

// Compile-time interface compliance check
var _ a2asrv.TaskStore = (*SQLTaskStore)(nil)
