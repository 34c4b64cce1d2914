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

package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLCheckpointStore persists checkpoints to a SQL database, one row
// per run with the node states and outputs as JSON.
type SQLCheckpointStore struct {
	db      *sql.DB
	dialect string
}

const createCheckpointsTableSQL = `
CREATE TABLE IF NOT EXISTS workflow_checkpoints (
    run_id VARCHAR(255) PRIMARY KEY,
    fingerprint VARCHAR(64) NOT NULL,
    states_json TEXT NOT NULL,
    outputs_json TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

// NewSQLCheckpointStore creates a SQL-backed checkpoint store and
// initializes its table. Supported dialects: postgres, mysql, sqlite
// (sqlite3 is accepted as an alias).
func NewSQLCheckpointStore(db *sql.DB, dialect string) (*SQLCheckpointStore, error) {
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

	s := &SQLCheckpointStore{db: db, dialect: normalized}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, createCheckpointsTableSQL); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLCheckpointStore) Save(ctx context.Context, cp *Checkpoint) error {
	statesJSON, err := json.Marshal(cp.States)
	if err != nil {
		return fmt.Errorf("failed to marshal node states: %w", err)
	}
	outputsJSON, err := json.Marshal(cp.Outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal node outputs: %w", err)
	}

	var query string
	switch s.dialect {
	case "mysql":
		query = `
INSERT INTO workflow_checkpoints (run_id, fingerprint, states_json, outputs_json, updated_at)
VALUES (?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    fingerprint = VALUES(fingerprint),
    states_json = VALUES(states_json),
    outputs_json = VALUES(outputs_json),
    updated_at = VALUES(updated_at)`
	case "postgres":
		query = `
INSERT INTO workflow_checkpoints (run_id, fingerprint, states_json, outputs_json, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (run_id) DO UPDATE SET
    fingerprint = EXCLUDED.fingerprint,
    states_json = EXCLUDED.states_json,
    outputs_json = EXCLUDED.outputs_json,
    updated_at = EXCLUDED.updated_at`
	default: // sqlite
		query = `
INSERT INTO workflow_checkpoints (run_id, fingerprint, states_json, outputs_json, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
    fingerprint = excluded.fingerprint,
    states_json = excluded.states_json,
    outputs_json = excluded.outputs_json,
    updated_at = excluded.updated_at`
	}

	if _, err := s.db.ExecContext(ctx, query, cp.RunID, cp.Fingerprint, string(statesJSON), string(outputsJSON), cp.UpdatedAt); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *SQLCheckpointStore) Load(ctx context.Context, runID string) (*Checkpoint, error) {
	query := `SELECT fingerprint, states_json, outputs_json, updated_at FROM workflow_checkpoints WHERE run_id = ?`
	if s.dialect == "postgres" {
		query = `SELECT fingerprint, states_json, outputs_json, updated_at FROM workflow_checkpoints WHERE run_id = $1`
	}

	var fingerprint, statesJSON, outputsJSON string
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx, query, runID).Scan(&fingerprint, &statesJSON, &outputsJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrCheckpointNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	cp := &Checkpoint{
		RunID:       runID,
		Fingerprint: fingerprint,
		States:      make(map[string]NodeState),
		Outputs:     make(map[string]string),
		UpdatedAt:   updatedAt,
	}
	if err := json.Unmarshal([]byte(statesJSON), &cp.States); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node states: %w", err)
	}
	if err := json.Unmarshal([]byte(outputsJSON), &cp.Outputs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node outputs: %w", err)
	}
	return cp, nil
}

func (s *SQLCheckpointStore) Delete(ctx context.Context, runID string) error {
	query := `DELETE FROM workflow_checkpoints WHERE run_id = ?`
	if s.dialect == "postgres" {
		query = `DELETE FROM workflow_checkpoints WHERE run_id = $1`
	}
	if _, err := s.db.ExecContext(ctx, query, runID); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

var _ CheckpointStore = (*SQLCheckpointStore)(nil)
