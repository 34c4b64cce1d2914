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

package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/pkg/agent"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLService is a session service backed by a SQL database. Sessions
// are stored as a row with the durable state as JSON; events are stored
// one row each with a per-session sequence number.
//
// The db connection should be shared with other stores using the same
// database to prevent SQLite "database is locked" errors.
type SQLService struct {
	db      *sql.DB
	dialect string
}

const (
	createSessionsTableSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    app_name VARCHAR(255) NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    id VARCHAR(255) NOT NULL,
    state_json TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (app_name, user_id, id)
)`

	createSessionsUpdatedAtIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_sessions_updated_at ON sessions(updated_at)`

	createSessionEventsTableSQL = `
CREATE TABLE IF NOT EXISTS session_events (
    app_name VARCHAR(255) NOT NULL,
    user_id VARCHAR(255) NOT NULL,
    session_id VARCHAR(255) NOT NULL,
    event_id VARCHAR(255) NOT NULL,
    author VARCHAR(255),
    event_json TEXT NOT NULL,
    sequence_num BIGINT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (app_name, user_id, session_id, sequence_num)
)`

	createSessionEventsIDIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_session_events_event_id ON session_events(event_id)`
)

// NewSQLService creates a SQL-backed session service and initializes
// the schema. Supported dialects: postgres, mysql, sqlite (sqlite3 is
// accepted as an alias).
func NewSQLService(db *sql.DB, dialect string) (*SQLService, error) {
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

	s := &SQLService{db: db, dialect: normalized}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLService) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Separate statements for table and indexes for SQLite compatibility.
	stmts := []string{
		createSessionsTableSQL,
		createSessionEventsTableSQL,
	}
	if s.dialect != "mysql" {
		// MySQL lacks CREATE INDEX IF NOT EXISTS; the primary keys
		// already cover the hot lookups there.
		stmts = append(stmts, createSessionsUpdatedAtIndexSQL, createSessionEventsIDIndexSQL)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// rebind converts ?-style placeholders to the dialect's form.
func (s *SQLService) rebind(query string) string {
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

func (s *SQLService) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	var stateJSON string
	var updatedAt time.Time
	query := s.rebind(`SELECT state_json, updated_at FROM sessions WHERE app_name = ? AND user_id = ? AND id = ?`)
	err := s.db.QueryRowContext(ctx, query, req.AppName, req.UserID, req.SessionID).Scan(&stateJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	state := make(map[string]any)
	if stateJSON != "" {
		if err := json.Unmarshal([]byte(stateJSON), &state); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session state: %w", err)
		}
	}

	events, err := s.loadEvents(ctx, req)
	if err != nil {
		return nil, err
	}

	sess := &memorySession{
		id:             req.SessionID,
		appName:        req.AppName,
		userID:         req.UserID,
		state:          newMemoryState(state),
		events:         &memoryEvents{events: events},
		lastUpdateTime: updatedAt,
	}
	return &GetResponse{Session: sess}, nil
}

func (s *SQLService) loadEvents(ctx context.Context, req *GetRequest) ([]*agent.Event, error) {
	query := `SELECT event_json FROM session_events WHERE app_name = ? AND user_id = ? AND session_id = ?`
	args := []any{req.AppName, req.UserID, req.SessionID}

	if !req.After.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, req.After)
	}
	query += ` ORDER BY sequence_num ASC`

	if req.NumRecentEvents > 0 {
		// Take the N most recent, then restore chronological order.
		query = `SELECT event_json FROM (` +
			strings.Replace(query, "ASC", "DESC", 1) + ` LIMIT ?` +
			`) sub ORDER BY sequence_num ASC`
		args = append(args, req.NumRecentEvents)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []*agent.Event
	for rows.Next() {
		var eventJSON string
		if err := rows.Scan(&eventJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		var ev agent.Event
		if err := json.Unmarshal([]byte(eventJSON), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

func (s *SQLService) Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	state := newMemoryState(req.State)
	stateJSON, err := json.Marshal(state.durable())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session state: %w", err)
	}

	now := time.Now()
	query := s.rebind(`INSERT INTO sessions (app_name, user_id, id, state_json, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := s.db.ExecContext(ctx, query, req.AppName, req.UserID, sessionID, string(stateJSON), now, now); err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	sess := &memorySession{
		id:             sessionID,
		appName:        req.AppName,
		userID:         req.UserID,
		state:          state,
		events:         &memoryEvents{},
		lastUpdateTime: now,
	}
	return &CreateResponse{Session: sess}, nil
}

func (s *SQLService) AppendEvent(ctx context.Context, session Session, event *agent.Event) error {
	// Update the caller's view first so the delta is visible to the
	// rest of the invocation even if it arrived through a snapshot.
	ms, _ := session.(*memorySession)
	if ms != nil {
		ms.appendEvent(event)
	} else {
		for k, v := range event.Actions.StateDelta {
			_ = session.State().Set(k, v)
		}
	}

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	stateJSON, err := json.Marshal(s.durableState(session))
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var seq int64
	seqQuery := s.rebind(`SELECT COALESCE(MAX(sequence_num), 0) + 1 FROM session_events WHERE app_name = ? AND user_id = ? AND session_id = ?`)
	if err = tx.QueryRowContext(ctx, seqQuery, session.AppName(), session.UserID(), session.ID()).Scan(&seq); err != nil {
		return fmt.Errorf("failed to get sequence number: %w", err)
	}

	now := time.Now()
	insertQuery := s.rebind(`INSERT INTO session_events (app_name, user_id, session_id, event_id, author, event_json, sequence_num, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if _, err = tx.ExecContext(ctx, insertQuery,
		session.AppName(), session.UserID(), session.ID(),
		event.ID, event.Author, string(eventJSON), seq, now,
	); err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}

	if err = s.upsertState(ctx, tx, session, string(stateJSON), now); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// upsertState writes the session's durable state, creating the row if
// the session was never stored (e.g. created through another node).
func (s *SQLService) upsertState(ctx context.Context, tx *sql.Tx, session Session, stateJSON string, now time.Time) error {
	var query string
	switch s.dialect {
	case "mysql":
		query = `
INSERT INTO sessions (app_name, user_id, id, state_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON DUPLICATE KEY UPDATE
    state_json = VALUES(state_json),
    updated_at = VALUES(updated_at)`
	case "postgres":
		query = `
INSERT INTO sessions (app_name, user_id, id, state_json, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (app_name, user_id, id) DO UPDATE SET
    state_json = EXCLUDED.state_json,
    updated_at = EXCLUDED.updated_at`
	default: // sqlite
		query = `
INSERT INTO sessions (app_name, user_id, id, state_json, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(app_name, user_id, id) DO UPDATE SET
    state_json = excluded.state_json,
    updated_at = excluded.updated_at`
	}

	if _, err := tx.ExecContext(ctx, query, session.AppName(), session.UserID(), session.ID(), stateJSON, now, now); err != nil {
		return fmt.Errorf("failed to upsert session state: %w", err)
	}
	return nil
}

func (s *SQLService) durableState(session Session) map[string]any {
	if ms, ok := session.(*memorySession); ok {
		return ms.state.durable()
	}
	out := make(map[string]any)
	for k, v := range session.State().All() {
		if strings.HasPrefix(k, KeyPrefixTemp) {
			continue
		}
		out[k] = v
	}
	return out
}

func (s *SQLService) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	offset := 0
	if req.PageToken != "" {
		n, err := strconv.Atoi(req.PageToken)
		if err != nil {
			return nil, fmt.Errorf("invalid page token %q", req.PageToken)
		}
		offset = n
	}

	query := s.rebind(`SELECT id FROM sessions WHERE app_name = ? AND user_id = ? ORDER BY updated_at DESC LIMIT ? OFFSET ?`)
	rows, err := s.db.QueryContext(ctx, query, req.AppName, req.UserID, pageSize+1, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	nextToken := ""
	if len(ids) > pageSize {
		ids = ids[:pageSize]
		nextToken = strconv.Itoa(offset + pageSize)
	}

	sessions := make([]Session, 0, len(ids))
	for _, id := range ids {
		resp, err := s.Get(ctx, &GetRequest{AppName: req.AppName, UserID: req.UserID, SessionID: id})
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, resp.Session)
	}
	return &ListResponse{Sessions: sessions, NextPageToken: nextToken}, nil
}

func (s *SQLService) Delete(ctx context.Context, req *DeleteRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	eventsQuery := s.rebind(`DELETE FROM session_events WHERE app_name = ? AND user_id = ? AND session_id = ?`)
	if _, err = tx.ExecContext(ctx, eventsQuery, req.AppName, req.UserID, req.SessionID); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}
	sessionQuery := s.rebind(`DELETE FROM sessions WHERE app_name = ? AND user_id = ? AND id = ?`)
	if _, err = tx.ExecContext(ctx, sessionQuery, req.AppName, req.UserID, req.SessionID); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLService) Close() error {
	return s.db.Close()
}

var _ Service = (*SQLService)(nil)
