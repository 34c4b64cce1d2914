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

// Package session manages conversation sessions.
//
// A session is the durable container for one conversation: its state
// (a key-value store with scope prefixes) and its event history. The
// Service interface abstracts storage; InMemoryService keeps everything
// in process, SQLService persists to MySQL, PostgreSQL or SQLite.
//
// Appending an event commits its state delta: keys in
// Event.Actions.StateDelta become visible through Session.State as soon
// as AppendEvent returns. Keys with the temp: prefix live only for the
// current invocation and are never written to durable storage.
package session

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ensembleworks/ensemble/pkg/agent"
)

// Session is a conversation session. It extends agent.Session with the
// storage-level modification time.
type Session interface {
	agent.Session

	// LastUpdateTime returns when the session was last modified.
	LastUpdateTime() time.Time
}

// Service manages session lifecycle and persistence.
type Service interface {
	// Get retrieves an existing session.
	Get(ctx context.Context, req *GetRequest) (*GetResponse, error)

	// Create creates a new session.
	Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error)

	// AppendEvent adds an event to the session history and commits the
	// event's state delta. Partial events must not be appended.
	AppendEvent(ctx context.Context, session Session, event *agent.Event) error

	// List returns sessions for an app and user.
	List(ctx context.Context, req *ListRequest) (*ListResponse, error)

	// Delete removes a session and its events.
	Delete(ctx context.Context, req *DeleteRequest) error
}

// GetRequest contains parameters for retrieving a session.
type GetRequest struct {
	AppName   string
	UserID    string
	SessionID string

	// NumRecentEvents limits the history to the N most recent events.
	// Zero means all events.
	NumRecentEvents int

	// After limits the history to events with Timestamp >= After.
	// The zero time disables the filter.
	After time.Time
}

// GetResponse contains the retrieved session.
type GetResponse struct {
	Session Session
}

// CreateRequest contains parameters for creating a session.
type CreateRequest struct {
	AppName   string
	UserID    string
	SessionID string // generated if empty
	State     map[string]any
}

// CreateResponse contains the created session.
type CreateResponse struct {
	Session Session
}

// ListRequest contains parameters for listing sessions.
type ListRequest struct {
	AppName  string
	UserID   string
	PageSize int
	// PageToken resumes a previous List call. Opaque to callers.
	PageToken string
}

// ListResponse contains the listed sessions.
type ListResponse struct {
	Sessions      []Session
	NextPageToken string
}

// DeleteRequest contains parameters for deleting a session.
type DeleteRequest struct {
	AppName   string
	UserID    string
	SessionID string
}

// State prefixes scope keys beyond a single session.
const (
	// KeyPrefixApp marks app-level state shared across users.
	KeyPrefixApp = "app:"

	// KeyPrefixUser marks user-level state shared across that user's
	// sessions.
	KeyPrefixUser = "user:"

	// KeyPrefixTemp marks state discarded when the invocation ends.
	// Temp keys are never written to durable storage.
	KeyPrefixTemp = "temp:"
)

// ErrSessionNotFound is returned when a session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// memorySession is the in-memory Session implementation. SQLService
// reuses it as the materialized view of a stored session.
type memorySession struct {
	id             string
	appName        string
	userID         string
	state          *memoryState
	events         *memoryEvents
	mu             sync.RWMutex
	lastUpdateTime time.Time
}

func (s *memorySession) ID() string           { return s.id }
func (s *memorySession) AppName() string      { return s.appName }
func (s *memorySession) UserID() string       { return s.userID }
func (s *memorySession) State() agent.State   { return s.state }
func (s *memorySession) Events() agent.Events { return s.events }

func (s *memorySession) LastUpdateTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastUpdateTime
}

func (s *memorySession) appendEvent(event *agent.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range event.Actions.StateDelta {
		_ = s.state.Set(k, v)
	}
	s.events.append(event)
	s.lastUpdateTime = time.Now()
}

// filtered returns a read snapshot with the event history restricted by
// the request's NumRecentEvents and After filters. State is shared with
// the live session.
func (s *memorySession) filtered(req *GetRequest) *memorySession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	kept := make([]*agent.Event, 0, s.events.Len())
	for ev := range s.events.All() {
		if !req.After.IsZero() && ev.Timestamp.Before(req.After) {
			continue
		}
		kept = append(kept, ev)
	}
	if req.NumRecentEvents > 0 && len(kept) > req.NumRecentEvents {
		kept = kept[len(kept)-req.NumRecentEvents:]
	}

	return &memorySession{
		id:             s.id,
		appName:        s.appName,
		userID:         s.userID,
		state:          s.state,
		events:         &memoryEvents{events: kept},
		lastUpdateTime: s.lastUpdateTime,
	}
}

// memoryState is the in-memory agent.State implementation.
type memoryState struct {
	mu   sync.RWMutex
	data map[string]any
}

func newMemoryState(initial map[string]any) *memoryState {
	data := make(map[string]any, len(initial))
	for k, v := range initial {
		data[k] = v
	}
	return &memoryState{data: data}
}

func (s *memoryState) Get(key string) (any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	val, ok := s.data[key]
	if !ok {
		return nil, agent.ErrStateKeyNotExist
	}
	return val, nil
}

func (s *memoryState) Set(key string, val any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = val
	return nil
}

func (s *memoryState) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memoryState) All() iter.Seq2[string, any] {
	return func(yield func(string, any) bool) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		for k, v := range s.data {
			if !yield(k, v) {
				return
			}
		}
	}
}

// ClearTempKeys removes all keys with the temp: prefix. The runner
// calls this after each invocation completes.
func (s *memoryState) ClearTempKeys() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.data {
		if strings.HasPrefix(key, KeyPrefixTemp) {
			delete(s.data, key)
		}
	}
}

// durable returns the state without temp: keys, for persistence.
func (s *memoryState) durable() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.data))
	for k, v := range s.data {
		if strings.HasPrefix(k, KeyPrefixTemp) {
			continue
		}
		out[k] = v
	}
	return out
}

// memoryEvents is the in-memory agent.Events implementation.
type memoryEvents struct {
	mu     sync.RWMutex
	events []*agent.Event
}

func (e *memoryEvents) All() iter.Seq[*agent.Event] {
	return func(yield func(*agent.Event) bool) {
		e.mu.RLock()
		defer e.mu.RUnlock()
		for _, ev := range e.events {
			if !yield(ev) {
				return
			}
		}
	}
}

func (e *memoryEvents) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.events)
}

func (e *memoryEvents) At(i int) *agent.Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if i < 0 || i >= len(e.events) {
		return nil
	}
	return e.events[i]
}

func (e *memoryEvents) append(event *agent.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

// InMemoryService returns a session service that keeps everything in
// process. Suited for tests and single-node deployments without
// persistence requirements.
func InMemoryService() Service {
	return &inMemoryService{sessions: make(map[string]*memorySession)}
}

type inMemoryService struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
}

func sessionKey(appName, userID, sessionID string) string {
	return appName + "\x00" + userID + "\x00" + sessionID
}

func (s *inMemoryService) Get(ctx context.Context, req *GetRequest) (*GetResponse, error) {
	s.mu.RLock()
	sess, ok := s.sessions[sessionKey(req.AppName, req.UserID, req.SessionID)]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	if req.NumRecentEvents > 0 || !req.After.IsZero() {
		return &GetResponse{Session: sess.filtered(req)}, nil
	}
	return &GetResponse{Session: sess}, nil
}

func (s *inMemoryService) Create(ctx context.Context, req *CreateRequest) (*CreateResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	sess := &memorySession{
		id:             sessionID,
		appName:        req.AppName,
		userID:         req.UserID,
		state:          newMemoryState(req.State),
		events:         &memoryEvents{},
		lastUpdateTime: time.Now(),
	}
	s.sessions[sessionKey(req.AppName, req.UserID, sessionID)] = sess

	return &CreateResponse{Session: sess}, nil
}

func (s *inMemoryService) AppendEvent(ctx context.Context, session Session, event *agent.Event) error {
	s.mu.RLock()
	sess, ok := s.sessions[sessionKey(session.AppName(), session.UserID(), session.ID())]
	s.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	sess.appendEvent(event)
	return nil
}

func (s *inMemoryService) List(ctx context.Context, req *ListRequest) (*ListResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := sessionKey(req.AppName, req.UserID, "")
	var sessions []Session
	for key, sess := range s.sessions {
		if strings.HasPrefix(key, prefix) {
			sessions = append(sessions, sess)
		}
	}
	return &ListResponse{Sessions: sessions}, nil
}

func (s *inMemoryService) Delete(ctx context.Context, req *DeleteRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionKey(req.AppName, req.UserID, req.SessionID))
	return nil
}

var (
	_ Session      = (*memorySession)(nil)
	_ agent.State  = (*memoryState)(nil)
	_ agent.Events = (*memoryEvents)(nil)
	_ Service      = (*inMemoryService)(nil)
)
