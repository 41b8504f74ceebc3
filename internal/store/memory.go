// internal/store/memory.go
package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hainaria/tryon-pipeline/pkg/schema"
)

// Memory is an in-process Store for tests and single-node development runs.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	assets   map[string][]Asset
	records  map[string]*JobRecord
}

func NewMemory() *Memory {
	return &Memory{
		sessions: make(map[string]*Session),
		assets:   make(map[string][]Asset),
		records:  make(map[string]*JobRecord),
	}
}

func (m *Memory) CreateSession(ctx context.Context, userID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Status:    schema.SessionPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.sessions[s.ID] = s
	out := *s
	return &out, nil
}

func (m *Memory) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *s
	return &out, nil
}

func (m *Memory) TransitionSession(ctx context.Context, id string, upd SessionUpdate, allowedFrom ...schema.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if len(allowedFrom) > 0 && !statusIn(s.Status, allowedFrom) {
		return ErrIllegalTransition
	}
	s.Status = upd.Status
	if upd.CurrentResultURL != "" {
		s.CurrentResultURL = upd.CurrentResultURL
	}
	s.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) CreateAsset(ctx context.Context, asset *Asset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[asset.SessionID]; !ok {
		return ErrNotFound
	}
	if asset.ID == "" {
		asset.ID = uuid.NewString()
	}
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = time.Now()
	}
	m.assets[asset.SessionID] = append(m.assets[asset.SessionID], *asset)
	return nil
}

func (m *Memory) ListAssets(ctx context.Context, sessionID string) ([]Asset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Asset, len(m.assets[sessionID]))
	copy(out, m.assets[sessionID])
	return out, nil
}

func (m *Memory) CreateJobRecord(ctx context.Context, sessionID string, kind schema.JobKind) (*JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	r := &JobRecord{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      kind,
		Status:    schema.JobRecordProcessing,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.records[r.ID] = r
	out := *r
	return &out, nil
}

func (m *Memory) UpdateJobRecord(ctx context.Context, id string, status schema.JobRecordStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.Error = errMsg
	r.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) ListSessionsInStatus(ctx context.Context, status schema.SessionStatus, olderThan time.Duration) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cutoff := time.Now().Add(-olderThan)
	var out []Session
	for _, s := range m.sessions {
		if s.Status == status && s.UpdatedAt.Before(cutoff) {
			out = append(out, *s)
		}
	}
	return out, nil
}

// JobRecords returns the audit trail for a session, in no particular order.
// Test helper.
func (m *Memory) JobRecords(sessionID string) []JobRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []JobRecord
	for _, r := range m.records {
		if r.SessionID == sessionID {
			out = append(out, *r)
		}
	}
	return out
}
