// internal/store/store.go
package store

import (
	"context"
	"errors"
	"time"

	"github.com/hainaria/tryon-pipeline/pkg/schema"
)

var (
	// ErrNotFound is returned when a session, asset or job record does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrIllegalTransition is returned by TransitionSession when the current
	// status is not in the allowed predecessor set. A late duplicate job must
	// not drag a terminal session back to PROCESSING.
	ErrIllegalTransition = errors.New("store: illegal session transition")
)

// Session is the durable record of one try-on flow. It is the single source
// of truth for what a polling client sees.
type Session struct {
	ID               string
	UserID           string
	Status           schema.SessionStatus
	CurrentResultURL string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Asset is immutable evidence of one produced (or uploaded) image. It is
// never mutated after creation.
type Asset struct {
	ID         string
	SessionID  string
	Type       schema.AssetType
	URL        string
	PreviewURL string
	CreatedAt  time.Time
}

// JobRecord is the audit trail of one job attempt. Workers write it but
// never read it back; it carries no control-flow weight.
type JobRecord struct {
	ID        string
	SessionID string
	Type      schema.JobKind
	Status    schema.JobRecordStatus
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SessionUpdate carries the fields a transition writes alongside the status.
// An empty CurrentResultURL leaves the stored value untouched.
type SessionUpdate struct {
	Status           schema.SessionStatus
	CurrentResultURL string
}

// Store is the durable record store behind sessions, assets and job records.
// Every method is a single-record atomic write or read; no cross-record
// transaction spans a job's asset and session updates.
type Store interface {
	CreateSession(ctx context.Context, userID string) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)

	// TransitionSession applies a guarded status change. With a non-empty
	// allowedFrom set the update only happens when the current status is in
	// the set, otherwise ErrIllegalTransition is returned; with an empty set
	// any predecessor is accepted.
	TransitionSession(ctx context.Context, id string, upd SessionUpdate, allowedFrom ...schema.SessionStatus) error

	CreateAsset(ctx context.Context, asset *Asset) error
	ListAssets(ctx context.Context, sessionID string) ([]Asset, error)

	CreateJobRecord(ctx context.Context, sessionID string, kind schema.JobKind) (*JobRecord, error)
	UpdateJobRecord(ctx context.Context, id string, status schema.JobRecordStatus, errMsg string) error

	// ListSessionsInStatus returns sessions sitting in the given status whose
	// last update is older than the age. Used by the requeue tool to find
	// work orphaned by a crashed worker.
	ListSessionsInStatus(ctx context.Context, status schema.SessionStatus, olderThan time.Duration) ([]Session, error)
}

func statusIn(s schema.SessionStatus, set []schema.SessionStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
