// internal/store/postgres.go
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hainaria/tryon-pipeline/pkg/schema"
)

// Postgres implements Store on a pgx connection pool. Table layout is in
// schema.sql next to this file.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (s *Postgres) CreateSession(ctx context.Context, userID string) (*Session, error) {
	query := `
INSERT INTO tryon_sessions (user_id, status)
VALUES ($1, $2)
RETURNING id, user_id, status, COALESCE(current_result_url, ''), created_at, updated_at;
`
	row := s.pool.QueryRow(ctx, query, userID, schema.SessionPending)
	return scanSession(row)
}

func (s *Postgres) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
SELECT id, user_id, status, COALESCE(current_result_url, ''), created_at, updated_at
FROM tryon_sessions
WHERE id = $1;
`
	sess, err := scanSession(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return sess, nil
}

func (s *Postgres) TransitionSession(ctx context.Context, id string, upd SessionUpdate, allowedFrom ...schema.SessionStatus) error {
	query := `
UPDATE tryon_sessions
SET status = $2,
    current_result_url = COALESCE(NULLIF($3, ''), current_result_url),
    updated_at = NOW()
WHERE id = $1
  AND (cardinality($4::text[]) = 0 OR status = ANY($4::text[]));
`
	from := make([]string, len(allowedFrom))
	for i, st := range allowedFrom {
		from[i] = string(st)
	}
	tag, err := s.pool.Exec(ctx, query, id, upd.Status, upd.CurrentResultURL, from)
	if err != nil {
		return fmt.Errorf("transition session %s: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	// No row changed: distinguish a missing session from a guard rejection.
	if _, err := s.GetSession(ctx, id); err != nil {
		return err
	}
	return ErrIllegalTransition
}

func (s *Postgres) CreateAsset(ctx context.Context, asset *Asset) error {
	query := `
INSERT INTO tryon_assets (session_id, type, url, preview_url)
VALUES ($1, $2, $3, $4)
RETURNING id, created_at;
`
	row := s.pool.QueryRow(ctx, query, asset.SessionID, asset.Type, asset.URL, nullIfEmpty(asset.PreviewURL))
	if err := row.Scan(&asset.ID, &asset.CreatedAt); err != nil {
		return fmt.Errorf("create asset for session %s: %w", asset.SessionID, err)
	}
	return nil
}

func (s *Postgres) ListAssets(ctx context.Context, sessionID string) ([]Asset, error) {
	query := `
SELECT id, session_id, type, url, COALESCE(preview_url, ''), created_at
FROM tryon_assets
WHERE session_id = $1
ORDER BY created_at;
`
	rows, err := s.pool.Query(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list assets for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var assets []Asset
	for rows.Next() {
		var a Asset
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Type, &a.URL, &a.PreviewURL, &a.CreatedAt); err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (s *Postgres) CreateJobRecord(ctx context.Context, sessionID string, kind schema.JobKind) (*JobRecord, error) {
	query := `
INSERT INTO tryon_jobs (session_id, type, status)
VALUES ($1, $2, $3)
RETURNING id, created_at, updated_at;
`
	r := &JobRecord{
		SessionID: sessionID,
		Type:      kind,
		Status:    schema.JobRecordProcessing,
	}
	row := s.pool.QueryRow(ctx, query, sessionID, kind, schema.JobRecordProcessing)
	if err := row.Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, fmt.Errorf("create job record for session %s: %w", sessionID, err)
	}
	return r, nil
}

func (s *Postgres) UpdateJobRecord(ctx context.Context, id string, status schema.JobRecordStatus, errMsg string) error {
	query := `
UPDATE tryon_jobs
SET status = $2, error_message = NULLIF($3, ''), updated_at = NOW()
WHERE id = $1;
`
	tag, err := s.pool.Exec(ctx, query, id, status, errMsg)
	if err != nil {
		return fmt.Errorf("update job record %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListSessionsInStatus(ctx context.Context, status schema.SessionStatus, olderThan time.Duration) ([]Session, error) {
	query := `
SELECT id, user_id, status, COALESCE(current_result_url, ''), created_at, updated_at
FROM tryon_sessions
WHERE status = $1 AND updated_at < NOW() - $2::interval
ORDER BY updated_at;
`
	rows, err := s.pool.Query(ctx, query, status, olderThan.String())
	if err != nil {
		return nil, fmt.Errorf("list sessions in %s: %w", status, err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Status, &sess.CurrentResultURL, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	if err := row.Scan(&s.ID, &s.UserID, &s.Status, &s.CurrentResultURL, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func nullIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
