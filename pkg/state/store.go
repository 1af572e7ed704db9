package state

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/meridianlabs/ssobridge/pkg/observability"
)

// recordColumns is the column list shared by every SELECT on
// login_states. Scan order in scanRecord must match.
const recordColumns = `id, tracked_session_id, host_session_name, user_id, user_name,
	host_authenticated, external_authenticated, phase, idp_id, enforce_logoff,
	excluded_path, excluded_action, location, login_time, last_activity_time,
	last_response, last_request`

// Store is the sole persistence access point for login state records.
type Store struct {
	db      *sql.DB
	metrics *observability.Metrics
}

// NewStore creates a new login state store. metrics may be nil.
func NewStore(db *sql.DB, metrics *observability.Metrics) *Store {
	return &Store{db: db, metrics: metrics}
}

// EnsureSchema creates the login_states table and its indexes.
//
// tracked_session_id is deliberately not UNIQUE: the one-record-per-
// session invariant is enforced by the flow, and Load tolerates the
// historical anomaly of duplicates rather than refusing service.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS login_states (
			id BIGSERIAL PRIMARY KEY,
			tracked_session_id TEXT NOT NULL,
			host_session_name TEXT NOT NULL DEFAULT '',
			user_id BIGINT NOT NULL DEFAULT 0,
			user_name TEXT NOT NULL DEFAULT '',
			host_authenticated BOOLEAN NOT NULL DEFAULT FALSE,
			external_authenticated BOOLEAN NOT NULL DEFAULT FALSE,
			phase INT NOT NULL,
			idp_id INT NOT NULL DEFAULT 0,
			enforce_logoff BOOLEAN NOT NULL DEFAULT FALSE,
			excluded_path TEXT NOT NULL DEFAULT '',
			excluded_action TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			login_time TIMESTAMPTZ NOT NULL,
			last_activity_time TIMESTAMPTZ NOT NULL,
			last_response TEXT NOT NULL DEFAULT '',
			last_request TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_login_states_session ON login_states (tracked_session_id);
		CREATE INDEX IF NOT EXISTS idx_login_states_idp ON login_states (idp_id, login_time DESC);
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure login_states schema: %w", err)
	}
	return nil
}

// LoadResult carries the authoritative record plus the number of
// duplicate rows found for the same tracked session id. Duplicates
// violate the invariant but are tolerated: the newest record wins and
// the caller is expected to flag the anomaly, not crash.
type LoadResult struct {
	Record     Record
	Duplicates int
}

// Load fetches the record for a tracked session id. Returns
// ErrNotFound when no row exists and a LoadError when the query fails.
func (s *Store) Load(ctx context.Context, trackedSessionID string) (*LoadResult, error) {
	start := time.Now()
	res, err := s.load(ctx, trackedSessionID)
	if s.metrics != nil {
		s.metrics.ObserveStoreOperation("load", start, err)
	}
	return res, err
}

func (s *Store) load(ctx context.Context, trackedSessionID string) (*LoadResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM login_states
		WHERE tracked_session_id = $1
		ORDER BY login_time DESC, id DESC
	`, trackedSessionID)
	if err != nil {
		return nil, &LoadError{Err: err}
	}
	defer rows.Close()

	var result *LoadResult
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, &LoadError{Err: err}
		}
		if result == nil {
			result = &LoadResult{Record: rec}
			continue
		}
		result.Duplicates++
	}
	if err := rows.Err(); err != nil {
		return nil, &LoadError{Err: err}
	}
	if result == nil {
		return nil, ErrNotFound
	}
	return result, nil
}

// Create persists a new record and returns its assigned id. A rejected
// write surfaces as a WriteError; callers must not proceed with an
// unpersisted record when persistence is expected.
func (s *Store) Create(ctx context.Context, rec Record) (int64, error) {
	start := time.Now()
	id, err := s.create(ctx, rec)
	if s.metrics != nil {
		s.metrics.ObserveStoreOperation("create", start, err)
	}
	return id, err
}

func (s *Store) create(ctx context.Context, rec Record) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO login_states (
			tracked_session_id, host_session_name, user_id, user_name,
			host_authenticated, external_authenticated, phase, idp_id, enforce_logoff,
			excluded_path, excluded_action, location, login_time, last_activity_time,
			last_response, last_request
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id
	`, rec.TrackedSessionID, rec.HostSessionName, rec.UserID, rec.UserName,
		rec.HostAuthenticated, rec.ExternalAuthenticated, int(rec.Phase), rec.IdPID,
		rec.EnforceLogoff, rec.ExcludedPath, rec.ExcludedAction, rec.Location,
		rec.LoginTime, rec.LastActivityTime, rec.LastResponse, rec.LastRequest).Scan(&id)
	if err != nil {
		return 0, &WriteError{Op: "create", Err: err}
	}
	return id, nil
}

// Update persists every mutable field of rec, keyed by id. Callers
// decide whether a failure is fatal to the request or only to the
// audit trail.
func (s *Store) Update(ctx context.Context, rec Record) error {
	start := time.Now()
	err := s.update(ctx, rec)
	if s.metrics != nil {
		s.metrics.ObserveStoreOperation("update", start, err)
	}
	return err
}

func (s *Store) update(ctx context.Context, rec Record) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE login_states
		SET tracked_session_id = $1, host_session_name = $2, user_id = $3, user_name = $4,
			host_authenticated = $5, external_authenticated = $6, phase = $7, idp_id = $8,
			enforce_logoff = $9, excluded_path = $10, excluded_action = $11, location = $12,
			last_activity_time = $13, last_response = $14, last_request = $15
		WHERE id = $16
	`, rec.TrackedSessionID, rec.HostSessionName, rec.UserID, rec.UserName,
		rec.HostAuthenticated, rec.ExternalAuthenticated, int(rec.Phase), rec.IdPID,
		rec.EnforceLogoff, rec.ExcludedPath, rec.ExcludedAction, rec.Location,
		rec.LastActivityTime, rec.LastResponse, rec.LastRequest, rec.ID)
	if err != nil {
		return &WriteError{Op: "update", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &WriteError{Op: "update", Err: err}
	}
	if affected == 0 {
		return &WriteError{Op: "update", Err: fmt.Errorf("record %d not found", rec.ID)}
	}
	return nil
}

// Migrate re-keys every record from oldID to newID after the host
// rotated its session identifier. Idempotent: if the re-key matches
// nothing but a record already carries newID, a concurrent request won
// the race and this call is a no-op. Zero rows on both ids is a
// MigrationError: the audit trail has been broken.
func (s *Store) Migrate(ctx context.Context, oldID, newID string) error {
	start := time.Now()
	err := s.migrate(ctx, oldID, newID)
	if s.metrics != nil {
		s.metrics.ObserveStoreOperation("migrate", start, err)
	}
	return err
}

func (s *Store) migrate(ctx context.Context, oldID, newID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE login_states SET tracked_session_id = $2 WHERE tracked_session_id = $1
	`, oldID, newID)
	if err != nil {
		return &WriteError{Op: "migrate", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return &WriteError{Op: "migrate", Err: err}
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM login_states WHERE tracked_session_id = $1)
	`, newID).Scan(&exists)
	if err != nil {
		return &LoadError{Err: err}
	}
	if !exists {
		return &MigrationError{OldID: oldID, NewID: newID}
	}
	return nil
}

// QueryByProvider returns the records handled by a provider, newest
// login first. Read-only audit projection for SIEM-style consumers.
func (s *Store) QueryByProvider(ctx context.Context, idpID int) ([]Record, error) {
	start := time.Now()
	recs, err := s.queryByProvider(ctx, idpID)
	if s.metrics != nil {
		s.metrics.ObserveStoreOperation("query_by_provider", start, err)
	}
	return recs, err
}

func (s *Store) queryByProvider(ctx context.Context, idpID int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM login_states
		WHERE idp_id = $1
		ORDER BY login_time DESC, id DESC
	`, idpID)
	if err != nil {
		return nil, &LoadError{Err: err}
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, &LoadError{Err: err}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &LoadError{Err: err}
	}
	return records, nil
}

// ExpireStale moves flows parked at PhaseSAMLRedirected with no
// activity since cutoff into PhaseTimedOut. Returns the number of
// records expired.
func (s *Store) ExpireStale(ctx context.Context, cutoff time.Time) (int64, error) {
	start := time.Now()
	n, err := s.expireStale(ctx, cutoff)
	if s.metrics != nil {
		s.metrics.ObserveStoreOperation("expire_stale", start, err)
	}
	return n, err
}

func (s *Store) expireStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE login_states
		SET phase = $1
		WHERE phase = $2 AND last_activity_time < $3
	`, int(PhaseTimedOut), int(PhaseSAMLRedirected), cutoff)
	if err != nil {
		return 0, &WriteError{Op: "expire_stale", Err: err}
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, &WriteError{Op: "expire_stale", Err: err}
	}
	return affected, nil
}

// scanRecord reads one row in recordColumns order.
func scanRecord(rows *sql.Rows) (Record, error) {
	var rec Record
	var phase int
	err := rows.Scan(
		&rec.ID, &rec.TrackedSessionID, &rec.HostSessionName, &rec.UserID, &rec.UserName,
		&rec.HostAuthenticated, &rec.ExternalAuthenticated, &phase, &rec.IdPID,
		&rec.EnforceLogoff, &rec.ExcludedPath, &rec.ExcludedAction, &rec.Location,
		&rec.LoginTime, &rec.LastActivityTime, &rec.LastResponse, &rec.LastRequest)
	if err != nil {
		return Record{}, err
	}
	rec.Phase = Phase(phase)
	return rec, nil
}
