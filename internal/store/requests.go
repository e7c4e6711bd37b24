package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	jiterrors "github.com/p-blackswan/jit-access/internal/errors"
	"github.com/p-blackswan/jit-access/internal/models"
)

// Create inserts a new request record together with its submission audit
// entry in one transaction: a request is never durable without a trail.
// Returns ErrDuplicateID (and writes nothing) if the ID already exists.
func (s *Store) Create(req *models.AccessRequest, audit models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var metadata sql.NullString
	if len(req.Metadata) > 0 {
		raw, err := json.Marshal(req.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadata = sql.NullString{String: string(raw), Valid: true}
	}

	tx, err := s.db.Begin()
	if err != nil {
		return jiterrors.NewStoreError("create", err)
	}
	defer tx.Rollback()

	query := `
	INSERT OR IGNORE INTO requests (
		request_id, principal, entitlement, justification, state,
		submitted_at, expires_at, metadata
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	res, err := tx.Exec(query,
		req.RequestID, req.Principal, req.Entitlement, req.Justification,
		string(req.State), req.SubmittedAt.UnixMilli(), req.ExpiresAt.UnixMilli(),
		metadata,
	)
	if err != nil {
		return jiterrors.NewStoreError("create", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return jiterrors.NewStoreError("create", err)
	}
	if rows == 0 {
		return jiterrors.ErrDuplicateID
	}

	if audit.Timestamp.IsZero() {
		audit.Timestamp = time.Now()
	}
	_, err = tx.Exec(`
	INSERT INTO audit_log (request_id, action, actor, prior_state, new_state, detail, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.RequestID, audit.Action, audit.Actor,
		sql.NullString{String: string(audit.PriorState), Valid: audit.PriorState != ""},
		sql.NullString{String: string(audit.NewState), Valid: audit.NewState != ""},
		sql.NullString{String: audit.Detail, Valid: audit.Detail != ""},
		audit.Timestamp.UnixMilli(),
	)
	if err != nil {
		return jiterrors.NewStoreError("create", err)
	}

	if err := tx.Commit(); err != nil {
		return jiterrors.NewStoreError("create", err)
	}
	return nil
}

// Get retrieves a request by ID. Returns ErrNotFound if absent.
func (s *Store) Get(requestID string) (*models.AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(selectRequest+` WHERE request_id = ?`, requestID)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, jiterrors.ErrNotFound
	}
	if err != nil {
		return nil, jiterrors.NewStoreError("get", err)
	}
	return req, nil
}

// CompareAndSwapState atomically advances a request from expected to next.
// The audit entry is inserted in the same transaction, so it is durable
// exactly when the transition commits. Returns false (and writes nothing)
// if the current state no longer matches expected: the caller lost the
// race or the transition was already applied.
func (s *Store) CompareAndSwapState(requestID string, expected, next models.RequestState, decision *models.Decision, audit models.AuditEntry) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return false, jiterrors.NewStoreError("cas", err)
	}
	defer tx.Rollback()

	var res sql.Result
	if decision != nil {
		res, err = tx.Exec(`
		UPDATE requests
		SET state = ?, decided_by = ?, decided_at = ?, outcome = ?, reason = ?
		WHERE request_id = ? AND state = ?`,
			string(next), decision.DecidedBy, decision.DecidedAt.UnixMilli(),
			string(decision.Outcome),
			sql.NullString{String: decision.Reason, Valid: decision.Reason != ""},
			requestID, string(expected),
		)
	} else {
		res, err = tx.Exec(`
		UPDATE requests SET state = ? WHERE request_id = ? AND state = ?`,
			string(next), requestID, string(expected),
		)
	}
	if err != nil {
		return false, jiterrors.NewStoreError("cas", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, jiterrors.NewStoreError("cas", err)
	}
	if rows == 0 {
		return false, nil
	}

	if audit.Timestamp.IsZero() {
		audit.Timestamp = time.Now()
	}
	_, err = tx.Exec(`
	INSERT INTO audit_log (request_id, action, actor, prior_state, new_state, detail, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		requestID, audit.Action, audit.Actor,
		string(expected), string(next),
		sql.NullString{String: audit.Detail, Valid: audit.Detail != ""},
		audit.Timestamp.UnixMilli(),
	)
	if err != nil {
		return false, jiterrors.NewStoreError("cas", err)
	}

	if err := tx.Commit(); err != nil {
		return false, jiterrors.NewStoreError("cas", err)
	}
	return true, nil
}

// ListByState returns all requests in the given state, oldest first.
func (s *Store) ListByState(state models.RequestState) ([]*models.AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listRequests(selectRequest+` WHERE state = ? ORDER BY submitted_at`, string(state))
}

// ListExpired returns requests in the given state whose expiry is at or
// before now. The reconcile sweep drives revocation from this query, not
// from in-process timers.
func (s *Store) ListExpired(state models.RequestState, now time.Time) ([]*models.AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listRequests(
		selectRequest+` WHERE state = ? AND expires_at <= ? ORDER BY expires_at`,
		string(state), now.UnixMilli(),
	)
}

// ListAll returns every request, newest first, up to limit.
func (s *Store) ListAll(limit int) ([]*models.AccessRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 100
	}
	return s.listRequests(selectRequest+` ORDER BY submitted_at DESC LIMIT ?`, limit)
}

// CountByState returns the number of requests in the given state.
func (s *Store) CountByState(state models.RequestState) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM requests WHERE state = ?`, string(state)).Scan(&count)
	if err != nil {
		return 0, jiterrors.NewStoreError("count", err)
	}
	return count, nil
}

const selectRequest = `
SELECT request_id, principal, entitlement, justification, state,
       submitted_at, expires_at, decided_by, decided_at, outcome, reason, metadata
FROM requests`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (*models.AccessRequest, error) {
	req := &models.AccessRequest{}
	var state string
	var submittedAt, expiresAt int64
	var decidedBy, outcome, reason, metadata sql.NullString
	var decidedAt sql.NullInt64

	err := row.Scan(
		&req.RequestID, &req.Principal, &req.Entitlement, &req.Justification,
		&state, &submittedAt, &expiresAt,
		&decidedBy, &decidedAt, &outcome, &reason, &metadata,
	)
	if err != nil {
		return nil, err
	}

	req.State = models.RequestState(state)
	req.SubmittedAt = time.UnixMilli(submittedAt)
	req.ExpiresAt = time.UnixMilli(expiresAt)

	if decidedBy.Valid {
		req.Decision = &models.Decision{
			DecidedBy: decidedBy.String,
			Outcome:   models.DecisionOutcome(outcome.String),
		}
		if decidedAt.Valid {
			req.Decision.DecidedAt = time.UnixMilli(decidedAt.Int64)
		}
		if reason.Valid {
			req.Decision.Reason = reason.String
		}
	}

	if metadata.Valid {
		if err := json.Unmarshal([]byte(metadata.String), &req.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}

	return req, nil
}

func (s *Store) listRequests(query string, args ...any) ([]*models.AccessRequest, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, jiterrors.NewStoreError("list", err)
	}
	defer rows.Close()

	var requests []*models.AccessRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, jiterrors.NewStoreError("list", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, jiterrors.NewStoreError("list", err)
	}
	return requests, nil
}
