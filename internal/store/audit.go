package store

import (
	"database/sql"
	"time"

	jiterrors "github.com/p-blackswan/jit-access/internal/errors"
	"github.com/p-blackswan/jit-access/internal/models"
)

// Audit entries are only ever written inside the same transaction as the
// request change they record: the submission entry by Create, transition
// entries by CompareAndSwapState.

// AuditTrail returns the audit entries for a request in insertion order.
func (s *Store) AuditTrail(requestID string) ([]models.AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
	SELECT id, request_id, action, actor, prior_state, new_state, detail, created_at
	FROM audit_log WHERE request_id = ? ORDER BY id`, requestID)
	if err != nil {
		return nil, jiterrors.NewStoreError("audit", err)
	}
	defer rows.Close()

	var entries []models.AuditEntry
	for rows.Next() {
		var e models.AuditEntry
		var priorState, newState, detail sql.NullString
		var createdAt int64

		if err := rows.Scan(&e.ID, &e.RequestID, &e.Action, &e.Actor, &priorState, &newState, &detail, &createdAt); err != nil {
			return nil, jiterrors.NewStoreError("audit", err)
		}

		e.PriorState = models.RequestState(priorState.String)
		e.NewState = models.RequestState(newState.String)
		e.Detail = detail.String
		e.Timestamp = time.UnixMilli(createdAt)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, jiterrors.NewStoreError("audit", err)
	}
	return entries, nil
}

// AuditCount returns the total number of audit entries.
func (s *Store) AuditCount() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM audit_log`).Scan(&count); err != nil {
		return 0, jiterrors.NewStoreError("audit", err)
	}
	return count, nil
}
