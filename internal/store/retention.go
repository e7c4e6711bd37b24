package store

import (
	"context"
	"fmt"
	"time"
)

// RetentionConfig controls how long terminal records are kept.
type RetentionConfig struct {
	// TerminalRequestAge is how long denied/revoked requests are kept.
	TerminalRequestAge time.Duration
	// AuditAge is how long audit entries are kept. Must be at least
	// TerminalRequestAge so requests never outlive their trail.
	AuditAge time.Duration
}

// DefaultRetention keeps terminal requests for 90 days and audit entries
// for a year.
func DefaultRetention() RetentionConfig {
	return RetentionConfig{
		TerminalRequestAge: 90 * 24 * time.Hour,
		AuditAge:           365 * 24 * time.Hour,
	}
}

// RunRetention prunes old terminal requests and expired audit entries.
// Pending and approved requests are never pruned.
func (s *Store) RunRetention(ctx context.Context, cfg RetentionConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	auditCutoff := now.Add(-cfg.AuditAge).UnixMilli()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_log WHERE created_at < ?`, auditCutoff,
	); err != nil {
		return fmt.Errorf("failed to prune audit log: %w", err)
	}

	requestCutoff := now.Add(-cfg.TerminalRequestAge).UnixMilli()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM requests
		 WHERE state IN ('denied', 'revoked')
		   AND decided_at IS NOT NULL AND decided_at < ?
		   AND request_id NOT IN (SELECT DISTINCT request_id FROM audit_log)`,
		requestCutoff,
	); err != nil {
		return fmt.Errorf("failed to prune terminal requests: %w", err)
	}

	return nil
}

// DBSizeBytes returns the database size in bytes.
func (s *Store) DBSizeBytes() (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pageCount, pageSize int64
	if err := s.db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	if err := s.db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("failed to get page size: %w", err)
	}
	return pageCount * pageSize, nil
}
