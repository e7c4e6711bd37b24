package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	return s.migrateV1()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS requests (
		request_id    TEXT PRIMARY KEY,
		principal     TEXT NOT NULL,
		entitlement   TEXT NOT NULL,
		justification TEXT NOT NULL,
		state         TEXT NOT NULL DEFAULT 'pending',
		submitted_at  INTEGER NOT NULL,
		expires_at    INTEGER NOT NULL,
		decided_by    TEXT,
		decided_at    INTEGER,
		outcome       TEXT,
		reason        TEXT,
		metadata      TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_requests_state ON requests(state);
	CREATE INDEX IF NOT EXISTS idx_requests_expires ON requests(state, expires_at);
	CREATE INDEX IF NOT EXISTS idx_requests_principal ON requests(principal);

	CREATE TABLE IF NOT EXISTS audit_log (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id  TEXT NOT NULL REFERENCES requests(request_id),
		action      TEXT NOT NULL,
		actor       TEXT NOT NULL,
		prior_state TEXT,
		new_state   TEXT,
		detail      TEXT,
		created_at  INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_request ON audit_log(request_id, id);
	CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at);

	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}
