package directory

import (
	"context"
	"sync"
)

// Memory is an in-process adapter used in dev mode and tests. Failure
// hooks let tests simulate a directory that rejects or drops calls.
type Memory struct {
	mu      sync.Mutex
	members map[string]map[string]bool // entitlement → principal set

	// GrantErr and RevokeErr, when set, are returned by the corresponding
	// call before any mutation.
	GrantErr  error
	RevokeErr error
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{members: make(map[string]map[string]bool)}
}

// Grant adds the principal to the entitlement group.
func (m *Memory) Grant(ctx context.Context, principal, entitlement string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GrantErr != nil {
		return m.GrantErr
	}
	if m.members[entitlement] == nil {
		m.members[entitlement] = make(map[string]bool)
	}
	m.members[entitlement][principal] = true
	return nil
}

// Revoke removes the principal from the entitlement group.
func (m *Memory) Revoke(ctx context.Context, principal, entitlement string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.RevokeErr != nil {
		return m.RevokeErr
	}
	delete(m.members[entitlement], principal)
	return nil
}

// IsMember reports current membership (for tests and the readiness probe).
func (m *Memory) IsMember(principal, entitlement string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.members[entitlement][principal]
}

// SetGrantErr sets the error returned by Grant.
func (m *Memory) SetGrantErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GrantErr = err
}

// SetRevokeErr sets the error returned by Revoke.
func (m *Memory) SetRevokeErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RevokeErr = err
}
