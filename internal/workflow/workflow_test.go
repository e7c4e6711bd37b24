package workflow

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/jit-access/internal/directory"
	jiterrors "github.com/p-blackswan/jit-access/internal/errors"
	"github.com/p-blackswan/jit-access/internal/metrics"
	"github.com/p-blackswan/jit-access/internal/models"
	"github.com/p-blackswan/jit-access/internal/notify"
	"github.com/p-blackswan/jit-access/internal/policy"
	"github.com/p-blackswan/jit-access/internal/store"
)

const testPolicy = `
rules:
  - entitlement: prod-admins
    max_duration: 4h
    max_auto_approve_duration: 1h
    approvers: [bob, carol]
  - entitlement: vault-operators
    max_duration: 2h
`

type fixture struct {
	wf    *Workflow
	store *store.Store
	dir   *directory.Memory
	timer *recordingTimer
}

type recordingTimer struct {
	mu       sync.Mutex
	armed    map[string]time.Time
	canceled []string
}

func (r *recordingTimer) Arm(requestID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.armed == nil {
		r.armed = make(map[string]time.Time)
	}
	r.armed[requestID] = at
}

func (r *recordingTimer) Cancel(requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = append(r.canceled, requestID)
}

func (r *recordingTimer) armedFor(requestID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.armed[requestID]
	return ok
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	st, err := store.New(filepath.Join(t.TempDir(), "wf.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	engine := policy.NewEngine(zerolog.Nop())
	require.NoError(t, engine.Load([]byte(testPolicy)))

	dir := directory.NewMemory()
	timer := &recordingTimer{}

	wf := New(st, engine, dir, notify.Nop{}, metrics.New(), zerolog.Nop())
	wf.SetTimer(timer)

	return &fixture{wf: wf, store: st, dir: dir, timer: timer}
}

func (f *fixture) submitPending(t *testing.T) *models.AccessRequest {
	t.Helper()
	// 2h exceeds the 1h auto-approve ceiling, so the request stays pending.
	req, err := f.wf.Submit(context.Background(), "alice", "prod-admins", "debugging prod", 2*time.Hour, nil)
	require.NoError(t, err)
	require.Equal(t, models.StatePending, req.State)
	return req
}

func TestSubmit_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name          string
		principal     string
		entitlement   string
		justification string
		duration      time.Duration
	}{
		{"empty principal", "", "prod-admins", "why", time.Hour},
		{"empty justification", "alice", "prod-admins", "  ", time.Hour},
		{"zero duration", "alice", "prod-admins", "why", 0},
		{"negative duration", "alice", "prod-admins", "why", -time.Hour},
		{"unknown entitlement", "alice", "nonexistent", "why", time.Hour},
		{"duration over rule max", "alice", "prod-admins", "why", 5 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.wf.Submit(ctx, tt.principal, tt.entitlement, tt.justification, tt.duration, nil)
			assert.ErrorIs(t, err, jiterrors.ErrValidation)
		})
	}

	// Nothing was persisted for any rejected submission.
	all, err := f.wf.List(100)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestSubmit_AutoApprove(t *testing.T) {
	f := newFixture(t)

	// 30m against a 60m auto-approve ceiling.
	req, err := f.wf.Submit(context.Background(), "alice", "prod-admins", "hotfix deploy", 30*time.Minute, nil)
	require.NoError(t, err)

	assert.Equal(t, models.StateApproved, req.State)
	require.NotNil(t, req.Decision)
	assert.Equal(t, models.ActorPolicy, req.Decision.DecidedBy)
	assert.True(t, f.dir.IsMember("alice", "prod-admins"))
	assert.True(t, f.timer.armedFor(req.RequestID))

	trail, err := f.wf.AuditTrail(req.RequestID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, models.AuditSubmitted, trail[0].Action)
	assert.Equal(t, models.AuditApproved, trail[1].Action)
	assert.Equal(t, models.ActorPolicy, trail[1].Actor)
}

func TestSubmit_PendingWhenNoConditionMatches(t *testing.T) {
	f := newFixture(t)

	req := f.submitPending(t)
	assert.False(t, f.dir.IsMember("alice", "prod-admins"))
	assert.False(t, f.timer.armedFor(req.RequestID))

	trail, err := f.wf.AuditTrail(req.RequestID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, models.AuditSubmitted, trail[0].Action)
	assert.Equal(t, "alice", trail[0].Actor)
}

func TestSubmit_AutoApproveGrantFailure(t *testing.T) {
	f := newFixture(t)
	f.dir.SetGrantErr(errors.New("directory down"))

	req, err := f.wf.Submit(context.Background(), "alice", "prod-admins", "hotfix", 30*time.Minute, nil)
	require.Error(t, err)
	// The request is returned despite the failure so the caller can retry
	// the approval by ID. It stays pending and no access was granted.
	require.NotNil(t, req)

	got, gerr := f.wf.Get(req.RequestID)
	require.NoError(t, gerr)
	assert.Equal(t, models.StatePending, got.State)
	assert.False(t, f.dir.IsMember("alice", "prod-admins"))

	// Once the directory recovers, the same request can be approved.
	f.dir.SetGrantErr(nil)
	require.NoError(t, f.wf.Approve(context.Background(), req.RequestID, "bob"))
	assert.True(t, f.dir.IsMember("alice", "prod-admins"))
}

func TestApprove(t *testing.T) {
	f := newFixture(t)
	req := f.submitPending(t)

	require.NoError(t, f.wf.Approve(context.Background(), req.RequestID, "bob"))

	got, err := f.wf.Get(req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.StateApproved, got.State)
	assert.Equal(t, "bob", got.Decision.DecidedBy)
	assert.True(t, f.dir.IsMember("alice", "prod-admins"))
	assert.True(t, f.timer.armedFor(req.RequestID))
}

func TestApprove_DeciderChecks(t *testing.T) {
	f := newFixture(t)
	req := f.submitPending(t)
	ctx := context.Background()

	err := f.wf.Approve(ctx, req.RequestID, "alice")
	assert.ErrorIs(t, err, jiterrors.ErrValidation, "self-approval must be rejected")

	err = f.wf.Approve(ctx, req.RequestID, "mallory")
	assert.ErrorIs(t, err, jiterrors.ErrValidation, "non-roster approver must be rejected")

	err = f.wf.Approve(ctx, req.RequestID, "")
	assert.ErrorIs(t, err, jiterrors.ErrValidation)

	got, _ := f.wf.Get(req.RequestID)
	assert.Equal(t, models.StatePending, got.State)
}

func TestDeny(t *testing.T) {
	f := newFixture(t)
	req := f.submitPending(t)
	ctx := context.Background()

	require.NoError(t, f.wf.Deny(ctx, req.RequestID, "bob", "not needed"))

	got, err := f.wf.Get(req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.StateDenied, got.State)
	assert.Equal(t, "not needed", got.Decision.Reason)
	assert.False(t, f.dir.IsMember("alice", "prod-admins"))

	trail, err := f.wf.AuditTrail(req.RequestID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, models.AuditSubmitted, trail[0].Action)
	assert.Equal(t, models.AuditDenied, trail[1].Action)

	// Denied is terminal.
	err = f.wf.Approve(ctx, req.RequestID, "carol")
	assert.ErrorIs(t, err, jiterrors.ErrInvalidState)
	err = f.wf.Deny(ctx, req.RequestID, "carol", "again")
	assert.ErrorIs(t, err, jiterrors.ErrInvalidState)
}

func TestConcurrentDecisions_OneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		req := f.submitPending(t)

		var wg sync.WaitGroup
		var approveErr, denyErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			approveErr = f.wf.Approve(ctx, req.RequestID, "bob")
		}()
		go func() {
			defer wg.Done()
			denyErr = f.wf.Deny(ctx, req.RequestID, "carol", "no")
		}()
		wg.Wait()

		// Exactly one decision lands; the loser gets InvalidState.
		if approveErr == nil {
			assert.ErrorIs(t, denyErr, jiterrors.ErrInvalidState)
		} else {
			assert.ErrorIs(t, approveErr, jiterrors.ErrInvalidState)
			require.NoError(t, denyErr)
		}

		got, err := f.wf.Get(req.RequestID)
		require.NoError(t, err)
		assert.Contains(t, []models.RequestState{models.StateApproved, models.StateDenied}, got.State)

		// Membership matches the winning decision: granted iff approved.
		assert.Equal(t, got.State == models.StateApproved, f.dir.IsMember("alice", "prod-admins"))

		// The trail has exactly one decision entry.
		trail, err := f.wf.AuditTrail(req.RequestID)
		require.NoError(t, err)
		require.Len(t, trail, 2)

		// Reset for the next round.
		_ = f.dir.Revoke(ctx, "alice", "prod-admins")
	}
}

// gateDirectory blocks Grant at a barrier so concurrent approvals can be
// held until all of them have read the pending state.
type gateDirectory struct {
	*directory.Memory
	entered chan struct{}
	release chan struct{}
}

func (g *gateDirectory) Grant(ctx context.Context, principal, entitlement string) error {
	g.entered <- struct{}{}
	<-g.release
	return g.Memory.Grant(ctx, principal, entitlement)
}

func TestConcurrentApprovals_GrantSurvives(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "wf.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	engine := policy.NewEngine(zerolog.Nop())
	require.NoError(t, engine.Load([]byte(testPolicy)))

	dir := &gateDirectory{
		Memory:  directory.NewMemory(),
		entered: make(chan struct{}, 2),
		release: make(chan struct{}),
	}
	wf := New(st, engine, dir, notify.Nop{}, metrics.New(), zerolog.Nop())

	req, err := wf.Submit(context.Background(), "alice", "prod-admins", "debugging prod", 2*time.Hour, nil)
	require.NoError(t, err)
	require.Equal(t, models.StatePending, req.State)

	// Both approvers observe the pending state, then grant and race on the
	// state commit together.
	errs := make(chan error, 2)
	for _, approver := range []string{"bob", "carol"} {
		go func(who string) {
			errs <- wf.Approve(context.Background(), req.RequestID, who)
		}(approver)
	}
	<-dir.entered
	<-dir.entered
	close(dir.release)

	first, second := <-errs, <-errs
	if first == nil {
		assert.ErrorIs(t, second, jiterrors.ErrInvalidState)
	} else {
		assert.ErrorIs(t, first, jiterrors.ErrInvalidState)
		require.NoError(t, second)
	}

	got, err := wf.Get(req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.StateApproved, got.State)

	// The losing approval must not undo the winning approval's grant.
	assert.True(t, dir.IsMember("alice", "prod-admins"))

	trail, err := wf.AuditTrail(req.RequestID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, models.AuditApproved, trail[1].Action)
}

func TestRevoke(t *testing.T) {
	f := newFixture(t)
	req := f.submitPending(t)
	ctx := context.Background()
	require.NoError(t, f.wf.Approve(ctx, req.RequestID, "bob"))

	require.NoError(t, f.wf.Revoke(ctx, req.RequestID, "bob", "done early"))

	got, err := f.wf.Get(req.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.StateRevoked, got.State)
	assert.False(t, f.dir.IsMember("alice", "prod-admins"))
	assert.Contains(t, f.timer.canceled, req.RequestID)

	trail, err := f.wf.AuditTrail(req.RequestID)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, models.AuditRevoked, trail[2].Action)
}

func TestRevoke_Idempotent(t *testing.T) {
	f := newFixture(t)
	req := f.submitPending(t)
	ctx := context.Background()
	require.NoError(t, f.wf.Approve(ctx, req.RequestID, "bob"))

	require.NoError(t, f.wf.Revoke(ctx, req.RequestID, models.ActorScheduler, RevokeReasonExpired))
	// Duplicate trigger (timer and sweep both firing) is a clean no-op.
	require.NoError(t, f.wf.Revoke(ctx, req.RequestID, models.ActorScheduler, RevokeReasonExpired))

	trail, err := f.wf.AuditTrail(req.RequestID)
	require.NoError(t, err)
	assert.Len(t, trail, 3, "the duplicate revoke must not append an audit entry")
}

func TestRevoke_InvalidStates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := f.submitPending(t)
	err := f.wf.Revoke(ctx, pending.RequestID, "bob", "oops")
	assert.ErrorIs(t, err, jiterrors.ErrInvalidState)

	denied := f.submitPending(t)
	require.NoError(t, f.wf.Deny(ctx, denied.RequestID, "bob", "no"))
	err = f.wf.Revoke(ctx, denied.RequestID, "bob", "oops")
	assert.ErrorIs(t, err, jiterrors.ErrInvalidState)

	err = f.wf.Revoke(ctx, "missing", "bob", "oops")
	assert.ErrorIs(t, err, jiterrors.ErrNotFound)
}

func TestRevoke_DirectoryFailureKeepsApproved(t *testing.T) {
	f := newFixture(t)
	req := f.submitPending(t)
	ctx := context.Background()
	require.NoError(t, f.wf.Approve(ctx, req.RequestID, "bob"))

	f.dir.SetRevokeErr(errors.New("directory down"))
	err := f.wf.Revoke(ctx, req.RequestID, models.ActorScheduler, RevokeReasonExpired)
	require.Error(t, err)

	// The request must stay approved so the sweep keeps retrying; marking
	// it revoked now would hide a live grant.
	got, gerr := f.wf.Get(req.RequestID)
	require.NoError(t, gerr)
	assert.Equal(t, models.StateApproved, got.State)
	assert.True(t, f.dir.IsMember("alice", "prod-admins"))

	f.dir.SetRevokeErr(nil)
	require.NoError(t, f.wf.Revoke(ctx, req.RequestID, models.ActorScheduler, RevokeReasonExpired))
	got, _ = f.wf.Get(req.RequestID)
	assert.Equal(t, models.StateRevoked, got.State)
	assert.False(t, f.dir.IsMember("alice", "prod-admins"))
}

func TestResumeTimers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	approved := f.submitPending(t)
	require.NoError(t, f.wf.Approve(ctx, approved.RequestID, "bob"))
	pending := f.submitPending(t)

	// Simulate a restart with a fresh timer.
	fresh := &recordingTimer{}
	f.wf.SetTimer(fresh)
	require.NoError(t, f.wf.ResumeTimers())

	assert.True(t, fresh.armedFor(approved.RequestID))
	assert.False(t, fresh.armedFor(pending.RequestID))
}

func TestAuditTrail_UnknownRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.wf.AuditTrail("missing")
	assert.ErrorIs(t, err, jiterrors.ErrNotFound)
}

func TestGet_And_List(t *testing.T) {
	f := newFixture(t)

	first := f.submitPending(t)
	second := f.submitPending(t)

	got, err := f.wf.Get(first.RequestID)
	require.NoError(t, err)
	assert.Equal(t, first.RequestID, got.RequestID)

	all, err := f.wf.List(10)
	require.NoError(t, err)
	require.Len(t, all, 2)
	ids := []string{all[0].RequestID, all[1].RequestID}
	assert.Contains(t, ids, first.RequestID)
	assert.Contains(t, ids, second.RequestID)
}
