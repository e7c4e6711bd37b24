// Package workflow orchestrates the access request lifecycle: submission,
// policy evaluation, approval routing, and revocation. All state lives in
// the request store; every transition goes through its compare-and-swap,
// which makes concurrent decisions race-safe per request.
package workflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/jit-access/internal/directory"
	jiterrors "github.com/p-blackswan/jit-access/internal/errors"
	"github.com/p-blackswan/jit-access/internal/metrics"
	"github.com/p-blackswan/jit-access/internal/models"
	"github.com/p-blackswan/jit-access/internal/notify"
	"github.com/p-blackswan/jit-access/internal/policy"
	"github.com/p-blackswan/jit-access/internal/retry"
	"github.com/p-blackswan/jit-access/internal/store"
)

// Timer arms and cancels one-shot revocation timers. The scheduler
// implements it; timers are an optimization only; the reconcile sweep is
// what guarantees revocation.
type Timer interface {
	Arm(requestID string, at time.Time)
	Cancel(requestID string)
}

// RevokeReasonExpired is the reason recorded for scheduler-driven
// revocation.
const RevokeReasonExpired = "expired"

// PendingExpiredReason is recorded when a request expires before anyone
// decides it.
const PendingExpiredReason = "request expired before decision"

// Workflow drives the request state machine.
type Workflow struct {
	store    *store.Store
	engine   *policy.Engine
	dir      directory.Adapter
	gateway  notify.Gateway
	metrics  *metrics.Metrics
	timer    Timer
	retryCfg retry.Config
	logger   zerolog.Logger
	now      func() time.Time
}

// New creates a workflow. The timer is attached later via SetTimer since
// the scheduler needs the workflow to exist first.
func New(st *store.Store, engine *policy.Engine, dir directory.Adapter, gateway notify.Gateway, m *metrics.Metrics, logger zerolog.Logger) *Workflow {
	if gateway == nil {
		gateway = notify.Nop{}
	}
	return &Workflow{
		store:    st,
		engine:   engine,
		dir:      dir,
		gateway:  gateway,
		metrics:  m,
		retryCfg: retry.DefaultConfig(),
		logger:   logger.With().Str("component", "workflow").Logger(),
		now:      time.Now,
	}
}

// SetTimer attaches the revocation timer.
func (w *Workflow) SetTimer(t Timer) {
	w.timer = t
}

// SetClock overrides the workflow clock (for testing).
func (w *Workflow) SetClock(now func() time.Time) {
	w.now = now
}

// Submit validates and creates a new request. If policy auto-approves it,
// the approve path runs immediately with the system policy actor;
// otherwise approvers are notified and the request stays pending. The
// created request is returned even when the auto-approve grant fails, so
// the caller can retry the approval with the request ID.
func (w *Workflow) Submit(ctx context.Context, principal, entitlement, justification string, duration time.Duration, metadata map[string]string) (*models.AccessRequest, error) {
	if strings.TrimSpace(principal) == "" {
		return nil, jiterrors.NewValidationError("principal", "must not be empty")
	}
	if strings.TrimSpace(justification) == "" {
		return nil, jiterrors.NewValidationError("justification", "must not be empty")
	}
	if duration <= 0 {
		return nil, jiterrors.NewValidationError("duration", "must be positive")
	}

	rule, ok := w.engine.RuleFor(entitlement)
	if !ok {
		return nil, jiterrors.NewValidationError("entitlement", fmt.Sprintf("no policy configured for %q", entitlement))
	}
	if duration > rule.MaxDuration {
		return nil, jiterrors.NewValidationError("duration",
			fmt.Sprintf("exceeds maximum %s for %q", rule.MaxDuration, entitlement))
	}

	now := w.now()
	req := &models.AccessRequest{
		RequestID:     uuid.New().String(),
		Principal:     principal,
		Entitlement:   entitlement,
		Justification: justification,
		SubmittedAt:   now,
		ExpiresAt:     now.Add(duration),
		State:         models.StatePending,
		Metadata:      metadata,
	}

	if err := w.store.Create(req, models.AuditEntry{
		RequestID: req.RequestID,
		Action:    models.AuditSubmitted,
		Actor:     principal,
		NewState:  models.StatePending,
		Detail:    justification,
	}); err != nil {
		return nil, err
	}

	w.logger.Info().
		Str("request_id", req.RequestID).
		Str("principal", principal).
		Str("entitlement", entitlement).
		Time("expires_at", req.ExpiresAt).
		Msg("request submitted")

	verdict := w.engine.Evaluate(principal, duration, rule)
	if verdict.AutoApprove {
		if err := w.approve(ctx, req.RequestID, models.ActorPolicy, verdict.Detail()); err != nil {
			w.logger.Warn().Err(err).
				Str("request_id", req.RequestID).
				Msg("auto-approval failed, request stays pending")
			w.metrics.RecordError("workflow", "auto_approve")
			return req, err
		}
		w.metrics.RecordRequest(entitlement, "auto_approved")
		return w.store.Get(req.RequestID)
	}

	w.metrics.RecordRequest(entitlement, "pending")
	if err := w.gateway.NotifyApprovers(ctx, rule, req); err != nil {
		w.logger.Warn().Err(err).
			Str("request_id", req.RequestID).
			Msg("failed to notify approvers")
		w.metrics.RecordError("notify", "approvers")
	}
	return req, nil
}

// Approve grants the request. The directory grant happens before the
// state commit, so a crash in between is recoverable by re-driving the
// approval; the store never claims an approval that was not granted.
func (w *Workflow) Approve(ctx context.Context, requestID, approver string) error {
	req, err := w.store.Get(requestID)
	if err != nil {
		return err
	}
	if err := w.checkDecider(req, approver); err != nil {
		return err
	}
	return w.approve(ctx, requestID, approver, "")
}

func (w *Workflow) approve(ctx context.Context, requestID, approver, detail string) error {
	req, err := w.store.Get(requestID)
	if err != nil {
		return err
	}
	if req.State != models.StatePending {
		return fmt.Errorf("%w: request %s is %s", jiterrors.ErrInvalidState, requestID, req.State)
	}

	// Grant before commit. A failure here leaves the request pending and
	// the directory untouched.
	err = retry.Do(ctx, w.retryCfg, func(ctx context.Context) error {
		return w.dir.Grant(ctx, req.Principal, req.Entitlement)
	})
	if err != nil {
		return err
	}

	decision := &models.Decision{
		DecidedBy: approver,
		DecidedAt: w.now(),
		Outcome:   models.OutcomeApproved,
	}
	swapped, err := w.store.CompareAndSwapState(requestID,
		models.StatePending, models.StateApproved, decision,
		models.AuditEntry{
			RequestID: requestID,
			Action:    models.AuditApproved,
			Actor:     approver,
			Detail:    detail,
		},
	)
	if err != nil {
		return err
	}
	if !swapped {
		// Lost the race to a concurrent decision. If the winner also
		// approved, the grant is the winner's and must stand; only undo it
		// when the request ended up in a non-approved state.
		current, gerr := w.store.Get(requestID)
		if gerr == nil && current.State != models.StateApproved {
			if rerr := w.dir.Revoke(ctx, req.Principal, req.Entitlement); rerr != nil {
				w.logger.Error().Err(rerr).
					Str("request_id", requestID).
					Msg("failed to undo grant after losing decision race")
				w.metrics.RecordError("workflow", "compensate_grant")
			}
		}
		return fmt.Errorf("%w: request %s was decided concurrently", jiterrors.ErrInvalidState, requestID)
	}

	if w.timer != nil {
		w.timer.Arm(requestID, req.ExpiresAt)
	}

	actorKind := "human"
	if approver == models.ActorPolicy {
		actorKind = models.ActorPolicy
	}
	w.metrics.RecordDecision("approve", actorKind)

	w.logger.Info().
		Str("request_id", requestID).
		Str("approver", approver).
		Time("expires_at", req.ExpiresAt).
		Msg("request approved")

	w.notifyOutcome(ctx, requestID, models.OutcomeApproved)
	return nil
}

// Deny rejects a pending request with a reason. No directory side effect
// is involved, so the compare-and-swap alone decides the race.
func (w *Workflow) Deny(ctx context.Context, requestID, approver, reason string) error {
	req, err := w.store.Get(requestID)
	if err != nil {
		return err
	}
	if err := w.checkDecider(req, approver); err != nil {
		return err
	}
	if req.State != models.StatePending {
		return fmt.Errorf("%w: request %s is %s", jiterrors.ErrInvalidState, requestID, req.State)
	}

	decision := &models.Decision{
		DecidedBy: approver,
		DecidedAt: w.now(),
		Outcome:   models.OutcomeDenied,
		Reason:    reason,
	}
	swapped, err := w.store.CompareAndSwapState(requestID,
		models.StatePending, models.StateDenied, decision,
		models.AuditEntry{
			RequestID: requestID,
			Action:    models.AuditDenied,
			Actor:     approver,
			Detail:    reason,
		},
	)
	if err != nil {
		return err
	}
	if !swapped {
		return fmt.Errorf("%w: request %s was decided concurrently", jiterrors.ErrInvalidState, requestID)
	}

	actorKind := "human"
	if approver == models.ActorScheduler {
		actorKind = models.ActorScheduler
	}
	w.metrics.RecordDecision("deny", actorKind)

	w.logger.Info().
		Str("request_id", requestID).
		Str("denier", approver).
		Str("reason", reason).
		Msg("request denied")

	w.notifyOutcome(ctx, requestID, models.OutcomeDenied)
	return nil
}

// Revoke removes the granted access. Revoking an already-revoked request
// is a no-op so at-least-once delivery of timer and sweep triggers is
// safe. The directory removal runs before the state commit: if it fails,
// the request stays approved and the next reconcile sweep retries; a
// stuck grant must never be masked by a premature revoked state.
func (w *Workflow) Revoke(ctx context.Context, requestID, actor, reason string) error {
	req, err := w.store.Get(requestID)
	if err != nil {
		return err
	}
	if req.State == models.StateRevoked {
		return nil
	}
	if req.State != models.StateApproved {
		return fmt.Errorf("%w: request %s is %s", jiterrors.ErrInvalidState, requestID, req.State)
	}

	err = retry.Do(ctx, w.retryCfg, func(ctx context.Context) error {
		return w.dir.Revoke(ctx, req.Principal, req.Entitlement)
	})
	if err != nil {
		w.metrics.RecordError("workflow", "revoke_directory")
		return err
	}

	decision := &models.Decision{
		DecidedBy: actor,
		DecidedAt: w.now(),
		Outcome:   models.OutcomeRevoked,
		Reason:    reason,
	}
	swapped, err := w.store.CompareAndSwapState(requestID,
		models.StateApproved, models.StateRevoked, decision,
		models.AuditEntry{
			RequestID: requestID,
			Action:    models.AuditRevoked,
			Actor:     actor,
			Detail:    reason,
		},
	)
	if err != nil {
		return err
	}
	if !swapped {
		// A concurrent revocation won; membership is already removed and
		// the removal above was idempotent.
		current, gerr := w.store.Get(requestID)
		if gerr == nil && current.State == models.StateRevoked {
			return nil
		}
		return fmt.Errorf("%w: request %s changed state concurrently", jiterrors.ErrInvalidState, requestID)
	}

	if w.timer != nil {
		w.timer.Cancel(requestID)
	}

	trigger := "manual"
	if actor == models.ActorScheduler {
		trigger = models.ActorScheduler
	}
	w.metrics.RecordRevocation(trigger)

	w.logger.Info().
		Str("request_id", requestID).
		Str("actor", actor).
		Str("reason", reason).
		Msg("access revoked")

	w.notifyOutcome(ctx, requestID, models.OutcomeRevoked)
	return nil
}

// Get returns a request by ID.
func (w *Workflow) Get(requestID string) (*models.AccessRequest, error) {
	return w.store.Get(requestID)
}

// AuditTrail returns the audit entries for a request.
func (w *Workflow) AuditTrail(requestID string) ([]models.AuditEntry, error) {
	if _, err := w.store.Get(requestID); err != nil {
		return nil, err
	}
	return w.store.AuditTrail(requestID)
}

// List returns the most recent requests.
func (w *Workflow) List(limit int) ([]*models.AccessRequest, error) {
	return w.store.ListAll(limit)
}

// ResumeTimers re-arms revocation timers for every approved request.
// Called once at startup so grants approved before a restart still get
// their one-shot timer; the reconcile sweep covers anything missed here.
func (w *Workflow) ResumeTimers() error {
	if w.timer == nil {
		return nil
	}
	approved, err := w.store.ListByState(models.StateApproved)
	if err != nil {
		return err
	}
	for _, req := range approved {
		w.timer.Arm(req.RequestID, req.ExpiresAt)
	}
	if len(approved) > 0 {
		w.logger.Info().Int("count", len(approved)).Msg("revocation timers resumed")
	}
	return nil
}

// checkDecider enforces the approver roster and forbids self-approval for
// human deciders. System actors bypass both.
func (w *Workflow) checkDecider(req *models.AccessRequest, decider string) error {
	if decider == models.ActorPolicy || decider == models.ActorScheduler {
		return nil
	}
	if strings.TrimSpace(decider) == "" {
		return jiterrors.NewValidationError("approver", "must not be empty")
	}
	if decider == req.Principal {
		return jiterrors.NewValidationError("approver", "requester cannot decide their own request")
	}
	if rule, ok := w.engine.RuleFor(req.Entitlement); ok && !rule.IsApprover(decider) {
		return jiterrors.NewValidationError("approver",
			fmt.Sprintf("%s is not an approver for %q", decider, req.Entitlement))
	}
	return nil
}

func (w *Workflow) notifyOutcome(ctx context.Context, requestID string, outcome models.DecisionOutcome) {
	req, err := w.store.Get(requestID)
	if err != nil {
		return
	}
	if err := w.gateway.NotifyOutcome(ctx, req, outcome); err != nil {
		w.logger.Warn().Err(err).
			Str("request_id", requestID).
			Str("outcome", string(outcome)).
			Msg("failed to notify outcome")
		w.metrics.RecordError("notify", "outcome")
	}
}
