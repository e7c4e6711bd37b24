// Package scheduler guarantees that every approved request's access is
// removed at or before its expiration. One-shot timers fire revocations
// on time; a periodic reconcile sweep over durable state is the actual
// correctness guarantee: it catches missed timers, process restarts, and
// failed directory removals.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/p-blackswan/jit-access/internal/metrics"
	"github.com/p-blackswan/jit-access/internal/models"
	"github.com/p-blackswan/jit-access/internal/workflow"
)

// Lifecycle is the slice of the workflow the scheduler drives.
type Lifecycle interface {
	Revoke(ctx context.Context, requestID, actor, reason string) error
	Deny(ctx context.Context, requestID, approver, reason string) error
}

// RequestSource lists requests that need scheduler attention.
type RequestSource interface {
	ListExpired(state models.RequestState, now time.Time) ([]*models.AccessRequest, error)
	CountByState(state models.RequestState) (int, error)
}

// Scheduler arms per-request revocation timers and runs the reconcile
// sweep.
type Scheduler struct {
	source    RequestSource
	lifecycle Lifecycle
	interval  time.Duration
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
}

// New creates a scheduler sweeping at the given interval.
func New(source RequestSource, lifecycle Lifecycle, interval time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		source:    source,
		lifecycle: lifecycle,
		interval:  interval,
		metrics:   m,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		now:       time.Now,
		timers:    make(map[string]*time.Timer),
	}
}

// SetClock overrides the scheduler clock (for testing).
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Arm schedules a one-shot revocation at the given time. Re-arming an
// already-armed request replaces the timer.
func (s *Scheduler) Arm(requestID string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[requestID]; ok {
		t.Stop()
	}

	delay := at.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	s.timers[requestID] = time.AfterFunc(delay, func() { s.fire(requestID) })

	s.logger.Debug().
		Str("request_id", requestID).
		Time("at", at).
		Msg("revocation timer armed")
}

// Cancel removes a pending timer. It never changes request state; only
// Revoke does, so a cancelled timer plus the reconcile sweep is still
// safe.
func (s *Scheduler) Cancel(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.timers[requestID]; ok {
		t.Stop()
		delete(s.timers, requestID)
	}
}

func (s *Scheduler) fire(requestID string) {
	s.mu.Lock()
	delete(s.timers, requestID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := s.lifecycle.Revoke(ctx, requestID, models.ActorScheduler, workflow.RevokeReasonExpired)
	if err != nil {
		// The sweep retries; a timer failure is never terminal.
		s.logger.Warn().Err(err).
			Str("request_id", requestID).
			Msg("timer revocation failed, reconcile will retry")
		s.metrics.RecordError("scheduler", "timer_revoke")
	}
}

// Run executes the reconcile sweep on a fixed interval until the context
// is cancelled. A sweep runs immediately at startup to recover state from
// before a restart.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("reconcile loop starting")

	if err := s.Reconcile(ctx); err != nil {
		s.logger.Error().Err(err).Msg("initial reconcile failed")
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.stopAll()
			s.logger.Info().Msg("reconcile loop stopped")
			return
		case <-ticker.C:
			if err := s.Reconcile(ctx); err != nil {
				s.logger.Error().Err(err).Msg("reconcile failed")
			}
		}
	}
}

// Reconcile scans durable state and corrects drift: approved requests
// past expiry are revoked, pending requests past expiry are denied.
// Individual failures are logged and retried on the next sweep.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	now := s.now()
	s.metrics.ReconcileSweeps.Inc()

	expired, err := s.source.ListExpired(models.StateApproved, now)
	if err != nil {
		return err
	}
	for _, req := range expired {
		if err := s.lifecycle.Revoke(ctx, req.RequestID, models.ActorScheduler, workflow.RevokeReasonExpired); err != nil {
			s.logger.Warn().Err(err).
				Str("request_id", req.RequestID).
				Time("expired_at", req.ExpiresAt).
				Msg("sweep revocation failed, will retry next sweep")
			s.metrics.RecordError("scheduler", "sweep_revoke")
			continue
		}
		s.metrics.ObserveRevocationLag(now.Sub(req.ExpiresAt).Seconds())
	}

	stale, err := s.source.ListExpired(models.StatePending, now)
	if err != nil {
		return err
	}
	for _, req := range stale {
		if err := s.lifecycle.Deny(ctx, req.RequestID, models.ActorScheduler, workflow.PendingExpiredReason); err != nil {
			s.logger.Warn().Err(err).
				Str("request_id", req.RequestID).
				Msg("failed to expire stale pending request")
			s.metrics.RecordError("scheduler", "sweep_expire")
		}
	}

	if active, err := s.source.CountByState(models.StateApproved); err == nil {
		s.metrics.ActiveGrants.Set(float64(active))
	}

	if len(expired) > 0 || len(stale) > 0 {
		s.logger.Info().
			Int("revoked", len(expired)).
			Int("expired_pending", len(stale)).
			Msg("reconcile sweep corrected drift")
	}
	return nil
}

// ArmedCount returns the number of armed timers (for tests).
func (s *Scheduler) ArmedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Scheduler) stopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
