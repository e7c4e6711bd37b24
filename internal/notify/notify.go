// Package notify delivers approval requests and outcome messages to
// humans. Delivery is best-effort: the workflow logs failures and never
// blocks a state transition on them.
package notify

import (
	"context"

	"github.com/p-blackswan/jit-access/internal/models"
	"github.com/p-blackswan/jit-access/internal/policy"
)

// Gateway delivers lifecycle notifications.
type Gateway interface {
	// NotifyApprovers tells the entitlement's approvers a request is
	// waiting for a decision.
	NotifyApprovers(ctx context.Context, rule policy.Rule, req *models.AccessRequest) error
	// NotifyOutcome tells the requester how their request was resolved.
	NotifyOutcome(ctx context.Context, req *models.AccessRequest, outcome models.DecisionOutcome) error
}

// Nop is a gateway that delivers nothing. Used when Slack is not
// configured and in tests.
type Nop struct{}

// NotifyApprovers implements Gateway.
func (Nop) NotifyApprovers(ctx context.Context, rule policy.Rule, req *models.AccessRequest) error {
	return nil
}

// NotifyOutcome implements Gateway.
func (Nop) NotifyOutcome(ctx context.Context, req *models.AccessRequest, outcome models.DecisionOutcome) error {
	return nil
}
