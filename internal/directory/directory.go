// Package directory abstracts the directory service that holds privileged
// group membership. The workflow core only sees the Adapter interface;
// backends live behind it so the lifecycle engine is testable without a
// real directory.
package directory

import "context"

// Adapter adds and removes a principal from an entitlement group. Both
// operations must be idempotent: granting an already-granted membership,
// or revoking an absent one, succeeds.
type Adapter interface {
	Grant(ctx context.Context, principal, entitlement string) error
	Revoke(ctx context.Context, principal, entitlement string) error
}
