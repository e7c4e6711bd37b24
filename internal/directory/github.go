package directory

import (
	"context"
	"net/http"

	"github.com/google/go-github/v60/github"
	"github.com/rs/zerolog"

	jiterrors "github.com/p-blackswan/jit-access/internal/errors"
)

// GitHub maps entitlements to org team slugs: granting adds the principal
// to the team, revoking removes them.
type GitHub struct {
	client *github.Client
	org    string
	logger zerolog.Logger
}

// NewGitHub creates an adapter using a token-authenticated client.
func NewGitHub(org, token string, logger zerolog.Logger) *GitHub {
	return NewGitHubFromClient(github.NewClient(nil).WithAuthToken(token), org, logger)
}

// NewGitHubFromClient creates an adapter from an existing client (for
// testing against a stub transport).
func NewGitHubFromClient(client *github.Client, org string, logger zerolog.Logger) *GitHub {
	return &GitHub{
		client: client,
		org:    org,
		logger: logger.With().Str("component", "directory_github").Logger(),
	}
}

// Grant adds the principal to the entitlement team. The membership API is
// idempotent on the GitHub side: re-adding an existing member succeeds.
func (g *GitHub) Grant(ctx context.Context, principal, entitlement string) error {
	opts := &github.TeamAddTeamMembershipOptions{Role: "member"}
	_, _, err := g.client.Teams.AddTeamMembershipBySlug(ctx, g.org, entitlement, principal, opts)
	if err != nil {
		return jiterrors.NewDirectoryError("github", "grant", err)
	}

	g.logger.Info().
		Str("principal", principal).
		Str("team", entitlement).
		Str("org", g.org).
		Msg("team membership granted")
	return nil
}

// Revoke removes the principal from the entitlement team. A 404 means the
// membership (or team) is already gone, which counts as success.
func (g *GitHub) Revoke(ctx context.Context, principal, entitlement string) error {
	resp, err := g.client.Teams.RemoveTeamMembershipBySlug(ctx, g.org, entitlement, principal)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil
		}
		return jiterrors.NewDirectoryError("github", "revoke", err)
	}

	g.logger.Info().
		Str("principal", principal).
		Str("team", entitlement).
		Str("org", g.org).
		Msg("team membership revoked")
	return nil
}
