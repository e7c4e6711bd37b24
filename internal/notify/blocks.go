package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/p-blackswan/jit-access/internal/models"
)

// truncate shortens s to max chars, appending "…" if truncated.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

// ApprovalBlocks builds the Block Kit message asking approvers to decide
// a pending request. Button values carry the request ID so the
// interaction handler can route the decision.
func ApprovalBlocks(req *models.AccessRequest) []slack.Block {
	detail := fmt.Sprintf(
		":key: *Privileged access request*\n*Principal:* %s\n*Entitlement:* `%s`\n*Duration:* until %s\n*Justification:* %s",
		req.Principal,
		req.Entitlement,
		req.ExpiresAt.Format(time.RFC1123),
		truncate(req.Justification, 300),
	)

	return []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", detail, false, false),
			nil, nil,
		),
		slack.NewContextBlock("",
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("Request `%s`", req.RequestID), false, false),
		),
		slack.NewActionBlock(
			"access_decision",
			slack.NewButtonBlockElement(
				fmt.Sprintf("approve_%s", req.RequestID), req.RequestID,
				slack.NewTextBlockObject("plain_text", "✅ Approve", false, false),
			),
			slack.NewButtonBlockElement(
				fmt.Sprintf("deny_%s", req.RequestID), req.RequestID,
				slack.NewTextBlockObject("plain_text", "❌ Deny", false, false),
			),
		),
	}
}

// OutcomeText renders the one-line resolution message for the requester.
func OutcomeText(req *models.AccessRequest, outcome models.DecisionOutcome) string {
	var b strings.Builder
	switch outcome {
	case models.OutcomeApproved:
		fmt.Fprintf(&b, ":white_check_mark: Access to `%s` approved for %s until %s",
			req.Entitlement, req.Principal, req.ExpiresAt.Format(time.RFC1123))
	case models.OutcomeDenied:
		fmt.Fprintf(&b, ":no_entry: Access to `%s` denied for %s", req.Entitlement, req.Principal)
	case models.OutcomeRevoked:
		fmt.Fprintf(&b, ":lock: Access to `%s` revoked for %s", req.Entitlement, req.Principal)
	default:
		fmt.Fprintf(&b, "Access request `%s` resolved: %s", req.RequestID, outcome)
	}
	if req.Decision != nil {
		fmt.Fprintf(&b, " (by %s", req.Decision.DecidedBy)
		if req.Decision.Reason != "" {
			fmt.Fprintf(&b, ": %s", truncate(req.Decision.Reason, 120))
		}
		b.WriteString(")")
	}
	return b.String()
}
