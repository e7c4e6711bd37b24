package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/jit-access/internal/models"
	"github.com/p-blackswan/jit-access/internal/policy"
)

// slackAPI is the subset of the Slack client the gateway uses.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// Slack posts approval requests and outcome messages to a configured
// approvals channel.
type Slack struct {
	api     slackAPI
	channel string
	logger  zerolog.Logger
}

// NewSlack creates a gateway from a bot token.
func NewSlack(botToken, channel string, logger zerolog.Logger) *Slack {
	return NewSlackFromAPI(slack.New(botToken), channel, logger)
}

// NewSlackFromAPI creates a gateway from an existing client (for testing).
func NewSlackFromAPI(api slackAPI, channel string, logger zerolog.Logger) *Slack {
	return &Slack{
		api:     api,
		channel: channel,
		logger:  logger.With().Str("component", "notify_slack").Logger(),
	}
}

// NotifyApprovers posts the approval request with decision buttons, and
// mentions the configured approver roster if there is one.
func (s *Slack) NotifyApprovers(ctx context.Context, rule policy.Rule, req *models.AccessRequest) error {
	blocks := ApprovalBlocks(req)

	fallback := fmt.Sprintf("Access request %s: %s -> %s", req.RequestID, req.Principal, req.Entitlement)
	if len(rule.Approvers) > 0 {
		fallback += " (approvers: " + strings.Join(rule.Approvers, ", ") + ")"
	}

	_, ts, err := s.api.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(fallback, false),
		slack.MsgOptionBlocks(blocks...),
	)
	if err != nil {
		return fmt.Errorf("posting approval request: %w", err)
	}

	s.logger.Info().
		Str("request_id", req.RequestID).
		Str("channel", s.channel).
		Str("message_ts", ts).
		Msg("approval request posted")
	return nil
}

// NotifyOutcome posts the resolution message.
func (s *Slack) NotifyOutcome(ctx context.Context, req *models.AccessRequest, outcome models.DecisionOutcome) error {
	_, _, err := s.api.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(OutcomeText(req, outcome), false),
	)
	if err != nil {
		return fmt.Errorf("posting outcome: %w", err)
	}
	return nil
}
