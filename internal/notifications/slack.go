package notifications

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/slack-go/slack"
)

// SlackChannel posts summaries to Slack through an incoming webhook or, with a bot
// token, to a channel via chat.postMessage
type SlackChannel struct {
	webhookURL string
	httpClient *http.Client

	client  *slack.Client
	channel string
}

// NewSlackWebhook creates a channel that posts to an incoming webhook URL
func NewSlackWebhook(webhookURL string) (*SlackChannel, error) {
	if strings.TrimSpace(webhookURL) == "" {
		return nil, errors.New("slack webhook url is required")
	}
	return &SlackChannel{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// NewSlackBot creates a channel that posts to channelID with a bot token
func NewSlackBot(token, channelID string, opts ...slack.Option) (*SlackChannel, error) {
	if token == "" || channelID == "" {
		return nil, errors.New("slack token and channel are required")
	}
	return &SlackChannel{client: slack.New(token, opts...), channel: channelID}, nil
}

// Name returns the channel name
func (c *SlackChannel) Name() string {
	return "slack"
}

// Deliver sends a summary to Slack
func (c *SlackChannel) Deliver(ctx context.Context, s *Summary) error {
	blocks := buildMessageBlocks(s)
	fallbackText := fmt.Sprintf("%s: %s", s.Title, s.Message())

	if c.webhookURL != "" {
		msg := &slack.WebhookMessage{
			Text:   fallbackText,
			Blocks: &slack.Blocks{BlockSet: blocks},
		}
		if err := slack.PostWebhookCustomHTTPContext(ctx, c.webhookURL, c.httpClient, msg); err != nil {
			return fmt.Errorf("failed to post Slack webhook: %w", err)
		}
		return nil
	}

	_, _, err := c.client.PostMessageContext(ctx, c.channel,
		slack.MsgOptionBlocks(blocks...),
		slack.MsgOptionText(fallbackText, false),
	)
	if err != nil {
		return fmt.Errorf("failed to post Slack message: %w", err)
	}
	return nil
}

func buildMessageBlocks(s *Summary) []slack.Block {
	emoji := ":white_check_mark:"
	switch {
	case s.Total > 0 && s.Succeeded == 0:
		emoji = ":x:"
	case s.Failed > 0:
		emoji = ":warning:"
	}

	blocks := []slack.Block{
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("%s *%s*", emoji, s.Title), false, false),
			nil,
			nil,
		),
		slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", s.Message(), false, false),
			nil,
			nil,
		),
	}

	if len(s.Failures) > 0 {
		var b strings.Builder
		for _, f := range s.Failures {
			fmt.Fprintf(&b, "• <%s> %s\n", f.URL, f.Message)
		}
		if more := s.Failed - len(s.Failures); more > 0 {
			fmt.Fprintf(&b, "…and %d more", more)
		}
		blocks = append(blocks, slack.NewSectionBlock(
			slack.NewTextBlockObject("mrkdwn", strings.TrimSpace(b.String()), false, false),
			nil,
			nil,
		))
	}

	return blocks
}
