package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// SlackSink posts notifications to one Slack channel.
type SlackSink struct {
	client  *slack.Client
	channel string
	logger  *zap.Logger
}

// NewSlackSink creates a sink for the bot token and channel. Extra client
// options (such as slack.OptionAPIURL) are passed through.
func NewSlackSink(token, channel string, logger *zap.Logger, opts ...slack.Option) *SlackSink {
	return &SlackSink{
		client:  slack.New(token, opts...),
		channel: channel,
		logger:  logger,
	}
}

func (s *SlackSink) Name() string { return "slack" }

func (s *SlackSink) Send(ctx context.Context, n Notification) error {
	text := n.Content
	if n.Title != "" {
		text = fmt.Sprintf("*[%s] %s*\n%s", n.Kind, n.Title, n.Content)
	}
	opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
	if n.AgentID != "" {
		opts = append(opts, slack.MsgOptionUsername(n.AgentID))
	}

	_, ts, err := s.client.PostMessageContext(ctx, s.channel, opts...)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	s.logger.Debug("slack notification sent", zap.String("channel", s.channel), zap.String("ts", ts))
	return nil
}

func (s *SlackSink) Close() error { return nil }
