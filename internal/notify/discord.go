package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// DiscordSink posts notifications to one Discord channel over the REST API.
// It does not open the gateway websocket.
type DiscordSink struct {
	session *discordgo.Session
	channel string
	logger  *zap.Logger
}

// NewDiscordSink creates a sink for the bot token and channel id.
func NewDiscordSink(token, channel string, logger *zap.Logger) (*DiscordSink, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &DiscordSink{session: session, channel: channel, logger: logger}, nil
}

func (s *DiscordSink) Name() string { return "discord" }

func (s *DiscordSink) Send(ctx context.Context, n Notification) error {
	content := n.Content
	if n.Title != "" {
		content = fmt.Sprintf("**[%s] %s**\n%s", n.Kind, n.Title, n.Content)
	}
	if n.AgentID != "" {
		content = fmt.Sprintf("**[%s]** %s", n.AgentID, content)
	}

	msg, err := s.session.ChannelMessageSend(s.channel, content, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord send: %w", err)
	}
	s.logger.Debug("discord notification sent", zap.String("channel", s.channel), zap.String("id", msg.ID))
	return nil
}

func (s *DiscordSink) Close() error {
	return s.session.Close()
}
