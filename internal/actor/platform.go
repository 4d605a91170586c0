package actor

import (
	"context"

	"github.com/bwmarrin/discordgo"
	tgbot "github.com/go-telegram/bot"
	"github.com/slack-go/slack"

	"github.com/nexusnarrative/narrator/internal/apperr"
)

// Platform is an outbound posting surface.
type Platform interface {
	Name() string
	PostMessage(ctx context.Context, channelID, content string) error
}

// DiscordPlatform posts through a discordgo session.
type DiscordPlatform struct {
	session *discordgo.Session
}

// NewDiscordPlatform builds a Discord platform from a bot token.
func NewDiscordPlatform(token string) (*DiscordPlatform, error) {
	if token == "" {
		return nil, apperr.New(apperr.KindMissingCredential, "platform.discord", nil,
			map[string]any{"env_var": "DISCORD_BOT_TOKEN"})
	}
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, apperr.New(apperr.KindConfig, "platform.discord", err, nil)
	}
	return &DiscordPlatform{session: session}, nil
}

func (p *DiscordPlatform) Name() string { return "discord" }

// PostMessage sends a channel message.
func (p *DiscordPlatform) PostMessage(ctx context.Context, channelID, content string) error {
	_, err := p.session.ChannelMessageSend(channelID, content, discordgo.WithContext(ctx))
	if err != nil {
		return apperr.New(apperr.KindBackend, "platform.discord", err, map[string]any{"channel": channelID})
	}
	return nil
}

// SlackPlatform posts through the Slack Web API.
type SlackPlatform struct {
	client *slack.Client
}

// NewSlackPlatform builds a Slack platform from a bot token.
func NewSlackPlatform(token string) (*SlackPlatform, error) {
	if token == "" {
		return nil, apperr.New(apperr.KindMissingCredential, "platform.slack", nil,
			map[string]any{"env_var": "SLACK_BOT_TOKEN"})
	}
	return &SlackPlatform{client: slack.New(token)}, nil
}

func (p *SlackPlatform) Name() string { return "slack" }

// PostMessage posts to a channel.
func (p *SlackPlatform) PostMessage(ctx context.Context, channelID, content string) error {
	_, _, err := p.client.PostMessageContext(ctx, channelID, slack.MsgOptionText(content, false))
	if err != nil {
		return apperr.New(apperr.KindBackend, "platform.slack", err, map[string]any{"channel": channelID})
	}
	return nil
}

// TelegramPlatform posts through the Telegram bot API.
type TelegramPlatform struct {
	bot *tgbot.Bot
}

// NewTelegramPlatform builds a Telegram platform from a bot token.
func NewTelegramPlatform(token string) (*TelegramPlatform, error) {
	if token == "" {
		return nil, apperr.New(apperr.KindMissingCredential, "platform.telegram", nil,
			map[string]any{"env_var": "TELEGRAM_BOT_TOKEN"})
	}
	b, err := tgbot.New(token)
	if err != nil {
		return nil, apperr.New(apperr.KindConfig, "platform.telegram", err, nil)
	}
	return &TelegramPlatform{bot: b}, nil
}

func (p *TelegramPlatform) Name() string { return "telegram" }

// PostMessage sends a chat message.
func (p *TelegramPlatform) PostMessage(ctx context.Context, chatID, content string) error {
	_, err := p.bot.SendMessage(ctx, &tgbot.SendMessageParams{ChatID: chatID, Text: content})
	if err != nil {
		return apperr.New(apperr.KindBackend, "platform.telegram", err, map[string]any{"chat": chatID})
	}
	return nil
}

// NewPlatform builds the platform named in an actor config from its
// token. Unknown names fail with Config.
func NewPlatform(name, token string) (Platform, error) {
	switch name {
	case "discord":
		return NewDiscordPlatform(token)
	case "slack":
		return NewSlackPlatform(token)
	case "telegram":
		return NewTelegramPlatform(token)
	}
	return nil, apperr.New(apperr.KindConfig, "platform.new", nil, map[string]any{
		"reason": "unknown platform " + name,
	})
}
