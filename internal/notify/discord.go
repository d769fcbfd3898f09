package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/discordgo"
)

// discordSender abstracts the Discord REST method we use, enabling test mocks.
type discordSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Discord posts notices to one Discord channel over REST; no gateway
// connection is opened.
type Discord struct {
	sess      discordSender
	channelID string
	baseWait  time.Duration
	maxWait   time.Duration
}

// NewDiscord creates a Discord notifier authenticated with a bot token.
func NewDiscord(botToken, channelID string) (*Discord, error) {
	if botToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("discord: channel id is required")
	}
	dg, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	return &Discord{sess: dg, channelID: channelID, baseWait: 2 * time.Second, maxWait: time.Minute}, nil
}

// Notify implements Notifier.
func (d *Discord) Notify(ctx context.Context, n Notice) error {
	data := discordMessage(n)
	err := d.retryOnRateLimit(ctx, func() error {
		_, sendErr := d.sess.ChannelMessageSendComplex(d.channelID, data, discordgo.WithContext(ctx))
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

func discordMessage(n Notice) *discordgo.MessageSend {
	embed := &discordgo.MessageEmbed{
		Title:       n.Title(),
		Description: n.Body(),
		Color:       parseHexColor(acceptColor),
	}
	if n.Prompt != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Prompt", Value: truncate(n.Prompt, 200)})
	}
	if n.SessionID != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{Name: "Session", Value: n.SessionID, Inline: true})
	}
	return &discordgo.MessageSend{Embeds: []*discordgo.MessageEmbed{embed}}
}

// parseHexColor converts a hex color string (e.g. "#36a64f") to an int.
func parseHexColor(hex string) int {
	if len(hex) > 0 && hex[0] == '#' {
		hex = hex[1:]
	}
	var color int
	for _, c := range hex {
		color <<= 4
		switch {
		case c >= '0' && c <= '9':
			color |= int(c - '0')
		case c >= 'a' && c <= 'f':
			color |= int(c-'a') + 10
		case c >= 'A' && c <= 'F':
			color |= int(c-'A') + 10
		}
	}
	return color
}

// retryOnRateLimit calls fn and retries with exponential backoff on 429s.
func (d *Discord) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil ||
			restErr.Response.StatusCode != http.StatusTooManyRequests || attempt == maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff(attempt, d.baseWait, d.maxWait)):
		}
	}
}
