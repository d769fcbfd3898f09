package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	slackapi "github.com/slack-go/slack"
)

// slackPoster abstracts the Slack API method we use, enabling test mocks.
type slackPoster interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Slack posts notices to one Slack channel.
type Slack struct {
	client    slackPoster
	channelID string
	baseWait  time.Duration
}

// NewSlack creates a Slack notifier authenticated with a bot token.
func NewSlack(botToken, channelID string) (*Slack, error) {
	if botToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if channelID == "" {
		return nil, fmt.Errorf("slack: channel id is required")
	}
	return &Slack{client: slackapi.New(botToken), channelID: channelID, baseWait: time.Second}, nil
}

// Notify implements Notifier.
func (s *Slack) Notify(ctx context.Context, n Notice) error {
	options := slackMessageOptions(n)
	err := s.retryOnRateLimit(ctx, func() error {
		_, _, postErr := s.client.PostMessage(s.channelID, options...)
		return postErr
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

func slackMessageOptions(n Notice) []slackapi.MsgOption {
	att := slackapi.Attachment{
		Title:    n.Title(),
		Text:     n.Body(),
		Color:    acceptColor,
		Fallback: n.Title(),
	}
	if n.Prompt != "" {
		att.Fields = append(att.Fields, slackapi.AttachmentField{Title: "Prompt", Value: truncate(n.Prompt, 200)})
	}
	if n.SessionID != "" {
		att.Fields = append(att.Fields, slackapi.AttachmentField{Title: "Session", Value: n.SessionID, Short: true})
	}
	return []slackapi.MsgOption{
		slackapi.MsgOptionText(n.Title(), false),
		slackapi.MsgOptionAttachments(att),
	}
}

// retryOnRateLimit calls fn and retries on Slack rate limit errors,
// honoring RetryAfter when Slack sends one.
func (s *Slack) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxRetries {
			return err
		}
		wait := rle.RetryAfter
		if wait <= 0 {
			wait = backoff(attempt, s.baseWait, time.Minute)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
