// Package gemini streams chat completions from the Gemini API.
package gemini

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/beamyard/internal/llm"
	"go.uber.org/zap"
	"google.golang.org/genai"
)

// Client streams from the Gemini API.
type Client struct {
	client *genai.Client
	logger *zap.Logger
}

// New creates a Gemini streaming client.
func New(ctx context.Context, apiKey string, logger *zap.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini: api key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{client: client, logger: logger.With(zap.String("provider", "gemini"))}, nil
}

// StreamChat implements llm.StreamClient.
func (c *Client) StreamChat(ctx context.Context, modelID string, messages []llm.ChatMessage, _ llm.StreamOpts, onUpdate func(llm.Update)) error {
	system, contents := toContents(messages)
	var cfg *genai.GenerateContentConfig
	if system != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		}
	}

	c.logger.Debug("stream start", zap.String("model", modelID), zap.Int("messages", len(messages)))
	var text strings.Builder
	for resp, err := range c.client.Models.GenerateContentStream(ctx, modelID, contents, cfg) {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("gemini: receive: %w", err)
		}
		upd := llm.Update{IsTyping: llm.BoolPtr(true)}
		if resp.ModelVersion != "" {
			upd.OriginModel = llm.StringPtr(resp.ModelVersion)
		}
		if chunk := resp.Text(); chunk != "" {
			text.WriteString(chunk)
			upd.TextSoFar = llm.StringPtr(text.String())
		}
		onUpdate(upd)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	onUpdate(llm.Update{TextSoFar: llm.StringPtr(text.String()), IsTyping: llm.BoolPtr(false)})
	return nil
}

// toContents folds system turns into one system instruction and maps
// assistant turns to the model role.
func toContents(messages []llm.ChatMessage) (string, []*genai.Content) {
	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, m.Content)
		case llm.RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return strings.Join(system, "\n\n"), contents
}

var _ llm.StreamClient = (*Client)(nil)
