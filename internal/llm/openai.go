package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// OpenAIClient streams from any OpenAI-compatible chat completions endpoint
// (OpenAI, Ollama, OpenRouter, vLLM).
type OpenAIClient struct {
	name   string
	client *openai.Client
	logger *zap.Logger
}

// OpenAIOpts holds parameters for creating an OpenAIClient.
type OpenAIOpts struct {
	Name    string // provider name used in logs, e.g. "openai", "ollama"
	APIKey  string
	BaseURL string // empty uses the public OpenAI endpoint
	Logger  *zap.Logger
}

// NewOpenAIClient creates an OpenAI-compatible streaming client.
func NewOpenAIClient(opts OpenAIOpts) (*OpenAIClient, error) {
	if opts.APIKey == "" && opts.BaseURL == "" {
		return nil, fmt.Errorf("llm: openai: api key is required for the public endpoint")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	}
	name := opts.Name
	if name == "" {
		name = "openai"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIClient{
		name:   name,
		client: openai.NewClientWithConfig(cfg),
		logger: logger.With(zap.String("provider", name)),
	}, nil
}

// StreamChat implements StreamClient.
func (c *OpenAIClient) StreamChat(ctx context.Context, modelID string, messages []ChatMessage, opts StreamOpts, onUpdate func(Update)) error {
	req := openai.ChatCompletionRequest{
		Model:    modelID,
		Messages: toOpenAIMessages(messages),
		Stream:   true,
	}

	c.logger.Debug("stream start", zap.String("model", modelID), zap.Int("messages", len(messages)))
	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("llm: %s: create stream: %w", c.name, err)
	}
	defer stream.Close()

	var text strings.Builder
	origin := ""
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("llm: %s: receive: %w", c.name, err)
		}

		upd := Update{IsTyping: BoolPtr(true)}
		if resp.Model != "" && resp.Model != origin {
			origin = resp.Model
			upd.OriginModel = StringPtr(origin)
		}
		if len(resp.Choices) > 0 && resp.Choices[0].Delta.Content != "" {
			text.WriteString(resp.Choices[0].Delta.Content)
			upd.TextSoFar = StringPtr(text.String())
		}
		onUpdate(upd)
	}

	onUpdate(Update{TextSoFar: StringPtr(text.String()), IsTyping: BoolPtr(false)})
	c.logger.Debug("stream done", zap.String("model", modelID), zap.Int("chars", text.Len()))
	return nil
}

func toOpenAIMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case RoleSystem:
			role = openai.ChatMessageRoleSystem
		case RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}
