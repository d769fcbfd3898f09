// Package llm defines the streaming chat capability the orchestration core is
// built on, plus vendor implementations of it.
package llm

import (
	"context"
	"time"
)

// Role is the author of a chat turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one turn on the wire to a vendor.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Update is an incremental callback from a streaming call. Nil fields were
// not reported by the vendor in this update. TextSoFar is always cumulative.
type Update struct {
	OriginModel *string
	TextSoFar   *string
	IsTyping    *bool
}

// StreamOpts are pass-through hints for a streaming call.
type StreamOpts struct {
	ConcurrencyHint int
	TTSMode         string // "off" unless a speaker is attached
}

// StreamClient streams one chat completion. Implementations must call
// onUpdate sequentially, must return promptly once ctx is cancelled, and
// return ctx.Err() (or an error wrapping it) in that case.
type StreamClient interface {
	StreamChat(ctx context.Context, modelID string, messages []ChatMessage, opts StreamOpts, onUpdate func(Update)) error
}

// Message is a unit of conversation content owned by a ray or fusion.
// UpdatedAt stays nil until the producer has written real content.
type Message struct {
	Role        Role       `json:"role"`
	Text        string     `json:"text"`
	OriginModel string     `json:"origin_model,omitempty"`
	Typing      bool       `json:"typing"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
}

// NewMessage creates a message with CreatedAt set and no UpdatedAt.
func NewMessage(role Role, text string) Message {
	return Message{Role: role, Text: text, CreatedAt: time.Now()}
}

// ToChat converts conversation messages to wire messages.
func ToChat(msgs []Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, ChatMessage{Role: m.Role, Content: m.Text})
	}
	return out
}

// ValidHistory reports whether history can seed a generation: non-empty and
// ending in a user turn.
func ValidHistory(history []Message) bool {
	return len(history) > 0 && history[len(history)-1].Role == RoleUser
}

// StringPtr and BoolPtr build Update fields.
func StringPtr(s string) *string { return &s }

func BoolPtr(b bool) *bool { return &b }
