package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockScript scripts one model's behavior in a MockClient. Chunks are
// appended to build the cumulative text. If Hold is set, the call blocks
// after the chunks until Hold is closed or ctx is cancelled. Err is returned
// once the chunks (and Hold) are done.
type MockScript struct {
	Chunks []string
	Delay  time.Duration // between chunks
	Hold   <-chan struct{}
	Err    error
}

// MockCall records one StreamChat invocation.
type MockCall struct {
	ModelID  string
	Messages []ChatMessage
	Opts     StreamOpts
	CtxErr   error // ctx.Err() when the call returned
}

// MockClient implements StreamClient for tests with per-model scripts.
type MockClient struct {
	mu       sync.Mutex
	scripts  map[string]MockScript
	fallback *MockScript
	calls    []MockCall
	started  chan struct{}
}

// NewMockClient creates a MockClient with no scripts. Unscripted models
// fail with an error unless a default script is set.
func NewMockClient() *MockClient {
	return &MockClient{
		scripts: make(map[string]MockScript),
		started: make(chan struct{}, 256),
	}
}

// Script sets the behavior for modelID.
func (m *MockClient) Script(modelID string, s MockScript) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[modelID] = s
}

// Default sets the behavior for unscripted models.
func (m *MockClient) Default(s MockScript) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = &s
}

// Calls returns a copy of the recorded calls (completed ones carry CtxErr).
func (m *MockClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns the number of StreamChat invocations so far.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// WaitForCalls blocks until at least n calls have started or timeout.
func (m *MockClient) WaitForCalls(n int, timeout time.Duration) bool {
	deadline := time.After(timeout)
	for {
		if m.CallCount() >= n {
			return true
		}
		select {
		case <-m.started:
		case <-deadline:
			return m.CallCount() >= n
		}
	}
}

// StreamChat implements StreamClient.
func (m *MockClient) StreamChat(ctx context.Context, modelID string, messages []ChatMessage, opts StreamOpts, onUpdate func(Update)) error {
	m.mu.Lock()
	script, ok := m.scripts[modelID]
	if !ok && m.fallback != nil {
		script, ok = *m.fallback, true
	}
	msgs := make([]ChatMessage, len(messages))
	copy(msgs, messages)
	idx := len(m.calls)
	m.calls = append(m.calls, MockCall{ModelID: modelID, Messages: msgs, Opts: opts})
	m.mu.Unlock()

	select {
	case m.started <- struct{}{}:
	default:
	}

	err := m.play(ctx, modelID, script, ok, onUpdate)

	m.mu.Lock()
	m.calls[idx].CtxErr = ctx.Err()
	m.mu.Unlock()
	return err
}

func (m *MockClient) play(ctx context.Context, modelID string, script MockScript, ok bool, onUpdate func(Update)) error {
	if !ok {
		return fmt.Errorf("mock: no script for model %q", modelID)
	}

	onUpdate(Update{OriginModel: StringPtr(modelID), IsTyping: BoolPtr(true)})
	text := ""
	for _, chunk := range script.Chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if script.Delay > 0 {
			select {
			case <-time.After(script.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		text += chunk
		onUpdate(Update{TextSoFar: StringPtr(text), IsTyping: BoolPtr(true)})
	}

	if script.Hold != nil {
		select {
		case <-script.Hold:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if script.Err != nil {
		return script.Err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	onUpdate(Update{TextSoFar: StringPtr(text), IsTyping: BoolPtr(false)})
	return nil
}
