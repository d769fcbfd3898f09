// Package stream drives a single streaming LLM call to completion and
// forwards throttled partial messages to a subscriber.
package stream

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/zulandar/beamyard/internal/llm"
	"github.com/zulandar/beamyard/internal/logging"
	"github.com/zulandar/beamyard/internal/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Outcome is how a streaming run settled.
type Outcome string

const (
	Success Outcome = "success"
	Aborted Outcome = "aborted"
	Errored Outcome = "errored"
)

// DefaultThrottleHz is the forwarding rate for a single active stream.
const DefaultThrottleHz = 12

// Speaker receives text for speech synthesis. Speak must not block.
type Speaker interface {
	Speak(ctx context.Context, text string)
}

// Request describes one run.
type Request struct {
	ModelID  string
	Messages []llm.ChatMessage
	// ConcurrencyHint is the number of sibling streams started together.
	// The throttle interval grows with its square root; 0 disables throttling.
	ConcurrencyHint int
	Speak           bool
}

// RunnerOpts holds parameters for creating a Runner.
type RunnerOpts struct {
	Client     llm.StreamClient
	ThrottleHz float64          // 0 uses DefaultThrottleHz, negative disables
	Now        func() time.Time // defaults to time.Now
	Speaker    Speaker
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Runner is the streaming aggregator. It is safe for concurrent use; each
// Run call owns its own accumulator and throttle.
type Runner struct {
	client     llm.StreamClient
	throttleHz float64
	now        func() time.Time
	speaker    Speaker
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

// NewRunner creates a Runner.
func NewRunner(opts RunnerOpts) *Runner {
	hz := opts.ThrottleHz
	if hz == 0 {
		hz = DefaultThrottleHz
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		client:     opts.Client,
		throttleHz: hz,
		now:        now,
		speaker:    opts.Speaker,
		logger:     logging.OrNop(opts.Logger),
		metrics:    opts.Metrics,
	}
}

// Interval returns the minimum spacing between forwarded updates for a
// given concurrency hint. Zero means every update is forwarded.
func (r *Runner) Interval(concurrencyHint int) time.Duration {
	if concurrencyHint <= 0 || r.throttleHz <= 0 {
		return 0
	}
	base := float64(time.Second) / r.throttleHz
	return time.Duration(base * math.Sqrt(float64(concurrencyHint)))
}

// Run invokes the client once and returns how the call settled. onUpdate
// receives throttled partial messages, then exactly one final message with
// Typing=false. Run never panics and never returns an error: failures are
// folded into the message text and the Outcome.
func (r *Runner) Run(ctx context.Context, req Request, onUpdate func(llm.Message)) Outcome {
	started := r.now()
	r.metrics.StreamStarted()

	acc := llm.Message{Role: llm.RoleAssistant, Typing: true, CreatedAt: started}
	th := newThrottle(r.Interval(req.ConcurrencyHint), r.now)
	sp := &speech{enabled: req.Speak && r.speaker != nil, speaker: r.speaker}

	var (
		mu     sync.Mutex
		closed bool
	)
	err := r.invoke(ctx, req, func(u llm.Update) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		merge(&acc, u)
		sp.partial(ctx, acc.Text)
		forward := th.allow()
		r.metrics.UpdateForwarded(forward)
		if forward {
			onUpdate(acc)
		}
	})

	mu.Lock()
	closed = true
	outcome := Success
	switch {
	case err == nil:
	case ctx.Err() != nil:
		outcome = Aborted
	default:
		outcome = Errored
		if acc.Text != "" {
			acc.Text += "\n\n"
		}
		acc.Text += fmt.Sprintf("[Issue: %s]", err.Error())
	}
	acc.Typing = false
	final := acc
	mu.Unlock()

	onUpdate(final)
	if outcome != Aborted {
		sp.final(ctx, final.Text)
	}

	elapsed := r.now().Sub(started)
	r.metrics.StreamSettled(string(outcome), elapsed)
	fields := []zap.Field{
		zap.String("model", req.ModelID),
		zap.String("outcome", string(outcome)),
		zap.Duration("elapsed", elapsed),
		zap.Int("chars", len(final.Text)),
	}
	if outcome == Errored {
		r.logger.Warn("stream errored", append(fields, zap.Error(err))...)
	} else {
		r.logger.Debug("stream settled", fields...)
	}
	return outcome
}

// invoke calls the client, converting a panic into an error.
func (r *Runner) invoke(ctx context.Context, req Request, onUpdate func(llm.Update)) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("stream: client panicked: %v", p)
		}
	}()
	if r.client == nil {
		return fmt.Errorf("stream: no client configured")
	}
	return r.client.StreamChat(ctx, req.ModelID, req.Messages, llm.StreamOpts{
		ConcurrencyHint: req.ConcurrencyHint,
		TTSMode:         ttsMode(req.Speak),
	}, onUpdate)
}

// merge applies an update to the accumulator. Text is replaced, not appended.
func merge(acc *llm.Message, u llm.Update) {
	if u.OriginModel != nil {
		acc.OriginModel = *u.OriginModel
	}
	if u.TextSoFar != nil {
		acc.Text = *u.TextSoFar
	}
	if u.IsTyping != nil {
		acc.Typing = *u.IsTyping
	}
}

func ttsMode(speak bool) string {
	if speak {
		return "partial"
	}
	return "off"
}

// throttle admits one event per interval using a burst-1 token bucket.
type throttle struct {
	lim *rate.Limiter
	now func() time.Time
}

func newThrottle(interval time.Duration, now func() time.Time) *throttle {
	if interval <= 0 {
		return &throttle{now: now}
	}
	return &throttle{lim: rate.NewLimiter(rate.Every(interval), 1), now: now}
}

func (t *throttle) allow() bool {
	if t.lim == nil {
		return true
	}
	return t.lim.AllowN(t.now(), 1)
}
