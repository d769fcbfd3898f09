package stream

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/zulandar/beamyard/internal/llm"
	"github.com/zulandar/beamyard/internal/metrics"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// clientFunc adapts a function to llm.StreamClient.
type clientFunc func(ctx context.Context, onUpdate func(llm.Update)) error

func (f clientFunc) StreamChat(ctx context.Context, _ string, _ []llm.ChatMessage, _ llm.StreamOpts, onUpdate func(llm.Update)) error {
	return f(ctx, onUpdate)
}

type recorder struct {
	msgs []llm.Message
}

func (r *recorder) onUpdate(m llm.Message) { r.msgs = append(r.msgs, m) }

func (r *recorder) last() llm.Message { return r.msgs[len(r.msgs)-1] }

func typing(text string) llm.Update {
	return llm.Update{TextSoFar: llm.StringPtr(text), IsTyping: llm.BoolPtr(true)}
}

func TestRunner_Interval(t *testing.T) {
	r := NewRunner(RunnerOpts{ThrottleHz: 10})
	tests := []struct {
		hint int
		want time.Duration
	}{
		{0, 0},
		{1, 100 * time.Millisecond},
		{4, 200 * time.Millisecond},
		{9, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("hint=%d", tt.hint), func(t *testing.T) {
			if got := r.Interval(tt.hint); got != tt.want {
				t.Errorf("Interval(%d) = %v, want %v", tt.hint, got, tt.want)
			}
		})
	}

	if got := NewRunner(RunnerOpts{ThrottleHz: -1}).Interval(4); got != 0 {
		t.Errorf("negative hz interval = %v, want 0", got)
	}
	if got := NewRunner(RunnerOpts{}).Interval(1); got != time.Second/DefaultThrottleHz {
		t.Errorf("default interval = %v, want %v", got, time.Second/DefaultThrottleHz)
	}
}

func TestRun_ThrottlesAndFlushesFinal(t *testing.T) {
	clock := newFakeClock()
	const n = 50
	const step = 10 * time.Millisecond
	client := clientFunc(func(ctx context.Context, onUpdate func(llm.Update)) error {
		for i := 1; i <= n; i++ {
			clock.Advance(step)
			onUpdate(typing(strings.Repeat("x", i)))
		}
		return nil
	})
	m := metrics.New()
	r := NewRunner(RunnerOpts{Client: client, ThrottleHz: 10, Now: clock.Now, Metrics: m})

	rec := &recorder{}
	outcome := r.Run(context.Background(), Request{ModelID: "m", ConcurrencyHint: 1}, rec.onUpdate)
	if outcome != Success {
		t.Fatalf("outcome = %s, want success", outcome)
	}

	duration := n * step
	interval := r.Interval(1)
	maxDuring := int((duration+interval-1)/interval) + 1
	during := len(rec.msgs) - 1
	if during > maxDuring {
		t.Errorf("forwarded %d partials, want at most %d", during, maxDuring)
	}
	if during < 2 {
		t.Errorf("forwarded %d partials, want throttled forwarding to still emit some", during)
	}

	final := rec.last()
	if final.Text != strings.Repeat("x", n) {
		t.Errorf("final text length = %d, want %d", len(final.Text), n)
	}
	if final.Typing {
		t.Error("final update must have Typing=false")
	}
	for _, msg := range rec.msgs[:len(rec.msgs)-1] {
		if !msg.Typing {
			t.Error("partial updates should be typing")
		}
	}
	if got := testutil.ToFloat64(m.UpdatesSuppressed); got == 0 {
		t.Error("expected suppressed updates to be counted")
	}
}

func TestRun_ThrottleNeverReorders(t *testing.T) {
	clock := newFakeClock()
	client := clientFunc(func(ctx context.Context, onUpdate func(llm.Update)) error {
		for i := 1; i <= 30; i++ {
			clock.Advance(37 * time.Millisecond)
			onUpdate(typing(strings.Repeat("y", i)))
		}
		return nil
	})
	r := NewRunner(RunnerOpts{Client: client, ThrottleHz: 10, Now: clock.Now})
	rec := &recorder{}
	r.Run(context.Background(), Request{ConcurrencyHint: 2}, rec.onUpdate)

	prev := 0
	for _, msg := range rec.msgs {
		if len(msg.Text) < prev {
			t.Fatalf("update went backwards: %d after %d", len(msg.Text), prev)
		}
		prev = len(msg.Text)
	}
}

func TestRun_ZeroHintForwardsEverything(t *testing.T) {
	client := clientFunc(func(ctx context.Context, onUpdate func(llm.Update)) error {
		for i := 1; i <= 20; i++ {
			onUpdate(typing(strings.Repeat("z", i)))
		}
		return nil
	})
	r := NewRunner(RunnerOpts{Client: client, Now: newFakeClock().Now})
	rec := &recorder{}
	r.Run(context.Background(), Request{ConcurrencyHint: 0}, rec.onUpdate)
	if len(rec.msgs) != 21 {
		t.Errorf("forwarded %d updates, want 21 (20 partial + final)", len(rec.msgs))
	}
}

func TestRun_ErrorAppendsIssueMarker(t *testing.T) {
	client := clientFunc(func(ctx context.Context, onUpdate func(llm.Update)) error {
		onUpdate(typing("partial"))
		return errors.New("boom")
	})
	r := NewRunner(RunnerOpts{Client: client})
	rec := &recorder{}
	outcome := r.Run(context.Background(), Request{}, rec.onUpdate)
	if outcome != Errored {
		t.Fatalf("outcome = %s, want errored", outcome)
	}
	if got := rec.last().Text; got != "partial\n\n[Issue: boom]" {
		t.Errorf("final text = %q", got)
	}
}

func TestRun_ErrorWithoutTextHasBareMarker(t *testing.T) {
	client := clientFunc(func(ctx context.Context, onUpdate func(llm.Update)) error {
		return errors.New("401 unauthorized")
	})
	r := NewRunner(RunnerOpts{Client: client})
	rec := &recorder{}
	r.Run(context.Background(), Request{}, rec.onUpdate)
	if got := rec.last().Text; got != "[Issue: 401 unauthorized]" {
		t.Errorf("final text = %q", got)
	}
}

func TestRun_AbortReturnsAbortedWithoutMarker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := clientFunc(func(ctx context.Context, onUpdate func(llm.Update)) error {
		onUpdate(typing("half"))
		cancel()
		<-ctx.Done()
		return ctx.Err()
	})
	r := NewRunner(RunnerOpts{Client: client})
	rec := &recorder{}
	outcome := r.Run(ctx, Request{}, rec.onUpdate)
	if outcome != Aborted {
		t.Fatalf("outcome = %s, want aborted", outcome)
	}
	final := rec.last()
	if final.Text != "half" {
		t.Errorf("final text = %q, want %q", final.Text, "half")
	}
	if final.Typing {
		t.Error("final update must have Typing=false")
	}
}

func TestRun_PanicIsContained(t *testing.T) {
	client := clientFunc(func(ctx context.Context, onUpdate func(llm.Update)) error {
		panic("kaboom")
	})
	r := NewRunner(RunnerOpts{Client: client})
	rec := &recorder{}
	outcome := r.Run(context.Background(), Request{}, rec.onUpdate)
	if outcome != Errored {
		t.Fatalf("outcome = %s, want errored", outcome)
	}
	if !strings.Contains(rec.last().Text, "kaboom") {
		t.Errorf("final text = %q, want panic message", rec.last().Text)
	}
}

func TestRun_NilClient(t *testing.T) {
	r := NewRunner(RunnerOpts{})
	rec := &recorder{}
	if outcome := r.Run(context.Background(), Request{}, rec.onUpdate); outcome != Errored {
		t.Errorf("outcome = %s, want errored", outcome)
	}
}

func TestRun_LateUpdatesIgnored(t *testing.T) {
	var late func(llm.Update)
	client := clientFunc(func(ctx context.Context, onUpdate func(llm.Update)) error {
		onUpdate(typing("done"))
		late = onUpdate
		return nil
	})
	r := NewRunner(RunnerOpts{Client: client})
	rec := &recorder{}
	r.Run(context.Background(), Request{}, rec.onUpdate)
	n := len(rec.msgs)
	late(typing("too late"))
	if len(rec.msgs) != n {
		t.Error("update after settle was forwarded")
	}
}

func TestRun_MergesOriginModel(t *testing.T) {
	client := clientFunc(func(ctx context.Context, onUpdate func(llm.Update)) error {
		onUpdate(llm.Update{OriginModel: llm.StringPtr("gpt-x-2025")})
		onUpdate(typing("hi"))
		return nil
	})
	r := NewRunner(RunnerOpts{Client: client})
	rec := &recorder{}
	r.Run(context.Background(), Request{}, rec.onUpdate)
	if got := rec.last().OriginModel; got != "gpt-x-2025" {
		t.Errorf("OriginModel = %q", got)
	}
}

type speakRecorder struct {
	mu    sync.Mutex
	texts []string
}

func (s *speakRecorder) Speak(_ context.Context, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
}

func TestRun_SpeaksPartialOnce(t *testing.T) {
	first := strings.Repeat("a", 150) + "."
	client := clientFunc(func(ctx context.Context, onUpdate func(llm.Update)) error {
		onUpdate(typing(first))
		onUpdate(typing(first + " More text. And more."))
		onUpdate(typing(first + " More text. And more. Even more."))
		return nil
	})
	sp := &speakRecorder{}
	r := NewRunner(RunnerOpts{Client: client, Speaker: sp})
	r.Run(context.Background(), Request{Speak: true}, (&recorder{}).onUpdate)

	if len(sp.texts) != 1 {
		t.Fatalf("spoke %d times, want 1: %q", len(sp.texts), sp.texts)
	}
	if sp.texts[0] != first {
		t.Errorf("spoken = %q, want the first sentence", sp.texts[0])
	}
}

// The window counts characters, so multibyte text cuts at the same place.
func TestRun_SpeechWindowCountsRunes(t *testing.T) {
	first := strings.Repeat("é", 250) + "."
	client := clientFunc(func(ctx context.Context, onUpdate func(llm.Update)) error {
		onUpdate(typing(first + " Rest of the answer"))
		return nil
	})
	sp := &speakRecorder{}
	r := NewRunner(RunnerOpts{Client: client, Speaker: sp})
	r.Run(context.Background(), Request{Speak: true}, (&recorder{}).onUpdate)

	if len(sp.texts) != 1 || sp.texts[0] != first {
		t.Errorf("spoken = %q, want the first sentence", sp.texts)
	}
}

func TestRun_SpeaksFinalWhenNoPartial(t *testing.T) {
	client := clientFunc(func(ctx context.Context, onUpdate func(llm.Update)) error {
		onUpdate(typing("Short answer."))
		return nil
	})
	sp := &speakRecorder{}
	r := NewRunner(RunnerOpts{Client: client, Speaker: sp})
	r.Run(context.Background(), Request{Speak: true}, (&recorder{}).onUpdate)
	if len(sp.texts) != 1 || sp.texts[0] != "Short answer." {
		t.Errorf("spoken = %q, want final text once", sp.texts)
	}
}

func TestRun_NoSpeechWhenAbortedOrDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := clientFunc(func(ctx context.Context, onUpdate func(llm.Update)) error {
		onUpdate(typing("Short."))
		cancel()
		return ctx.Err()
	})
	sp := &speakRecorder{}
	r := NewRunner(RunnerOpts{Client: client, Speaker: sp})
	r.Run(ctx, Request{Speak: true}, (&recorder{}).onUpdate)
	if len(sp.texts) != 0 {
		t.Errorf("aborted run spoke %q", sp.texts)
	}

	ok := clientFunc(func(ctx context.Context, onUpdate func(llm.Update)) error {
		onUpdate(typing("Short."))
		return nil
	})
	r = NewRunner(RunnerOpts{Client: ok, Speaker: sp})
	r.Run(context.Background(), Request{Speak: false}, (&recorder{}).onUpdate)
	if len(sp.texts) != 0 {
		t.Errorf("disabled speech spoke %q", sp.texts)
	}
}

func TestBoundaryAfter(t *testing.T) {
	tests := []struct {
		name string
		text string
		from int
		want int
	}{
		{"none", "no boundary here", 0, -1},
		{"newline", "ab\ncd", 0, 3},
		{"sentence", "Hi. There", 0, 3},
		{"period at end is not a boundary", "Hi.", 0, -1},
		{"skips before from", "A. " + strings.Repeat("b", 10) + ". c", 5, 14},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := boundaryAfter([]rune(tt.text), tt.from); got != tt.want {
				t.Errorf("boundaryAfter(%q, %d) = %d, want %d", tt.text, tt.from, got, tt.want)
			}
		})
	}
}
