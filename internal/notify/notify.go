// Package notify posts accepted beam output to chat channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/zulandar/beamyard/internal/logging"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// maxBodyRunes keeps posts inside the smallest platform limit (Discord
	// embed descriptions).
	maxBodyRunes = 3500
	// acceptColor tags accepted output in both platforms.
	acceptColor = "#36a64f"
)

// Notice describes one accepted output.
type Notice struct {
	SessionID string
	Source    string
	SourceID  string
	ModelID   string
	Prompt    string
	Text      string
}

// Title is the one-line summary shown above the body.
func (n Notice) Title() string {
	model := n.ModelID
	if model == "" {
		model = "unknown model"
	}
	return fmt.Sprintf("Accepted %s output from %s", n.Source, model)
}

// Body is the accepted text, truncated to fit every platform.
func (n Notice) Body() string {
	return truncate(n.Text, maxBodyRunes)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-1]) + "…"
}

// Notifier delivers a Notice somewhere.
type Notifier interface {
	Notify(ctx context.Context, n Notice) error
}

// Multi fans a notice out to every notifier concurrently and joins their
// errors.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, n Notice) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, target := range m {
		g.Go(func() error {
			if err := target.Notify(ctx, n); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// backoff returns the wait before retry attempt (0-based).
func backoff(attempt int, base, limit time.Duration) time.Duration {
	wait := time.Duration(math.Pow(2, float64(attempt))) * base
	if wait > limit {
		wait = limit
	}
	return wait
}

// Dispatcher delivers notices on a background goroutine so callers never
// block on the network.
type Dispatcher struct {
	target  Notifier
	timeout time.Duration
	logger  *zap.Logger
	queue   chan Notice

	closeOnce sync.Once
	done      chan struct{}
}

// NewDispatcher starts a Dispatcher with room for queueSize pending notices.
func NewDispatcher(target Notifier, queueSize int, timeout time.Duration, logger *zap.Logger) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 16
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	d := &Dispatcher{
		target:  target,
		timeout: timeout,
		logger:  logging.OrNop(logger).Named("notify"),
		queue:   make(chan Notice, queueSize),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

// Send queues n. It reports false, and drops n, when the queue is full.
func (d *Dispatcher) Send(n Notice) bool {
	select {
	case d.queue <- n:
		return true
	default:
		d.logger.Warn("notify queue full, dropping notice", zap.String("source", n.Source))
		return false
	}
}

// Close stops accepting notices and waits for queued ones to be delivered.
func (d *Dispatcher) Close() {
	d.closeOnce.Do(func() { close(d.queue) })
	<-d.done
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for n := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.target.Notify(ctx, n); err != nil {
			d.logger.Warn("notify failed", zap.String("source", n.Source), zap.Error(err))
		} else {
			d.logger.Debug("notice delivered", zap.String("source", n.Source))
		}
		cancel()
	}
}
