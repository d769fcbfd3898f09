package scatter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/beamyard/internal/llm"
	"github.com/zulandar/beamyard/internal/logging"
	"github.com/zulandar/beamyard/internal/metrics"
	"github.com/zulandar/beamyard/internal/stream"
	"go.uber.org/zap"
)

// Default ray count bounds.
const (
	DefaultRays = 2
	MinRays     = 1
	MaxRays     = 8
)

var (
	// ErrNotFound is returned for an unknown ray id.
	ErrNotFound = errors.New("scatter: ray not found")
	// ErrRayLimit is returned when removing a ray would go below the minimum.
	ErrRayLimit = errors.New("scatter: ray count limit")
)

// Runner is the streaming aggregator the coordinator drives.
type Runner interface {
	Run(ctx context.Context, req stream.Request, onUpdate func(llm.Message)) stream.Outcome
}

// Options holds parameters for creating a Coordinator.
type Options struct {
	Runner      Runner
	DefaultRays int
	MinRays     int
	MaxRays     int
	Logger      *zap.Logger
	Metrics     *metrics.Metrics
	// OnSettle is called, outside the lock, after a ray attempt settles.
	OnSettle func(Ray)
}

// State is a consistent snapshot of the coordinator.
type State struct {
	Rays          []Ray  `json:"rays"`
	IsScattering  bool   `json:"is_scattering"`
	RaysReady     int    `json:"rays_ready"`
	FallbackModel string `json:"fallback_model,omitempty"`
}

// Coordinator owns the ray set. All mutations are applied under one lock
// and followed by a full resync of the derived counters.
type Coordinator struct {
	runner   Runner
	min, max int
	logger   *zap.Logger
	metrics  *metrics.Metrics
	onSettle func(Ray)

	mu            sync.Mutex
	rays          []*Ray
	history       []llm.Message
	fallbackModel string
	isScattering  bool
	raysReady     int
	listeners     map[int]func()
	nextListener  int

	wg sync.WaitGroup
}

// New creates a Coordinator with the default number of empty rays.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		runner:    opts.Runner,
		min:       opts.MinRays,
		max:       opts.MaxRays,
		logger:    logging.OrNop(opts.Logger).Named("scatter"),
		metrics:   opts.Metrics,
		onSettle:  opts.OnSettle,
		listeners: make(map[int]func()),
	}
	if c.min <= 0 {
		c.min = MinRays
	}
	if c.max <= 0 {
		c.max = MaxRays
	}
	if c.max < c.min {
		c.max = c.min
	}
	n := opts.DefaultRays
	if n <= 0 {
		n = DefaultRays
	}
	for i := 0; i < c.clamp(n); i++ {
		c.rays = append(c.rays, newRay())
	}
	c.resyncLocked()
	return c
}

func newRay() *Ray {
	return &Ray{
		ID:      uuid.NewString(),
		Status:  StatusEmpty,
		Message: llm.NewMessage(llm.RoleAssistant, ""),
	}
}

func (c *Coordinator) clamp(n int) int {
	if n < c.min {
		return c.min
	}
	if n > c.max {
		return c.max
	}
	return n
}

// Subscribe registers fn to run after every state change. The returned
// function unsubscribes. fn may be called from any goroutine.
func (c *Coordinator) Subscribe(fn func()) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners, id)
	}
}

func (c *Coordinator) notify() {
	c.mu.Lock()
	fns := make([]func(), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// State returns a snapshot of all rays and derived counters.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	rays := make([]Ray, len(c.rays))
	for i, r := range c.rays {
		rays[i] = r.snapshot()
	}
	return State{
		Rays:          rays,
		IsScattering:  c.isScattering,
		RaysReady:     c.raysReady,
		FallbackModel: c.fallbackModel,
	}
}

// Ray returns a snapshot of one ray.
func (c *Coordinator) Ray(id string) (Ray, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.findLocked(id)
	if r == nil {
		return Ray{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.snapshot(), nil
}

// SetInput replaces the conversation history new generations start from.
func (c *Coordinator) SetInput(history []llm.Message) {
	c.mu.Lock()
	c.history = append([]llm.Message(nil), history...)
	c.mu.Unlock()
	c.notify()
}

// SetFallbackModel sets the model used by rays without their own model.
func (c *Coordinator) SetFallbackModel(modelID string) {
	c.mu.Lock()
	c.fallbackModel = modelID
	c.mu.Unlock()
	c.notify()
}

// SetRayCount grows or shrinks the ray set. Trailing rays are stopped
// before they are discarded.
func (c *Coordinator) SetRayCount(n int) {
	c.mu.Lock()
	n = c.clamp(n)
	if n < len(c.rays) {
		for _, r := range c.rays[n:] {
			r.stop()
		}
		c.rays = c.rays[:n:n]
	}
	for len(c.rays) < n {
		c.rays = append(c.rays, newRay())
	}
	c.resyncLocked()
	c.mu.Unlock()
	c.logger.Debug("ray count set", zap.Int("count", n))
	c.notify()
}

// RemoveRay stops and deletes one ray.
func (c *Coordinator) RemoveRay(id string) error {
	c.mu.Lock()
	idx := c.indexLocked(id)
	if idx < 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if len(c.rays) <= c.min {
		c.mu.Unlock()
		return fmt.Errorf("%w: at least %d ray(s) required", ErrRayLimit, c.min)
	}
	c.rays[idx].stop()
	c.rays = append(c.rays[:idx:idx], c.rays[idx+1:]...)
	c.resyncLocked()
	c.mu.Unlock()
	c.notify()
	return nil
}

// SetRayModel sets the model a ray generates with. Empty inherits the
// fallback model.
func (c *Coordinator) SetRayModel(id, modelID string) error {
	return c.mutate(id, func(r *Ray) { r.ModelID = modelID })
}

// ToggleUserSelected flips the manual pick flag on a ray.
func (c *Coordinator) ToggleUserSelected(id string) error {
	return c.mutate(id, func(r *Ray) { r.UserSelected = !r.UserSelected })
}

func (c *Coordinator) mutate(id string, fn func(*Ray)) error {
	c.mu.Lock()
	r := c.findLocked(id)
	if r == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	fn(r)
	c.resyncLocked()
	c.mu.Unlock()
	c.notify()
	return nil
}

// StartRay starts a generation on one ray and returns its snapshot. A ray
// that is already scattering (or, with onlyIfIdle, not empty) is returned
// unchanged. Validation problems are reported on the ray's Issue.
func (c *Coordinator) StartRay(id string, onlyIfIdle bool) (Ray, error) {
	c.mu.Lock()
	r := c.findLocked(id)
	if r == nil {
		c.mu.Unlock()
		return Ray{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	changed := c.startLocked(r, onlyIfIdle)
	snap := r.snapshot()
	if changed {
		c.resyncLocked()
	}
	c.mu.Unlock()
	if changed {
		c.notify()
	}
	return snap, nil
}

// StopRay cancels one ray's generation. Idempotent.
func (c *Coordinator) StopRay(id string) error {
	return c.mutate(id, func(r *Ray) { r.stop() })
}

// StartAll starts every ray that is not running. Imported rays are skipped.
func (c *Coordinator) StartAll() {
	c.mu.Lock()
	changed := false
	for _, r := range c.rays {
		if r.Imported {
			continue
		}
		if c.startLocked(r, false) {
			changed = true
		}
	}
	c.resyncLocked()
	c.mu.Unlock()
	if changed {
		c.notify()
	}
}

// StopAll cancels every in-flight generation.
func (c *Coordinator) StopAll() {
	c.mu.Lock()
	for _, r := range c.rays {
		if !r.Imported {
			r.stop()
		}
	}
	c.resyncLocked()
	c.mu.Unlock()
	c.notify()
}

// ImportRays prepends one completed, imported ray per non-empty message and
// drops trailing empty rays so the visible set does not grow needlessly.
func (c *Coordinator) ImportRays(messages []llm.Message) {
	var imported []*Ray
	for _, m := range messages {
		if strings.TrimSpace(m.Text) == "" {
			continue
		}
		msg := m
		msg.Role = llm.RoleAssistant
		msg.Typing = false
		if msg.UpdatedAt == nil {
			now := time.Now()
			msg.UpdatedAt = &now
		}
		r := newRay()
		r.Status = StatusSuccess
		r.Message = msg
		r.Imported = true
		imported = append(imported, r)
	}
	if len(imported) == 0 {
		return
	}

	c.mu.Lock()
	prev := len(c.rays)
	rays := append(imported, c.rays...)
	for len(rays) > prev {
		last := rays[len(rays)-1]
		if last.Imported || last.Status != StatusEmpty || last.cancel != nil {
			break
		}
		rays = rays[:len(rays)-1]
	}
	c.rays = rays
	c.resyncLocked()
	c.mu.Unlock()
	c.logger.Debug("rays imported", zap.Int("count", len(imported)))
	c.notify()
}

// ReadyMessages snapshots the output of every selectable ray. When the user
// has picked rays by hand, only picked rays are included.
func (c *Coordinator) ReadyMessages() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var all, picked []llm.Message
	for _, r := range c.rays {
		if !IsSelectable(r.snapshot()) {
			continue
		}
		all = append(all, r.Message)
		if r.UserSelected {
			picked = append(picked, r.Message)
		}
	}
	if len(picked) > 0 {
		return picked
	}
	return all
}

// Reset stops everything and replaces the rays with empty ones, keeping
// each ray's configured model.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	rays := make([]*Ray, 0, len(c.rays))
	for _, r := range c.rays {
		r.stop()
		if r.Imported {
			continue
		}
		fresh := newRay()
		fresh.ModelID = r.ModelID
		rays = append(rays, fresh)
	}
	for len(rays) < c.min {
		rays = append(rays, newRay())
	}
	c.rays = rays
	c.history = nil
	c.resyncLocked()
	c.mu.Unlock()
	c.notify()
}

// Wait blocks until every started generation goroutine has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// startLocked begins a generation on r. It returns whether r changed.
func (c *Coordinator) startLocked(r *Ray, onlyIfIdle bool) bool {
	if r.Status == StatusScattering || r.cancel != nil {
		return false
	}
	if onlyIfIdle && r.Status != StatusEmpty {
		return false
	}

	modelID := r.ModelID
	if modelID == "" {
		modelID = c.fallbackModel
	}
	if modelID == "" {
		r.Issue = IssueNoModel
		return true
	}
	if !llm.ValidHistory(c.history) {
		r.Issue = fmt.Sprintf("Invalid conversation history (%d)", len(c.history))
		return true
	}

	ctx, cancel := context.WithCancel(context.Background())
	r.attempt++
	r.cancel = cancel
	r.Status = StatusScattering
	r.Issue = ""
	r.Imported = false
	r.Message = llm.Message{
		Role:      llm.RoleAssistant,
		Text:      PlaceholderText,
		Typing:    true,
		CreatedAt: time.Now(),
	}

	req := stream.Request{
		ModelID:         modelID,
		Messages:        llm.ToChat(c.history),
		ConcurrencyHint: len(c.rays),
	}
	c.wg.Add(1)
	go c.run(ctx, r.ID, r.attempt, req)

	c.metrics.RayStarted()
	c.logger.Debug("ray started", zap.String("ray", r.ID), zap.String("model", modelID))
	return true
}

func (c *Coordinator) run(ctx context.Context, id string, attempt uint64, req stream.Request) {
	defer c.wg.Done()
	outcome := c.runner.Run(ctx, req, func(m llm.Message) {
		c.applyUpdate(id, attempt, m)
	})
	c.settle(id, attempt, outcome)
}

// applyUpdate merges a partial message into the ray if the attempt is
// still current. UpdatedAt only moves when the text changes.
func (c *Coordinator) applyUpdate(id string, attempt uint64, m llm.Message) {
	c.mu.Lock()
	r := c.findLocked(id)
	if r == nil || r.attempt != attempt {
		c.mu.Unlock()
		return
	}
	if m.Text != "" && m.Text != r.Message.Text {
		now := time.Now()
		r.Message.Text = m.Text
		r.Message.UpdatedAt = &now
	}
	if m.OriginModel != "" {
		r.Message.OriginModel = m.OriginModel
	}
	r.Message.Typing = m.Typing && r.Status == StatusScattering
	c.resyncLocked()
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) settle(id string, attempt uint64, outcome stream.Outcome) {
	c.mu.Lock()
	r := c.findLocked(id)
	if r == nil || r.attempt != attempt {
		c.mu.Unlock()
		return
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	if r.Status == StatusScattering {
		r.Status = statusFor(outcome)
	}
	r.Message.Typing = false
	snap := r.snapshot()
	c.resyncLocked()
	c.mu.Unlock()

	c.metrics.RaySettled(string(snap.Status))
	c.logger.Info("ray settled",
		zap.String("ray", id),
		zap.String("status", string(snap.Status)),
		zap.Int("chars", len(snap.Message.Text)))
	if c.onSettle != nil {
		c.onSettle(snap)
	}
	c.notify()
}

// resyncLocked recomputes the derived counters by full scan.
func (c *Coordinator) resyncLocked() {
	scattering := false
	ready := 0
	for _, r := range c.rays {
		if r.Status == StatusScattering {
			scattering = true
		}
		if IsSelectable(*r) {
			ready++
		}
	}
	c.isScattering = len(c.rays) > 0 && scattering
	c.raysReady = ready
}

func (c *Coordinator) findLocked(id string) *Ray {
	if i := c.indexLocked(id); i >= 0 {
		return c.rays[i]
	}
	return nil
}

func (c *Coordinator) indexLocked(id string) int {
	for i, r := range c.rays {
		if r.ID == id {
			return i
		}
	}
	return -1
}
