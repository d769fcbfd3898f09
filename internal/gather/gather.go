package gather

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/beamyard/internal/llm"
	"github.com/zulandar/beamyard/internal/logging"
	"github.com/zulandar/beamyard/internal/metrics"
	"github.com/zulandar/beamyard/internal/stream"
	"go.uber.org/zap"
)

// DefaultMinRays is the fewest ready ray outputs a fusion will merge.
const DefaultMinRays = 2

var (
	// ErrNotFound is returned for an unknown fusion id.
	ErrNotFound = errors.New("gather: fusion not found")
	// ErrNotEditable is returned when editing a fusion that is not custom.
	ErrNotEditable = errors.New("gather: fusion is not editable")
	// ErrNoCurrent is returned when no fusion is current.
	ErrNoCurrent = errors.New("gather: no current fusion")
	// ErrNoPending is returned when resolving a checklist nobody asked for.
	ErrNoPending = errors.New("gather: no checklist pending")
	// ErrOutOfRange is returned for an instruction or option index that
	// does not exist.
	ErrOutOfRange = errors.New("gather: index out of range")
)

// Runner is the streaming aggregator the coordinator drives.
type Runner interface {
	Run(ctx context.Context, req stream.Request, onUpdate func(llm.Message)) stream.Outcome
}

// Options holds parameters for creating a Coordinator.
type Options struct {
	Runner    Runner
	Factories []Factory // defaults to Factories()
	MinRays   int       // defaults to DefaultMinRays
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
	// OnSettle is called, outside the lock, after a fusion attempt settles.
	OnSettle func(Fusion)
}

// State is a consistent snapshot of the coordinator.
type State struct {
	Fusions        []Fusion `json:"fusions"`
	CurrentID      string   `json:"current_id,omitempty"`
	IsGatheringAny bool     `json:"is_gathering_any"`
	ModelID        string   `json:"model_id,omitempty"`
}

// Coordinator owns the fusion set of one gather session.
type Coordinator struct {
	runner    Runner
	factories []Factory
	minRays   int
	logger    *zap.Logger
	metrics   *metrics.Metrics
	onSettle  func(Fusion)

	mu           sync.Mutex
	fusions      []*Fusion
	currentID    string
	modelID      string
	listeners    map[int]func()
	nextListener int

	wg sync.WaitGroup
}

// New creates a Coordinator with one idle fusion per factory.
func New(opts Options) *Coordinator {
	c := &Coordinator{
		runner:    opts.Runner,
		factories: opts.Factories,
		minRays:   opts.MinRays,
		logger:    logging.OrNop(opts.Logger).Named("gather"),
		metrics:   opts.Metrics,
		onSettle:  opts.OnSettle,
		listeners: make(map[int]func()),
	}
	if len(c.factories) == 0 {
		c.factories = Factories()
	}
	if c.minRays <= 0 {
		c.minRays = DefaultMinRays
	}
	c.Init()
	return c
}

// Factories returns the strategies this coordinator instantiates.
func (c *Coordinator) Factories() []Factory {
	return append([]Factory(nil), c.factories...)
}

func newFusion(f Factory) *Fusion {
	return &Fusion{
		ID:           uuid.NewString(),
		FactoryID:    f.ID,
		Label:        f.Label,
		Status:       StatusIdle,
		Instructions: f.Instructions(),
		IsEditable:   f.Editable,
	}
}

// Init stops every fusion and replaces the set with fresh idle ones. The
// first fusion becomes current.
func (c *Coordinator) Init() {
	c.mu.Lock()
	for _, f := range c.fusions {
		f.stop()
	}
	c.fusions = c.fusions[:0:0]
	for _, f := range c.factories {
		c.fusions = append(c.fusions, newFusion(f))
	}
	c.currentID = ""
	if len(c.fusions) > 0 {
		c.currentID = c.fusions[0].ID
	}
	c.mu.Unlock()
	c.notify()
}

// Subscribe registers fn to run after every state change. The returned
// function unsubscribes.
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

// State returns a snapshot of every fusion.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := State{CurrentID: c.currentID, ModelID: c.modelID}
	st.Fusions = make([]Fusion, len(c.fusions))
	for i, f := range c.fusions {
		st.Fusions[i] = f.snapshot()
		if f.Status == StatusFusing {
			st.IsGatheringAny = true
		}
	}
	return st
}

// Fusion returns a snapshot of one fusion.
func (c *Coordinator) Fusion(id string) (Fusion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.findLocked(id)
	if f == nil {
		return Fusion{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return f.snapshot(), nil
}

// SetModel selects the model every fusion step calls.
func (c *Coordinator) SetModel(modelID string) {
	c.mu.Lock()
	c.modelID = modelID
	c.mu.Unlock()
	c.notify()
}

// Model returns the selected fusion model.
func (c *Coordinator) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modelID
}

// SetCurrent selects the current fusion. An empty id clears the selection.
func (c *Coordinator) SetCurrent(id string) error {
	c.mu.Lock()
	if id != "" && c.findLocked(id) == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	c.currentID = id
	c.mu.Unlock()
	c.notify()
	return nil
}

// RecreateAsCustom copies the source fusion's instructions into a fresh
// editable fusion that takes over the custom slot and becomes current.
// Whatever occupied the slot before is stopped.
func (c *Coordinator) RecreateAsCustom(sourceID string) (Fusion, error) {
	c.mu.Lock()
	src := c.findLocked(sourceID)
	if src == nil {
		c.mu.Unlock()
		return Fusion{}, fmt.Errorf("%w: %s", ErrNotFound, sourceID)
	}

	custom := &Fusion{
		ID:           uuid.NewString(),
		FactoryID:    FactoryCustom,
		Label:        "Custom",
		Status:       StatusIdle,
		Instructions: append([]Instruction(nil), src.Instructions...),
		IsEditable:   true,
	}
	slot := -1
	for i, f := range c.fusions {
		if f.IsEditable {
			slot = i
			break
		}
	}
	if slot >= 0 {
		c.fusions[slot].stop()
		c.fusions[slot] = custom
	} else {
		c.fusions = append(c.fusions, custom)
	}
	c.currentID = custom.ID
	snap := custom.snapshot()
	c.mu.Unlock()

	c.logger.Debug("custom fusion recreated", zap.String("from", src.FactoryID))
	c.notify()
	return snap, nil
}

// EditInstruction merges a partial update into one instruction of an
// editable fusion. The instruction's kind never changes.
func (c *Coordinator) EditInstruction(id string, index int, edit InstructionEdit) (Fusion, error) {
	c.mu.Lock()
	f := c.findLocked(id)
	if f == nil {
		c.mu.Unlock()
		return Fusion{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !f.IsEditable {
		c.mu.Unlock()
		return Fusion{}, fmt.Errorf("%w: %s", ErrNotEditable, f.FactoryID)
	}
	if index < 0 || index >= len(f.Instructions) {
		c.mu.Unlock()
		return Fusion{}, fmt.Errorf("%w: instruction %d", ErrOutOfRange, index)
	}
	updated, err := edit.apply(f.Instructions[index])
	if err != nil {
		c.mu.Unlock()
		return Fusion{}, err
	}
	instructions := append([]Instruction(nil), f.Instructions...)
	instructions[index] = updated
	f.Instructions = instructions
	snap := f.snapshot()
	c.mu.Unlock()
	c.notify()
	return snap, nil
}

// Start runs a fusion over a snapshot of the history and the ready ray
// outputs. A fusion that is already running is returned unchanged.
// Precondition failures are reported on the fusion's Issue.
func (c *Coordinator) Start(id string, history, rays []llm.Message) (Fusion, error) {
	c.mu.Lock()
	f := c.findLocked(id)
	if f == nil {
		c.mu.Unlock()
		return Fusion{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	changed := c.startLocked(f, history, rays)
	snap := f.snapshot()
	c.mu.Unlock()
	if changed {
		c.notify()
	}
	return snap, nil
}

// StartCurrent starts the current fusion.
func (c *Coordinator) StartCurrent(history, rays []llm.Message) (Fusion, error) {
	c.mu.Lock()
	id := c.currentID
	c.mu.Unlock()
	if id == "" {
		return Fusion{}, ErrNoCurrent
	}
	return c.Start(id, history, rays)
}

// Stop cancels one fusion's chain. Idempotent.
func (c *Coordinator) Stop(id string) error {
	c.mu.Lock()
	f := c.findLocked(id)
	if f == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	f.stop()
	c.mu.Unlock()
	c.notify()
	return nil
}

// StopCurrent stops the current fusion.
func (c *Coordinator) StopCurrent() error {
	c.mu.Lock()
	id := c.currentID
	c.mu.Unlock()
	if id == "" {
		return ErrNoCurrent
	}
	return c.Stop(id)
}

// StopAll cancels every running chain.
func (c *Coordinator) StopAll() {
	c.mu.Lock()
	for _, f := range c.fusions {
		f.stop()
	}
	c.mu.Unlock()
	c.notify()
}

// ResolveChecklist resumes a chain paused on a checklist with the chosen
// option indices. An empty selection fails the chain.
func (c *Coordinator) ResolveChecklist(id string, selected []int) error {
	c.mu.Lock()
	f := c.findLocked(id)
	if f == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if f.Pending == nil || f.resume == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoPending, id)
	}
	for _, i := range selected {
		if i < 0 || i >= len(f.Pending.Options) {
			c.mu.Unlock()
			return fmt.Errorf("%w: option %d", ErrOutOfRange, i)
		}
	}
	f.resume <- append([]int(nil), selected...)
	f.Pending = nil
	c.mu.Unlock()
	c.notify()
	return nil
}

// Wait blocks until every started chain goroutine has returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// chain is the immutable input of one fusion attempt.
type chain struct {
	id           string
	attempt      uint64
	factoryID    string
	modelID      string
	instructions []Instruction
	history      []llm.Message
	rays         []llm.Message
	resume       <-chan []int
}

func (c *Coordinator) startLocked(f *Fusion, history, rays []llm.Message) bool {
	if f.Status == StatusFusing || f.cancel != nil {
		return false
	}

	issue := ""
	switch {
	case c.modelID == "":
		issue = IssueNoModel
	case len(f.Instructions) == 0:
		issue = IssueNoInstructions
	case len(history) == 0:
		issue = IssueNoHistory
	case len(rays) < c.minRays:
		issue = fmt.Sprintf("Not enough responses to merge (need %d, have %d)", c.minRays, len(rays))
	}
	if issue != "" {
		f.Status = StatusError
		f.Issue = issue
		c.logger.Debug("fusion not started", zap.String("fusion", f.ID), zap.String("issue", issue))
		return true
	}

	ctx, cancel := context.WithCancel(context.Background())
	resume := make(chan []int, 1)
	f.attempt++
	f.cancel = cancel
	f.resume = resume
	f.Status = StatusFusing
	f.Issue = ""
	f.Pending = nil
	f.Output = &llm.Message{
		Role:      llm.RoleAssistant,
		Text:      PlaceholderText,
		Typing:    true,
		CreatedAt: time.Now(),
	}

	in := chain{
		id:           f.ID,
		attempt:      f.attempt,
		factoryID:    f.FactoryID,
		modelID:      c.modelID,
		instructions: append([]Instruction(nil), f.Instructions...),
		history:      append([]llm.Message(nil), history...),
		rays:         append([]llm.Message(nil), rays...),
		resume:       resume,
	}
	c.wg.Add(1)
	go c.run(ctx, in)

	c.logger.Debug("fusion started",
		zap.String("fusion", f.ID),
		zap.String("factory", f.FactoryID),
		zap.Int("rays", len(rays)))
	return true
}

func (c *Coordinator) run(ctx context.Context, in chain) {
	defer c.wg.Done()
	err := c.execute(ctx, in)
	c.settle(ctx, in, err)
}

// execute runs the instructions strictly in order. Cancellation is checked
// before every step, so a stopped chain never begins another step.
func (c *Coordinator) execute(ctx context.Context, in chain) error {
	var (
		lastOutput string
		selected   []string
	)
	for step, ins := range in.instructions {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch v := ins.(type) {
		case ChatGenerate:
			messages := Sandwich(
				mix(v.SystemPrompt, len(in.rays), selected),
				in.history,
				in.rays,
				mix(v.UserPrompt, len(in.rays), selected),
			)
			var text string
			outcome := c.runner.Run(ctx, stream.Request{
				ModelID:         in.modelID,
				Messages:        messages,
				ConcurrencyHint: 1,
			}, func(m llm.Message) {
				text = m.Text
				c.applyOutput(in, m)
			})
			switch outcome {
			case stream.Aborted:
				if err := ctx.Err(); err != nil {
					return err
				}
				return fmt.Errorf("%s: aborted", v.Label)
			case stream.Errored:
				if msg := issueFromText(text); msg != "" {
					return errors.New(msg)
				}
				return fmt.Errorf("%s: model call failed", v.Label)
			}
			lastOutput = text

		case UserInputChecklist:
			options := ParseChecklist(lastOutput)
			if len(options) == 0 {
				return fmt.Errorf("%s: no options to choose from", v.Label)
			}
			if !c.setPending(in, &Checklist{Step: step, Label: v.Label, Options: options}) {
				return context.Canceled
			}
			var picks []int
			select {
			case picks = <-in.resume:
			case <-ctx.Done():
				return ctx.Err()
			}
			if len(picks) == 0 {
				return fmt.Errorf("%s: no options selected", v.Label)
			}
			selected = selected[:0]
			for _, i := range picks {
				selected = append(selected, options[i])
			}

		default:
			panic(fmt.Sprintf("gather: unsupported instruction %T", ins))
		}
	}
	return nil
}

func (c *Coordinator) applyOutput(in chain, m llm.Message) {
	c.mu.Lock()
	f := c.findLocked(in.id)
	if f == nil || f.attempt != in.attempt || f.Output == nil {
		c.mu.Unlock()
		return
	}
	if m.Text != "" && m.Text != f.Output.Text {
		now := time.Now()
		f.Output.Text = m.Text
		f.Output.UpdatedAt = &now
	}
	if m.OriginModel != "" {
		f.Output.OriginModel = m.OriginModel
	}
	f.Output.Typing = m.Typing && f.Status == StatusFusing
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) setPending(in chain, p *Checklist) bool {
	c.mu.Lock()
	f := c.findLocked(in.id)
	if f == nil || f.attempt != in.attempt || f.Status != StatusFusing {
		c.mu.Unlock()
		return false
	}
	f.Pending = p
	c.mu.Unlock()
	c.logger.Debug("fusion awaiting checklist", zap.String("fusion", in.id), zap.Int("options", len(p.Options)))
	c.notify()
	return true
}

func (c *Coordinator) settle(ctx context.Context, in chain, err error) {
	c.mu.Lock()
	f := c.findLocked(in.id)
	if f == nil || f.attempt != in.attempt {
		c.mu.Unlock()
		return
	}
	if f.Status == StatusFusing {
		switch {
		case err == nil:
			f.Status = StatusSuccess
			f.Issue = ""
		case ctx.Err() != nil:
			f.Status = StatusStopped
			f.Issue = IssueStopped
		default:
			f.Status = StatusError
			f.Issue = "Issue: " + err.Error()
		}
	}
	if f.cancel != nil {
		f.cancel()
	}
	f.cancel = nil
	f.Pending = nil
	f.resume = nil
	if f.Output != nil {
		f.Output.Typing = false
	}
	snap := f.snapshot()
	c.mu.Unlock()

	c.metrics.FusionSettled(in.factoryID, string(snap.Status))
	c.logger.Info("fusion settled",
		zap.String("fusion", in.id),
		zap.String("factory", in.factoryID),
		zap.String("status", string(snap.Status)),
		zap.String("issue", snap.Issue))
	if c.onSettle != nil {
		c.onSettle(snap)
	}
	c.notify()
}

func (c *Coordinator) findLocked(id string) *Fusion {
	for _, f := range c.fusions {
		if f.ID == id {
			return f
		}
	}
	return nil
}
