// Package beam is the root of a scatter/gather session: it owns one ray set
// and one fusion set over a shared conversation history.
package beam

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/zulandar/beamyard/internal/gather"
	"github.com/zulandar/beamyard/internal/llm"
	"github.com/zulandar/beamyard/internal/logging"
	"github.com/zulandar/beamyard/internal/metrics"
	"github.com/zulandar/beamyard/internal/scatter"
	"go.uber.org/zap"
)

var (
	// ErrNotOpen is returned by operations that need an open session.
	ErrNotOpen = errors.New("beam: session not open")
	// ErrInvalidHistory is returned by Open for an empty history or one
	// that does not end with a user turn.
	ErrInvalidHistory = errors.New("beam: invalid conversation history")
	// ErrNotReady is returned when accepting output that is not usable yet.
	ErrNotReady = errors.New("beam: output not ready")
)

// Accept sources.
const (
	SourceRay    = "ray"
	SourceFusion = "fusion"
)

// AcceptFunc receives accepted output. It is supplied at Open.
type AcceptFunc func(text, modelID string)

// Acceptance describes one accepted output.
type Acceptance struct {
	Source   string `json:"source"`
	SourceID string `json:"source_id"`
	ModelID  string `json:"model_id"`
	Text     string `json:"text"`
}

// Recorder persists session activity. Implementations must be safe for
// concurrent use.
type Recorder interface {
	SessionOpened(sessionID string, history []llm.Message) error
	RaySettled(sessionID string, r scatter.Ray) error
	FusionSettled(sessionID string, f gather.Fusion) error
	Accepted(sessionID string, a Acceptance) error
}

// Options holds parameters for creating a Store.
type Options struct {
	Runner        scatter.Runner
	DefaultRays   int
	MinRays       int
	MaxRays       int
	FusionMinRays int
	Factories     []gather.Factory
	Recorder      Recorder
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// State is a snapshot of the whole session.
type State struct {
	Open      bool          `json:"open"`
	SessionID string        `json:"session_id,omitempty"`
	History   []llm.Message `json:"history"`
	Scatter   scatter.State `json:"scatter"`
	Gather    gather.State  `json:"gather"`
}

// Store is the session state holder. Callers read snapshots through State
// and Subscribe, and change state only through Store methods.
type Store struct {
	scatter  *scatter.Coordinator
	gather   *gather.Coordinator
	recorder Recorder
	logger   *zap.Logger
	metrics  *metrics.Metrics

	// opMu serializes Open and Close.
	opMu sync.Mutex

	mu        sync.Mutex
	open      bool
	sessionID string
	history   []llm.Message
	onAccept  AcceptFunc

	lmu          sync.Mutex
	listeners    map[int]func()
	nextListener int
}

// New creates a closed Store.
func New(opts Options) *Store {
	s := &Store{
		recorder:  opts.Recorder,
		logger:    logging.OrNop(opts.Logger).Named("beam"),
		metrics:   opts.Metrics,
		listeners: make(map[int]func()),
	}
	s.scatter = scatter.New(scatter.Options{
		Runner:      opts.Runner,
		DefaultRays: opts.DefaultRays,
		MinRays:     opts.MinRays,
		MaxRays:     opts.MaxRays,
		Logger:      opts.Logger,
		Metrics:     opts.Metrics,
		OnSettle:    s.raySettled,
	})
	s.gather = gather.New(gather.Options{
		Runner:    opts.Runner,
		Factories: opts.Factories,
		MinRays:   opts.FusionMinRays,
		Logger:    opts.Logger,
		Metrics:   opts.Metrics,
		OnSettle:  s.fusionSettled,
	})
	s.scatter.Subscribe(s.notify)
	s.gather.Subscribe(s.notify)
	return s
}

// Subscribe registers fn to run after every state change. The returned
// function unsubscribes. fn may be called from any goroutine.
func (s *Store) Subscribe(fn func()) func() {
	s.lmu.Lock()
	defer s.lmu.Unlock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	return func() {
		s.lmu.Lock()
		defer s.lmu.Unlock()
		delete(s.listeners, id)
	}
}

func (s *Store) notify() {
	s.lmu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Open starts a session over history, which must be non-empty and end with
// a user turn. Re-opening an open session cancels its work but keeps its
// id and model selections; a fresh open seeds the fusion model and the
// rays' fallback model from inheritModelID.
func (s *Store) Open(history []llm.Message, inheritModelID string, onAccept AcceptFunc) error {
	if !llm.ValidHistory(history) {
		return fmt.Errorf("%w: %d message(s)", ErrInvalidHistory, len(history))
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	fresh := !s.open
	s.mu.Unlock()

	s.scatter.Reset()
	s.gather.Init()

	sessionID := ""
	s.mu.Lock()
	if fresh {
		s.sessionID = uuid.NewString()
	}
	s.open = true
	s.history = append([]llm.Message(nil), history...)
	s.onAccept = onAccept
	sessionID = s.sessionID
	s.mu.Unlock()

	if fresh {
		s.gather.SetModel(inheritModelID)
		s.scatter.SetFallbackModel(inheritModelID)
	}
	s.scatter.SetInput(history)

	if fresh && s.recorder != nil {
		if err := s.recorder.SessionOpened(sessionID, history); err != nil {
			s.logger.Warn("record session", zap.String("session", sessionID), zap.Error(err))
		}
	}
	s.logger.Info("session opened",
		zap.String("session", sessionID),
		zap.Bool("fresh", fresh),
		zap.Int("history", len(history)))
	s.notify()
	return nil
}

// Close cancels every ray and fusion and resets both coordinators. Per-ray
// model choices survive.
func (s *Store) Close() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.scatter.Reset()
	s.gather.Init()

	s.mu.Lock()
	wasOpen := s.open
	sessionID := s.sessionID
	s.open = false
	s.history = nil
	s.onAccept = nil
	s.mu.Unlock()

	if wasOpen {
		s.logger.Info("session closed", zap.String("session", sessionID))
	}
	s.notify()
}

// Wait blocks until all in-flight generations have returned.
func (s *Store) Wait() {
	s.scatter.Wait()
	s.gather.Wait()
}

// State returns a snapshot of the session.
func (s *Store) State() State {
	s.mu.Lock()
	st := State{
		Open:      s.open,
		SessionID: s.sessionID,
		History:   append([]llm.Message(nil), s.history...),
	}
	s.mu.Unlock()
	st.Scatter = s.scatter.State()
	st.Gather = s.gather.State()
	return st
}

func (s *Store) session() (string, []llm.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open {
		return "", nil, ErrNotOpen
	}
	return s.sessionID, s.history, nil
}

func (s *Store) raySettled(r scatter.Ray) {
	if s.recorder == nil {
		return
	}
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	if err := s.recorder.RaySettled(sessionID, r); err != nil {
		s.logger.Warn("record ray", zap.String("ray", r.ID), zap.Error(err))
	}
}

func (s *Store) fusionSettled(f gather.Fusion) {
	if s.recorder == nil {
		return
	}
	s.mu.Lock()
	sessionID := s.sessionID
	s.mu.Unlock()
	if err := s.recorder.FusionSettled(sessionID, f); err != nil {
		s.logger.Warn("record fusion", zap.String("fusion", f.ID), zap.Error(err))
	}
}
