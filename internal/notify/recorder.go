package notify

import (
	"sync"

	"github.com/zulandar/beamyard/internal/beam"
	"github.com/zulandar/beamyard/internal/gather"
	"github.com/zulandar/beamyard/internal/llm"
	"github.com/zulandar/beamyard/internal/scatter"
)

// maxPrompts bounds how many sessions' prompts are remembered. A session
// may accept more than once, so prompts outlive their first acceptance.
const maxPrompts = 64

// Recorder turns accepted outputs into notices on a Dispatcher. Settled
// rays and fusions are not announced.
type Recorder struct {
	dispatcher *Dispatcher

	mu      sync.Mutex
	prompts map[string]string
	order   []string // oldest first
}

var _ beam.Recorder = (*Recorder)(nil)

// NewRecorder creates a Recorder that sends through d.
func NewRecorder(d *Dispatcher) *Recorder {
	return &Recorder{dispatcher: d, prompts: make(map[string]string)}
}

// SessionOpened remembers the session's last user turn for later notices.
func (r *Recorder) SessionOpened(sessionID string, history []llm.Message) error {
	prompt := ""
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == llm.RoleUser {
			prompt = history[i].Text
			break
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.prompts[sessionID]; !ok {
		r.order = append(r.order, sessionID)
	}
	r.prompts[sessionID] = prompt
	for len(r.order) > maxPrompts {
		delete(r.prompts, r.order[0])
		r.order = r.order[1:]
	}
	return nil
}

// RaySettled implements beam.Recorder.
func (r *Recorder) RaySettled(string, scatter.Ray) error { return nil }

// FusionSettled implements beam.Recorder.
func (r *Recorder) FusionSettled(string, gather.Fusion) error { return nil }

// Accepted queues a notice for the accepted output. A full queue drops it.
func (r *Recorder) Accepted(sessionID string, a beam.Acceptance) error {
	r.mu.Lock()
	prompt := r.prompts[sessionID]
	r.mu.Unlock()
	r.dispatcher.Send(Notice{
		SessionID: sessionID,
		Source:    a.Source,
		SourceID:  a.SourceID,
		ModelID:   a.ModelID,
		Prompt:    prompt,
		Text:      a.Text,
	})
	return nil
}
