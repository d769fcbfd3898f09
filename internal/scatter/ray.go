// Package scatter fans one conversation out to N concurrently streaming
// model calls ("rays") and tracks their readiness.
package scatter

import (
	"context"

	"github.com/zulandar/beamyard/internal/llm"
	"github.com/zulandar/beamyard/internal/stream"
)

// Status is the lifecycle state of a ray.
type Status string

const (
	StatusEmpty      Status = "empty"
	StatusScattering Status = "scattering"
	StatusSuccess    Status = "success"
	StatusStopped    Status = "stopped"
	StatusError      Status = "error"
)

// PlaceholderText fills a ray's message between start and the first token.
const PlaceholderText = "⏳ generating…"

// Issue texts for rays that could not start.
const (
	IssueNoModel = "No model selected"
)

// Ray is one concurrent generation slot. Values returned by the Coordinator
// are snapshots; mutate rays only through Coordinator methods.
type Ray struct {
	ID           string      `json:"id"`
	Status       Status      `json:"status"`
	Message      llm.Message `json:"message"`
	ModelID      string      `json:"model_id,omitempty"`
	Issue        string      `json:"issue,omitempty"`
	UserSelected bool        `json:"user_selected"`
	Imported     bool        `json:"imported"`
	InFlight     bool        `json:"in_flight"`

	// cancel is non-nil iff Status == StatusScattering.
	cancel  context.CancelFunc
	attempt uint64
}

// IsSelectable reports whether the ray holds real, usable output.
func IsSelectable(r Ray) bool {
	return r.Message.UpdatedAt != nil && r.Message.Text != "" && r.Message.Text != PlaceholderText
}

func (r *Ray) snapshot() Ray {
	s := *r
	s.InFlight = r.cancel != nil
	s.cancel = nil
	return s
}

// stop cancels the in-flight attempt, if any. Safe to call repeatedly.
func (r *Ray) stop() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.Status == StatusScattering {
		r.Status = StatusStopped
	}
	r.cancel = nil
	r.Message.Typing = false
}

func statusFor(o stream.Outcome) Status {
	switch o {
	case stream.Success:
		return StatusSuccess
	case stream.Aborted:
		return StatusStopped
	default:
		return StatusError
	}
}
