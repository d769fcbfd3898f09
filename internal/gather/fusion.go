// Package gather runs fusion strategies that merge ready ray outputs into
// one result.
package gather

import (
	"context"

	"github.com/zulandar/beamyard/internal/llm"
)

// Status is the lifecycle state of a fusion.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusFusing  Status = "fusing"
	StatusSuccess Status = "success"
	StatusStopped Status = "stopped"
	StatusError   Status = "error"
)

// PlaceholderText fills a fusion's output between start and the first token.
const PlaceholderText = "⏳ fusing…"

// Issue texts.
const (
	IssueNoModel        = "No fusion model selected"
	IssueNoInstructions = "No fusion instructions"
	IssueNoHistory      = "No conversation history"
	IssueStopped        = "Stopped."
)

// Checklist is a paused UserInputChecklist step awaiting a selection.
type Checklist struct {
	Step    int      `json:"step"`
	Label   string   `json:"label"`
	Options []string `json:"options"`
}

// Fusion is one instantiated strategy. Values returned by the Coordinator
// are snapshots.
type Fusion struct {
	ID           string        `json:"id"`
	FactoryID    string        `json:"factory_id"`
	Label        string        `json:"label"`
	Status       Status        `json:"status"`
	Instructions []Instruction `json:"instructions"`
	IsEditable   bool          `json:"is_editable"`
	Output       *llm.Message  `json:"output,omitempty"`
	Issue        string        `json:"issue,omitempty"`
	Pending      *Checklist    `json:"pending,omitempty"`
	InFlight     bool          `json:"in_flight"`

	// cancel is non-nil iff Status == StatusFusing.
	cancel  context.CancelFunc
	attempt uint64
	resume  chan []int
}

func (f *Fusion) snapshot() Fusion {
	s := *f
	s.InFlight = f.cancel != nil
	s.cancel = nil
	s.resume = nil
	s.Instructions = append([]Instruction(nil), f.Instructions...)
	if f.Output != nil {
		out := *f.Output
		s.Output = &out
	}
	if f.Pending != nil {
		p := *f.Pending
		p.Options = append([]string(nil), f.Pending.Options...)
		s.Pending = &p
	}
	return s
}

// stop cancels the in-flight chain, if any. Safe to call repeatedly.
func (f *Fusion) stop() {
	if f.cancel != nil {
		f.cancel()
	}
	if f.Status == StatusFusing {
		f.Status = StatusStopped
		f.Issue = IssueStopped
	}
	f.cancel = nil
	f.Pending = nil
	f.resume = nil
	if f.Output != nil {
		f.Output.Typing = false
	}
}
