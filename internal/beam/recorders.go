package beam

import (
	"errors"

	"github.com/zulandar/beamyard/internal/gather"
	"github.com/zulandar/beamyard/internal/llm"
	"github.com/zulandar/beamyard/internal/scatter"
)

// Recorders fans every event out to each recorder in order and joins
// their errors.
type Recorders []Recorder

var _ Recorder = Recorders(nil)

// SessionOpened implements Recorder.
func (rs Recorders) SessionOpened(sessionID string, history []llm.Message) error {
	return rs.each(func(r Recorder) error { return r.SessionOpened(sessionID, history) })
}

// RaySettled implements Recorder.
func (rs Recorders) RaySettled(sessionID string, ray scatter.Ray) error {
	return rs.each(func(r Recorder) error { return r.RaySettled(sessionID, ray) })
}

// FusionSettled implements Recorder.
func (rs Recorders) FusionSettled(sessionID string, f gather.Fusion) error {
	return rs.each(func(r Recorder) error { return r.FusionSettled(sessionID, f) })
}

// Accepted implements Recorder.
func (rs Recorders) Accepted(sessionID string, a Acceptance) error {
	return rs.each(func(r Recorder) error { return r.Accepted(sessionID, a) })
}

func (rs Recorders) each(fn func(Recorder) error) error {
	var errs []error
	for _, r := range rs {
		if r == nil {
			continue
		}
		if err := fn(r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
