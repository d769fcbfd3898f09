package beam

import (
	"fmt"

	"github.com/zulandar/beamyard/internal/gather"
	"github.com/zulandar/beamyard/internal/llm"
	"github.com/zulandar/beamyard/internal/scatter"
	"go.uber.org/zap"
)

// SetRayCount resizes the ray set.
func (s *Store) SetRayCount(n int) { s.scatter.SetRayCount(n) }

// SetRayModel sets one ray's model.
func (s *Store) SetRayModel(id, modelID string) error { return s.scatter.SetRayModel(id, modelID) }

// ToggleRaySelected flips one ray's manual pick flag.
func (s *Store) ToggleRaySelected(id string) error { return s.scatter.ToggleUserSelected(id) }

// RemoveRay stops and deletes one ray.
func (s *Store) RemoveRay(id string) error { return s.scatter.RemoveRay(id) }

// ImportRays adds completed rays from existing assistant messages.
func (s *Store) ImportRays(messages []llm.Message) { s.scatter.ImportRays(messages) }

// StartAll starts every idle ray.
func (s *Store) StartAll() error {
	if _, _, err := s.session(); err != nil {
		return err
	}
	s.scatter.StartAll()
	return nil
}

// StopAll stops every ray.
func (s *Store) StopAll() { s.scatter.StopAll() }

// StartRay starts one ray.
func (s *Store) StartRay(id string) (scatter.Ray, error) {
	if _, _, err := s.session(); err != nil {
		return scatter.Ray{}, err
	}
	return s.scatter.StartRay(id, false)
}

// StopRay stops one ray.
func (s *Store) StopRay(id string) error { return s.scatter.StopRay(id) }

// SetGatherModel selects the fusion model.
func (s *Store) SetGatherModel(modelID string) { s.gather.SetModel(modelID) }

// SetCurrentFusion selects the current fusion.
func (s *Store) SetCurrentFusion(id string) error { return s.gather.SetCurrent(id) }

// RecreateAsCustom copies a fusion's instructions into the custom slot.
func (s *Store) RecreateAsCustom(id string) (gather.Fusion, error) {
	return s.gather.RecreateAsCustom(id)
}

// EditInstruction edits one instruction of the custom fusion.
func (s *Store) EditInstruction(id string, index int, edit gather.InstructionEdit) (gather.Fusion, error) {
	return s.gather.EditInstruction(id, index, edit)
}

// StartCurrentFusion runs the current fusion over the ready rays.
func (s *Store) StartCurrentFusion() (gather.Fusion, error) {
	_, history, err := s.session()
	if err != nil {
		return gather.Fusion{}, err
	}
	return s.gather.StartCurrent(history, s.scatter.ReadyMessages())
}

// StartFusion runs one fusion over the ready rays.
func (s *Store) StartFusion(id string) (gather.Fusion, error) {
	_, history, err := s.session()
	if err != nil {
		return gather.Fusion{}, err
	}
	return s.gather.Start(id, history, s.scatter.ReadyMessages())
}

// StopCurrentFusion stops the current fusion.
func (s *Store) StopCurrentFusion() error { return s.gather.StopCurrent() }

// StopFusion stops one fusion.
func (s *Store) StopFusion(id string) error { return s.gather.Stop(id) }

// ResolveChecklist resumes a fusion paused on a checklist.
func (s *Store) ResolveChecklist(id string, selected []int) error {
	return s.gather.ResolveChecklist(id, selected)
}

// AcceptRay hands a ray's output to the session's accept callback.
func (s *Store) AcceptRay(id string) (Acceptance, error) {
	r, err := s.scatter.Ray(id)
	if err != nil {
		return Acceptance{}, err
	}
	if !scatter.IsSelectable(r) {
		return Acceptance{}, fmt.Errorf("%w: ray %s", ErrNotReady, id)
	}
	modelID := r.Message.OriginModel
	if modelID == "" {
		modelID = r.ModelID
	}
	if modelID == "" {
		modelID = s.scatter.State().FallbackModel
	}
	return s.accept(Acceptance{Source: SourceRay, SourceID: id, ModelID: modelID, Text: r.Message.Text})
}

// AcceptFusion hands a successful fusion's output to the accept callback.
func (s *Store) AcceptFusion(id string) (Acceptance, error) {
	f, err := s.gather.Fusion(id)
	if err != nil {
		return Acceptance{}, err
	}
	if f.Status != gather.StatusSuccess || f.Output == nil || f.Output.Text == "" {
		return Acceptance{}, fmt.Errorf("%w: fusion %s", ErrNotReady, id)
	}
	modelID := f.Output.OriginModel
	if modelID == "" {
		modelID = s.gather.Model()
	}
	return s.accept(Acceptance{Source: SourceFusion, SourceID: id, ModelID: modelID, Text: f.Output.Text})
}

func (s *Store) accept(a Acceptance) (Acceptance, error) {
	s.mu.Lock()
	if !s.open {
		s.mu.Unlock()
		return Acceptance{}, ErrNotOpen
	}
	sessionID := s.sessionID
	onAccept := s.onAccept
	s.mu.Unlock()

	if onAccept != nil {
		onAccept(a.Text, a.ModelID)
	}
	s.metrics.Accepted(a.Source)
	if s.recorder != nil {
		if err := s.recorder.Accepted(sessionID, a); err != nil {
			s.logger.Warn("record acceptance", zap.String("source", a.Source), zap.Error(err))
		}
	}
	s.logger.Info("output accepted",
		zap.String("session", sessionID),
		zap.String("source", a.Source),
		zap.String("model", a.ModelID))
	return a, nil
}
