// Package archive persists beam sessions and prunes old ones.
package archive

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/zulandar/beamyard/internal/beam"
	"github.com/zulandar/beamyard/internal/gather"
	"github.com/zulandar/beamyard/internal/llm"
	"github.com/zulandar/beamyard/internal/models"
	"github.com/zulandar/beamyard/internal/scatter"
	"gorm.io/gorm"
)

// Recorder writes session activity to the database. It implements
// beam.Recorder.
type Recorder struct {
	db  *gorm.DB
	now func() time.Time
}

var _ beam.Recorder = (*Recorder)(nil)

// NewRecorder creates a Recorder on an already migrated database.
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db, now: time.Now}
}

// SessionOpened stores the session with its history.
func (r *Recorder) SessionOpened(sessionID string, history []llm.Message) error {
	data, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("archive: marshal history: %w", err)
	}
	prompt := ""
	if n := len(history); n > 0 {
		prompt = history[n-1].Text
	}
	s := models.Session{
		ID:        sessionID,
		Prompt:    prompt,
		History:   string(data),
		Turns:     len(history),
		CreatedAt: r.now(),
	}
	if err := r.db.Create(&s).Error; err != nil {
		return fmt.Errorf("archive: create session %s: %w", sessionID, err)
	}
	return nil
}

// RaySettled stores one ray outcome.
func (r *Recorder) RaySettled(sessionID string, ray scatter.Ray) error {
	run := models.RayRun{
		SessionID:   sessionID,
		RayID:       ray.ID,
		ModelID:     ray.ModelID,
		OriginModel: ray.Message.OriginModel,
		Status:      string(ray.Status),
		Issue:       ray.Issue,
		Imported:    ray.Imported,
		CreatedAt:   r.now(),
	}
	if scatter.IsSelectable(ray) {
		run.Text = ray.Message.Text
	}
	if err := r.db.Create(&run).Error; err != nil {
		return fmt.Errorf("archive: record ray %s: %w", ray.ID, err)
	}
	return nil
}

// FusionSettled stores one fusion outcome.
func (r *Recorder) FusionSettled(sessionID string, f gather.Fusion) error {
	run := models.FusionRun{
		SessionID: sessionID,
		FusionID:  f.ID,
		FactoryID: f.FactoryID,
		Status:    string(f.Status),
		Issue:     f.Issue,
		CreatedAt: r.now(),
	}
	if f.Output != nil {
		run.ModelID = f.Output.OriginModel
		if f.Output.Text != gather.PlaceholderText {
			run.Text = f.Output.Text
		}
	}
	if err := r.db.Create(&run).Error; err != nil {
		return fmt.Errorf("archive: record fusion %s: %w", f.ID, err)
	}
	return nil
}

// Accepted stores one accepted output.
func (r *Recorder) Accepted(sessionID string, a beam.Acceptance) error {
	row := models.Acceptance{
		SessionID: sessionID,
		Source:    a.Source,
		SourceID:  a.SourceID,
		ModelID:   a.ModelID,
		Text:      a.Text,
		CreatedAt: r.now(),
	}
	if err := r.db.Create(&row).Error; err != nil {
		return fmt.Errorf("archive: record acceptance: %w", err)
	}
	return nil
}

// RecentSessions returns up to limit sessions, newest first.
func (r *Recorder) RecentSessions(limit int) ([]models.Session, error) {
	var out []models.Session
	if err := r.db.Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("archive: list sessions: %w", err)
	}
	return out, nil
}

// Session loads one session with its runs and acceptances.
func (r *Recorder) Session(id string) (*models.Session, error) {
	var s models.Session
	err := r.db.Preload("Rays").Preload("Fusions").Preload("Acceptances").
		First(&s, "id = ?", id).Error
	if err != nil {
		return nil, fmt.Errorf("archive: load session %s: %w", id, err)
	}
	return &s, nil
}
