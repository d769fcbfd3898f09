package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/beamyard/internal/logging"
	"github.com/zulandar/beamyard/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// scheduleParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Prune deletes sessions created before cutoff together with their runs
// and acceptances. It returns the number of sessions removed.
func Prune(db *gorm.DB, cutoff time.Time) (int64, error) {
	var removed int64
	err := db.Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&models.Session{}).Where("created_at < ?", cutoff).Pluck("id", &ids).Error; err != nil {
			return err
		}
		for _, m := range []interface{}{&models.RayRun{}, &models.FusionRun{}, &models.Acceptance{}} {
			q := tx.Where("created_at < ?", cutoff)
			if len(ids) > 0 {
				q = q.Or("session_id IN ?", ids)
			}
			if err := q.Delete(m).Error; err != nil {
				return err
			}
		}
		if len(ids) == 0 {
			return nil
		}
		res := tx.Where("id IN ?", ids).Delete(&models.Session{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("archive: prune before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	return removed, nil
}

// Pruner runs Prune on a cron schedule.
type Pruner struct {
	db        *gorm.DB
	retention time.Duration
	cron      *cron.Cron
	logger    *zap.Logger
	now       func() time.Time
}

// NewPruner creates a Pruner that keeps retentionDays of history and runs
// on schedule, a 5-field cron expression.
func NewPruner(db *gorm.DB, retentionDays int, schedule string, logger *zap.Logger) (*Pruner, error) {
	if retentionDays <= 0 {
		return nil, fmt.Errorf("archive: retention must be positive, got %d days", retentionDays)
	}
	p := &Pruner{
		db:        db,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		cron:      cron.New(cron.WithParser(scheduleParser)),
		logger:    logging.OrNop(logger).Named("archive"),
		now:       time.Now,
	}
	if _, err := p.cron.AddFunc(schedule, p.run); err != nil {
		return nil, fmt.Errorf("archive: schedule %q: %w", schedule, err)
	}
	return p, nil
}

// RunOnce prunes immediately.
func (p *Pruner) RunOnce() (int64, error) {
	return Prune(p.db, p.now().Add(-p.retention))
}

func (p *Pruner) run() {
	n, err := p.RunOnce()
	if err != nil {
		p.logger.Warn("prune failed", zap.Error(err))
		return
	}
	p.logger.Info("pruned sessions", zap.Int64("sessions", n), zap.Duration("retention", p.retention))
}

// Start begins the schedule in the background.
func (p *Pruner) Start() {
	p.cron.Start()
}

// Stop halts the schedule and returns a context that is done once any
// running prune has finished.
func (p *Pruner) Stop() context.Context {
	return p.cron.Stop()
}

// Next reports when the next prune will run. Zero if not started.
func (p *Pruner) Next() time.Time {
	entries := p.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
