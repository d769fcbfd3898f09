package db

import (
	"fmt"

	"github.com/zulandar/beamyard/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every archive model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.Session{},
		&models.RayRun{},
		&models.FusionRun{},
		&models.Acceptance{},
	}
}

// AutoMigrate creates or updates all archive tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
