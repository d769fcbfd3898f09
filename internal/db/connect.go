package db

import (
	"fmt"

	"github.com/zulandar/beamyard/internal/config"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open opens a GORM connection for driver ("sqlite" or "mysql"). For sqlite
// dsn is a file path or ":memory:".
func Open(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		dialector = mysql.Open(dsn)
	default:
		return nil, fmt.Errorf("db: unsupported driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("db: connect %s: %w", driver, err)
	}
	if driver == "sqlite" {
		// One connection: sqlite has a single writer and every ":memory:"
		// connection would otherwise get its own empty database.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("db: connect %s: %w", driver, err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// Connect opens the database described by cfg.
func Connect(cfg config.DatabaseConfig) (*gorm.DB, error) {
	dsn := cfg.DSN
	if cfg.Driver == "sqlite" {
		dsn = cfg.Path
	}
	return Open(cfg.Driver, dsn)
}

// Close releases the underlying connection pool.
func Close(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("db: close: %w", err)
	}
	return sqlDB.Close()
}
