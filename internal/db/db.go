package db

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"hostel-allocation-backend/config"
	"hostel-allocation-backend/internal/model"
)

// Init opens the configured database, tunes the pool and runs migrations.
func Init(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	dialector, err := Dialector(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(log.New(os.Stdout, "\r\n", log.LstdFlags), logger.Config{
			SlowThreshold: time.Second,
			LogLevel:      gormLogLevel(cfg.LogLevel),
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetimeMinutes > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	slog.Info("database initialization complete", "driver", cfg.Driver)
	return db, nil
}

// Dialector maps a driver name onto its GORM dialector.
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	case "sqlite", "sqlite3":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	slog.Info("running database migrations")
	if err := db.AutoMigrate(
		&model.Hostel{},
		&model.Room{},
		&model.Allocation{},
		&model.LedgerEvent{},
		&model.PushSubscription{},
	); err != nil {
		return fmt.Errorf("automigrate failed: %w", err)
	}

	if err := applyActiveAllocationIndex(db); err != nil {
		return err
	}
	return nil
}

// applyActiveAllocationIndex enforces at most one active allocation per
// student. MySQL has no partial indexes; there the workflow's own check is
// the only guard.
func applyActiveAllocationIndex(db *gorm.DB) error {
	if db.Dialector.Name() == "mysql" {
		slog.Warn("partial unique index unsupported on mysql; relying on application check",
			"index", "idx_allocations_active_student")
		return nil
	}

	ddl := "CREATE UNIQUE INDEX IF NOT EXISTS idx_allocations_active_student " +
		"ON allocations (tenant_id, student_id) WHERE status = 'active'"
	if err := db.Exec(ddl).Error; err != nil {
		return fmt.Errorf("DDL failed on %q: %w", ddl, err)
	}
	return nil
}

func gormLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}
