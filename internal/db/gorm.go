package db

import (
	"fmt"
	"time"

	"docsync/internal/config"
	"docsync/internal/models"

	"github.com/go-logr/logr"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database instance
type GormDB struct {
	*gorm.DB
}

// NewGorm opens the Postgres connection and migrates the snapshot and
// update-log tables.
func NewGorm(cfg *config.Config, log logr.Logger) (*GormDB, error) {
	level := logger.Warn
	if cfg.Verbosity > 1 {
		level = logger.Info // Shows SQL queries
	}

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL()), &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(20)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)

	// GORM creates/updates tables based on struct definitions
	if err := db.AutoMigrate(
		&models.DocumentState{},
		&models.DocumentUpdate{},
	); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Info("✓ Database connected and migrated successfully", "host", cfg.DBHost, "database", cfg.DBName)

	return &GormDB{db}, nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
