package database

import (
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/relaycore/relaycore/internal/config"
	"github.com/relaycore/relaycore/internal/models"
)

// Connections holds the primary pool and an optional read replica.
// Replica is nil when no replica URL is configured; readers must fall
// back to Primary.
type Connections struct {
	Primary *gorm.DB
	Replica *gorm.DB
}

// Reader returns the replica when available, else the primary.
func (c *Connections) Reader() *gorm.DB {
	if c.Replica != nil {
		return c.Replica
	}
	return c.Primary
}

// Connect opens the connection pools and runs migrations on the primary.
func Connect(cfg config.DatabaseConfig) (*Connections, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	primary, err := open(cfg, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := Migrate(primary); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	conns := &Connections{Primary: primary}
	if cfg.ReplicaURL != "" {
		replica, err := open(cfg, cfg.ReplicaURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to read replica: %w", err)
		}
		conns.Replica = replica
	}
	return conns, nil
}

func open(cfg config.DatabaseConfig, dsn string) (*gorm.DB, error) {
	maxConns := cfg.MaxConnections
	if maxConns == 0 {
		maxConns = 100
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 10
	}
	maxLifetime := cfg.ConnMaxLifetime
	if maxLifetime == 0 {
		maxLifetime = time.Hour
	}

	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:      gormLogger,
		PrepareStmt: true,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxIdle)
	sqlDB.SetConnMaxLifetime(maxLifetime)

	if err := sqlDB.Ping(); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates or updates the budget and usage tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.BudgetDefinition{},
		&models.UsageRecord{},
		&models.BudgetStatusRow{},
		&models.AlertHistoryRow{},
		&models.User{},
		&models.UserTeam{},
	)
}

// Close shuts down both pools.
func (c *Connections) Close() error {
	if c.Replica != nil {
		if sqlDB, err := c.Replica.DB(); err == nil {
			sqlDB.Close()
		}
	}
	sqlDB, err := c.Primary.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
