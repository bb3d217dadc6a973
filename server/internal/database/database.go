package database

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/glebarez/sqlite" // Pure Go SQLite driver (uses modernc.org/sqlite)
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/obot-platform/sandboxrelay/server/internal/config"
	"github.com/obot-platform/sandboxrelay/server/internal/logger"
	"github.com/obot-platform/sandboxrelay/server/internal/model"
)

// DB wraps the GORM DB connection with additional context
type DB struct {
	*gorm.DB
	Driver string
	logger *logger.Logger
}

// New creates a new database connection based on configuration
func New(cfg *config.Config, log *logger.Logger) (*DB, error) {
	if log == nil {
		log = logger.Nop()
	}
	log = log.Named("database")

	// Only slow queries (>1s) and errors are logged, through zap.
	slowLogger := gormlogger.New(
		zap.NewStdLog(log.Zap()),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
	gormConfig := &gorm.Config{Logger: slowLogger}

	var db *gorm.DB
	var err error

	driver := cfg.DatabaseDriver
	dsn := cfg.CleanDSN()
	memory := false

	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), gormConfig)
	case "sqlite":
		memory = strings.Contains(dsn, ":memory:")
		sqliteDSN := dsn
		if !memory {
			// File databases are opened by path.
			sqliteDSN = strings.TrimPrefix(dsn, "file:")
			dir := filepath.Dir(sqliteDSN)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}

		db, err = gorm.Open(sqlite.Open(sqliteDSN), gormConfig)
		if err == nil {
			if !memory {
				db.Exec("PRAGMA journal_mode=WAL")
			}
			db.Exec("PRAGMA busy_timeout = 5000")
			db.Exec("PRAGMA foreign_keys = ON")
		}
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	switch {
	case memory:
		// Every connection to an in-memory database is a separate database.
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(0)
	case driver == "sqlite":
		sqlDB.SetMaxOpenConns(4)
		sqlDB.SetMaxIdleConns(4)
	default:
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
	}

	log.Info("database connected", "driver", driver, "memory", memory)
	return &DB{DB: db, Driver: driver, logger: log}, nil
}

// Migrate runs database migrations using GORM's AutoMigrate
func (db *DB) Migrate() error {
	db.logger.Debug("running auto-migrate")
	return db.AutoMigrate(model.AllModels()...)
}

// IsPostgres returns true if using PostgreSQL
func (db *DB) IsPostgres() bool {
	return db.Driver == "postgres"
}

// IsSQLite returns true if using SQLite
func (db *DB) IsSQLite() bool {
	return db.Driver == "sqlite"
}

// Close closes the database connection
func (db *DB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
