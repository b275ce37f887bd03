// Package database opens the storage backend and keeps its schema current.
package database

import (
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/ides/internal/comments"
	"github.com/MarcoPoloResearchLab/ides/internal/readers"
	"github.com/MarcoPoloResearchLab/ides/internal/reading"
	"github.com/MarcoPoloResearchLab/ides/internal/revisions"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	postgresMaxOpenConns = 16
)

// Config selects the storage backend.
type Config struct {
	Driver string
	Path   string
	DSN    string
}

// Open connects to the configured backend, migrates the schema and applies pending data migrations.
func Open(cfg Config, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialector, target, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(cfg.Driver, DriverPostgres) {
		sqlDB.SetMaxOpenConns(postgresMaxOpenConns)
	} else {
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	logger.Info("database initialized", zap.String("driver", driverName(cfg.Driver)), zap.String("target", target))
	return db, nil
}

// Models lists every table the service owns.
func Models() []any {
	models := append([]any{}, revisions.Models()...)
	models = append(models, reading.Models()...)
	models = append(models, &readers.Reader{}, &comments.Comment{}, &migrationRecord{})
	return models
}

func dialectorFor(cfg Config) (gorm.Dialector, string, error) {
	switch driverName(cfg.Driver) {
	case DriverSQLite:
		path := strings.TrimSpace(cfg.Path)
		if path == "" {
			return nil, "", fmt.Errorf("database path is required")
		}
		return sqlite.Open(path), path, nil
	case DriverPostgres:
		dsn := strings.TrimSpace(cfg.DSN)
		if dsn == "" {
			return nil, "", fmt.Errorf("database dsn is required for postgres")
		}
		return postgres.Open(dsn), "postgres", nil
	default:
		return nil, "", fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func driverName(raw string) string {
	name := strings.ToLower(strings.TrimSpace(raw))
	if name == "" {
		return DriverSQLite
	}
	return name
}
