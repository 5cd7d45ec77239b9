package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/barrageforge/barrage/internal/blob"
	"github.com/barrageforge/barrage/internal/highscore"
	"github.com/barrageforge/barrage/internal/identity"
	"github.com/barrageforge/barrage/internal/publish"
	"github.com/barrageforge/barrage/internal/resource"
	"github.com/barrageforge/barrage/internal/search"
	"github.com/barrageforge/barrage/internal/stats"
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	models := []any{
		&resource.Record{},
		&resource.Tombstone{},
		&publish.PublishedDefinition{},
		&publish.DependencyEdge{},
		&highscore.Entry{},
		&stats.LevelStat{},
		&stats.LevelAggregate{},
		&blob.PendingDelete{},
		&identity.Identity{},
		&migrationRecord{},
	}
	models = append(models, search.Models()...)
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}
