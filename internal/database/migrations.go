package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/barrageforge/barrage/internal/stats"
)

const migrationBackfillStatWatermarks = "2026-08-12_backfill_stat_watermarks"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillStatWatermarks, apply: backfillStatWatermarks},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before updated_at_s existed carry a zero watermark; stamp them
// with their last-played time so last-writer-wins comparisons stay sane.
func backfillStatWatermarks(db *gorm.DB) error {
	return db.Model(&stats.LevelStat{}).
		Where("updated_at_s = 0 AND last_played_s > 0").
		Update("updated_at_s", gorm.Expr("last_played_s")).Error
}
