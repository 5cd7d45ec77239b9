// Package highscore stores per-level scores and merges concurrent
// submissions with a highest-value-wins rule, making sync commutative and
// idempotent regardless of arrival order.
package highscore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/barrageforge/barrage/internal/deltasync"
)

var errMissingDatabase = errors.New("highscore: database handle is required")

// Entry is the authoritative score row: at most one per (level, owner).
type Entry struct {
	LevelID           string `gorm:"column:level_id;primaryKey;size:36;not null;index:idx_highscores_level_score,priority:1"`
	OwnerID           string `gorm:"column:owner_id;primaryKey;size:190;not null;index:idx_highscores_owner_updated,priority:1"`
	PlayerName        string `gorm:"column:player_name;size:64;not null"`
	Score             int64  `gorm:"column:score;not null;index:idx_highscores_level_score,priority:2,sort:desc"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds  int64  `gorm:"column:updated_at_s;not null;index:idx_highscores_owner_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "highscores"
}

// Submission is one client-side pending score.
type Submission struct {
	LevelID          string
	PlayerName       string
	Score            int64
	CreatedAtSeconds int64
}

// SyncResult reports the merged state the client should adopt.
type SyncResult struct {
	// Entries holds the owner's authoritative rows changed since the client's
	// watermark, including rows where the server's score beat a submission.
	Entries    []Entry
	FetchedAll bool
	// SyncTimeSeconds is the watermark to adopt once FetchedAll is true.
	SyncTimeSeconds int64
}

// ServiceConfig describes the dependencies of the highscore service.
type ServiceConfig struct {
	Database *gorm.DB
	Delta    *deltasync.Engine[Entry]
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service merges score submissions and serves score deltas and boards.
type Service struct {
	db     *gorm.DB
	delta  *deltasync.Engine[Entry]
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the highscore service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, delta: cfg.Delta, clock: clock, logger: logger}, nil
}

// Sync merges the owner's submissions and returns the rows the client should
// adopt. The merge never averages or sums: the higher score wins, equal scores
// are already consistent, so replaying the same payload is a no-op.
func (s *Service) Sync(ctx context.Context, ownerID string, lastSync int64, submissions []Submission) (SyncResult, error) {
	now := s.clock().UTC().Unix()

	for _, submission := range submissions {
		if err := s.merge(ctx, ownerID, submission, now); err != nil {
			return SyncResult{}, err
		}
	}

	result := SyncResult{SyncTimeSeconds: lastSync, FetchedAll: true}
	if s.delta != nil {
		delta, err := s.delta.ComputeDelta(ctx, ownerID, lastSync)
		if err != nil {
			return SyncResult{}, err
		}
		result.Entries = delta.Records
		result.FetchedAll = delta.FetchedAll
		result.SyncTimeSeconds = delta.NewWatermark
	}
	return result, nil
}

// TopForLevel returns the level's board: the best rows across owners, highest
// score first, ties broken by earliest achievement.
func (s *Service) TopForLevel(ctx context.Context, levelID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []Entry
	err := s.db.WithContext(ctx).
		Where("level_id = ?", levelID).
		Order("score DESC, created_at_s ASC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("highscore: board query: %w", err)
	}
	return entries, nil
}

func (s *Service) merge(ctx context.Context, ownerID string, submission Submission, now int64) error {
	var stored Entry
	err := s.db.WithContext(ctx).
		Where("level_id = ? AND owner_id = ?", submission.LevelID, ownerID).
		First(&stored).Error

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		entry := Entry{
			LevelID:          submission.LevelID,
			OwnerID:          ownerID,
			PlayerName:       submission.PlayerName,
			Score:            submission.Score,
			CreatedAtSeconds: submission.CreatedAtSeconds,
			UpdatedAtSeconds: now,
		}
		if createErr := s.db.WithContext(ctx).Create(&entry).Error; createErr != nil {
			return fmt.Errorf("highscore: insert: %w", createErr)
		}
		return nil
	case err != nil:
		return fmt.Errorf("highscore: lookup: %w", err)
	}

	if submission.Score <= stored.Score {
		// Server score wins or is already equal; the delta listing carries the
		// authoritative row back to the client.
		return nil
	}

	updates := map[string]any{
		"player_name":  submission.PlayerName,
		"score":        submission.Score,
		"created_at_s": submission.CreatedAtSeconds,
		"updated_at_s": now,
	}
	err = s.db.WithContext(ctx).Model(&Entry{}).
		Where("level_id = ? AND owner_id = ?", submission.LevelID, ownerID).
		Updates(updates).Error
	if err != nil {
		return fmt.Errorf("highscore: adopt client score: %w", err)
	}
	return nil
}
