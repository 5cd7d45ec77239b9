// Package stats keeps per-user, per-level play statistics and the global
// per-level aggregates derived from them. Counters sync as deltas so
// concurrent increments from several devices commute; opinion fields
// (bookmark, rating, tags, comment) resolve last-writer-wins by watermark.
package stats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// MaxTags bounds the tag set per (owner, level); overflow is dropped silently.
const MaxTags = 8

var errMissingDatabase = errors.New("stats: database handle is required")

// LevelStat is the per-user, per-level aggregate row.
type LevelStat struct {
	OwnerID           string `gorm:"column:owner_id;primaryKey;size:190;not null;index:idx_level_stats_owner_updated,priority:1"`
	LevelID           string `gorm:"column:level_id;primaryKey;size:36;not null"`
	PlayCount         int64  `gorm:"column:play_count;not null;default:0"`
	ClearCount        int64  `gorm:"column:clear_count;not null;default:0"`
	DeathCount        int64  `gorm:"column:death_count;not null;default:0"`
	Bookmark          bool   `gorm:"column:bookmark;not null;default:false"`
	Rating            int    `gorm:"column:rating;not null;default:0"`
	TagsJSON          string `gorm:"column:tags_json;type:text;not null;default:'[]'"`
	Comment           string `gorm:"column:comment;type:text;not null;default:''"`
	LastPlayedSeconds int64  `gorm:"column:last_played_s;not null;default:0"`
	UpdatedAtSeconds  int64  `gorm:"column:updated_at_s;not null;index:idx_level_stats_owner_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (LevelStat) TableName() string {
	return "level_stats"
}

// Tags decodes the stored tag set.
func (s LevelStat) Tags() []string {
	var tags []string
	if err := json.Unmarshal([]byte(s.TagsJSON), &tags); err != nil {
		return nil
	}
	return tags
}

// LevelAggregate is the global per-level aggregate, maintained incrementally.
type LevelAggregate struct {
	LevelID       string `gorm:"column:level_id;primaryKey;size:36;not null"`
	PlayCount     int64  `gorm:"column:play_count;not null;default:0"`
	ClearCount    int64  `gorm:"column:clear_count;not null;default:0"`
	DeathCount    int64  `gorm:"column:death_count;not null;default:0"`
	BookmarkCount int64  `gorm:"column:bookmark_count;not null;default:0"`
	RatingSum     int64  `gorm:"column:rating_sum;not null;default:0"`
	RatingCount   int64  `gorm:"column:rating_count;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (LevelAggregate) TableName() string {
	return "level_aggregates"
}

// RatingAverage derives the mean rating; zero when nobody rated.
func (a LevelAggregate) RatingAverage() float64 {
	if a.RatingCount == 0 {
		return 0
	}
	return float64(a.RatingSum) / float64(a.RatingCount)
}

// Delta is one level's statistics change submitted by a client. Counter
// fields carry increments since the client's last successful sync; opinion
// fields carry absolute values guarded by UpdatedAtSeconds.
type Delta struct {
	LevelID           string
	PlayCountToSync   int64
	ClearCountToSync  int64
	DeathCountToSync  int64
	Bookmark          bool
	Rating            int
	Tags              []string
	Comment           string
	LastPlayedSeconds int64
	UpdatedAtSeconds  int64
}

// ServiceConfig describes the dependencies of the stats service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service merges stat deltas and maintains the global aggregates.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the stats service.
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
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Sync merges each delta into the owner's stored row and returns the merged
// rows with absolute counters, so every device converges to the same values
// regardless of sync order.
func (s *Service) Sync(ctx context.Context, ownerID string, deltas []Delta) ([]LevelStat, error) {
	merged := make([]LevelStat, 0, len(deltas))
	for _, delta := range deltas {
		stat, err := s.mergeOne(ctx, ownerID, delta)
		if err != nil {
			return nil, err
		}
		merged = append(merged, stat)
	}
	return merged, nil
}

// StatsSince lists the owner's rows updated after the watermark, for devices
// that have no pending deltas of their own.
func (s *Service) StatsSince(ctx context.Context, ownerID string, since int64) ([]LevelStat, error) {
	var rows []LevelStat
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND updated_at_s > ?", ownerID, since).
		Order("updated_at_s ASC, level_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("stats: list since: %w", err)
	}
	return rows, nil
}

// Aggregate returns the global aggregate for a level; a zero row when nobody
// played it yet.
func (s *Service) Aggregate(ctx context.Context, levelID string) (LevelAggregate, error) {
	var aggregate LevelAggregate
	err := s.db.WithContext(ctx).Where("level_id = ?", levelID).First(&aggregate).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return LevelAggregate{LevelID: levelID}, nil
	}
	if err != nil {
		return LevelAggregate{}, fmt.Errorf("stats: aggregate lookup: %w", err)
	}
	return aggregate, nil
}

func (s *Service) mergeOne(ctx context.Context, ownerID string, delta Delta) (LevelStat, error) {
	var stored LevelStat
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND level_id = ?", ownerID, delta.LevelID).
		First(&stored).Error
	created := false
	if errors.Is(err, gorm.ErrRecordNotFound) {
		stored = LevelStat{OwnerID: ownerID, LevelID: delta.LevelID, TagsJSON: "[]"}
		created = true
	} else if err != nil {
		return LevelStat{}, fmt.Errorf("stats: lookup: %w", err)
	}

	previousBookmark := stored.Bookmark
	previousRating := stored.Rating

	// Counters merge additively: serverTotal' = serverTotal + delta.
	stored.PlayCount += delta.PlayCountToSync
	stored.ClearCount += delta.ClearCountToSync
	stored.DeathCount += delta.DeathCountToSync

	// lastPlayed takes the later timestamp no matter which side wins below.
	if delta.LastPlayedSeconds > stored.LastPlayedSeconds {
		stored.LastPlayedSeconds = delta.LastPlayedSeconds
	}

	clientWins := created || delta.UpdatedAtSeconds > stored.UpdatedAtSeconds
	if clientWins {
		stored.Bookmark = delta.Bookmark
		stored.Rating = delta.Rating
		stored.Comment = delta.Comment
		stored.TagsJSON = encodeTags(mergeTags(delta.Tags, stored.Tags()))
	} else {
		stored.TagsJSON = encodeTags(mergeTags(stored.Tags(), delta.Tags))
	}
	if delta.UpdatedAtSeconds > stored.UpdatedAtSeconds {
		stored.UpdatedAtSeconds = delta.UpdatedAtSeconds
	}
	if stored.UpdatedAtSeconds == 0 {
		stored.UpdatedAtSeconds = s.clock().UTC().Unix()
	}

	if err := s.db.WithContext(ctx).Save(&stored).Error; err != nil {
		return LevelStat{}, fmt.Errorf("stats: save: %w", err)
	}

	if err := s.applyAggregate(ctx, delta, clientWins, previousBookmark, previousRating, stored); err != nil {
		return LevelStat{}, err
	}
	return stored, nil
}

// applyAggregate folds one merged delta into the level's global aggregate.
// The aggregate is delta-applied, never recomputed from scratch.
func (s *Service) applyAggregate(ctx context.Context, delta Delta, clientWins bool, previousBookmark bool, previousRating int, merged LevelStat) error {
	aggregate := LevelAggregate{LevelID: delta.LevelID}
	err := s.db.WithContext(ctx).
		Where("level_id = ?", delta.LevelID).
		FirstOrCreate(&aggregate).Error
	if err != nil {
		return fmt.Errorf("stats: aggregate upsert: %w", err)
	}

	aggregate.PlayCount += delta.PlayCountToSync
	aggregate.ClearCount += delta.ClearCountToSync
	aggregate.DeathCount += delta.DeathCountToSync

	if clientWins {
		if merged.Bookmark && !previousBookmark {
			aggregate.BookmarkCount++
		} else if !merged.Bookmark && previousBookmark {
			aggregate.BookmarkCount--
		}
		switch {
		case previousRating == 0 && merged.Rating > 0:
			aggregate.RatingCount++
			aggregate.RatingSum += int64(merged.Rating)
		case previousRating > 0 && merged.Rating == 0:
			aggregate.RatingCount--
			aggregate.RatingSum -= int64(previousRating)
		case previousRating > 0 && merged.Rating > 0:
			aggregate.RatingSum += int64(merged.Rating - previousRating)
		}
	}

	if err := s.db.WithContext(ctx).Save(&aggregate).Error; err != nil {
		return fmt.Errorf("stats: aggregate save: %w", err)
	}
	return nil
}

func mergeTags(winning, losing []string) []string {
	merged := make([]string, 0, MaxTags)
	seen := make(map[string]struct{}, MaxTags)
	for _, tag := range append(append([]string{}, winning...), losing...) {
		if tag == "" {
			continue
		}
		if _, dup := seen[tag]; dup {
			continue
		}
		if len(merged) == MaxTags {
			break
		}
		seen[tag] = struct{}{}
		merged = append(merged, tag)
	}
	return merged
}

func encodeTags(tags []string) string {
	if tags == nil {
		tags = []string{}
	}
	encoded, _ := json.Marshal(tags)
	return string(encoded)
}
