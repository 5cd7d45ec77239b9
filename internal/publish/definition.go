package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/barrageforge/barrage/internal/resource"
	"github.com/barrageforge/barrage/internal/search"
)

var (
	// ErrInvalidDefinition indicates a definition whose kind tag and payload disagree.
	ErrInvalidDefinition = errors.New("publish: invalid definition")
)

// BulletSpec carries bullet-definition specific fields.
type BulletSpec struct {
	Pattern string  `json:"pattern"`
	Speed   float64 `json:"speed"`
	Sprite  string  `json:"sprite"`
}

// EnemySpec carries enemy-definition specific fields.
type EnemySpec struct {
	Health int    `json:"health"`
	Sprite string `json:"sprite"`
}

// LevelSpec carries level-definition specific fields.
type LevelSpec struct {
	Difficulty int    `json:"difficulty"`
	MusicTrack string `json:"music_track"`
}

// CampaignSpec carries campaign-definition specific fields.
type CampaignSpec struct {
	LevelCount int `json:"level_count"`
}

// Definition is the tagged union of publishable content kinds: the Kind tag
// selects exactly one populated payload.
type Definition struct {
	Kind         resource.Kind
	ResourceID   string
	Name         string
	Description  string
	BlobHandle   string
	Dependencies []string

	Bullet   *BulletSpec
	Enemy    *EnemySpec
	Level    *LevelSpec
	Campaign *CampaignSpec
}

// Validate checks the kind tag against the populated payload.
func (d Definition) Validate() error {
	if _, err := resource.NewID(d.ResourceID); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDefinition, err)
	}
	if d.Name == "" {
		return fmt.Errorf("%w: name required for %s", ErrInvalidDefinition, d.ResourceID)
	}

	switch d.Kind {
	case resource.KindBulletDefinition:
		if d.Bullet == nil {
			return fmt.Errorf("%w: bullet payload required for %s", ErrInvalidDefinition, d.ResourceID)
		}
	case resource.KindEnemyDefinition:
		if d.Enemy == nil {
			return fmt.Errorf("%w: enemy payload required for %s", ErrInvalidDefinition, d.ResourceID)
		}
	case resource.KindLevelDefinition, resource.KindLevelPayload:
		if d.Level == nil {
			return fmt.Errorf("%w: level payload required for %s", ErrInvalidDefinition, d.ResourceID)
		}
	case resource.KindCampaignDefinition:
		if d.Campaign == nil {
			return fmt.Errorf("%w: campaign payload required for %s", ErrInvalidDefinition, d.ResourceID)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidDefinition, d.Kind)
	}
	return nil
}

// metadataRecord maps a definition onto its stored form. The switch is
// exhaustive over the kind set; unknown kinds were rejected by Validate.
func metadataRecord(def Definition, ownerID string, now int64) (PublishedDefinition, error) {
	var detail any
	switch def.Kind {
	case resource.KindBulletDefinition:
		detail = def.Bullet
	case resource.KindEnemyDefinition:
		detail = def.Enemy
	case resource.KindLevelDefinition, resource.KindLevelPayload:
		detail = def.Level
	case resource.KindCampaignDefinition:
		detail = def.Campaign
	default:
		return PublishedDefinition{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidDefinition, def.Kind)
	}

	encoded, err := json.Marshal(detail)
	if err != nil {
		return PublishedDefinition{}, fmt.Errorf("publish: encode detail for %s: %w", def.ResourceID, err)
	}

	return PublishedDefinition{
		ResourceID:         def.ResourceID,
		OwnerID:            ownerID,
		Kind:               def.Kind,
		Name:               def.Name,
		Description:        def.Description,
		BlobHandle:         def.BlobHandle,
		DetailJSON:         string(encoded),
		PublishedAtSeconds: now,
	}, nil
}

// indexDocument maps a definition onto its search document. The switch is
// exhaustive over the kind set.
func indexDocument(def Definition, ownerID string) (search.Fields, error) {
	fields := search.Fields{
		"name":  {def.Name},
		"owner": {ownerID},
		"kind":  {string(def.Kind)},
	}

	switch def.Kind {
	case resource.KindBulletDefinition:
		fields["pattern"] = []string{def.Bullet.Pattern}
	case resource.KindEnemyDefinition:
		fields["health"] = []string{strconv.Itoa(def.Enemy.Health)}
	case resource.KindLevelDefinition, resource.KindLevelPayload:
		fields["difficulty"] = []string{strconv.Itoa(def.Level.Difficulty)}
	case resource.KindCampaignDefinition:
		fields["level_count"] = []string{strconv.Itoa(def.Campaign.LevelCount)}
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidDefinition, def.Kind)
	}
	return fields, nil
}
