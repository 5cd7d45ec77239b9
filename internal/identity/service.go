// Package identity maps device credentials onto canonical owner identifiers.
// Sync endpoints only ever see the canonical owner id; where it came from is
// this package's concern.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrInvalidCredential indicates a credential without a usable subject.
var ErrInvalidCredential = errors.New("identity: invalid credential")

// Identity maps one provider-specific login to a canonical owner id.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	OwnerID     string    `gorm:"column:owner_id;size:36;not null;index"`
	DisplayName string    `gorm:"column:display_name;size:190"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing identities.
func (Identity) TableName() string {
	return "owner_identities"
}

// ServiceConfig describes the dependencies for identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages canonical owner identifiers.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("identity: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// ResolveOwnerID returns the canonical owner id for (provider, subject),
// creating a new mapping the first time the pair is seen.
func (s *Service) ResolveOwnerID(ctx context.Context, provider, subject, displayName string) (string, error) {
	provider = strings.TrimSpace(strings.ToLower(provider))
	subject = strings.TrimSpace(subject)
	if provider == "" || subject == "" {
		return "", ErrInvalidCredential
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if ownerID, ok := cached.(string); ok {
			return ownerID, nil
		}
	}

	var existing Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&existing).Error
	switch {
	case err == nil:
		s.cache.Store(cacheKey, existing.OwnerID)
		return existing.OwnerID, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return "", fmt.Errorf("identity: lookup: %w", err)
	}

	ownerUUID, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("identity: mint owner id: %w", err)
	}
	created := Identity{
		Provider:    provider,
		Subject:     subject,
		OwnerID:     ownerUUID.String(),
		DisplayName: strings.TrimSpace(displayName),
	}
	if err := s.db.WithContext(ctx).Create(&created).Error; err != nil {
		return "", fmt.Errorf("identity: create: %w", err)
	}
	s.cache.Store(cacheKey, created.OwnerID)
	return created.OwnerID, nil
}

// OnLogin records that the owner authenticated. Invoked explicitly by the
// authentication boundary rather than through listener registration.
func (s *Service) OnLogin(ctx context.Context, ownerID string) {
	s.db.WithContext(ctx).Model(&Identity{}).
		Where("owner_id = ?", ownerID).
		Update("last_seen_at", s.now().UTC())
}

// OnLogout drops any cached mappings for the owner.
func (s *Service) OnLogout(ownerID string) {
	s.cache.Range(func(key, value any) bool {
		if cached, ok := value.(string); ok && cached == ownerID {
			s.cache.Delete(key)
		}
		return true
	})
}
