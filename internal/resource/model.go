package resource

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Kind enumerates the closed set of user content types carried by the sync layer.
type Kind string

const (
	KindBulletDefinition   Kind = "bullet-definition"
	KindEnemyDefinition    Kind = "enemy-definition"
	KindLevelDefinition    Kind = "level-definition"
	KindLevelPayload       Kind = "level-payload"
	KindCampaignDefinition Kind = "campaign-definition"
)

// RevisionNone marks a record that carries no revision history (published content).
const RevisionNone int64 = 0

const maxIdentifierLength = 190

var (
	// ErrInvalidResourceID indicates that a resource identifier is not a valid UUID.
	ErrInvalidResourceID = errors.New("resource: invalid resource id")
	// ErrInvalidOwnerID indicates that an owner identifier is empty or exceeds storage bounds.
	ErrInvalidOwnerID = errors.New("resource: invalid owner id")
	// ErrUnknownKind indicates a content kind outside the supported set.
	ErrUnknownKind = errors.New("resource: unknown kind")
	// ErrInvalidRevision indicates a non-positive revision number.
	ErrInvalidRevision = errors.New("resource: invalid revision")
)

// ParseKind validates raw input against the closed kind set.
func ParseKind(rawInput string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(rawInput))) {
	case KindBulletDefinition:
		return KindBulletDefinition, nil
	case KindEnemyDefinition:
		return KindEnemyDefinition, nil
	case KindLevelDefinition:
		return KindLevelDefinition, nil
	case KindLevelPayload:
		return KindLevelPayload, nil
	case KindCampaignDefinition:
		return KindCampaignDefinition, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, rawInput)
	}
}

// ID represents a validated resource identifier.
type ID string

// NewID validates raw input and returns a resource ID.
func NewID(rawInput string) (ID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidResourceID)
	}
	if _, err := uuid.Parse(trimmed); err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidResourceID, trimmed)
	}
	return ID(trimmed), nil
}

// String returns the underlying string identifier.
func (id ID) String() string {
	return string(id)
}

// OwnerID represents a validated owner identifier.
type OwnerID string

// NewOwnerID validates raw input and returns an OwnerID.
func NewOwnerID(rawInput string) (OwnerID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidOwnerID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidOwnerID, maxIdentifierLength)
	}
	return OwnerID(trimmed), nil
}

// String returns the underlying string identifier.
func (id OwnerID) String() string {
	return string(id)
}

// Record models one immutable revision of a user-owned resource.
type Record struct {
	OwnerID           string `gorm:"column:owner_id;primaryKey;size:190;not null;index:idx_revisions_owner_uploaded,priority:1"`
	ResourceID        string `gorm:"column:resource_id;primaryKey;size:36;not null"`
	Revision          int64  `gorm:"column:revision;primaryKey;not null"`
	Kind              Kind   `gorm:"column:kind;size:32;not null"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null"`
	UploadedAtSeconds int64  `gorm:"column:uploaded_at_s;not null;index:idx_revisions_owner_uploaded,priority:2"`
	BlobHandle        string `gorm:"column:blob_handle;size:64;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "user_resource_revisions"
}

// Tombstone records that an owner deleted a resource, so other devices stop
// re-uploading or re-fetching it. Created on delete, never updated.
type Tombstone struct {
	OwnerID          string `gorm:"column:owner_id;primaryKey;size:190;not null;index:idx_tombstones_owner_deleted,priority:1"`
	ResourceID       string `gorm:"column:resource_id;primaryKey;size:36;not null"`
	DeletedAtSeconds int64  `gorm:"column:deleted_at_s;not null;index:idx_tombstones_owner_deleted,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Tombstone) TableName() string {
	return "deleted_resources"
}

// ConflictRecord reports that a client revision collides with stored history.
// It lives only for the duration of one sync exchange.
type ConflictRecord struct {
	ResourceID   string `json:"resource_id"`
	FromRevision int64  `json:"from_revision"`
}

// Policy names a client-chosen conflict resolution strategy.
type Policy string

const (
	// PolicyKeepLocal discards the server's stored revisions from the colliding
	// revision onward, then appends the client's revisions fresh.
	PolicyKeepLocal Policy = "keep-local"
	// PolicyKeepServer keeps stored history; the client discards its pending
	// revisions and downloads the authoritative range instead.
	PolicyKeepServer Policy = "keep-server"
)

// ParsePolicy validates raw input against the supported policy set.
func ParsePolicy(rawInput string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(rawInput))) {
	case PolicyKeepLocal:
		return PolicyKeepLocal, nil
	case PolicyKeepServer:
		return PolicyKeepServer, nil
	default:
		return "", fmt.Errorf("resource: unknown conflict policy %q", rawInput)
	}
}
