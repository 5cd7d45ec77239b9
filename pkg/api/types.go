// Package api defines the wire payloads and status enumerants shared by the
// sync server and the client repositories. Clients must branch on the Status
// field of every response; HTTP-level success never implies domain-level
// success.
package api

// Status enumerates domain-level outcomes carried in every response.
type Status string

const (
	StatusSuccess          Status = "SUCCESS"
	StatusSuccessAll       Status = "SUCCESS_ALL"
	StatusSuccessPartial   Status = "SUCCESS_PARTIAL"
	StatusSuccessConflicts Status = "SUCCESS_CONFLICTS"

	StatusFailedAlreadyPublished Status = "FAILED_ALREADY_PUBLISHED"
	StatusFailedServerError      Status = "FAILED_SERVER_ERROR"
	StatusFailedUserNotLoggedIn  Status = "FAILED_USER_NOT_LOGGED_IN"
	// StatusFailedConnection is synthesized client-side when no response was
	// received at all. It never mutates client-local state and is always
	// retryable.
	StatusFailedConnection Status = "FAILED_CONNECTION"
)

// Retryable reports whether the caller may simply retry the same request.
func (s Status) Retryable() bool {
	return s == StatusFailedConnection || s == StatusFailedServerError
}

// TokenRequest establishes a session for a device credential.
type TokenRequest struct {
	Provider    string `json:"provider"`
	Subject     string `json:"subject"`
	DisplayName string `json:"display_name,omitempty"`
	DeviceID    string `json:"device_id"`
}

// TokenResponse carries the issued bearer token.
type TokenResponse struct {
	Status      Status `json:"status"`
	AccessToken string `json:"access_token,omitempty"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
	TokenType   string `json:"token_type,omitempty"`
	OwnerID     string `json:"owner_id,omitempty"`
}

// RevisionPayload is one client-created revision. Blob carries the revision
// content inline; the server stores it and records the resulting handle.
type RevisionPayload struct {
	Revision         int64  `json:"revision"`
	CreatedAtSeconds int64  `json:"created_at_s"`
	Blob             []byte `json:"blob,omitempty"`
}

// RevisionBatch groups the pending revisions of one resource.
type RevisionBatch struct {
	ResourceID string            `json:"resource_id"`
	Kind       string            `json:"kind"`
	Revisions  []RevisionPayload `json:"revisions"`
}

// ResourceSyncRequest is the client side of one resource revision exchange.
type ResourceSyncRequest struct {
	LastSyncSeconds  int64             `json:"last_sync_s"`
	Resources        []RevisionBatch   `json:"resources,omitempty"`
	ResourceToRemove []string          `json:"resource_to_remove,omitempty"`
	ConflictsToFix   map[string]string `json:"conflicts_to_fix,omitempty"`
}

// RevisionRef identifies one stored revision and its blob handle.
type RevisionRef struct {
	ResourceID        string `json:"resource_id"`
	Kind              string `json:"kind"`
	Revision          int64  `json:"revision"`
	CreatedAtSeconds  int64  `json:"created_at_s"`
	UploadedAtSeconds int64  `json:"uploaded_at_s"`
	BlobHandle        string `json:"blob_handle"`
}

// ConflictRecord reports one revision collision awaiting a policy choice.
type ConflictRecord struct {
	ResourceID   string `json:"resource_id"`
	FromRevision int64  `json:"from_revision"`
}

// FailedUpload identifies one resource whose upload did not apply.
type FailedUpload struct {
	ResourceID string `json:"resource_id"`
	Reason     string `json:"reason"`
}

// ResourceSyncResponse is the server side of one resource revision exchange.
type ResourceSyncResponse struct {
	Status           Status           `json:"status"`
	ResourcesToRemove []string        `json:"resources_to_remove,omitempty"`
	BlobsToDownload  []RevisionRef    `json:"blobs_to_download,omitempty"`
	Conflicts        []ConflictRecord `json:"conflicts,omitempty"`
	Accepted         []RevisionRef    `json:"accepted,omitempty"`
	FailedUploads    []FailedUpload   `json:"failed_uploads,omitempty"`
	MoreExists       bool             `json:"more_exists,omitempty"`
	SyncTimeSeconds  int64            `json:"sync_time_s"`
}

// HighscoreEntity is one per-level score row.
type HighscoreEntity struct {
	LevelID          string `json:"level_id"`
	PlayerName       string `json:"player_name"`
	Score            int64  `json:"score"`
	CreatedAtSeconds int64  `json:"created_at_s"`
}

// HighscoreSyncRequest submits pending scores with the client's watermark.
type HighscoreSyncRequest struct {
	LastSyncSeconds int64             `json:"last_sync_s"`
	Highscores      []HighscoreEntity `json:"highscores,omitempty"`
}

// HighscoreSyncResponse carries the merged rows the client should adopt.
type HighscoreSyncResponse struct {
	Status          Status            `json:"status"`
	Highscores      []HighscoreEntity `json:"highscores,omitempty"`
	MoreExists      bool              `json:"more_exists,omitempty"`
	SyncTimeSeconds int64             `json:"sync_time_s"`
}

// BoardResponse is a level's public highscore board.
type BoardResponse struct {
	Status  Status            `json:"status"`
	LevelID string            `json:"level_id"`
	Entries []HighscoreEntity `json:"entries,omitempty"`
}

// LevelStatEntity carries one level's statistics in both directions: the
// ...ToSync counter fields are increments since the client's last successful
// sync, absolute counters and opinion fields come back merged.
type LevelStatEntity struct {
	LevelID           string   `json:"level_id"`
	PlayCount         int64    `json:"play_count"`
	ClearCount        int64    `json:"clear_count"`
	DeathCount        int64    `json:"death_count"`
	PlayCountToSync   int64    `json:"play_count_to_sync,omitempty"`
	ClearCountToSync  int64    `json:"clear_count_to_sync,omitempty"`
	DeathCountToSync  int64    `json:"death_count_to_sync,omitempty"`
	Bookmark          bool     `json:"bookmark"`
	Rating            int      `json:"rating"`
	Tags              []string `json:"tags,omitempty"`
	Comment           string   `json:"comment,omitempty"`
	LastPlayedSeconds int64    `json:"last_played_s"`
	UpdatedAtSeconds  int64    `json:"updated_at_s"`
}

// StatSyncRequest submits stat deltas with the client's watermark.
type StatSyncRequest struct {
	LastSyncSeconds int64             `json:"last_sync_s"`
	LevelStats      []LevelStatEntity `json:"level_stats,omitempty"`
}

// StatSyncResponse returns the merged rows with absolute counters.
type StatSyncResponse struct {
	Status          Status            `json:"status"`
	LevelStats      []LevelStatEntity `json:"level_stats,omitempty"`
	SyncTimeSeconds int64             `json:"sync_time_s"`
}

// BulletSpec, EnemySpec, LevelSpec, CampaignSpec mirror the kind-specific
// definition payloads.
type BulletSpec struct {
	Pattern string  `json:"pattern"`
	Speed   float64 `json:"speed"`
	Sprite  string  `json:"sprite"`
}

type EnemySpec struct {
	Health int    `json:"health"`
	Sprite string `json:"sprite"`
}

type LevelSpec struct {
	Difficulty int    `json:"difficulty"`
	MusicTrack string `json:"music_track"`
}

type CampaignSpec struct {
	LevelCount int `json:"level_count"`
}

// Definition is the wire form of one publishable definition; Kind selects
// which spec payload must be present.
type Definition struct {
	Kind         string   `json:"kind"`
	ResourceID   string   `json:"resource_id"`
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Blob         []byte   `json:"blob,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`

	Bullet   *BulletSpec   `json:"bullet,omitempty"`
	Enemy    *EnemySpec    `json:"enemy,omitempty"`
	Level    *LevelSpec    `json:"level,omitempty"`
	Campaign *CampaignSpec `json:"campaign,omitempty"`
}

// PublishRequest submits a batch of logically-dependent definitions.
type PublishRequest struct {
	Definitions []Definition `json:"definitions"`
}

// PublishResponse reports the saga outcome.
type PublishResponse struct {
	Status           Status   `json:"status"`
	AlreadyPublished []string `json:"already_published,omitempty"`
}

// BlobRef points the client at one published blob.
type BlobRef struct {
	ResourceID         string `json:"resource_id"`
	Kind               string `json:"kind"`
	Name               string `json:"name"`
	BlobHandle         string `json:"blob_handle"`
	PublishedAtSeconds int64  `json:"published_at_s"`
}

// DownloadSyncRequest asks for published content changed since the watermark.
type DownloadSyncRequest struct {
	LastSyncSeconds int64 `json:"last_sync_s"`
}

// DownloadSyncResponse is one page of published content plus its dependency
// closure.
type DownloadSyncResponse struct {
	Status          Status    `json:"status"`
	Resources       []BlobRef `json:"resources,omitempty"`
	MoreExists      bool      `json:"more_exists,omitempty"`
	SyncTimeSeconds int64     `json:"sync_time_s"`
}

// EventMessage is one push hint delivered over the event stream. Sync is
// idempotent, so acting on a stale or duplicate hint is harmless.
type EventMessage struct {
	Domain      string   `json:"domain"`
	ResourceIDs []string `json:"resource_ids,omitempty"`
	Timestamp   int64    `json:"timestamp"`
}
