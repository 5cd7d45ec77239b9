// Package client is the device-side half of the sync subsystem: the local
// revision log, the response caches, and the HTTP driver for the sync
// endpoints. Failures are encoded in each response's status field; transport
// errors surface as StatusFailedConnection and never mutate local state.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/barrageforge/barrage/pkg/api"
)

const (
	// DomainDownloads through DomainStats name the independent sync domains.
	// Two exchanges of the same domain must never be in flight at once;
	// different domains may run concurrently.
	DomainDownloads  = "downloads"
	DomainResources  = "resources"
	DomainHighscores = "highscores"
	DomainStats      = "stats"
)

var (
	// ErrSyncInFlight reports a second exchange started in a domain whose
	// previous exchange has not completed.
	ErrSyncInFlight = errors.New("client: sync already in flight for domain")
	errMissingLog   = errors.New("client: revision log is required")
	errMissingBase  = errors.New("client: base URL is required")
)

// Config describes the dependencies of the sync client.
type Config struct {
	BaseURL    string
	HTTPClient *http.Client
	Log        *RevisionLog
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Client drives the sync endpoints on behalf of one device.
type Client struct {
	baseURL string
	http    *http.Client
	log     *RevisionLog
	clock   func() time.Time
	logger  *zap.Logger

	mu       sync.Mutex
	token    string
	ownerID  string
	inFlight map[string]bool
	onReset  []func()
}

// New constructs a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBase
	}
	if cfg.Log == nil {
		return nil, errMissingLog
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		http:     httpClient,
		log:      cfg.Log,
		clock:    clock,
		logger:   logger,
		inFlight: make(map[string]bool),
	}, nil
}

// Log exposes the device-local revision log backing this client.
func (c *Client) Log() *RevisionLog {
	return c.log
}

// OnAccountReset registers a hook run whenever the signed-in account changes,
// so caches holding the previous account's data get cleared.
func (c *Client) OnAccountReset(hook func()) {
	c.mu.Lock()
	c.onReset = append(c.onReset, hook)
	c.mu.Unlock()
}

// Login authenticates the device and stores the session token. Any state
// belonging to a previously signed-in account is reset first.
func (c *Client) Login(ctx context.Context, request api.TokenRequest) api.TokenResponse {
	var response api.TokenResponse
	status := c.post(ctx, "/v1/auth/token", request, &response)
	if status != api.StatusSuccess {
		response.Status = status
		return response
	}

	c.mu.Lock()
	accountChanged := c.ownerID != "" && c.ownerID != response.OwnerID
	c.token = response.AccessToken
	c.ownerID = response.OwnerID
	hooks := append([]func(){}, c.onReset...)
	c.mu.Unlock()

	if accountChanged {
		runHooks(hooks)
	}
	return response
}

// Logout drops the session and clears account-scoped caches.
func (c *Client) Logout(ctx context.Context) {
	c.mu.Lock()
	token := c.token
	c.token = ""
	c.ownerID = ""
	hooks := append([]func(){}, c.onReset...)
	c.mu.Unlock()

	if token != "" {
		var out map[string]any
		c.post(ctx, "/v1/auth/logout", struct{}{}, &out)
	}
	runHooks(hooks)
}

// SyncResources runs one user-resource revision exchange: pending local
// revisions go up, missing server revisions and deletions come down, and
// conflict policies chosen by the user are applied. Blobs for downloaded
// metadata are fetched immediately; a record counts as complete only once its
// blob is stored locally.
func (c *Client) SyncResources(ctx context.Context, remove []string, conflictsToFix map[string]string) (api.ResourceSyncResponse, error) {
	if err := c.beginDomain(DomainResources); err != nil {
		return api.ResourceSyncResponse{Status: api.StatusFailedServerError}, err
	}
	defer c.endDomain(DomainResources)

	watermark, err := c.log.Watermark(ctx, DomainResources)
	if err != nil {
		c.logger.Warn("watermark read failed, skipping cycle", zap.Error(err))
		return api.ResourceSyncResponse{Status: api.StatusFailedConnection}, nil
	}
	uploads, err := c.log.PendingUploads(ctx)
	if err != nil {
		c.logger.Warn("pending upload listing failed, skipping cycle", zap.Error(err))
		return api.ResourceSyncResponse{Status: api.StatusFailedConnection}, nil
	}

	// keep-local means our pending revisions win: they stay in the upload
	// set. keep-server means the server's history wins: drop them before the
	// exchange so nothing is re-offered.
	for resourceID, policy := range conflictsToFix {
		if policy != "keep-server" {
			continue
		}
		uploads = dropBatch(uploads, resourceID)
	}

	request := api.ResourceSyncRequest{
		LastSyncSeconds:  watermark,
		Resources:        uploads,
		ResourceToRemove: remove,
		ConflictsToFix:   conflictsToFix,
	}
	var response api.ResourceSyncResponse
	if status := c.post(ctx, "/v1/sync/resources", request, &response); status != api.StatusSuccess {
		return api.ResourceSyncResponse{Status: status}, nil
	}

	if err := c.applyResourceResponse(ctx, conflictsToFix, response); err != nil {
		c.logger.Warn("applying sync response failed, deferring to next cycle", zap.Error(err))
		return response, nil
	}
	return response, nil
}

func (c *Client) applyResourceResponse(ctx context.Context, conflictsToFix map[string]string, response api.ResourceSyncResponse) error {
	for resourceID, policy := range conflictsToFix {
		if policy == "keep-server" {
			fromRevision, err := c.log.ConflictFrom(ctx, resourceID)
			if err != nil {
				return err
			}
			if err := c.log.DiscardFrom(ctx, resourceID, fromRevision); err != nil {
				return err
			}
		}
		if err := c.log.ClearConflict(ctx, resourceID); err != nil {
			return err
		}
	}
	if err := c.log.RecordConflicts(ctx, response.Conflicts); err != nil {
		return err
	}
	if err := c.log.MarkAccepted(ctx, response.Accepted); err != nil {
		return err
	}
	if err := c.log.ApplyServerRecords(ctx, response.BlobsToDownload); err != nil {
		return err
	}
	if err := c.log.RemoveResources(ctx, response.ResourcesToRemove); err != nil {
		return err
	}
	if err := c.fetchPendingBlobs(ctx); err != nil {
		return err
	}
	if !response.MoreExists {
		return c.log.AdvanceWatermark(ctx, DomainResources, response.SyncTimeSeconds)
	}
	return nil
}

func (c *Client) fetchPendingBlobs(ctx context.Context) error {
	rows, err := c.log.Unfetched(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		content, err := c.FetchBlob(ctx, row.BlobHandle)
		if err != nil {
			return err
		}
		if err := c.log.SetBlob(ctx, row.ResourceID, row.Revision, content); err != nil {
			return err
		}
	}
	return nil
}

// SyncHighscores submits pending scores and returns the merged rows.
func (c *Client) SyncHighscores(ctx context.Context, pending []api.HighscoreEntity) (api.HighscoreSyncResponse, error) {
	if err := c.beginDomain(DomainHighscores); err != nil {
		return api.HighscoreSyncResponse{Status: api.StatusFailedServerError}, err
	}
	defer c.endDomain(DomainHighscores)

	watermark, err := c.log.Watermark(ctx, DomainHighscores)
	if err != nil {
		c.logger.Warn("watermark read failed, skipping cycle", zap.Error(err))
		return api.HighscoreSyncResponse{Status: api.StatusFailedConnection}, nil
	}

	request := api.HighscoreSyncRequest{LastSyncSeconds: watermark, Highscores: pending}
	var response api.HighscoreSyncResponse
	if status := c.post(ctx, "/v1/sync/highscores", request, &response); status != api.StatusSuccess {
		return api.HighscoreSyncResponse{Status: status}, nil
	}

	if !response.MoreExists {
		if err := c.log.AdvanceWatermark(ctx, DomainHighscores, response.SyncTimeSeconds); err != nil {
			c.logger.Warn("watermark write failed, deferring to next cycle", zap.Error(err))
		}
	}
	return response, nil
}

// SyncStats submits stat deltas and returns merged absolute rows.
func (c *Client) SyncStats(ctx context.Context, deltas []api.LevelStatEntity) (api.StatSyncResponse, error) {
	if err := c.beginDomain(DomainStats); err != nil {
		return api.StatSyncResponse{Status: api.StatusFailedServerError}, err
	}
	defer c.endDomain(DomainStats)

	watermark, err := c.log.Watermark(ctx, DomainStats)
	if err != nil {
		c.logger.Warn("watermark read failed, skipping cycle", zap.Error(err))
		return api.StatSyncResponse{Status: api.StatusFailedConnection}, nil
	}

	request := api.StatSyncRequest{LastSyncSeconds: watermark, LevelStats: deltas}
	var response api.StatSyncResponse
	if status := c.post(ctx, "/v1/sync/stats", request, &response); status != api.StatusSuccess {
		return api.StatSyncResponse{Status: status}, nil
	}

	if err := c.log.AdvanceWatermark(ctx, DomainStats, response.SyncTimeSeconds); err != nil {
		c.logger.Warn("watermark write failed, deferring to next cycle", zap.Error(err))
	}
	return response, nil
}

// SyncDownloads pulls the next page of published content. sink receives each
// referenced blob; the watermark only advances once every blob of the page
// arrived, so a record is never considered synced before its content is.
func (c *Client) SyncDownloads(ctx context.Context, sink func(api.BlobRef, []byte) error) (api.DownloadSyncResponse, error) {
	if err := c.beginDomain(DomainDownloads); err != nil {
		return api.DownloadSyncResponse{Status: api.StatusFailedServerError}, err
	}
	defer c.endDomain(DomainDownloads)

	watermark, err := c.log.Watermark(ctx, DomainDownloads)
	if err != nil {
		c.logger.Warn("watermark read failed, skipping cycle", zap.Error(err))
		return api.DownloadSyncResponse{Status: api.StatusFailedConnection}, nil
	}

	request := api.DownloadSyncRequest{LastSyncSeconds: watermark}
	var response api.DownloadSyncResponse
	if status := c.post(ctx, "/v1/sync/download", request, &response); status != api.StatusSuccess {
		return api.DownloadSyncResponse{Status: status}, nil
	}

	for _, ref := range response.Resources {
		content, err := c.FetchBlob(ctx, ref.BlobHandle)
		if err != nil {
			c.logger.Warn("blob fetch failed, deferring page", zap.String("handle", ref.BlobHandle), zap.Error(err))
			return response, nil
		}
		if sink != nil {
			if err := sink(ref, content); err != nil {
				c.logger.Warn("blob sink failed, deferring page", zap.Error(err))
				return response, nil
			}
		}
	}

	if !response.MoreExists {
		if err := c.log.AdvanceWatermark(ctx, DomainDownloads, response.SyncTimeSeconds); err != nil {
			c.logger.Warn("watermark write failed, deferring to next cycle", zap.Error(err))
		}
	}
	return response, nil
}

// Publish submits a batch of definitions for publication.
func (c *Client) Publish(ctx context.Context, defs []api.Definition) api.PublishResponse {
	request := api.PublishRequest{Definitions: defs}
	var response api.PublishResponse
	if status := c.post(ctx, "/v1/publish", request, &response); status != api.StatusSuccess {
		return api.PublishResponse{Status: status}
	}
	return response
}

// FetchBlob downloads one blob by handle.
func (c *Client) FetchBlob(ctx context.Context, handle string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/blobs/"+handle, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(request)
	response, err := c.http.Do(request)
	if err != nil {
		return nil, fmt.Errorf("client: blob fetch: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: blob fetch: unexpected status %d", response.StatusCode)
	}
	return io.ReadAll(response.Body)
}

// post sends one JSON request and decodes the response. It reports the
// domain-independent outcome: StatusSuccess when the body was decoded,
// StatusFailedConnection when no usable response arrived, and
// StatusFailedUserNotLoggedIn on an auth rejection.
func (c *Client) post(ctx context.Context, path string, payload any, out any) api.Status {
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.Error("request encoding failed", zap.String("path", path), zap.Error(err))
		return api.StatusFailedConnection
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return api.StatusFailedConnection
	}
	request.Header.Set("Content-Type", "application/json")
	c.authorize(request)

	response, err := c.http.Do(request)
	if err != nil {
		c.logger.Warn("request transport failed", zap.String("path", path), zap.Error(err))
		return api.StatusFailedConnection
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized {
		return api.StatusFailedUserNotLoggedIn
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		c.logger.Warn("response decoding failed", zap.String("path", path), zap.Error(err))
		return api.StatusFailedConnection
	}
	return api.StatusSuccess
}

func (c *Client) authorize(request *http.Request) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
}

func (c *Client) beginDomain(domain string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[domain] {
		return fmt.Errorf("%w: %s", ErrSyncInFlight, domain)
	}
	c.inFlight[domain] = true
	return nil
}

func (c *Client) endDomain(domain string) {
	c.mu.Lock()
	delete(c.inFlight, domain)
	c.mu.Unlock()
}

func dropBatch(batches []api.RevisionBatch, resourceID string) []api.RevisionBatch {
	kept := batches[:0]
	for _, batch := range batches {
		if batch.ResourceID != resourceID {
			kept = append(kept, batch)
		}
	}
	return kept
}

func runHooks(hooks []func()) {
	for _, hook := range hooks {
		hook()
	}
}

// Async runs one sync call off the caller's goroutine and invokes done
// exactly once with its outcome.
func Async[T any](run func() (T, error), done func(T, error)) {
	go func() {
		result, err := run()
		done(result, err)
	}()
}
