package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/barrageforge/barrage/pkg/api"
)

// BoardRepository serves highscore boards through a TTL cache. A cache hit
// never contacts the server; concurrent misses for the same board coalesce
// into a single request.
type BoardRepository struct {
	client *Client
	cache  *Cache[string, []api.HighscoreEntity]
	group  singleflight.Group
}

// NewBoardRepository builds the repository and hooks it into the client's
// account lifecycle so a sign-out or account switch clears the cache.
func NewBoardRepository(c *Client, ttl time.Duration, clock func() time.Time) *BoardRepository {
	repo := &BoardRepository{
		client: c,
		cache:  NewCache[string, []api.HighscoreEntity](ttl, clock),
	}
	c.OnAccountReset(repo.cache.Clear)
	return repo
}

// TopForLevel returns the level's board, from cache when fresh.
func (r *BoardRepository) TopForLevel(ctx context.Context, levelID string, limit int) ([]api.HighscoreEntity, api.Status) {
	key := QueryKey("board", levelID, strconv.Itoa(limit))
	if entries, ok := r.cache.Get(key); ok {
		return entries, api.StatusSuccess
	}

	type outcome struct {
		entries []api.HighscoreEntity
		status  api.Status
	}
	value, _, _ := r.group.Do(key, func() (any, error) {
		path := "/v1/levels/" + url.PathEscape(levelID) + "/highscores?limit=" + strconv.Itoa(limit)
		var response api.BoardResponse
		status := r.client.get(ctx, path, &response)
		if status != api.StatusSuccess {
			return outcome{status: status}, nil
		}
		if response.Status != api.StatusSuccess {
			return outcome{status: response.Status}, nil
		}
		r.cache.Add(key, response.Entries, nil)
		return outcome{entries: response.Entries, status: api.StatusSuccess}, nil
	})
	result := value.(outcome)
	return result.entries, result.status
}

// Invalidate drops one board from the cache, e.g. after submitting a score.
func (r *BoardRepository) Invalidate(levelID string, limit int) {
	r.cache.Invalidate(QueryKey("board", levelID, strconv.Itoa(limit)))
}

// ListingRepository serves published-content browse queries through a TTL
// cache keyed by query identity.
type ListingRepository struct {
	client *Client
	cache  *Cache[string, []api.BlobRef]
	group  singleflight.Group
}

// NewListingRepository builds the repository with its own cache TTL; listing
// results tolerate more staleness than boards.
func NewListingRepository(c *Client, ttl time.Duration, clock func() time.Time) *ListingRepository {
	repo := &ListingRepository{
		client: c,
		cache:  NewCache[string, []api.BlobRef](ttl, clock),
	}
	c.OnAccountReset(repo.cache.Clear)
	return repo
}

// Search returns published definitions matching one exact field value.
func (r *ListingRepository) Search(ctx context.Context, field, value string) ([]api.BlobRef, api.Status) {
	key := QueryKey("levels", field, value)
	if refs, ok := r.cache.Get(key); ok {
		return refs, api.StatusSuccess
	}

	type outcome struct {
		refs   []api.BlobRef
		status api.Status
	}
	result, _, _ := r.group.Do(key, func() (any, error) {
		query := url.Values{"field": {field}, "value": {value}}
		path := "/v1/levels?" + query.Encode()
		var response struct {
			Status    api.Status    `json:"status"`
			Resources []api.BlobRef `json:"resources"`
		}
		status := r.client.get(ctx, path, &response)
		if status != api.StatusSuccess {
			return outcome{status: status}, nil
		}
		if response.Status != api.StatusSuccess {
			return outcome{status: response.Status}, nil
		}
		r.cache.Add(key, response.Resources, nil)
		return outcome{refs: response.Resources, status: api.StatusSuccess}, nil
	})
	final := result.(outcome)
	return final.refs, final.status
}

// get mirrors post for GET endpoints.
func (c *Client) get(ctx context.Context, path string, out any) api.Status {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return api.StatusFailedConnection
	}
	c.authorize(request)

	response, err := c.http.Do(request)
	if err != nil {
		return api.StatusFailedConnection
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusUnauthorized {
		return api.StatusFailedUserNotLoggedIn
	}
	if err := json.NewDecoder(response.Body).Decode(out); err != nil {
		return api.StatusFailedConnection
	}
	return api.StatusSuccess
}
