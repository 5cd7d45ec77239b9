package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrageforge/barrage/pkg/api"
)

func TestBoardRepositoryCachesResponses(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		json.NewEncoder(w).Encode(api.BoardResponse{ //nolint:errcheck
			Status:  api.StatusSuccess,
			LevelID: "level-1",
			Entries: []api.HighscoreEntity{{LevelID: "level-1", PlayerName: "ace", Score: 900}},
		})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	clock := newManualClock()
	repo := NewBoardRepository(c, time.Minute, clock.now)
	ctx := context.Background()

	entries, status := repo.TopForLevel(ctx, "level-1", 10)
	require.Equal(t, api.StatusSuccess, status)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), requests.Load())

	// The second call is a cache hit and never reaches the server.
	_, status = repo.TopForLevel(ctx, "level-1", 10)
	require.Equal(t, api.StatusSuccess, status)
	assert.Equal(t, int64(1), requests.Load())

	// A different limit is a different query.
	_, status = repo.TopForLevel(ctx, "level-1", 5)
	require.Equal(t, api.StatusSuccess, status)
	assert.Equal(t, int64(2), requests.Load())

	// Past the TTL the entry refreshes from the server.
	clock.advance(2 * time.Minute)
	_, status = repo.TopForLevel(ctx, "level-1", 10)
	require.Equal(t, api.StatusSuccess, status)
	assert.Equal(t, int64(3), requests.Load())
}

func TestBoardRepositoryInvalidateForcesRefresh(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		json.NewEncoder(w).Encode(api.BoardResponse{Status: api.StatusSuccess}) //nolint:errcheck
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	repo := NewBoardRepository(c, time.Minute, newManualClock().now)
	ctx := context.Background()

	repo.TopForLevel(ctx, "level-1", 10)
	repo.Invalidate("level-1", 10)
	repo.TopForLevel(ctx, "level-1", 10)

	assert.Equal(t, int64(2), requests.Load())
}

func TestBoardRepositoryDoesNotCacheFailures(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		json.NewEncoder(w).Encode(api.BoardResponse{Status: api.StatusFailedServerError}) //nolint:errcheck
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	repo := NewBoardRepository(c, time.Minute, newManualClock().now)
	ctx := context.Background()

	_, status := repo.TopForLevel(ctx, "level-1", 10)
	assert.Equal(t, api.StatusFailedServerError, status)
	_, status = repo.TopForLevel(ctx, "level-1", 10)
	assert.Equal(t, api.StatusFailedServerError, status)

	assert.Equal(t, int64(2), requests.Load(), "failed lookups must retry, not cache")
}

func TestListingRepositoryCachesByQueryIdentity(t *testing.T) {
	var requests atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"status": api.StatusSuccess,
			"resources": []api.BlobRef{{
				ResourceID: "res-1",
				Kind:       "level-definition",
				Name:       "Spiral Fortress",
			}},
		})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	repo := NewListingRepository(c, time.Minute, newManualClock().now)
	ctx := context.Background()

	refs, status := repo.Search(ctx, "difficulty", "7")
	require.Equal(t, api.StatusSuccess, status)
	require.Len(t, refs, 1)

	repo.Search(ctx, "difficulty", "7")
	assert.Equal(t, int64(1), requests.Load())

	repo.Search(ctx, "difficulty", "8")
	assert.Equal(t, int64(2), requests.Load())
}

func TestListingRepositoryEscapesQueryValues(t *testing.T) {
	var gotField, gotValue string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotField = r.URL.Query().Get("field")
		gotValue = r.URL.Query().Get("value")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"status":    api.StatusSuccess,
			"resources": []api.BlobRef{},
		})
	}))
	defer server.Close()

	c := newTestClient(t, server.URL)
	repo := NewListingRepository(c, time.Minute, newManualClock().now)

	// Reserved characters in the value must arrive intact, not split the query.
	_, status := repo.Search(context.Background(), "name", "spikes & spirals?")
	require.Equal(t, api.StatusSuccess, status)
	assert.Equal(t, "name", gotField)
	assert.Equal(t, "spikes & spirals?", gotValue)
}

func TestRepositoriesClearOnAccountChange(t *testing.T) {
	var boardRequests atomic.Int64
	owner := "owner-a"
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/auth/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.TokenResponse{ //nolint:errcheck
			Status:      api.StatusSuccess,
			AccessToken: "token",
			OwnerID:     owner,
		})
	})
	mux.HandleFunc("/v1/levels/", func(w http.ResponseWriter, r *http.Request) {
		boardRequests.Add(1)
		json.NewEncoder(w).Encode(api.BoardResponse{Status: api.StatusSuccess}) //nolint:errcheck
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := newTestClient(t, server.URL)
	repo := NewBoardRepository(c, time.Hour, newManualClock().now)
	ctx := context.Background()

	c.Login(ctx, api.TokenRequest{Provider: "device", Subject: "serial-1"})
	repo.TopForLevel(ctx, "level-1", 10)
	repo.TopForLevel(ctx, "level-1", 10)
	assert.Equal(t, int64(1), boardRequests.Load())

	// Switching accounts clears the cache, so the next lookup refetches.
	owner = "owner-b"
	c.Login(ctx, api.TokenRequest{Provider: "device", Subject: "serial-2"})
	repo.TopForLevel(ctx, "level-1", 10)
	assert.Equal(t, int64(2), boardRequests.Load())
}
