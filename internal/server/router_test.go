package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/barrageforge/barrage/internal/auth"
	"github.com/barrageforge/barrage/internal/blob"
	"github.com/barrageforge/barrage/internal/database"
	"github.com/barrageforge/barrage/internal/deltasync"
	"github.com/barrageforge/barrage/internal/highscore"
	"github.com/barrageforge/barrage/internal/identity"
	"github.com/barrageforge/barrage/internal/publish"
	"github.com/barrageforge/barrage/internal/resource"
	"github.com/barrageforge/barrage/internal/search"
	"github.com/barrageforge/barrage/internal/stats"
	"github.com/barrageforge/barrage/pkg/api"
)

const testResourceID = "3a1b5c7d-9e0f-4a2b-8c3d-5e6f7a8b9c0d"

type routerFixture struct {
	handler http.Handler
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:barrage_router_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := database.OpenSQLite(dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	clock := func() time.Time { return time.Unix(1700000600, 0).UTC() }

	blobs, err := blob.NewStore(blob.StoreConfig{Root: t.TempDir(), Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct blob store: %v", err)
	}
	ledger, err := resource.NewLedger(resource.LedgerConfig{Database: db, Blobs: blobs, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	resourceDelta, err := deltasync.NewEngine[resource.Record](db, deltasync.Config{
		OwnerColumn:    "owner_id",
		ChangedColumn:  "uploaded_at_s",
		TiebreakColumn: "resource_id",
		PageSize:       50,
		Clock:          clock,
	})
	if err != nil {
		t.Fatalf("failed to construct resource delta: %v", err)
	}
	resources, err := resource.NewService(resource.ServiceConfig{Ledger: ledger, Delta: resourceDelta, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct resource service: %v", err)
	}

	highscoreDelta, err := deltasync.NewEngine[highscore.Entry](db, deltasync.Config{
		OwnerColumn:    "owner_id",
		ChangedColumn:  "updated_at_s",
		TiebreakColumn: "level_id",
		PageSize:       50,
		Clock:          clock,
	})
	if err != nil {
		t.Fatalf("failed to construct highscore delta: %v", err)
	}
	highscores, err := highscore.NewService(highscore.ServiceConfig{Database: db, Delta: highscoreDelta, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct highscore service: %v", err)
	}
	statistics, err := stats.NewService(stats.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct stats service: %v", err)
	}

	index, err := search.NewIndex(search.IndexConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct search index: %v", err)
	}
	dispatcher := NewRealtimeDispatcher(clock)
	publisher, err := publish.NewCoordinator(publish.CoordinatorConfig{
		Database: db,
		Index:    index,
		Ledger:   ledger,
		Notifier: dispatcher,
		Clock:    clock,
	})
	if err != nil {
		t.Fatalf("failed to construct publish coordinator: %v", err)
	}
	downloadDelta, err := deltasync.NewEngine[publish.PublishedDefinition](db, deltasync.Config{
		ChangedColumn:  "published_at_s",
		TiebreakColumn: "resource_id",
		PageSize:       50,
		Clock:          clock,
	})
	if err != nil {
		t.Fatalf("failed to construct download delta: %v", err)
	}
	downloads, err := publish.NewDownloadService(publish.DownloadServiceConfig{Database: db, Delta: downloadDelta})
	if err != nil {
		t.Fatalf("failed to construct download service: %v", err)
	}

	identities, err := identity.NewService(identity.ServiceConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to construct identity service: %v", err)
	}
	tokens := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
		Issuer:        "barrage-auth",
		Audience:      "barrage-api",
		Clock:         clock,
	})

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: tokens,
		Identities:   identities,
		Resources:    resources,
		Highscores:   highscores,
		Stats:        statistics,
		Downloads:    downloads,
		Publisher:    publisher,
		Blobs:        blobs,
		Search:       index,
		Dispatcher:   dispatcher,
		Clock:        clock,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return &routerFixture{handler: handler}
}

func (f *routerFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload *bytes.Buffer
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request: %v", err)
		}
		payload = bytes.NewBuffer(encoded)
	} else {
		payload = bytes.NewBuffer(nil)
	}
	request := httptest.NewRequest(method, path, payload)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f *routerFixture) login(t *testing.T) string {
	t.Helper()
	recorder := f.do(t, http.MethodPost, "/v1/auth/token", "", api.TokenRequest{
		Provider: "device",
		Subject:  "serial-router-1",
		DeviceID: "device-a",
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("token issuance failed with status %d: %s", recorder.Code, recorder.Body.String())
	}
	var response api.TokenResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode token response: %v", err)
	}
	if response.Status != api.StatusSuccess || response.AccessToken == "" {
		t.Fatalf("unexpected token response %+v", response)
	}
	return response.AccessToken
}

func TestRouterRejectsMissingBearerToken(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := fixture.do(t, http.MethodPost, "/v1/sync/resources", "", api.ResourceSyncRequest{})

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body: %v", err)
	}
	if body["status"] != string(api.StatusFailedUserNotLoggedIn) {
		t.Fatalf("expected status %s, got %v", api.StatusFailedUserNotLoggedIn, body["status"])
	}
}

func TestRouterRejectsGarbageToken(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := fixture.do(t, http.MethodPost, "/v1/sync/resources", "not.a.token", api.ResourceSyncRequest{})

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
}

func TestRouterResourceSyncRoundTrip(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.login(t)

	recorder := fixture.do(t, http.MethodPost, "/v1/sync/resources", token, api.ResourceSyncRequest{
		Resources: []api.RevisionBatch{{
			ResourceID: testResourceID,
			Kind:       "level-definition",
			Revisions: []api.RevisionPayload{{
				Revision:         1,
				CreatedAtSeconds: 1700000000,
				Blob:             []byte(`{"waves": 5}`),
			}},
		}},
	})

	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var response api.ResourceSyncResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response.Status != api.StatusSuccessAll {
		t.Fatalf("expected %s, got %s", api.StatusSuccessAll, response.Status)
	}
	if len(response.Accepted) != 1 || response.Accepted[0].Revision != 1 {
		t.Fatalf("unexpected accepted set %+v", response.Accepted)
	}
	if response.SyncTimeSeconds != 1700000599 {
		t.Fatalf("unexpected sync time %d", response.SyncTimeSeconds)
	}

	// The stored blob must round-trip through the authenticated blob route.
	handle := response.Accepted[0].BlobHandle
	blobRecorder := fixture.do(t, http.MethodGet, "/v1/blobs/"+handle, token, nil)
	if blobRecorder.Code != http.StatusOK {
		t.Fatalf("blob fetch failed with %d", blobRecorder.Code)
	}
	if blobRecorder.Body.String() != `{"waves": 5}` {
		t.Fatalf("unexpected blob content %q", blobRecorder.Body.String())
	}
}

func TestRouterBlobGetUnknownHandleIs404(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.login(t)

	recorder := fixture.do(t, http.MethodGet,
		"/v1/blobs/aaaabbbbccccddddaaaabbbbccccddddaaaabbbbccccddddaaaabbbbccccdddd", token, nil)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestRouterHighscoreSyncAndBoard(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.login(t)

	recorder := fixture.do(t, http.MethodPost, "/v1/sync/highscores", token, api.HighscoreSyncRequest{
		Highscores: []api.HighscoreEntity{{
			LevelID:          "level-1",
			PlayerName:       "ace",
			Score:            900,
			CreatedAtSeconds: 1700000000,
		}},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
	}
	var syncResponse api.HighscoreSyncResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &syncResponse); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if syncResponse.Status != api.StatusSuccessAll {
		t.Fatalf("expected %s, got %s", api.StatusSuccessAll, syncResponse.Status)
	}

	boardRecorder := fixture.do(t, http.MethodGet, "/v1/levels/level-1/highscores?limit=5", token, nil)
	if boardRecorder.Code != http.StatusOK {
		t.Fatalf("board fetch failed with %d", boardRecorder.Code)
	}
	var board api.BoardResponse
	if err := json.Unmarshal(boardRecorder.Body.Bytes(), &board); err != nil {
		t.Fatalf("failed to decode board: %v", err)
	}
	if len(board.Entries) != 1 || board.Entries[0].Score != 900 {
		t.Fatalf("unexpected board %+v", board.Entries)
	}
}

func TestRouterStatSyncReturnsMergedCounters(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.login(t)

	submit := func(plays int64, updatedAt int64) api.StatSyncResponse {
		t.Helper()
		recorder := fixture.do(t, http.MethodPost, "/v1/sync/stats", token, api.StatSyncRequest{
			LevelStats: []api.LevelStatEntity{{
				LevelID:          "level-2",
				PlayCountToSync:  plays,
				UpdatedAtSeconds: updatedAt,
			}},
		})
		if recorder.Code != http.StatusOK {
			t.Fatalf("unexpected status %d: %s", recorder.Code, recorder.Body.String())
		}
		var response api.StatSyncResponse
		if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		return response
	}

	submit(10, 1700000100)
	response := submit(2, 1700000200)

	if len(response.LevelStats) != 1 {
		t.Fatalf("expected one merged row, got %d", len(response.LevelStats))
	}
	if response.LevelStats[0].PlayCount != 12 {
		t.Fatalf("expected merged play count 12, got %d", response.LevelStats[0].PlayCount)
	}
}

func TestRouterPublishThenListAndDownload(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.login(t)

	recorder := fixture.do(t, http.MethodPost, "/v1/publish", token, api.PublishRequest{
		Definitions: []api.Definition{{
			Kind:       "level-definition",
			ResourceID: testResourceID,
			Name:       "Spiral Fortress",
			Blob:       []byte(`{"waves": 5}`),
			Level:      &api.LevelSpec{Difficulty: 7, MusicTrack: "stage-3"},
		}},
	})
	if recorder.Code != http.StatusOK {
		t.Fatalf("publish failed with %d: %s", recorder.Code, recorder.Body.String())
	}
	var publishResponse api.PublishResponse
	if err := json.Unmarshal(recorder.Body.Bytes(), &publishResponse); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if publishResponse.Status != api.StatusSuccess {
		t.Fatalf("expected %s, got %s", api.StatusSuccess, publishResponse.Status)
	}

	listRecorder := fixture.do(t, http.MethodGet, "/v1/levels?field=difficulty&value=7", token, nil)
	if listRecorder.Code != http.StatusOK {
		t.Fatalf("listing failed with %d", listRecorder.Code)
	}
	var listing api.DownloadSyncResponse
	if err := json.Unmarshal(listRecorder.Body.Bytes(), &listing); err != nil {
		t.Fatalf("failed to decode listing: %v", err)
	}
	if len(listing.Resources) != 1 || listing.Resources[0].ResourceID != testResourceID {
		t.Fatalf("unexpected listing %+v", listing.Resources)
	}

	downloadRecorder := fixture.do(t, http.MethodPost, "/v1/sync/download", token, api.DownloadSyncRequest{})
	if downloadRecorder.Code != http.StatusOK {
		t.Fatalf("download sync failed with %d", downloadRecorder.Code)
	}
	var downloadResponse api.DownloadSyncResponse
	if err := json.Unmarshal(downloadRecorder.Body.Bytes(), &downloadResponse); err != nil {
		t.Fatalf("failed to decode download response: %v", err)
	}
	if len(downloadResponse.Resources) != 1 {
		t.Fatalf("expected one published resource, got %d", len(downloadResponse.Resources))
	}
	if downloadResponse.MoreExists {
		t.Fatalf("did not expect additional pages")
	}
}
