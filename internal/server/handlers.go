package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/barrageforge/barrage/internal/blob"
	"github.com/barrageforge/barrage/internal/highscore"
	"github.com/barrageforge/barrage/internal/publish"
	"github.com/barrageforge/barrage/internal/resource"
	"github.com/barrageforge/barrage/internal/stats"
	"github.com/barrageforge/barrage/pkg/api"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *httpHandler) handleResourceSync(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)

	var request api.ResourceSyncRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	uploads := make([]resource.RevisionUpload, 0, len(request.Resources))
	for _, batch := range request.Resources {
		kind, err := resource.ParseKind(batch.Kind)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
			return
		}
		upload := resource.RevisionUpload{ResourceID: batch.ResourceID, Kind: kind}
		for _, payload := range batch.Revisions {
			if len(payload.Blob) == 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "missing_blob"})
				return
			}
			handle, err := h.blobs.Put(c.Request.Context(), payload.Blob)
			if err != nil {
				h.logger.Error("blob store write failed", zap.String("resource_id", batch.ResourceID), zap.Error(err))
				c.JSON(http.StatusInternalServerError, api.ResourceSyncResponse{Status: api.StatusFailedServerError})
				return
			}
			upload.Revisions = append(upload.Revisions, resource.RevisionPayload{
				Revision:         payload.Revision,
				CreatedAtSeconds: payload.CreatedAtSeconds,
				BlobHandle:       handle,
			})
		}
		uploads = append(uploads, upload)
	}

	policies := make(map[string]resource.Policy, len(request.ConflictsToFix))
	for resourceID, rawPolicy := range request.ConflictsToFix {
		policy, err := resource.ParsePolicy(rawPolicy)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_policy"})
			return
		}
		policies[resourceID] = policy
	}

	result, err := h.resources.ProcessExchange(c.Request.Context(), ownerID, resource.ExchangeRequest{
		LastSyncSeconds: request.LastSyncSeconds,
		Uploads:         uploads,
		Remove:          request.ResourceToRemove,
		ConflictsToFix:  policies,
	})
	if err != nil {
		h.logger.Error("resource exchange failed", zap.String("owner_id", ownerID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, api.ResourceSyncResponse{Status: api.StatusFailedServerError})
		return
	}

	response := api.ResourceSyncResponse{
		Status:            api.Status(result.Status),
		ResourcesToRemove: result.RemoveLocally,
		BlobsToDownload:   revisionRefs(result.Downloads),
		Accepted:          revisionRefs(result.Accepted),
		MoreExists:        result.MoreExists,
		SyncTimeSeconds:   result.SyncTimeSeconds,
	}
	for _, conflict := range result.Conflicts {
		response.Conflicts = append(response.Conflicts, api.ConflictRecord{
			ResourceID:   conflict.ResourceID,
			FromRevision: conflict.FromRevision,
		})
	}
	for _, failed := range result.Failed {
		response.FailedUploads = append(response.FailedUploads, api.FailedUpload{
			ResourceID: failed.ResourceID,
			Reason:     failed.Reason,
		})
	}

	if ids := acceptedResourceIDs(result.Accepted); len(ids) > 0 {
		h.dispatcher.NotifyInvalidation(ownerID, EventDomainResources, ids)
	}

	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleDownloadSync(c *gin.Context) {
	var request api.DownloadSyncRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	set, err := h.downloads.ComputeDownloads(c.Request.Context(), request.LastSyncSeconds)
	if err != nil {
		h.logger.Error("download computation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, api.DownloadSyncResponse{Status: api.StatusFailedServerError})
		return
	}

	c.JSON(http.StatusOK, api.DownloadSyncResponse{
		Status:          api.StatusSuccessAll,
		Resources:       wireRefs(set.Refs),
		MoreExists:      !set.FetchedAll,
		SyncTimeSeconds: set.SyncTimeSeconds,
	})
}

func (h *httpHandler) handleHighscoreSync(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)

	var request api.HighscoreSyncRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	submissions := make([]highscore.Submission, 0, len(request.Highscores))
	for _, entity := range request.Highscores {
		submissions = append(submissions, highscore.Submission{
			LevelID:          entity.LevelID,
			PlayerName:       entity.PlayerName,
			Score:            entity.Score,
			CreatedAtSeconds: entity.CreatedAtSeconds,
		})
	}

	result, err := h.highscores.Sync(c.Request.Context(), ownerID, request.LastSyncSeconds, submissions)
	if err != nil {
		h.logger.Error("highscore sync failed", zap.String("owner_id", ownerID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, api.HighscoreSyncResponse{Status: api.StatusFailedServerError})
		return
	}

	response := api.HighscoreSyncResponse{
		Status:          api.StatusSuccessAll,
		Highscores:      highscoreEntities(result.Entries),
		MoreExists:      !result.FetchedAll,
		SyncTimeSeconds: result.SyncTimeSeconds,
	}

	if len(submissions) > 0 {
		h.dispatcher.NotifyInvalidation(ownerID, EventDomainHighscores, levelIDsOf(submissions))
	}

	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleStatSync(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)

	var request api.StatSyncRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	deltas := make([]stats.Delta, 0, len(request.LevelStats))
	for _, entity := range request.LevelStats {
		deltas = append(deltas, stats.Delta{
			LevelID:           entity.LevelID,
			PlayCountToSync:   entity.PlayCountToSync,
			ClearCountToSync:  entity.ClearCountToSync,
			DeathCountToSync:  entity.DeathCountToSync,
			Bookmark:          entity.Bookmark,
			Rating:            entity.Rating,
			Tags:              entity.Tags,
			Comment:           entity.Comment,
			LastPlayedSeconds: entity.LastPlayedSeconds,
			UpdatedAtSeconds:  entity.UpdatedAtSeconds,
		})
	}

	merged, err := h.stats.Sync(c.Request.Context(), ownerID, deltas)
	if err != nil {
		h.logger.Error("stat sync failed", zap.String("owner_id", ownerID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, api.StatSyncResponse{Status: api.StatusFailedServerError})
		return
	}
	changed, err := h.stats.StatsSince(c.Request.Context(), ownerID, request.LastSyncSeconds)
	if err != nil {
		h.logger.Error("stat listing failed", zap.String("owner_id", ownerID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, api.StatSyncResponse{Status: api.StatusFailedServerError})
		return
	}

	response := api.StatSyncResponse{
		Status:     api.StatusSuccessAll,
		LevelStats: statEntities(merged, changed),
		// Held one second back so a row merged in the same second by another
		// device is still picked up by the next StatsSince.
		SyncTimeSeconds: h.clock().Unix() - 1,
	}

	if len(deltas) > 0 {
		ids := make([]string, 0, len(deltas))
		for _, delta := range deltas {
			ids = append(ids, delta.LevelID)
		}
		h.dispatcher.NotifyInvalidation(ownerID, EventDomainStats, ids)
	}

	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handlePublish(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)

	var request api.PublishRequest
	if err := c.ShouldBindJSON(&request); err != nil || len(request.Definitions) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	defs := make([]publish.Definition, 0, len(request.Definitions))
	for _, wire := range request.Definitions {
		kind, err := resource.ParseKind(wire.Kind)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_kind"})
			return
		}
		def := publish.Definition{
			Kind:         kind,
			ResourceID:   wire.ResourceID,
			Name:         wire.Name,
			Description:  wire.Description,
			Dependencies: wire.Dependencies,
		}
		if len(wire.Blob) > 0 {
			handle, err := h.blobs.Put(c.Request.Context(), wire.Blob)
			if err != nil {
				h.logger.Error("blob store write failed", zap.String("resource_id", wire.ResourceID), zap.Error(err))
				c.JSON(http.StatusInternalServerError, api.PublishResponse{Status: api.StatusFailedServerError})
				return
			}
			def.BlobHandle = handle
		}
		if wire.Bullet != nil {
			def.Bullet = &publish.BulletSpec{Pattern: wire.Bullet.Pattern, Speed: wire.Bullet.Speed, Sprite: wire.Bullet.Sprite}
		}
		if wire.Enemy != nil {
			def.Enemy = &publish.EnemySpec{Health: wire.Enemy.Health, Sprite: wire.Enemy.Sprite}
		}
		if wire.Level != nil {
			def.Level = &publish.LevelSpec{Difficulty: wire.Level.Difficulty, MusicTrack: wire.Level.MusicTrack}
		}
		if wire.Campaign != nil {
			def.Campaign = &publish.CampaignSpec{LevelCount: wire.Campaign.LevelCount}
		}
		defs = append(defs, def)
	}

	result, err := h.publisher.Publish(c.Request.Context(), ownerID, defs)
	if err != nil {
		h.logger.Error("publish failed", zap.String("owner_id", ownerID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, api.PublishResponse{Status: api.StatusFailedServerError})
		return
	}

	c.JSON(http.StatusOK, api.PublishResponse{
		Status:           api.Status(result.Status),
		AlreadyPublished: result.AlreadyPublished,
	})
}

func (h *httpHandler) handleBlobGet(c *gin.Context) {
	content, err := h.blobs.Get(c.Request.Context(), c.Param("handle"))
	if errors.Is(err, blob.ErrNotFound) || errors.Is(err, blob.ErrInvalidHandle) {
		c.JSON(http.StatusNotFound, gin.H{"error": "blob_not_found"})
		return
	}
	if err != nil {
		h.logger.Error("blob read failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": api.StatusFailedServerError})
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", content)
}

// handleLevels browses published content: an exact field match when the
// query names one, otherwise the caller's own published definitions.
func (h *httpHandler) handleLevels(c *gin.Context) {
	field := c.Query("field")
	value := c.Query("value")

	var refs []api.BlobRef
	if field != "" && value != "" {
		ids, err := h.search.Match(c.Request.Context(), publish.IndexKind, field, value, maxBoardLimit)
		if err != nil {
			h.logger.Error("published search failed", zap.String("field", field), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"status": api.StatusFailedServerError})
			return
		}
		matched, err := h.downloads.Lookup(c.Request.Context(), ids)
		if err != nil {
			h.logger.Error("published lookup failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"status": api.StatusFailedServerError})
			return
		}
		refs = wireRefs(matched)
	} else {
		records, err := h.downloads.ListByOwner(c.Request.Context(), c.GetString(ownerIDContextKey), maxBoardLimit)
		if err != nil {
			h.logger.Error("published listing failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"status": api.StatusFailedServerError})
			return
		}
		for _, record := range records {
			refs = append(refs, api.BlobRef{
				ResourceID:         record.ResourceID,
				Kind:               string(record.Kind),
				Name:               record.Name,
				BlobHandle:         record.BlobHandle,
				PublishedAtSeconds: record.PublishedAtSeconds,
			})
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": api.StatusSuccess, "resources": refs})
}

func (h *httpHandler) handleBoard(c *gin.Context) {
	levelID := c.Param("level_id")
	limit := defaultBoardLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxBoardLimit {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
			return
		}
		limit = parsed
	}

	entries, err := h.highscores.TopForLevel(c.Request.Context(), levelID, limit)
	if err != nil {
		h.logger.Error("board lookup failed", zap.String("level_id", levelID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, api.BoardResponse{Status: api.StatusFailedServerError})
		return
	}

	c.JSON(http.StatusOK, api.BoardResponse{
		Status:  api.StatusSuccess,
		LevelID: levelID,
		Entries: highscoreEntities(entries),
	})
}

func (h *httpHandler) handleLevelAggregate(c *gin.Context) {
	levelID := c.Param("level_id")
	aggregate, err := h.stats.Aggregate(c.Request.Context(), levelID)
	if err != nil {
		h.logger.Error("aggregate lookup failed", zap.String("level_id", levelID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"status": api.StatusFailedServerError})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         api.StatusSuccess,
		"level_id":       levelID,
		"play_count":     aggregate.PlayCount,
		"clear_count":    aggregate.ClearCount,
		"death_count":    aggregate.DeathCount,
		"bookmark_count": aggregate.BookmarkCount,
		"rating_average": aggregate.RatingAverage(),
		"rating_count":   aggregate.RatingCount,
	})
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	ownerID := c.GetString(ownerIDContextKey)
	stream, cancel := h.dispatcher.Subscribe(c.Request.Context(), ownerID)
	defer cancel()

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		select {
		case message, ok := <-stream:
			if !ok {
				return false
			}
			c.SSEvent(message.Domain, api.EventMessage{
				Domain:      message.Domain,
				ResourceIDs: message.ResourceIDs,
				Timestamp:   message.Timestamp.Unix(),
			})
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, gin.H{"ts": h.clock().Unix()})
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func wireRefs(refs []publish.BlobRef) []api.BlobRef {
	if len(refs) == 0 {
		return nil
	}
	wire := make([]api.BlobRef, 0, len(refs))
	for _, ref := range refs {
		wire = append(wire, api.BlobRef{
			ResourceID:         ref.ResourceID,
			Kind:               string(ref.Kind),
			Name:               ref.Name,
			BlobHandle:         ref.BlobHandle,
			PublishedAtSeconds: ref.PublishedAtSeconds,
		})
	}
	return wire
}

func revisionRefs(records []resource.Record) []api.RevisionRef {
	if len(records) == 0 {
		return nil
	}
	refs := make([]api.RevisionRef, 0, len(records))
	for _, record := range records {
		refs = append(refs, api.RevisionRef{
			ResourceID:        record.ResourceID,
			Kind:              string(record.Kind),
			Revision:          record.Revision,
			CreatedAtSeconds:  record.CreatedAtSeconds,
			UploadedAtSeconds: record.UploadedAtSeconds,
			BlobHandle:        record.BlobHandle,
		})
	}
	return refs
}

func acceptedResourceIDs(records []resource.Record) []string {
	seen := make(map[string]struct{}, len(records))
	ids := make([]string, 0, len(records))
	for _, record := range records {
		if _, ok := seen[record.ResourceID]; ok {
			continue
		}
		seen[record.ResourceID] = struct{}{}
		ids = append(ids, record.ResourceID)
	}
	return ids
}

func highscoreEntities(entries []highscore.Entry) []api.HighscoreEntity {
	if len(entries) == 0 {
		return nil
	}
	entities := make([]api.HighscoreEntity, 0, len(entries))
	for _, entry := range entries {
		entities = append(entities, api.HighscoreEntity{
			LevelID:          entry.LevelID,
			PlayerName:       entry.PlayerName,
			Score:            entry.Score,
			CreatedAtSeconds: entry.CreatedAtSeconds,
		})
	}
	return entities
}

func levelIDsOf(submissions []highscore.Submission) []string {
	ids := make([]string, 0, len(submissions))
	for _, submission := range submissions {
		ids = append(ids, submission.LevelID)
	}
	return ids
}

// statEntities unions the freshly merged rows with rows changed on other
// devices, preferring the merged version when both lists carry a level.
func statEntities(merged, changed []stats.LevelStat) []api.LevelStatEntity {
	mergedLevels := make(map[string]struct{}, len(merged))
	rows := make([]stats.LevelStat, 0, len(merged)+len(changed))
	for _, row := range merged {
		mergedLevels[row.LevelID] = struct{}{}
		rows = append(rows, row)
	}
	for _, row := range changed {
		if _, ok := mergedLevels[row.LevelID]; ok {
			continue
		}
		rows = append(rows, row)
	}

	if len(rows) == 0 {
		return nil
	}
	entities := make([]api.LevelStatEntity, 0, len(rows))
	for _, row := range rows {
		entities = append(entities, api.LevelStatEntity{
			LevelID:           row.LevelID,
			PlayCount:         row.PlayCount,
			ClearCount:        row.ClearCount,
			DeathCount:        row.DeathCount,
			Bookmark:          row.Bookmark,
			Rating:            row.Rating,
			Tags:              row.Tags(),
			Comment:           row.Comment,
			LastPlayedSeconds: row.LastPlayedSeconds,
			UpdatedAtSeconds:  row.UpdatedAtSeconds,
		})
	}
	return entities
}
