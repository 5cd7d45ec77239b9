package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/barrageforge/barrage/internal/blob"
	"github.com/barrageforge/barrage/internal/publish"
	"github.com/barrageforge/barrage/internal/resource"
)

// orphanGrace protects blobs stored moments ago whose metadata write is still
// in flight within the same request.
const orphanGrace = time.Hour

// BlobJanitorJob drains the pending blob delete queue and removes blobs no
// metadata record references anymore. Orphans are an accepted consequence of
// the decoupled blob/metadata design; this job is their cleanup path.
type BlobJanitorJob struct {
	Blobs    *blob.Store
	Database *gorm.DB
	Logger   *zap.Logger
	Timeout  time.Duration
}

// Run implements cron.Job.
func (j *BlobJanitorJob) Run() {
	logger := j.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	released, err := j.Blobs.DrainPendingDeletes(ctx)
	if err != nil {
		logger.Warn("pending blob delete drain failed", zap.Error(err))
	} else if released > 0 {
		logger.Info("drained pending blob deletes", zap.Int("released", released))
	}

	swept, err := j.sweepOrphans(ctx)
	if err != nil {
		logger.Warn("orphan blob sweep failed", zap.Error(err))
		return
	}
	if swept > 0 {
		logger.Info("swept orphan blobs", zap.Int("swept", swept))
	}
}

func (j *BlobJanitorJob) sweepOrphans(ctx context.Context) (int, error) {
	referenced, err := j.referencedHandles(ctx)
	if err != nil {
		return 0, err
	}

	stored, err := j.Blobs.ListHandles(ctx)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, handle := range stored {
		if _, used := referenced[handle]; used {
			continue
		}
		age, ok := j.Blobs.Age(handle)
		if !ok || age < orphanGrace {
			continue
		}
		if err := j.Blobs.Delete(ctx, handle); err != nil {
			continue
		}
		swept++
	}
	return swept, nil
}

func (j *BlobJanitorJob) referencedHandles(ctx context.Context) (map[string]struct{}, error) {
	referenced := make(map[string]struct{})

	var revisionHandles []string
	err := j.Database.WithContext(ctx).Model(&resource.Record{}).
		Distinct("blob_handle").Pluck("blob_handle", &revisionHandles).Error
	if err != nil {
		return nil, err
	}
	var publishedHandles []string
	err = j.Database.WithContext(ctx).Model(&publish.PublishedDefinition{}).
		Distinct("blob_handle").Pluck("blob_handle", &publishedHandles).Error
	if err != nil {
		return nil, err
	}
	// Queued deletes belong to the drain path, not the sweep.
	var pendingHandles []string
	err = j.Database.WithContext(ctx).Model(&blob.PendingDelete{}).
		Pluck("handle", &pendingHandles).Error
	if err != nil {
		return nil, err
	}

	for _, handle := range revisionHandles {
		referenced[handle] = struct{}{}
	}
	for _, handle := range publishedHandles {
		referenced[handle] = struct{}{}
	}
	for _, handle := range pendingHandles {
		referenced[handle] = struct{}{}
	}
	return referenced, nil
}
