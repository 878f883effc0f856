package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/previewops/orphansweep/internal/audit"
	"github.com/previewops/orphansweep/internal/keys"
	"github.com/previewops/orphansweep/internal/logging"
	"github.com/previewops/orphansweep/internal/metrics"
	"github.com/previewops/orphansweep/internal/s3util"
)

// deleter is the subset of the store API the executor needs.
type deleter interface {
	DeleteBatch(ctx context.Context, bucket string, batch []string) ([]s3util.DeleteError, error)
}

// Deleter executes the batched deletion of orphan files.
type Deleter struct {
	store  deleter
	bucket string
	audit  audit.Emitter
	runID  string
	logger *slog.Logger
}

// NewDeleter creates a deletion executor. emitter may be audit.NopEmitter{}.
func NewDeleter(store deleter, bucket string, emitter audit.Emitter, runID string) *Deleter {
	if emitter == nil {
		emitter = audit.NopEmitter{}
	}
	return &Deleter{
		store:  store,
		bucket: bucket,
		audit:  emitter,
		runID:  runID,
		logger: logging.Component("deleter"),
	}
}

// Stats summarizes one deletion run.
type Stats struct {
	DryRun           bool
	Batches          int
	FilesDeleted     int
	FilesFailed      int
	ProjectsAffected int
	SkippedProtected int
}

// Delete removes the given files in fixed-size batches. Every key is
// re-classified immediately before deletion; anything that is not a preview
// derivative is skipped regardless of how it was selected upstream. In dry
// run mode no store call is made and the stats reflect what would happen.
func (d *Deleter) Delete(ctx context.Context, files []FileRef, dryRun bool, batchSize int) (Stats, error) {
	if batchSize < 1 || batchSize > s3util.MaxDeleteBatch {
		return Stats{}, fmt.Errorf("batch size %d out of range [1, %d]", batchSize, s3util.MaxDeleteBatch)
	}

	stats := Stats{DryRun: dryRun}

	// Last line of defense: only preview-class keys go to the store.
	eligible := make([]FileRef, 0, len(files))
	for _, f := range files {
		if keys.Classify(f.Key) != keys.ClassPreview {
			stats.SkippedProtected++
			d.logger.Warn("refusing to delete non-preview key", "key", f.Key, "class", keys.Classify(f.Key).String())
			continue
		}
		eligible = append(eligible, f)
	}

	projects := keys.NewSet()

	for start := 0; start < len(eligible); start += batchSize {
		end := start + batchSize
		if end > len(eligible) {
			end = len(eligible)
		}
		batch := eligible[start:end]
		stats.Batches++

		if dryRun {
			for _, f := range batch {
				projects.Add(f.Project)
				stats.FilesDeleted++
				d.audit.Emit(audit.Entry{
					RunID:     d.runID,
					Action:    "dry_run",
					Key:       f.Key,
					Size:      f.Size,
					OwnerID:   f.Project.OwnerID,
					ProjectID: f.Project.ProjectID,
				})
			}
			continue
		}

		batchKeys := make([]string, len(batch))
		for i, f := range batch {
			batchKeys[i] = f.Key
		}

		started := time.Now()
		failures, err := d.store.DeleteBatch(ctx, d.bucket, batchKeys)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			// Transport failure loses one batch, not the run.
			d.logger.Error("delete batch failed", "batch", stats.Batches, "keys", len(batch), "error", err)
			stats.FilesFailed += len(batch)
			continue
		}
		if m := metrics.Get(); m != nil {
			m.DeleteBatches.Inc()
			m.BatchDuration.Observe(time.Since(started).Seconds())
		}

		failed := make(map[string]s3util.DeleteError, len(failures))
		for _, fe := range failures {
			failed[fe.Key] = fe
			d.logger.Error("delete failed for key",
				"key", fe.Key,
				"code", fe.Code,
				"message", fe.Message)
			d.audit.Emit(audit.Entry{
				RunID:     d.runID,
				Action:    "delete_error",
				Key:       fe.Key,
				ErrorCode: fe.Code,
			})
			if m := metrics.Get(); m != nil {
				m.DeleteErrors.WithLabelValues(fe.Code).Inc()
			}
		}

		stats.FilesFailed += len(failures)
		stats.FilesDeleted += len(batch) - len(failures)

		for _, f := range batch {
			if _, bad := failed[f.Key]; bad {
				continue
			}
			projects.Add(f.Project)
			d.audit.Emit(audit.Entry{
				RunID:     d.runID,
				Action:    "delete",
				Key:       f.Key,
				Size:      f.Size,
				OwnerID:   f.Project.OwnerID,
				ProjectID: f.Project.ProjectID,
			})
			if m := metrics.Get(); m != nil {
				m.FilesDeleted.Inc()
			}
		}
	}

	stats.ProjectsAffected = len(projects)

	d.logger.Info("deletion complete",
		"dry_run", dryRun,
		"batches", stats.Batches,
		"deleted", stats.FilesDeleted,
		"failed", stats.FilesFailed,
		"projects", stats.ProjectsAffected,
		"skipped_protected", stats.SkippedProtected)
	return stats, nil
}
