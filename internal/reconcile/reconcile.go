// Package reconcile joins the marker scan against the inventory snapshot to
// find orphaned preview files, and drives their batched deletion.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/previewops/orphansweep/internal/inventory"
	"github.com/previewops/orphansweep/internal/keys"
	"github.com/previewops/orphansweep/internal/logging"
	"github.com/previewops/orphansweep/internal/markers"
	"github.com/previewops/orphansweep/internal/metrics"
	"github.com/previewops/orphansweep/internal/snapshot"
)

// Options controls one reconciliation run.
type Options struct {
	Window markers.Window
	Dates  snapshot.DateRange

	// IncludeNonOrphans also collects the files of confirmed projects so the
	// report can show what was spared.
	IncludeNonOrphans bool
}

// FileRef is one inventory row attributed to its owning project.
type FileRef struct {
	Project keys.ProjectKey
	Key     string
	Size    int64
	Class   keys.Class
}

// Result is the outcome of a reconciliation.
type Result struct {
	RunID          string
	SnapshotPrefix string
	SnapshotTime   time.Time
	Window         markers.Window

	QualifiedProjects []keys.ProjectKey // confirmed by both marker classes
	OrphanProjects    []keys.ProjectKey

	// OrphanFiles holds every inventory row of an orphan project, including
	// protected rows. The deleter filters by class; the report shows both.
	OrphanFiles []FileRef
	OrphanBytes int64 // deletable (preview-class) bytes only

	NonOrphanFiles []FileRef // populated when IncludeNonOrphans is set
}

// DeletableFiles returns the orphan rows eligible for deletion, in
// deterministic key order.
func (r Result) DeletableFiles() []FileRef {
	var out []FileRef
	for _, f := range r.OrphanFiles {
		if f.Class == keys.ClassPreview {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Reconciler wires the scanner, locator, fetcher, and reducer into one run.
type Reconciler struct {
	Scanner *markers.Scanner
	Locator *inventory.Locator
	Fetcher *inventory.Fetcher
	Reducer *snapshot.Reducer

	SourceBucket string
	RunID        string

	logger *slog.Logger
}

// NewReconciler assembles a reconciler from its components.
func NewReconciler(scanner *markers.Scanner, locator *inventory.Locator, fetcher *inventory.Fetcher, reducer *snapshot.Reducer, sourceBucket, runID string) *Reconciler {
	return &Reconciler{
		Scanner:      scanner,
		Locator:      locator,
		Fetcher:      fetcher,
		Reducer:      reducer,
		SourceBucket: sourceBucket,
		RunID:        runID,
		logger:       logging.Component("reconciler"),
	}
}

// FindOrphans runs the full reconciliation: scan markers, materialize the
// snapshot, and subtract confirmed projects from snapshot candidates.
func (r *Reconciler) FindOrphans(ctx context.Context, opts Options) (Result, error) {
	result := Result{RunID: r.RunID, Window: opts.Window}

	scan, err := r.Scanner.Scan(ctx, opts.Window)
	if err != nil {
		return Result{}, fmt.Errorf("scan markers: %w", err)
	}
	result.QualifiedProjects = scan.Qualified()

	snapshotPrefix, err := r.Locator.FindLatest(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("locate snapshot: %w", err)
	}
	result.SnapshotPrefix = snapshotPrefix

	manifest, err := r.Locator.LoadManifest(ctx, snapshotPrefix)
	if err != nil {
		return Result{}, fmt.Errorf("load manifest: %w", err)
	}
	if created, err := manifest.CreatedAt(); err == nil {
		result.SnapshotTime = created
	}
	if manifest.SourceBucket != "" && manifest.SourceBucket != r.SourceBucket {
		return Result{}, fmt.Errorf("manifest source bucket %q does not match configured bucket %q", manifest.SourceBucket, r.SourceBucket)
	}

	inventoryBucket := r.InventoryBucket(manifest)
	partitions, err := r.Fetcher.Fetch(ctx, inventoryBucket, manifest)
	if err != nil {
		return Result{}, fmt.Errorf("fetch partitions: %w", err)
	}

	candidates, err := r.Reducer.CollectProjects(ctx, partitions)
	if err != nil {
		return Result{}, fmt.Errorf("reduce snapshot: %w", err)
	}

	confirmed := keys.NewSet(result.QualifiedProjects...)
	orphanSet := candidates.Diff(confirmed)
	result.OrphanProjects = orphanSet.Sorted()

	r.logger.Info("reconciliation complete",
		"candidates", len(candidates),
		"confirmed", len(confirmed),
		"orphans", len(orphanSet))

	collectSet := orphanSet
	if opts.IncludeNonOrphans {
		collectSet = candidates
	}
	records, err := r.Reducer.CollectRecords(ctx, partitions, collectSet, opts.Dates)
	if err != nil {
		return Result{}, fmt.Errorf("collect records: %w", err)
	}

	for pk, recs := range records {
		for _, rec := range recs {
			ref := FileRef{Project: pk, Key: rec.Key, Size: rec.Size, Class: rec.Class}
			if orphanSet.Has(pk) {
				result.OrphanFiles = append(result.OrphanFiles, ref)
				if rec.Class == keys.ClassPreview {
					result.OrphanBytes += rec.Size
				}
			} else {
				result.NonOrphanFiles = append(result.NonOrphanFiles, ref)
			}
		}
	}
	sortFileRefs(result.OrphanFiles)
	sortFileRefs(result.NonOrphanFiles)

	if m := metrics.Get(); m != nil {
		m.QualifiedProjects.Set(float64(len(result.QualifiedProjects)))
		m.OrphanProjects.Set(float64(len(result.OrphanProjects)))
		m.OrphanFiles.Set(float64(len(result.OrphanFiles)))
		m.OrphanBytes.Set(float64(result.OrphanBytes))
	}
	return result, nil
}

// InventoryBucket resolves where partitions live. Manifests name the
// destination as a bare bucket or an ARN.
func (r *Reconciler) InventoryBucket(m inventory.Manifest) string {
	dest := m.DestinationBucket
	const arnPrefix = "arn:aws:s3:::"
	if len(dest) > len(arnPrefix) && dest[:len(arnPrefix)] == arnPrefix {
		return dest[len(arnPrefix):]
	}
	if dest != "" {
		return dest
	}
	return r.SourceBucket + "-inventory"
}

func sortFileRefs(refs []FileRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].Key < refs[j].Key })
}
