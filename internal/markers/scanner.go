// Package markers scans the hour-partitioned existence marker namespace and
// reduces the listings to per-class project sets.
package markers

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/previewops/orphansweep/internal/keys"
	"github.com/previewops/orphansweep/internal/logging"
	"github.com/previewops/orphansweep/internal/metrics"
	"github.com/previewops/orphansweep/internal/s3util"
)

// Window is the half-open hour range [Start, End) the scanner covers.
type Window struct {
	Start time.Time
	End   time.Time
}

// WindowEndingNow returns a window covering the last daysBack days up to and
// including the current hour.
func WindowEndingNow(daysBack int, now time.Time) Window {
	end := now.UTC().Truncate(time.Hour).Add(time.Hour)
	return Window{
		Start: end.Add(-time.Duration(daysBack) * 24 * time.Hour),
		End:   end,
	}
}

// Hours returns every hour in the window.
func (w Window) Hours() []time.Time {
	var hours []time.Time
	for h := w.Start.UTC().Truncate(time.Hour); h.Before(w.End); h = h.Add(time.Hour) {
		hours = append(hours, h)
	}
	return hours
}

// Result holds the per-class project sets reduced from one scan.
type Result struct {
	Preview keys.Set // projects with a preview.v1 marker in the window
	Upload  keys.Set // projects with a v3 marker in the window
}

// Qualified returns the projects confirmed by both marker classes, in
// deterministic order.
func (r Result) Qualified() []keys.ProjectKey {
	return r.Preview.Intersect(r.Upload).Sorted()
}

// lister is the subset of the store API the scanner needs.
type lister interface {
	ListKeys(ctx context.Context, bucket, prefix string) ([]s3util.ObjectInfo, error)
}

// Scanner lists marker prefixes across a scan window.
type Scanner struct {
	store   lister
	bucket  string
	workers int
	logger  *slog.Logger
}

// NewScanner creates a marker scanner. workers bounds the number of
// concurrent prefix listings; a value of 1 scans sequentially through the
// same code path.
func NewScanner(store lister, bucket string, workers int) *Scanner {
	if workers < 1 {
		workers = 1
	}
	return &Scanner{
		store:   store,
		bucket:  bucket,
		workers: workers,
		logger:  logging.Component("marker_scanner"),
	}
}

// scanTask is one hour x class prefix listing.
type scanTask struct {
	class string
	hour  time.Time
}

// taskResult carries the projects found under one prefix.
type taskResult struct {
	class    string
	projects []keys.ProjectKey
}

// Scan lists every hour x class prefix in the window and reduces the marker
// keys to per-class project sets. A failed listing degrades that prefix to an
// empty contribution; failures shrink the qualified set, they never grow it.
func (s *Scanner) Scan(ctx context.Context, window Window) (Result, error) {
	hours := window.Hours()
	if len(hours) == 0 {
		// A window with no hours has no markers; nothing qualifies.
		return Result{Preview: keys.NewSet(), Upload: keys.NewSet()}, nil
	}

	classes := []string{keys.MarkerClassPreview, keys.MarkerClassUpload}
	tasks := make(chan scanTask, len(hours)*len(classes))
	for _, class := range classes {
		for _, hour := range hours {
			tasks <- scanTask{class: class, hour: hour}
		}
	}
	close(tasks)

	results := make(chan taskResult, len(hours)*len(classes))

	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			logger := logging.WorkerLogger("marker_scanner", workerID)
			for task := range tasks {
				if ctx.Err() != nil {
					return
				}
				results <- taskResult{
					class:    task.class,
					projects: s.scanPrefix(ctx, logger, task),
				}
			}
		}(i)
	}

	wg.Wait()
	close(results)

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	out := Result{Preview: keys.NewSet(), Upload: keys.NewSet()}
	for res := range results {
		target := out.Preview
		if res.class == keys.MarkerClassUpload {
			target = out.Upload
		}
		for _, pk := range res.projects {
			target.Add(pk)
		}
	}

	s.logger.Info("marker scan complete",
		"hours", len(hours),
		"preview_projects", len(out.Preview),
		"upload_projects", len(out.Upload))
	return out, nil
}

// scanPrefix lists one hour prefix and parses the marker keys under it.
func (s *Scanner) scanPrefix(ctx context.Context, logger *slog.Logger, task scanTask) []keys.ProjectKey {
	prefix := keys.MarkerPrefix(task.class, task.hour)

	objects, err := s.store.ListKeys(ctx, s.bucket, prefix)
	if m := metrics.Get(); m != nil {
		m.MarkerPrefixesScanned.WithLabelValues(task.class).Inc()
		if err != nil {
			m.MarkerPrefixesFailed.WithLabelValues(task.class).Inc()
		}
	}
	if err != nil {
		logger.Warn("marker prefix listing failed, treating as empty",
			"prefix", prefix,
			"error", err)
		return nil
	}

	var projects []keys.ProjectKey
	for _, obj := range objects {
		pk, ok := keys.ParseMarkerKey(obj.Key)
		if !ok {
			logger.Debug("skipping malformed marker key", "key", obj.Key)
			continue
		}
		projects = append(projects, pk)
	}
	return projects
}
