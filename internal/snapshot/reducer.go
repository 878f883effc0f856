package snapshot

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/previewops/orphansweep/internal/keys"
	"github.com/previewops/orphansweep/internal/logging"
	"github.com/previewops/orphansweep/internal/metrics"
)

// DateRange restricts pass two to objects modified inside [After, Before].
// Zero bounds are open. Bounds are inclusive.
type DateRange struct {
	After  time.Time
	Before time.Time
}

// Active reports whether any bound is set.
func (d DateRange) Active() bool {
	return !d.After.IsZero() || !d.Before.IsZero()
}

// contains applies the inclusive bounds.
func (d DateRange) contains(t time.Time) bool {
	if !d.After.IsZero() && t.Before(d.After) {
		return false
	}
	if !d.Before.IsZero() && t.After(d.Before) {
		return false
	}
	return true
}

// Reducer streams inventory partitions through a bounded parsing pool.
type Reducer struct {
	workers int
	logger  *slog.Logger
}

// NewReducer creates a reducer with the given parsing concurrency. A value
// of 1 reduces sequentially through the same code path.
func NewReducer(workers int) *Reducer {
	if workers < 1 {
		workers = 1
	}
	return &Reducer{
		workers: workers,
		logger:  logging.Component("snapshot_reducer"),
	}
}

// CollectProjects is pass one: it reduces the full snapshot to the set of
// projects that own at least one preview derivative. Rows without a parseable
// key column are skipped.
func (r *Reducer) CollectProjects(ctx context.Context, partitions []PartitionHandle) (keys.Set, error) {
	out := keys.NewSet()

	err := r.reduce(ctx, "projects", partitions, func(handle PartitionHandle) (any, error) {
		local := keys.NewSet()
		err := forEachRow(handle, func(key, _, _ string, fields int) error {
			if fields < 2 || key == "" {
				return nil
			}
			if pk, ok := keys.ParsePreviewKey(key); ok {
				local.Add(pk)
			}
			return nil
		})
		return local, err
	}, func(partial any) {
		out.Merge(partial.(keys.Set))
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("snapshot pass one complete",
		"partitions", len(partitions),
		"projects_with_previews", len(out))
	return out, nil
}

// CollectRecords is pass two: it gathers the inventory rows belonging to
// candidate projects. Rows with fewer than four fields or without a size are
// skipped. When dates is active, rows with empty or unparseable timestamps
// are excluded: a filtered run must never delete an object it could not date.
func (r *Reducer) CollectRecords(ctx context.Context, partitions []PartitionHandle, candidates keys.Set, dates DateRange) (map[keys.ProjectKey][]Record, error) {
	out := make(map[keys.ProjectKey][]Record)
	var skippedTimestamps int

	type partial struct {
		records map[keys.ProjectKey][]Record
		skipped int
	}

	err := r.reduce(ctx, "records", partitions, func(handle PartitionHandle) (any, error) {
		p := partial{records: make(map[keys.ProjectKey][]Record)}
		err := forEachRow(handle, func(key, sizeField, modifiedField string, fields int) error {
			if fields < 4 || key == "" || sizeField == "" {
				return nil
			}
			pk, ok := keys.ParsePreviewKey(key)
			if !ok || !candidates.Has(pk) {
				return nil
			}

			size, err := strconv.ParseInt(sizeField, 10, 64)
			if err != nil {
				size = 0
			}

			modified, err := parseInventoryTime(modifiedField)
			if err != nil {
				if dates.Active() {
					p.skipped++
					return nil
				}
				// No filter: keep the row with a zero timestamp rather than
				// hiding an orphan behind a malformed inventory field.
				modified = time.Time{}
			} else if dates.Active() && !dates.contains(modified) {
				return nil
			}

			p.records[pk] = append(p.records[pk], Record{
				Key:          key,
				Size:         size,
				LastModified: modified,
				Class:        keys.Classify(key),
			})
			return nil
		})
		return p, err
	}, func(raw any) {
		p := raw.(partial)
		skippedTimestamps += p.skipped
		for pk, recs := range p.records {
			out[pk] = append(out[pk], recs...)
		}
	})
	if err != nil {
		return nil, err
	}

	if skippedTimestamps > 0 {
		r.logger.Warn("excluded rows with unparseable timestamps from filtered run",
			"rows", skippedTimestamps)
	}
	r.logger.Info("snapshot pass two complete",
		"partitions", len(partitions),
		"projects_with_records", len(out))
	return out, nil
}

// reduce fans partitions out to the parsing pool and folds the partial
// results through merge. Merge runs only in this goroutine, so partials need
// no locking of their own.
func (r *Reducer) reduce(ctx context.Context, pass string, partitions []PartitionHandle, parse func(PartitionHandle) (any, error), merge func(any)) error {
	tasks := make(chan PartitionHandle, len(partitions))
	for _, p := range partitions {
		tasks <- p
	}
	close(tasks)

	type outcome struct {
		partial any
		err     error
	}
	results := make(chan outcome, len(partitions))

	var wg sync.WaitGroup
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for handle := range tasks {
				if ctx.Err() != nil {
					return
				}
				started := time.Now()
				partial, err := parse(handle)
				if m := metrics.Get(); m != nil {
					m.PartitionParse.WithLabelValues(handle.Format, pass).Observe(time.Since(started).Seconds())
				}
				results <- outcome{partial: partial, err: err}
			}
		}(i)
	}

	wg.Wait()
	close(results)

	if err := ctx.Err(); err != nil {
		return err
	}

	for res := range results {
		if res.err != nil {
			// A failed partition shrinks the result, which can only reduce
			// what gets deleted.
			r.logger.Error("partition parse failed, contributing nothing",
				"pass", pass,
				"error", res.err)
			continue
		}
		merge(res.partial)
	}
	return nil
}
