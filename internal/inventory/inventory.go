// Package inventory discovers and materializes S3 Inventory snapshots: it
// finds the newest manifest, verifies and downloads its partitions, and
// hands the reducer locally cached files.
package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/previewops/orphansweep/internal/cache"
	"github.com/previewops/orphansweep/internal/logging"
	"github.com/previewops/orphansweep/internal/metrics"
	"github.com/previewops/orphansweep/internal/snapshot"
)

var (
	// ErrNoSnapshot is returned when the inventory bucket holds no dated
	// snapshot directory.
	ErrNoSnapshot = errors.New("no inventory snapshot found")

	// ErrNoPartitions is returned when every partition of a snapshot failed
	// to materialize. The reconciler cannot run on an empty snapshot.
	ErrNoPartitions = errors.New("no inventory partitions available")
)

// Manifest is the S3 Inventory manifest.json document.
type Manifest struct {
	SourceBucket      string         `json:"sourceBucket"`
	DestinationBucket string         `json:"destinationBucket"`
	Version           string         `json:"version"`
	CreationTimestamp string         `json:"creationTimestamp"` // epoch millis, as a string
	FileFormat        string         `json:"fileFormat"`
	FileSchema        string         `json:"fileSchema"`
	Files             []ManifestFile `json:"files"`
}

// ManifestFile describes one partition listed by the manifest.
type ManifestFile struct {
	Key         string `json:"key"`
	Size        int64  `json:"size"`
	MD5Checksum string `json:"MD5checksum"`
}

// CreatedAt decodes the manifest's millisecond creation timestamp.
func (m Manifest) CreatedAt() (time.Time, error) {
	var millis int64
	if _, err := fmt.Sscanf(m.CreationTimestamp, "%d", &millis); err != nil {
		return time.Time{}, fmt.Errorf("parse manifest creation timestamp %q: %w", m.CreationTimestamp, err)
	}
	return time.UnixMilli(millis).UTC(), nil
}

// Snapshot directories are named for their creation instant.
var snapshotDirPattern = regexp.MustCompile(`(\d{4}-\d{2}-\d{2}T\d{2}-\d{2}Z)/$`)

// store is the subset of the S3 API the inventory layer needs.
type store interface {
	ListCommonPrefixes(ctx context.Context, bucket, prefix string) ([]string, error)
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	Download(ctx context.Context, bucket, key, dest string) error
}

// Locator finds inventory snapshots in the destination bucket.
type Locator struct {
	store  store
	bucket string
	prefix string
	logger *slog.Logger
}

// NewLocator creates a snapshot locator for the inventory destination
// bucket and prefix.
func NewLocator(s store, bucket, prefix string) *Locator {
	return &Locator{
		store:  s,
		bucket: bucket,
		prefix: prefix,
		logger: logging.Component("inventory"),
	}
}

// FindLatest returns the prefix of the newest snapshot directory.
func (l *Locator) FindLatest(ctx context.Context) (string, error) {
	prefixes, err := l.store.ListCommonPrefixes(ctx, l.bucket, l.prefix)
	if err != nil {
		return "", fmt.Errorf("list inventory snapshots: %w", err)
	}

	var dated []string
	for _, p := range prefixes {
		if snapshotDirPattern.MatchString(p) {
			dated = append(dated, p)
		}
	}
	if len(dated) == 0 {
		return "", ErrNoSnapshot
	}

	// Directory names sort lexicographically by creation instant.
	sort.Sort(sort.Reverse(sort.StringSlice(dated)))

	l.logger.Info("selected inventory snapshot", "prefix", dated[0], "available", len(dated))
	return dated[0], nil
}

// LoadManifest fetches and parses the manifest under a snapshot prefix.
func (l *Locator) LoadManifest(ctx context.Context, snapshotPrefix string) (Manifest, error) {
	key := snapshotPrefix + "manifest.json"
	data, err := l.store.GetObject(ctx, l.bucket, key)
	if err != nil {
		return Manifest{}, fmt.Errorf("fetch manifest %s: %w", key, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", key, err)
	}
	if len(m.Files) == 0 {
		return Manifest{}, fmt.Errorf("manifest %s lists no partitions", key)
	}
	return m, nil
}

// Fetcher materializes manifest partitions into the local cache.
type Fetcher struct {
	store   store
	cache   *cache.Manager
	workers int
	logger  *slog.Logger
}

// NewFetcher creates a partition fetcher. workers bounds concurrent
// downloads.
func NewFetcher(s store, c *cache.Manager, workers int) *Fetcher {
	if workers < 1 {
		workers = 1
	}
	return &Fetcher{
		store:   s,
		cache:   c,
		workers: workers,
		logger:  logging.Component("inventory"),
	}
}

// Fetch downloads, verifies, and decompresses every partition the manifest
// lists. Individual partition failures are logged and skipped; only a fully
// empty result is fatal.
func (f *Fetcher) Fetch(ctx context.Context, bucket string, manifest Manifest) ([]snapshot.PartitionHandle, error) {
	format := snapshot.FormatFromManifest(manifest.FileFormat)

	tasks := make(chan ManifestFile, len(manifest.Files))
	for _, file := range manifest.Files {
		tasks <- file
	}
	close(tasks)

	results := make(chan *snapshot.PartitionHandle, len(manifest.Files))

	var wg sync.WaitGroup
	for i := 0; i < f.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			logger := logging.WorkerLogger("inventory", workerID)
			for file := range tasks {
				if ctx.Err() != nil {
					return
				}
				handle, err := f.fetchOne(ctx, bucket, file, format)
				if err != nil {
					logger.Warn("skipping inventory partition",
						"key", file.Key,
						"error", err)
					if m := metrics.Get(); m != nil {
						m.PartitionsSkipped.WithLabelValues(format).Inc()
					}
					results <- nil
					continue
				}
				if m := metrics.Get(); m != nil {
					m.PartitionsFetched.WithLabelValues(format).Inc()
				}
				results <- handle
			}
		}(i)
	}

	wg.Wait()
	close(results)

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var handles []snapshot.PartitionHandle
	for handle := range results {
		if handle != nil {
			handles = append(handles, *handle)
		}
	}
	if len(handles) == 0 {
		return nil, fmt.Errorf("%w: all %d partitions failed", ErrNoPartitions, len(manifest.Files))
	}

	// Deterministic parse order regardless of download completion order.
	sort.Slice(handles, func(i, j int) bool { return handles[i].Key < handles[j].Key })

	f.logger.Info("inventory partitions ready",
		"partitions", len(handles),
		"skipped", len(manifest.Files)-len(handles),
		"format", format)
	return handles, nil
}

// fetchOne materializes a single partition, consulting the cache first.
func (f *Fetcher) fetchOne(ctx context.Context, bucket string, file ManifestFile, format string) (*snapshot.PartitionHandle, error) {
	if entry, ok := f.cache.Lookup(file.Key, file.MD5Checksum); ok {
		return &snapshot.PartitionHandle{Key: file.Key, LocalPath: entry.Path, Format: format}, nil
	}

	downloadPath := f.cache.DownloadPath(file.Key)
	if err := f.store.Download(ctx, bucket, file.Key, downloadPath); err != nil {
		return nil, err
	}

	sum, err := cache.FileMD5(downloadPath)
	if err != nil {
		return nil, err
	}
	if file.MD5Checksum != "" && !strings.EqualFold(sum, file.MD5Checksum) {
		return nil, fmt.Errorf("checksum mismatch for %s: got %s, manifest says %s", file.Key, sum, file.MD5Checksum)
	}

	// CSV partitions arrive gzipped; Parquet partitions are already
	// internally compressed.
	localPath := downloadPath
	var size int64
	if format == snapshot.FormatCSV && strings.HasSuffix(file.Key, ".gz") {
		localPath = f.cache.DataPath(file.Key, ".csv")
		size, err = cache.Decompress(downloadPath, localPath)
		if err != nil {
			return nil, err
		}
	} else {
		size = file.Size
	}

	if err := f.cache.Add(file.Key, file.MD5Checksum, localPath, size); err != nil {
		return nil, err
	}
	return &snapshot.PartitionHandle{Key: file.Key, LocalPath: localPath, Format: format}, nil
}
