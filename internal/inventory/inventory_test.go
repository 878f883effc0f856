package inventory

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/previewops/orphansweep/internal/cache"
	"github.com/previewops/orphansweep/internal/snapshot"
)

// fakeStore serves objects from memory.
type fakeStore struct {
	prefixes []string
	objects  map[string][]byte // key -> content
	failing  map[string]bool
}

func (f *fakeStore) ListCommonPrefixes(ctx context.Context, bucket, prefix string) ([]string, error) {
	return f.prefixes, nil
}

func (f *fakeStore) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such key %s", key)
	}
	return data, nil
}

func (f *fakeStore) Download(ctx context.Context, bucket, key, dest string) error {
	if f.failing[key] {
		return errors.New("download failed")
	}
	data, ok := f.objects[key]
	if !ok {
		return fmt.Errorf("no such key %s", key)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	return os.WriteFile(dest, data, 0644)
}

func gzipBytes(t *testing.T, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func md5hex(data []byte) string {
	return fmt.Sprintf("%x", md5.Sum(data))
}

func TestFindLatest(t *testing.T) {
	store := &fakeStore{prefixes: []string{
		"bucket/Inventory/2024-05-30T01-00Z/",
		"bucket/Inventory/2024-06-01T01-00Z/",
		"bucket/Inventory/2024-05-31T01-00Z/",
		"bucket/Inventory/hive/", // not a snapshot directory
	}}

	latest, err := NewLocator(store, "bucket-inventory", "bucket/Inventory/").FindLatest(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if latest != "bucket/Inventory/2024-06-01T01-00Z/" {
		t.Errorf("latest = %q", latest)
	}
}

func TestFindLatestNoSnapshots(t *testing.T) {
	store := &fakeStore{prefixes: []string{"bucket/Inventory/hive/"}}
	_, err := NewLocator(store, "bucket-inventory", "bucket/Inventory/").FindLatest(context.Background())
	if !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("err = %v, want ErrNoSnapshot", err)
	}
}

func TestLoadManifest(t *testing.T) {
	manifestJSON := []byte(`{
		"sourceBucket": "bucket",
		"destinationBucket": "arn:aws:s3:::bucket-inventory",
		"version": "2016-11-30",
		"creationTimestamp": "1717200000000",
		"fileFormat": "CSV",
		"fileSchema": "Bucket, Key, Size, LastModifiedDate",
		"files": [{"key": "bucket/Inventory/data/part-0.csv.gz", "size": 42, "MD5checksum": "abc"}]
	}`)
	store := &fakeStore{objects: map[string][]byte{
		"bucket/Inventory/2024-06-01T01-00Z/manifest.json": manifestJSON,
	}}

	loc := NewLocator(store, "bucket-inventory", "bucket/Inventory/")
	m, err := loc.LoadManifest(context.Background(), "bucket/Inventory/2024-06-01T01-00Z/")
	if err != nil {
		t.Fatal(err)
	}
	if m.SourceBucket != "bucket" || len(m.Files) != 1 {
		t.Errorf("manifest = %+v", m)
	}

	created, err := m.CreatedAt()
	if err != nil {
		t.Fatal(err)
	}
	if created.Year() != 2024 {
		t.Errorf("created = %v", created)
	}
}

func TestFetchVerifiesAndDecompresses(t *testing.T) {
	csvContent := []byte("bucket,key,1,2024-06-01T00:00:00.000Z\n")
	compressed := gzipBytes(t, csvContent)

	store := &fakeStore{objects: map[string][]byte{
		"bucket/Inventory/data/part-0.csv.gz": compressed,
	}}
	cm, err := cache.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	manifest := Manifest{
		FileFormat: "CSV",
		Files: []ManifestFile{
			{Key: "bucket/Inventory/data/part-0.csv.gz", Size: int64(len(compressed)), MD5Checksum: md5hex(compressed)},
		},
	}

	handles, err := NewFetcher(store, cm, 2).Fetch(context.Background(), "bucket-inventory", manifest)
	if err != nil {
		t.Fatal(err)
	}
	if len(handles) != 1 {
		t.Fatalf("handles = %v", handles)
	}
	if handles[0].Format != snapshot.FormatCSV {
		t.Errorf("format = %s", handles[0].Format)
	}

	got, err := os.ReadFile(handles[0].LocalPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, csvContent) {
		t.Errorf("content = %q", got)
	}

	// Second fetch hits the cache.
	store.failing = map[string]bool{"bucket/Inventory/data/part-0.csv.gz": true}
	cached, err := NewFetcher(store, cm, 2).Fetch(context.Background(), "bucket-inventory", manifest)
	if err != nil {
		t.Fatalf("cached fetch: %v", err)
	}
	if len(cached) != 1 {
		t.Errorf("cached handles = %v", cached)
	}
}

func TestFetchChecksumMismatchSkipsPartition(t *testing.T) {
	good := gzipBytes(t, []byte("bucket,k1,1,2024-06-01T00:00:00.000Z\n"))
	bad := gzipBytes(t, []byte("bucket,k2,1,2024-06-01T00:00:00.000Z\n"))

	store := &fakeStore{objects: map[string][]byte{
		"inv/part-0.csv.gz": good,
		"inv/part-1.csv.gz": bad,
	}}
	cm, err := cache.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	manifest := Manifest{
		FileFormat: "CSV",
		Files: []ManifestFile{
			{Key: "inv/part-0.csv.gz", MD5Checksum: md5hex(good)},
			{Key: "inv/part-1.csv.gz", MD5Checksum: "0123456789abcdef0123456789abcdef"},
		},
	}

	handles, err := NewFetcher(store, cm, 1).Fetch(context.Background(), "bucket-inventory", manifest)
	if err != nil {
		t.Fatal(err)
	}
	if len(handles) != 1 || handles[0].Key != "inv/part-0.csv.gz" {
		t.Errorf("handles = %v", handles)
	}
}

func TestFetchAllPartitionsFailed(t *testing.T) {
	store := &fakeStore{
		objects: map[string][]byte{},
		failing: map[string]bool{"inv/part-0.csv.gz": true},
	}
	cm, err := cache.NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	manifest := Manifest{
		FileFormat: "CSV",
		Files:      []ManifestFile{{Key: "inv/part-0.csv.gz", MD5Checksum: "abc"}},
	}

	_, err = NewFetcher(store, cm, 1).Fetch(context.Background(), "bucket-inventory", manifest)
	if !errors.Is(err, ErrNoPartitions) {
		t.Errorf("err = %v, want ErrNoPartitions", err)
	}
}
