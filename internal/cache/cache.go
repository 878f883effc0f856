// Package cache manages the local store of downloaded inventory partitions
// so repeated runs against the same snapshot skip the download entirely.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

const metadataFile = "metadata.json"

// Entry records one cached partition.
type Entry struct {
	Key      string    `json:"key"`       // source object key
	MD5      string    `json:"md5"`       // checksum of the compressed object
	Path     string    `json:"path"`      // local path of the decompressed file
	Size     int64     `json:"size"`      // decompressed size in bytes
	CachedAt time.Time `json:"cached_at"`
}

// Manager tracks downloaded and decompressed partitions under a root
// directory. Safe for concurrent use.
type Manager struct {
	root string

	mu      sync.Mutex
	entries map[string]Entry
}

// NewManager opens (or creates) a cache rooted at dir and loads its metadata.
func NewManager(dir string) (*Manager, error) {
	for _, sub := range []string{"downloads", "data"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
	}

	m := &Manager{
		root:    dir,
		entries: make(map[string]Entry),
	}

	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("read cache metadata: %w", err)
	}
	if err := json.Unmarshal(data, &m.entries); err != nil {
		// Corrupt metadata means the cache contents cannot be trusted; start
		// over rather than serving stale partitions.
		m.entries = make(map[string]Entry)
	}
	return m, nil
}

// Root returns the cache root directory.
func (m *Manager) Root() string {
	return m.root
}

// DownloadPath returns where the compressed object for key should be stored.
func (m *Manager) DownloadPath(key string) string {
	return filepath.Join(m.root, "downloads", sanitize(key))
}

// Lookup returns the cached entry for key if its checksum matches and the
// decompressed file still exists on disk.
func (m *Manager) Lookup(key, md5sum string) (Entry, bool) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	m.mu.Unlock()

	if !ok || entry.MD5 != md5sum {
		return Entry{}, false
	}
	if _, err := os.Stat(entry.Path); err != nil {
		return Entry{}, false
	}
	return entry, true
}

// Add records a decompressed partition in the cache and persists the
// metadata index.
func (m *Manager) Add(key, md5sum, path string, size int64) error {
	m.mu.Lock()
	m.entries[key] = Entry{
		Key:      key,
		MD5:      md5sum,
		Path:     path,
		Size:     size,
		CachedAt: time.Now().UTC(),
	}
	err := m.saveLocked()
	m.mu.Unlock()
	return err
}

// Stats summarizes the cache contents.
func (m *Manager) Stats() (count int, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		count++
		bytes += e.Size
	}
	return count, bytes
}

// Clear removes all cached files and resets the metadata index.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range []string{"downloads", "data"} {
		dir := filepath.Join(m.root, sub)
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("recreate cache directory: %w", err)
		}
	}

	m.entries = make(map[string]Entry)
	return m.saveLocked()
}

// saveLocked persists the metadata index. Caller holds m.mu.
func (m *Manager) saveLocked() error {
	data, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal cache metadata: %w", err)
	}

	path := filepath.Join(m.root, metadataFile)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write cache metadata: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename cache metadata: %w", err)
	}
	return nil
}

// DataPath returns where the decompressed form of key should live.
func (m *Manager) DataPath(key, ext string) string {
	name := strings.TrimSuffix(sanitize(key), ".gz")
	if ext != "" && !strings.HasSuffix(name, ext) {
		name += ext
	}
	return filepath.Join(m.root, "data", name)
}

// FileMD5 computes the hex MD5 of a local file.
func FileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Decompress gunzips src into dest and returns the decompressed size.
func Decompress(src, dest string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	gz, err := gzip.NewReader(in)
	if err != nil {
		return 0, fmt.Errorf("gzip reader for %s: %w", src, err)
	}
	defer gz.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return 0, fmt.Errorf("create directory for %s: %w", dest, err)
	}

	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", dest, err)
	}

	n, err := io.Copy(out, gz)
	if err != nil {
		out.Close()
		os.Remove(dest)
		return 0, fmt.Errorf("decompress %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return 0, fmt.Errorf("close %s: %w", dest, err)
	}
	return n, nil
}

// sanitize flattens an object key into a single file name.
func sanitize(key string) string {
	return strings.ReplaceAll(key, "/", "_")
}
