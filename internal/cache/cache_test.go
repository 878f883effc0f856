package cache

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
)

func writeGzip(t *testing.T, path string, content []byte) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := gz.Write(content); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLookupMissAndHit(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := m.Lookup("inv/part-0.csv.gz", "abc"); ok {
		t.Error("lookup on empty cache should miss")
	}

	dataPath := m.DataPath("inv/part-0.csv.gz", ".csv")
	if err := os.MkdirAll(filepath.Dir(dataPath), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dataPath, []byte("bucket,key\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.Add("inv/part-0.csv.gz", "abc", dataPath, 11); err != nil {
		t.Fatal(err)
	}

	entry, ok := m.Lookup("inv/part-0.csv.gz", "abc")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if entry.Path != dataPath || entry.Size != 11 {
		t.Errorf("entry = %+v", entry)
	}

	// Checksum mismatch invalidates the entry.
	if _, ok := m.Lookup("inv/part-0.csv.gz", "different"); ok {
		t.Error("expected miss on checksum mismatch")
	}
}

func TestLookupMissesWhenFileRemoved(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	dataPath := m.DataPath("inv/part-1.csv.gz", ".csv")
	if err := os.WriteFile(dataPath, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.Add("inv/part-1.csv.gz", "abc", dataPath, 1); err != nil {
		t.Fatal(err)
	}
	os.Remove(dataPath)

	if _, ok := m.Lookup("inv/part-1.csv.gz", "abc"); ok {
		t.Error("expected miss when cached file is gone")
	}
}

func TestMetadataSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}

	dataPath := m.DataPath("inv/part-2.csv.gz", ".csv")
	if err := os.WriteFile(dataPath, []byte("row"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.Add("inv/part-2.csv.gz", "sum", dataPath, 3); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewManager(dir)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reopened.Lookup("inv/part-2.csv.gz", "sum"); !ok {
		t.Error("expected entry to survive reopen")
	}

	count, size := reopened.Stats()
	if count != 1 || size != 3 {
		t.Errorf("Stats = (%d, %d), want (1, 3)", count, size)
	}
}

func TestClear(t *testing.T) {
	m, err := NewManager(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	dataPath := m.DataPath("inv/part-3.csv.gz", ".csv")
	if err := os.WriteFile(dataPath, []byte("row"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := m.Add("inv/part-3.csv.gz", "sum", dataPath, 3); err != nil {
		t.Fatal(err)
	}

	if err := m.Clear(); err != nil {
		t.Fatal(err)
	}
	if count, _ := m.Stats(); count != 0 {
		t.Errorf("count after Clear = %d, want 0", count)
	}
	if _, err := os.Stat(dataPath); !os.IsNotExist(err) {
		t.Error("expected data file removed by Clear")
	}
}

func TestDecompress(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "part.csv.gz")
	content := []byte("bucket,key,100,2024-06-01T00:00:00.000Z\n")
	writeGzip(t, src, content)

	dest := filepath.Join(dir, "part.csv")
	n, err := Decompress(src, dest)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(content)) {
		t.Errorf("size = %d, want %d", n, len(content))
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content = %q, want %q", got, content)
	}
}

func TestDecompressRejectsCorruptInput(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "bad.gz")
	if err := os.WriteFile(src, []byte("not gzip"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Decompress(src, filepath.Join(dir, "out.csv")); err == nil {
		t.Error("expected error for corrupt gzip input")
	}
}

func TestFileMD5(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	sum, err := FileMD5(path)
	if err != nil {
		t.Fatal(err)
	}
	// md5("hello")
	if sum != "5d41402abc4b2a76b9719d911017c592" {
		t.Errorf("md5 = %s", sum)
	}
}
