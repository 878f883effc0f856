package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestFileEmitterWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	em, err := NewFileEmitter(dir, "run-1")
	if err != nil {
		t.Fatal(err)
	}

	em.Emit(Entry{RunID: "run-1", Action: "delete", Key: "a/b/preview.v1/x.jpg", Size: 100})
	em.Emit(Entry{RunID: "run-1", Action: "delete_error", Key: "a/b/preview.v1/y.jpg", ErrorCode: "AccessDenied"})
	if err := em.Close(); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(filepath.Join(dir, "audit-run-1.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, e)
	}

	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Action != "delete" || entries[0].CreatedAt.IsZero() {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].ErrorCode != "AccessDenied" {
		t.Errorf("entry 1 = %+v", entries[1])
	}
}
