// Package audit writes a per-run trail of every deletion decision. The trail
// is best effort: a failed audit write never blocks the sweep.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry records one deletion event.
type Entry struct {
	RunID     string    `json:"run_id"`
	Action    string    `json:"action"` // "delete" | "dry_run" | "delete_error"
	Key       string    `json:"key"`
	Size      int64     `json:"size,omitempty"`
	OwnerID   string    `json:"owner_id,omitempty"`
	ProjectID string    `json:"project_id,omitempty"`
	ErrorCode string    `json:"error_code,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Emitter receives deletion events.
type Emitter interface {
	Emit(entry Entry)
	Close() error
}

// FileEmitter appends JSON-lines entries to audit-<runID>.jsonl.
type FileEmitter struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// NewFileEmitter opens the audit file for a run.
func NewFileEmitter(dir, runID string) (*FileEmitter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, fmt.Sprintf("audit-%s.jsonl", runID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit file %s: %w", path, err)
	}

	return &FileEmitter{f: f, enc: json.NewEncoder(f)}, nil
}

// Emit appends one entry. Write errors are swallowed; the audit trail is
// advisory.
func (e *FileEmitter) Emit(entry Entry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	e.mu.Lock()
	_ = e.enc.Encode(entry)
	e.mu.Unlock()
}

// Close flushes and closes the audit file.
func (e *FileEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.f.Close()
}

// NopEmitter discards all entries.
type NopEmitter struct{}

func (NopEmitter) Emit(Entry) {}

func (NopEmitter) Close() error { return nil }
