package reconcile

import (
	"context"
	"errors"
	"testing"

	"github.com/previewops/orphansweep/internal/audit"
	"github.com/previewops/orphansweep/internal/keys"
	"github.com/previewops/orphansweep/internal/s3util"
)

const (
	owner1   = "aaaaaaaa-0000-4000-8000-000000000001"
	owner2   = "aaaaaaaa-0000-4000-8000-000000000002"
	project1 = "bbbbbbbb-0000-4000-8000-000000000001"
	project2 = "bbbbbbbb-0000-4000-8000-000000000002"
)

// fakeDeleter records every batch and fails the keys named in failing.
type fakeDeleter struct {
	batches     [][]string
	failing     map[string]string // key -> error code
	failCallNum int               // 1-based call number that fails entirely, 0 for none
}

func (f *fakeDeleter) DeleteBatch(ctx context.Context, bucket string, batch []string) ([]s3util.DeleteError, error) {
	copied := append([]string(nil), batch...)
	f.batches = append(f.batches, copied)
	if f.failCallNum == len(f.batches) {
		return nil, errors.New("connection reset")
	}

	var failures []s3util.DeleteError
	for _, key := range batch {
		if code, ok := f.failing[key]; ok {
			failures = append(failures, s3util.DeleteError{Key: key, Code: code})
		}
	}
	return failures, nil
}

func previewFile(owner, project, name string, size int64) FileRef {
	key := owner + "/" + project + "/preview.v1/" + name
	return FileRef{
		Project: keys.ProjectKey{OwnerID: owner, ProjectID: project},
		Key:     key,
		Size:    size,
		Class:   keys.Classify(key),
	}
}

func TestDeleteBatchMath(t *testing.T) {
	// 5 files with batch size 2 means 3 batches; one per-key error means 4
	// successful deletions.
	files := []FileRef{
		previewFile(owner1, project1, "a.jpg", 1),
		previewFile(owner1, project1, "b.jpg", 1),
		previewFile(owner1, project1, "c.jpg", 1),
		previewFile(owner2, project2, "d.jpg", 1),
		previewFile(owner2, project2, "e.jpg", 1),
	}

	store := &fakeDeleter{failing: map[string]string{files[2].Key: "InternalError"}}
	stats, err := NewDeleter(store, "bucket", audit.NopEmitter{}, "run-1").Delete(context.Background(), files, false, 2)
	if err != nil {
		t.Fatal(err)
	}

	if stats.Batches != 3 {
		t.Errorf("batches = %d, want 3", stats.Batches)
	}
	if len(store.batches) != 3 {
		t.Errorf("store saw %d batches", len(store.batches))
	}
	for i, b := range store.batches {
		want := 2
		if i == 2 {
			want = 1
		}
		if len(b) != want {
			t.Errorf("batch %d has %d keys, want %d", i, len(b), want)
		}
	}
	if stats.FilesDeleted != 4 {
		t.Errorf("deleted = %d, want 4", stats.FilesDeleted)
	}
	if stats.FilesFailed != 1 {
		t.Errorf("failed = %d, want 1", stats.FilesFailed)
	}
	if stats.ProjectsAffected != 2 {
		t.Errorf("projects = %d, want 2", stats.ProjectsAffected)
	}
}

func TestDeleteRefusesProtectedKeys(t *testing.T) {
	uploadKey := owner1 + "/" + project1 + "/" + project1 + ".v3.gz"
	files := []FileRef{
		previewFile(owner1, project1, "a.jpg", 1),
		{
			Project: keys.ProjectKey{OwnerID: owner1, ProjectID: project1},
			Key:     uploadKey,
			Class:   keys.ClassUpload,
		},
		{
			Project: keys.ProjectKey{OwnerID: owner1, ProjectID: project1},
			Key:     "logs/app.log",
			Class:   keys.ClassOther,
		},
	}

	store := &fakeDeleter{}
	stats, err := NewDeleter(store, "bucket", audit.NopEmitter{}, "run-1").Delete(context.Background(), files, false, 10)
	if err != nil {
		t.Fatal(err)
	}

	if stats.SkippedProtected != 2 {
		t.Errorf("skipped = %d, want 2", stats.SkippedProtected)
	}
	if stats.FilesDeleted != 1 {
		t.Errorf("deleted = %d, want 1", stats.FilesDeleted)
	}
	for _, batch := range store.batches {
		for _, key := range batch {
			if key == uploadKey || key == "logs/app.log" {
				t.Errorf("protected key %s reached the store", key)
			}
		}
	}
}

func TestDeleteDryRunTouchesNothing(t *testing.T) {
	files := []FileRef{
		previewFile(owner1, project1, "a.jpg", 10),
		previewFile(owner1, project1, "b.jpg", 20),
		previewFile(owner2, project2, "c.jpg", 30),
	}

	store := &fakeDeleter{}
	dry, err := NewDeleter(store, "bucket", audit.NopEmitter{}, "run-1").Delete(context.Background(), files, true, 2)
	if err != nil {
		t.Fatal(err)
	}

	if len(store.batches) != 0 {
		t.Errorf("dry run issued %d store calls", len(store.batches))
	}

	// Dry run counts must match a real run against an error-free store.
	real, err := NewDeleter(&fakeDeleter{}, "bucket", audit.NopEmitter{}, "run-1").Delete(context.Background(), files, false, 2)
	if err != nil {
		t.Fatal(err)
	}
	if dry.Batches != real.Batches || dry.FilesDeleted != real.FilesDeleted || dry.ProjectsAffected != real.ProjectsAffected {
		t.Errorf("dry = %+v, real = %+v", dry, real)
	}
}

func TestDeleteTransportFailureLosesOneBatch(t *testing.T) {
	files := []FileRef{
		previewFile(owner1, project1, "a.jpg", 1),
		previewFile(owner1, project1, "b.jpg", 1),
		previewFile(owner2, project2, "c.jpg", 1),
		previewFile(owner2, project2, "d.jpg", 1),
	}

	store := &fakeDeleter{failCallNum: 1}
	stats, err := NewDeleter(store, "bucket", audit.NopEmitter{}, "run-1").Delete(context.Background(), files, false, 2)
	if err != nil {
		t.Fatal(err)
	}

	if len(store.batches) != 2 {
		t.Errorf("store saw %d batches, want 2", len(store.batches))
	}
	if stats.FilesFailed != 2 {
		t.Errorf("failed = %d, want 2", stats.FilesFailed)
	}
	if stats.FilesDeleted != 2 {
		t.Errorf("deleted = %d, want 2", stats.FilesDeleted)
	}
}

func TestDeleteRejectsBadBatchSize(t *testing.T) {
	d := NewDeleter(&fakeDeleter{}, "bucket", audit.NopEmitter{}, "run-1")
	if _, err := d.Delete(context.Background(), nil, false, 0); err == nil {
		t.Error("expected error for batch size 0")
	}
	if _, err := d.Delete(context.Background(), nil, false, 1001); err == nil {
		t.Error("expected error for batch size above the ceiling")
	}
}
