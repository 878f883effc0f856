package reconcile

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob" // local driver
	_ "gocloud.dev/blob/s3blob"   // S3 driver

	"github.com/previewops/orphansweep/internal/keys"
)

// RenderReport formats a reconciliation result and its deletion stats as a
// human-readable report. The output is deterministic for a given input.
func RenderReport(result Result, stats Stats) string {
	var b strings.Builder

	mode := "EXECUTE"
	if stats.DryRun {
		mode = "DRY RUN"
	}

	fmt.Fprintf(&b, "orphan sweep report (run %s, %s)\n", result.RunID, mode)
	fmt.Fprintf(&b, "================================================\n")
	if result.SnapshotPrefix != "" {
		fmt.Fprintf(&b, "snapshot:  %s\n", result.SnapshotPrefix)
	}
	if !result.SnapshotTime.IsZero() {
		fmt.Fprintf(&b, "snapshot taken:  %s\n", result.SnapshotTime.UTC().Format("2006-01-02T15:04:05Z"))
	}
	fmt.Fprintf(&b, "marker window:   %s .. %s\n",
		result.Window.Start.UTC().Format("2006-01-02T15Z"),
		result.Window.End.UTC().Format("2006-01-02T15Z"))
	fmt.Fprintf(&b, "\n")

	fmt.Fprintf(&b, "confirmed projects:  %d\n", len(result.QualifiedProjects))
	fmt.Fprintf(&b, "orphan projects:     %d\n", len(result.OrphanProjects))

	var previewFiles, uploadFiles, otherFiles int
	for _, f := range result.OrphanFiles {
		switch f.Class {
		case keys.ClassPreview:
			previewFiles++
		case keys.ClassUpload:
			uploadFiles++
		default:
			otherFiles++
		}
	}
	fmt.Fprintf(&b, "orphan files:        %d preview, %d protected upload, %d other\n",
		previewFiles, uploadFiles, otherFiles)
	fmt.Fprintf(&b, "deletable bytes:     %d\n", result.OrphanBytes)
	fmt.Fprintf(&b, "\n")

	fmt.Fprintf(&b, "batches issued:      %d\n", stats.Batches)
	fmt.Fprintf(&b, "files deleted:       %d\n", stats.FilesDeleted)
	fmt.Fprintf(&b, "files failed:        %d\n", stats.FilesFailed)
	fmt.Fprintf(&b, "projects affected:   %d\n", stats.ProjectsAffected)
	if stats.SkippedProtected > 0 {
		fmt.Fprintf(&b, "skipped protected:   %d\n", stats.SkippedProtected)
	}

	if len(result.OrphanProjects) > 0 {
		fmt.Fprintf(&b, "\norphan projects:\n")
		for _, pk := range result.OrphanProjects {
			fmt.Fprintf(&b, "  %s\n", pk.Path())
		}
	}

	if len(result.NonOrphanFiles) > 0 {
		fmt.Fprintf(&b, "\nspared files (confirmed projects):\n")
		for _, f := range result.NonOrphanFiles {
			fmt.Fprintf(&b, "  %s (%d bytes)\n", f.Key, f.Size)
		}
	}

	return b.String()
}

// WriteReport stores the rendered report at dest, which may be a local path
// or a blob URL (file://, s3://). The report file is named for the run.
func WriteReport(ctx context.Context, dest, runID, content string) (string, error) {
	bucketURL := dest
	if u, err := url.Parse(dest); err != nil || u.Scheme == "" {
		// Bare paths become fileblob URLs.
		abs, err := filepath.Abs(dest)
		if err != nil {
			return "", fmt.Errorf("resolve report path %s: %w", dest, err)
		}
		if err := os.MkdirAll(abs, 0755); err != nil {
			return "", fmt.Errorf("create report directory %s: %w", abs, err)
		}
		bucketURL = "file://" + abs
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return "", fmt.Errorf("open report destination %s: %w", bucketURL, err)
	}
	defer bucket.Close()

	name := fmt.Sprintf("report-%s.txt", runID)
	w, err := bucket.NewWriter(ctx, name, nil)
	if err != nil {
		return "", fmt.Errorf("create report writer for %s: %w", name, err)
	}
	if _, err := w.Write([]byte(content)); err != nil {
		w.Close()
		return "", fmt.Errorf("write report %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close report %s: %w", name, err)
	}

	return bucketURL + "/" + name, nil
}
