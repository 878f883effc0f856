// Package snapshot parses bulk inventory partitions and reduces them to the
// per-project candidate map the reconciler consumes.
package snapshot

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/previewops/orphansweep/internal/keys"
)

// Partition formats emitted by S3 Inventory.
const (
	FormatCSV     = "CSV"
	FormatParquet = "Parquet"
)

// PartitionHandle points at one locally materialized inventory partition.
type PartitionHandle struct {
	Key       string // source object key, for logging
	LocalPath string
	Format    string // FormatCSV | FormatParquet
}

// Record is one inventory row for an object in the source bucket.
type Record struct {
	Key          string
	Size         int64
	LastModified time.Time
	Class        keys.Class
}

// parquetRow mirrors the columns of an S3 Inventory Parquet partition.
type parquetRow struct {
	Bucket           string    `parquet:"bucket,optional"`
	Key              string    `parquet:"key"`
	Size             int64     `parquet:"size,optional"`
	LastModifiedDate time.Time `parquet:"last_modified_date,optional,timestamp(millisecond)"`
}

// rowFunc receives the raw fields of one inventory row plus the row's field
// count, so callers can tell a short row from a present-but-empty field. CSV
// rows pass their string fields through unchanged; Parquet rows are converted
// to the same shape so both formats share one reduction path.
type rowFunc func(key, size, lastModified string, fields int) error

// forEachRow streams a partition through fn.
func forEachRow(handle PartitionHandle, fn rowFunc) error {
	switch handle.Format {
	case FormatParquet:
		return forEachParquetRow(handle, fn)
	default:
		return forEachCSVRow(handle, fn)
	}
}

func forEachCSVRow(handle PartitionHandle, fn rowFunc) error {
	f, err := os.Open(handle.LocalPath)
	if err != nil {
		return fmt.Errorf("open partition %s: %w", handle.LocalPath, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1 // rows are validated per pass, not globally

	for {
		row, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("parse partition %s: %w", handle.Key, err)
		}

		// Inventory CSV layout: bucket, key, size, last_modified.
		var key, size, lastModified string
		if len(row) > 1 {
			key = row[1]
		}
		if len(row) > 2 {
			size = row[2]
		}
		if len(row) > 3 {
			lastModified = row[3]
		}
		if err := fn(key, size, lastModified, len(row)); err != nil {
			return err
		}
	}
}

func forEachParquetRow(handle PartitionHandle, fn rowFunc) error {
	f, err := os.Open(handle.LocalPath)
	if err != nil {
		return fmt.Errorf("open partition %s: %w", handle.LocalPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat partition %s: %w", handle.LocalPath, err)
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return fmt.Errorf("open parquet partition %s: %w", handle.Key, err)
	}

	reader := parquet.NewGenericReader[parquetRow](pf)
	defer reader.Close()

	rows := make([]parquetRow, 256)
	for {
		n, err := reader.Read(rows)
		for _, row := range rows[:n] {
			size := strconv.FormatInt(row.Size, 10)
			var lastModified string
			if !row.LastModifiedDate.IsZero() {
				lastModified = row.LastModifiedDate.UTC().Format(inventoryTimeLayout)
			}
			if ferr := fn(row.Key, size, lastModified, 4); ferr != nil {
				return ferr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("parse partition %s: %w", handle.Key, err)
		}
	}
}

// inventoryTimeLayout is the timestamp format S3 Inventory writes in CSV
// partitions.
const inventoryTimeLayout = "2006-01-02T15:04:05.000Z"

// parseInventoryTime parses an inventory last_modified value. The primary
// layout carries milliseconds; some exports omit them.
func parseInventoryTime(s string) (time.Time, error) {
	if t, err := time.Parse(inventoryTimeLayout, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02T15:04:05Z", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse inventory timestamp %q: %w", s, err)
	}
	return t, nil
}

// FormatFromManifest maps a manifest fileFormat value to a partition format.
func FormatFromManifest(fileFormat string) string {
	if strings.EqualFold(fileFormat, "parquet") {
		return FormatParquet
	}
	return FormatCSV
}
