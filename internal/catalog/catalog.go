// Package catalog records completed sweep runs in PostgreSQL so operators
// can audit deletion history across machines. The catalog is optional; runs
// without a DSN use the no-op recorder.
package catalog

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/previewops/orphansweep/internal/logging"
)

//go:embed schema.sql
var schemaSQL string

// RunRecord is one completed sweep run.
type RunRecord struct {
	RunID             string
	Bucket            string
	SnapshotPrefix    string
	SnapshotTime      time.Time
	WindowStart       time.Time
	WindowEnd         time.Time
	DryRun            bool
	QualifiedProjects int
	OrphanProjects    int
	OrphanFiles       int
	OrphanBytes       int64
	FilesDeleted      int
	FilesFailed       int
	Batches           int
	StartedAt         time.Time
}

// Recorder persists run records.
type Recorder interface {
	Record(ctx context.Context, rec RunRecord) error
	Close()
}

// NewRecorder returns a Postgres recorder when dsn is set, otherwise a no-op.
func NewRecorder(ctx context.Context, dsn string) (Recorder, error) {
	if dsn == "" {
		return NopRecorder{}, nil
	}
	return NewPostgresRecorder(ctx, dsn)
}

// PostgresRecorder implements Recorder using PostgreSQL.
type PostgresRecorder struct {
	pool *pgxpool.Pool
}

// NewPostgresRecorder connects to the catalog database and ensures the
// schema exists.
func NewPostgresRecorder(ctx context.Context, dsn string) (*PostgresRecorder, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	logging.Component("catalog").Info("connected to run catalog")
	return &PostgresRecorder{pool: pool}, nil
}

// Record inserts one run row.
func (r *PostgresRecorder) Record(ctx context.Context, rec RunRecord) error {
	query := `
		INSERT INTO sweep_runs (
			run_id, bucket, snapshot_prefix, snapshot_time,
			window_start, window_end, dry_run,
			qualified_projects, orphan_projects, orphan_files, orphan_bytes,
			files_deleted, files_failed, batches, started_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (run_id) DO NOTHING
	`

	var snapshotTime *time.Time
	if !rec.SnapshotTime.IsZero() {
		snapshotTime = &rec.SnapshotTime
	}

	_, err := r.pool.Exec(ctx, query,
		rec.RunID,
		rec.Bucket,
		rec.SnapshotPrefix,
		snapshotTime,
		rec.WindowStart,
		rec.WindowEnd,
		rec.DryRun,
		rec.QualifiedProjects,
		rec.OrphanProjects,
		rec.OrphanFiles,
		rec.OrphanBytes,
		rec.FilesDeleted,
		rec.FilesFailed,
		rec.Batches,
		rec.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", rec.RunID, err)
	}
	return nil
}

// Close releases the connection pool.
func (r *PostgresRecorder) Close() {
	r.pool.Close()
}

// NopRecorder discards run records.
type NopRecorder struct{}

func (NopRecorder) Record(ctx context.Context, rec RunRecord) error { return nil }

func (NopRecorder) Close() {}
