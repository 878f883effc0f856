package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/previewops/orphansweep/internal/audit"
	"github.com/previewops/orphansweep/internal/cache"
	"github.com/previewops/orphansweep/internal/catalog"
	"github.com/previewops/orphansweep/internal/checkpoint"
	"github.com/previewops/orphansweep/internal/inventory"
	"github.com/previewops/orphansweep/internal/markers"
	"github.com/previewops/orphansweep/internal/metrics"
	"github.com/previewops/orphansweep/internal/reconcile"
	"github.com/previewops/orphansweep/internal/s3util"
	"github.com/previewops/orphansweep/internal/snapshot"
)

const hourLayout = "2006-01-02T15"

type sweepFlags struct {
	daysBack          int
	start             string
	end               string
	modifiedAfter     string
	modifiedBefore    string
	execute           bool
	batchSize         int
	includeNonOrphans bool
	report            string
}

func newSweepCmd(root *rootFlags) *cobra.Command {
	flags := &sweepFlags{}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Find orphaned preview files and delete them",
		Long: `sweep scans the marker namespace over a time window, reduces the latest
inventory snapshot, and deletes the preview files of projects that never
produced both markers. Without --execute the run is a dry run: it reports
what would be deleted without issuing a single delete call.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), root, flags)
		},
	}

	cmd.Flags().IntVar(&flags.daysBack, "days-back", 2, "scan markers this many days back from now")
	cmd.Flags().StringVar(&flags.start, "start", "", "scan window start hour (YYYY-MM-DDTHH, UTC; overrides --days-back)")
	cmd.Flags().StringVar(&flags.end, "end", "", "scan window end hour (YYYY-MM-DDTHH, UTC, exclusive)")
	cmd.Flags().StringVar(&flags.modifiedAfter, "modified-after", "", "only consider objects modified on or after this date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&flags.modifiedBefore, "modified-before", "", "only consider objects modified on or before this date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&flags.execute, "execute", false, "actually delete; default is dry run")
	cmd.Flags().IntVar(&flags.batchSize, "batch-size", 0, "keys per delete call (default from config, max 1000)")
	cmd.Flags().BoolVar(&flags.includeNonOrphans, "include-non-orphans", false, "also report the files of confirmed projects")
	cmd.Flags().StringVar(&flags.report, "report", "", "report destination (path or file://, s3:// URL; overrides config)")

	return cmd
}

func runSweep(ctx context.Context, root *rootFlags, flags *sweepFlags) error {
	cfg, err := loadConfig(root)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-ch:
			slog.Info("received signal, shutting down", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	window, err := resolveWindow(flags, time.Now())
	if err != nil {
		return err
	}
	dates, err := resolveDates(flags)
	if err != nil {
		return err
	}
	batchSize := cfg.Delete.BatchSize
	if flags.batchSize > 0 {
		batchSize = flags.batchSize
	}

	runID := uuid.NewString()
	startedAt := time.Now().UTC()
	slog.Info("starting sweep",
		"run_id", runID,
		"bucket", cfg.S3.Bucket,
		"window_start", window.Start,
		"window_end", window.End,
		"dry_run", !flags.execute)

	if cfg.Metrics.Enabled {
		metrics.Init("orphansweep")
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				slog.Error("metrics server failed", "error", err)
			}
		}()
	}

	store, err := s3util.New(ctx, s3util.Config{Region: cfg.S3.Region, Endpoint: cfg.S3.Endpoint})
	if err != nil {
		return fmt.Errorf("create S3 client: %w", err)
	}

	cacheMgr, err := cache.NewManager(cfg.Cache.Dir)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}

	var emitter audit.Emitter = audit.NopEmitter{}
	if cfg.Audit.Enabled {
		fileEmitter, err := audit.NewFileEmitter(cfg.Audit.Dir, runID)
		if err != nil {
			return fmt.Errorf("open audit trail: %w", err)
		}
		defer fileEmitter.Close()
		emitter = fileEmitter
	}

	recorder, err := catalog.NewRecorder(ctx, cfg.Catalog.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect run catalog: %w", err)
	}
	defer recorder.Close()

	checkpoints, err := checkpoint.NewManager(checkpoint.Config{
		Enabled: true,
		Dir:     cfg.Cache.Dir,
	})
	if err != nil {
		return fmt.Errorf("open checkpoints: %w", err)
	}

	reconciler := reconcile.NewReconciler(
		markers.NewScanner(store, cfg.S3.Bucket, cfg.Markers.Workers),
		inventory.NewLocator(store, cfg.Inventory.Bucket, cfg.Inventory.Prefix),
		inventory.NewFetcher(store, cacheMgr, cfg.Inventory.Workers),
		snapshot.NewReducer(cfg.Reduce.Workers),
		cfg.S3.Bucket,
		runID,
	)

	result, err := reconciler.FindOrphans(ctx, reconcile.Options{
		Window:            window,
		Dates:             dates,
		IncludeNonOrphans: flags.includeNonOrphans,
	})
	if err != nil {
		return err
	}

	saveCheckpoint(ctx, checkpoints, runID, cfg.S3.Bucket, "reduce", len(window.Hours()), 0)

	deleter := reconcile.NewDeleter(store, cfg.S3.Bucket, emitter, runID)
	stats, err := deleter.Delete(ctx, result.DeletableFiles(), !flags.execute, batchSize)
	if err != nil {
		return err
	}

	saveCheckpoint(ctx, checkpoints, runID, cfg.S3.Bucket, "done", len(window.Hours()), stats.Batches)

	report := reconcile.RenderReport(result, stats)
	fmt.Print(report)

	reportDest := cfg.Report.Dest
	if flags.report != "" {
		reportDest = flags.report
	}
	if reportDest != "" {
		location, err := reconcile.WriteReport(ctx, reportDest, runID, report)
		if err != nil {
			return fmt.Errorf("write report: %w", err)
		}
		slog.Info("report written", "location", location)
	}

	if err := recorder.Record(ctx, catalog.RunRecord{
		RunID:             runID,
		Bucket:            cfg.S3.Bucket,
		SnapshotPrefix:    result.SnapshotPrefix,
		SnapshotTime:      result.SnapshotTime,
		WindowStart:       window.Start,
		WindowEnd:         window.End,
		DryRun:            stats.DryRun,
		QualifiedProjects: len(result.QualifiedProjects),
		OrphanProjects:    len(result.OrphanProjects),
		OrphanFiles:       len(result.OrphanFiles),
		OrphanBytes:       result.OrphanBytes,
		FilesDeleted:      stats.FilesDeleted,
		FilesFailed:       stats.FilesFailed,
		Batches:           stats.Batches,
		StartedAt:         startedAt,
	}); err != nil {
		// The run itself succeeded; a catalog failure is not worth failing it.
		slog.Warn("failed to record run in catalog", "error", err)
	}

	if stats.FilesFailed > 0 {
		return fmt.Errorf("%d files failed to delete", stats.FilesFailed)
	}
	return nil
}

func saveCheckpoint(ctx context.Context, mgr checkpoint.Manager, runID, bucket, phase string, hours, batches int) {
	err := mgr.Save(ctx, &checkpoint.Checkpoint{
		RunID:          runID,
		Bucket:         bucket,
		Phase:          phase,
		HoursScanned:   hours,
		BatchesDeleted: batches,
	})
	if err != nil {
		slog.Warn("failed to save checkpoint", "error", err)
	}
}

// resolveWindow builds the marker scan window from flags.
func resolveWindow(flags *sweepFlags, now time.Time) (markers.Window, error) {
	if flags.start == "" && flags.end == "" {
		return markers.WindowEndingNow(flags.daysBack, now), nil
	}
	if flags.start == "" || flags.end == "" {
		return markers.Window{}, fmt.Errorf("--start and --end must be given together")
	}

	start, err := time.Parse(hourLayout, flags.start)
	if err != nil {
		return markers.Window{}, fmt.Errorf("parse --start: %w", err)
	}
	end, err := time.Parse(hourLayout, flags.end)
	if err != nil {
		return markers.Window{}, fmt.Errorf("parse --end: %w", err)
	}
	if !start.Before(end) {
		return markers.Window{}, fmt.Errorf("--start must be before --end")
	}
	return markers.Window{Start: start.UTC(), End: end.UTC()}, nil
}

// resolveDates builds the optional modification date filter. The bounds are
// inclusive; --modified-before covers the whole named day.
func resolveDates(flags *sweepFlags) (snapshot.DateRange, error) {
	var dates snapshot.DateRange

	if flags.modifiedAfter != "" {
		t, err := time.Parse("2006-01-02", flags.modifiedAfter)
		if err != nil {
			return snapshot.DateRange{}, fmt.Errorf("parse --modified-after: %w", err)
		}
		dates.After = t.UTC()
	}
	if flags.modifiedBefore != "" {
		t, err := time.Parse("2006-01-02", flags.modifiedBefore)
		if err != nil {
			return snapshot.DateRange{}, fmt.Errorf("parse --modified-before: %w", err)
		}
		dates.Before = t.UTC().Add(24*time.Hour - time.Nanosecond)
	}
	if dates.Active() && !dates.After.IsZero() && !dates.Before.IsZero() && dates.Before.Before(dates.After) {
		return snapshot.DateRange{}, fmt.Errorf("--modified-before is earlier than --modified-after")
	}
	return dates, nil
}
