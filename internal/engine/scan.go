package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/journal"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/walker"
	apperrors "github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/pkg/tracing"
)

// ScanSummary reports one full walk and index pass.
type ScanSummary struct {
	ID          string
	Roots       []string
	Indexed     int
	Unchanged   int
	Removed     int
	FilesSeen   int
	DirsScanned int
	SkippedDirs int
	TotalBytes  int64
	Elapsed     time.Duration
	Diagnostics []walker.Diagnostic
	Generation  uint64
	Repaired    []uint64
	Phases      []tracing.Phase
}

// Scan walks roots and brings the index in line with what it finds: new
// and changed files are indexed, unchanged ones skipped and vanished ones
// tombstoned. Unreadable directories and files end up in Diagnostics and
// do not fail the call. Corrupt segments are dropped first so their files
// are indexed again.
func (e *Engine) Scan(ctx context.Context, roots []string, ignore walker.IgnoreConfig) (ScanSummary, error) {
	if e.isClosed() {
		return ScanSummary{}, apperrors.ErrClosed
	}
	if len(roots) == 0 {
		return ScanSummary{}, apperrors.New(apperrors.KindTransient, "scan", "", apperrors.ErrInvalidRoot)
	}
	start := time.Now()
	summary := ScanSummary{Roots: roots}

	var run journal.Run
	if e.journal != nil {
		r, err := e.journal.Start(ctx, roots)
		if err != nil {
			e.logger.Warn("recording scan start failed", "error", err)
		} else {
			run = r
		}
	}
	summary.ID = run.ID
	if summary.ID == "" {
		summary.ID = uuid.NewString()
	}
	ctx = logger.WithScanID(ctx, summary.ID)
	ctx, span := tracing.StartSpan(ctx, "scan", summary.ID)
	log := logger.FromContext(ctx).With("component", "engine")
	log.Info("scan started", "roots", roots)

	if len(e.store.Corrupt()) > 0 {
		_, rspan := tracing.StartChildSpan(ctx, "repair")
		res, err := e.indexer.Repair(ctx)
		rspan.SetAttr("segments", len(res.Segments))
		rspan.End()
		if err != nil {
			return e.finishScan(ctx, span, run, summary, start, err)
		}
		summary.Repaired = res.Segments
	}

	_, wspan := tracing.StartChildSpan(ctx, "walk_index")
	stream := e.walker.Walk(ctx, roots, ignore)
	res, err := e.indexer.Scan(ctx, stream)
	wspan.SetAttr("files", res.Walk.FilesEmitted)
	wspan.End()

	summary.Indexed = res.Indexed
	summary.Unchanged = res.Unchanged
	summary.Removed = res.Removed
	summary.FilesSeen = res.Walk.FilesEmitted
	summary.DirsScanned = res.Walk.DirsScanned
	summary.SkippedDirs = res.Walk.SkippedDirs
	summary.TotalBytes = res.Walk.TotalBytes
	summary.Diagnostics = append(res.Walk.Diagnostics, res.Diagnostics...)
	summary.Generation = res.Generation

	if err == nil && len(res.Walk.ValidRoots) == 0 {
		err = apperrors.New(apperrors.KindTransient, "scan", strings.Join(roots, ","), apperrors.ErrInvalidRoot)
	}
	if err != nil && !isCancel(err) && apperrors.KindOf(err) == apperrors.KindUnknown {
		err = apperrors.New(apperrors.KindFatal, "scan", strings.Join(roots, ","), err)
	}
	return e.finishScan(ctx, span, run, summary, start, err)
}

func (e *Engine) finishScan(ctx context.Context, span *tracing.Span, run journal.Run, summary ScanSummary, start time.Time, scanErr error) (ScanSummary, error) {
	log := logger.FromContext(ctx).With("component", "engine")
	summary.Elapsed = time.Since(start)

	if e.journal != nil && run.ID != "" {
		_, jspan := tracing.StartChildSpan(ctx, "journal")
		run.Status = journal.StatusOK
		if scanErr != nil {
			run.Status = journal.StatusFailed
			run.Error = scanErr.Error()
		}
		run.Indexed = summary.Indexed
		run.Unchanged = summary.Unchanged
		run.Removed = summary.Removed
		run.FilesSeen = summary.FilesSeen
		run.DirsScanned = summary.DirsScanned
		run.SkippedDirs = summary.SkippedDirs
		run.Bytes = summary.TotalBytes
		run.Diagnostics = len(summary.Diagnostics)
		run.Generation = summary.Generation
		// The caller's context may be the reason the scan stopped.
		jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := e.journal.Finish(jctx, run); err != nil {
			log.Warn("recording scan result failed", "error", err)
		}
		cancel()
		jspan.End()
	}

	span.End()
	span.Log(log)
	summary.Phases = span.Phases()

	if scanErr != nil {
		log.Error("scan failed", "error", scanErr, "elapsed", summary.Elapsed)
		return summary, scanErr
	}
	log.Info("scan finished",
		"indexed", summary.Indexed,
		"unchanged", summary.Unchanged,
		"removed", summary.Removed,
		"skipped_dirs", summary.SkippedDirs,
		"diagnostics", len(summary.Diagnostics),
		"generation", summary.Generation,
		"elapsed", summary.Elapsed,
	)
	return summary, nil
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
