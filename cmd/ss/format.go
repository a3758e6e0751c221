package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/engine"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/events"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/journal"
	"github.com/Adithya-Monish-Kumar-K/sonic-search/internal/searcher/executor"
)

// maxDiagnostics bounds how many walk problems a scan prints.
const maxDiagnostics = 10

func printSummary(w io.Writer, s engine.ScanSummary) {
	fmt.Fprintf(w, "Scan complete in %s\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "   Files found:  %s (%s)\n", humanize.Comma(int64(s.FilesSeen)), humanize.IBytes(uint64(max(s.TotalBytes, 0))))
	fmt.Fprintf(w, "   Directories:  %s\n", humanize.Comma(int64(s.DirsScanned)))
	fmt.Fprintf(w, "   Indexed:      %s\n", humanize.Comma(int64(s.Indexed)))
	fmt.Fprintf(w, "   Unchanged:    %s\n", humanize.Comma(int64(s.Unchanged)))
	fmt.Fprintf(w, "   Removed:      %s\n", humanize.Comma(int64(s.Removed)))
	if s.SkippedDirs > 0 {
		fmt.Fprintf(w, "   Skipped dirs: %d\n", s.SkippedDirs)
	}
	if len(s.Repaired) > 0 {
		fmt.Fprintf(w, "   Repaired:     %d corrupt segments dropped\n", len(s.Repaired))
	}
	fmt.Fprintf(w, "   Generation:   %d\n", s.Generation)
	if len(s.Diagnostics) == 0 {
		return
	}
	fmt.Fprintf(w, "   Problems:     %d\n", len(s.Diagnostics))
	for i, d := range s.Diagnostics {
		if i == maxDiagnostics {
			fmt.Fprintf(w, "     ... and %d more\n", len(s.Diagnostics)-maxDiagnostics)
			break
		}
		fmt.Fprintf(w, "     [%s] %s\n", d.Kind, d)
	}
}

func printResults(w io.Writer, res *executor.Results, limit int) {
	total := res.Total()
	if total == 0 {
		fmt.Fprintln(w, "No matches.")
		return
	}
	for _, r := range res.Collect(limit) {
		fmt.Fprintf(w, "%6.2f  %s  (%s, %s)\n", r.Score, r.Path, humanize.IBytes(uint64(max(r.Size, 0))), humanize.Time(r.ModTime))
		if r.Snippet != "" {
			fmt.Fprintf(w, "        %s\n", r.Snippet)
		}
	}
	if rest := res.Remaining(); rest > 0 {
		fmt.Fprintf(w, "... %s more (of %s)\n", humanize.Comma(int64(rest)), humanize.Comma(int64(total)))
	}
}

func printResultsJSON(w io.Writer, res *executor.Results, limit int) error {
	enc := json.NewEncoder(w)
	for _, r := range res.Collect(limit) {
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	return nil
}

func printStats(w io.Writer, s engine.Stats) {
	fmt.Fprintf(w, "Documents:   %s\n", humanize.Comma(int64(s.Documents)))
	fmt.Fprintf(w, "Segments:    %d\n", s.Segments)
	fmt.Fprintf(w, "Tombstones:  %s\n", humanize.Comma(int64(s.Tombstones)))
	fmt.Fprintf(w, "Size:        %s\n", humanize.IBytes(uint64(max(s.SizeBytes, 0))))
	fmt.Fprintf(w, "Generation:  %d\n", s.Generation)
	if s.Pending > 0 {
		fmt.Fprintf(w, "Unflushed:   %d\n", s.Pending)
	}
	if s.Corrupt > 0 {
		fmt.Fprintf(w, "Corrupt:     %d (run ss repair)\n", s.Corrupt)
	}
}

func printHistory(w io.Writer, runs []journal.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No scans recorded.")
		return
	}
	for _, r := range runs {
		id := r.ID
		if len(id) > 8 {
			id = id[:8]
		}
		fmt.Fprintf(w, "%s  %-7s  %-14s  %8s  indexed %s, removed %s, skipped %d  %v\n",
			id, r.Status, humanize.Time(r.StartedAt), r.Elapsed().Round(time.Millisecond),
			humanize.Comma(int64(r.Indexed)), humanize.Comma(int64(r.Removed)), r.SkippedDirs, r.Roots)
		if r.Error != "" {
			fmt.Fprintf(w, "          error: %s\n", r.Error)
		}
	}
}

func printCommit(w io.Writer, ev events.CommitEvent) {
	fmt.Fprintf(w, "%s  gen %d  %-8s  +%v -%v  docs %s  (%s:%s)\n",
		ev.Timestamp.Local().Format(time.TimeOnly), ev.Generation, ev.Reason, ev.Added, ev.Removed,
		humanize.Comma(int64(ev.Documents)), ev.Host, ev.IndexDir)
}
