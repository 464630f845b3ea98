// Package harvest implements the incremental SIMAP harvesting engine:
// cursor-based pagination with checkpoint resume, batch upsert with a
// per-record fallback, deadline-driven status transitions, and bounded-
// concurrency detail enrichment.
package harvest

import (
	"context"
	"log/slog"
	"time"

	"github.com/tenderscout/simap_sync/models"
)

const (
	// Safety valve against a misbehaving cursor that never terminates.
	maxPages = 1000

	defaultBatchSize     = 100
	defaultWindowSize    = 100
	defaultMaxConcurrent = 10
	defaultStreamID      = "simap_search"

	// Deadline lookahead for marking tenders closing_soon.
	closingSoonWindow = 7 * 24 * time.Hour
)

// Options configure one harvest run.
type Options struct {
	Source        string // origin tag stored on every record
	StreamID      string // checkpoint key
	SourceURLBase string // public site prefix for source_url

	ProjectSubTypes []string
	DaysBack        int  // 0 means no publication-date filter
	SwissOnly       bool
	Limit           int // max records to fetch, 0 = unlimited

	FetchDetails   bool
	RefreshDetails bool // re-fetch details even when already present
	DetailsLimit   int
	DetailDelay    time.Duration // courtesy pause between enrichment windows
	MaxConcurrent  int

	Resume      bool
	Checkpoints bool
	DryRun      bool

	BatchSize  int
	WindowSize int

	Retry RetryPolicy
}

type Worker struct {
	client      SourceClient
	tenders     TenderStore
	checkpoints CheckpointStore
	opts        Options
	log         *slog.Logger
	now         func() time.Time
}

func New(client SourceClient, tenders TenderStore, checkpoints CheckpointStore, opts Options, log *slog.Logger) *Worker {
	if opts.Source == "" {
		opts.Source = "simap"
	}
	if opts.StreamID == "" {
		opts.StreamID = defaultStreamID
	}
	if opts.SourceURLBase == "" {
		opts.SourceURLBase = "https://www.simap.ch"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.WindowSize <= 0 {
		opts.WindowSize = defaultWindowSize
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = defaultMaxConcurrent
	}
	if log == nil {
		log = slog.Default()
	}

	return &Worker{
		client:      client,
		tenders:     tenders,
		checkpoints: checkpoints,
		opts:        opts,
		log:         log,
		now:         time.Now,
	}
}

// Run executes the full harvest: paginate and upsert, transition statuses,
// then enrich details. Single-record and single-page failures are counted,
// not fatal; only cancellation aborts the sequence.
func (w *Worker) Run(ctx context.Context) (Stats, error) {
	var total Stats

	pageStats, err := w.harvestPages(ctx)
	total.Add(pageStats)
	if err != nil {
		// Cancellation. The interrupted checkpoint is already written.
		w.logSummary(total)
		return total, err
	}

	if total.Fetched > 0 {
		total.Add(w.transitionStatuses(ctx))
	}

	if w.opts.FetchDetails {
		detailStats, err := w.enrichDetails(ctx)
		total.Add(detailStats)
		if err != nil {
			w.logSummary(total)
			return total, err
		}
	}

	w.logSummary(total)
	return total, nil
}

// EnrichOnly runs the detail enrichment phase alone (backfill mode).
func (w *Worker) EnrichOnly(ctx context.Context) (Stats, error) {
	stats, err := w.enrichDetails(ctx)
	w.logSummary(stats)
	return stats, err
}

func (w *Worker) sourceURLBase() string {
	return w.opts.SourceURLBase
}

func (w *Worker) transitionStatuses(ctx context.Context) Stats {
	var stats Stats

	if w.opts.DryRun {
		w.log.Info("dry run: would update tender statuses")
		return stats
	}

	if err := w.tenders.TransitionStatuses(ctx, w.now().UTC(), closingSoonWindow); err != nil {
		w.log.Error("status transition failed", "err", err)
		stats.Errors++
		return stats
	}

	w.log.Info("tender statuses updated")
	return stats
}

func (w *Worker) logSummary(s Stats) {
	w.log.Info("run summary",
		"dry_run", w.opts.DryRun,
		"fetched", s.Fetched,
		"inserted", s.Inserted,
		"updated", s.Updated,
		"details_fetched", s.DetailsFetched,
		"details_errors", s.DetailsErrors,
		"errors", s.Errors,
	)
}

// saveCheckpoint is best-effort: a failed save must never abort a harvest
// that is otherwise succeeding.
func (w *Worker) saveCheckpoint(ctx context.Context, cursor string, status string, records int, meta map[string]any) {
	if w.opts.DryRun || !w.opts.Checkpoints {
		return
	}

	state := models.SyncState{
		ID:               w.opts.StreamID,
		LastRunStatus:    status,
		RecordsProcessed: records,
		LastRunAt:        w.now().UTC(),
		Metadata:         rawJSON(meta),
	}
	if cursor != "" {
		state.LastCursor = &cursor
	}

	if err := w.checkpoints.Save(ctx, state); err != nil {
		w.log.Warn("checkpoint save failed", "stream", w.opts.StreamID, "err", err)
	}
}

func (w *Worker) loadCheckpointCursor(ctx context.Context) string {
	if !w.opts.Resume || !w.opts.Checkpoints {
		return ""
	}

	state, err := w.checkpoints.Load(ctx, w.opts.StreamID)
	if err != nil {
		w.log.Debug("checkpoint load failed", "stream", w.opts.StreamID, "err", err)
		return ""
	}
	if state == nil || state.LastCursor == nil {
		return ""
	}
	if state.LastRunStatus != models.RunInProgress && state.LastRunStatus != models.RunInterrupted {
		return ""
	}

	w.log.Info("resuming from checkpoint",
		"stream", w.opts.StreamID,
		"status", state.LastRunStatus,
		"records", state.RecordsProcessed,
		"cursor", *state.LastCursor,
	)
	return *state.LastCursor
}
