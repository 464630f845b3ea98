package harvest

import (
	"context"

	"github.com/tenderscout/simap_sync/models"
)

// upsertProjects transforms one page of raw documents and writes them in
// fixed-size batches. A failed batch falls back to per-record writes so one
// malformed record cannot sink its neighbours.
func (w *Worker) upsertProjects(ctx context.Context, projects []map[string]any, stats *Stats) {
	now := w.now().UTC()

	records := make([]models.Tender, 0, len(projects))
	for _, project := range projects {
		tender, err := TransformProject(project, w.opts.Source, w.sourceURLBase(), now)
		if err != nil {
			w.log.Error("transform error", "err", err)
			stats.Errors++
			continue
		}
		records = append(records, tender)
	}

	if len(records) == 0 {
		return
	}

	if w.opts.DryRun {
		w.log.Info("dry run: would upsert tenders", "count", len(records))
		return
	}

	for start := 0; start < len(records); start += w.opts.BatchSize {
		end := start + w.opts.BatchSize
		if end > len(records) {
			end = len(records)
		}
		w.upsertBatch(ctx, records[start:end], stats)
	}
}

func (w *Worker) upsertBatch(ctx context.Context, batch []models.Tender, stats *Stats) {
	keys := make([]string, 0, len(batch))
	for _, t := range batch {
		keys = append(keys, t.ExternalID)
	}

	existing, err := w.tenders.ExistingKeys(ctx, w.opts.Source, keys)
	if err != nil {
		w.log.Warn("existing key lookup failed", "err", err)
		existing = nil
	}

	if err := w.tenders.UpsertBatch(ctx, batch); err != nil {
		w.log.Error("batch upsert failed, falling back to single writes", "size", len(batch), "err", err)
		w.upsertIndividually(ctx, batch, existing, stats)
		return
	}

	for _, t := range batch {
		if existing[t.ExternalID] {
			stats.Updated++
		} else {
			stats.Inserted++
		}
	}
	w.log.Info("batch upserted tenders", "count", len(batch))
}

// upsertIndividually isolates a bad record: only records that individually
// fail are counted as errors.
func (w *Worker) upsertIndividually(ctx context.Context, batch []models.Tender, existing map[string]bool, stats *Stats) {
	for _, t := range batch {
		if err := w.tenders.UpsertOne(ctx, t); err != nil {
			w.log.Error("upsert failed", "external_id", t.ExternalID, "err", err)
			stats.Errors++
			continue
		}
		if existing[t.ExternalID] {
			stats.Updated++
		} else {
			stats.Inserted++
		}
	}
}
