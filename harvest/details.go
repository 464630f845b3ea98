package harvest

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tenderscout/simap_sync/models"
	"github.com/tenderscout/simap_sync/simap"
)

// enrichDetails fetches publication details for tenders that still lack them,
// in fixed-size windows with at most MaxConcurrent requests in flight. The
// candidate scan follows a monotonic id cursor, so a row is visited at most
// once per pass even when detail writes race with the reads.
//
// Per-call failures are counted, never fatal; a 4xx other than 429 means the
// publication has no detail and is skipped silently. The returned error is
// non-nil only for cancellation.
func (w *Worker) enrichDetails(ctx context.Context) (Stats, error) {
	var stats Stats

	if w.opts.DryRun {
		w.log.Info("dry run: would fetch tender details")
		return stats, nil
	}

	if closer, ok := w.client.(interface{ CloseIdleConnections() }); ok {
		defer closer.CloseIdleConnections()
	}

	w.log.Info("fetching publication details", "max_concurrent", w.opts.MaxConcurrent)

	var (
		afterID   uuid.UUID
		processed int
		window    int
	)

	for {
		size := w.opts.WindowSize
		if w.opts.DetailsLimit > 0 {
			remaining := w.opts.DetailsLimit - processed
			if remaining <= 0 {
				w.log.Info("reached details limit", "limit", w.opts.DetailsLimit)
				break
			}
			if size > remaining {
				size = remaining
			}
		}

		candidates, err := w.tenders.DetailCandidates(ctx, w.opts.Source, afterID, size, !w.opts.RefreshDetails)
		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}
			w.log.Error("candidate query failed", "err", err)
			stats.Errors++
			break
		}
		if len(candidates) == 0 {
			if processed == 0 {
				w.log.Info("no tenders need details")
			}
			break
		}

		// Rate-limit courtesy between windows, never before the first.
		if window > 0 && w.opts.DetailDelay > 0 {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-time.After(w.opts.DetailDelay):
			}
		}

		w.log.Info("processing detail window", "count", len(candidates), "window", window+1)
		stats.Add(w.enrichWindow(ctx, candidates))

		if ctx.Err() != nil {
			return stats, ctx.Err()
		}

		afterID = candidates[len(candidates)-1].ID
		processed += len(candidates)
		window++

		if len(candidates) < size {
			break
		}
	}

	w.log.Info("detail enrichment done", "processed", processed)
	return stats, nil
}

// enrichWindow fans the window's candidates out over a bounded pool and
// waits for all of them before returning.
func (w *Worker) enrichWindow(ctx context.Context, candidates []models.Tender) Stats {
	var (
		mu    sync.Mutex
		stats Stats
		wg    sync.WaitGroup
	)
	sem := make(chan struct{}, w.opts.MaxConcurrent)

	for _, candidate := range candidates {
		// A candidate without both identifiers cannot be looked up; skip
		// silently, it is not an error.
		if candidate.ExternalID == "" || candidate.PublicationID == "" {
			continue
		}

		wg.Add(1)
		go func(t models.Tender) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				return
			}

			fetched, errored := w.enrichOne(ctx, t)

			mu.Lock()
			if fetched {
				stats.DetailsFetched++
			}
			if errored {
				stats.DetailsErrors++
			}
			mu.Unlock()
		}(candidate)
	}

	wg.Wait()
	return stats
}

func (w *Worker) enrichOne(ctx context.Context, t models.Tender) (fetched, errored bool) {
	var details map[string]any

	err := w.opts.Retry.Do(ctx, func(ctx context.Context) error {
		var err error
		details, err = w.client.PublicationDetails(ctx, t.ExternalID, t.PublicationID)
		return err
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false, false
		}
		if simap.IsNotAvailable(err) {
			// Many publications simply have no detail document.
			w.log.Debug("no details available", "external_id", t.ExternalID)
			return false, false
		}
		w.log.Warn("detail fetch failed", "external_id", t.ExternalID, "err", err)
		return false, true
	}

	fields := TransformDetail(details, w.now().UTC())

	if err := w.tenders.UpdateFields(ctx, t.ID, fields); err != nil {
		w.log.Error("detail update failed", "id", t.ID, "err", err)
		return false, true
	}

	return true, false
}
