package harvest

import (
	"context"
	"time"

	"github.com/tenderscout/simap_sync/models"
	"github.com/tenderscout/simap_sync/simap"
)

// harvestPages runs the sequential fetch-and-upsert phase. Pages are
// processed one at a time: fetch, transform, upsert, then checkpoint — the
// checkpoint write happens after the page's upsert so a resumed run never
// skips an unwritten page.
//
// A transport or HTTP failure on any page ends the phase immediately (no
// retry at this layer) and is counted; already-processed pages stand as a
// partial success. The returned error is non-nil only for cancellation.
func (w *Worker) harvestPages(ctx context.Context) (Stats, error) {
	var stats Stats

	filters := w.searchFilters()
	cursor := w.loadCheckpointCursor(ctx)

	interrupted := false
	defer func() {
		// Exit-status write is unconditional, including mid-page
		// cancellation, so the run can be resumed later. The parent context
		// may already be canceled here.
		exitCtx := context.WithoutCancel(ctx)
		if interrupted {
			w.saveCheckpoint(exitCtx, cursor, models.RunInterrupted, stats.Fetched, map[string]any{
				"types": w.opts.ProjectSubTypes,
			})
			return
		}
		w.saveCheckpoint(exitCtx, "", models.RunCompleted, stats.Fetched, map[string]any{
			"types": w.opts.ProjectSubTypes,
		})
	}()

	for page := 1; ; page++ {
		if ctx.Err() != nil {
			w.log.Warn("harvest interrupted", "page", page)
			interrupted = true
			return stats, ctx.Err()
		}

		w.log.Info("fetching page", "page", page, "cursor", cursor)

		result, err := w.client.SearchProjects(ctx, filters, cursor)
		if err != nil {
			if ctx.Err() != nil {
				interrupted = true
				return stats, ctx.Err()
			}
			w.log.Error("page fetch failed", "page", page, "err", err)
			stats.Errors++
			interrupted = true
			return stats, nil
		}

		projects := result.Projects
		if len(projects) == 0 {
			w.log.Info("no more projects to fetch")
			return stats, nil
		}

		trimmed := false
		if w.opts.Limit > 0 {
			remaining := w.opts.Limit - stats.Fetched
			if len(projects) >= remaining {
				projects = projects[:remaining]
				trimmed = true
			}
		}

		stats.Fetched += len(projects)
		w.log.Info("fetched projects", "count", len(projects), "total", stats.Fetched)

		w.upsertProjects(ctx, projects, &stats)

		if trimmed {
			w.log.Info("reached record limit", "limit", w.opts.Limit)
			return stats, nil
		}

		if result.NextCursor == "" {
			return stats, nil
		}
		cursor = result.NextCursor

		w.saveCheckpoint(ctx, cursor, models.RunInProgress, stats.Fetched, map[string]any{
			"page":  page,
			"types": w.opts.ProjectSubTypes,
		})

		if page >= maxPages {
			w.log.Warn("reached maximum page limit", "pages", maxPages)
			return stats, nil
		}
	}
}

func (w *Worker) searchFilters() simap.SearchFilters {
	f := simap.SearchFilters{
		Lang:            "de",
		ProjectSubTypes: w.opts.ProjectSubTypes,
		SwissOnly:       w.opts.SwissOnly,
	}
	if len(f.ProjectSubTypes) == 0 {
		f.ProjectSubTypes = simap.ProjectSubTypes
	}
	if w.opts.DaysBack > 0 {
		from := w.now().UTC().AddDate(0, 0, -w.opts.DaysBack)
		f.PublicationFrom = from.Format(time.DateOnly)
	}
	return f
}
