package harvest

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/tenderscout/simap_sync/models"
	"github.com/tenderscout/simap_sync/simap"
)

// SourceClient is the SIMAP API surface the engine needs.
type SourceClient interface {
	SearchProjects(ctx context.Context, f simap.SearchFilters, cursor string) (simap.SearchPage, error)
	PublicationDetails(ctx context.Context, projectID, publicationID string) (map[string]any, error)
}

// TenderStore is the record store: conflict-aware batch upsert keyed on
// (external_id, source), per-record field patches, and cursor-paginated
// candidate selection.
type TenderStore interface {
	UpsertBatch(ctx context.Context, tenders []models.Tender) error
	UpsertOne(ctx context.Context, tender models.Tender) error

	// ExistingKeys reports which of the given external ids already have a row
	// for the source.
	ExistingKeys(ctx context.Context, source string, externalIDs []string) (map[string]bool, error)

	// UpdateFields applies a partial column patch to one tender.
	UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) error

	// DetailCandidates returns up to limit tenders with id > afterID in id
	// order. With onlyMissing, rows that already have details are skipped.
	DetailCandidates(ctx context.Context, source string, afterID uuid.UUID, limit int, onlyMissing bool) ([]models.Tender, error)

	// TransitionStatuses applies the deadline-driven status changes in one
	// set-based pass. Rows without a deadline are untouched.
	TransitionStatuses(ctx context.Context, now time.Time, lookahead time.Duration) error
}

// CheckpointStore persists per-stream harvest progress.
type CheckpointStore interface {
	// Load returns nil with no error when no checkpoint exists.
	Load(ctx context.Context, streamID string) (*models.SyncState, error)
	Save(ctx context.Context, state models.SyncState) error
	Clear(ctx context.Context, streamID string) error
}
