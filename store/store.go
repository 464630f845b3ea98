// Package store provides the gorm-backed implementations of the harvest
// engine's persistence ports.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tenderscout/simap_sync/harvest"
	"github.com/tenderscout/simap_sync/models"
)

// Columns refreshed on re-upsert. Status and detail columns are deliberately
// absent: a re-harvested search row must not reset the status machine or
// clobber previously fetched details.
var searchUpdateColumns = []string{
	"source_url",
	"title",
	"project_number",
	"publication_number",
	"publication_id",
	"project_type",
	"project_sub_type",
	"process_type",
	"lots_type",
	"authority",
	"publication_date",
	"pub_type",
	"corrected",
	"region",
	"country",
	"order_address",
	"language",
	"raw_data",
	"updated_at",
}

var tenderConflict = clause.OnConflict{
	Columns:   []clause.Column{{Name: "external_id"}, {Name: "source"}},
	DoUpdates: clause.AssignmentColumns(searchUpdateColumns),
}

type Tenders struct {
	db *gorm.DB
}

var _ harvest.TenderStore = (*Tenders)(nil)

func NewTenders(db *gorm.DB) *Tenders {
	return &Tenders{db: db}
}

func (s *Tenders) UpsertBatch(ctx context.Context, tenders []models.Tender) error {
	if len(tenders) == 0 {
		return nil
	}

	return s.db.WithContext(ctx).Clauses(tenderConflict).Create(&tenders).Error
}

func (s *Tenders) UpsertOne(ctx context.Context, tender models.Tender) error {
	return s.db.WithContext(ctx).Clauses(tenderConflict).Create(&tender).Error
}

func (s *Tenders) ExistingKeys(ctx context.Context, source string, externalIDs []string) (map[string]bool, error) {
	if len(externalIDs) == 0 {
		return map[string]bool{}, nil
	}

	var found []string
	err := s.db.WithContext(ctx).
		Model(&models.Tender{}).
		Where("source = ? AND external_id IN ?", source, externalIDs).
		Pluck("external_id", &found).Error
	if err != nil {
		return nil, err
	}

	existing := make(map[string]bool, len(found))
	for _, id := range found {
		existing[id] = true
	}
	return existing, nil
}

func (s *Tenders) UpdateFields(ctx context.Context, id uuid.UUID, fields map[string]any) error {
	return s.db.WithContext(ctx).
		Model(&models.Tender{}).
		Where("id = ?", id).
		Updates(fields).Error
}

func (s *Tenders) DetailCandidates(ctx context.Context, source string, afterID uuid.UUID, limit int, onlyMissing bool) ([]models.Tender, error) {
	q := s.db.WithContext(ctx).
		Select("id", "external_id", "source", "publication_id", "project_number").
		Where("source = ? AND deleted_at IS NULL", source)

	if onlyMissing {
		q = q.Where("details_fetched_at IS NULL")
	}
	if afterID != uuid.Nil {
		q = q.Where("id > ?", afterID)
	}

	var tenders []models.Tender
	err := q.Order("id").Limit(limit).Find(&tenders).Error
	return tenders, err
}

// TransitionStatuses runs the deadline state machine as two set-based
// updates: open tenders entering the lookahead window become closing_soon,
// and anything whose deadline has passed becomes closed. Null deadlines
// never match, statuses never regress.
func (s *Tenders) TransitionStatuses(ctx context.Context, now time.Time, lookahead time.Duration) error {
	threshold := now.Add(lookahead)

	err := s.db.WithContext(ctx).
		Model(&models.Tender{}).
		Where("status = ? AND deadline >= ? AND deadline < ?", models.StatusOpen, now, threshold).
		Updates(map[string]any{
			"status":            models.StatusClosingSoon,
			"status_changed_at": now,
		}).Error
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).
		Model(&models.Tender{}).
		Where("status IN ? AND deadline < ?", []string{models.StatusOpen, models.StatusClosingSoon}, now).
		Updates(map[string]any{
			"status":            models.StatusClosed,
			"status_changed_at": now,
		}).Error
}
