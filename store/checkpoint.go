package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tenderscout/simap_sync/harvest"
	"github.com/tenderscout/simap_sync/models"
)

type Checkpoints struct {
	db *gorm.DB
}

var _ harvest.CheckpointStore = (*Checkpoints)(nil)

func NewCheckpoints(db *gorm.DB) *Checkpoints {
	return &Checkpoints{db: db}
}

func (s *Checkpoints) Load(ctx context.Context, streamID string) (*models.SyncState, error) {
	var state models.SyncState
	err := s.db.WithContext(ctx).Where("id = ?", streamID).First(&state).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *Checkpoints) Save(ctx context.Context, state models.SyncState) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"last_cursor",
			"last_run_status",
			"records_processed",
			"last_run_at",
			"metadata",
		}),
	}).Create(&state).Error
}

func (s *Checkpoints) Clear(ctx context.Context, streamID string) error {
	return s.db.WithContext(ctx).Delete(&models.SyncState{}, "id = ?", streamID).Error
}
