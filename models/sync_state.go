package models

import (
	"time"

	"gorm.io/datatypes"
)

// Checkpoint run statuses.
const (
	RunInProgress  = "in_progress"
	RunInterrupted = "interrupted"
	RunCompleted   = "completed"
	RunFailed      = "failed"
)

// SyncState is the per-stream harvest checkpoint. One row per stream id;
// a completed checkpoint carries a null cursor.
type SyncState struct {
	ID               string         `gorm:"column:id;primaryKey" json:"id"`
	LastCursor       *string        `gorm:"column:last_cursor" json:"last_cursor,omitempty"`
	LastRunStatus    string         `gorm:"column:last_run_status" json:"last_run_status"`
	RecordsProcessed int            `gorm:"column:records_processed" json:"records_processed"`
	LastRunAt        time.Time      `gorm:"column:last_run_at" json:"last_run_at"`
	Metadata         datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`
}

func (s SyncState) TableName() string {
	return "sync_state"
}
