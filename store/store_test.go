package store

import (
	"context"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tenderscout/simap_sync/models"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&models.Tender{}, &models.SyncState{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func mkTender(externalID string) models.Tender {
	return models.Tender{
		ID:            uuid.New(),
		ExternalID:    externalID,
		Source:        "simap",
		PublicationID: "pub-" + externalID,
		Title:         models.LocalizedText{"de": "Titel " + externalID},
		Status:        models.StatusOpen,
		Country:       "CH",
	}
}

func tenderCount(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&models.Tender{}).Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	return n
}

func TestUpsertBatch_NoDuplicates(t *testing.T) {
	db := testDB(t)
	s := NewTenders(db)
	ctx := context.Background()

	first := []models.Tender{mkTender("p-1"), mkTender("p-2")}
	if err := s.UpsertBatch(ctx, first); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Same external ids again, fresh surrogate ids, changed title.
	second := []models.Tender{mkTender("p-1"), mkTender("p-3")}
	second[0].Title = models.LocalizedText{"de": "Neuer Titel"}
	if err := s.UpsertBatch(ctx, second); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	if n := tenderCount(t, db); n != 3 {
		t.Errorf("tenders: got %d, want 3", n)
	}

	var got models.Tender
	if err := db.Where("external_id = ?", "p-1").First(&got).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Title["de"] != "Neuer Titel" {
		t.Errorf("title not refreshed: %v", got.Title)
	}
	if got.ID != first[0].ID {
		t.Error("re-upsert must keep the original surrogate id")
	}
}

func TestUpsert_PreservesStatusAndDetails(t *testing.T) {
	// WHAT: Re-harvesting a search row never resets the status machine and
	// never clobbers previously fetched details.
	db := testDB(t)
	s := NewTenders(db)
	ctx := context.Background()

	original := mkTender("p-1")
	if err := s.UpsertOne(ctx, original); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	fetchedAt := time.Date(2026, time.August, 20, 8, 0, 0, 0, time.UTC)
	err := s.UpdateFields(ctx, original.ID, map[string]any{
		"status":             models.StatusClosed,
		"details_fetched_at": fetchedAt,
		"description":        models.LocalizedText{"de": "Beschrieb"},
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := s.UpsertOne(ctx, mkTender("p-1")); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	var got models.Tender
	if err := db.Where("external_id = ?", "p-1").First(&got).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != models.StatusClosed {
		t.Errorf("status regressed to %q", got.Status)
	}
	if got.DetailsFetchedAt == nil {
		t.Error("details_fetched_at lost on re-upsert")
	}
	if got.Description["de"] != "Beschrieb" {
		t.Errorf("description lost on re-upsert: %v", got.Description)
	}
}

func TestExistingKeys(t *testing.T) {
	db := testDB(t)
	s := NewTenders(db)
	ctx := context.Background()

	if err := s.UpsertBatch(ctx, []models.Tender{mkTender("p-1"), mkTender("p-2")}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	existing, err := s.ExistingKeys(ctx, "simap", []string{"p-1", "p-2", "p-9"})
	if err != nil {
		t.Fatalf("existing keys: %v", err)
	}
	if !existing["p-1"] || !existing["p-2"] || existing["p-9"] {
		t.Errorf("existing: %v", existing)
	}

	other, err := s.ExistingKeys(ctx, "other-source", []string{"p-1"})
	if err != nil {
		t.Fatalf("existing keys: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("source filter leaked: %v", other)
	}

	none, err := s.ExistingKeys(ctx, "simap", nil)
	if err != nil || len(none) != 0 {
		t.Errorf("empty input: %v, %v", none, err)
	}
}

func TestDetailCandidates(t *testing.T) {
	db := testDB(t)
	s := NewTenders(db)
	ctx := context.Background()

	rows := []models.Tender{mkTender("p-1"), mkTender("p-2"), mkTender("p-3"), mkTender("p-4")}
	fetchedAt := time.Now().UTC()
	rows[1].DetailsFetchedAt = &fetchedAt
	rows[3].DeletedAt = &fetchedAt
	if err := s.UpsertBatch(ctx, rows); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	missing, err := s.DetailCandidates(ctx, "simap", uuid.Nil, 10, true)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(missing) != 2 {
		t.Fatalf("missing-only candidates: got %d, want 2 (enriched and deleted excluded)", len(missing))
	}

	all, err := s.DetailCandidates(ctx, "simap", uuid.Nil, 10, false)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all candidates: got %d, want 3", len(all))
	}

	// The id cursor pages through without revisiting.
	firstPage, err := s.DetailCandidates(ctx, "simap", uuid.Nil, 2, false)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(firstPage) != 2 {
		t.Fatalf("first page: got %d", len(firstPage))
	}
	secondPage, err := s.DetailCandidates(ctx, "simap", firstPage[1].ID, 2, false)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(secondPage) != 1 {
		t.Fatalf("second page: got %d, want 1", len(secondPage))
	}
	seen := map[uuid.UUID]bool{firstPage[0].ID: true, firstPage[1].ID: true}
	if seen[secondPage[0].ID] {
		t.Error("cursor revisited a row")
	}
}

func TestTransitionStatuses(t *testing.T) {
	db := testDB(t)
	s := NewTenders(db)
	ctx := context.Background()
	now := time.Date(2026, time.August, 24, 12, 0, 0, 0, time.UTC)

	in3d := now.AddDate(0, 0, 3)
	in30d := now.AddDate(0, 0, 30)
	passed := now.AddDate(0, 0, -1)

	closingSoon := mkTender("closing-soon")
	closingSoon.Deadline = &in3d
	farOut := mkTender("far-out")
	farOut.Deadline = &in30d
	expired := mkTender("expired")
	expired.Deadline = &passed
	noDeadline := mkTender("no-deadline")
	alreadyClosed := mkTender("already-closed")
	alreadyClosed.Status = models.StatusClosed
	alreadyClosed.Deadline = &in3d

	rows := []models.Tender{closingSoon, farOut, expired, noDeadline, alreadyClosed}
	if err := s.UpsertBatch(ctx, rows); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	// Upsert does not touch status columns, so force the closed one directly.
	if err := s.UpdateFields(ctx, alreadyClosed.ID, map[string]any{"status": models.StatusClosed}); err != nil {
		t.Fatalf("update: %v", err)
	}

	if err := s.TransitionStatuses(ctx, now, 7*24*time.Hour); err != nil {
		t.Fatalf("transition: %v", err)
	}

	want := map[string]string{
		"closing-soon":   models.StatusClosingSoon,
		"far-out":        models.StatusOpen,
		"expired":        models.StatusClosed,
		"no-deadline":    models.StatusOpen,
		"already-closed": models.StatusClosed,
	}
	for externalID, status := range want {
		var got models.Tender
		if err := db.Where("external_id = ?", externalID).First(&got).Error; err != nil {
			t.Fatalf("reload %s: %v", externalID, err)
		}
		if got.Status != status {
			t.Errorf("%s: got %q, want %q", externalID, got.Status, status)
		}
	}

	// A second pass changes nothing.
	if err := s.TransitionStatuses(ctx, now, 7*24*time.Hour); err != nil {
		t.Fatalf("second transition: %v", err)
	}
	var again models.Tender
	if err := db.Where("external_id = ?", "closing-soon").First(&again).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.Status != models.StatusClosingSoon {
		t.Errorf("idempotence: got %q", again.Status)
	}
}

func TestTransitionStatuses_ClosingSoonToClosed(t *testing.T) {
	db := testDB(t)
	s := NewTenders(db)
	ctx := context.Background()
	now := time.Date(2026, time.August, 24, 12, 0, 0, 0, time.UTC)

	deadline := now.AddDate(0, 0, 3)
	row := mkTender("p-1")
	row.Deadline = &deadline
	if err := s.UpsertOne(ctx, row); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := s.TransitionStatuses(ctx, now, 7*24*time.Hour); err != nil {
		t.Fatalf("transition: %v", err)
	}
	if err := s.TransitionStatuses(ctx, now.AddDate(0, 0, 5), 7*24*time.Hour); err != nil {
		t.Fatalf("transition after deadline: %v", err)
	}

	var got models.Tender
	if err := db.Where("external_id = ?", "p-1").First(&got).Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != models.StatusClosed {
		t.Errorf("status: got %q, want closed", got.Status)
	}
}

func TestCheckpoints_SaveLoadClear(t *testing.T) {
	db := testDB(t)
	s := NewCheckpoints(db)
	ctx := context.Background()

	missing, err := s.Load(ctx, "simap_search")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if missing != nil {
		t.Fatalf("load before save: got %+v, want nil", missing)
	}

	cursor := "20260824|100"
	err = s.Save(ctx, models.SyncState{
		ID:               "simap_search",
		LastCursor:       &cursor,
		LastRunStatus:    models.RunInProgress,
		RecordsProcessed: 100,
		LastRunAt:        time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}

	// Second save for the same stream overwrites, no duplicate key error.
	err = s.Save(ctx, models.SyncState{
		ID:               "simap_search",
		LastRunStatus:    models.RunCompleted,
		RecordsProcessed: 250,
		LastRunAt:        time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("second save: %v", err)
	}

	state, err := s.Load(ctx, "simap_search")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if state == nil {
		t.Fatal("load after save: got nil")
	}
	if state.LastRunStatus != models.RunCompleted || state.RecordsProcessed != 250 {
		t.Errorf("state: %+v", state)
	}
	if state.LastCursor != nil {
		t.Errorf("completed state must have no cursor, got %q", *state.LastCursor)
	}

	if err := s.Clear(ctx, "simap_search"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	state, err = s.Load(ctx, "simap_search")
	if err != nil || state != nil {
		t.Errorf("load after clear: %+v, %v", state, err)
	}
}
