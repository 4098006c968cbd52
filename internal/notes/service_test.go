package notes

import (
	"context"
	"errors"
	"testing"
)

func TestCreateNotePersistsAndReturnsRecord(t *testing.T) {
	clock := &manualClock{nowMs: 1700000000000}
	service, db := newTestService(t, []string{"tag-1", "tag-2"}, clock)
	userID := mustUserID(t, "user-1")

	record, err := service.CreateNote(context.Background(), userID, NoteInput{
		NoteID:  "note-1",
		Title:   "first note",
		Content: `{"blocks":[{"text":"hello"}]}`,
		Tags:    []string{"#a", "#b"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if record.NoteID != "note-1" {
		t.Fatalf("expected client id to be kept, got %q", record.NoteID)
	}
	if record.UpdatedAtMs != 1700000000000 {
		t.Fatalf("expected store clock timestamp, got %d", record.UpdatedAtMs)
	}
	if record.CreatedAtMs != record.UpdatedAtMs {
		t.Fatalf("fresh note should have equal timestamps")
	}
	if len(record.Tags) != 2 {
		t.Fatalf("expected 2 tags, got %v", record.Tags)
	}

	var stored Note
	if err := db.First(&stored).Error; err != nil {
		t.Fatalf("failed to load stored note: %v", err)
	}
	if stored.Title != "first note" {
		t.Fatalf("unexpected stored title %q", stored.Title)
	}
	content, err := decompressContent(stored.ContentGZ)
	if err != nil {
		t.Fatalf("failed to decompress stored content: %v", err)
	}
	if content != `{"blocks":[{"text":"hello"}]}` {
		t.Fatalf("content did not round-trip, got %q", content)
	}
}

func TestCreateNoteIsIdempotentOnReplay(t *testing.T) {
	clock := &manualClock{nowMs: 1700000000000}
	service, db := newTestService(t, nil, clock)
	userID := mustUserID(t, "user-1")

	input := NoteInput{NoteID: "note-1", Title: "replayed", Content: `{"v":1}`}
	if _, err := service.CreateNote(context.Background(), userID, input); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	clock.Advance(500)
	input.Content = `{"v":2}`
	record, err := service.CreateNote(context.Background(), userID, input)
	if err != nil {
		t.Fatalf("replayed create failed: %v", err)
	}
	if record.Content != `{"v":2}` {
		t.Fatalf("replay should carry latest fields, got %q", record.Content)
	}
	if record.CreatedAtMs != 1700000000000 {
		t.Fatalf("replay should keep original creation time, got %d", record.CreatedAtMs)
	}

	var count int64
	if err := db.Model(&Note{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count notes: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single note row, got %d", count)
	}
}

func TestCreateNoteValidatesInput(t *testing.T) {
	clock := &manualClock{nowMs: 1700000000000}
	service, _ := newTestService(t, nil, clock)
	userID := mustUserID(t, "user-1")

	tests := []struct {
		name  string
		input NoteInput
	}{
		{name: "missing-title", input: NoteInput{Content: `{}`}},
		{name: "missing-content", input: NoteInput{Title: "x"}},
		{name: "blank-tag", input: NoteInput{Title: "x", Content: `{}`, Tags: []string{"  "}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := service.CreateNote(context.Background(), userID, tt.input)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("expected validation failure, got %v", err)
			}
		})
	}
}

func TestUpdateNoteConflictRoundTrip(t *testing.T) {
	clock := &manualClock{nowMs: 100}
	service, _ := newTestService(t, nil, clock)
	userID := mustUserID(t, "user-1")
	noteID := mustNoteID(t, "note-1")

	if _, err := service.CreateNote(context.Background(), userID, NoteInput{
		NoteID: "note-1", Title: "stored", Content: `{"v":1}`,
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	clock.Advance(100)
	_, err := service.UpdateNote(context.Background(), userID, noteID, 50, false, NoteInput{
		Title: "incoming", Content: `{"v":2}`,
	})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if conflict.UpdatedAtMs != 100 {
		t.Fatalf("conflict should carry server timestamp 100, got %d", conflict.UpdatedAtMs)
	}
	if conflict.Title != "stored" {
		t.Fatalf("conflict should carry server title, got %q", conflict.Title)
	}

	record, err := service.UpdateNote(context.Background(), userID, noteID, conflict.UpdatedAtMs, true, NoteInput{
		Title: "incoming", Content: `{"v":2}`,
	})
	if err != nil {
		t.Fatalf("overwrite update failed: %v", err)
	}
	if record.UpdatedAtMs <= 100 {
		t.Fatalf("expected timestamp to advance past 100, got %d", record.UpdatedAtMs)
	}
	if record.Title != "incoming" {
		t.Fatalf("expected updated title, got %q", record.Title)
	}
}

func TestUpdateNoteTwoClientRace(t *testing.T) {
	clock := &manualClock{nowMs: 100}
	service, _ := newTestService(t, nil, clock)
	userID := mustUserID(t, "user-1")
	noteID := mustNoteID(t, "note-1")

	if _, err := service.CreateNote(context.Background(), userID, NoteInput{
		NoteID: "note-1", Title: "base", Content: `{"v":0}`,
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	// Client A updates from basis 100 and wins.
	clock.Advance(50)
	recordA, err := service.UpdateNote(context.Background(), userID, noteID, 100, false, NoteInput{
		Title: "from A", Content: `{"v":"a"}`,
	})
	if err != nil {
		t.Fatalf("client A update failed: %v", err)
	}
	if recordA.UpdatedAtMs != 150 {
		t.Fatalf("expected A to land at 150, got %d", recordA.UpdatedAtMs)
	}

	// Client B still holds basis 100 and must be rejected with A's timestamp.
	_, err = service.UpdateNote(context.Background(), userID, noteID, 100, false, NoteInput{
		Title: "from B", Content: `{"v":"b"}`,
	})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict for client B, got %v", err)
	}
	if conflict.UpdatedAtMs != 150 {
		t.Fatalf("conflict should report 150, got %d", conflict.UpdatedAtMs)
	}
	if conflict.Title != "from A" {
		t.Fatalf("conflict should report A's title, got %q", conflict.Title)
	}
}

func TestUpdateNoteMissingReturnsNotFound(t *testing.T) {
	clock := &manualClock{nowMs: 100}
	service, _ := newTestService(t, nil, clock)
	userID := mustUserID(t, "user-1")

	_, err := service.UpdateNote(context.Background(), userID, mustNoteID(t, "ghost"), 0, false, NoteInput{
		Title: "x", Content: `{}`,
	})
	if !errors.Is(err, ErrNoteNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteNoteIsIdempotent(t *testing.T) {
	clock := &manualClock{nowMs: 100}
	service, db := newTestService(t, nil, clock)
	userID := mustUserID(t, "user-1")
	noteID := mustNoteID(t, "note-1")

	if err := service.DeleteNote(context.Background(), userID, noteID); err != nil {
		t.Fatalf("delete of unseen note should be a no-op, got %v", err)
	}

	if _, err := service.CreateNote(context.Background(), userID, NoteInput{
		NoteID: "note-1", Title: "x", Content: `{}`,
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := service.DeleteNote(context.Background(), userID, noteID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := service.DeleteNote(context.Background(), userID, noteID); err != nil {
		t.Fatalf("repeat delete should be a no-op, got %v", err)
	}

	var count int64
	if err := db.Model(&Note{}).Count(&count).Error; err != nil {
		t.Fatalf("failed to count notes: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no note rows, got %d", count)
	}
}

func TestListNotesOrdersByUpdatedAtDescending(t *testing.T) {
	clock := &manualClock{nowMs: 100}
	service, _ := newTestService(t, nil, clock)
	userID := mustUserID(t, "user-1")

	for _, id := range []string{"note-1", "note-2", "note-3"} {
		if _, err := service.CreateNote(context.Background(), userID, NoteInput{
			NoteID: id, Title: id, Content: `{}`,
		}); err != nil {
			t.Fatalf("create %s failed: %v", id, err)
		}
		clock.Advance(10)
	}

	records, err := service.ListNotes(context.Background(), userID)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 notes, got %d", len(records))
	}
	if records[0].NoteID != "note-3" || records[2].NoteID != "note-1" {
		t.Fatalf("unexpected order: %s, %s, %s", records[0].NoteID, records[1].NoteID, records[2].NoteID)
	}
}

func TestListNotesScopedToUser(t *testing.T) {
	clock := &manualClock{nowMs: 100}
	service, _ := newTestService(t, nil, clock)

	if _, err := service.CreateNote(context.Background(), mustUserID(t, "user-1"), NoteInput{
		NoteID: "note-1", Title: "mine", Content: `{}`,
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	records, err := service.ListNotes(context.Background(), mustUserID(t, "user-2"))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected no notes for other user, got %d", len(records))
	}
}
