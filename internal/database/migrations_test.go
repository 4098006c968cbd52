package database

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/josephluck/internote-sub000/internal/notes"
)

func newMigratedDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:internote_db_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&notes.Note{}, &notes.Tag{}, &notes.NoteTag{}, &migrationRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	return db
}

func TestPurgeOrphanedTagsMigration(t *testing.T) {
	db := newMigratedDB(t)

	// A tag still referenced by a note and one that lost its last reference.
	seeds := []any{
		&notes.Tag{TagID: "tag-1", UserID: "user-1", Name: "#kept", CreatedAtMs: 100},
		&notes.Tag{TagID: "tag-2", UserID: "user-1", Name: "#orphan", CreatedAtMs: 100},
		&notes.NoteTag{UserID: "user-1", NoteID: "note-1", TagID: "tag-1"},
	}
	for _, seed := range seeds {
		if err := db.Create(seed).Error; err != nil {
			t.Fatalf("failed to seed: %v", err)
		}
	}

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("migrations failed: %v", err)
	}

	var names []string
	if err := db.Model(&notes.Tag{}).Order("name ASC").Pluck("name", &names).Error; err != nil {
		t.Fatalf("failed to list tags: %v", err)
	}
	if len(names) != 1 || names[0] != "#kept" {
		t.Fatalf("expected only #kept to survive, got %v", names)
	}

	var record migrationRecord
	if err := db.Where("name = ?", migrationPurgeOrphanedTags).Take(&record).Error; err != nil {
		t.Fatalf("migration record missing: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		t.Fatalf("migration record should carry an applied timestamp")
	}
}

func TestMigrationsApplyOnlyOnce(t *testing.T) {
	db := newMigratedDB(t)

	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	var first migrationRecord
	if err := db.Where("name = ?", migrationPurgeOrphanedTags).Take(&first).Error; err != nil {
		t.Fatalf("migration record missing: %v", err)
	}

	// A tag orphaned after the first run must survive the second: new writes
	// keep the graph consistent, the migration only covers historical rows.
	if err := db.Create(&notes.Tag{TagID: "tag-9", UserID: "user-1", Name: "#late", CreatedAtMs: 200}).Error; err != nil {
		t.Fatalf("failed to seed: %v", err)
	}
	if err := applyMigrations(db, nil); err != nil {
		t.Fatalf("second run failed: %v", err)
	}

	var count int64
	if err := db.Model(&notes.Tag{}).Where("name = ?", "#late").Count(&count).Error; err != nil {
		t.Fatalf("failed to count tags: %v", err)
	}
	if count != 1 {
		t.Fatalf("already-applied migration must not rerun, got %d rows", count)
	}
}
