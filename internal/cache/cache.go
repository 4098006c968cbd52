// Package cache implements the client-resident note cache. Every entry is a
// full copy of a note annotated with sync metadata; local reads and writes
// always complete against this table while the reconciler replays pending
// operations against the remote store in the background.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PendingOperation names the replay action for an unsynced entry.
type PendingOperation string

const (
	// PendingUpsert replays as a create or update depending on CreateOnServer.
	PendingUpsert PendingOperation = "upsert"
	// PendingDelete replays as a delete.
	PendingDelete PendingOperation = "delete"
)

var (
	// ErrEntryNotFound indicates that no cache entry exists for the note id.
	ErrEntryNotFound = errors.New("cache: entry not found")

	errMissingDatabase = errors.New("cache: database handle is required")

	noOpLogger = zap.NewNop()
)

// Entry is the persisted cache row: a note record plus sync metadata.
// DirtySeq increments on every local mutation; the reconciler snapshots it
// before a network call and hands it back on acknowledge so a newer local
// edit is never clobbered by a stale success.
type Entry struct {
	NoteID      string `gorm:"column:note_id;primaryKey;size:190;not null"`
	UserID      string `gorm:"column:user_id;size:190;not null"`
	Title       string `gorm:"column:title;size:512;not null"`
	Content     string `gorm:"column:content;not null"`
	TagsJSON    string `gorm:"column:tags_json;not null;default:'[]'"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null"`
	// BasisUpdatedAtMs is the updated_at the server last confirmed for this
	// note. Replayed updates send it as their basis; local edits never touch
	// it, so a fast local clock cannot mask a remote conflict.
	BasisUpdatedAtMs int64            `gorm:"column:basis_updated_at_ms;not null;default:0"`
	Synced           bool             `gorm:"column:synced;not null;default:false"`
	PendingOp        PendingOperation `gorm:"column:pending_op;size:16;not null;default:''"`
	CreateOnServer   bool             `gorm:"column:create_on_server;not null;default:false"`
	DirtySeq         int64            `gorm:"column:dirty_seq;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "note_cache"
}

// Tags decodes the entry's tag names. A decode failure means the stored
// row is corrupt; callers must not treat it as an untagged note.
func (e Entry) Tags() ([]string, error) {
	if e.TagsJSON == "" {
		return nil, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(e.TagsJSON), &tags); err != nil {
		return nil, fmt.Errorf("cache: decode tags for %s: %w", e.NoteID, err)
	}
	return tags, nil
}

// SetTags encodes the tag names onto the entry.
func (e *Entry) SetTags(tags []string) {
	if tags == nil {
		tags = []string{}
	}
	encoded, err := json.Marshal(tags)
	if err != nil {
		e.TagsJSON = "[]"
		return
	}
	e.TagsJSON = string(encoded)
}

// Patch carries the partial fields a local mutation merges into an entry.
// Nil pointers leave the stored value untouched.
type Patch struct {
	UserID         *string
	Title          *string
	Content        *string
	Tags           *[]string
	CreatedAtMs    *int64
	UpdatedAtMs    *int64
	Synced         *bool
	PendingOp      *PendingOperation
	CreateOnServer *bool
}

// StoreConfig describes the dependencies of the cache store.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is the gorm-backed cache. Each operation runs in its own
// transaction, so per-key reads and writes are atomic.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore validates the configuration and constructs the cache store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Get loads a single entry. The boolean reports presence.
func (s *Store) Get(ctx context.Context, noteID string) (Entry, bool, error) {
	var entry Entry
	err := s.db.WithContext(ctx).Where("note_id = ?", noteID).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("cache: get %s: %w", noteID, err)
	}
	return entry, true, nil
}

// List returns every cached entry. Order is not guaranteed; callers sort.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	if err := s.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("cache: list: %w", err)
	}
	return entries, nil
}

// Put inserts or fully overwrites an entry. Used by the reconciler after a
// successful pull or push, so DirtySeq is carried as given.
func (s *Store) Put(ctx context.Context, entry Entry) error {
	if err := s.db.WithContext(ctx).Save(&entry).Error; err != nil {
		return fmt.Errorf("cache: put %s: %w", entry.NoteID, err)
	}
	return nil
}

// PutSynced overwrites an entry with confirmed server state, marking it
// clean, unless the stored row carries pending local changes. The check and
// the write share one transaction so a local edit racing the backfill is
// never clobbered. The boolean reports whether the write applied.
func (s *Store) PutSynced(ctx context.Context, entry Entry) (bool, error) {
	applied := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored Entry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("note_id = ?", entry.NoteID).Take(&stored).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("cache: put synced select %s: %w", entry.NoteID, err)
		}
		if err == nil {
			if !stored.Synced {
				return nil
			}
			entry.DirtySeq = stored.DirtySeq
		}
		entry.Synced = true
		if err := tx.Save(&entry).Error; err != nil {
			return fmt.Errorf("cache: put synced save %s: %w", entry.NoteID, err)
		}
		applied = true
		return nil
	})
	if txErr != nil {
		return false, txErr
	}
	return applied, nil
}

// Patch merges partial fields into an entry, creating one flagged
// create_on_server when absent. Every patch bumps DirtySeq.
func (s *Store) Patch(ctx context.Context, noteID string, patch Patch) (Entry, error) {
	var result Entry
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry Entry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("note_id = ?", noteID).Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			entry = Entry{
				NoteID:         noteID,
				TagsJSON:       "[]",
				Synced:         false,
				PendingOp:      PendingUpsert,
				CreateOnServer: true,
			}
		} else if err != nil {
			return fmt.Errorf("cache: patch select %s: %w", noteID, err)
		}

		applyPatch(&entry, patch)
		entry.DirtySeq++

		if err := tx.Save(&entry).Error; err != nil {
			return fmt.Errorf("cache: patch save %s: %w", noteID, err)
		}
		result = entry
		return nil
	})
	if txErr != nil {
		return Entry{}, txErr
	}
	return result, nil
}

// Remove hard-deletes the entry from the cache.
func (s *Store) Remove(ctx context.Context, noteID string) error {
	if err := s.db.WithContext(ctx).Where("note_id = ?", noteID).Delete(&Entry{}).Error; err != nil {
		return fmt.Errorf("cache: remove %s: %w", noteID, err)
	}
	return nil
}

// ListDirty returns unsynced entries, optionally filtered. The reconciler
// uses the filter to exclude entries it already has in flight.
func (s *Store) ListDirty(ctx context.Context, filter func(Entry) bool) ([]Entry, error) {
	var entries []Entry
	if err := s.db.WithContext(ctx).Where("synced = ?", false).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("cache: list dirty: %w", err)
	}
	if filter == nil {
		return entries, nil
	}
	kept := entries[:0]
	for _, entry := range entries {
		if filter(entry) {
			kept = append(kept, entry)
		}
	}
	return kept, nil
}

// Acknowledge merges a confirmed server record into the entry and clears
// its sync flags, but only when DirtySeq still matches the reconciler's
// snapshot. A newer local edit keeps the entry dirty; the server timestamps
// are still merged so the next replay carries the right basis.
func (s *Store) Acknowledge(ctx context.Context, noteID string, expectedDirtySeq int64, title, content string, tags []string, createdAtMs, updatedAtMs int64) (Entry, error) {
	var result Entry
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry Entry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("note_id = ?", noteID).Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrEntryNotFound, noteID)
		}
		if err != nil {
			return fmt.Errorf("cache: acknowledge select %s: %w", noteID, err)
		}

		entry.CreatedAtMs = createdAtMs
		entry.BasisUpdatedAtMs = updatedAtMs
		entry.CreateOnServer = false
		if entry.DirtySeq == expectedDirtySeq {
			entry.Title = title
			entry.Content = content
			entry.SetTags(tags)
			entry.UpdatedAtMs = updatedAtMs
			entry.Synced = true
			entry.PendingOp = ""
		} else {
			s.logger.Debug("cache acknowledge superseded by local edit",
				zap.String("note_id", noteID),
				zap.Int64("expected_dirty_seq", expectedDirtySeq),
				zap.Int64("dirty_seq", entry.DirtySeq))
		}

		if err := tx.Save(&entry).Error; err != nil {
			return fmt.Errorf("cache: acknowledge save %s: %w", noteID, err)
		}
		result = entry
		return nil
	})
	if txErr != nil {
		return Entry{}, txErr
	}
	return result, nil
}

// AcknowledgeRemove drops the entry after a confirmed server delete, unless
// a newer local edit re-dirtied it while the delete was in flight.
func (s *Store) AcknowledgeRemove(ctx context.Context, noteID string, expectedDirtySeq int64) (bool, error) {
	removed := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry Entry
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("note_id = ?", noteID).Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			removed = true
			return nil
		}
		if err != nil {
			return fmt.Errorf("cache: acknowledge remove select %s: %w", noteID, err)
		}
		if entry.DirtySeq != expectedDirtySeq {
			return nil
		}
		if err := tx.Where("note_id = ?", noteID).Delete(&Entry{}).Error; err != nil {
			return fmt.Errorf("cache: acknowledge remove %s: %w", noteID, err)
		}
		removed = true
		return nil
	})
	if txErr != nil {
		return false, txErr
	}
	return removed, nil
}

func applyPatch(entry *Entry, patch Patch) {
	if patch.UserID != nil {
		entry.UserID = *patch.UserID
	}
	if patch.Title != nil {
		entry.Title = *patch.Title
	}
	if patch.Content != nil {
		entry.Content = *patch.Content
	}
	if patch.Tags != nil {
		entry.SetTags(*patch.Tags)
	}
	if patch.CreatedAtMs != nil {
		entry.CreatedAtMs = *patch.CreatedAtMs
	}
	if patch.UpdatedAtMs != nil {
		entry.UpdatedAtMs = *patch.UpdatedAtMs
	}
	if patch.Synced != nil {
		entry.Synced = *patch.Synced
	}
	if patch.PendingOp != nil {
		entry.PendingOp = *patch.PendingOp
	}
	if patch.CreateOnServer != nil {
		entry.CreateOnServer = *patch.CreateOnServer
	}
}
