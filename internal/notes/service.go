package notes

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError wraps store failures with a dotted operation code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "notes.service.new"
	opCreateNote = "notes.create"
	opUpdateNote = "notes.update"
	opDeleteNote = "notes.delete"
	opGetNote    = "notes.get"
	opListNotes  = "notes.list_notes"
	opListTags   = "notes.list_tags"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues unique identifiers for notes and tags.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the note store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service is the authoritative note store. All writes run transactionally
// with row locks so that concurrent writes to the same (user, note) pair
// cannot interleave their read-compare-write sequence.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService validates the configuration and constructs the store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateNote persists a new note and reconciles its tag graph. Client
// generated identifiers are accepted so that offline-created notes keep
// their id; replaying the same create is idempotent and simply rewrites the
// row with the supplied fields.
func (s *Service) CreateNote(ctx context.Context, userID UserID, input NoteInput) (NoteRecord, error) {
	if err := input.validate(); err != nil {
		return NoteRecord{}, err
	}

	noteID := input.NoteID
	if noteID == "" {
		generated, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opCreateNote, "id_generation_failed", err, zap.String("user_id", userID.String()))
			return NoteRecord{}, newServiceError(opCreateNote, "id_generation_failed", err)
		}
		noteID = generated
	}
	if _, err := NewNoteID(noteID); err != nil {
		return NoteRecord{}, err
	}

	var record NoteRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		nowMs := s.clock().UTC().UnixMilli()

		var existing Note
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND note_id = ?", userID.String(), noteID).
			Take(&existing).Error
		createdAtMs := nowMs
		if err == nil {
			createdAtMs = existing.CreatedAtMs
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			s.logError(opCreateNote, "note_select_failed", err,
				zap.String("user_id", userID.String()),
				zap.String("note_id", noteID))
			return newServiceError(opCreateNote, "note_select_failed", err)
		}

		persisted, err := s.persistNote(tx, userID.String(), noteID, input, createdAtMs, nowMs)
		if err != nil {
			return err
		}
		record = persisted
		return nil
	})
	if txErr != nil {
		return NoteRecord{}, txErr
	}
	return record, nil
}

// UpdateNote applies the optimistic-concurrency check against the caller's
// basis timestamp, then persists the new fields and reconciles tags. The
// check and the write share one transaction.
func (s *Service) UpdateNote(ctx context.Context, userID UserID, noteID NoteID, basisUpdatedAtMs int64, overwrite bool, input NoteInput) (NoteRecord, error) {
	if err := input.validate(); err != nil {
		return NoteRecord{}, err
	}

	var record NoteRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored Note
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND note_id = ?", userID.String(), noteID.String()).
			Take(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", ErrNoteNotFound, noteID.String())
		}
		if err != nil {
			s.logError(opUpdateNote, "note_select_failed", err,
				zap.String("user_id", userID.String()),
				zap.String("note_id", noteID.String()))
			return newServiceError(opUpdateNote, "note_select_failed", err)
		}

		if conflict := detectConflict(stored, basisUpdatedAtMs, overwrite); conflict != nil {
			return conflict
		}

		nowMs := s.clock().UTC().UnixMilli()
		persisted, err := s.persistNote(tx, userID.String(), noteID.String(), input, stored.CreatedAtMs, nowMs)
		if err != nil {
			return err
		}
		record = persisted
		return nil
	})
	if txErr != nil {
		return NoteRecord{}, txErr
	}
	return record, nil
}

// DeleteNote removes the note and its tag relations, then collects any tags
// the removal orphaned. Deleting an id the store has never seen succeeds as
// a no-op so that at-least-once replays stay safe.
func (s *Service) DeleteNote(ctx context.Context, userID UserID, noteID NoteID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var stored Note
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND note_id = ?", userID.String(), noteID.String()).
			Take(&stored).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			s.logError(opDeleteNote, "note_select_failed", err,
				zap.String("user_id", userID.String()),
				zap.String("note_id", noteID.String()))
			return newServiceError(opDeleteNote, "note_select_failed", err)
		}

		if err := tx.Where("user_id = ? AND note_id = ?", userID.String(), noteID.String()).
			Delete(&NoteTag{}).Error; err != nil {
			s.logError(opDeleteNote, "relation_delete_failed", err,
				zap.String("user_id", userID.String()),
				zap.String("note_id", noteID.String()))
			return newServiceError(opDeleteNote, "relation_delete_failed", err)
		}
		if err := tx.Where("user_id = ? AND note_id = ?", userID.String(), noteID.String()).
			Delete(&Note{}).Error; err != nil {
			s.logError(opDeleteNote, "note_delete_failed", err,
				zap.String("user_id", userID.String()),
				zap.String("note_id", noteID.String()))
			return newServiceError(opDeleteNote, "note_delete_failed", err)
		}
		if err := collectOrphanedTags(tx, userID.String()); err != nil {
			s.logError(opDeleteNote, "tag_gc_failed", err, zap.String("user_id", userID.String()))
			return newServiceError(opDeleteNote, "tag_gc_failed", err)
		}
		return nil
	})
}

// GetNote loads a single note with decompressed content and tag names.
func (s *Service) GetNote(ctx context.Context, userID UserID, noteID NoteID) (NoteRecord, error) {
	var stored Note
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND note_id = ?", userID.String(), noteID.String()).
		Take(&stored).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return NoteRecord{}, fmt.Errorf("%w: %s", ErrNoteNotFound, noteID.String())
	}
	if err != nil {
		s.logError(opGetNote, "query_failed", err,
			zap.String("user_id", userID.String()),
			zap.String("note_id", noteID.String()))
		return NoteRecord{}, newServiceError(opGetNote, "query_failed", err)
	}

	tags, err := noteTagNames(s.db.WithContext(ctx), userID.String(), noteID.String())
	if err != nil {
		s.logError(opGetNote, "tag_query_failed", err,
			zap.String("user_id", userID.String()),
			zap.String("note_id", noteID.String()))
		return NoteRecord{}, newServiceError(opGetNote, "tag_query_failed", err)
	}
	return s.toRecord(stored, tags)
}

// ListNotes returns all notes for the user, newest first. Used by clients
// for full cache warm and backfill.
func (s *Service) ListNotes(ctx context.Context, userID UserID) ([]NoteRecord, error) {
	var stored []Note
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID.String()).
		Order("updated_at_ms DESC").
		Find(&stored).Error; err != nil {
		s.logError(opListNotes, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opListNotes, "query_failed", err)
	}

	records := make([]NoteRecord, 0, len(stored))
	for _, note := range stored {
		tags, err := noteTagNames(s.db.WithContext(ctx), userID.String(), note.NoteID)
		if err != nil {
			s.logError(opListNotes, "tag_query_failed", err,
				zap.String("user_id", userID.String()),
				zap.String("note_id", note.NoteID))
			return nil, newServiceError(opListNotes, "tag_query_failed", err)
		}
		record, err := s.toRecord(note, tags)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

// ListTags returns the user's tag names sorted alphabetically.
func (s *Service) ListTags(ctx context.Context, userID UserID) ([]string, error) {
	var names []string
	if err := s.db.WithContext(ctx).Model(&Tag{}).
		Where("user_id = ?", userID.String()).
		Order("name ASC").
		Pluck("name", &names).Error; err != nil {
		s.logError(opListTags, "query_failed", err, zap.String("user_id", userID.String()))
		return nil, newServiceError(opListTags, "query_failed", err)
	}
	return names, nil
}

// persistNote compresses and saves the note row, reconciles the tag graph,
// and materializes the resulting record. Callers own the transaction.
func (s *Service) persistNote(tx *gorm.DB, userID, noteID string, input NoteInput, createdAtMs, updatedAtMs int64) (NoteRecord, error) {
	if updatedAtMs < createdAtMs {
		createdAtMs = updatedAtMs
	}

	compressed, err := compressContent(input.Content)
	if err != nil {
		s.logError(opUpdateNote, "content_compress_failed", err,
			zap.String("user_id", userID),
			zap.String("note_id", noteID))
		return NoteRecord{}, newServiceError(opUpdateNote, "content_compress_failed", err)
	}

	note := Note{
		UserID:      userID,
		NoteID:      noteID,
		Title:       input.Title,
		ContentGZ:   compressed,
		CreatedAtMs: createdAtMs,
		UpdatedAtMs: updatedAtMs,
	}
	if err := tx.Save(&note).Error; err != nil {
		s.logError(opUpdateNote, "note_save_failed", err,
			zap.String("user_id", userID),
			zap.String("note_id", noteID))
		return NoteRecord{}, newServiceError(opUpdateNote, "note_save_failed", err)
	}

	tags, err := reconcileTags(tx, userID, noteID, input.Tags, s.idProvider, updatedAtMs)
	if err != nil {
		s.logError(opUpdateNote, "tag_reconcile_failed", err,
			zap.String("user_id", userID),
			zap.String("note_id", noteID))
		return NoteRecord{}, newServiceError(opUpdateNote, "tag_reconcile_failed", err)
	}

	return NoteRecord{
		NoteID:      noteID,
		UserID:      userID,
		Title:       input.Title,
		Content:     input.Content,
		Tags:        tags,
		CreatedAtMs: createdAtMs,
		UpdatedAtMs: updatedAtMs,
	}, nil
}

func (s *Service) toRecord(note Note, tags []string) (NoteRecord, error) {
	content, err := decompressContent(note.ContentGZ)
	if err != nil {
		s.logError(opGetNote, "content_decompress_failed", err,
			zap.String("user_id", note.UserID),
			zap.String("note_id", note.NoteID))
		return NoteRecord{}, newServiceError(opGetNote, "content_decompress_failed", err)
	}
	return NoteRecord{
		NoteID:      note.NoteID,
		UserID:      note.UserID,
		Title:       note.Title,
		Content:     content,
		Tags:        tags,
		CreatedAtMs: note.CreatedAtMs,
		UpdatedAtMs: note.UpdatedAtMs,
	}, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}
