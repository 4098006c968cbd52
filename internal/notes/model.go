package notes

import (
	"errors"
	"fmt"
	"strings"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidNoteID indicates that a note identifier is empty or exceeds storage bounds.
	ErrInvalidNoteID = errors.New("notes: invalid note id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("notes: invalid user id")
	// ErrInvalidTimestamp indicates that an epoch-millisecond value is not positive.
	ErrInvalidTimestamp = errors.New("notes: invalid unix millisecond timestamp")
	// ErrNoteNotFound indicates that no note exists for the requested (user, note) pair.
	ErrNoteNotFound = errors.New("notes: note not found")
	// ErrValidation indicates a missing or malformed required field.
	ErrValidation = errors.New("notes: validation failure")
)

// ConflictError is the optimistic-concurrency rejection. It carries the
// stored record's current title and timestamp so the caller can present a
// human-readable choice between overwriting and discarding.
type ConflictError struct {
	Title       string
	UpdatedAtMs int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("notes: conflict, server updated at %d", e.UpdatedAtMs)
}

// NoteID represents a validated note identifier.
type NoteID string

// NewNoteID validates raw input and returns a NoteID.
func NewNoteID(rawInput string) (NoteID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidNoteID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidNoteID, maxIdentifierLength)
	}
	return NoteID(trimmed), nil
}

// String returns the underlying string identifier.
func (id NoteID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// UnixMillis represents a validated epoch timestamp in milliseconds.
type UnixMillis int64

// NewUnixMillis validates the value and returns a UnixMillis.
func NewUnixMillis(value int64) (UnixMillis, error) {
	if value <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidTimestamp, value)
	}
	return UnixMillis(value), nil
}

// Int64 exposes the raw millisecond value.
func (ts UnixMillis) Int64() int64 {
	return int64(ts)
}

// Note models the persisted note row. Content is stored gzip-compressed;
// callers only ever see the decompressed form via NoteRecord.
type Note struct {
	UserID      string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_notes_user_updated,priority:1"`
	NoteID      string `gorm:"column:note_id;primaryKey;size:190;not null"`
	Title       string `gorm:"column:title;size:512;not null"`
	ContentGZ   []byte `gorm:"column:content_gz;not null"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null"`
	UpdatedAtMs int64  `gorm:"column:updated_at_ms;not null;index:idx_notes_user_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// Tag models a user-scoped tag. Display names are case preserving and
// unique per user.
type Tag struct {
	TagID       string `gorm:"column:tag_id;primaryKey;size:190;not null"`
	UserID      string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_tags_user_name,priority:1"`
	Name        string `gorm:"column:name;size:190;not null;uniqueIndex:idx_tags_user_name,priority:2"`
	CreatedAtMs int64  `gorm:"column:created_at_ms;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Tag) TableName() string {
	return "tags"
}

// NoteTag is the many-to-many relation between notes and tags that the tag
// reconciler maintains. A Tag row with no NoteTag rows must not survive the
// write transaction that orphaned it.
type NoteTag struct {
	UserID string `gorm:"column:user_id;primaryKey;size:190;not null"`
	NoteID string `gorm:"column:note_id;primaryKey;size:190;not null"`
	TagID  string `gorm:"column:tag_id;primaryKey;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NoteTag) TableName() string {
	return "note_tags"
}

// NoteRecord is the API-facing view of a note with decompressed content
// and the resolved tag names.
type NoteRecord struct {
	NoteID      string
	UserID      string
	Title       string
	Content     string
	Tags        []string
	CreatedAtMs int64
	UpdatedAtMs int64
}

// NoteInput carries the caller-supplied fields for a create or update.
// NoteID is only consulted on create; when empty the store assigns one.
type NoteInput struct {
	NoteID  string
	Title   string
	Content string
	Tags    []string
}

func (in NoteInput) validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrValidation)
	}
	if in.Content == "" {
		return fmt.Errorf("%w: content is required", ErrValidation)
	}
	for _, name := range in.Tags {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%w: tag name is required", ErrValidation)
		}
	}
	return nil
}
