package syncer

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoteNotFound indicates the remote store has no record for the note id.
var ErrNoteNotFound = errors.New("syncer: note not found on remote store")

// ErrInvalidFields indicates an editor mutation with missing or blank
// required fields. It is surfaced to the caller immediately; nothing is
// queued for replay.
var ErrInvalidFields = errors.New("syncer: invalid note fields")

// ErrValidationRejected indicates the remote store refused the entry's
// fields outright. The rejection is terminal: replaying the identical
// payload can never succeed, so the reconciler parks the entry until a
// local edit changes it.
var ErrValidationRejected = errors.New("syncer: note fields rejected by remote store")

// RemoteNote is the wire-level note view exchanged with the remote store.
// Content is opaque; it round-trips byte for byte.
type RemoteNote struct {
	NoteID      string
	Title       string
	Content     string
	Tags        []string
	CreatedAtMs int64
	UpdatedAtMs int64
}

// ConflictError is returned by Remote.UpdateNote when the server rejected
// the write because its record is newer than the caller's basis timestamp.
// It carries the server's current title and timestamp for the user prompt.
type ConflictError struct {
	Title       string
	UpdatedAtMs int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("syncer: conflict, server updated at %d", e.UpdatedAtMs)
}

// Remote is the client's view of the remote note store. DeleteNote must
// treat an unknown note id as success so replays stay idempotent.
type Remote interface {
	CreateNote(ctx context.Context, note RemoteNote) (RemoteNote, error)
	UpdateNote(ctx context.Context, note RemoteNote, basisUpdatedAtMs int64, overwrite bool) (RemoteNote, error)
	DeleteNote(ctx context.Context, noteID string) error
	GetNote(ctx context.Context, noteID string) (RemoteNote, error)
	ListNotes(ctx context.Context) ([]RemoteNote, error)
}

// Status describes a note's position in the sync state machine.
type Status string

const (
	// StatusClean means the cache entry matches the server (or no entry exists).
	StatusClean Status = "clean"
	// StatusDirty means local changes await reconciliation.
	StatusDirty Status = "dirty"
	// StatusSyncing means a network call for the entry is in flight.
	StatusSyncing Status = "syncing"
	// StatusConflicted means the server rejected the update and the user
	// must choose a resolution.
	StatusConflicted Status = "conflicted"
	// StatusRejected means the server refused the entry's fields; a local
	// edit is required before it is replayed again.
	StatusRejected Status = "rejected"
)

// Resolution is the user's choice for a conflicted note.
type Resolution string

const (
	// ResolutionOverwrite resubmits the local entry with overwrite set and
	// the server's timestamp as the new basis.
	ResolutionOverwrite Resolution = "overwrite"
	// ResolutionDiscard refetches the server record and replaces local edits.
	ResolutionDiscard Resolution = "discard"
)

// Conflict records a server rejection awaiting user resolution.
type Conflict struct {
	NoteID      string
	Title       string
	UpdatedAtMs int64
}
