// Package syncer drives convergence between the local note cache and the
// remote note store. The editor-facing operations complete against the
// cache only; a background reconciliation pass replays pending mutations
// and feeds confirmed server state back into the cache.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/josephluck/internote-sub000/internal/cache"
)

const defaultCallTimeout = 15 * time.Second

var (
	errMissingCache      = errors.New("syncer: cache store is required")
	errMissingRemote     = errors.New("syncer: remote store is required")
	errMissingUserID     = errors.New("syncer: user id is required")
	errMissingIDProvider = errors.New("syncer: id provider is required")
	errNotConflicted     = errors.New("syncer: note is not conflicted")
	errUnknownResolution = errors.New("syncer: unknown resolution")

	noOpLogger = zap.NewNop()
)

// IDProvider issues identifiers for locally created notes.
type IDProvider interface {
	NewID() (string, error)
}

// NoteFields are the editor-supplied fields of a local mutation.
type NoteFields struct {
	Title   string
	Content string
	Tags    []string
}

// validate mirrors the remote store's write validation so a doomed payload
// is rejected at the editor boundary instead of queued for replay.
func (f NoteFields) validate() error {
	if strings.TrimSpace(f.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidFields)
	}
	if strings.TrimSpace(f.Content) == "" {
		return fmt.Errorf("%w: content is required", ErrInvalidFields)
	}
	for _, tag := range f.Tags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("%w: tag names must not be blank", ErrInvalidFields)
		}
	}
	return nil
}

// ReconcilerConfig describes the dependencies of the reconciler.
type ReconcilerConfig struct {
	Cache       *cache.Store
	Remote      Remote
	UserID      string
	IDProvider  IDProvider
	Clock       func() time.Time
	Logger      *zap.Logger
	CallTimeout time.Duration
}

// Reconciler intercepts local note operations and replays dirty cache
// entries against the remote store.
type Reconciler struct {
	cache       *cache.Store
	remote      Remote
	userID      string
	idProvider  IDProvider
	clock       func() time.Time
	logger      *zap.Logger
	callTimeout time.Duration

	mu         sync.Mutex
	inFlight   map[string]bool
	conflicts  map[string]Conflict
	rejections map[string]error
}

// NewReconciler validates the configuration and constructs the reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Cache == nil {
		return nil, errMissingCache
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	if cfg.UserID == "" {
		return nil, errMissingUserID
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	return &Reconciler{
		cache:       cfg.Cache,
		remote:      cfg.Remote,
		userID:      cfg.UserID,
		idProvider:  cfg.IDProvider,
		clock:       clock,
		logger:      logger,
		callTimeout: timeout,
		inFlight:    make(map[string]bool),
		conflicts:   make(map[string]Conflict),
		rejections:  make(map[string]error),
	}, nil
}

// CreateNote records a new note in the cache with a client-generated id.
// The server sees it on the next reconciliation pass.
func (r *Reconciler) CreateNote(ctx context.Context, fields NoteFields) (cache.Entry, error) {
	if err := fields.validate(); err != nil {
		return cache.Entry{}, err
	}

	noteID, err := r.idProvider.NewID()
	if err != nil {
		return cache.Entry{}, fmt.Errorf("syncer: generate note id: %w", err)
	}

	nowMs := r.clock().UTC().UnixMilli()
	entry, err := r.cache.Patch(ctx, noteID, cache.Patch{
		UserID:         &r.userID,
		Title:          &fields.Title,
		Content:        &fields.Content,
		Tags:           &fields.Tags,
		CreatedAtMs:    &nowMs,
		UpdatedAtMs:    &nowMs,
		Synced:         boolPtr(false),
		PendingOp:      opPtr(cache.PendingUpsert),
		CreateOnServer: boolPtr(true),
	})
	if err != nil {
		return cache.Entry{}, err
	}
	return entry, nil
}

// UpdateNote merges the fields into the cache entry and marks it for
// replay. The network call is deferred to the next reconciliation pass.
func (r *Reconciler) UpdateNote(ctx context.Context, noteID string, fields NoteFields) (cache.Entry, error) {
	if err := fields.validate(); err != nil {
		return cache.Entry{}, err
	}

	// New fields supersede whatever the server refused.
	r.clearRejection(noteID)

	nowMs := r.clock().UTC().UnixMilli()
	entry, err := r.cache.Patch(ctx, noteID, cache.Patch{
		UserID:      &r.userID,
		Title:       &fields.Title,
		Content:     &fields.Content,
		Tags:        &fields.Tags,
		UpdatedAtMs: &nowMs,
		Synced:      boolPtr(false),
		PendingOp:   opPtr(cache.PendingUpsert),
	})
	if err != nil {
		return cache.Entry{}, err
	}
	return entry, nil
}

// DeleteNote removes the note locally. Entries the server has never seen
// are dropped outright; known notes are marked for a replayed delete.
func (r *Reconciler) DeleteNote(ctx context.Context, noteID string) error {
	entry, found, err := r.cache.Get(ctx, noteID)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	r.clearConflict(noteID)
	r.clearRejection(noteID)

	if entry.CreateOnServer {
		return r.cache.Remove(ctx, noteID)
	}

	_, err = r.cache.Patch(ctx, noteID, cache.Patch{
		Synced:    boolPtr(false),
		PendingOp: opPtr(cache.PendingDelete),
	})
	return err
}

// GetNote serves a single note from the cache.
func (r *Reconciler) GetNote(ctx context.Context, noteID string) (cache.Entry, bool, error) {
	return r.cache.Get(ctx, noteID)
}

// ListNotes serves the cached notes for display: pending deletes hidden,
// newest first.
func (r *Reconciler) ListNotes(ctx context.Context) ([]cache.Entry, error) {
	entries, err := r.cache.List(ctx)
	if err != nil {
		return nil, err
	}
	visible := make([]cache.Entry, 0, len(entries))
	for _, entry := range entries {
		if !entry.Synced && entry.PendingOp == cache.PendingDelete {
			continue
		}
		visible = append(visible, entry)
	}
	sort.Slice(visible, func(i, j int) bool {
		return visible[i].UpdatedAtMs > visible[j].UpdatedAtMs
	})
	return visible, nil
}

// Warm backfills the cache from the remote store. Entries with pending
// local changes are left alone; everything else is overwritten with server
// truth and marked clean.
func (r *Reconciler) Warm(ctx context.Context) error {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	records, err := r.remote.ListNotes(callCtx)
	if err != nil {
		return fmt.Errorf("syncer: warm cache: %w", err)
	}

	for _, record := range records {
		entry := cache.Entry{
			NoteID:           record.NoteID,
			UserID:           r.userID,
			Title:            record.Title,
			Content:          record.Content,
			CreatedAtMs:      record.CreatedAtMs,
			UpdatedAtMs:      record.UpdatedAtMs,
			BasisUpdatedAtMs: record.UpdatedAtMs,
		}
		entry.SetTags(record.Tags)
		if _, err := r.cache.PutSynced(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// Reconcile runs one pass over the dirty entries. Entries are reconciled
// independently and concurrently; a failure or slow call on one never
// blocks the others. Conflicted entries are skipped until resolved.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	snapshot, err := r.cache.ListDirty(ctx, func(entry cache.Entry) bool {
		return !r.isInFlight(entry.NoteID) && !r.isConflicted(entry.NoteID) && !r.isRejected(entry.NoteID)
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, entry := range snapshot {
		if !r.markInFlight(entry.NoteID) {
			continue
		}
		wg.Add(1)
		go func(entry cache.Entry) {
			defer wg.Done()
			defer r.clearInFlight(entry.NoteID)
			r.reconcileEntry(ctx, entry)
		}(entry)
	}
	wg.Wait()
	return nil
}

// reconcileEntry replays a single dirty entry. Transport failures leave the
// entry dirty for the next pass; conflicts are recorded for the user and
// never silently retried. Validation rejections are terminal for the
// entry's current fields, so the entry is parked until a local edit
// changes them.
func (r *Reconciler) reconcileEntry(ctx context.Context, entry cache.Entry) {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	switch {
	case entry.PendingOp == cache.PendingDelete:
		if err := r.remote.DeleteNote(callCtx, entry.NoteID); err != nil {
			r.logTransportFailure("delete", entry.NoteID, err)
			return
		}
		if _, err := r.cache.AcknowledgeRemove(ctx, entry.NoteID, entry.DirtySeq); err != nil {
			r.logger.Error("cache acknowledge remove failed",
				zap.String("note_id", entry.NoteID), zap.Error(err))
		}

	case entry.CreateOnServer:
		payload, err := toRemoteNote(entry)
		if err != nil {
			r.logger.Error("cache entry is corrupt, entry stays dirty",
				zap.String("note_id", entry.NoteID), zap.Error(err))
			return
		}
		record, err := r.remote.CreateNote(callCtx, payload)
		if err != nil {
			if errors.Is(err, ErrValidationRejected) {
				r.recordRejection(entry.NoteID, err)
				return
			}
			r.logTransportFailure("create", entry.NoteID, err)
			return
		}
		r.acknowledge(ctx, entry, record)

	default:
		payload, err := toRemoteNote(entry)
		if err != nil {
			r.logger.Error("cache entry is corrupt, entry stays dirty",
				zap.String("note_id", entry.NoteID), zap.Error(err))
			return
		}
		record, err := r.remote.UpdateNote(callCtx, payload, entry.BasisUpdatedAtMs, false)
		if err != nil {
			var conflict *ConflictError
			switch {
			case errors.As(err, &conflict):
				r.recordConflict(entry.NoteID, *conflict)
			case errors.Is(err, ErrValidationRejected):
				r.recordRejection(entry.NoteID, err)
			case errors.Is(err, ErrNoteNotFound):
				// The note vanished on the server (deleted elsewhere).
				// Replay as a create on the next pass.
				if _, patchErr := r.cache.Patch(ctx, entry.NoteID, cache.Patch{
					CreateOnServer: boolPtr(true),
				}); patchErr != nil {
					r.logger.Error("cache patch failed",
						zap.String("note_id", entry.NoteID), zap.Error(patchErr))
				}
			default:
				r.logTransportFailure("update", entry.NoteID, err)
			}
			return
		}
		r.acknowledge(ctx, entry, record)
	}
}

// ResolveConflict applies the user's choice for a conflicted note. Either
// resolution returns the note to the clean state.
func (r *Reconciler) ResolveConflict(ctx context.Context, noteID string, resolution Resolution) error {
	conflict, conflicted := r.ConflictFor(noteID)
	if !conflicted {
		return fmt.Errorf("%w: %s", errNotConflicted, noteID)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	switch resolution {
	case ResolutionOverwrite:
		entry, found, err := r.cache.Get(ctx, noteID)
		if err != nil {
			return err
		}
		if !found {
			r.clearConflict(noteID)
			return nil
		}
		payload, err := toRemoteNote(entry)
		if err != nil {
			return err
		}
		record, err := r.remote.UpdateNote(callCtx, payload, conflict.UpdatedAtMs, true)
		if err != nil {
			var next *ConflictError
			if errors.As(err, &next) {
				// Another writer moved the server on again; refresh the
				// prompt with the new server state.
				r.recordConflict(noteID, *next)
			}
			return err
		}
		r.acknowledge(ctx, entry, record)
		r.clearConflict(noteID)
		return nil

	case ResolutionDiscard:
		record, err := r.remote.GetNote(callCtx, noteID)
		if errors.Is(err, ErrNoteNotFound) {
			if removeErr := r.cache.Remove(ctx, noteID); removeErr != nil {
				return removeErr
			}
			r.clearConflict(noteID)
			return nil
		}
		if err != nil {
			return err
		}
		entry, _, err := r.cache.Get(ctx, noteID)
		if err != nil {
			return err
		}
		replacement := cache.Entry{
			NoteID:           record.NoteID,
			UserID:           r.userID,
			Title:            record.Title,
			Content:          record.Content,
			CreatedAtMs:      record.CreatedAtMs,
			UpdatedAtMs:      record.UpdatedAtMs,
			BasisUpdatedAtMs: record.UpdatedAtMs,
			Synced:           true,
			DirtySeq:         entry.DirtySeq + 1,
		}
		replacement.SetTags(record.Tags)
		if err := r.cache.Put(ctx, replacement); err != nil {
			return err
		}
		r.clearConflict(noteID)
		return nil

	default:
		return fmt.Errorf("%w: %q", errUnknownResolution, resolution)
	}
}

// Status reports the note's position in the sync state machine.
func (r *Reconciler) Status(ctx context.Context, noteID string) (Status, error) {
	if r.isConflicted(noteID) {
		return StatusConflicted, nil
	}
	if r.isRejected(noteID) {
		return StatusRejected, nil
	}
	if r.isInFlight(noteID) {
		return StatusSyncing, nil
	}
	entry, found, err := r.cache.Get(ctx, noteID)
	if err != nil {
		return StatusClean, err
	}
	if !found || entry.Synced {
		return StatusClean, nil
	}
	return StatusDirty, nil
}

// RejectionFor returns the recorded validation rejection for the note, or
// nil when the note is not parked.
func (r *Reconciler) RejectionFor(noteID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rejections[noteID]
}

// ConflictFor returns the recorded conflict for the note, if any.
func (r *Reconciler) ConflictFor(noteID string) (Conflict, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conflict, ok := r.conflicts[noteID]
	return conflict, ok
}

// Conflicts lists every unresolved conflict.
func (r *Reconciler) Conflicts() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	conflicts := make([]Conflict, 0, len(r.conflicts))
	for _, conflict := range r.conflicts {
		conflicts = append(conflicts, conflict)
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].NoteID < conflicts[j].NoteID })
	return conflicts
}

// IsSyncPending reports whether any entry still awaits reconciliation or
// user resolution.
func (r *Reconciler) IsSyncPending(ctx context.Context) (bool, error) {
	r.mu.Lock()
	conflicted := len(r.conflicts) > 0
	r.mu.Unlock()
	if conflicted {
		return true, nil
	}
	dirty, err := r.cache.ListDirty(ctx, nil)
	if err != nil {
		return false, err
	}
	return len(dirty) > 0, nil
}

func (r *Reconciler) acknowledge(ctx context.Context, entry cache.Entry, record RemoteNote) {
	_, err := r.cache.Acknowledge(ctx, entry.NoteID, entry.DirtySeq,
		record.Title, record.Content, record.Tags, record.CreatedAtMs, record.UpdatedAtMs)
	if err != nil {
		r.logger.Error("cache acknowledge failed",
			zap.String("note_id", entry.NoteID), zap.Error(err))
	}
}

func (r *Reconciler) logTransportFailure(operation, noteID string, err error) {
	r.logger.Warn("remote call failed, entry stays dirty",
		zap.String("operation", operation),
		zap.String("note_id", noteID),
		zap.Error(err))
}

func (r *Reconciler) markInFlight(noteID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.inFlight[noteID] {
		return false
	}
	r.inFlight[noteID] = true
	return true
}

func (r *Reconciler) clearInFlight(noteID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, noteID)
}

func (r *Reconciler) isInFlight(noteID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inFlight[noteID]
}

func (r *Reconciler) recordConflict(noteID string, conflict ConflictError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts[noteID] = Conflict{
		NoteID:      noteID,
		Title:       conflict.Title,
		UpdatedAtMs: conflict.UpdatedAtMs,
	}
}

func (r *Reconciler) clearConflict(noteID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conflicts, noteID)
}

func (r *Reconciler) isConflicted(noteID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conflicts[noteID]
	return ok
}

func (r *Reconciler) recordRejection(noteID string, err error) {
	r.logger.Error("remote store rejected note fields, entry parked until edited",
		zap.String("note_id", noteID), zap.Error(err))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejections[noteID] = err
}

func (r *Reconciler) clearRejection(noteID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rejections, noteID)
}

func (r *Reconciler) isRejected(noteID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.rejections[noteID]
	return ok
}

func toRemoteNote(entry cache.Entry) (RemoteNote, error) {
	tags, err := entry.Tags()
	if err != nil {
		return RemoteNote{}, err
	}
	return RemoteNote{
		NoteID:      entry.NoteID,
		Title:       entry.Title,
		Content:     entry.Content,
		Tags:        tags,
		CreatedAtMs: entry.CreatedAtMs,
		UpdatedAtMs: entry.UpdatedAtMs,
	}, nil
}

func boolPtr(v bool) *bool {
	return &v
}

func opPtr(v cache.PendingOperation) *cache.PendingOperation {
	return &v
}
