package notes

// detectConflict applies the last-write-wins basis check. The stored row is
// the record currently persisted for the note; basisUpdatedAtMs is the
// updated_at_ms value the caller last observed. A nil return means the
// write may proceed.
//
// The server is newer exactly when its timestamp is strictly greater than
// the caller's basis. An equal timestamp means the caller has seen the
// current server state, so the write is allowed. Overwrite bypasses the
// check entirely; it is only set after the user has been shown the server's
// current title and timestamp.
func detectConflict(stored Note, basisUpdatedAtMs int64, overwrite bool) *ConflictError {
	if overwrite {
		return nil
	}
	if stored.UpdatedAtMs > basisUpdatedAtMs {
		return &ConflictError{
			Title:       stored.Title,
			UpdatedAtMs: stored.UpdatedAtMs,
		}
	}
	return nil
}
