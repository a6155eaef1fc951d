package store

import "errors"

// Sentinel errors shared by every store adapter, checked with errors.Is
var (
	// ErrNotFound indicates the build, stage, container, task or pause value does not exist
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a compare-and-swap lost: the record was not in the expected state
	ErrConflict = errors.New("state conflict")

	// ErrUnavailable indicates the backing store could not be reached; callers may retry
	ErrUnavailable = errors.New("store unavailable")

	// ErrExists indicates a build with the same id is already stored
	ErrExists = errors.New("already exists")

	// ErrInvalidTree indicates a build tree failed structural validation
	ErrInvalidTree = errors.New("invalid build tree")
)
