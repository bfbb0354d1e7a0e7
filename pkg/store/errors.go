package store

import "errors"

var (
	// ErrInvalidQuery is returned for templates that are not a single read-only
	// SELECT statement or that SQLite refuses to prepare.
	ErrInvalidQuery = errors.New("invalid query")
	// ErrDuplicateOffset is returned by append ingestion when the
	// (partition, offset) pair is already stored.
	ErrDuplicateOffset = errors.New("duplicate offset")
	// ErrTimeout is returned when a query or an export exceeds its deadline.
	ErrTimeout = errors.New("operation timed out")
	// ErrIO is returned when an export target cannot be written.
	ErrIO = errors.New("export target not writable")
	// ErrOverwrite is returned when an export target exists and overwriting
	// was not allowed.
	ErrOverwrite = errors.New("export target already exists")
	// ErrClosed is returned by writes, queries and exports after Close.
	ErrClosed = errors.New("store closed")
)
