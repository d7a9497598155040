package store

import "errors"

// ErrNotFound is returned when a cache entry, version or operation does not exist.
var ErrNotFound = errors.New("not found")

// ErrUnknownVersion is returned when writing into a version that was never committed
// or has already been deleted.
var ErrUnknownVersion = errors.New("unknown cache version")

// ErrDuplicateID is returned when enqueuing an operation whose LocalID is already queued.
var ErrDuplicateID = errors.New("duplicate operation id")
