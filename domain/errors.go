package domain

import "errors"

// ErrNotFound indicates a task that does not exist or is owned by a
// different identity. The two cases are deliberately indistinguishable so
// that callers cannot probe for other users' tasks.
var ErrNotFound = errors.New("task not found")

// ErrConcurrencyConflict indicates that the underlying storage rejected an
// update because a newer version of the entity is already persisted.
var ErrConcurrencyConflict = errors.New("concurrency conflict")

// ValidationError reports bad input shape. The operation was not applied.
type ValidationError string

func (e ValidationError) Error() string { return string(e) }
