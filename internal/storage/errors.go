package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrTerminal is returned when a transition targets a workflow that is no
// longer running.
var ErrTerminal = errors.New("storage: workflow is not running")

// ErrNotClaimable is returned when a workflow cannot be claimed because it
// is not pending (already claimed by another run, or finished).
var ErrNotClaimable = errors.New("storage: workflow is not pending")

// ErrDuplicate is returned when a unique key already exists.
var ErrDuplicate = errors.New("storage: already exists")
