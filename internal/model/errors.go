package model

import "errors"

// ErrNotFound is returned by stores when the requested row does not exist
// or is not visible to the caller.
var ErrNotFound = errors.New("not found")

// ErrNotPending is returned when a triage item left the pending state
// before the caller could act on it.
var ErrNotPending = errors.New("triage item is not pending")
