package duty

import (
	"errors"

	"dutybot/internal/rotation"
)

// ErrNoGuards propagates from rotation when the roster is empty. Fatal to
// any resolution; never retried.
var ErrNoGuards = rotation.ErrNoGuards

// ErrInvalidRequest covers locally rejected API calls: a handoff response
// from a non-designated approver, an unknown guard, a malformed record.
var ErrInvalidRequest = errors.New("invalid request")

// ErrConflict marks an override whose target is on leave. It is resolved
// internally by clearing the override and is never surfaced to callers.
var ErrConflict = errors.New("override target is on leave")
