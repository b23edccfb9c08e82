package bridge

import "errors"

// ErrInvalidState is returned by Start/Stop calls that are no-ops in the
// bridge's current state (spec.md §7's StateError).
var ErrInvalidState = errors.New("bridge: invalid state for this operation")
