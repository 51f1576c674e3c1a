package sink

import (
	"errors"
	"fmt"
)

// ErrNoSchema is returned when a record arrives for a stream that has no
// active sink and carries no schema of its own. The record cannot be routed;
// the producer must send a schema message first.
var ErrNoSchema = errors.New("no schema available for stream")

// ErrPoolInvariant marks programming-error conditions in pool bookkeeping.
// These are not user-recoverable and abort the current operation loudly.
var ErrPoolInvariant = errors.New("sink pool invariant violated")

// ErrSinkRetired is returned when a record is appended to a sink that has
// already been superseded. Retiring sinks are drain-only.
var ErrSinkRetired = fmt.Errorf("%w: append to a retiring sink", ErrPoolInvariant)
