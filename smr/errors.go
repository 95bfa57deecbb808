package smr

import "errors"

// ErrGuardExhausted is returned by AcquireGuard/AcquireGuardArray when a
// ThreadRecord's fixed guard array has no free slot left. Idiomatic Go
// favors an explicit error return over a panic here: the condition is a
// caller-recoverable contract violation (hold fewer guards concurrently,
// or raise Config.HazardsPerThread), not a programming bug.
var ErrGuardExhausted = errors.New("smr: guard array exhausted")

// ErrNotAttached is returned when an operation is attempted against a
// ThreadRecord that has already been detached (state == free). Callers
// should never observe this if they pair AttachThread/DetachThread
// correctly; it exists to fail loudly instead of corrupting the free
// record's bookkeeping.
var ErrNotAttached = errors.New("smr: thread record not attached")
