package taskrun

import "errors"

// ErrLostLock is returned (and bubbles to the heartbeat layer) when a
// mid=me guard fails mid-run: some other actor believes it owns this
// task's row, so the current monitor context must be treated as dead.
var ErrLostLock = errors.New("taskrun: lost lock")

// ErrInterrupted means the current claim attempt was abandoned (thread
// interruption or a store-level abort); the task is left for a peer to
// pick back up from QUEUED.
var ErrInterrupted = errors.New("taskrun: interrupted")
