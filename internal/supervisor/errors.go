package supervisor

import (
	"errors"
	"fmt"
)

// ConfigurationError reports an invalid config option, raised synchronously
// at configure time.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("supervisor: invalid config %s: %s", e.Field, e.Reason)
}

// ErrAlreadyClosed is returned by ProcessManager.Tick once Close has been
// called. It is expected end-of-stream, not a failure: the auto-tick
// context catches it and exits cleanly.
var ErrAlreadyClosed = errors.New("supervisor: process manager already closed")

// ChildReapError wraps an ECHILD/ESRCH/EPERM race observed during reap or
// signal delivery. Both cases collapse to "the child is gone"; it is never
// propagated past the Monitor that observed it.
type ChildReapError struct {
	Pid int
	Op  string
	Err error
}

func (e *ChildReapError) Error() string {
	return fmt.Sprintf("supervisor: %s pid %d: %v", e.Op, e.Pid, e.Err)
}

func (e *ChildReapError) Unwrap() error { return e.Err }

// WorkerException records an uncaught error or panic from a worker_fn,
// captured in the child before it exits nonzero. The parent
// never sees this type directly — it only observes pipe EOF plus a
// nonzero reap status — but the child-side diagnostic sink receives it.
type WorkerException struct {
	WorkerName string
	Err        error
}

func (e *WorkerException) Error() string {
	return fmt.Sprintf("supervisor: worker %q: %v", e.WorkerName, e.Err)
}

func (e *WorkerException) Unwrap() error { return e.Err }

// HeartbeatWriteError is returned to the configured heartbeat error policy
// when the in-child emitter fails to write its heartbeat byte.
type HeartbeatWriteError struct {
	Err error
}

func (e *HeartbeatWriteError) Error() string {
	return fmt.Sprintf("supervisor: heartbeat write failed: %v", e.Err)
}

func (e *HeartbeatWriteError) Unwrap() error { return e.Err }
