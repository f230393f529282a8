package supervisor

import (
	"os"
	"sync"
)

// Target is the worker-side handle to the heartbeat pipe. worker_fn
// receives one and may ignore it entirely when auto_heartbeat is enabled.
type Target struct {
	write     *os.File
	closeOnce sync.Once
	closeErr  error
}

// Heartbeat forces an extra heartbeat byte onto the pipe, independent of
// the automatic emitter's cadence.
func (t *Target) Heartbeat() error {
	_, err := t.write.Write([]byte{0})
	return err
}

// Close releases the pipe write-end. Safe to call more than once: only the
// first call actually closes the file descriptor, and every call observes
// that call's result.
func (t *Target) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.write.Close()
	})
	return t.closeErr
}
