package supervisor

import (
	"os"
	"time"
)

// runHeartbeatEmitter writes a single zero byte to target every interval
// until stop is closed or a write fails. On write failure it invokes the
// configured error policy and terminates — it never retries and it never
// blocks the worker goroutine it runs alongside.
func runHeartbeatEmitter(target *Target, interval time.Duration, abortOnError bool, handler HeartbeatErrorHandler, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := target.Heartbeat(); err != nil {
				handleHeartbeatError(err, abortOnError, handler)
				return
			}
		}
	}
}

func handleHeartbeatError(err error, abortOnError bool, handler HeartbeatErrorHandler) {
	wrapped := &HeartbeatWriteError{Err: err}
	if handler != nil {
		handler(wrapped)
		return
	}
	if abortOnError {
		os.Exit(1)
	}
	// Policy is "ignore": swallow and let the caller's worker_fn keep running.
}
