package supervisor

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// WorkerFunc is the user-supplied business logic invoked inside a spawned
// child, mirroring worker_fn in the fork-based model this package emulates
// via self-reexec (see RegisterWorker).
type WorkerFunc func(target *Target) error

const (
	envWorkerName            = "GOSV_WORKER_NAME"
	envWorkerID              = "GOSV_WORKER_ID"
	envHeartbeatInterval     = "GOSV_HEARTBEAT_INTERVAL"
	envAutoHeartbeat         = "GOSV_AUTO_HEARTBEAT"
	envAbortOnHeartbeatError = "GOSV_ABORT_ON_HEARTBEAT_ERROR"

	// workerPipeFD is the descriptor the heartbeat pipe's write-end lands
	// on inside a re-exec'd worker: stdin/stdout/stderr occupy 0-2, and
	// ExtraFiles[0] is handed the next slot by os/exec.
	workerPipeFD = 3
)

var (
	registryMu sync.RWMutex
	registry   = map[string]WorkerFunc{}
)

// RegisterWorker makes fn reachable by name from a re-exec'd child. Go
// cannot fork(2) without exec(2) and keep running arbitrary Go code in the
// child — the runtime's goroutines, timers and GC all assume a full,
// unforked address space — so spawn() re-execs the current binary instead
// and looks the worker up by name on the other side. Call RegisterWorker
// during package init or early in main(), before Spawn is ever called.
func RegisterWorker(name string, fn WorkerFunc) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = fn
}

func lookupWorker(name string) (WorkerFunc, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := registry[name]
	return fn, ok
}

// MaybeRunWorker inspects the environment and, if this process was
// re-exec'd as a worker, runs the registered worker function and exits —
// it never returns in that case. Call this at the very top of main(), in
// every binary that registers workers and spawns them.
func MaybeRunWorker() {
	name := os.Getenv(envWorkerName)
	if name == "" {
		return
	}
	runWorkerProcess(name)
}

func runWorkerProcess(name string) {
	log := zerolog.New(os.Stderr).With().
		Timestamp().
		Str("worker_name", name).
		Str("worker_id", os.Getenv(envWorkerID)).
		Logger()

	fn, ok := lookupWorker(name)
	if !ok {
		log.Error().Msg("unknown worker name")
		os.Exit(1)
	}

	writeFile := os.NewFile(uintptr(workerPipeFD), "gosv-heartbeat")
	if writeFile == nil {
		log.Error().Msg("heartbeat pipe descriptor missing")
		os.Exit(1)
	}
	target := &Target{write: writeFile}

	var stop chan struct{}
	if os.Getenv(envAutoHeartbeat) != "0" {
		interval := parseDurationEnv(envHeartbeatInterval, time.Second)
		abortOnError := os.Getenv(envAbortOnHeartbeatError) != "0"
		stop = make(chan struct{})
		go runHeartbeatEmitter(target, interval, abortOnError, nil, stop)
	}

	runErr := invokeWorker(fn, target, log)

	if stop != nil {
		close(stop)
	}
	_ = target.Close()

	if runErr != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

// invokeWorker calls fn, recovering a panic and reporting either case to
// the child's diagnostic sink as a WorkerException. The parent never sees
// this value — it only observes pipe EOF plus this exit code.
func invokeWorker(fn WorkerFunc, target *Target, log zerolog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			we := &WorkerException{WorkerName: "", Err: fmt.Errorf("panic: %v", r)}
			log.Error().Err(we).Msg("worker panicked")
			err = we
		}
	}()

	if runErr := fn(target); runErr != nil {
		we := &WorkerException{Err: runErr}
		log.Error().Err(we).Msg("worker returned error")
		return we
	}
	return nil
}

func parseDurationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
