package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

// readChunk bounds how much a single ready-pipe read drains per event.
// Content is discarded — any successful read counts as liveness.
const readChunk = 512

// ProcessManager spawns children with a private heartbeat pipe,
// multiplexes heartbeat reads across all live pipes, and drives Monitor
// ticks on a single clock.
type ProcessManager struct {
	mu       sync.Mutex
	monitors []*Monitor
	pipes    map[int]*Monitor // read-fd -> owning Monitor
	closed   bool

	cfg   Config
	clock Clock
	log   zerolog.Logger

	execPath string
	execArgs []string

	autoTickStop chan struct{}
	autoTickDone chan struct{}

	hooks          MonitorHooks
	onSpawn        func()
	onSpawnFailure func()
}

// SetObservabilityHooks wires optional callbacks: onSpawn/onSpawnFailure
// fire around Spawn, and monitorHooks is installed on every Monitor this
// ProcessManager creates afterward. Existing monitors are unaffected.
func (pm *ProcessManager) SetObservabilityHooks(onSpawn, onSpawnFailure func(), monitorHooks MonitorHooks) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.onSpawn = onSpawn
	pm.onSpawnFailure = onSpawnFailure
	pm.hooks = monitorHooks
}

// NewProcessManager validates cfg and constructs a ProcessManager. If
// cfg.AutoTick is set, a background tick context is started immediately.
func NewProcessManager(cfg Config, log zerolog.Logger) (*ProcessManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	execPath, err := os.Executable()
	if err != nil {
		execPath = os.Args[0]
	}

	pm := &ProcessManager{
		pipes:    make(map[int]*Monitor),
		cfg:      cfg,
		clock:    SystemClock,
		log:      log.With().Str("component", "process_manager").Logger(),
		execPath: execPath,
		execArgs: os.Args[1:],
	}

	if cfg.AutoTick {
		pm.startAutoTick()
	}
	return pm, nil
}

// Spawn allocates a heartbeat pipe, re-execs the current binary with
// workerName selecting which registered WorkerFunc runs on the other side,
// and returns the new Monitor.
func (pm *ProcessManager) Spawn(workerName string) (_ *Monitor, err error) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	defer func() {
		if err != nil && pm.onSpawnFailure != nil {
			pm.onSpawnFailure()
		}
	}()

	if pm.closed {
		return nil, ErrAlreadyClosed
	}

	fds, err := unix.Pipe2(nil, 0)
	if err != nil {
		return nil, fmt.Errorf("supervisor: allocate heartbeat pipe: %w", err)
	}
	readFd, writeFd := fds[0], fds[1]

	if err := applyCloexec(readFd, writeFd, pm.cfg.CloexecMode); err != nil {
		unix.Close(readFd)
		unix.Close(writeFd)
		return nil, err
	}
	if err := unix.SetNonblock(readFd, true); err != nil {
		unix.Close(readFd)
		unix.Close(writeFd)
		return nil, fmt.Errorf("supervisor: set pipe nonblocking: %w", err)
	}

	writeFile := os.NewFile(uintptr(writeFd), "gosv-heartbeat-write")
	workerID := uuid.NewString()

	cmd := exec.Command(pm.execPath, pm.execArgs...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{writeFile}
	cmd.Env = append(os.Environ(),
		envWorkerName+"="+workerName,
		envWorkerID+"="+workerID,
		fmt.Sprintf("%s=%s", envHeartbeatInterval, pm.cfg.HeartbeatInterval),
		envAutoHeartbeat+"="+boolEnv(pm.cfg.AutoHeartbeat),
		envAbortOnHeartbeatError+"="+boolEnv(pm.cfg.AbortOnHeartbeatError),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		writeFile.Close()
		unix.Close(readFd)
		return nil, fmt.Errorf("supervisor: start worker %q: %w", workerName, err)
	}

	// The parent never writes heartbeats; close its copy of the write-end
	// now that the child holds its own inherited copy.
	writeFile.Close()

	monitor := newMonitor(workerID, cmd.Process.Pid, &pm.cfg, pm.clock, defaultProcessOps, pm.log)
	monitor.SetHooks(pm.hooks)
	pm.pipes[readFd] = monitor
	pm.monitors = append(pm.monitors, monitor)

	if pm.onSpawn != nil {
		pm.onSpawn()
	}
	pm.log.Info().Str("worker_name", workerName).Str("worker_id", workerID).Int("pid", cmd.Process.Pid).Msg("spawned worker")
	return monitor, nil
}

func boolEnv(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func applyCloexec(readFd, writeFd int, mode CloexecMode) error {
	switch mode {
	case CloexecTargetOnly:
		return setCloexec(writeFd)
	case CloexecMonitorOnly:
		return setCloexec(readFd)
	default: // CloexecBoth
		if err := setCloexec(readFd); err != nil {
			return err
		}
		return setCloexec(writeFd)
	}
}

func setCloexec(fd int) error {
	_, _, errno := unix.Syscall(unix.SYS_FCNTL, uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC)
	if errno != 0 {
		return fmt.Errorf("supervisor: set cloexec on fd %d: %w", fd, errno)
	}
	return nil
}

// Close sets the closed flag and closes all pipe read-ends. Subsequent
// Tick calls return ErrAlreadyClosed. Idempotent.
func (pm *ProcessManager) Close() error {
	pm.mu.Lock()
	if pm.closed {
		pm.mu.Unlock()
		return nil
	}
	pm.closed = true
	for fd := range pm.pipes {
		unix.Close(fd)
	}
	pm.pipes = make(map[int]*Monitor)
	stop := pm.autoTickStop
	done := pm.autoTickDone
	pm.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	return nil
}

// Monitors returns a snapshot of the currently tracked monitors, in
// creation order.
func (pm *ProcessManager) Monitors() []*Monitor {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]*Monitor, len(pm.monitors))
	copy(out, pm.monitors)
	return out
}

// Tick runs one iteration of the supervisor loop: waits up to
// blockingTimeout for a ready heartbeat pipe, drains ready pipes, and
// advances every Monitor's kill state machine on a single "now" sample.
func (pm *ProcessManager) Tick(blockingTimeout time.Duration) error {
	pm.mu.Lock()
	if pm.closed {
		pm.mu.Unlock()
		return ErrAlreadyClosed
	}
	fds := make([]int, 0, len(pm.pipes))
	for fd := range pm.pipes {
		fds = append(fds, fd)
	}
	pm.mu.Unlock()

	// Even with no pipes to wait on (every live Monitor already had its
	// pipe evicted on EOF), the Monitor list below still needs ticking: an
	// evicted Monitor whose child outlived its pipe's write-end is only
	// escalated/reaped by this loop, not by pipe readiness. waitReadable
	// sleeps out blockingTimeout itself when fds is empty.

	ready, err := waitReadable(fds, blockingTimeout)
	if err != nil && !isRetryableSelectErr(err) {
		return fmt.Errorf("supervisor: pipe readiness wait: %w", err)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.closed {
		return ErrAlreadyClosed
	}

	now := pm.clock.Now()

	buf := make([]byte, readChunk)
	for _, fd := range ready {
		monitor, ok := pm.pipes[fd]
		if !ok {
			continue // raced with a Close/eviction between wait and lock
		}
		n, err := unix.Read(fd, buf)
		switch {
		case err == unix.EAGAIN || err == unix.EINTR:
			// Transparent; retry next tick.
		case err != nil || n == 0:
			delete(pm.pipes, fd)
			unix.Close(fd)
			monitor.noteChildEOF(now)
		default:
			monitor.recordHeartbeat(now)
		}
	}

	live := pm.monitors[:0]
	for _, monitor := range pm.monitors {
		if monitor.Tick(now) {
			live = append(live, monitor)
		}
	}
	pm.monitors = live

	return nil
}

// startAutoTick launches a background context that calls Tick(tick_interval)
// in a loop until Close, providing a self-driven supervisor without the
// embedder calling Tick.
func (pm *ProcessManager) startAutoTick() {
	pm.autoTickStop = make(chan struct{})
	pm.autoTickDone = make(chan struct{})

	go func() {
		defer close(pm.autoTickDone)
		for {
			select {
			case <-pm.autoTickStop:
				return
			default:
			}
			if err := pm.Tick(pm.cfg.TickInterval); err != nil {
				if err == ErrAlreadyClosed {
					return
				}
				pm.log.Error().Err(err).Msg("tick failed")
			}
		}
	}()
}
