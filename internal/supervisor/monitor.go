package supervisor

import (
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// forceKillSignal is the operating system's unconditional-termination
// signal, sent unconditionally in ForceKill.
const forceKillSignal = syscall.SIGKILL

// killState is the Monitor's kill-stage state machine.
type killState int

const (
	stateRunning killState = iota
	stateGracefulKill
	stateImmediateKill
	stateForceKill
	stateTerminal
)

func (s killState) String() string {
	switch s {
	case stateRunning:
		return "running"
	case stateGracefulKill:
		return "graceful_kill"
	case stateImmediateKill:
		return "immediate_kill"
	case stateForceKill:
		return "force_kill"
	case stateTerminal:
		return "terminal"
	default:
		return "unknown"
	}
}

// ReapResult is the outcome of TryJoin/Join: a terminal status, "still
// running", or "was already absent".
type ReapResult struct {
	StillRunning  bool
	AlreadyAbsent bool
	Exited        bool
	ExitCode      int
	Signaled      bool
	Err           error
}

// Monitor tracks one child's health and executes the staged kill protocol
// against it. Monitor reads tuning from its owning ProcessManager's config
// snapshot but never holds ownership over it — the ProcessManager owns the
// Monitor, never the reverse.
type Monitor struct {
	mu sync.Mutex

	id  string
	pid int // 0 once absent

	lastHeartbeatTime      time.Time
	nextKillTime           time.Time
	gracefulKillStartTime  time.Time
	immediateKillStartTime time.Time
	killCount              int
	state                  killState

	cfg   *Config
	clock Clock
	ops   processOps
	log   zerolog.Logger

	hooks MonitorHooks
}

// MonitorHooks lets an embedder observe kill signals and exits without the
// Monitor depending on any particular metrics backend. Both fields may be
// left nil.
type MonitorHooks struct {
	OnKillSent func(stage string)
	OnExit     func(reason string)
}

func newMonitor(id string, pid int, cfg *Config, clock Clock, ops processOps, log zerolog.Logger) *Monitor {
	now := clock.Now()
	return &Monitor{
		id:                id,
		pid:               pid,
		lastHeartbeatTime: now,
		state:             stateRunning,
		cfg:               cfg,
		clock:             clock,
		ops:               ops,
		log:               log.With().Str("worker_id", id).Int("pid", pid).Logger(),
	}
}

// SetHooks installs observability hooks. Call once, right after creation.
func (m *Monitor) SetHooks(hooks MonitorHooks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = hooks
}

// ID returns the spawn-attempt id stamped on this monitor's worker.
func (m *Monitor) ID() string { return m.id }

// PID returns the child's pid and whether it is still present.
func (m *Monitor) PID() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pid, m.pid != 0
}

// Alive reports true while pid is present and no terminal tick has
// reported otherwise.
func (m *Monitor) Alive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pid != 0
}

// State exposes the current kill-stage for diagnostics/tests.
func (m *Monitor) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.String()
}

// KillCount exposes the in-stage signal count for diagnostics/tests.
func (m *Monitor) KillCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.killCount
}

// recordHeartbeat refreshes last_heartbeat_time. Called by ProcessManager's
// tick loop after a successful pipe read.
func (m *Monitor) recordHeartbeat(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastHeartbeatTime = now
}

// SendStop sets graceful_kill_start_time (and next_kill_time) to now if
// graceful, otherwise sets immediate_kill_start_time and escalates
// straight to ImmediateKill. Idempotent: does not move timestamps already
// set, and never moves a stage backward.
func (m *Monitor) SendStop(graceful bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pid == 0 {
		return
	}
	now := m.clock.Now()
	if graceful {
		if m.gracefulKillStartTime.IsZero() {
			m.gracefulKillStartTime = now
		}
		if m.state == stateRunning {
			m.state = stateGracefulKill
			if m.nextKillTime.IsZero() {
				m.nextKillTime = now
			}
		}
	} else {
		m.enterImmediateKillLocked(now)
	}
}

// SendReload delivers the reload signal best-effort; errors are swallowed.
func (m *Monitor) SendReload() {
	m.mu.Lock()
	pid := m.pid
	m.mu.Unlock()
	if pid == 0 {
		return
	}
	_ = m.ops.signal(pid, m.cfg.ReloadSignal)
}

// enterImmediateKillLocked transitions Running/GracefulKill -> ImmediateKill,
// resetting kill_count to 0 and scheduling the first immediate-stage
// signal for "now". Must be called with m.mu held.
func (m *Monitor) enterImmediateKillLocked(now time.Time) {
	if m.immediateKillStartTime.IsZero() {
		m.immediateKillStartTime = now
	}
	if m.state == stateRunning || m.state == stateGracefulKill {
		m.state = stateImmediateKill
		m.killCount = 0
		m.nextKillTime = now
	}
}

// enterForceKillLocked transitions ImmediateKill -> ForceKill. kill_count
// and next_kill_time carry over unchanged — the interval and increment
// stay the immediate stage's. Must be called with m.mu held.
func (m *Monitor) enterForceKillLocked() {
	if m.state == stateImmediateKill {
		m.state = stateForceKill
	}
}

// clearPidLocked marks the child as gone: no further signals, not-alive.
// Must be called with m.mu held.
func (m *Monitor) clearPidLocked() {
	m.pid = 0
	m.state = stateTerminal
}

// TryJoin performs a non-blocking reap. Returns a ReapResult with Exited
// true on success, StillRunning true if the child is still running, or
// AlreadyAbsent true if pid was already absent. ECHILD/ESRCH/EPERM are
// treated as "the child is gone" and reported via Err.
func (m *Monitor) TryJoin() ReapResult {
	m.mu.Lock()
	pid := m.pid
	m.mu.Unlock()
	if pid == 0 {
		return ReapResult{AlreadyAbsent: true}
	}

	done, status, err := m.ops.tryReap(pid)
	if err != nil {
		if isChildGoneErr(err) {
			m.mu.Lock()
			m.clearPidLocked()
			hook := m.hooks.OnExit
			m.mu.Unlock()
			if hook != nil {
				hook("reap_error")
			}
			return ReapResult{Err: &ChildReapError{Pid: pid, Op: "wait4", Err: err}}
		}
		// Unexpected error: treat as still running, retry next tick.
		return ReapResult{StillRunning: true}
	}
	if !done {
		return ReapResult{StillRunning: true}
	}

	m.mu.Lock()
	m.clearPidLocked()
	hook := m.hooks.OnExit
	m.mu.Unlock()
	if hook != nil {
		hook(exitReason(status))
	}
	return ReapResult{Exited: true, ExitCode: status.ExitCode, Signaled: status.Signaled}
}

// Join performs a blocking reap; it never returns "still running".
func (m *Monitor) Join() ReapResult {
	m.mu.Lock()
	pid := m.pid
	m.mu.Unlock()
	if pid == 0 {
		return ReapResult{AlreadyAbsent: true}
	}

	status, err := m.ops.reap(pid)
	if err != nil {
		if isChildGoneErr(err) {
			m.mu.Lock()
			m.clearPidLocked()
			hook := m.hooks.OnExit
			m.mu.Unlock()
			if hook != nil {
				hook("reap_error")
			}
			return ReapResult{Err: &ChildReapError{Pid: pid, Op: "wait4", Err: err}}
		}
		return ReapResult{Err: err}
	}

	m.mu.Lock()
	m.clearPidLocked()
	hook := m.hooks.OnExit
	m.mu.Unlock()
	if hook != nil {
		hook(exitReason(status))
	}
	return ReapResult{Exited: true, ExitCode: status.ExitCode, Signaled: status.Signaled}
}

func exitReason(status reapStatus) string {
	if status.Signaled {
		return "signaled"
	}
	return "clean"
}

// noteChildEOF is called by ProcessManager when a heartbeat pipe read hits
// EOF or an unrecoverable error: the worker closed its write-end, normally
// because it exited. Treated the same as a heartbeat timeout, escalating
// straight to ImmediateKill so the reap that follows isn't left waiting out
// the graceful window for a process that is already gone.
func (m *Monitor) noteChildEOF(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == stateTerminal {
		return
	}
	m.enterImmediateKillLocked(now)
}

// Tick advances the state machine for one iteration sampled at "now".
// Returns true if the monitor should stay in the pipe set, false once pid
// has been cleared.
func (m *Monitor) Tick(now time.Time) bool {
	// Reap attempt happens first: a child that has already exited must
	// not be signaled again this iteration.
	if reap := m.TryJoin(); reap.Exited || reap.Err != nil {
		return false
	} else if reap.AlreadyAbsent {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	heartbeatDelay := now.Sub(m.lastHeartbeatTime)

	switch m.state {
	case stateRunning:
		if heartbeatDelay >= m.cfg.HeartbeatTimeout {
			m.log.Warn().Dur("heartbeat_delay", heartbeatDelay).Msg("heartbeat timeout, escalating to immediate kill")
			m.enterImmediateKillLocked(now)
		}
	case stateGracefulKill:
		gracefulExceeded := m.cfg.GracefulKillTimeout > 0 &&
			now.Sub(m.gracefulKillStartTime) >= m.cfg.GracefulKillTimeout
		if gracefulExceeded || heartbeatDelay >= m.cfg.HeartbeatTimeout {
			m.enterImmediateKillLocked(now)
		}
	case stateImmediateKill:
		if now.Sub(m.immediateKillStartTime) >= m.cfg.ImmediateKillTimeout {
			m.enterForceKillLocked()
		}
	case stateForceKill:
		// Absorbing until reaped; signal resend handled below.
	case stateTerminal:
		return false
	}

	if m.state != stateRunning && !now.Before(m.nextKillTime) {
		m.sendStageSignalLocked(now)
	}

	return m.state != stateTerminal
}

// sendStageSignalLocked sends the current stage's signal and reschedules
// next_kill_time using the stage's linear backoff. Must be called with
// m.mu held.
func (m *Monitor) sendStageSignalLocked(now time.Time) {
	var sig syscall.Signal
	var interval, increment time.Duration

	switch m.state {
	case stateGracefulKill:
		sig = m.cfg.GracefulKillSignal
		interval, increment = m.cfg.GracefulKillInterval, m.cfg.GracefulKillIntervalIncrement
	case stateImmediateKill:
		sig = m.cfg.ImmediateKillSignal
		interval, increment = m.cfg.ImmediateKillInterval, m.cfg.ImmediateKillIntervalIncrement
	case stateForceKill:
		sig = forceKillSignal
		interval, increment = m.cfg.ImmediateKillInterval, m.cfg.ImmediateKillIntervalIncrement
	default:
		return
	}

	pid := m.pid
	if pid != 0 {
		if err := m.ops.signal(pid, sig); err != nil && isChildGoneErr(err) {
			m.clearPidLocked()
			return
		}
		m.log.Info().
			Str("stage", m.state.String()).
			Str("signal", sig.String()).
			Int("kill_count", m.killCount).
			Msg("sent kill signal")
		if m.hooks.OnKillSent != nil {
			m.hooks.OnKillSent(m.state.String())
		}
	}

	m.nextKillTime = now.Add(interval + increment*time.Duration(m.killCount))
	m.killCount++
}
