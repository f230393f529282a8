package supervisor

import (
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance "now" without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock { return &fakeClock{now: start} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// fakeProcessOps records every signal sent and lets a test script a reap
// outcome, so the Monitor state machine can be driven without real
// processes.
type fakeProcessOps struct {
	mu        sync.Mutex
	signals   []syscall.Signal
	calls     int
	signalErr error
	exited    bool
}

func (f *fakeProcessOps) signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.signals = append(f.signals, sig)
	return f.signalErr
}

func (f *fakeProcessOps) tryReap(pid int) (bool, reapStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.exited {
		return true, reapStatus{ExitCode: 0}, nil
	}
	return false, reapStatus{}, nil
}

func (f *fakeProcessOps) reap(pid int) (reapStatus, error) {
	return reapStatus{ExitCode: 0}, nil
}

func (f *fakeProcessOps) sentSignals() []syscall.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]syscall.Signal, len(f.signals))
	copy(out, f.signals)
	return out
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.HeartbeatTimeout = 10 * time.Second
	cfg.GracefulKillInterval = time.Second
	cfg.GracefulKillIntervalIncrement = 0
	cfg.ImmediateKillInterval = time.Second
	cfg.ImmediateKillIntervalIncrement = 0
	cfg.ImmediateKillTimeout = 3 * time.Second
	return &cfg
}

func newTestMonitor(cfg *Config, clock Clock, ops processOps) *Monitor {
	return newMonitor("w-1", 4242, cfg, clock, ops, zerolog.Nop())
}

func TestMonitorAliveInitially(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Unix(0, 0))
	m := newTestMonitor(testConfig(), clock, &fakeProcessOps{})
	require.True(t, m.Alive())
	require.Equal(t, "running", m.State())
}

func TestMonitorHeartbeatTimeoutEscalatesToImmediateKill(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Unix(0, 0))
	ops := &fakeProcessOps{}
	cfg := testConfig()
	m := newTestMonitor(cfg, clock, ops)

	now := clock.Advance(cfg.HeartbeatTimeout)
	require.True(t, m.Tick(now))
	require.Equal(t, "immediate_kill", m.State())
	require.Contains(t, ops.sentSignals(), cfg.ImmediateKillSignal)
}

func TestMonitorGracefulThenImmediateThenForce(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Unix(0, 0))
	ops := &fakeProcessOps{}
	cfg := testConfig()
	m := newTestMonitor(cfg, clock, ops)

	m.SendStop(true)
	require.Equal(t, "graceful_kill", m.State())

	now := clock.Now()
	require.True(t, m.Tick(now))
	require.Equal(t, []syscall.Signal{cfg.GracefulKillSignal}, ops.sentSignals())

	// An explicit non-graceful stop escalates GracefulKill straight to
	// ImmediateKill, same as a heartbeat timeout would.
	m.SendStop(false)
	require.Equal(t, "immediate_kill", m.State())

	now = clock.Advance(cfg.ImmediateKillTimeout + time.Second)
	require.True(t, m.Tick(now))
	require.Equal(t, "force_kill", m.State())

	sigs := ops.sentSignals()
	require.Contains(t, sigs, forceKillSignal)
}

func TestMonitorHeartbeatPreventsEscalation(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Unix(0, 0))
	ops := &fakeProcessOps{}
	cfg := testConfig()
	m := newTestMonitor(cfg, clock, ops)

	now := clock.Advance(cfg.HeartbeatTimeout - time.Second)
	m.recordHeartbeat(now)
	require.True(t, m.Tick(now))
	require.Equal(t, "running", m.State())
	require.Empty(t, ops.sentSignals())
}

func TestMonitorTryJoinReportsStillRunningThenExited(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Unix(0, 0))
	ops := &fakeProcessOps{}
	cfg := testConfig()
	m := newTestMonitor(cfg, clock, ops)

	result := m.TryJoin()
	require.True(t, result.StillRunning)
	require.True(t, m.Alive())

	ops.mu.Lock()
	ops.exited = true
	ops.mu.Unlock()
	result = m.TryJoin()
	require.True(t, result.Exited)
	require.False(t, m.Alive())
}

func TestMonitorChildGoneDuringSignalClearsPid(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Unix(0, 0))
	ops := &fakeProcessOps{signalErr: syscall.ESRCH}
	cfg := testConfig()
	m := newTestMonitor(cfg, clock, ops)

	m.SendStop(true)
	now := clock.Now()
	require.False(t, m.Tick(now))
	require.False(t, m.Alive())
}

func TestMonitorKillSentHookFires(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Unix(0, 0))
	ops := &fakeProcessOps{}
	cfg := testConfig()
	m := newTestMonitor(cfg, clock, ops)

	var stages []string
	m.SetHooks(MonitorHooks{OnKillSent: func(stage string) { stages = append(stages, stage) }})

	m.SendStop(true)
	m.Tick(clock.Now())
	require.Equal(t, []string{"graceful_kill"}, stages)
}
