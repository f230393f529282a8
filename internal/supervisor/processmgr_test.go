package supervisor

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestProcessManager(t *testing.T, clock Clock) *ProcessManager {
	t.Helper()
	cfg := testConfig()
	cfg.AutoTick = false
	return &ProcessManager{
		pipes: make(map[int]*Monitor),
		cfg:   *cfg,
		clock: clock,
		log:   zerolog.Nop(),
	}
}

func makeTestPipe(t *testing.T) (readFd, writeFd int) {
	t.Helper()
	fds, err := unix.Pipe2(nil, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestProcessManagerTickRecordsHeartbeatOnReadablePipe(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Unix(0, 0))
	pm := newTestProcessManager(t, clock)

	readFd, writeFd := makeTestPipe(t)
	ops := &fakeProcessOps{}
	monitor := newMonitor("w-1", 1, &pm.cfg, clock, ops, zerolog.Nop())

	pm.pipes[readFd] = monitor
	pm.monitors = append(pm.monitors, monitor)

	_, err := unix.Write(writeFd, []byte{0})
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	require.NoError(t, pm.Tick(100*time.Millisecond))

	require.Len(t, pm.Monitors(), 1)
}

func TestProcessManagerTickEvictsOnEOF(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Unix(0, 0))
	pm := newTestProcessManager(t, clock)

	readFd, writeFd := makeTestPipe(t)
	ops := &fakeProcessOps{}
	monitor := newMonitor("w-1", 1, &pm.cfg, clock, ops, zerolog.Nop())

	pm.pipes[readFd] = monitor
	pm.monitors = append(pm.monitors, monitor)

	unix.Close(writeFd) // the child "exited"

	require.NoError(t, pm.Tick(100*time.Millisecond))

	require.Equal(t, "immediate_kill", monitor.State())
	_, stillTracked := pm.pipes[readFd]
	require.False(t, stillTracked)
}

func TestProcessManagerTickWithNoPipesSleeps(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Unix(0, 0))
	pm := newTestProcessManager(t, clock)

	start := time.Now()
	require.NoError(t, pm.Tick(30*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestProcessManagerTickStillAdvancesMonitorsWithoutPipes(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Unix(0, 0))
	pm := newTestProcessManager(t, clock)

	// A Monitor that has already had its pipe evicted (child called
	// Target.Close but kept running) must still be escalated/reaped by
	// Tick even though pm.pipes is empty.
	ops := &fakeProcessOps{}
	monitor := newMonitor("w-1", 1, &pm.cfg, clock, ops, zerolog.Nop())
	pm.monitors = append(pm.monitors, monitor)

	clock.Advance(pm.cfg.HeartbeatTimeout + time.Second)
	require.NoError(t, pm.Tick(10*time.Millisecond))

	require.Equal(t, "immediate_kill", monitor.State())
}

func TestProcessManagerTickAfterCloseReturnsErrAlreadyClosed(t *testing.T) {
	t.Parallel()
	clock := newFakeClock(time.Unix(0, 0))
	pm := newTestProcessManager(t, clock)
	require.NoError(t, pm.Close())
	require.ErrorIs(t, pm.Tick(10*time.Millisecond), ErrAlreadyClosed)
}
