package supervisor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestControllerKeepaliveStartsMissingSlots(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Workers = 3
	cfg.StartWorkerDelay = 0

	var started int32
	startWorker := func(slot int) (*Monitor, error) {
		atomic.AddInt32(&started, 1)
		ops := &fakeProcessOps{}
		return newMonitor("w", slot+1, cfg, newFakeClock(time.Unix(0, 0)), ops, zerolog.Nop()), nil
	}

	c := NewMultiWorkerController(*cfg, startWorker, zerolog.Nop())
	live := c.Keepalive()

	require.Equal(t, 3, live)
	require.EqualValues(t, 3, atomic.LoadInt32(&started))
}

func TestControllerKeepaliveDoesNotRestartAliveSlots(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Workers = 1

	var started int32
	startWorker := func(slot int) (*Monitor, error) {
		atomic.AddInt32(&started, 1)
		ops := &fakeProcessOps{}
		return newMonitor("w", slot+1, cfg, newFakeClock(time.Unix(0, 0)), ops, zerolog.Nop()), nil
	}

	c := NewMultiWorkerController(*cfg, startWorker, zerolog.Nop())
	require.Equal(t, 1, c.Keepalive())
	require.Equal(t, 1, c.Keepalive())
	require.EqualValues(t, 1, atomic.LoadInt32(&started))
}

func TestControllerScaleDownDropsExcessSlotOnceReaped(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Workers = 2

	var monitors []*Monitor
	var allOps []*fakeProcessOps
	var mu sync.Mutex
	startWorker := func(slot int) (*Monitor, error) {
		ops := &fakeProcessOps{}
		m := newMonitor("w", slot+1, cfg, newFakeClock(time.Unix(0, 0)), ops, zerolog.Nop())
		mu.Lock()
		monitors = append(monitors, m)
		allOps = append(allOps, ops)
		mu.Unlock()
		return m, nil
	}

	c := NewMultiWorkerController(*cfg, startWorker, zerolog.Nop())
	require.Equal(t, 2, c.Keepalive())

	// Scale-down alone (no global Stop) must still send stop to every slot
	// at or beyond the new target; the excess slot is counted live until
	// its Monitor is actually reaped.
	c.Scale(0)
	require.Equal(t, 2, c.Keepalive())

	mu.Lock()
	require.Equal(t, "graceful_kill", monitors[0].State())
	require.Equal(t, "graceful_kill", monitors[1].State())
	for i, m := range monitors {
		allOps[i].exited = true
		m.TryJoin()
	}
	mu.Unlock()
	require.Equal(t, 0, c.Keepalive())
}

func TestControllerStopPreventsRestart(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Workers = 1

	ops := &fakeProcessOps{}
	var mu sync.Mutex
	var live *Monitor
	startWorker := func(slot int) (*Monitor, error) {
		mu.Lock()
		defer mu.Unlock()
		live = newMonitor("w", slot+1, cfg, newFakeClock(time.Unix(0, 0)), ops, zerolog.Nop())
		return live, nil
	}

	c := NewMultiWorkerController(*cfg, startWorker, zerolog.Nop())
	require.Equal(t, 1, c.Keepalive())

	c.Stop(true)

	mu.Lock()
	require.Equal(t, "graceful_kill", live.State())
	ops.mu.Lock()
	ops.exited = true
	ops.mu.Unlock()
	live.TryJoin()
	mu.Unlock()

	// With stop requested, the reaped slot is cleared instead of restarted.
	require.Equal(t, 0, c.Keepalive())
}

func TestControllerReloadSendsReloadSignal(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Workers = 1

	ops := &fakeProcessOps{}
	startWorker := func(slot int) (*Monitor, error) {
		return newMonitor("w", slot+1, cfg, newFakeClock(time.Unix(0, 0)), ops, zerolog.Nop()), nil
	}

	c := NewMultiWorkerController(*cfg, startWorker, zerolog.Nop())
	c.Keepalive()
	c.Reload()

	require.Contains(t, ops.sentSignals(), cfg.ReloadSignal)
}
