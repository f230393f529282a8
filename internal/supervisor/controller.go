package supervisor

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// waitTick is the controller's keepalive cadence while auto-tick drives
// the ProcessManager, a coarse 500ms that is not latency-critical; without
// auto-tick, Run waits TickInterval instead.
const waitTick = 500 * time.Millisecond

// StartWorkerFunc spawns the worker meant to occupy slot i and returns its
// Monitor. Supplied by the embedder, typically closing over a worker name
// to pass to ProcessManager.Spawn.
type StartWorkerFunc func(slot int) (*Monitor, error)

// MultiWorkerController keeps exactly NumWorkers live Monitors occupying
// the first NumWorkers slots, staggering restarts via delayedStartWorker.
type MultiWorkerController struct {
	mu sync.Mutex

	numWorkers          int
	slots               []*Monitor
	lastStartWorkerTime time.Time
	stopRequested       bool

	cfg         Config
	clock       Clock
	startWorker StartWorkerFunc
	log         zerolog.Logger
}

// NewMultiWorkerController constructs a controller targeting cfg.Workers
// slots, spawning new workers via startWorker.
func NewMultiWorkerController(cfg Config, startWorker StartWorkerFunc, log zerolog.Logger) *MultiWorkerController {
	c := &MultiWorkerController{
		numWorkers:  cfg.Workers,
		cfg:         cfg,
		clock:       SystemClock,
		startWorker: startWorker,
		log:         log.With().Str("component", "controller").Logger(),
	}
	c.growSlotsLocked(cfg.Workers)
	return c
}

func (c *MultiWorkerController) growSlotsLocked(n int) {
	for len(c.slots) < n {
		c.slots = append(c.slots, nil)
	}
}

// Scale sets the target worker count. Shrinking does not stop anything
// itself; the next Keepalive call sends stop to every slot index at or
// beyond the new target and drops it once its Monitor is reaped.
func (c *MultiWorkerController) Scale(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.numWorkers = n
	c.growSlotsLocked(n)
}

// Stop sets stop_requested and sends stop to every present Monitor.
func (c *MultiWorkerController) Stop(graceful bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopRequested = true
	for _, m := range c.slots {
		if m != nil {
			m.SendStop(graceful)
		}
	}
}

// Restart sends stop to every present Monitor without setting
// stop_requested, so Keepalive immediately starts replacements once each
// slot's Monitor reports not-alive. The embedder drives the actual
// clearing of stop_requested when stop was used instead; Restart itself
// never sets it.
func (c *MultiWorkerController) Restart(graceful bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.slots {
		if m != nil {
			m.SendStop(graceful)
		}
	}
}

// ClearStopRequested lets an embedder resume keepalive after Stop, turning
// the same state machine into the restart behavior the operations table
// describes as "the run loop re-entering with stop_requested cleared".
func (c *MultiWorkerController) ClearStopRequested() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopRequested = false
}

// Reload sends the reload signal to every present Monitor.
func (c *MultiWorkerController) Reload() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.slots {
		if m != nil {
			m.SendReload()
		}
	}
}

// Run loops calling Keepalive and waiting one tick until no workers remain
// live, at which point it returns. Intended to run on its own goroutine.
func (c *MultiWorkerController) Run() {
	for {
		n := c.Keepalive()
		if n == 0 {
			return
		}
		time.Sleep(c.waitTickDuration())
	}
}

func (c *MultiWorkerController) waitTickDuration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg.AutoTick {
		return waitTick
	}
	return c.cfg.TickInterval
}

// Keepalive reconciles slots against NumWorkers: live slots within target
// are counted, empty slots below the target are (re)started, and present
// slots at or beyond the target are sent stop and counted live until
// reaped (scale-down). Returns the live count after reconciliation.
func (c *MultiWorkerController) Keepalive() int {
	c.mu.Lock()
	target := c.numWorkers
	stopRequested := c.stopRequested
	slots := append([]*Monitor(nil), c.slots...)
	c.mu.Unlock()

	live := 0
	for i, m := range slots {
		switch {
		case m != nil && i >= target:
			m.SendStop(true)
			if m.Alive() {
				live++
			} else {
				c.setSlot(i, nil)
			}
		case m != nil && m.Alive():
			live++
		case i < target && !stopRequested:
			started, err := c.delayedStartWorker(i)
			if err != nil {
				c.log.Error().Err(err).Int("slot", i).Msg("failed to start worker")
				continue
			}
			c.setSlot(i, started)
			live++
		case m != nil:
			c.setSlot(i, nil)
		}
	}
	return live
}

func (c *MultiWorkerController) setSlot(i int, m *Monitor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < len(c.slots) {
		c.slots[i] = m
	}
}

// delayedStartWorker staggers spawns: if start_worker_delay > 0, it sleeps
// until at least base+jitter has elapsed since the last spawn, then
// delegates to the embedder's StartWorkerFunc.
func (c *MultiWorkerController) delayedStartWorker(slot int) (*Monitor, error) {
	c.mu.Lock()
	base := c.cfg.StartWorkerDelay
	jitter := c.cfg.StartWorkerDelayRand
	last := c.lastStartWorkerTime
	c.mu.Unlock()

	if base > 0 {
		delay := base + time.Duration((rand.Float64()-0.5)*jitter*float64(base))
		if delay < 0 {
			delay = 0
		}
		elapsed := c.clock.Now().Sub(last)
		if remaining := delay - elapsed; remaining > 0 {
			time.Sleep(remaining)
		}
	}

	c.mu.Lock()
	c.lastStartWorkerTime = c.clock.Now()
	c.mu.Unlock()

	return c.startWorker(slot)
}
