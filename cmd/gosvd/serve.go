package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/raftwell/gosv/internal/diag"
	"github.com/raftwell/gosv/internal/metrics"
	"github.com/raftwell/gosv/internal/reslimit"
	"github.com/raftwell/gosv/internal/supervisor"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor, keeping the configured worker count alive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "gosv.toml", "path to the TOML config file")
	return cmd
}

func runServe(configPath string) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	fc, err := LoadFileConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := fc.ToSupervisorConfig()
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry()
	reg.WorkersTarget.Set(float64(cfg.Workers))

	var groupsMu sync.Mutex
	groups := map[string]*reslimit.Group{}

	var limitsGroup func(workerID string, pid int) (*reslimit.Group, error)
	if fc.Limits != nil {
		reslimit.RequestDelegation() // re-execs under systemd-run and exits, if needed
		if err := reslimit.EnsureControllers(); err != nil {
			log.Warn().Err(err).Msg("resource limits unavailable, continuing without them")
		} else {
			limits := fc.Limits.toReslimit()
			limitsGroup = func(workerID string, pid int) (*reslimit.Group, error) {
				group, err := reslimit.NewGroup(workerID)
				if err != nil {
					return nil, err
				}
				return group, group.Apply(pid, limits)
			}
		}
	}

	pm, err := supervisor.NewProcessManager(cfg, log)
	if err != nil {
		return err
	}
	pm.SetObservabilityHooks(
		func() { reg.Spawns.Inc(); reg.WorkersLive.Inc() },
		func() { reg.SpawnFailures.Inc() },
		supervisor.MonitorHooks{},
	)
	defer pm.Close()

	startWorker := func(slot int) (*supervisor.Monitor, error) {
		m, err := pm.Spawn(commandWorkerName)
		if err != nil {
			return nil, fmt.Errorf("gosvd: spawn slot %d: %w", slot, err)
		}

		workerID := m.ID()
		if limitsGroup != nil {
			if pid, ok := m.PID(); ok {
				group, err := limitsGroup(workerID, pid)
				if err != nil {
					log.Warn().Err(err).Str("worker_id", workerID).Msg("failed to apply resource limits")
				} else {
					groupsMu.Lock()
					groups[workerID] = group
					groupsMu.Unlock()
				}
			}
		}

		m.SetHooks(supervisor.MonitorHooks{
			OnKillSent: func(stage string) { reg.KillsSent.WithLabelValues(stage).Inc() },
			OnExit: func(reason string) {
				reg.ChildExits.WithLabelValues(reason).Inc()
				reg.WorkersLive.Dec()
				groupsMu.Lock()
				if group, ok := groups[workerID]; ok {
					if err := group.Destroy(); err != nil {
						log.Warn().Err(err).Str("worker_id", workerID).Msg("failed to destroy cgroup")
					}
					delete(groups, workerID)
				}
				groupsMu.Unlock()
			},
		})

		return m, nil
	}

	controller := supervisor.NewMultiWorkerController(cfg, startWorker, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				log.Info().Msg("received shutdown signal, stopping gracefully")
				controller.Stop(true)
			case syscall.SIGQUIT:
				log.Info().Msg("received SIGQUIT, stopping immediately")
				controller.Stop(false)
			case syscall.SIGHUP:
				log.Info().Msg("received SIGHUP, reloading workers")
				controller.Reload()
			case syscall.SIGUSR1:
				logIntrospection(log, pm, &groupsMu, groups)
			case syscall.SIGUSR2:
				rescale(log, configPath, controller, reg)
			}
		}
	}()

	if fc.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", reg.Handler())
		server := &http.Server{Addr: fc.MetricsAddr, Handler: mux}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("metrics server failed")
			}
		}()
		log.Info().Str("addr", fc.MetricsAddr).Msg("serving metrics")
	}

	controller.Run()
	log.Info().Msg("all workers drained, exiting")
	return nil
}

// logIntrospection dumps per-worker OS-level state on SIGUSR1: a gopsutil
// snapshot per live pid, plus current cgroup memory usage where a limits
// group was applied.
func logIntrospection(log zerolog.Logger, pm *supervisor.ProcessManager, groupsMu *sync.Mutex, groups map[string]*reslimit.Group) {
	ctx := context.Background()
	for _, m := range pm.Monitors() {
		pid, ok := m.PID()
		if !ok {
			continue
		}
		snap, err := diag.Snapshot(ctx, int32(pid))
		if err != nil {
			log.Warn().Err(err).Str("worker_id", m.ID()).Int("pid", pid).Msg("introspection failed")
			continue
		}
		entry := log.Info().Str("worker_id", m.ID())
		groupsMu.Lock()
		if group, ok := groups[m.ID()]; ok {
			if usage, err := group.MemoryUsage(); err == nil {
				entry = entry.Int64("cgroup_memory_bytes", usage)
			}
		}
		groupsMu.Unlock()
		entry.Msg(snap.String())
	}
}

// rescale re-reads configPath's worker count and applies it via
// Controller.Scale, the SIGUSR2 operator action.
func rescale(log zerolog.Logger, configPath string, controller *supervisor.MultiWorkerController, reg *metrics.Registry) {
	fc, err := LoadFileConfig(configPath)
	if err != nil {
		log.Warn().Err(err).Msg("SIGUSR2 rescale: failed to reload config")
		return
	}
	if fc.Workers <= 0 {
		log.Warn().Int("workers", fc.Workers).Msg("SIGUSR2 rescale: ignoring non-positive worker count")
		return
	}
	log.Info().Int("workers", fc.Workers).Msg("received SIGUSR2, rescaling")
	controller.Scale(fc.Workers)
	reg.WorkersTarget.Set(float64(fc.Workers))
}
