package main

import (
	"fmt"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/raftwell/gosv/internal/reslimit"
	"github.com/raftwell/gosv/internal/supervisor"
)

// FileConfig is the on-disk shape gosvd reads, translated into
// supervisor.Config before anything touches the core. The core itself
// never parses a config file; the only environment variables it reads are
// the GOSV_* ones it sets for its own re-exec'd workers.
type FileConfig struct {
	Workers              int     `toml:"workers"`
	Command              string  `toml:"command"`
	StartWorkerDelay     string  `toml:"start_worker_delay"`
	StartWorkerDelayRand float64 `toml:"start_worker_delay_rand"`

	HeartbeatInterval string `toml:"heartbeat_interval"`
	HeartbeatTimeout  string `toml:"heartbeat_timeout"`

	GracefulKillSignal  string `toml:"graceful_kill_signal"`
	ImmediateKillSignal string `toml:"immediate_kill_signal"`
	ReloadSignal        string `toml:"reload_signal"`

	GracefulKillInterval           string `toml:"graceful_kill_interval"`
	GracefulKillIntervalIncrement  string `toml:"graceful_kill_interval_increment"`
	GracefulKillTimeout            string `toml:"graceful_kill_timeout"`
	ImmediateKillInterval          string `toml:"immediate_kill_interval"`
	ImmediateKillIntervalIncrement string `toml:"immediate_kill_interval_increment"`
	ImmediateKillTimeout           string `toml:"immediate_kill_timeout"`

	TickInterval string `toml:"tick_interval"`

	MetricsAddr string `toml:"metrics_addr"`

	Limits *LimitsConfig `toml:"limits"`
}

// LimitsConfig is the optional [limits] table applying cgroup v2 bounds to
// every spawned worker.
type LimitsConfig struct {
	MemoryMaxBytes int64 `toml:"memory_max_bytes"`
	CPUPercent     int   `toml:"cpu_percent"`
	PidsMax        int   `toml:"pids_max"`
}

func (l *LimitsConfig) toReslimit() reslimit.Limits {
	if l == nil {
		return reslimit.Limits{}
	}
	return reslimit.Limits{
		MemoryMaxBytes: l.MemoryMaxBytes,
		CPUPercent:     l.CPUPercent,
		PidsMax:        l.PidsMax,
	}
}

// LoadFileConfig reads and parses path as TOML.
func LoadFileConfig(path string) (*FileConfig, error) {
	var fc FileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return nil, fmt.Errorf("gosvd: parse config %s: %w", path, err)
	}
	return &fc, nil
}

// ToSupervisorConfig translates the file shape into supervisor.Config,
// falling back to supervisor.DefaultConfig for anything left blank.
func (fc *FileConfig) ToSupervisorConfig() (supervisor.Config, error) {
	cfg := supervisor.DefaultConfig()

	if fc.Workers > 0 {
		cfg.Workers = fc.Workers
	}
	if fc.StartWorkerDelayRand > 0 {
		cfg.StartWorkerDelayRand = fc.StartWorkerDelayRand
	}

	durations := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{fc.StartWorkerDelay, &cfg.StartWorkerDelay, "start_worker_delay"},
		{fc.HeartbeatInterval, &cfg.HeartbeatInterval, "heartbeat_interval"},
		{fc.HeartbeatTimeout, &cfg.HeartbeatTimeout, "heartbeat_timeout"},
		{fc.GracefulKillInterval, &cfg.GracefulKillInterval, "graceful_kill_interval"},
		{fc.GracefulKillIntervalIncrement, &cfg.GracefulKillIntervalIncrement, "graceful_kill_interval_increment"},
		{fc.GracefulKillTimeout, &cfg.GracefulKillTimeout, "graceful_kill_timeout"},
		{fc.ImmediateKillInterval, &cfg.ImmediateKillInterval, "immediate_kill_interval"},
		{fc.ImmediateKillIntervalIncrement, &cfg.ImmediateKillIntervalIncrement, "immediate_kill_interval_increment"},
		{fc.ImmediateKillTimeout, &cfg.ImmediateKillTimeout, "immediate_kill_timeout"},
		{fc.TickInterval, &cfg.TickInterval, "tick_interval"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return supervisor.Config{}, &supervisor.ConfigurationError{Field: d.name, Reason: err.Error()}
		}
		*d.dst = parsed
	}

	signals := []struct {
		raw  string
		dst  *syscall.Signal
		name string
	}{
		{fc.GracefulKillSignal, &cfg.GracefulKillSignal, "graceful_kill_signal"},
		{fc.ImmediateKillSignal, &cfg.ImmediateKillSignal, "immediate_kill_signal"},
		{fc.ReloadSignal, &cfg.ReloadSignal, "reload_signal"},
	}
	for _, s := range signals {
		if s.raw == "" {
			continue
		}
		sig, err := parseSignalName(s.raw)
		if err != nil {
			return supervisor.Config{}, &supervisor.ConfigurationError{Field: s.name, Reason: err.Error()}
		}
		*s.dst = sig
	}

	if err := cfg.Validate(); err != nil {
		return supervisor.Config{}, err
	}
	return cfg, nil
}

func parseSignalName(name string) (syscall.Signal, error) {
	switch name {
	case "TERM", "SIGTERM":
		return syscall.SIGTERM, nil
	case "QUIT", "SIGQUIT":
		return syscall.SIGQUIT, nil
	case "HUP", "SIGHUP":
		return syscall.SIGHUP, nil
	case "INT", "SIGINT":
		return syscall.SIGINT, nil
	case "USR1", "SIGUSR1":
		return syscall.SIGUSR1, nil
	case "USR2", "SIGUSR2":
		return syscall.SIGUSR2, nil
	case "KILL", "SIGKILL":
		return syscall.SIGKILL, nil
	default:
		return 0, fmt.Errorf("unknown signal %q", name)
	}
}
