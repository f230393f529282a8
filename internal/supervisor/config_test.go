package supervisor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	t.Parallel()
	require.NoError(t, DefaultConfig().Validate())
}

func TestConfigValidateRejectsBadFields(t *testing.T) {
	t.Parallel()

	cases := map[string]func(*Config){
		"workers":                  func(c *Config) { c.Workers = -1 },
		"start_worker_delay":       func(c *Config) { c.StartWorkerDelay = -1 },
		"start_worker_delay_rand":  func(c *Config) { c.StartWorkerDelayRand = 1.5 },
		"heartbeat_interval":       func(c *Config) { c.HeartbeatInterval = 0 },
		"heartbeat_timeout":        func(c *Config) { c.HeartbeatTimeout = 0 },
		"graceful_kill_interval":   func(c *Config) { c.GracefulKillInterval = 0 },
		"immediate_kill_interval":  func(c *Config) { c.ImmediateKillInterval = 0 },
		"immediate_kill_timeout":   func(c *Config) { c.ImmediateKillTimeout = 0 },
		"tick_interval":            func(c *Config) { c.TickInterval = 0 },
		"kill_signal":              func(c *Config) { c.ReloadSignal = 0 },
	}

	for name, mutate := range cases {
		mutate := mutate
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var cerr *ConfigurationError
			require.ErrorAs(t, err, &cerr)
		})
	}
}
