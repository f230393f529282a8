package main

import (
	"os"
	"os/exec"

	"github.com/raftwell/gosv/internal/supervisor"
)

// commandWorkerName is the single worker type gosvd registers: it shells
// out to the configured command and waits for it, while the core's
// automatic heartbeat emitter keeps the parent informed that the worker
// process itself is alive.
const commandWorkerName = "command"

// registerCommandWorker makes the "command" worker runnable from a
// re-exec'd child. Must be called before supervisor.MaybeRunWorker.
func registerCommandWorker(command string) {
	supervisor.RegisterWorker(commandWorkerName, func(target *supervisor.Target) error {
		if command == "" {
			return nil
		}
		cmd := exec.Command("sh", "-c", command)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Stdin = os.Stdin
		return cmd.Run()
	})
}
