// Command gosvd is the lifecycle façade around the supervisor core: it
// loads a TOML config, wires a ProcessManager and MultiWorkerController,
// forwards OS signals to them, and serves Prometheus metrics. The core
// itself never reads a config file or a flag; the only environment
// variables it reads are the GOSV_* ones it sets for re-exec'd workers.
package main

import (
	"fmt"
	"os"

	"github.com/raftwell/gosv/internal/supervisor"
)

func main() {
	// A re-exec'd worker child carries GOSV_WORKER_NAME in its environment
	// and must register its worker function before MaybeRunWorker can find
	// it — so the command to run has to be known before cobra ever parses
	// a flag. Scan for --config up front; the real parse happens in serve.go
	// for the non-worker path.
	registerCommandWorker(commandFromArgs(os.Args[1:]))
	supervisor.MaybeRunWorker()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// commandFromArgs extracts the configured worker command without a full
// cobra parse, for the re-exec'd child path only. Returns "" on any
// problem; the worker function then treats that as "nothing to run".
func commandFromArgs(args []string) string {
	fc, err := LoadFileConfig(configPathFromArgs(args))
	if err != nil {
		return ""
	}
	return fc.Command
}

// configPathFromArgs mirrors newServeCmd's "--config" flag default so a
// re-exec'd child sees the same file the top-level process was pointed at,
// even when --config was left at its default and never appears in argv.
func configPathFromArgs(args []string) string {
	for i, a := range args {
		if a == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if len(a) > len("--config=") && a[:len("--config=")] == "--config=" {
			return a[len("--config="):]
		}
	}
	return "gosv.toml"
}
