// Package reslimit applies optional per-worker resource limits via cgroup
// v2, adapted from a supervisor that ran one flat cgroup tree into one
// keyed by worker id so each spawned worker gets its own leaf cgroup.
package reslimit

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// Limits bounds one worker's resource usage. A zero value in any field
// means "no limit" for that resource.
type Limits struct {
	MemoryMaxBytes int64
	CPUPercent     int // 100 = one full core
	PidsMax        int
}

// Group is a worker's cgroup v2 leaf.
//
// cgroup v2 uses a single unified tree rooted at /sys/fs/cgroup, unlike
// the per-controller trees of v1. Controllers are turned on for a
// cgroup's children via that cgroup's cgroup.subtree_control file, and a
// cgroup with live processes in it cannot also have children with
// controllers enabled (the "no internal processes" rule) — hence moving
// the supervisor itself into a leaf before enabling controllers on its
// parent.
type Group struct {
	workerID string
	path     string
}

const cgroupRoot = "/sys/fs/cgroup"

var baseCgroupPath string

func getSelfCgroup() (string, error) {
	data, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return "", err
	}
	line := strings.TrimSpace(string(data))
	parts := strings.SplitN(line, "::", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("reslimit: unexpected cgroup format: %s", line)
	}
	return parts[1], nil
}

func hasCgroupDelegation() bool {
	selfCgroup, err := getSelfCgroup()
	if err != nil {
		return false
	}
	testPath := filepath.Join(cgroupRoot, selfCgroup, ".gosv-test")
	if err := os.Mkdir(testPath, 0755); err != nil {
		return false
	}
	defer os.Remove(testPath)

	parentPath := filepath.Join(cgroupRoot, selfCgroup)
	controlPath := filepath.Join(parentPath, "cgroup.subtree_control")
	return os.WriteFile(controlPath, []byte("+memory"), 0644) == nil
}

// RequestDelegation re-execs the current process under systemd-run with
// cgroup delegation if the current cgroup doesn't already have it. When
// the re-exec runs, the current process exits with the re-exec'd
// process's status and the call does not return; otherwise it returns
// false.
func RequestDelegation() bool {
	if hasCgroupDelegation() {
		return false
	}
	systemdRun, err := exec.LookPath("systemd-run")
	if err != nil {
		return false
	}
	if os.Getenv("GOSV_DELEGATED") == "1" {
		return false
	}

	args := []string{"--user", "--scope", "-p", "Delegate=yes", "--"}
	args = append(args, os.Args...)

	cmd := exec.Command(systemdRun, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), "GOSV_DELEGATED=1")

	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			os.Exit(exitErr.ExitCode())
		}
		return false
	}
	os.Exit(0)
	return true
}

func findWritableCgroupBase() (string, error) {
	selfCgroup, err := getSelfCgroup()
	if err == nil && selfCgroup != "" {
		parentPath := filepath.Join(cgroupRoot, selfCgroup)

		supervisorPath := filepath.Join(parentPath, "gosvd")
		if err := os.MkdirAll(supervisorPath, 0755); err == nil {
			procsPath := filepath.Join(supervisorPath, "cgroup.procs")
			if err := os.WriteFile(procsPath, []byte(strconv.Itoa(os.Getpid())), 0644); err == nil {
				controlPath := filepath.Join(parentPath, "cgroup.subtree_control")
				if err := os.WriteFile(controlPath, []byte("+cpu +memory +pids"), 0644); err == nil {
					return parentPath, nil
				}
			}
		}

		path := filepath.Join(parentPath, "gosvd-workers")
		if err := os.MkdirAll(path, 0755); err == nil {
			return path, nil
		}
	}

	path := filepath.Join(cgroupRoot, "gosvd-workers")
	if err := os.MkdirAll(path, 0755); err == nil {
		return path, nil
	}

	return "", fmt.Errorf("reslimit: no writable cgroup location found; try systemd-run --user --scope -p Delegate=yes")
}

// EnsureControllers finds a writable cgroup base and enables the
// controllers per-worker groups need. Safe to call once at startup;
// workers spawned before the call simply run unlimited.
func EnsureControllers() error {
	path, err := findWritableCgroupBase()
	if err != nil {
		return err
	}
	baseCgroupPath = path

	controlPath := filepath.Join(baseCgroupPath, "cgroup.subtree_control")
	_ = os.WriteFile(controlPath, []byte("+cpu +memory +pids"), 0644)
	return nil
}

// NewGroup creates (or reuses) the leaf cgroup for workerID.
func NewGroup(workerID string) (*Group, error) {
	if baseCgroupPath == "" {
		return nil, fmt.Errorf("reslimit: controllers not initialized; call EnsureControllers first")
	}
	path := filepath.Join(baseCgroupPath, workerID)
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("reslimit: create cgroup for %s: %w", workerID, err)
	}
	return &Group{workerID: workerID, path: path}, nil
}

// Apply moves pid into the group and writes every nonzero limit.
func (g *Group) Apply(pid int, limits Limits) error {
	if err := g.addProcess(pid); err != nil {
		return err
	}
	if limits.MemoryMaxBytes > 0 {
		if err := g.setMemoryLimit(limits.MemoryMaxBytes); err != nil {
			return err
		}
	}
	if limits.CPUPercent > 0 {
		if err := g.setCPUQuota(limits.CPUPercent); err != nil {
			return err
		}
	}
	if limits.PidsMax > 0 {
		if err := g.setPidsLimit(limits.PidsMax); err != nil {
			return err
		}
	}
	return nil
}

func (g *Group) addProcess(pid int) error {
	procsPath := filepath.Join(g.path, "cgroup.procs")
	return os.WriteFile(procsPath, []byte(strconv.Itoa(pid)), 0644)
}

func (g *Group) setMemoryLimit(bytes int64) error {
	memPath := filepath.Join(g.path, "memory.max")
	return os.WriteFile(memPath, []byte(strconv.FormatInt(bytes, 10)), 0644)
}

// setCPUQuota writes cpu.max as "quota period" over a fixed 100ms period,
// e.g. percent=50 -> "50000 100000".
func (g *Group) setCPUQuota(percent int) error {
	const period = 100000
	quota := (percent * period) / 100
	cpuPath := filepath.Join(g.path, "cpu.max")
	return os.WriteFile(cpuPath, []byte(fmt.Sprintf("%d %d", quota, period)), 0644)
}

func (g *Group) setPidsLimit(max int) error {
	pidsPath := filepath.Join(g.path, "pids.max")
	return os.WriteFile(pidsPath, []byte(strconv.Itoa(max)), 0644)
}

// MemoryUsage returns current memory.current in bytes.
func (g *Group) MemoryUsage() (int64, error) {
	data, err := os.ReadFile(filepath.Join(g.path, "memory.current"))
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

// Destroy removes the leaf cgroup. Fails if the worker is still running.
func (g *Group) Destroy() error {
	return os.Remove(g.path)
}
