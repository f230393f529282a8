// Package diag introspects live worker processes for operator-facing
// diagnostics, replacing a hand-rolled /proc parser with gopsutil so the
// same introspection works across the platforms gopsutil supports.
package diag

import (
	"context"
	"fmt"
	"sort"

	"github.com/shirou/gopsutil/v3/process"
)

// WorkerSnapshot is a point-in-time read of one worker's OS-level state.
type WorkerSnapshot struct {
	PID        int32
	Name       string
	Status     []string
	PPID       int32
	NumThreads int32
	RSSBytes   uint64
	VMSBytes   uint64
	OpenFiles  int
	NumFDs     int32
}

// Snapshot reads the current OS-level state of pid. A pid that no longer
// exists when the call starts is reported as an error; any field that
// cannot be read afterwards (for example because the process exits
// part-way through) is left at its zero value.
func Snapshot(ctx context.Context, pid int32) (*WorkerSnapshot, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("diag: process %d not found: %w", pid, err)
	}

	name, _ := p.NameWithContext(ctx)
	status, _ := p.StatusWithContext(ctx)
	ppid, _ := p.PpidWithContext(ctx)
	threads, _ := p.NumThreadsWithContext(ctx)
	numFDs, _ := p.NumFDsWithContext(ctx)

	snap := &WorkerSnapshot{
		PID:        pid,
		Name:       name,
		Status:     status,
		PPID:       ppid,
		NumThreads: threads,
		NumFDs:     numFDs,
	}

	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		snap.RSSBytes = mem.RSS
		snap.VMSBytes = mem.VMS
	}
	if files, err := p.OpenFilesWithContext(ctx); err == nil {
		snap.OpenFiles = len(files)
	}

	return snap, nil
}

// SnapshotAll reads every pid in pids, skipping any that have already
// exited, and returns the results sorted by pid for stable diagnostic
// output.
func SnapshotAll(ctx context.Context, pids []int32) []*WorkerSnapshot {
	out := make([]*WorkerSnapshot, 0, len(pids))
	for _, pid := range pids {
		snap, err := Snapshot(ctx, pid)
		if err != nil {
			continue
		}
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// String renders a snapshot the way an operator would want it on a
// terminal: one summary line plus the fields that matter for a stuck or
// leaking worker.
func (s *WorkerSnapshot) String() string {
	return fmt.Sprintf("pid=%d name=%s status=%v ppid=%d threads=%d rss=%dKB vms=%dKB open_files=%d fds=%d",
		s.PID, s.Name, s.Status, s.PPID, s.NumThreads, s.RSSBytes/1024, s.VMSBytes/1024, s.OpenFiles, s.NumFDs)
}
