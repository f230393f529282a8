package supervisor

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// reapStatus is the terminal status of a reaped child.
type reapStatus struct {
	ExitCode int
	Signaled bool
	Signal   syscall.Signal
}

// processOps abstracts the syscalls Monitor needs against a pid, so the
// state machine can be driven from tests without real child processes.
// The default implementation wraps golang.org/x/sys/unix, grounded in the
// same package used for the pipe readiness multiplex in processmgr.go.
type processOps interface {
	signal(pid int, sig syscall.Signal) error
	tryReap(pid int) (done bool, status reapStatus, err error)
	reap(pid int) (status reapStatus, err error)
}

type unixProcessOps struct{}

func (unixProcessOps) signal(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

func (unixProcessOps) tryReap(pid int) (bool, reapStatus, error) {
	var ws unix.WaitStatus
	got, err := unix.Wait4(pid, &ws, unix.WNOHANG, nil)
	if err != nil {
		return false, reapStatus{}, err
	}
	if got == 0 {
		return false, reapStatus{}, nil
	}
	return true, statusFromWaitStatus(ws), nil
}

func (unixProcessOps) reap(pid int) (reapStatus, error) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return reapStatus{}, err
		}
		return statusFromWaitStatus(ws), nil
	}
}

func statusFromWaitStatus(ws unix.WaitStatus) reapStatus {
	if ws.Signaled() {
		return reapStatus{Signaled: true, Signal: syscall.Signal(ws.Signal())}
	}
	return reapStatus{ExitCode: ws.ExitStatus()}
}

// isChildGoneErr reports whether err is one of the races treated as "the
// child is dead": ECHILD (no such child, already reaped by someone else),
// ESRCH (no such process), EPERM (signal denied, typically because the pid
// was recycled).
func isChildGoneErr(err error) bool {
	switch err {
	case unix.ECHILD, unix.ESRCH, unix.EPERM:
		return true
	default:
		return false
	}
}

var defaultProcessOps processOps = unixProcessOps{}
