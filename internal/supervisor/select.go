package supervisor

import (
	"time"

	"golang.org/x/sys/unix"
)

// waitReadable blocks up to timeout for any of fds to become readable,
// returning the subset that are ready. A zero-length fds simply sleeps
// out timeout (ProcessManager.Tick relies on this when no pipe is
// registered).
func waitReadable(fds []int, timeout time.Duration) ([]int, error) {
	if len(fds) == 0 {
		time.Sleep(timeout)
		return nil, nil
	}

	var set unix.FdSet
	maxFd := 0
	for _, fd := range fds {
		fdSetBit(&set, fd)
		if fd > maxFd {
			maxFd = fd
		}
	}

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	n, err := unix.Select(maxFd+1, &set, nil, nil, &tv)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}

	ready := make([]int, 0, n)
	for _, fd := range fds {
		if fdSetIsSet(&set, fd) {
			ready = append(ready, fd)
		}
	}
	return ready, nil
}

func isRetryableSelectErr(err error) bool {
	return err == unix.EINTR || err == unix.EAGAIN
}

// fdSetBit and fdSetIsSet manipulate unix.FdSet's underlying Bits array
// directly: the stdlib/x/sys package exposes the struct but not FD_SET /
// FD_ISSET helpers.
func fdSetBit(set *unix.FdSet, fd int) {
	idx := fd / 64
	bit := uint(fd % 64)
	set.Bits[idx] |= 1 << bit
}

func fdSetIsSet(set *unix.FdSet, fd int) bool {
	idx := fd / 64
	bit := uint(fd % 64)
	return set.Bits[idx]&(1<<bit) != 0
}
