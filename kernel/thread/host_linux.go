//go:build linux

package thread

import "golang.org/x/sys/unix"

// hostTID returns the kernel id of the calling OS thread.
func hostTID() int { return unix.Gettid() }

// setHostNice sets the nice value of one OS thread. On Linux PRIO_PROCESS
// with a thread id affects only that thread.
func setHostNice(tid, nice int) error {
	return unix.Setpriority(unix.PRIO_PROCESS, tid, nice)
}
