//go:build !linux

package thread

func hostTID() int { return 0 }

// setHostNice is a no-op where per-thread priorities are not available.
func setHostNice(tid, nice int) error { return nil }
