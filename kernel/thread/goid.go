package thread

import (
	"bytes"
	"runtime"
	"strconv"
)

// goroutineID returns the runtime's id for the calling goroutine. Ids are
// unique for the life of the process, which is what lets the manager map
// "the caller" to a thread slot.
func goroutineID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}

// liveGoroutines returns the ids of every goroutine that exists right now.
// It stops the world to take the dump, so it is only used when thread slots
// run out.
func liveGoroutines() map[uint64]bool {
	buf := make([]byte, 64<<10)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			buf = buf[:n]
			break
		}
		buf = make([]byte, 2*len(buf))
	}

	ids := make(map[uint64]bool)
	for _, line := range bytes.Split(buf, []byte("\n")) {
		rest, ok := bytes.CutPrefix(line, []byte("goroutine "))
		if !ok {
			continue
		}
		if i := bytes.IndexByte(rest, ' '); i >= 0 {
			rest = rest[:i]
		}
		if id, err := strconv.ParseUint(string(rest), 10, 64); err == nil {
			ids[id] = true
		}
	}
	return ids
}
