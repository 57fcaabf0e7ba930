package thread

import "fmt"

// Priority is a console thread priority. Lower values are more urgent.
type Priority int

const (
	Highest Priority = 0
	Default Priority = 16
	Lowest  Priority = 31
)

// Valid reports whether p is within Highest..Lowest.
func (p Priority) Valid() bool { return p >= Highest && p <= Lowest }

// State is a thread's scheduling state.
type State uint8

const (
	Ready State = iota
	Running
	Blocked
	Suspended
	Terminated
)

var stateNames = [...]string{"ready", "running", "blocked", "suspended", "terminated"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", s)
}

// Flags modify thread creation.
type Flags uint32

const (
	// Detached threads release their slot on exit and cannot be joined.
	Detached Flags = 1 << iota
)

// Entry is a thread entry point. Its return value is the thread's exit value.
type Entry func(arg any) any

// Handle names a thread. The zero Handle names no thread.
//
// A handle packs a slot index with the slot's generation, so a handle kept
// past Join or a detached exit is rejected instead of naming the slot's
// next occupant.
type Handle uint64

// None is the zero Handle.
const None Handle = 0

func makeHandle(idx int32, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(idx+1))
}

func (h Handle) index() int32 { return int32(uint32(h)) - 1 }
func (h Handle) gen() uint32 { return uint32(h >> 32) }
func (h Handle) String() string { return fmt.Sprintf("thread(%d:%d)", h.index(), h.gen()) }

// NumTLSSlots is the number of thread-local storage slots per thread.
const NumTLSSlots = 2

// Info is a snapshot of one thread.
type Info struct {
	Handle    Handle
	Priority  Priority
	State     State
	Flags     Flags
	Suspend   int  // suspend count
	Foreign   bool // adopted goroutine rather than Create
	StackSize int
	HostTID   int // OS thread id, 0 unless locked to one
	Holds     int // kernel mutexes owned
	Nice      int // host nice value the priority maps to
}

// HostMapping maps console priorities onto host nice values. Priority
// Highest maps to Min and Lowest to Max, linearly in between, so the mapping
// never inverts the order of two priorities.
type HostMapping struct {
	Min int `yaml:"min"`
	Max int `yaml:"max"`
}

// DefaultHostMapping keeps every thread at or below the default nice value,
// which needs no privileges to apply.
var DefaultHostMapping = HostMapping{Min: 0, Max: 19}

// Nice returns the host nice value for p.
func (m HostMapping) Nice(p Priority) int {
	p = min(max(p, Highest), Lowest)
	return m.Min + int(p-Highest)*(m.Max-m.Min)/int(Lowest-Highest)
}

// Validate checks the mapping is ordered and within the host nice range.
func (m HostMapping) Validate() error {
	if m.Min < -20 || m.Max > 19 || m.Min > m.Max {
		return fmt.Errorf("thread: host mapping [%d, %d] not within -20..19 and ordered", m.Min, m.Max)
	}
	return nil
}
