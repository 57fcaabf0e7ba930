// Package kerr defines the kernel's error taxonomy.
//
// Every sentinel exported by a kernel package wraps exactly one class:
//
//   - ErrExhausted: a resource ran out (heap space, fixed address taken, queue full).
//     Recoverable; the caller decides whether it is fatal.
//   - ErrContract: the caller broke an API contract (unlock by non-owner, double free,
//     invalid priority). Detected deterministically, internal state is left untouched.
//   - ErrTimeout: a wait exceeded its deadline.
//
// Structural corruption is not a class: it is reported as *CorruptionError and
// halts the process.
package kerr

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrExhausted is the class of resource-exhaustion errors.
	ErrExhausted = errors.New("resource exhausted")

	// ErrContract is the class of contract-violation errors.
	ErrContract = errors.New("contract violation")

	// ErrTimeout is returned by every wait that gives up at its deadline.
	ErrTimeout = errors.New("timed out")
)

// New returns a sentinel with the given message that matches class under errors.Is.
func New(class error, msg string) error {
	return &classed{msg: msg, class: class}
}

type classed struct {
	msg   string
	class error
}

func (e *classed) Error() string { return e.msg }
func (e *classed) Unwrap() error { return e.class }

// IsRecoverable reports whether err is an exhaustion or timeout result.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrExhausted) || errors.Is(err, ErrTimeout)
}

// CorruptionError reports an internal structure found inconsistent.
type CorruptionError struct {
	Component string
	Detail    string
	Context   map[string]any
}

func (e *CorruptionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: corruption: %s", e.Component, e.Detail)
	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Context[k])
		}
	}
	return b.String()
}

// Attrs flattens the context for structured logging.
func (e *CorruptionError) Attrs() []any {
	attrs := make([]any, 0, 4+2*len(e.Context))
	attrs = append(attrs, "component", e.Component, "detail", e.Detail)
	for k, v := range e.Context {
		attrs = append(attrs, k, v)
	}
	return attrs
}

// HaltFunc is invoked when corruption is detected. The default implementation
// panics; a replacement that returns lets the caller observe the error instead.
type HaltFunc func(*CorruptionError)

// Panic is the default HaltFunc.
func Panic(err *CorruptionError) {
	panic(err)
}
