// Package kernel ties the clock, heaps, threads and alarms together into one
// instance.
//
// Everything a console program would treat as process-wide (the current
// heap, the interrupt flag, the error handler table) lives in a Kernel, so
// several kernels can coexist in one process, as they do in tests.
package kernel

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/joshuapare/oskit/internal/arena"
	"github.com/joshuapare/oskit/internal/logger"
	"github.com/joshuapare/oskit/internal/tick"
	"github.com/joshuapare/oskit/internal/tracing"
	"github.com/joshuapare/oskit/kernel/alarm"
	"github.com/joshuapare/oskit/kernel/heap"
	"github.com/joshuapare/oskit/kernel/kerr"
	"github.com/joshuapare/oskit/kernel/ksync"
	"github.com/joshuapare/oskit/kernel/thread"
)

// ErrorHandler is called when a component reports corruption, before the
// kernel halts.
type ErrorHandler func(err *kerr.CorruptionError)

// Option customizes New.
type Option func(*Kernel)

// WithHalt replaces the final halt step, which panics by default. Tests use
// it to observe corruption without crashing.
func WithHalt(fn kerr.HaltFunc) Option {
	return func(k *Kernel) { k.haltFn = fn }
}

// WithClock replaces the tick clock.
func WithClock(c *tick.Clock) Option {
	return func(k *Kernel) { k.clock = c }
}

// Kernel is one kernel instance.
type Kernel struct {
	id  uuid.UUID
	cfg *Config
	log *slog.Logger

	clock   *tick.Clock
	mem     *arena.Arena
	heaps   *heap.Allocator
	threads *thread.Manager
	alarms  *alarm.Service

	defaultHeap heap.ID
	alarmStack  heap.Addr

	intrEnabled atomic.Bool

	hmu      sync.Mutex
	handlers map[string]ErrorHandler
	haltFn   kerr.HaltFunc

	closeOnce sync.Once
	closeErr  error
}

// New builds a kernel from cfg, or from DefaultConfig when cfg is nil.
func New(cfg *Config, opts ...Option) (*Kernel, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kernel: invalid config: %w", err)
	}

	k := &Kernel{
		id:          uuid.New(),
		cfg:         cfg,
		defaultHeap: heap.NoHeap,
		handlers:    make(map[string]ErrorHandler),
		haltFn:      kerr.Panic,
	}
	k.intrEnabled.Store(true)
	for _, opt := range opts {
		opt(k)
	}
	k.log = k.component("kernel")
	if k.clock == nil {
		k.clock = tick.New(cfg.Tick.Rate)
	}

	if err := k.init(); err != nil {
		if k.mem != nil {
			k.mem.Close()
		}
		return nil, err
	}

	k.log.Info("kernel initialized",
		"tick_rate", k.clock.Rate(),
		"arena_base", fmt.Sprintf("0x%08X", k.mem.Base()),
		"arena_size", k.mem.Size(),
		"default_heap", k.defaultHeap)
	return k, nil
}

func (k *Kernel) init() error {
	cfg := k.cfg
	backing, _ := cfg.backing()

	mem, err := arena.New(arena.Addr(cfg.Heap.ArenaBase), cfg.Heap.ArenaSize, backing)
	if err != nil {
		return fmt.Errorf("kernel: arena: %w", err)
	}
	k.mem = mem

	k.heaps, err = heap.NewAllocator(mem, heap.Options{
		MaxHeaps: cfg.Heap.MaxHeaps,
		Logger:   k.component("heap"),
		Halt:     k.halt,
	})
	if err != nil {
		return err
	}
	if cfg.Heap.DefaultHeap {
		id, err := k.heaps.CreateHeap(mem.Base(), mem.End())
		if err != nil {
			return fmt.Errorf("kernel: default heap: %w", err)
		}
		if _, err := k.heaps.SetCurrent(id); err != nil {
			return err
		}
		k.defaultHeap = id
	}

	k.threads, err = thread.New(thread.Options{
		MaxThreads:        cfg.Thread.MaxThreads,
		MinStackSize:      cfg.Thread.MinStack,
		LockOSThread:      cfg.Thread.LockOSThread,
		ApplyHostPriority: cfg.Thread.ApplyHostPriority,
		Host:              cfg.Thread.Host,
		Halt:              k.halt,
		Logger:            k.component("thread"),
	})
	if err != nil {
		return err
	}

	// the service thread's stack comes from the default heap when there is one
	var stack []byte
	if k.defaultHeap != heap.NoHeap {
		addr, err := k.heaps.AllocFrom(k.defaultHeap, uint32(cfg.Alarm.StackSize))
		if err != nil {
			return fmt.Errorf("kernel: alarm stack: %w", err)
		}
		k.alarmStack = addr
		if stack, err = k.heaps.Bytes(addr); err != nil {
			return err
		}
	}
	policy, _ := alarm.ParsePolicy(cfg.Alarm.Policy)
	k.alarms, err = alarm.New(k.threads, k.clock, alarm.Options{
		Priority:  thread.Priority(cfg.Alarm.Priority),
		Stack:     stack,
		StackSize: cfg.Alarm.StackSize,
		Policy:    policy,
		Logger:    k.component("alarm"),
		Tracer:    tracing.Tracer(),
	})
	return err
}

// component returns a logger for one subsystem of this kernel.
func (k *Kernel) component(name string) *slog.Logger {
	return logger.For(name).With("kernel", k.id.String())
}

// Close stops the alarm service and releases the arena. Heap addresses and
// byte slices obtained from the kernel are invalid afterwards.
func (k *Kernel) Close() error {
	k.closeOnce.Do(func() {
		if err := k.alarms.Stop(); err != nil {
			k.closeErr = err
			return
		}
		var stackErr error
		if k.alarmStack != 0 {
			if stackErr = k.heaps.FreeTo(k.defaultHeap, k.alarmStack); stackErr != nil {
				stackErr = fmt.Errorf("free alarm stack: %w", stackErr)
			}
		}
		k.closeErr = errors.Join(stackErr, k.mem.Close())
		k.log.Info("kernel closed")
	})
	return k.closeErr
}

// ID returns the instance id attached to every log line of this kernel.
func (k *Kernel) ID() uuid.UUID { return k.id }

// Config returns the configuration the kernel was built from.
func (k *Kernel) Config() *Config { return k.cfg }

// Clock returns the tick clock.
func (k *Kernel) Clock() *tick.Clock { return k.clock }

// Arena returns the memory every heap is carved from.
func (k *Kernel) Arena() *arena.Arena { return k.mem }

func (k *Kernel) Heaps() *heap.Allocator { return k.heaps }
func (k *Kernel) Threads() *thread.Manager { return k.threads }
func (k *Kernel) Alarms() *alarm.Service { return k.alarms }

// DefaultHeap returns the heap created over the whole arena, or heap.NoHeap.
func (k *Kernel) DefaultHeap() heap.ID { return k.defaultHeap }

// Now returns the current tick.
func (k *Kernel) Now() tick.Tick { return k.clock.Now() }

// DefaultPriority returns the configured priority for new threads.
func (k *Kernel) DefaultPriority() thread.Priority {
	return thread.Priority(k.cfg.Thread.DefaultPriority)
}

// NewMutex returns a mutex scheduled by this kernel's threads.
func (k *Kernel) NewMutex() *ksync.Mutex { return ksync.NewMutex(k.threads) }

// NewCond returns a condition variable scheduled by this kernel's threads.
func (k *Kernel) NewCond() *ksync.Cond { return ksync.NewCond(k.threads) }

// NewSemaphore returns a semaphore; a limit of zero leaves it unbounded.
func (k *Kernel) NewSemaphore(initial, limit int) (*ksync.Semaphore, error) {
	return ksync.NewSemaphore(k.threads, initial, limit)
}

// NewMessageQueue returns a message queue of the given capacity.
func (k *Kernel) NewMessageQueue(capacity int) (*ksync.MessageQueue, error) {
	return ksync.NewMessageQueue(k.threads, capacity)
}

// DisableInterrupts clears the interrupt-enable flag and returns whether it
// was set.
//
// Deprecated: there are no interrupts to mask. The flag is kept for code
// that saves and restores it; it provides no mutual exclusion. Use a Mutex.
func (k *Kernel) DisableInterrupts() bool { return k.intrEnabled.Swap(false) }

// EnableInterrupts sets the interrupt-enable flag and returns whether it
// was set.
//
// Deprecated: see DisableInterrupts.
func (k *Kernel) EnableInterrupts() bool { return k.intrEnabled.Swap(true) }

// RestoreInterrupts sets the flag to a value returned by DisableInterrupts
// or EnableInterrupts and returns the value it replaced.
//
// Deprecated: see DisableInterrupts.
func (k *Kernel) RestoreInterrupts(enabled bool) bool { return k.intrEnabled.Swap(enabled) }

// InterruptsEnabled reports the interrupt-enable flag.
func (k *Kernel) InterruptsEnabled() bool { return k.intrEnabled.Load() }

// SetErrorHandler installs fn for corruption reported by component ("heap")
// and returns the previous handler. A nil fn removes the handler.
func (k *Kernel) SetErrorHandler(component string, fn ErrorHandler) ErrorHandler {
	k.hmu.Lock()
	defer k.hmu.Unlock()

	prev := k.handlers[component]
	if fn == nil {
		delete(k.handlers, component)
	} else {
		k.handlers[component] = fn
	}
	return prev
}

// halt runs the component's error handler, logs the full context and stops.
func (k *Kernel) halt(err *kerr.CorruptionError) {
	k.hmu.Lock()
	fn := k.handlers[err.Component]
	k.hmu.Unlock()

	if fn != nil {
		fn(err)
	}
	k.log.Error("halting on corruption", err.Attrs()...)
	k.haltFn(err)
}
