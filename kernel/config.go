package kernel

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/joshuapare/oskit/internal/arena"
	"github.com/joshuapare/oskit/internal/logger"
	"github.com/joshuapare/oskit/internal/tick"
	"github.com/joshuapare/oskit/kernel/alarm"
	"github.com/joshuapare/oskit/kernel/thread"
)

// Config is a serialisable kernel configuration. Fields left out of a YAML
// document keep their DefaultConfig values.
type Config struct {
	Tick   TickConfig   `yaml:"tick"`
	Heap   HeapConfig   `yaml:"heap"`
	Thread ThreadConfig `yaml:"thread"`
	Alarm  AlarmConfig  `yaml:"alarm"`
	Log    LogConfig    `yaml:"log"`
	Trace  TraceConfig  `yaml:"trace"`
}

type TickConfig struct {
	Rate int64 `yaml:"rate"` // ticks per second
}

type HeapConfig struct {
	ArenaBase   uint32 `yaml:"arena_base"`
	ArenaSize   uint32 `yaml:"arena_size"`
	MaxHeaps    int    `yaml:"max_heaps"`
	Backing     string `yaml:"backing"`      // mmap | go
	DefaultHeap bool   `yaml:"default_heap"` // create one heap over the arena and make it current
}

type ThreadConfig struct {
	MaxThreads        int                `yaml:"max_threads"`
	MinStack          int                `yaml:"min_stack"`
	DefaultPriority   int                `yaml:"default_priority"`
	Host              thread.HostMapping `yaml:"host"`
	LockOSThread      bool               `yaml:"lock_os_thread"`
	ApplyHostPriority bool               `yaml:"apply_host_priority"`
}

type AlarmConfig struct {
	Priority  int    `yaml:"priority"`
	StackSize int    `yaml:"stack_size"`
	Policy    string `yaml:"policy"` // skip | catchup
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error, empty = OSKIT_LOG
	Format string `yaml:"format"` // text | json
}

type TraceConfig struct {
	Enabled bool   `yaml:"enabled"`
	Output  string `yaml:"output"` // file path, empty = stdout
}

// DefaultConfig returns the configuration New uses when given nil. Callers
// may modify the returned struct before passing it on.
func DefaultConfig() *Config {
	return &Config{
		Tick: TickConfig{Rate: tick.DefaultRate},
		Heap: HeapConfig{
			ArenaBase:   0x80000000,
			ArenaSize:   24 << 20, // console main memory
			MaxHeaps:    4,
			Backing:     "mmap",
			DefaultHeap: true,
		},
		Thread: ThreadConfig{
			MaxThreads:        thread.DefaultMaxThreads,
			MinStack:          thread.DefaultMinStackSize,
			DefaultPriority:   int(thread.Default),
			Host:              thread.DefaultHostMapping,
			LockOSThread:      true,
			ApplyHostPriority: true,
		},
		Alarm: AlarmConfig{
			Priority:  int(thread.Highest),
			StackSize: alarm.DefaultStackSize,
			Policy:    "skip",
		},
		Log: LogConfig{Format: "text"},
	}
}

// Validate returns an aggregated error describing every invalid setting, or nil.
func (c *Config) Validate() error {
	if c == nil {
		return nil
	}
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Tick.Rate > 0, "tick.rate must be > 0")
	check(c.Heap.ArenaBase != 0, "heap.arena_base must be non-zero")
	check(c.Heap.ArenaSize > 0, "heap.arena_size must be > 0")
	check(uint64(c.Heap.ArenaBase)+uint64(c.Heap.ArenaSize) < 1<<32, "heap arena must end below 4 GiB")
	check(c.Heap.MaxHeaps > 0 && c.Heap.MaxHeaps <= 256, "heap.max_heaps must be in 1..256")
	if _, err := c.backing(); err != nil {
		errs = append(errs, err)
	}
	check(c.Thread.MaxThreads > 0, "thread.max_threads must be > 0")
	check(c.Thread.MinStack > 0, "thread.min_stack must be > 0")
	check(thread.Priority(c.Thread.DefaultPriority).Valid(), "thread.default_priority must be in 0..31")
	if err := c.Thread.Host.Validate(); err != nil {
		errs = append(errs, err)
	}
	check(thread.Priority(c.Alarm.Priority).Valid(), "alarm.priority must be in 0..31")
	check(c.Alarm.StackSize >= c.Thread.MinStack, "alarm.stack_size must be >= thread.min_stack")
	if _, err := alarm.ParsePolicy(c.Alarm.Policy); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Level != "" {
		_, ok := logger.ParseLevel(c.Log.Level)
		check(ok, "log.level %q unknown", c.Log.Level)
	}
	check(c.Log.Format == "" || c.Log.Format == "text" || c.Log.Format == "json", "log.format must be text or json")

	return errors.Join(errs...)
}

func (c *Config) backing() (arena.Backing, error) {
	switch c.Heap.Backing {
	case "", "mmap":
		return arena.BackingMmap, nil
	case "go":
		return arena.BackingGo, nil
	}
	return 0, fmt.Errorf("heap.backing %q must be mmap or go", c.Heap.Backing)
}

// ParseConfig decodes a YAML document over DefaultConfig and validates it.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("kernel: parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("kernel: invalid config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("kernel: read config: %w", err)
	}
	return ParseConfig(data)
}

// YAML encodes the configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
