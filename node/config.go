package node

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultAddr           = ":7070"
	DefaultReadBufferSize = 64
)

// Duration lets config files spell timeouts as "30s" or "5m".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the process level configuration of a Server.
type Config struct {
	Addr           string   `toml:"addr"`
	Workers        int      `toml:"workers"`
	ReadBufferSize int      `toml:"read_buffer_size"`
	MaxEvents      int      `toml:"max_events"`
	IdleTimeout    Duration `toml:"idle_timeout"`
	NoDelay        bool     `toml:"tcp_nodelay"`
	LogLevel       string   `toml:"log_level"`
}

// Options are the per engine knobs shared by workers and the acceptor.
type Options struct {
	// ReadBufferSize is the capacity of each connection's inbound scratch buffer.
	ReadBufferSize int
	// MaxEvents bounds how many ready fds a single wait reports.
	MaxEvents int
	// IdleTimeout closes connections without traffic for this long. Zero disables it.
	IdleTimeout time.Duration
	NoDelay     bool
}

func DefaultConfig() Config {
	return Config{
		Addr:           DefaultAddr,
		Workers:        runtime.NumCPU(),
		ReadBufferSize: DefaultReadBufferSize,
		MaxEvents:      defaultMaxEvents,
		NoDelay:        true,
		LogLevel:       "info",
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig. Unknown keys are an error.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return cfg, fmt.Errorf("load config %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("config: addr is empty")
	}
	if c.Workers < 1 {
		return fmt.Errorf("config: workers must be at least 1, got %d", c.Workers)
	}
	if c.ReadBufferSize < 1 {
		return fmt.Errorf("config: read_buffer_size must be positive, got %d", c.ReadBufferSize)
	}
	if c.MaxEvents < 1 {
		return fmt.Errorf("config: max_events must be positive, got %d", c.MaxEvents)
	}
	if c.IdleTimeout < 0 {
		return fmt.Errorf("config: idle_timeout must not be negative")
	}
	return nil
}

func (c Config) Options() Options {
	return Options{
		ReadBufferSize: c.ReadBufferSize,
		MaxEvents:      c.MaxEvents,
		IdleTimeout:    time.Duration(c.IdleTimeout),
		NoDelay:        c.NoDelay,
	}
}

func (o Options) withDefaults() Options {
	if o.ReadBufferSize <= 0 {
		o.ReadBufferSize = DefaultReadBufferSize
	}
	if o.MaxEvents <= 0 {
		o.MaxEvents = defaultMaxEvents
	}
	return o
}
