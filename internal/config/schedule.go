package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultTickInterval = time.Second
	DefaultTickAction   = "tick"
	DefaultMaxRetries   = 3
	DefaultErrorHandler = "handleError"
)

// Schedule configures the tick scheduler.
type Schedule struct {
	Enabled      bool     `yaml:"enabled,omitempty" toml:"enabled"`
	Interval     Duration `yaml:"interval,omitempty" toml:"interval"`
	TickAction   string   `yaml:"tickAction,omitempty" toml:"tickAction"`
	MaxRetries   int      `yaml:"maxRetries,omitempty" toml:"maxRetries"`
	ErrorHandler string   `yaml:"errorHandler,omitempty" toml:"errorHandler"`
}

// WithDefaults returns a copy with unset fields filled in.
func (s Schedule) WithDefaults() Schedule {
	if s.Interval.Duration <= 0 {
		s.Interval.Duration = DefaultTickInterval
	}
	if s.TickAction == "" {
		s.TickAction = DefaultTickAction
	}
	if s.MaxRetries <= 0 {
		s.MaxRetries = DefaultMaxRetries
	}
	if s.ErrorHandler == "" {
		s.ErrorHandler = DefaultErrorHandler
	}
	return s
}

func (s Schedule) validate() error {
	if s.Interval.Duration < 0 {
		return fmt.Errorf("schedule.interval must not be negative")
	}
	if s.MaxRetries < 0 {
		return fmt.Errorf("schedule.maxRetries must not be negative")
	}
	return nil
}

// Duration wraps time.Duration. YAML accepts "10s" style strings or an
// integer number of milliseconds; TOML accepts strings.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var ms int64
	if value.Tag == "!!int" {
		if err := value.Decode(&ms); err != nil {
			return err
		}
		d.Duration = time.Duration(ms) * time.Millisecond
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}
