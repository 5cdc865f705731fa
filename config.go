package fiber

import (
	"fmt"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is a Runtime tuning profile. The zero value of any field selects
// its default, so embedding services can ship partial profiles. MaxDelay
// and SaturationThreshold are genuinely optional: zero disables them.
type Config struct {
	// Workers is the worker pool size. Default GOMAXPROCS.
	Workers int
	// TickWidth is the timer wheel resolution; sleeps round up to it.
	// Default 1ms, minimum 100µs.
	TickWidth time.Duration
	// WheelSlots is the bucket count, a power of two. One full rotation
	// spans WheelSlots*TickWidth; longer delays carry rotation counters.
	// Default 512.
	WheelSlots int
	// FairnessBatch is the number of loop iterations run between pool
	// backlog checks. Default 1024.
	FairnessBatch int
	// DrainBatch is the number of completion listeners invoked per pool
	// invocation when a fiber settles. Default 128.
	DrainBatch int
	// MaxDelay rejects Sleep durations above it with ErrDelayLimit. Zero
	// means unlimited.
	MaxDelay time.Duration
	// SaturationThreshold is the pool backlog at which ErrSaturated is
	// surfaced via Runtime.OnSaturated and counted in metrics. Zero
	// disables the signal (metrics still track backlog).
	SaturationThreshold int
}

const minTickWidth = 100 * time.Microsecond

// DefaultConfig returns the profile used for unset fields.
func DefaultConfig() Config {
	return Config{
		Workers:       runtime.GOMAXPROCS(0),
		TickWidth:     time.Millisecond,
		WheelSlots:    512,
		FairnessBatch: 1024,
		DrainBatch:    128,
	}
}

// normalize fills zero fields from DefaultConfig and rejects values no
// deployment can mean.
func (c Config) normalize() (Config, error) {
	d := DefaultConfig()
	if c.Workers == 0 {
		c.Workers = d.Workers
	}
	if c.Workers < 0 {
		return c, fmt.Errorf("fiber: workers must be positive: %d", c.Workers)
	}
	if c.TickWidth == 0 {
		c.TickWidth = d.TickWidth
	}
	if c.TickWidth < minTickWidth {
		return c, fmt.Errorf("fiber: tick width %s below minimum %s", c.TickWidth, minTickWidth)
	}
	if c.WheelSlots == 0 {
		c.WheelSlots = d.WheelSlots
	}
	if c.WheelSlots < 0 || c.WheelSlots&(c.WheelSlots-1) != 0 {
		return c, fmt.Errorf("fiber: wheel slots must be a power of two: %d", c.WheelSlots)
	}
	if c.FairnessBatch == 0 {
		c.FairnessBatch = d.FairnessBatch
	}
	if c.FairnessBatch < 0 {
		return c, fmt.Errorf("fiber: fairness batch must be positive: %d", c.FairnessBatch)
	}
	if c.DrainBatch == 0 {
		c.DrainBatch = d.DrainBatch
	}
	if c.DrainBatch < 0 {
		return c, fmt.Errorf("fiber: drain batch must be positive: %d", c.DrainBatch)
	}
	if c.MaxDelay < 0 {
		return c, fmt.Errorf("fiber: max delay must not be negative: %s", c.MaxDelay)
	}
	if c.SaturationThreshold < 0 {
		return c, fmt.Errorf("fiber: saturation threshold must not be negative: %d", c.SaturationThreshold)
	}
	return c, nil
}

// UnmarshalYAML decodes a profile whose durations are Go duration strings
// (e.g. "500us", "1ms", "10s").
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Workers             int    `yaml:"workers"`
		TickWidth           string `yaml:"tick_width"`
		WheelSlots          int    `yaml:"wheel_slots"`
		FairnessBatch       int    `yaml:"fairness_batch"`
		DrainBatch          int    `yaml:"drain_batch"`
		MaxDelay            string `yaml:"max_delay"`
		SaturationThreshold int    `yaml:"saturation_threshold"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*c = Config{
		Workers:             raw.Workers,
		WheelSlots:          raw.WheelSlots,
		FairnessBatch:       raw.FairnessBatch,
		DrainBatch:          raw.DrainBatch,
		SaturationThreshold: raw.SaturationThreshold,
	}
	if raw.TickWidth != "" {
		d, err := time.ParseDuration(raw.TickWidth)
		if err != nil {
			return fmt.Errorf("fiber: tick_width: %w", err)
		}
		c.TickWidth = d
	}
	if raw.MaxDelay != "" {
		d, err := time.ParseDuration(raw.MaxDelay)
		if err != nil {
			return fmt.Errorf("fiber: max_delay: %w", err)
		}
		c.MaxDelay = d
	}
	return nil
}

// ParseConfig unmarshals and validates a YAML tuning profile, filling
// omitted fields with defaults.
func ParseConfig(b []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, fmt.Errorf("fiber: parse config: %w", err)
	}
	return c.normalize()
}
