package fiber

import (
	"time"

	"github.com/joeycumines/logiface"
)

// runtimeOptions holds the resolved configuration for Runtime creation.
type runtimeOptions struct {
	cfg    Config
	logger *logiface.Logger[logiface.Event]
}

// Option configures a Runtime instance.
type Option interface {
	applyRuntime(*runtimeOptions) error
}

// optionImpl implements Option.
type optionImpl struct {
	applyRuntimeFunc func(*runtimeOptions) error
}

func (o *optionImpl) applyRuntime(opts *runtimeOptions) error {
	return o.applyRuntimeFunc(opts)
}

// WithConfig replaces the entire tuning profile. Field-level options
// override it, so pass it first.
func WithConfig(c Config) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.cfg = c
		return nil
	}}
}

// WithWorkers sets the worker pool size. Zero selects GOMAXPROCS.
func WithWorkers(n int) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.cfg.Workers = n
		return nil
	}}
}

// WithTickWidth sets the timer wheel resolution. Sleeps are quantized to
// whole ticks and may fire up to one tick early. Zero selects the
// default of 1ms.
func WithTickWidth(d time.Duration) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.cfg.TickWidth = d
		return nil
	}}
}

// WithWheelSlots sets the timer wheel bucket count, which must be a
// power of two. Zero selects the default of 512.
func WithWheelSlots(n int) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.cfg.WheelSlots = n
		return nil
	}}
}

// WithFairnessBatch sets how many loop iterations a fiber may run before
// checking whether other work is queued. Zero selects the default of 1024.
func WithFairnessBatch(n int) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.cfg.FairnessBatch = n
		return nil
	}}
}

// WithDrainBatch sets how many completion listeners are invoked per pool
// invocation when a fiber settles. Zero selects the default of 128.
func WithDrainBatch(n int) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.cfg.DrainBatch = n
		return nil
	}}
}

// WithMaxDelay caps Sleep durations, rejecting longer ones with
// ErrDelayLimit. Zero means unlimited.
func WithMaxDelay(d time.Duration) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.cfg.MaxDelay = d
		return nil
	}}
}

// WithSaturationThreshold sets the pool backlog at which new work is
// reported as saturating via Runtime.OnSaturated. Zero disables the
// signal.
func WithSaturationThreshold(n int) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.cfg.SaturationThreshold = n
		return nil
	}}
}

// WithLogger sets the structured logger for runtime diagnostics. A nil
// logger disables logging, which is also the default.
func WithLogger(logger *logiface.Logger[logiface.Event]) Option {
	return &optionImpl{func(opts *runtimeOptions) error {
		opts.logger = logger
		return nil
	}}
}

// resolveRuntimeOptions applies Option instances then validates the
// resulting profile. Nil options are skipped.
func resolveRuntimeOptions(opts []Option) (*runtimeOptions, error) {
	resolved := &runtimeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.applyRuntime(resolved); err != nil {
			return nil, err
		}
	}
	var err error
	if resolved.cfg, err = resolved.cfg.normalize(); err != nil {
		return nil, err
	}
	return resolved, nil
}
