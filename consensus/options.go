package consensus

import (
	"github.com/cmwaters/chorus/internal/clock"
	"github.com/rs/zerolog"
)

// Option is a set of configurable parameters. If left empty, defaults
// will be used
type Option func(e *Engine)

// WithLogger sets the logger used by the engine and its components
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithClock sets the clock used for deadlines and latency measurements. By
// default the clock is taken from the context of each round.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) {
		e.clock = clk
	}
}

// WithTracing records every query of a round and attaches the trace to the
// outcome
func WithTracing() Option {
	return func(e *Engine) {
		e.tracing = true
	}
}
