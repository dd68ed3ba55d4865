package fdloop

import (
	"github.com/joeycumines/logiface"
)

type loopConfig struct {
	logger        *logiface.Logger[logiface.Event]
	tableCapacity int
}

// LoopOption configures a [Loop] at construction.
type LoopOption func(*loopConfig)

// WithLogger sets the logger used for the loop's root execution context and
// internal diagnostics. Nil disables logging (the default).
func WithLogger(logger *logiface.Logger[logiface.Event]) LoopOption {
	return func(c *loopConfig) {
		c.logger = logger
	}
}

// WithFdTableCapacity bounds the number of simultaneously tracked
// descriptors. Values <= 0 select the default.
func WithFdTableCapacity(capacity int) LoopOption {
	return func(c *loopConfig) {
		c.tableCapacity = capacity
	}
}
