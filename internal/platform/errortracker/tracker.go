// Package errortracker receives errors the engine captured at the action
// boundary, such as panics inside action code. The configured module
// decides where they go; the default writes to stdout.
package errortracker

import (
	"fmt"
	"os"

	"github.com/pranaflow/prana/internal/platform/config"
	"github.com/pranaflow/prana/internal/platform/logger"
)

// Tracker receives captured errors with the stack active at capture time.
type Tracker interface {
	CaptureError(err error, stack []byte)
}

// FromConfig selects the tracker module named by configuration.
func FromConfig(cfg config.ErrorTrackerConfig, log logger.Logger) Tracker {
	switch cfg.Module {
	case "logger":
		return &LoggerTracker{log: log}
	case "nop":
		return NopTracker{}
	default:
		return StdoutTracker{}
	}
}

// StdoutTracker prints captured errors to stdout.
type StdoutTracker struct{}

func (StdoutTracker) CaptureError(err error, stack []byte) {
	fmt.Fprintf(os.Stdout, "captured error: %v\n%s\n", err, stack)
}

// LoggerTracker forwards captured errors to the structured logger.
type LoggerTracker struct {
	log logger.Logger
}

func (t *LoggerTracker) CaptureError(err error, stack []byte) {
	t.log.Error("captured error", "error", err.Error(), "stack", string(stack))
}

// NopTracker drops captured errors. Used in tests.
type NopTracker struct{}

func (NopTracker) CaptureError(err error, stack []byte) {}
