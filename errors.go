package clockwork

import (
	"fmt"
	"time"
)

// ConfigError wraps failures while loading or decoding configuration, or
// while constructing the application from it. Section names the part of the
// document that failed when known.
type ConfigError struct {
	Section string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Section == "" {
		return fmt.Sprintf("config: %v", e.Err)
	}
	return fmt.Sprintf("config: section %q: %v", e.Section, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// SetupError wraps a failure (error or recovered panic) from the
// application's Setup callback.
type SetupError struct {
	Err error
}

func (e *SetupError) Error() string { return fmt.Sprintf("setup: %v", e.Err) }
func (e *SetupError) Unwrap() error { return e.Err }

// TaskError wraps a failure from a single task invocation. It carries the
// task identity so handlers can tell failing tasks apart.
type TaskError struct {
	Task string
	ID   string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %q (%s): %v", e.Task, e.ID, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// ShutdownTimeoutError reports that in-flight task invocations did not drain
// within the shutdown grace period. The host proceeds to terminate anyway.
type ShutdownTimeoutError struct {
	Grace    time.Duration
	InFlight int
}

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("shutdown: %d task(s) still running after %s grace", e.InFlight, e.Grace)
}
