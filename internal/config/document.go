// Package config loads and watches the textual configuration blob consumed
// by the application host.
//
// A document has up to four sections:
//
//	clockwork: scheduler/runtime knobs (workers, queue, shutdown grace)
//	logging:   sink selection (STDOUT or FILE), level, format
//	storage:   optional persistence (file or sqlite driver)
//	app:       opaque; decoded by the host into the user's config type
//
// YAML, JSON and TOML inputs are all coerced to JSON bytes so one strict
// decoder (DisallowUnknownFields) covers every format.
package config

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

type Document struct {
	Clockwork RuntimeConfig  `json:"clockwork,omitempty"`
	Logging   LoggingConfig  `json:"logging,omitempty"`
	Storage   *StorageConfig `json:"storage,omitempty"`

	// App is the application-specific section. It stays raw here; the host
	// decodes it into the user's config type exactly once.
	App json.RawMessage `json:"app,omitempty"`
}

// RuntimeConfig controls the shared scheduler runtime.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - queue_size: 64
//   - history_size: 200
//   - shutdown_grace: "5s"
type RuntimeConfig struct {
	Workers     int `json:"workers,omitempty"`
	QueueSize   int `json:"queue_size,omitempty"`
	HistorySize int `json:"history_size,omitempty"`

	// ShutdownGrace is a Go duration string (e.g. "5s"). It bounds how long
	// shutdown waits for in-flight task executions.
	ShutdownGrace string `json:"shutdown_grace,omitempty"`
}

// LoggingConfig selects the logging sink.
//
// write_target is "STDOUT" (default) or "FILE"; file_name is required for
// FILE. An omitted section means an STDOUT console sink at INFO.
type LoggingConfig struct {
	Level       string `json:"level,omitempty"`
	Format      string `json:"format,omitempty"` // "console" (default) or "json"
	WriteTarget string `json:"write_target,omitempty"`
	FileName    string `json:"file_name,omitempty"`
	ShowCaller  bool   `json:"show_caller,omitempty"`
}

// StorageConfig controls the optional persistence layer exposed to the
// application through its handle.
//
// Driver values: "none" (or empty), "file", "sqlite".
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

const (
	DefaultWorkers       = 4
	DefaultQueueSize     = 64
	DefaultHistorySize   = 200
	DefaultShutdownGrace = 5 * time.Second
)

// Validate checks every host-owned section and normalizes nothing; callers
// read effective values through the accessor methods below.
func (d *Document) Validate() error {
	if d.Clockwork.Workers < 0 {
		return fmt.Errorf("clockwork.workers must be >= 0")
	}
	if d.Clockwork.QueueSize < 0 {
		return fmt.Errorf("clockwork.queue_size must be >= 0")
	}
	if d.Clockwork.HistorySize < 0 {
		return fmt.Errorf("clockwork.history_size must be >= 0")
	}
	if _, err := d.Clockwork.Grace(); err != nil {
		return err
	}

	switch strings.ToUpper(strings.TrimSpace(d.Logging.WriteTarget)) {
	case "", "STDOUT":
	case "FILE":
		if strings.TrimSpace(d.Logging.FileName) == "" {
			return fmt.Errorf("logging.file_name is required when logging.write_target is FILE")
		}
	default:
		return fmt.Errorf("logging.write_target: unknown target %q (want STDOUT or FILE)", d.Logging.WriteTarget)
	}

	if d.Storage != nil {
		switch strings.ToLower(strings.TrimSpace(d.Storage.Driver)) {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q", d.Storage.Driver)
		}
		if _, err := d.Storage.Timeout(); err != nil {
			return err
		}
	}
	return nil
}

func (d *Document) EffectiveWorkers() int {
	if d.Clockwork.Workers > 0 {
		return d.Clockwork.Workers
	}
	return DefaultWorkers
}

func (d *Document) EffectiveQueueSize() int {
	if d.Clockwork.QueueSize > 0 {
		return d.Clockwork.QueueSize
	}
	return DefaultQueueSize
}

func (d *Document) EffectiveHistorySize() int {
	if d.Clockwork.HistorySize > 0 {
		return d.Clockwork.HistorySize
	}
	return DefaultHistorySize
}

func (d *Document) EffectiveShutdownGrace() time.Duration {
	g, err := d.Clockwork.Grace()
	if err != nil {
		return DefaultShutdownGrace
	}
	return g
}

// Grace returns the shutdown grace window, falling back to
// DefaultShutdownGrace when the field is omitted.
func (c RuntimeConfig) Grace() (time.Duration, error) {
	d, err := durationKey("clockwork.shutdown_grace", c.ShutdownGrace)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return DefaultShutdownGrace, nil
	}
	return d, nil
}

// Timeout returns the optional sqlite busy timeout; zero means the driver
// default. Safe to call on a nil section.
func (s *StorageConfig) Timeout() (time.Duration, error) {
	if s == nil {
		return 0, nil
	}
	return durationKey("storage.busy_timeout", s.BusyTimeout)
}

// durationKey parses the Go duration string held under the named document
// key. Empty values yield zero so callers can apply their own defaults.
func durationKey(key, raw string) (time.Duration, error) {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration (want e.g. \"5s\", \"1500ms\"): %w", key, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", key, raw)
	}
	return d, nil
}

// Hash is used by the watcher to skip redundant publishes when an editor
// fires several write events without content changes.
func (d *Document) Hash() uint64 {
	if d == nil {
		return 0
	}
	b, err := json.Marshal(d)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
