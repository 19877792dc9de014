package mirror

import (
	"errors"
	"fmt"
)

var (
	ErrAlreadyRunning = errors.New("coordinator already running")
	ErrNoMappings     = errors.New("no watch paths configured")
)

// ConfigError is fatal and only produced at startup.
type ConfigError struct {
	Op   string
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("config %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("config %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ApplyError is a failure to mirror one event onto one sync target.
// It is logged and never stops the remaining targets or events.
type ApplyError struct {
	Op     string
	Target string
	Err    error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }
