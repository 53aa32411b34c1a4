package dynlistener

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfig     = errors.New("invalid listener configuration")
	ErrQueueFull         = errors.New("work queue is full")
	ErrAlreadyQueued     = errors.New("descriptor already has a work item in flight")
	ErrQueueStopped      = errors.New("work queue stopped")
	ErrDescriptorInvalid = errors.New("descriptor is not valid for the poller")
	ErrWouldBlock        = errors.New("operation would block")
	ErrProtocol          = errors.New("protocol error")
	ErrShutdownTimeout   = errors.New("workers did not stop within the shutdown timeout")
	ErrListenerRunning   = errors.New("listener already started")
	ErrListenerStopped   = errors.New("listener was stopped")
	ErrWorkerFaulted     = errors.New("worker faulted")
)

// ConfigError reports a Params field (or the address) that prevented the
// listener from being constructed.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%v: %v", ErrInvalidConfig, e.Err)
	}
	return fmt.Sprintf("%v: %s: %v", ErrInvalidConfig, e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

func configError(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}
