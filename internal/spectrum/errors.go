package spectrum

import (
	"errors"
	"fmt"
)

var (
	ErrNoDmRanges      = errors.New("no DM ranges configured")
	ErrNoChannels      = errors.New("empty channel frequency list")
	ErrChannelMismatch = errors.New("channel count mismatch")
	ErrDiscontinuity   = errors.New("non-contiguous block")
)

// ConfigError is a custom error type for configuration errors. These are
// fatal and are raised before streaming starts.
type ConfigError struct {
	msg string
	err error
}

func NewConfigError(err error, format string, args ...any) *ConfigError {
	return &ConfigError{msg: fmt.Sprintf(format, args...), err: err}
}

func (e *ConfigError) Error() string {
	if e.err == nil {
		return "config: " + e.msg
	}
	return fmt.Sprintf("config: %s: %s", e.msg, e.err)
}

func (e *ConfigError) Unwrap() error {
	return e.err
}

// DataError is a custom error type for bad input blocks.
type DataError struct {
	msg string
	err error
}

func NewDataError(err error, format string, args ...any) *DataError {
	return &DataError{msg: fmt.Sprintf(format, args...), err: err}
}

func (e *DataError) Error() string {
	if e.err == nil {
		return "data: " + e.msg
	}
	return fmt.Sprintf("data: %s: %s", e.msg, e.err)
}

func (e *DataError) Unwrap() error {
	return e.err
}

// ResourceError is a custom error type for failed work units: a full queue,
// a closed pool or a panicking task.
type ResourceError struct {
	msg string
	err error
}

func NewResourceError(err error, format string, args ...any) *ResourceError {
	return &ResourceError{msg: fmt.Sprintf(format, args...), err: err}
}

func (e *ResourceError) Error() string {
	if e.err == nil {
		return "resource: " + e.msg
	}
	return fmt.Sprintf("resource: %s: %s", e.msg, e.err)
}

func (e *ResourceError) Unwrap() error {
	return e.err
}

func IsConfigError(err error) bool {
	var target *ConfigError
	return errors.As(err, &target)
}

func IsDataError(err error) bool {
	var target *DataError
	return errors.As(err, &target)
}

func IsResourceError(err error) bool {
	var target *ResourceError
	return errors.As(err, &target)
}
