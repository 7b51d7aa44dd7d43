package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrInvalidArgument                = sterrors.New("flowbus: invalid argument")
	ErrUnregisteredBeforeRegistration = sterrors.New("flowbus: consumer unregistered before registration completed")
	ErrAddressRequired                = sterrors.New("flowbus: address is required")
	ErrBusRequired                    = sterrors.New("flowbus: bus is required")
	ErrBusClosed                      = sterrors.New("flowbus: bus is closed")
	ErrNoHandlers                     = sterrors.New("flowbus: no handlers for address")
	ErrNoReplyAddress                 = sterrors.New("flowbus: message has no reply address")
	ErrReplyTimeout                   = sterrors.New("flowbus: timed out waiting for reply")
	ErrWriteQueueFull                 = sterrors.New("flowbus: producer write queue is full")
	ErrProducerClosed                 = sterrors.New("flowbus: producer is closed")
	ErrConfigRequired                 = sterrors.New("flowbus: configuration is required")
	ErrLoggerRequired                 = sterrors.New("flowbus: logger is required")
)

// InvalidArgument wraps ErrInvalidArgument with a description of the offending value.
func InvalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// ConfigValidationError reports an invalid Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "flowbus: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
