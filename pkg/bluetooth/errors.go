package bluetooth

import (
	"github.com/pkg/errors"
)

var (
	// ErrAdvertisingTransient is logged when the controller refuses to start advertising; the coordinator retries.
	ErrAdvertisingTransient = errors.New("advertising could not be started")
	// ErrPairingComparisonRejected is reported when the passcode confirmation rejects or fails.
	ErrPairingComparisonRejected = errors.New("numeric comparison rejected")
	// ErrPairingFailedRemote is reported when the stack signals pairing failure.
	ErrPairingFailedRemote = errors.New("pairing failed")
	// ErrConnectionActive is returned by StopAdvertising while a central is connected.
	ErrConnectionActive = errors.New("a connection is active")
	// ErrClosed is returned by operations on a closed coordinator.
	ErrClosed = errors.New("coordinator closed")
	// ErrSecurityUnsupported is returned by stacks without an SMP implementation.
	ErrSecurityUnsupported = errors.New("security manager not supported by this stack")
)

// InitializationError means the transport or stack could not be created or
// configured. The coordinator is unusable; the caller must restart the transport.
type InitializationError struct {
	Op  string
	Err error
}

func (e *InitializationError) Error() string {
	return "initialization failed: " + e.Op + ": " + e.Err.Error()
}

// Unwrap returns the underlying cause
func (e *InitializationError) Unwrap() error { return e.Err }

// Cause returns the underlying cause for github.com/pkg/errors
func (e *InitializationError) Cause() error { return e.Err }

func initError(op string, err error) error {
	return &InitializationError{Op: op, Err: errors.WithStack(err)}
}
