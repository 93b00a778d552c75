package pkg

import "github.com/cockroachdb/errors"

// Bus and transfer errors.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrTimeout indicates a transfer timeout.
	ErrTimeout = errors.New("transfer timeout")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrProtocol indicates a protocol error.
	ErrProtocol = errors.New("protocol error")

	// ErrNotConfigured indicates the device is not configured.
	ErrNotConfigured = errors.New("device not configured")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidRequest indicates an invalid or unsupported request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrSetupPacketTooShort indicates the setup packet data is too short.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrReset indicates a bus reset was received.
	ErrReset = errors.New("bus reset")
)

// Runtime errors.
var (
	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrBusy indicates the resource is busy.
	ErrBusy = errors.New("resource busy")

	// ErrAlreadyRunning indicates the component is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrNoResources indicates insufficient resources (e.g., client slots).
	ErrNoResources = errors.New("no resources available")

	// ErrNotFound indicates a missing file, key or record.
	ErrNotFound = errors.New("not found")

	// ErrClosed indicates use of a closed resource.
	ErrClosed = errors.New("closed")
)

// Status classifies the outcome of an operation for reporting.
type Status int

// Status values.
const (
	StatusSuccess   Status = iota // Operation completed successfully
	StatusError                   // Operation failed
	StatusStall                   // Endpoint stalled
	StatusTimeout                 // Operation timed out
	StatusCancelled               // Operation was cancelled
	StatusBusy                    // Another operation is in flight
	StatusNotFound                // Target does not exist
	StatusNotSupported            // Operation is not supported
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	case StatusStall:
		return "stall"
	case StatusTimeout:
		return "timeout"
	case StatusCancelled:
		return "cancelled"
	case StatusBusy:
		return "busy"
	case StatusNotFound:
		return "not found"
	case StatusNotSupported:
		return "not supported"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the status.
func (s Status) Error() error {
	switch s {
	case StatusSuccess:
		return nil
	case StatusStall:
		return ErrStall
	case StatusTimeout:
		return ErrTimeout
	case StatusCancelled:
		return ErrCancelled
	case StatusBusy:
		return ErrBusy
	case StatusNotFound:
		return ErrNotFound
	case StatusNotSupported:
		return ErrNotSupported
	default:
		return ErrProtocol
	}
}

// StatusOf maps an error to the closest Status.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrStall):
		return StatusStall
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	case errors.Is(err, ErrCancelled):
		return StatusCancelled
	case errors.Is(err, ErrBusy):
		return StatusBusy
	case errors.Is(err, ErrNotFound):
		return StatusNotFound
	case errors.Is(err, ErrNotSupported):
		return StatusNotSupported
	default:
		return StatusError
	}
}
