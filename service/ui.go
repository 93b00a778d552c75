package service

import "time"

// Consent is the outcome of a user presence check.
type Consent int

// Consent levels.
const (
	ConsentNone   Consent = iota // No user interaction
	ConsentNormal                // Single touch
	ConsentStrong                // Verified user
)

// String returns a string representation of the consent level.
func (c Consent) String() string {
	switch c {
	case ConsentNone:
		return "none"
	case ConsentNormal:
		return "normal"
	case ConsentStrong:
		return "strong"
	default:
		return "unknown"
	}
}

// Status is the indicator state shown to the user.
type Status int

// Indicator states.
const (
	StatusIdle Status = iota
	StatusProcessing
	StatusWaitingForUserPresence
	StatusError
)

// String returns a string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusProcessing:
		return "processing"
	case StatusWaitingForUserPresence:
		return "waiting-for-user-presence"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// RebootTarget selects what the platform restarts into.
type RebootTarget int

// Reboot targets.
const (
	RebootApplication RebootTarget = iota
	RebootBootloader
)

// String returns a string representation of the reboot target.
func (r RebootTarget) String() string {
	if r == RebootBootloader {
		return "bootloader"
	}
	return "application"
}

// UserInterface is the platform's user-facing hardware.
type UserInterface interface {
	// CheckUserPresence blocks until the user confirms or the check times
	// out.
	CheckUserPresence() Consent

	// SetStatus updates the indicator.
	SetStatus(Status)

	// Uptime returns the time since the platform started.
	Uptime() time.Duration

	// Wink draws attention to the device for d.
	Wink(d time.Duration)

	// Reboot restarts the platform. Simulated platforms terminate the
	// process and may not return.
	Reboot(RebootTarget)
}
