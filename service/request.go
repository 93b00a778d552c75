package service

import (
	"time"

	"github.com/ardnew/softkey/store"
)

// Op identifies a service operation.
type Op int

// Service operations.
const (
	OpRandomBytes Op = iota + 1
	OpReadFile
	OpWriteFile
	OpRemoveFile
	OpListFiles
	OpSeal
	OpOpen
	OpRequestUserPresence
	OpWink
	OpUptime
	OpReboot
)

// String returns a string representation of the operation.
func (o Op) String() string {
	switch o {
	case OpRandomBytes:
		return "random-bytes"
	case OpReadFile:
		return "read-file"
	case OpWriteFile:
		return "write-file"
	case OpRemoveFile:
		return "remove-file"
	case OpListFiles:
		return "list-files"
	case OpSeal:
		return "seal"
	case OpOpen:
		return "open"
	case OpRequestUserPresence:
		return "request-user-presence"
	case OpWink:
		return "wink"
	case OpUptime:
		return "uptime"
	case OpReboot:
		return "reboot"
	default:
		return "unknown"
	}
}

// Backend is a capability tag an endpoint must hold to run an operation.
type Backend int

// Backends.
const (
	BackendCore   Backend = iota // Entropy, files and user interface
	BackendCrypto                // Sealing with derived keys
)

// String returns a string representation of the backend.
func (b Backend) String() string {
	switch b {
	case BackendCore:
		return "core"
	case BackendCrypto:
		return "crypto"
	default:
		return "unknown"
	}
}

func (o Op) backend() Backend {
	switch o {
	case OpSeal, OpOpen:
		return BackendCrypto
	default:
		return BackendCore
	}
}

// Request is a tagged service request. Only the fields used by Op are read.
type Request struct {
	Op       Op
	Location store.Location
	Path     string
	Data     []byte
	Label    string
	Count    int
	Duration time.Duration
	Target   RebootTarget
}

// Reply is the result of a request.
type Reply struct {
	Op       Op
	Data     []byte
	Paths    []string
	Duration time.Duration
	Consent  Consent
	Err      error
}

// RandomBytes requests n bytes from the platform's entropy source.
func RandomBytes(n int) Request {
	return Request{Op: OpRandomBytes, Count: n}
}

// ReadFile requests the contents of a client file.
func ReadFile(loc store.Location, path string) Request {
	return Request{Op: OpReadFile, Location: loc, Path: path}
}

// WriteFile requests that a client file be created or replaced.
func WriteFile(loc store.Location, path string, data []byte) Request {
	return Request{Op: OpWriteFile, Location: loc, Path: path, Data: data}
}

// RemoveFile requests that a client file be deleted.
func RemoveFile(loc store.Location, path string) Request {
	return Request{Op: OpRemoveFile, Location: loc, Path: path}
}

// ListFiles requests the client's file paths under prefix.
func ListFiles(loc store.Location, prefix string) Request {
	return Request{Op: OpListFiles, Location: loc, Path: prefix}
}

// Seal requests authenticated encryption of data under the client key
// derived for label.
func Seal(label string, data []byte) Request {
	return Request{Op: OpSeal, Label: label, Data: data}
}

// Open reverses Seal.
func Open(label string, sealed []byte) Request {
	return Request{Op: OpOpen, Label: label, Data: sealed}
}

// RequestUserPresence asks the user interface for a presence check.
func RequestUserPresence() Request {
	return Request{Op: OpRequestUserPresence}
}

// Wink asks the user interface to draw attention to the device.
func Wink(d time.Duration) Request {
	return Request{Op: OpWink, Duration: d}
}

// Uptime requests the time since the platform started.
func Uptime() Request {
	return Request{Op: OpUptime}
}

// Reboot asks the platform to restart.
func Reboot(target RebootTarget) Request {
	return Request{Op: OpReboot, Target: target}
}
