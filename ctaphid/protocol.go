package ctaphid

import (
	"fmt"
	"time"
)

// Report and message sizes.
const (
	PacketSize        = 64
	InitHeaderSize    = 7
	ContHeaderSize    = 5
	InitPayloadSize   = PacketSize - InitHeaderSize
	ContPayloadSize   = PacketSize - ContHeaderSize
	MaxSequence       = 0x7F
	MaxMessageSize    = InitPayloadSize + (MaxSequence+1)*ContPayloadSize
	BroadcastChannel  = 0xFFFFFFFF
	KeepaliveInterval = 100 * time.Millisecond
)

// Protocol version and device version reported by INIT.
const (
	ProtocolVersion = 2
	VersionMajor    = 1
	VersionMinor    = 0
	VersionBuild    = 0
)

// Capability flags reported by INIT.
const (
	CapabilityWink = 0x01
	CapabilityCBOR = 0x04
	CapabilityNMSG = 0x08
)

// Keepalive status codes.
const (
	StatusProcessing = 0x01
	StatusUpNeeded   = 0x02
)

// Command is a CTAPHID command byte without the init-packet bit.
type Command uint8

// Commands.
const (
	CmdPing      Command = 0x01
	CmdMsg       Command = 0x03
	CmdLock      Command = 0x04
	CmdInit      Command = 0x06
	CmdWink      Command = 0x08
	CmdCBOR      Command = 0x10
	CmdCancel    Command = 0x11
	CmdKeepalive Command = 0x3B
	CmdError     Command = 0x3F

	// CmdVendorFirst and CmdVendorLast bound the vendor command range.
	CmdVendorFirst Command = 0x40
	CmdVendorLast  Command = 0x7F
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CmdPing:
		return "PING"
	case CmdMsg:
		return "MSG"
	case CmdLock:
		return "LOCK"
	case CmdInit:
		return "INIT"
	case CmdWink:
		return "WINK"
	case CmdCBOR:
		return "CBOR"
	case CmdCancel:
		return "CANCEL"
	case CmdKeepalive:
		return "KEEPALIVE"
	case CmdError:
		return "ERROR"
	}
	if c >= CmdVendorFirst && c <= CmdVendorLast {
		return fmt.Sprintf("VENDOR(0x%02X)", uint8(c))
	}
	return fmt.Sprintf("0x%02X", uint8(c))
}

// ErrorCode is the payload of an ERROR response. Apps return one to choose
// the code sent to the host; any other error is reported as ErrorOther.
type ErrorCode uint8

// Error codes.
const (
	ErrorInvalidCommand   ErrorCode = 0x01
	ErrorInvalidParameter ErrorCode = 0x02
	ErrorInvalidLength    ErrorCode = 0x03
	ErrorInvalidSequence  ErrorCode = 0x04
	ErrorMessageTimeout   ErrorCode = 0x05
	ErrorChannelBusy      ErrorCode = 0x06
	ErrorLockRequired     ErrorCode = 0x0A
	ErrorInvalidChannel   ErrorCode = 0x0B
	ErrorOther            ErrorCode = 0x7F
)

// Error implements error.
func (e ErrorCode) Error() string {
	switch e {
	case ErrorInvalidCommand:
		return "ctaphid: invalid command"
	case ErrorInvalidParameter:
		return "ctaphid: invalid parameter"
	case ErrorInvalidLength:
		return "ctaphid: invalid length"
	case ErrorInvalidSequence:
		return "ctaphid: invalid sequence"
	case ErrorMessageTimeout:
		return "ctaphid: message timeout"
	case ErrorChannelBusy:
		return "ctaphid: channel busy"
	case ErrorLockRequired:
		return "ctaphid: lock required"
	case ErrorInvalidChannel:
		return "ctaphid: invalid channel"
	default:
		return fmt.Sprintf("ctaphid: error 0x%02X", uint8(e))
	}
}

// Message is a reassembled request or a response.
type Message struct {
	Channel uint32
	Command Command
	Data    []byte
}

// errorMessage builds an ERROR response.
func errorMessage(channel uint32, code ErrorCode) Message {
	return Message{Channel: channel, Command: CmdError, Data: []byte{byte(code)}}
}

// ReportDescriptor is the FIDO HID report descriptor: one 64-byte input and
// one 64-byte output report on usage page 0xF1D0.
var ReportDescriptor = []byte{
	0x06, 0xD0, 0xF1, // Usage Page (FIDO Alliance)
	0x09, 0x01,       // Usage (CTAPHID)
	0xA1, 0x01,       // Collection (Application)
	0x09, 0x20,       //   Usage (Input Report Data)
	0x15, 0x00,       //   Logical Minimum (0)
	0x26, 0xFF, 0x00, //   Logical Maximum (255)
	0x75, 0x08,       //   Report Size (8)
	0x95, PacketSize, //   Report Count (64)
	0x81, 0x02,       //   Input (Data, Var, Abs)
	0x09, 0x21,       //   Usage (Output Report Data)
	0x15, 0x00,       //   Logical Minimum (0)
	0x26, 0xFF, 0x00, //   Logical Maximum (255)
	0x75, 0x08,       //   Report Size (8)
	0x95, PacketSize, //   Report Count (64)
	0x91, 0x02,       //   Output (Data, Var, Abs)
	0xC0,             // End Collection
}
