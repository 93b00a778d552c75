package ccid

import (
	"encoding/binary"
	"time"
)

// Framing constants.
const (
	HeaderSize            = 10
	PacketSize            = 64
	MaxMessageLength      = 3072
	MaxDataLength         = MaxMessageLength - HeaderSize
	TimeExtensionInterval = 950 * time.Millisecond
)

// Host to reader message types.
const (
	PCToRDRIccPowerOn       = 0x62
	PCToRDRIccPowerOff      = 0x63
	PCToRDRGetSlotStatus    = 0x65
	PCToRDRXfrBlock         = 0x6F
	PCToRDRGetParameters    = 0x6C
	PCToRDRResetParameters  = 0x6D
	PCToRDRSetParameters    = 0x61
	PCToRDREscape           = 0x6B
	PCToRDRIccClock         = 0x6E
	PCToRDRT0APDU           = 0x6A
	PCToRDRSecure           = 0x69
	PCToRDRMechanical       = 0x71
	PCToRDRAbort            = 0x72
	PCToRDRSetDataRateClock = 0x73
)

// Reader to host message types.
const (
	RDRToPCDataBlock        = 0x80
	RDRToPCSlotStatus       = 0x81
	RDRToPCParameters       = 0x82
	RDRToPCNotifySlotChange = 0x50
)

// Class-specific control requests.
const (
	RequestAbort               = 0x01
	RequestGetClockFrequencies = 0x02
	RequestGetDataRates        = 0x03
)

// bStatus fields.
const (
	ICCActive   = 0x00
	ICCInactive = 0x01
	ICCAbsent   = 0x02

	CommandOK            = 0x00
	CommandFailed        = 0x40
	CommandTimeExtension = 0x80
)

// bError values for failed commands.
const (
	ErrorCommandNotSupported = 0x00
	ErrorBadSlot             = 0x05
	ErrorBadProtocol         = 0x07
	ErrorSlotBusy            = 0xE0
	ErrorICCMute             = 0xFE
	ErrorCommandAborted      = 0xFF
)

// ProtocolT1 is the only transmission protocol offered.
const ProtocolT1 = 0x01

// T1Parameters is the abProtocolDataStructure reported for T=1.
var T1Parameters = []byte{
	0x11, // Fi/Di
	0x10, // LRC, direct convention
	0x00, // guard time
	0x4D, // BWI/CWI
	0x00, // clock stop not supported
	0xFE, // IFSC
	0x00, // NAD
}

// ATR builds a T=1 answer-to-reset carrying historical bytes. The check
// byte is computed over T0 through the last historical byte.
func ATR(historical []byte) []byte {
	historical = historical[:min(len(historical), 15)]
	atr := []byte{0x3B, 0x80 | byte(len(historical)), 0x80, 0x01}
	atr = append(atr, historical...)
	var tck byte
	for _, b := range atr[1:] {
		tck ^= b
	}
	return append(atr, tck)
}

// DefaultATR is the answer-to-reset of the simulated card.
var DefaultATR = ATR([]byte("softkey ccid"))

// Header is the common 10-byte CCID message header.
type Header struct {
	Type   byte
	Length uint32
	Slot   byte
	Seq    byte
	Param  [3]byte
}

// ParseHeader decodes the header at the start of buf.
func ParseHeader(buf []byte) (Header, bool) {
	if len(buf) < HeaderSize {
		return Header{}, false
	}
	h := Header{
		Type:   buf[0],
		Length: binary.LittleEndian.Uint32(buf[1:5]),
		Slot:   buf[5],
		Seq:    buf[6],
	}
	copy(h.Param[:], buf[7:10])
	return h, true
}

// AppendTo appends the encoded header to buf.
func (h Header) AppendTo(buf []byte) []byte {
	buf = append(buf, h.Type)
	buf = binary.LittleEndian.AppendUint32(buf, h.Length)
	buf = append(buf, h.Slot, h.Seq)
	return append(buf, h.Param[:]...)
}

// reply encodes a reader-to-host message.
func reply(msgType, slot, seq, status, errCode, param byte, data []byte) []byte {
	h := Header{
		Type:   msgType,
		Length: uint32(len(data)),
		Slot:   slot,
		Seq:    seq,
		Param:  [3]byte{status, errCode, param},
	}
	return append(h.AppendTo(make([]byte, 0, HeaderSize+len(data))), data...)
}

// functionalDescriptor returns the 54-byte CCID class descriptor.
func functionalDescriptor() []byte {
	le16 := binary.LittleEndian.AppendUint16
	le32 := binary.LittleEndian.AppendUint32

	buf := []byte{54, 0x21}
	buf = le16(buf, 0x0110)        // bcdCCID
	buf = append(buf, 0x00)        // bMaxSlotIndex
	buf = append(buf, 0x07)        // bVoltageSupport: 5V, 3V, 1.8V
	buf = le32(buf, 1<<ProtocolT1) // dwProtocols
	buf = le32(buf, 4000)          // dwDefaultClock (kHz)
	buf = le32(buf, 4000)          // dwMaximumClock
	buf = append(buf, 0)           // bNumClockSupported
	buf = le32(buf, 10752)         // dwDataRate (bps)
	buf = le32(buf, 10752)         // dwMaxDataRate
	buf = append(buf, 0)           // bNumDataRatesSupported
	buf = le32(buf, 254)           // dwMaxIFSD
	buf = le32(buf, 0)             // dwSynchProtocols
	buf = le32(buf, 0)             // dwMechanical
	buf = le32(buf, 0x000400FE)    // dwFeatures: automatic parameters, extended APDU
	buf = le32(buf, MaxMessageLength)
	buf = append(buf, 0xFF, 0xFF) // bClassGetResponse, bClassEnvelope
	buf = le16(buf, 0)            // wLcdLayout
	buf = append(buf, 0, 1)       // bPINSupport, bMaxCCIDBusySlots
	return buf
}
