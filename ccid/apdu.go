package ccid

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/errors"
)

// Instruction bytes handled by the dispatcher.
const (
	InsSelect      = 0xA4
	InsGetResponse = 0xC0
)

// ClaChaining is the command chaining bit of CLA.
const ClaChaining = 0x10

// StatusWord is an ISO 7816-4 SW1-SW2 pair. Apps return one as an error to
// choose the status sent to the host.
type StatusWord uint16

// Status words.
const (
	SWSuccess                StatusWord = 0x9000
	SWBytesRemaining         StatusWord = 0x6100
	SWWrongLength            StatusWord = 0x6700
	SWSecurityNotSatisfied   StatusWord = 0x6982
	SWConditionsNotSatisfied StatusWord = 0x6985
	SWLastCommandExpected    StatusWord = 0x6883
	SWWrongData              StatusWord = 0x6A80
	SWFileNotFound           StatusWord = 0x6A82
	SWIncorrectP1P2          StatusWord = 0x6A86
	SWReferenceNotFound      StatusWord = 0x6A88
	SWInsNotSupported        StatusWord = 0x6D00
	SWClaNotSupported        StatusWord = 0x6E00
	SWUnknown                StatusWord = 0x6F00
)

// Error implements error.
func (sw StatusWord) Error() string {
	return fmt.Sprintf("ccid: status %04X", uint16(sw))
}

// Bytes returns SW1 and SW2.
func (sw StatusWord) Bytes() []byte {
	return binary.BigEndian.AppendUint16(nil, uint16(sw))
}

// ErrMalformedAPDU is returned by ParseAPDU for encodings that match no
// ISO 7816-4 case.
var ErrMalformedAPDU = errors.New("ccid: malformed APDU")

// APDU is a parsed command APDU. Le is the expected response length with
// the zero encodings expanded: 256 for short and 65536 for extended APDUs.
// It is 0 when the command expects no data.
type APDU struct {
	CLA, INS, P1, P2 byte
	Data             []byte
	Le               int
	Extended         bool
}

// Chained reports whether more command data follows in the next APDU.
func (a *APDU) Chained() bool {
	return a.CLA&ClaChaining != 0
}

// ParseAPDU decodes the short and extended forms of cases 1 to 4.
func ParseAPDU(b []byte) (*APDU, error) {
	if len(b) < 4 {
		return nil, errors.Wrapf(ErrMalformedAPDU, "%d bytes", len(b))
	}
	a := &APDU{CLA: b[0], INS: b[1], P1: b[2], P2: b[3]}
	body := b[4:]

	shortLe := func(v byte) int {
		if v == 0 {
			return 256
		}
		return int(v)
	}
	extLe := func(v []byte) int {
		if n := binary.BigEndian.Uint16(v); n != 0 {
			return int(n)
		}
		return 65536
	}

	switch {
	case len(body) == 0:
		return a, nil
	case len(body) == 1:
		a.Le = shortLe(body[0])
		return a, nil
	case body[0] != 0:
		lc := int(body[0])
		switch len(body) {
		case 1 + lc:
		case 2 + lc:
			a.Le = shortLe(body[1+lc])
		default:
			return nil, errors.Wrapf(ErrMalformedAPDU, "Lc %d with %d body bytes", lc, len(body))
		}
		a.Data = body[1 : 1+lc]
		return a, nil
	}

	// Extended length: a zero byte followed by two length bytes.
	a.Extended = true
	if len(body) == 3 {
		a.Le = extLe(body[1:3])
		return a, nil
	}
	if len(body) < 3 {
		return nil, errors.Wrapf(ErrMalformedAPDU, "extended body of %d bytes", len(body))
	}
	lc := int(binary.BigEndian.Uint16(body[1:3]))
	switch len(body) {
	case 3 + lc:
	case 5 + lc:
		a.Le = extLe(body[3+lc:])
	default:
		return nil, errors.Wrapf(ErrMalformedAPDU, "extended Lc %d with %d body bytes", lc, len(body))
	}
	if lc == 0 {
		return nil, errors.Wrap(ErrMalformedAPDU, "extended Lc of zero")
	}
	a.Data = body[3 : 3+lc]
	return a, nil
}

// Bytes encodes the APDU, choosing the extended form when required.
func (a *APDU) Bytes() []byte {
	buf := []byte{a.CLA, a.INS, a.P1, a.P2}
	ext := a.Extended || len(a.Data) > 255 || a.Le > 256
	if len(a.Data) > 0 {
		if ext {
			buf = append(buf, 0)
			buf = binary.BigEndian.AppendUint16(buf, uint16(len(a.Data)))
		} else {
			buf = append(buf, byte(len(a.Data)))
		}
		buf = append(buf, a.Data...)
	}
	if a.Le > 0 {
		switch {
		case ext && len(a.Data) == 0:
			buf = append(buf, 0)
			buf = binary.BigEndian.AppendUint16(buf, uint16(a.Le))
		case ext:
			buf = binary.BigEndian.AppendUint16(buf, uint16(a.Le))
		default:
			buf = append(buf, byte(a.Le))
		}
	}
	return buf
}
