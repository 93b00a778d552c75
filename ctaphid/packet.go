package ctaphid

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// ErrMessageTooLarge is returned by Fragment for payloads over
// MaxMessageSize.
var ErrMessageTooLarge = errors.New("ctaphid: message too large")

// Fragment splits a message into 64-byte reports: one init packet followed
// by as many continuation packets as needed.
func Fragment(msg Message) ([][]byte, error) {
	if len(msg.Data) > MaxMessageSize {
		return nil, errors.Wrapf(ErrMessageTooLarge, "%d bytes", len(msg.Data))
	}

	pkt := make([]byte, PacketSize)
	binary.BigEndian.PutUint32(pkt[0:4], msg.Channel)
	pkt[4] = 0x80 | byte(msg.Command)
	binary.BigEndian.PutUint16(pkt[5:7], uint16(len(msg.Data)))
	data := msg.Data[copy(pkt[InitHeaderSize:], msg.Data):]
	packets := [][]byte{pkt}

	for seq := byte(0); len(data) > 0; seq++ {
		pkt := make([]byte, PacketSize)
		binary.BigEndian.PutUint32(pkt[0:4], msg.Channel)
		pkt[4] = seq
		data = data[copy(pkt[ContHeaderSize:], data):]
		packets = append(packets, pkt)
	}
	return packets, nil
}

// PacketError is a framing error to be reported on a channel.
type PacketError struct {
	Channel uint32
	Code    ErrorCode
}

// Error implements error.
func (e *PacketError) Error() string {
	return e.Code.Error()
}

// Unwrap exposes the code to errors.Is and errors.As.
func (e *PacketError) Unwrap() error {
	return e.Code
}

// Reassembler collects the packets of one message at a time.
type Reassembler struct {
	active  bool
	channel uint32
	command Command
	size    int
	seq     byte
	buf     []byte
}

// Active reports whether a message is partially assembled.
func (r *Reassembler) Active() bool {
	return r.active
}

// Channel returns the channel of the message being assembled.
func (r *Reassembler) Channel() uint32 {
	return r.channel
}

// Reset drops any partial message.
func (r *Reassembler) Reset() {
	*r = Reassembler{buf: r.buf[:0]}
}

// Feed consumes one report. It returns the message once its last packet
// arrives. Framing errors are returned as *PacketError; continuation
// packets that belong to no message are ignored.
func (r *Reassembler) Feed(pkt []byte) (Message, bool, error) {
	if len(pkt) < PacketSize {
		padded := make([]byte, PacketSize)
		copy(padded, pkt)
		pkt = padded
	}
	channel := binary.BigEndian.Uint32(pkt[0:4])
	if channel == 0 {
		return Message{}, false, &PacketError{Channel: channel, Code: ErrorInvalidChannel}
	}

	if pkt[4]&0x80 != 0 {
		return r.init(channel, pkt)
	}
	return r.cont(channel, pkt)
}

func (r *Reassembler) init(channel uint32, pkt []byte) (Message, bool, error) {
	cmd := Command(pkt[4] &^ 0x80)
	if r.active {
		switch {
		case channel != r.channel:
			return Message{}, false, &PacketError{Channel: channel, Code: ErrorChannelBusy}
		case cmd != CmdInit:
			r.Reset()
			return Message{}, false, &PacketError{Channel: channel, Code: ErrorInvalidSequence}
		}
		// INIT on the same channel aborts the partial message.
		r.Reset()
	}

	size := int(binary.BigEndian.Uint16(pkt[5:7]))
	if size > MaxMessageSize {
		return Message{}, false, &PacketError{Channel: channel, Code: ErrorInvalidLength}
	}
	n := min(size, InitPayloadSize)
	if n == size {
		data := make([]byte, n)
		copy(data, pkt[InitHeaderSize:])
		return Message{Channel: channel, Command: cmd, Data: data}, true, nil
	}

	r.active = true
	r.channel = channel
	r.command = cmd
	r.size = size
	r.seq = 0
	r.buf = append(r.buf[:0], pkt[InitHeaderSize:]...)
	return Message{}, false, nil
}

func (r *Reassembler) cont(channel uint32, pkt []byte) (Message, bool, error) {
	if !r.active || channel != r.channel {
		return Message{}, false, nil
	}
	if pkt[4] != r.seq {
		r.Reset()
		return Message{}, false, &PacketError{Channel: channel, Code: ErrorInvalidSequence}
	}
	r.seq++

	n := min(r.size-len(r.buf), ContPayloadSize)
	r.buf = append(r.buf, pkt[ContHeaderSize:ContHeaderSize+n]...)
	if len(r.buf) < r.size {
		return Message{}, false, nil
	}
	msg := Message{Channel: r.channel, Command: r.command, Data: append([]byte(nil), r.buf...)}
	r.Reset()
	return msg, true, nil
}
