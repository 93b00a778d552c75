package ctaphid

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ardnew/softkey/interchange"
	"github.com/ardnew/softkey/pkg"
	"github.com/ardnew/softkey/usb"
	"github.com/ardnew/softkey/usb/hal"
)

// HID class requests.
const (
	RequestGetReport   = 0x01
	RequestGetIdle     = 0x02
	RequestGetProtocol = 0x03
	RequestSetReport   = 0x09
	RequestSetIdle     = 0x0A
	RequestSetProtocol = 0x0B
)

// EndpointInterval is the polling interval of both interrupt endpoints in
// milliseconds.
const EndpointInterval = 5

// Class is the CTAPHID usb.Class.
type Class struct {
	mutex sync.Mutex

	iface   uint8
	epIn    uint8
	epOut   uint8
	idle    uint8
	report  uint8 // HID protocol: 0 boot, 1 report
	nextCID uint32

	asm    Reassembler
	outbox [][]byte

	requester *interchange.Requester[Message, Message]
	busy      bool
	busyCID   uint32
	started   bool
}

var _ usb.Class = (*Class)(nil)

// New creates a class and the dispatcher that serves its requests.
func New() (*Class, *Dispatch) {
	rq, rp := interchange.New[Message, Message]()
	return &Class{requester: rq, report: 1, nextCID: 1}, &Dispatch{responder: rp}
}

// Name implements usb.Class.
func (c *Class) Name() string { return "ctaphid" }

// Configure claims one interface and an interrupt endpoint pair.
func (c *Class) Configure(alloc *usb.Allocator) error {
	in, out, err := alloc.Pair()
	if err != nil {
		return err
	}
	c.iface = alloc.Interface()
	c.epIn, c.epOut = in, out
	return nil
}

// hidDescriptor returns the HID class descriptor.
func hidDescriptor() []byte {
	buf := []byte{9, usb.DescriptorTypeHID, 0x11, 0x01, 0x00, 1, usb.DescriptorTypeHIDReport}
	return binary.LittleEndian.AppendUint16(buf, uint16(len(ReportDescriptor)))
}

// AppendDescriptors implements usb.Class.
func (c *Class) AppendDescriptors(buf []byte) []byte {
	iface := usb.InterfaceDescriptor{
		InterfaceNumber: c.iface,
		NumEndpoints:    2,
		InterfaceClass:  usb.ClassHID,
	}
	buf = iface.Append(buf)
	buf = append(buf, hidDescriptor()...)
	for _, ep := range c.Endpoints() {
		d := usb.EndpointDescriptor{
			EndpointAddress: ep.Address,
			Attributes:      ep.Attributes,
			MaxPacketSize:   ep.MaxPacketSize,
			Interval:        ep.Interval,
		}
		buf = d.Append(buf)
	}
	return buf
}

// Endpoints implements usb.Class.
func (c *Class) Endpoints() []hal.EndpointConfig {
	return []hal.EndpointConfig{
		{Address: c.epIn, Attributes: hal.TransferInterrupt, MaxPacketSize: PacketSize, Interval: EndpointInterval},
		{Address: c.epOut, Attributes: hal.TransferInterrupt, MaxPacketSize: PacketSize, Interval: EndpointInterval},
	}
}

// HandleSetup answers HID descriptor and class requests for the interface.
func (c *Class) HandleSetup(setup *hal.SetupPacket, data []byte) ([]byte, bool, error) {
	if setup.Recipient() != hal.RequestRecipientInterface || setup.InterfaceNumber() != c.iface {
		return nil, false, nil
	}

	if setup.Type() == hal.RequestTypeStandard {
		if setup.Request != hal.RequestGetDescriptor {
			return nil, false, nil
		}
		switch setup.DescriptorType() {
		case usb.DescriptorTypeHIDReport:
			return ReportDescriptor, true, nil
		case usb.DescriptorTypeHID:
			return hidDescriptor(), true, nil
		default:
			return nil, true, errors.Wrapf(pkg.ErrInvalidRequest, "descriptor type %#02x", setup.DescriptorType())
		}
	}
	if setup.Type() != hal.RequestTypeClass {
		return nil, false, nil
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	switch setup.Request {
	case RequestGetIdle:
		return []byte{c.idle}, true, nil
	case RequestSetIdle:
		c.idle = uint8(setup.Value >> 8)
		return nil, true, nil
	case RequestGetProtocol:
		return []byte{c.report}, true, nil
	case RequestSetProtocol:
		c.report = uint8(setup.Value & 0xFF)
		return nil, true, nil
	default:
		return nil, true, errors.Wrapf(pkg.ErrNotSupported, "HID request %#02x", setup.Request)
	}
}

// Poll consumes received reports, collects a finished response and sends
// queued reports.
func (c *Class) Poll(port usb.Port) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	for {
		pkt, ok := port.Receive(c.epOut)
		if !ok {
			break
		}
		c.receive(pkt)
	}

	if c.busy {
		if resp, ok := c.requester.TakeResponse(); ok {
			c.busy = false
			c.queue(resp)
		}
	}

	for len(c.outbox) > 0 && port.Send(c.epIn, c.outbox[0]) {
		c.outbox[0] = nil
		c.outbox = c.outbox[1:]
	}
}

// Reset abandons the outstanding request and drops partial messages and
// queued reports.
func (c *Class) Reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.busy {
		c.requester.Cancel()
	}
	c.busy = false
	c.started = false
	c.asm.Reset()
	c.outbox = nil
}

// DidStartProcessing reports, once, that a message was handed to the
// dispatcher since the previous call.
func (c *Class) DidStartProcessing() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	started := c.started
	c.started = false
	return started
}

// SendKeepalive queues a KEEPALIVE on the busy channel. It reports the
// interval to the next keepalive, or false when nothing is outstanding.
func (c *Class) SendKeepalive(waiting bool) (time.Duration, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.busy {
		return 0, false
	}
	status := byte(StatusProcessing)
	if waiting {
		status = StatusUpNeeded
	}
	c.queue(Message{Channel: c.busyCID, Command: CmdKeepalive, Data: []byte{status}})
	return KeepaliveInterval, true
}

// Busy reports whether a message is outstanding.
func (c *Class) Busy() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.busy
}

func (c *Class) queue(msg Message) {
	packets, err := Fragment(msg)
	if err != nil {
		pkg.LogWarn(pkg.ComponentCTAPHID, "response dropped",
			"channel", msg.Channel,
			"command", msg.Command.String(),
			"error", err)
		packets, _ = Fragment(errorMessage(msg.Channel, ErrorOther))
	}
	c.outbox = append(c.outbox, packets...)
}

func (c *Class) receive(pkt []byte) {
	msg, done, err := c.asm.Feed(pkt)
	if err != nil {
		var perr *PacketError
		if errors.As(err, &perr) {
			pkg.LogDebug(pkg.ComponentCTAPHID, "framing error",
				"channel", perr.Channel,
				"error", perr.Code.Error())
			c.queue(errorMessage(perr.Channel, perr.Code))
		}
		return
	}
	if done {
		c.handle(msg)
	}
}

func (c *Class) validChannel(cid uint32) bool {
	return cid != 0 && cid != BroadcastChannel && cid < c.nextCID
}

func (c *Class) handle(msg Message) {
	pkg.LogDebug(pkg.ComponentCTAPHID, "message received",
		"channel", msg.Channel,
		"command", msg.Command.String(),
		"length", len(msg.Data))

	if msg.Command == CmdInit {
		c.init(msg)
		return
	}
	if !c.validChannel(msg.Channel) {
		c.queue(errorMessage(msg.Channel, ErrorInvalidChannel))
		return
	}

	switch msg.Command {
	case CmdCancel:
		if c.busy && c.busyCID == msg.Channel {
			c.requester.Cancel()
			c.busy = false
			pkg.LogDebug(pkg.ComponentCTAPHID, "request cancelled", "channel", msg.Channel)
		}
	case CmdPing:
		if c.busy {
			c.queue(errorMessage(msg.Channel, ErrorChannelBusy))
			return
		}
		c.queue(msg)
	default:
		if c.busy {
			c.queue(errorMessage(msg.Channel, ErrorChannelBusy))
			return
		}
		if err := c.requester.Request(msg); err != nil {
			pkg.LogWarn(pkg.ComponentCTAPHID, "dispatcher busy", "error", err)
			c.queue(errorMessage(msg.Channel, ErrorChannelBusy))
			return
		}
		c.busy = true
		c.busyCID = msg.Channel
		c.started = true
	}
}

// init answers INIT: on the broadcast channel it allocates a channel, on an
// allocated channel it resynchronizes it.
func (c *Class) init(msg Message) {
	if len(msg.Data) != 8 {
		c.queue(errorMessage(msg.Channel, ErrorInvalidLength))
		return
	}

	cid := msg.Channel
	switch {
	case cid == BroadcastChannel:
		cid = c.nextCID
		c.nextCID++
	case !c.validChannel(cid):
		c.queue(errorMessage(msg.Channel, ErrorInvalidChannel))
		return
	case c.busy && c.busyCID == cid:
		c.requester.Cancel()
		c.busy = false
	}

	resp := make([]byte, 0, 17)
	resp = append(resp, msg.Data...)
	resp = binary.BigEndian.AppendUint32(resp, cid)
	resp = append(resp, ProtocolVersion, VersionMajor, VersionMinor, VersionBuild, CapabilityWink|CapabilityCBOR)
	c.queue(Message{Channel: msg.Channel, Command: CmdInit, Data: resp})
	pkg.LogDebug(pkg.ComponentCTAPHID, "channel initialized", "channel", cid)
}
