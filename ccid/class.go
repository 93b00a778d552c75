package ccid

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ardnew/softkey/interchange"
	"github.com/ardnew/softkey/pkg"
	"github.com/ardnew/softkey/usb"
	"github.com/ardnew/softkey/usb/hal"
)

// NotifyInterval is the polling interval of the interrupt endpoint in
// milliseconds.
const NotifyInterval = 32

// ErrorBadLength is the bError for a dwLength beyond MaxMessageLength.
const ErrorBadLength = 0x01

// RDRToPCEscape answers PC_to_RDR_Escape.
const RDRToPCEscape = 0x83

// Request is one APDU handed to the dispatcher.
type Request struct {
	Slot byte
	Seq  byte
	APDU []byte

	// PowerCycled is set on the first APDU after IccPowerOn.
	PowerCycled bool
}

// Response carries the response APDU, status word included.
type Response struct {
	Seq  byte
	Data []byte
}

// Class is the CCID usb.Class. It simulates a reader with one slot holding
// a card that speaks T=1.
type Class struct {
	mutex sync.Mutex

	iface uint8
	epIn  uint8
	epOut uint8
	epInt uint8

	rx       []byte
	outbox   [][]byte
	notified bool
	powered  bool
	cycled   bool

	requester *interchange.Requester[Request, Response]
	busy      bool
	busySeq   byte
	started   bool
}

var _ usb.Class = (*Class)(nil)

// New creates a class and the dispatcher that serves its APDUs.
func New() (*Class, *Dispatch) {
	rq, rp := interchange.New[Request, Response]()
	return &Class{requester: rq}, &Dispatch{responder: rp}
}

// Name implements usb.Class.
func (c *Class) Name() string { return "ccid" }

// Configure claims one interface, a bulk pair and an interrupt IN endpoint.
func (c *Class) Configure(alloc *usb.Allocator) error {
	in, out, err := alloc.Pair()
	if err != nil {
		return err
	}
	notify, err := alloc.In()
	if err != nil {
		return err
	}
	c.iface = alloc.Interface()
	c.epIn, c.epOut, c.epInt = in, out, notify
	return nil
}

// AppendDescriptors implements usb.Class.
func (c *Class) AppendDescriptors(buf []byte) []byte {
	iface := usb.InterfaceDescriptor{
		InterfaceNumber: c.iface,
		NumEndpoints:    3,
		InterfaceClass:  usb.ClassSmartCard,
	}
	buf = iface.Append(buf)
	buf = append(buf, functionalDescriptor()...)
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
		{Address: c.epOut, Attributes: hal.TransferBulk, MaxPacketSize: PacketSize},
		{Address: c.epIn, Attributes: hal.TransferBulk, MaxPacketSize: PacketSize},
		{Address: c.epInt, Attributes: hal.TransferInterrupt, MaxPacketSize: 8, Interval: NotifyInterval},
	}
}

// HandleSetup acknowledges ABORT and rejects the clock and data rate
// queries, which the functional descriptor does not advertise.
func (c *Class) HandleSetup(setup *hal.SetupPacket, data []byte) ([]byte, bool, error) {
	if setup.Recipient() != hal.RequestRecipientInterface || setup.InterfaceNumber() != c.iface ||
		setup.Type() != hal.RequestTypeClass {
		return nil, false, nil
	}
	switch setup.Request {
	case RequestAbort:
		c.mutex.Lock()
		defer c.mutex.Unlock()
		pkg.LogDebug(pkg.ComponentCCID, "abort requested",
			"slot", setup.Value&0xFF,
			"seq", setup.Value>>8)
		c.abort()
		return nil, true, nil
	default:
		return nil, true, errors.Wrapf(pkg.ErrNotSupported, "CCID request %#02x", setup.Request)
	}
}

// Poll consumes bulk OUT packets, collects a finished response, notifies
// the slot state once per configuration and sends queued packets.
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

	if !c.notified && port.Send(c.epInt, []byte{RDRToPCNotifySlotChange, 0x03}) {
		c.notified = true
	}

	if c.busy {
		if resp, ok := c.requester.TakeResponse(); ok {
			c.busy = false
			c.queue(reply(RDRToPCDataBlock, 0, resp.Seq, CommandOK|ICCActive, 0, 0, resp.Data))
		}
	}

	for len(c.outbox) > 0 && port.Send(c.epIn, c.outbox[0]) {
		c.outbox[0] = nil
		c.outbox = c.outbox[1:]
	}
}

// Reset abandons the outstanding APDU, powers the card down and drops
// partial and queued messages.
func (c *Class) Reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.abort()
	c.started = false
	c.notified = false
	c.powered = false
	c.rx = nil
	c.outbox = nil
}

// DidStartProcessing reports, once, that an APDU was handed to the
// dispatcher since the previous call.
func (c *Class) DidStartProcessing() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	started := c.started
	c.started = false
	return started
}

// SendTimeExtension queues a time extension request for the outstanding
// APDU. It reports the interval to the next one, or false when nothing is
// outstanding.
func (c *Class) SendTimeExtension() (time.Duration, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.busy {
		return 0, false
	}
	c.queue(reply(RDRToPCDataBlock, 0, c.busySeq, CommandTimeExtension|ICCActive, 1, 0, nil))
	return TimeExtensionInterval, true
}

// Busy reports whether an APDU is outstanding.
func (c *Class) Busy() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.busy
}

func (c *Class) abort() {
	if c.busy {
		c.requester.Cancel()
	}
	c.busy = false
}

// queue splits msg into bulk packets, closing exact multiples of the packet
// size with a zero-length packet.
func (c *Class) queue(msg []byte) {
	for len(msg) >= PacketSize {
		c.outbox = append(c.outbox, msg[:PacketSize])
		msg = msg[PacketSize:]
	}
	c.outbox = append(c.outbox, msg)
}

func (c *Class) receive(pkt []byte) {
	c.rx = append(c.rx, pkt...)
	for {
		h, ok := ParseHeader(c.rx)
		if !ok {
			break
		}
		if h.Length > MaxDataLength {
			pkg.LogDebug(pkg.ComponentCCID, "message too long",
				"type", h.Type,
				"length", h.Length)
			c.rx = nil
			c.fail(h, ErrorBadLength)
			return
		}
		total := HeaderSize + int(h.Length)
		if len(c.rx) < total {
			break
		}
		msg := c.rx[:total:total]
		c.rx = append([]byte(nil), c.rx[total:]...)
		c.handle(h, msg[HeaderSize:])
	}
	// A short packet ends the transfer.
	if len(pkt) < PacketSize && len(c.rx) > 0 {
		pkg.LogDebug(pkg.ComponentCCID, "truncated message dropped", "length", len(c.rx))
		c.rx = nil
	}
}

func (c *Class) slotStatus() byte {
	if c.powered {
		return ICCActive
	}
	return ICCInactive
}

// responseType returns the reader message type that answers msgType.
func responseType(msgType byte) byte {
	switch msgType {
	case PCToRDRIccPowerOn, PCToRDRXfrBlock, PCToRDRSecure:
		return RDRToPCDataBlock
	case PCToRDRGetParameters, PCToRDRResetParameters, PCToRDRSetParameters:
		return RDRToPCParameters
	case PCToRDREscape:
		return RDRToPCEscape
	default:
		return RDRToPCSlotStatus
	}
}

func (c *Class) fail(h Header, code byte) {
	status := CommandFailed | c.slotStatus()
	if code == ErrorBadSlot {
		status = CommandFailed | ICCAbsent
	}
	c.queue(reply(responseType(h.Type), h.Slot, h.Seq, status, code, 0, nil))
}

func (c *Class) handle(h Header, data []byte) {
	pkg.LogDebug(pkg.ComponentCCID, "message received",
		"type", h.Type,
		"slot", h.Slot,
		"seq", h.Seq,
		"length", len(data))

	if h.Slot != 0 {
		c.fail(h, ErrorBadSlot)
		return
	}
	if c.busy && h.Type != PCToRDRAbort && h.Type != PCToRDRGetSlotStatus {
		c.fail(h, ErrorSlotBusy)
		return
	}

	switch h.Type {
	case PCToRDRIccPowerOn:
		c.powered = true
		c.cycled = true
		c.queue(reply(RDRToPCDataBlock, h.Slot, h.Seq, CommandOK|ICCActive, 0, 0, DefaultATR))
	case PCToRDRIccPowerOff:
		c.powered = false
		c.queue(reply(RDRToPCSlotStatus, h.Slot, h.Seq, CommandOK|ICCInactive, 0, 0, nil))
	case PCToRDRGetSlotStatus:
		c.queue(reply(RDRToPCSlotStatus, h.Slot, h.Seq, CommandOK|c.slotStatus(), 0, 0, nil))
	case PCToRDRXfrBlock:
		c.transfer(h, data)
	case PCToRDRSetParameters:
		if h.Param[0] != ProtocolT1 {
			c.fail(h, ErrorBadProtocol)
			return
		}
		c.queue(reply(RDRToPCParameters, h.Slot, h.Seq, CommandOK|c.slotStatus(), 0, ProtocolT1, T1Parameters))
	case PCToRDRGetParameters, PCToRDRResetParameters:
		c.queue(reply(RDRToPCParameters, h.Slot, h.Seq, CommandOK|c.slotStatus(), 0, ProtocolT1, T1Parameters))
	case PCToRDRIccClock:
		c.queue(reply(RDRToPCSlotStatus, h.Slot, h.Seq, CommandOK|c.slotStatus(), 0, 0, nil))
	case PCToRDRAbort:
		c.abort()
		c.queue(reply(RDRToPCSlotStatus, h.Slot, h.Seq, CommandOK|c.slotStatus(), 0, 0, nil))
	default:
		c.fail(h, ErrorCommandNotSupported)
	}
}

func (c *Class) transfer(h Header, data []byte) {
	if !c.powered {
		c.fail(h, ErrorICCMute)
		return
	}
	req := Request{
		Slot:        h.Slot,
		Seq:         h.Seq,
		APDU:        append([]byte(nil), data...),
		PowerCycled: c.cycled,
	}
	if err := c.requester.Request(req); err != nil {
		pkg.LogWarn(pkg.ComponentCCID, "dispatcher busy", "error", err)
		c.fail(h, ErrorSlotBusy)
		return
	}
	c.cycled = false
	c.busy = true
	c.busySeq = h.Seq
	c.started = true
}
