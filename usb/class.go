package usb

import "github.com/ardnew/softkey/usb/hal"

// Class is a USB function composed into a Device.
//
// Configure is called once by the DeviceBuilder. Every other method is
// called by the Bus: HandleSetup and Reset from the control goroutine, Poll
// from whichever goroutine drives Bus.Poll. Implementations guard any state
// shared between them.
type Class interface {
	// Name identifies the class in logs.
	Name() string

	// Configure claims interface numbers and endpoint addresses.
	Configure(alloc *Allocator) error

	// AppendDescriptors appends the interface, class-specific and endpoint
	// descriptors of the class to buf.
	AppendDescriptors(buf []byte) []byte

	// Endpoints returns the data endpoints claimed in Configure.
	Endpoints() []hal.EndpointConfig

	// HandleSetup answers a control request addressed to one of the class's
	// interfaces. It returns handled=false for requests it does not own.
	HandleSetup(setup *hal.SetupPacket, data []byte) (resp []byte, handled bool, err error)

	// Poll moves packets between the class and the bus. It must not block.
	Poll(port Port)

	// Reset drops in-flight state after a bus reset or deconfiguration.
	Reset()
}

// Port is a class's non-blocking view of its endpoints.
type Port interface {
	// Receive returns the next packet received on an OUT endpoint.
	Receive(address uint8) ([]byte, bool)

	// Send queues a packet on an IN endpoint. It reports false when the
	// queue is full; the class keeps the packet and retries on a later poll.
	Send(address uint8, data []byte) bool
}
