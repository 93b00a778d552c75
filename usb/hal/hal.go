package hal

import "context"

// Endpoint transfer types (bmAttributes bits 1:0).
const (
	TransferControl     = 0x00
	TransferIsochronous = 0x01
	TransferBulk        = 0x02
	TransferInterrupt   = 0x03
)

// EndpointDirIn is the direction bit of an IN endpoint address.
const EndpointDirIn = 0x80

// EndpointConfig describes an endpoint configuration for the HAL.
type EndpointConfig struct {
	Address       uint8  // Endpoint address including direction bit
	Attributes    uint8  // Transfer type
	MaxPacketSize uint16 // Maximum packet size
	Interval      uint8  // Polling interval for interrupt endpoints
}

// Number returns the endpoint number (0-15).
func (e *EndpointConfig) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointConfig) IsIn() bool {
	return e.Address&EndpointDirIn != 0
}

// TransferType returns the transfer type.
func (e *EndpointConfig) TransferType() uint8 {
	return e.Attributes & 0x03
}

// DeviceHAL is the transport a simulated device is attached to.
//
// Blocking methods take a context and return its error when it is done.
// All methods are safe for concurrent use; the bus calls ReadSetup and the
// EP0 methods from one goroutine and Read/Write from one goroutine per
// endpoint.
type DeviceHAL interface {
	// Init prepares the transport.
	Init(ctx context.Context) error

	// Start attaches the device to the bus.
	Start() error

	// Stop detaches from the bus and releases the transport.
	Stop() error

	// SetAddress records the address assigned by the host.
	SetAddress(address uint8) error

	// ConfigureEndpoints activates the data endpoints of the selected
	// configuration. Nil deactivates all of them.
	ConfigureEndpoints(endpoints []EndpointConfig) error

	// ReadSetup blocks until a SETUP packet arrives. Data sent by the host
	// with an OUT control transfer is copied into data; the number of
	// bytes is returned.
	ReadSetup(ctx context.Context, out *SetupPacket, data []byte) (int, error)

	// WriteEP0 sends the data stage of an IN control transfer.
	WriteEP0(ctx context.Context, data []byte) error

	// StallEP0 rejects the current control transfer.
	StallEP0() error

	// AckEP0 completes the status stage of an OUT control transfer.
	AckEP0() error

	// Read blocks until a packet arrives on an OUT endpoint and copies it
	// into buf.
	Read(ctx context.Context, address uint8, buf []byte) (int, error)

	// Write sends a packet on an IN endpoint.
	Write(ctx context.Context, address uint8, data []byte) (int, error)

	// IsConnected reports whether the device is attached.
	IsConnected() bool

	// WaitConnect blocks until the device is attached.
	WaitConnect(ctx context.Context) error
}
