package usb

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/ardnew/softkey/pkg"
	"github.com/ardnew/softkey/usb/hal"
)

// MaxDescriptorResponseSize bounds the data stage of a descriptor request.
const MaxDescriptorResponseSize = 1024

// Feature selectors.
const (
	FeatureEndpointHalt       = 0x00
	FeatureDeviceRemoteWakeup = 0x01
)

// StandardRequestHandler answers standard requests addressed to the device
// or to its endpoints. Interface-recipient requests other than GET_STATUS
// and GET/SET_INTERFACE fall through to the classes.
type StandardRequestHandler struct {
	device *Device
	halted map[uint8]bool

	// Reused for every response; the bus copies it out before the next
	// request is read.
	responseBuf [MaxDescriptorResponseSize]byte
}

// NewStandardRequestHandler creates a handler for dev.
func NewStandardRequestHandler(dev *Device) *StandardRequestHandler {
	return &StandardRequestHandler{device: dev, halted: make(map[uint8]bool)}
}

// HandleSetup processes a standard request. It returns
// pkg.ErrInvalidRequest for requests it does not answer.
func (h *StandardRequestHandler) HandleSetup(setup *hal.SetupPacket) ([]byte, error) {
	if setup.Type() != hal.RequestTypeStandard {
		return nil, pkg.ErrInvalidRequest
	}

	switch setup.Recipient() {
	case hal.RequestRecipientDevice:
		return h.handleDeviceRequest(setup)
	case hal.RequestRecipientInterface:
		return h.handleInterfaceRequest(setup)
	case hal.RequestRecipientEndpoint:
		return h.handleEndpointRequest(setup)
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (h *StandardRequestHandler) handleDeviceRequest(setup *hal.SetupPacket) ([]byte, error) {
	switch setup.Request {
	case hal.RequestGetStatus:
		return h.status(h.device.Status()), nil
	case hal.RequestClearFeature, hal.RequestSetFeature:
		if setup.Value != FeatureDeviceRemoteWakeup {
			return nil, errors.Wrapf(pkg.ErrNotSupported, "device feature %d", setup.Value)
		}
		h.device.EnableRemoteWakeup(setup.Request == hal.RequestSetFeature)
		return nil, nil
	case hal.RequestSetAddress:
		return nil, h.device.SetAddress(uint8(setup.Value & 0x7F))
	case hal.RequestGetDescriptor:
		return h.getDescriptor(setup)
	case hal.RequestGetConfiguration:
		h.responseBuf[0] = h.device.Configuration()
		return h.responseBuf[:1], nil
	case hal.RequestSetConfiguration:
		return nil, h.device.SetConfiguration(uint8(setup.Value & 0xFF))
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

func (h *StandardRequestHandler) getDescriptor(setup *hal.SetupPacket) ([]byte, error) {
	var n int
	switch setup.DescriptorType() {
	case DescriptorTypeDevice:
		n = h.device.Descriptor.MarshalTo(h.responseBuf[:])

	case DescriptorTypeConfiguration:
		if setup.DescriptorIndex() != 0 {
			return nil, errors.Wrapf(pkg.ErrInvalidRequest, "configuration index %d", setup.DescriptorIndex())
		}
		n = copy(h.responseBuf[:], h.device.ConfigDescriptor())

	case DescriptorTypeString:
		data := h.device.GetString(setup.DescriptorIndex())
		if data == nil {
			return nil, errors.Wrapf(pkg.ErrInvalidRequest, "string index %d", setup.DescriptorIndex())
		}
		n = copy(h.responseBuf[:], data)

	case DescriptorTypeDeviceQualifier:
		// Full speed only.
		return nil, pkg.ErrNotSupported

	default:
		return nil, errors.Wrapf(pkg.ErrInvalidRequest, "descriptor type %#02x", setup.DescriptorType())
	}

	if n == 0 {
		return nil, pkg.ErrBufferTooSmall
	}
	return h.responseBuf[:min(n, int(setup.Length))], nil
}

// interfaceCount reads bNumInterfaces from the configuration header.
func (h *StandardRequestHandler) interfaceCount() uint8 {
	return h.device.ConfigDescriptor()[4]
}

func (h *StandardRequestHandler) handleInterfaceRequest(setup *hal.SetupPacket) ([]byte, error) {
	if !h.device.IsConfigured() || setup.InterfaceNumber() >= h.interfaceCount() {
		return nil, errors.Wrapf(pkg.ErrInvalidRequest, "interface %d", setup.InterfaceNumber())
	}
	switch setup.Request {
	case hal.RequestGetStatus:
		return h.status(0), nil
	case hal.RequestGetInterface:
		h.responseBuf[0] = 0
		return h.responseBuf[:1], nil
	case hal.RequestSetInterface:
		if setup.Value != 0 {
			return nil, errors.Wrapf(pkg.ErrInvalidRequest, "alternate setting %d", setup.Value)
		}
		return nil, nil
	default:
		// GET_DESCRIPTOR for class descriptors belongs to the class.
		return nil, pkg.ErrInvalidRequest
	}
}

func (h *StandardRequestHandler) endpointKnown(address uint8) bool {
	if address&0x0F == 0 {
		return true
	}
	for _, ep := range h.device.Endpoints() {
		if ep.Address == address {
			return true
		}
	}
	return false
}

func (h *StandardRequestHandler) handleEndpointRequest(setup *hal.SetupPacket) ([]byte, error) {
	address := uint8(setup.Index & 0xFF)
	if !h.endpointKnown(address) {
		return nil, errors.Wrapf(pkg.ErrInvalidEndpoint, "address %#02x", address)
	}
	switch setup.Request {
	case hal.RequestGetStatus:
		var status uint16
		if h.halted[address] {
			status = 1
		}
		return h.status(status), nil
	case hal.RequestClearFeature, hal.RequestSetFeature:
		if setup.Value != FeatureEndpointHalt {
			return nil, errors.Wrapf(pkg.ErrInvalidRequest, "endpoint feature %d", setup.Value)
		}
		h.halted[address] = setup.Request == hal.RequestSetFeature
		return nil, nil
	default:
		return nil, pkg.ErrInvalidRequest
	}
}

// Halted reports whether the host halted an endpoint.
func (h *StandardRequestHandler) Halted(address uint8) bool {
	return h.halted[address]
}

// Reset clears endpoint halts.
func (h *StandardRequestHandler) Reset() {
	clear(h.halted)
}

func (h *StandardRequestHandler) status(v uint16) []byte {
	binary.LittleEndian.PutUint16(h.responseBuf[:2], v)
	return h.responseBuf[:2]
}
