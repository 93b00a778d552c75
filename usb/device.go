package usb

import (
	"fmt"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/ardnew/softkey/pkg"
	"github.com/ardnew/softkey/usb/hal"
)

// Device states (USB 2.0 section 9.1).
const (
	StateAttached State = iota
	StateDefault
	StateAddress
	StateConfigured
)

// State is the enumeration state of a device.
type State uint8

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateAttached:
		return "Attached"
	case StateDefault:
		return "Default"
	case StateAddress:
		return "Address"
	case StateConfigured:
		return "Configured"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}

// ConfigurationValue is the value of the only configuration.
const ConfigurationValue = 1

// Device status bits returned by GET_STATUS.
const (
	StatusSelfPowered  = 0x0001
	StatusRemoteWakeup = 0x0002
)

// Device is a composite device built from classes.
type Device struct {
	Descriptor DeviceDescriptor

	config  []byte
	strings [][]byte
	classes []Class

	mutex        sync.RWMutex
	state        State
	address      uint8
	configured   uint8
	remoteWakeup bool
}

// Classes returns the classes in configuration order.
func (d *Device) Classes() []Class {
	return d.classes
}

// ConfigDescriptor returns the complete configuration descriptor.
func (d *Device) ConfigDescriptor() []byte {
	return d.config
}

// GetString returns string descriptor index, or nil.
func (d *Device) GetString(index uint8) []byte {
	if int(index) >= len(d.strings) {
		return nil
	}
	return d.strings[index]
}

// Endpoints returns the data endpoints of every class.
func (d *Device) Endpoints() []hal.EndpointConfig {
	var eps []hal.EndpointConfig
	for _, c := range d.classes {
		eps = append(eps, c.Endpoints()...)
	}
	return eps
}

// State returns the current device state.
func (d *Device) State() State {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

// Address returns the assigned address.
func (d *Device) Address() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.address
}

// Configuration returns the selected configuration value, 0 if none.
func (d *Device) Configuration() uint8 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.configured
}

// IsConfigured reports whether a configuration is selected.
func (d *Device) IsConfigured() bool {
	return d.State() == StateConfigured
}

func (d *Device) setState(s State) {
	d.mutex.Lock()
	old := d.state
	d.state = s
	d.mutex.Unlock()
	if old != s {
		pkg.LogDebug(pkg.ComponentBus, "device state changed",
			"from", old.String(),
			"to", s.String())
	}
}

// Attach moves the device to the default state.
func (d *Device) Attach() {
	d.setState(StateDefault)
}

// Reset returns the device to the default state after a bus reset.
func (d *Device) Reset() {
	d.mutex.Lock()
	d.address = 0
	d.configured = 0
	d.remoteWakeup = false
	d.mutex.Unlock()
	d.setState(StateDefault)
}

// SetAddress applies SET_ADDRESS.
func (d *Device) SetAddress(address uint8) error {
	if address > 127 {
		return errors.Wrapf(pkg.ErrInvalidRequest, "address %d", address)
	}
	d.mutex.Lock()
	d.address = address
	configured := d.configured != 0
	d.mutex.Unlock()

	switch {
	case configured:
	case address == 0:
		d.setState(StateDefault)
	default:
		d.setState(StateAddress)
	}
	return nil
}

// SetConfiguration applies SET_CONFIGURATION. Value 0 deconfigures.
func (d *Device) SetConfiguration(value uint8) error {
	if value != 0 && value != ConfigurationValue {
		return errors.Wrapf(pkg.ErrInvalidRequest, "configuration %d", value)
	}
	d.mutex.Lock()
	if d.state < StateAddress && value != 0 {
		d.mutex.Unlock()
		return errors.Wrap(pkg.ErrNotConfigured, "configuration before address")
	}
	d.configured = value
	d.mutex.Unlock()

	if value == 0 {
		d.setState(StateAddress)
	} else {
		d.setState(StateConfigured)
	}
	return nil
}

// EnableRemoteWakeup sets the remote wakeup feature.
func (d *Device) EnableRemoteWakeup(enabled bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.remoteWakeup = enabled
}

// Status returns the GET_STATUS bits.
func (d *Device) Status() uint16 {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	if d.remoteWakeup {
		return StatusRemoteWakeup
	}
	return 0
}

// DeviceBuilder provides a fluent API for building devices.
type DeviceBuilder struct {
	desc      DeviceDescriptor
	strings   [3]string
	classes   []Class
	maxPower  uint8
	attribute uint8
}

// NewDeviceBuilder creates a builder with full-speed USB 2.0 defaults.
func NewDeviceBuilder() *DeviceBuilder {
	return &DeviceBuilder{
		desc: DeviceDescriptor{
			USBVersion:        0x0200,
			MaxPacketSize0:    64,
			DeviceVersion:     0x0100,
			NumConfigurations: 1,
		},
		maxPower:  50,
		attribute: ConfigAttrBusPowered,
	}
}

// WithVendorProduct sets the vendor and product IDs.
func (b *DeviceBuilder) WithVendorProduct(vendorID, productID uint16) *DeviceBuilder {
	b.desc.VendorID = vendorID
	b.desc.ProductID = productID
	return b
}

// WithClass sets the device class triple.
func (b *DeviceBuilder) WithClass(class, subClass, protocol uint8) *DeviceBuilder {
	b.desc.DeviceClass = class
	b.desc.DeviceSubClass = subClass
	b.desc.DeviceProtocol = protocol
	return b
}

// WithDeviceVersion sets bcdDevice.
func (b *DeviceBuilder) WithDeviceVersion(bcd uint16) *DeviceBuilder {
	b.desc.DeviceVersion = bcd
	return b
}

// WithStrings sets the manufacturer, product and serial strings. An empty
// string leaves its index at zero.
func (b *DeviceBuilder) WithStrings(manufacturer, product, serial string) *DeviceBuilder {
	b.strings = [3]string{manufacturer, product, serial}
	return b
}

// WithMaxPower sets the bus power draw in mA.
func (b *DeviceBuilder) WithMaxPower(mA uint16) *DeviceBuilder {
	b.maxPower = uint8(min(mA/2, 250))
	return b
}

// AddClass appends a class to the configuration.
func (b *DeviceBuilder) AddClass(c Class) *DeviceBuilder {
	b.classes = append(b.classes, c)
	return b
}

// Build configures every class and encodes the descriptors.
func (b *DeviceBuilder) Build() (*Device, error) {
	if len(b.classes) == 0 {
		return nil, errors.Wrap(pkg.ErrInvalidParameter, "device has no classes")
	}

	dev := &Device{
		Descriptor: b.desc,
		classes:    b.classes,
		strings:    [][]byte{LanguageDescriptor(LangIDUSEnglish)},
	}
	indexes := []*uint8{
		&dev.Descriptor.ManufacturerIndex,
		&dev.Descriptor.ProductIndex,
		&dev.Descriptor.SerialNumberIndex,
	}
	for i, s := range b.strings {
		if s == "" {
			continue
		}
		*indexes[i] = uint8(len(dev.strings))
		dev.strings = append(dev.strings, StringDescriptor(s))
	}

	var alloc Allocator
	for _, c := range b.classes {
		if err := c.Configure(&alloc); err != nil {
			return nil, errors.Wrapf(err, "configure %s", c.Name())
		}
	}

	config := make([]byte, ConfigurationDescriptorSize, 128)
	for _, c := range b.classes {
		config = c.AppendDescriptors(config)
	}
	if len(config) > 0xFFFF {
		return nil, errors.Wrapf(pkg.ErrBufferTooSmall, "configuration of %d bytes", len(config))
	}
	header := ConfigurationDescriptor{
		TotalLength:        uint16(len(config)),
		NumInterfaces:      alloc.Interfaces(),
		ConfigurationValue: ConfigurationValue,
		Attributes:         b.attribute,
		MaxPower:           b.maxPower,
	}
	header.MarshalTo(config)
	dev.config = config

	pkg.LogDebug(pkg.ComponentBus, "device built",
		"vid", dev.Descriptor.VendorID,
		"pid", dev.Descriptor.ProductID,
		"interfaces", header.NumInterfaces,
		"configLength", header.TotalLength)
	return dev, nil
}
