package usb

import (
	"encoding/binary"
	"unicode/utf16"

	"github.com/cockroachdb/errors"
)

// Descriptor types.
const (
	DescriptorTypeDevice          = 0x01
	DescriptorTypeConfiguration   = 0x02
	DescriptorTypeString          = 0x03
	DescriptorTypeInterface       = 0x04
	DescriptorTypeEndpoint        = 0x05
	DescriptorTypeDeviceQualifier = 0x06
	DescriptorTypeHID             = 0x21
	DescriptorTypeHIDReport       = 0x22
	DescriptorTypeSmartCard       = 0x21 // CCID functional descriptor
)

// Class codes used by the simulator.
const (
	ClassPerInterface = 0x00
	ClassHID          = 0x03
	ClassSmartCard    = 0x0B
)

// Configuration attribute bits.
const (
	ConfigAttrBusPowered   = 0x80
	ConfigAttrSelfPowered  = 0x40
	ConfigAttrRemoteWakeup = 0x20
)

// Descriptor sizes.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
)

// LangIDUSEnglish is the only language the device reports.
const LangIDUSEnglish = 0x0409

// Descriptor errors.
var (
	ErrDescriptorTooShort     = errors.New("descriptor too short")
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")
)

// DeviceDescriptor is the 18-byte device descriptor.
type DeviceDescriptor struct {
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// MarshalTo writes the descriptor to buf and returns the number of bytes
// written, or 0 if buf is too small.
func (d *DeviceDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < DeviceDescriptorSize {
		return 0
	}
	buf[0] = DeviceDescriptorSize
	buf[1] = DescriptorTypeDevice
	binary.LittleEndian.PutUint16(buf[2:4], d.USBVersion)
	buf[4] = d.DeviceClass
	buf[5] = d.DeviceSubClass
	buf[6] = d.DeviceProtocol
	buf[7] = d.MaxPacketSize0
	binary.LittleEndian.PutUint16(buf[8:10], d.VendorID)
	binary.LittleEndian.PutUint16(buf[10:12], d.ProductID)
	binary.LittleEndian.PutUint16(buf[12:14], d.DeviceVersion)
	buf[14] = d.ManufacturerIndex
	buf[15] = d.ProductIndex
	buf[16] = d.SerialNumberIndex
	buf[17] = d.NumConfigurations
	return DeviceDescriptorSize
}

// ParseDeviceDescriptor decodes a device descriptor into out.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) error {
	if len(data) < DeviceDescriptorSize {
		return errors.Wrapf(ErrDescriptorTooShort, "device descriptor of %d bytes", len(data))
	}
	if data[1] != DescriptorTypeDevice {
		return errors.Wrapf(ErrDescriptorTypeMismatch, "type %#02x", data[1])
	}
	*out = DeviceDescriptor{
		USBVersion:        binary.LittleEndian.Uint16(data[2:4]),
		DeviceClass:       data[4],
		DeviceSubClass:    data[5],
		DeviceProtocol:    data[6],
		MaxPacketSize0:    data[7],
		VendorID:          binary.LittleEndian.Uint16(data[8:10]),
		ProductID:         binary.LittleEndian.Uint16(data[10:12]),
		DeviceVersion:     binary.LittleEndian.Uint16(data[12:14]),
		ManufacturerIndex: data[14],
		ProductIndex:      data[15],
		SerialNumberIndex: data[16],
		NumConfigurations: data[17],
	}
	return nil
}

// ConfigurationDescriptor is the 9-byte configuration header.
type ConfigurationDescriptor struct {
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8 // 2 mA units
}

// MarshalTo writes the header to buf.
func (c *ConfigurationDescriptor) MarshalTo(buf []byte) int {
	if len(buf) < ConfigurationDescriptorSize {
		return 0
	}
	buf[0] = ConfigurationDescriptorSize
	buf[1] = DescriptorTypeConfiguration
	binary.LittleEndian.PutUint16(buf[2:4], c.TotalLength)
	buf[4] = c.NumInterfaces
	buf[5] = c.ConfigurationValue
	buf[6] = c.ConfigurationIndex
	buf[7] = c.Attributes
	buf[8] = c.MaxPower
	return ConfigurationDescriptorSize
}

// ParseConfigurationDescriptor decodes a configuration header into out.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) error {
	if len(data) < ConfigurationDescriptorSize {
		return errors.Wrapf(ErrDescriptorTooShort, "configuration descriptor of %d bytes", len(data))
	}
	if data[1] != DescriptorTypeConfiguration {
		return errors.Wrapf(ErrDescriptorTypeMismatch, "type %#02x", data[1])
	}
	*out = ConfigurationDescriptor{
		TotalLength:        binary.LittleEndian.Uint16(data[2:4]),
		NumInterfaces:      data[4],
		ConfigurationValue: data[5],
		ConfigurationIndex: data[6],
		Attributes:         data[7],
		MaxPower:           data[8],
	}
	return nil
}

// InterfaceDescriptor is the 9-byte interface descriptor.
type InterfaceDescriptor struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// Append appends the encoded descriptor to buf.
func (i *InterfaceDescriptor) Append(buf []byte) []byte {
	return append(buf,
		InterfaceDescriptorSize,
		DescriptorTypeInterface,
		i.InterfaceNumber,
		i.AlternateSetting,
		i.NumEndpoints,
		i.InterfaceClass,
		i.InterfaceSubClass,
		i.InterfaceProtocol,
		i.InterfaceIndex,
	)
}

// EndpointDescriptor is the 7-byte endpoint descriptor.
type EndpointDescriptor struct {
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// Append appends the encoded descriptor to buf.
func (e *EndpointDescriptor) Append(buf []byte) []byte {
	buf = append(buf, EndpointDescriptorSize, DescriptorTypeEndpoint, e.EndpointAddress, e.Attributes)
	buf = binary.LittleEndian.AppendUint16(buf, e.MaxPacketSize)
	return append(buf, e.Interval)
}

// StringDescriptor encodes s as a UTF-16LE string descriptor. Strings that
// do not fit in 255 bytes are truncated.
func StringDescriptor(s string) []byte {
	units := utf16.Encode([]rune(s))
	if limit := (255 - 2) / 2; len(units) > limit {
		units = units[:limit]
	}
	buf := make([]byte, 2, 2+2*len(units))
	buf[0] = byte(2 + 2*len(units))
	buf[1] = DescriptorTypeString
	for _, u := range units {
		buf = binary.LittleEndian.AppendUint16(buf, u)
	}
	return buf
}

// LanguageDescriptor encodes string descriptor 0.
func LanguageDescriptor(langIDs ...uint16) []byte {
	buf := []byte{byte(2 + 2*len(langIDs)), DescriptorTypeString}
	for _, id := range langIDs {
		buf = binary.LittleEndian.AppendUint16(buf, id)
	}
	return buf
}
