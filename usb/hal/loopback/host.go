package loopback

import (
	"context"
	"encoding/binary"
	"sync"
	"unicode/utf16"

	"github.com/cockroachdb/errors"

	"github.com/ardnew/softkey/pkg"
	"github.com/ardnew/softkey/usb/hal"
)

// Descriptor types read during enumeration.
const (
	descriptorTypeDevice        = 0x01
	descriptorTypeConfiguration = 0x02
	descriptorTypeString        = 0x03
)

// LangIDUSEnglish is the language requested for string descriptors.
const LangIDUSEnglish = 0x0409

// ErrEnumerationFailed indicates a malformed descriptor during enumeration.
var ErrEnumerationFailed = errors.New("enumeration failed")

// Host is the host side of a loopback bus.
type Host struct {
	hal     *HAL
	control sync.Mutex
}

// Enumeration is what the host learned about the device.
type Enumeration struct {
	Address        uint8
	VendorID       uint16
	ProductID      uint16
	DeviceClass    uint8
	DeviceSubClass uint8
	Configuration  uint8
	Manufacturer   string
	Product        string
	SerialNumber   string

	// DeviceDescriptor and ConfigDescriptor hold the raw descriptors.
	DeviceDescriptor []byte
	ConfigDescriptor []byte
}

// Control performs one control transfer. For IN transfers the device's data
// stage is returned, truncated to setup.Length. A stalled request returns
// pkg.ErrStall.
func (c *Host) Control(ctx context.Context, setup hal.SetupPacket, data []byte) ([]byte, error) {
	c.control.Lock()
	defer c.control.Unlock()

	req := controlRequest{setup: setup, data: append([]byte(nil), data...)}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.hal.closeCh:
		return nil, pkg.ErrCancelled
	case c.hal.setupCh <- req:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.hal.closeCh:
		return nil, pkg.ErrCancelled
	case r := <-c.hal.replyCh:
		if r.stall {
			return nil, errors.Wrapf(pkg.ErrStall, "%s", setup.String())
		}
		if len(r.data) > int(setup.Length) {
			r.data = r.data[:setup.Length]
		}
		return r.data, nil
	}
}

// Reset signals a bus reset to the device.
func (c *Host) Reset(ctx context.Context) error {
	c.control.Lock()
	defer c.control.Unlock()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.hal.closeCh:
		return pkg.ErrCancelled
	case c.hal.setupCh <- controlRequest{reset: true}:
		return nil
	}
}

// Write sends a packet to an OUT endpoint. The endpoint must belong to the
// active configuration.
func (c *Host) Write(ctx context.Context, address uint8, data []byte) error {
	n, err := validEndpoint(address)
	if err != nil {
		return err
	}
	if !c.hal.isActive(address &^ hal.EndpointDirIn) {
		return errors.Wrapf(pkg.ErrNotConfigured, "endpoint %#02x", address)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.hal.closeCh:
		return pkg.ErrCancelled
	case c.hal.out[n] <- append([]byte(nil), data...):
		return nil
	}
}

// Read blocks until the device sends a packet on an IN endpoint.
func (c *Host) Read(ctx context.Context, address uint8) ([]byte, error) {
	n, err := validEndpoint(address)
	if err != nil {
		return nil, err
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.hal.closeCh:
		return nil, pkg.ErrCancelled
	case pkt := <-c.hal.in[n]:
		return pkt, nil
	}
}

// GetDescriptor reads a device-level descriptor.
func (c *Host) GetDescriptor(ctx context.Context, descType, index uint8, langID, length uint16) ([]byte, error) {
	setup := hal.GetDescriptorSetup(hal.RequestRecipientDevice, descType, index, langID, length)
	return c.Control(ctx, setup, nil)
}

// ReadString reads a string descriptor and decodes it. Index 0 returns an
// empty string.
func (c *Host) ReadString(ctx context.Context, index uint8) (string, error) {
	if index == 0 {
		return "", nil
	}
	data, err := c.GetDescriptor(ctx, descriptorTypeString, index, LangIDUSEnglish, 255)
	if err != nil {
		return "", err
	}
	if len(data) < 2 || data[1] != descriptorTypeString {
		return "", errors.Wrapf(ErrEnumerationFailed, "string descriptor %d", index)
	}
	size := min(int(data[0]), len(data))
	units := make([]uint16, 0, (size-2)/2)
	for i := 2; i+1 < size; i += 2 {
		units = append(units, binary.LittleEndian.Uint16(data[i:]))
	}
	return string(utf16.Decode(units)), nil
}

// Enumerate runs the standard enumeration sequence: address assignment,
// device and configuration descriptors, strings, and selection of the
// first configuration.
func (c *Host) Enumerate(ctx context.Context, address uint8) (*Enumeration, error) {
	if _, err := c.Control(ctx, hal.SetAddressSetup(address), nil); err != nil {
		return nil, errors.Wrap(err, "set address")
	}

	dev, err := c.GetDescriptor(ctx, descriptorTypeDevice, 0, 0, 18)
	if err != nil {
		return nil, errors.Wrap(err, "device descriptor")
	}
	if len(dev) < 18 || dev[1] != descriptorTypeDevice {
		return nil, errors.Wrap(ErrEnumerationFailed, "device descriptor")
	}
	e := &Enumeration{
		Address:          address,
		DeviceClass:      dev[4],
		DeviceSubClass:   dev[5],
		VendorID:         binary.LittleEndian.Uint16(dev[8:10]),
		ProductID:        binary.LittleEndian.Uint16(dev[10:12]),
		DeviceDescriptor: dev,
	}

	header, err := c.GetDescriptor(ctx, descriptorTypeConfiguration, 0, 0, 9)
	if err != nil {
		return nil, errors.Wrap(err, "configuration header")
	}
	if len(header) < 9 || header[1] != descriptorTypeConfiguration {
		return nil, errors.Wrap(ErrEnumerationFailed, "configuration header")
	}
	total := binary.LittleEndian.Uint16(header[2:4])
	if e.ConfigDescriptor, err = c.GetDescriptor(ctx, descriptorTypeConfiguration, 0, 0, total); err != nil {
		return nil, errors.Wrap(err, "configuration descriptor")
	}
	e.Configuration = header[5]

	if e.Manufacturer, err = c.ReadString(ctx, dev[14]); err != nil {
		return nil, err
	}
	if e.Product, err = c.ReadString(ctx, dev[15]); err != nil {
		return nil, err
	}
	if e.SerialNumber, err = c.ReadString(ctx, dev[16]); err != nil {
		return nil, err
	}

	if _, err := c.Control(ctx, hal.SetConfigurationSetup(e.Configuration), nil); err != nil {
		return nil, errors.Wrap(err, "set configuration")
	}
	pkg.LogDebug(pkg.ComponentHAL, "loopback device enumerated",
		"vid", e.VendorID,
		"pid", e.ProductID,
		"config", e.Configuration)
	return e, nil
}
