package usb

import (
	"errors"
	"sync/atomic"
	"testing"

	"github.com/ardnew/softkey/pkg"
	"github.com/ardnew/softkey/usb/hal"
)

// echoClass is a vendor class that echoes OUT packets back on IN.
type echoClass struct {
	iface   uint8
	in, out uint8
	resets  atomic.Int32
}

func (c *echoClass) Name() string { return "echo" }

func (c *echoClass) Configure(alloc *Allocator) error {
	c.iface = alloc.Interface()
	var err error
	c.in, c.out, err = alloc.Pair()
	return err
}

func (c *echoClass) AppendDescriptors(buf []byte) []byte {
	iface := InterfaceDescriptor{InterfaceNumber: c.iface, NumEndpoints: 2, InterfaceClass: 0xFF}
	buf = iface.Append(buf)
	for _, ep := range c.Endpoints() {
		d := EndpointDescriptor{EndpointAddress: ep.Address, Attributes: ep.Attributes, MaxPacketSize: ep.MaxPacketSize}
		buf = d.Append(buf)
	}
	return buf
}

func (c *echoClass) Endpoints() []hal.EndpointConfig {
	return []hal.EndpointConfig{
		{Address: c.in, Attributes: hal.TransferBulk, MaxPacketSize: 64},
		{Address: c.out, Attributes: hal.TransferBulk, MaxPacketSize: 64},
	}
}

func (c *echoClass) HandleSetup(setup *hal.SetupPacket, _ []byte) ([]byte, bool, error) {
	if setup.Type() != hal.RequestTypeClass || setup.InterfaceNumber() != c.iface {
		return nil, false, nil
	}
	if setup.Request != 0x01 {
		return nil, true, pkg.ErrNotSupported
	}
	return []byte("pong"), true, nil
}

func (c *echoClass) Poll(port Port) {
	for {
		pkt, ok := port.Receive(c.out)
		if !ok {
			return
		}
		port.Send(c.in, pkt)
	}
}

func (c *echoClass) Reset() { c.resets.Add(1) }

func TestDeviceBuilder(t *testing.T) {
	a, b := &echoClass{}, &echoClass{}
	dev, err := NewDeviceBuilder().
		WithVendorProduct(0x20a0, 0x42b2).
		WithClass(ClassHID, 0, 0).
		WithStrings("Simulation", "FIDO authenticator", "").
		WithMaxPower(100).
		AddClass(a).
		AddClass(b).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	d := dev.Descriptor
	if d.VendorID != 0x20a0 || d.ProductID != 0x42b2 {
		t.Errorf("vid/pid = %04x/%04x", d.VendorID, d.ProductID)
	}
	if d.DeviceClass != ClassHID || d.DeviceSubClass != 0 {
		t.Errorf("class = %d/%d", d.DeviceClass, d.DeviceSubClass)
	}
	if d.ManufacturerIndex != 1 || d.ProductIndex != 2 || d.SerialNumberIndex != 0 {
		t.Errorf("string indexes = %d/%d/%d", d.ManufacturerIndex, d.ProductIndex, d.SerialNumberIndex)
	}
	if dev.GetString(3) != nil {
		t.Error("GetString(3) should be nil without a serial")
	}

	if a.iface != 0 || b.iface != 1 {
		t.Errorf("interfaces = %d, %d", a.iface, b.iface)
	}
	if a.in != 0x81 || a.out != 0x01 || b.in != 0x82 || b.out != 0x02 {
		t.Errorf("endpoints = %#x %#x %#x %#x", a.in, a.out, b.in, b.out)
	}

	var cfg ConfigurationDescriptor
	if err := ParseConfigurationDescriptor(dev.ConfigDescriptor(), &cfg); err != nil {
		t.Fatal(err)
	}
	wantLen := ConfigurationDescriptorSize + 2*(InterfaceDescriptorSize+2*EndpointDescriptorSize)
	if int(cfg.TotalLength) != wantLen || len(dev.ConfigDescriptor()) != wantLen {
		t.Errorf("total length = %d (%d bytes), want %d", cfg.TotalLength, len(dev.ConfigDescriptor()), wantLen)
	}
	if cfg.NumInterfaces != 2 || cfg.ConfigurationValue != ConfigurationValue || cfg.MaxPower != 50 {
		t.Errorf("config = %+v", cfg)
	}
	if got := len(dev.Endpoints()); got != 4 {
		t.Errorf("Endpoints() = %d, want 4", got)
	}
}

func TestDeviceBuilder_Errors(t *testing.T) {
	if _, err := NewDeviceBuilder().Build(); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Build() without classes error = %v", err)
	}

	b := NewDeviceBuilder()
	for range MaxEndpointNumber + 1 {
		b.AddClass(&echoClass{})
	}
	if _, err := b.Build(); !errors.Is(err, pkg.ErrNoResources) {
		t.Errorf("Build() with too many endpoints error = %v", err)
	}
}

func TestDeviceState(t *testing.T) {
	dev, err := NewDeviceBuilder().AddClass(&echoClass{}).Build()
	if err != nil {
		t.Fatal(err)
	}
	if dev.State() != StateAttached {
		t.Errorf("initial state = %s", dev.State())
	}
	dev.Attach()

	if err := dev.SetConfiguration(1); !errors.Is(err, pkg.ErrNotConfigured) {
		t.Errorf("SetConfiguration before address error = %v", err)
	}
	if err := dev.SetAddress(5); err != nil {
		t.Fatal(err)
	}
	if dev.State() != StateAddress || dev.Address() != 5 {
		t.Errorf("after SetAddress: %s addr=%d", dev.State(), dev.Address())
	}
	if err := dev.SetConfiguration(2); !errors.Is(err, pkg.ErrInvalidRequest) {
		t.Errorf("SetConfiguration(2) error = %v", err)
	}
	if err := dev.SetConfiguration(1); err != nil {
		t.Fatal(err)
	}
	if !dev.IsConfigured() || dev.Configuration() != 1 {
		t.Errorf("after SetConfiguration: %s", dev.State())
	}
	if err := dev.SetConfiguration(0); err != nil || dev.State() != StateAddress {
		t.Errorf("deconfigure: %v %s", err, dev.State())
	}

	dev.EnableRemoteWakeup(true)
	if dev.Status() != StatusRemoteWakeup {
		t.Errorf("Status() = %#x", dev.Status())
	}
	dev.Reset()
	if dev.State() != StateDefault || dev.Address() != 0 || dev.Status() != 0 {
		t.Errorf("after Reset: %s addr=%d status=%#x", dev.State(), dev.Address(), dev.Status())
	}
	if err := dev.SetAddress(200); !errors.Is(err, pkg.ErrInvalidRequest) {
		t.Errorf("SetAddress(200) error = %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateAttached, "Attached"},
		{StateDefault, "Default"},
		{StateAddress, "Address"},
		{StateConfigured, "Configured"},
		{State(99), "Unknown State (99)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
