package runner

import (
	"io"
	"slices"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/ardnew/softkey/pkg"
)

// Protocol families a device can expose.
const (
	ProtocolCTAPHID = "ctaphid"
	ProtocolCCID    = "ccid"
)

// Device class reported in the device descriptor regardless of the
// protocols enabled.
const (
	DeviceClass    = 0x03
	DeviceSubClass = 0x00
)

// Defaults.
const (
	DefaultManufacturer = "Simulation"
	DefaultProduct      = "FIDO authenticator"
	DefaultSerialNumber = "SIM SIM SIM"
	DefaultVendorID     = 0x20a0
	DefaultProductID    = 0x42b2
	DefaultState        = "softkey-state.db"
	DefaultBusDir       = "/tmp/softkey"
	DefaultPollInterval = 5 * time.Millisecond
)

// maxStringLength is the number of UTF-16 units a string descriptor holds.
const maxStringLength = 126

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.Wrap(pkg.ErrInvalidParameter, "invalid configuration")

// Options identify the simulated device on the bus.
type Options struct {
	Manufacturer string `yaml:"manufacturer"`
	Product      string `yaml:"product"`
	SerialNumber string `yaml:"serial"` // Empty omits the serial number string
	VendorID     uint16 `yaml:"vid"`
	ProductID    uint16 `yaml:"pid"`
}

// DefaultOptions returns the identity of the reference simulator.
func DefaultOptions() Options {
	return Options{
		Manufacturer: DefaultManufacturer,
		Product:      DefaultProduct,
		SerialNumber: DefaultSerialNumber,
		VendorID:     DefaultVendorID,
		ProductID:    DefaultProductID,
	}
}

// Config is the complete runner configuration.
type Config struct {
	Device Options `yaml:"device"`

	// State is the store location passed to store.Open.
	State string `yaml:"state"`

	// BusDir is the FIFO bus directory used when no HAL is supplied.
	BusDir string `yaml:"bus_dir"`

	PollInterval time.Duration `yaml:"poll_interval"`
	Protocols    []string      `yaml:"protocols"`

	// MetricsAddr is where the CLI serves metrics. Empty disables them.
	MetricsAddr string `yaml:"metrics_addr"`
}

// DefaultConfig returns a configuration with both protocols enabled.
func DefaultConfig() Config {
	return Config{
		Device:       DefaultOptions(),
		State:        DefaultState,
		BusDir:       DefaultBusDir,
		PollInterval: DefaultPollInterval,
		Protocols:    []string{ProtocolCTAPHID, ProtocolCCID},
	}
}

// LoadConfig reads a yaml document over the defaults. Unknown keys are
// rejected.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "decode config")
	}
	return cfg, nil
}

// Enabled reports whether protocol is in the protocol set.
func (c *Config) Enabled(protocol string) bool {
	return slices.Contains(c.Protocols, protocol)
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch {
	case c.Device.Manufacturer == "":
		return errors.Wrap(ErrInvalidConfig, "manufacturer is empty")
	case c.Device.Product == "":
		return errors.Wrap(ErrInvalidConfig, "product is empty")
	}
	for _, s := range []string{c.Device.Manufacturer, c.Device.Product, c.Device.SerialNumber} {
		if len([]rune(s)) > maxStringLength {
			return errors.Wrapf(ErrInvalidConfig, "string %q longer than %d characters", s, maxStringLength)
		}
	}
	if c.Device.VendorID == 0 {
		return errors.Wrap(ErrInvalidConfig, "vendor id is zero")
	}
	if c.PollInterval <= 0 || c.PollInterval > time.Second {
		return errors.Wrapf(ErrInvalidConfig, "poll interval %s out of range", c.PollInterval)
	}
	if len(c.Protocols) == 0 {
		return errors.Wrap(ErrInvalidConfig, "no protocols enabled")
	}
	for _, p := range c.Protocols {
		if p != ProtocolCTAPHID && p != ProtocolCCID {
			return errors.Wrapf(ErrInvalidConfig, "unknown protocol %q", p)
		}
	}
	return nil
}
