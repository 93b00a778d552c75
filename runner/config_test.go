package runner

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, uint16(0x20a0), cfg.Device.VendorID)
	require.Equal(t, uint16(0x42b2), cfg.Device.ProductID)
	require.Equal(t, 5*time.Millisecond, cfg.PollInterval)
	require.True(t, cfg.Enabled(ProtocolCTAPHID))
	require.True(t, cfg.Enabled(ProtocolCCID))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no manufacturer", func(c *Config) { c.Device.Manufacturer = "" }},
		{"no product", func(c *Config) { c.Device.Product = "" }},
		{"long serial", func(c *Config) { c.Device.SerialNumber = strings.Repeat("x", 127) }},
		{"zero vendor", func(c *Config) { c.Device.VendorID = 0 }},
		{"zero interval", func(c *Config) { c.PollInterval = 0 }},
		{"slow interval", func(c *Config) { c.PollInterval = 2 * time.Second }},
		{"no protocols", func(c *Config) { c.Protocols = nil }},
		{"unknown protocol", func(c *Config) { c.Protocols = []string{"u2f"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	cfg := DefaultConfig()
	cfg.Device.SerialNumber = ""
	require.NoError(t, cfg.Validate(), "serial number is optional")
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(strings.NewReader(`
device:
  product: Test key
  vid: 0x1209
  pid: 0xbeee
state: ":memory:"
poll_interval: 2ms
protocols: [ctaphid]
metrics_addr: ":9100"
`))
	require.NoError(t, err)
	require.Equal(t, "Test key", cfg.Device.Product)
	require.Equal(t, DefaultManufacturer, cfg.Device.Manufacturer, "unset keys keep defaults")
	require.Equal(t, uint16(0x1209), cfg.Device.VendorID)
	require.Equal(t, uint16(0xbeee), cfg.Device.ProductID)
	require.Equal(t, ":memory:", cfg.State)
	require.Equal(t, 2*time.Millisecond, cfg.PollInterval)
	require.Equal(t, []string{ProtocolCTAPHID}, cfg.Protocols)
	require.Equal(t, ":9100", cfg.MetricsAddr)
	require.NoError(t, cfg.Validate())

	empty, err := LoadConfig(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), empty)

	_, err = LoadConfig(strings.NewReader("colour: blue\n"))
	require.Error(t, err)
}
