// Package loopback provides an in-process hal.DeviceHAL paired with a host
// handle. The host side issues control transfers and exchanges endpoint
// packets over channels, so a complete device can be enumerated and driven
// from tests and examples without any operating system support.
package loopback
