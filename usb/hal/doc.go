// Package hal defines the hardware abstraction between the simulated USB
// device and the transport that carries its traffic to a host.
//
// A [DeviceHAL] moves SETUP transactions on the control endpoint and
// packets on data endpoints. Implementations in sub-packages:
//
//   - fifo: named pipes under a shared bus directory
//   - loopback: in-memory channels with a host-side handle
//
// The package also holds the SETUP packet wire format shared by both ends
// of the bus.
package hal
