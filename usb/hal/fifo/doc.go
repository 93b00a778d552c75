// Package fifo implements a device HAL over named pipes.
//
// Each device creates a directory device-<uuid> under a bus directory
// shared with a host process:
//
//	host_to_device   SETUP, reset and address messages from the host
//	device_to_host   control responses (DATA, ACK, STALL)
//	connection       one byte per attach (0x01) or detach (0x00)
//	epN_in, epN_out  data endpoint N in each direction
//
// Every message is framed as [type, len_lo, len_hi, payload...]. A SETUP
// payload is [address, setup(8), out-data...].
package fifo
