// Package usb implements the device side of a virtual USB bus.
//
// A Device is assembled from one or more Class functions with a
// DeviceBuilder. The builder hands each class an Allocator to claim
// interface numbers and endpoint addresses, then composes the device,
// configuration and string descriptors.
//
// A Bus attaches the Device to a hal.DeviceHAL. It answers standard control
// requests on endpoint 0 from its own goroutine, delegates interface and
// class requests to the owning Class, and runs one pump goroutine per data
// endpoint while the device is configured. Packets are exchanged with the
// classes through queues, so class code never blocks:
//
//	dev, err := usb.NewDeviceBuilder().
//		WithVendorProduct(0x20a0, 0x42b2).
//		WithStrings("Simulation", "FIDO authenticator", "SIM SIM SIM").
//		AddClass(hid).
//		Build()
//	bus := usb.NewBus(dev, loopback.New())
//	bus.Start(ctx)
//	for range ticker.C {
//		bus.Poll() // each class moves packets through its Port
//	}
package usb
