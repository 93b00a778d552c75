package usb

import (
	"github.com/cockroachdb/errors"

	"github.com/ardnew/softkey/pkg"
	"github.com/ardnew/softkey/usb/hal"
)

// MaxEndpointNumber is the highest endpoint number the allocator hands out.
// It matches the number of endpoint pipes of the FIFO transport.
const MaxEndpointNumber = 7

// Allocator hands out interface numbers and endpoint addresses while a
// device is being built.
type Allocator struct {
	interfaces uint8
	endpoints  uint8
}

// Interface claims the next interface number.
func (a *Allocator) Interface() uint8 {
	n := a.interfaces
	a.interfaces++
	return n
}

// Interfaces returns the number of interfaces claimed so far.
func (a *Allocator) Interfaces() uint8 {
	return a.interfaces
}

func (a *Allocator) next() (uint8, error) {
	if a.endpoints >= MaxEndpointNumber {
		return 0, errors.Wrapf(pkg.ErrNoResources, "all %d endpoints claimed", MaxEndpointNumber)
	}
	a.endpoints++
	return a.endpoints, nil
}

// Pair claims one endpoint number for both directions and returns its IN
// and OUT addresses.
func (a *Allocator) Pair() (in, out uint8, err error) {
	n, err := a.next()
	if err != nil {
		return 0, 0, err
	}
	return n | hal.EndpointDirIn, n, nil
}

// In claims an endpoint number for an IN endpoint.
func (a *Allocator) In() (uint8, error) {
	n, err := a.next()
	if err != nil {
		return 0, err
	}
	return n | hal.EndpointDirIn, nil
}
