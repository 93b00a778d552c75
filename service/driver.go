package service

import (
	"context"

	"github.com/ardnew/softkey/pkg"
	"github.com/ardnew/softkey/signal"
)

// Driver runs the service core on its own goroutine.
type Driver struct {
	svc *Service
	rx  *signal.Receiver
}

// NewDriver binds svc to the consumer side of its signal channel.
func NewDriver(svc *Service, rx *signal.Receiver) *Driver {
	return &Driver{svc: svc, rx: rx}
}

// Run waits for notifications and runs one processing pass for each. It
// returns only when ctx is done or the receiver is closed.
func (d *Driver) Run(ctx context.Context) error {
	pkg.LogDebug(pkg.ComponentService, "driver started")
	defer pkg.LogDebug(pkg.ComponentService, "driver stopped")
	for {
		if err := d.rx.Wait(ctx); err != nil {
			return err
		}
		d.svc.Process(ctx)
	}
}
