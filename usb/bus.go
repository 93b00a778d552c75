package usb

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ardnew/softkey/pkg"
	"github.com/ardnew/softkey/usb/hal"
)

// QueueDepth is the number of packets buffered per endpoint between the
// pumps and the classes.
const QueueDepth = 32

// MaxControlDataSize bounds the data stage of a control OUT transfer.
const MaxControlDataSize = 1024

// retryDelay throttles a pump after a transport error.
const retryDelay = 10 * time.Millisecond

// Bus attaches a Device to a HAL.
type Bus struct {
	device  *Device
	hal     hal.DeviceHAL
	handler *StandardRequestHandler

	rx map[uint8]chan []byte // OUT endpoints, filled by pumps
	tx map[uint8]chan []byte // IN endpoints, drained by pumps

	mutex   sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	pumpCancel context.CancelFunc
	pumps      sync.WaitGroup
	configured atomic.Bool

	setupBuf hal.SetupPacket
	ep0Buf   [MaxControlDataSize]byte
}

var _ Port = (*Bus)(nil)

// NewBus creates a bus for dev on h.
func NewBus(dev *Device, h hal.DeviceHAL) *Bus {
	b := &Bus{
		device:  dev,
		hal:     h,
		handler: NewStandardRequestHandler(dev),
		rx:      make(map[uint8]chan []byte),
		tx:      make(map[uint8]chan []byte),
	}
	for _, ep := range dev.Endpoints() {
		if ep.IsIn() {
			b.tx[ep.Address] = make(chan []byte, QueueDepth)
		} else {
			b.rx[ep.Address] = make(chan []byte, QueueDepth)
		}
	}
	return b
}

// Device returns the attached device.
func (b *Bus) Device() *Device {
	return b.device
}

// Start initializes the HAL, attaches the device and starts the control
// goroutine.
func (b *Bus) Start(ctx context.Context) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.running {
		return pkg.ErrAlreadyRunning
	}

	b.ctx, b.cancel = context.WithCancel(ctx)
	if err := b.hal.Init(b.ctx); err != nil {
		b.cancel()
		return errors.Wrap(err, "init HAL")
	}
	if err := b.hal.Start(); err != nil {
		b.cancel()
		return errors.Wrap(err, "start HAL")
	}
	b.device.Attach()
	b.running = true

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.controlLoop()
	}()

	pkg.LogDebug(pkg.ComponentBus, "bus started")
	return nil
}

// Stop detaches the device and waits for every bus goroutine to exit.
func (b *Bus) Stop() error {
	b.mutex.Lock()
	if !b.running {
		b.mutex.Unlock()
		return nil
	}
	b.running = false
	b.cancel()
	b.mutex.Unlock()

	err := b.hal.Stop()
	b.wg.Wait()
	b.pumps.Wait()
	b.configured.Store(false)
	pkg.LogDebug(pkg.ComponentBus, "bus stopped")
	return err
}

// IsConfigured reports whether the host selected the configuration.
func (b *Bus) IsConfigured() bool {
	return b.configured.Load()
}

// Poll lets every class move packets. It does nothing until the host has
// configured the device and reports whether the classes were polled.
func (b *Bus) Poll() bool {
	if !b.configured.Load() {
		return false
	}
	for _, c := range b.device.Classes() {
		c.Poll(b)
	}
	return true
}

// Receive returns the next packet received on an OUT endpoint.
func (b *Bus) Receive(address uint8) ([]byte, bool) {
	ch, ok := b.rx[address]
	if !ok {
		return nil, false
	}
	select {
	case pkt := <-ch:
		return pkt, true
	default:
		return nil, false
	}
}

// Send queues a packet on an IN endpoint.
func (b *Bus) Send(address uint8, data []byte) bool {
	ch, ok := b.tx[address]
	if !ok || !b.configured.Load() {
		return false
	}
	select {
	case ch <- append([]byte(nil), data...):
		return true
	default:
		return false
	}
}

// controlLoop handles control transfers on EP0.
func (b *Bus) controlLoop() {
	for {
		n, err := b.hal.ReadSetup(b.ctx, &b.setupBuf, b.ep0Buf[:])
		if err != nil {
			if b.ctx.Err() != nil || errors.Is(err, pkg.ErrCancelled) {
				return
			}
			if errors.Is(err, pkg.ErrReset) {
				b.reset()
				continue
			}
			pkg.LogWarn(pkg.ComponentBus, "error reading setup", "error", err)
			continue
		}

		setup := b.setupBuf
		if err := b.handleSetup(&setup, b.ep0Buf[:n]); err != nil {
			pkg.LogDebug(pkg.ComponentBus, "stalling request",
				"error", err,
				"request", setup.String())
			if err := b.hal.StallEP0(); err != nil && b.ctx.Err() == nil {
				pkg.LogWarn(pkg.ComponentBus, "stall failed", "error", err)
			}
		}
	}
}

// handleSetup processes one control transfer: the standard handler first,
// then each class.
func (b *Bus) handleSetup(setup *hal.SetupPacket, data []byte) error {
	pkg.LogDebug(pkg.ComponentBus, "setup received", "request", setup.String())

	resp, err := b.handler.HandleSetup(setup)
	if err == nil {
		if err := b.applyStandard(setup); err != nil {
			return err
		}
		return b.completeSetup(setup, resp)
	}
	if !errors.Is(err, pkg.ErrInvalidRequest) || setup.Recipient() != hal.RequestRecipientInterface {
		return err
	}

	for _, c := range b.device.Classes() {
		resp, handled, classErr := c.HandleSetup(setup, data)
		if !handled {
			continue
		}
		if classErr != nil {
			return errors.Wrapf(classErr, "%s", c.Name())
		}
		return b.completeSetup(setup, resp)
	}
	return err
}

// completeSetup sends the data stage of an IN transfer or acknowledges an
// OUT transfer.
func (b *Bus) completeSetup(setup *hal.SetupPacket, data []byte) error {
	if setup.IsDeviceToHost() {
		return b.hal.WriteEP0(b.ctx, data[:min(len(data), int(setup.Length))])
	}
	return b.hal.AckEP0()
}

// applyStandard propagates address and configuration changes to the HAL
// before the status stage, so the host observes them once the transfer
// completes.
func (b *Bus) applyStandard(setup *hal.SetupPacket) error {
	if setup.Recipient() != hal.RequestRecipientDevice {
		return nil
	}
	switch setup.Request {
	case hal.RequestSetAddress:
		return b.hal.SetAddress(b.device.Address())
	case hal.RequestSetConfiguration:
		if b.device.IsConfigured() {
			return b.configure()
		}
		b.deconfigure()
		return b.hal.ConfigureEndpoints(nil)
	}
	return nil
}

func (b *Bus) configure() error {
	b.deconfigure()
	eps := b.device.Endpoints()
	if err := b.hal.ConfigureEndpoints(eps); err != nil {
		return errors.Wrap(err, "configure endpoints")
	}

	ctx, cancel := context.WithCancel(b.ctx)
	b.pumpCancel = cancel
	for _, ep := range eps {
		b.pumps.Add(1)
		go func(ep hal.EndpointConfig) {
			defer b.pumps.Done()
			if ep.IsIn() {
				b.inPump(ctx, ep)
			} else {
				b.outPump(ctx, ep)
			}
		}(ep)
	}
	b.configured.Store(true)
	pkg.LogInfo(pkg.ComponentBus, "device configured", "endpoints", len(eps))
	return nil
}

// deconfigure stops the pumps, drops queued packets and resets every class.
func (b *Bus) deconfigure() {
	if b.pumpCancel == nil {
		return
	}
	b.configured.Store(false)
	b.pumpCancel()
	b.pumpCancel = nil
	b.pumps.Wait()
	for _, ch := range b.rx {
		drain(ch)
	}
	for _, ch := range b.tx {
		drain(ch)
	}
	for _, c := range b.device.Classes() {
		c.Reset()
	}
}

func (b *Bus) reset() {
	pkg.LogDebug(pkg.ComponentBus, "bus reset")
	b.deconfigure()
	b.device.Reset()
	b.handler.Reset()
}

func drain(ch chan []byte) {
	for {
		select {
		case <-ch:
		default:
			return
		}
	}
}

// outPump moves packets from the HAL into an OUT queue.
func (b *Bus) outPump(ctx context.Context, ep hal.EndpointConfig) {
	buf := make([]byte, max(int(ep.MaxPacketSize), 64))
	for {
		n, err := b.hal.Read(ctx, ep.Address, buf)
		if err != nil {
			if !b.backoff(ctx, ep.Address, err) {
				return
			}
			continue
		}
		select {
		case <-ctx.Done():
			return
		case b.rx[ep.Address] <- append([]byte(nil), buf[:n]...):
		}
	}
}

// inPump moves packets from an IN queue to the HAL.
func (b *Bus) inPump(ctx context.Context, ep hal.EndpointConfig) {
	for {
		var pkt []byte
		select {
		case <-ctx.Done():
			return
		case pkt = <-b.tx[ep.Address]:
		}
		for {
			_, err := b.hal.Write(ctx, ep.Address, pkt)
			if err == nil {
				break
			}
			if !b.backoff(ctx, ep.Address, err) {
				return
			}
		}
	}
}

// backoff reports whether a pump should retry after err.
func (b *Bus) backoff(ctx context.Context, address uint8, err error) bool {
	if ctx.Err() != nil || errors.Is(err, pkg.ErrCancelled) {
		return false
	}
	pkg.LogWarn(pkg.ComponentBus, "endpoint transfer failed",
		"endpoint", address,
		"error", err)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(retryDelay):
		return true
	}
}
