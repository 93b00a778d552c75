package loopback

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/ardnew/softkey/pkg"
	"github.com/ardnew/softkey/usb/hal"
)

// MaxEndpoints is the highest data endpoint number.
const MaxEndpoints = 15

// QueueDepth is the number of packets buffered per endpoint direction.
const QueueDepth = 64

type controlRequest struct {
	setup hal.SetupPacket
	data  []byte
	reset bool
}

type controlReply struct {
	data  []byte
	stall bool
}

// HAL is the device side of a loopback bus.
type HAL struct {
	setupCh chan controlRequest
	replyCh chan controlReply
	out     [MaxEndpoints + 1]chan []byte
	in      [MaxEndpoints + 1]chan []byte

	mutex     sync.RWMutex
	initDone  bool
	active    map[uint8]bool
	connected atomic.Bool
	address   atomic.Uint32
	connectCh chan struct{}
	closeCh   chan struct{}
	closeOnce sync.Once

	host *Host
}

var _ hal.DeviceHAL = (*HAL)(nil)

// New creates a detached loopback HAL.
func New() *HAL {
	h := &HAL{
		setupCh:   make(chan controlRequest),
		replyCh:   make(chan controlReply, 1),
		active:    make(map[uint8]bool),
		connectCh: make(chan struct{}),
		closeCh:   make(chan struct{}),
	}
	for i := 1; i <= MaxEndpoints; i++ {
		h.out[i] = make(chan []byte, QueueDepth)
		h.in[i] = make(chan []byte, QueueDepth)
	}
	h.host = &Host{hal: h}
	return h
}

// Host returns the host side of the bus.
func (h *HAL) Host() *Host {
	return h.host
}

// Init marks the HAL ready.
func (h *HAL) Init(ctx context.Context) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.initDone {
		return pkg.ErrAlreadyRunning
	}
	h.initDone = true
	return ctx.Err()
}

// Start attaches the device.
func (h *HAL) Start() error {
	h.mutex.RLock()
	ready := h.initDone
	h.mutex.RUnlock()
	if !ready {
		return pkg.ErrNotConfigured
	}
	if h.connected.CompareAndSwap(false, true) {
		close(h.connectCh)
		pkg.LogDebug(pkg.ComponentHAL, "loopback device attached")
	}
	return nil
}

// Stop detaches the device and fails every blocked call.
func (h *HAL) Stop() error {
	h.connected.Store(false)
	h.closeOnce.Do(func() { close(h.closeCh) })
	pkg.LogDebug(pkg.ComponentHAL, "loopback device detached")
	return nil
}

// SetAddress records the device address.
func (h *HAL) SetAddress(address uint8) error {
	h.address.Store(uint32(address))
	return nil
}

// Address returns the address set by the host.
func (h *HAL) Address() uint8 {
	return uint8(h.address.Load())
}

// ConfigureEndpoints replaces the set of active endpoints.
func (h *HAL) ConfigureEndpoints(endpoints []hal.EndpointConfig) error {
	active := make(map[uint8]bool, len(endpoints))
	for _, ep := range endpoints {
		if n := ep.Number(); n == 0 || n > MaxEndpoints {
			return errors.Wrapf(pkg.ErrInvalidEndpoint, "address %#02x", ep.Address)
		}
		active[ep.Address] = true
	}
	h.mutex.Lock()
	h.active = active
	h.mutex.Unlock()
	return nil
}

func (h *HAL) isActive(address uint8) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.active[address]
}

// ReadSetup blocks until the host starts a control transfer.
func (h *HAL) ReadSetup(ctx context.Context, out *hal.SetupPacket, data []byte) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.closeCh:
		return 0, pkg.ErrCancelled
	case req := <-h.setupCh:
		if req.reset {
			return 0, pkg.ErrReset
		}
		*out = req.setup
		return copy(data, req.data), nil
	}
}

func (h *HAL) reply(ctx context.Context, r controlReply) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.closeCh:
		return pkg.ErrCancelled
	case h.replyCh <- r:
		return nil
	}
}

// WriteEP0 completes an IN control transfer with data.
func (h *HAL) WriteEP0(ctx context.Context, data []byte) error {
	return h.reply(ctx, controlReply{data: append([]byte(nil), data...)})
}

// StallEP0 rejects the current control transfer.
func (h *HAL) StallEP0() error {
	return h.reply(context.Background(), controlReply{stall: true})
}

// AckEP0 completes an OUT control transfer.
func (h *HAL) AckEP0() error {
	return h.reply(context.Background(), controlReply{})
}

func validEndpoint(address uint8) (uint8, error) {
	n := address & 0x0F
	if n == 0 || n > MaxEndpoints {
		return 0, errors.Wrapf(pkg.ErrInvalidEndpoint, "address %#02x", address)
	}
	return n, nil
}

// Read blocks until the host writes a packet to an OUT endpoint.
func (h *HAL) Read(ctx context.Context, address uint8, buf []byte) (int, error) {
	n, err := validEndpoint(address)
	if err != nil {
		return 0, err
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.closeCh:
		return 0, pkg.ErrCancelled
	case pkt := <-h.out[n]:
		if len(pkt) > len(buf) {
			return 0, pkg.ErrBufferTooSmall
		}
		return copy(buf, pkt), nil
	}
}

// Write queues a packet on an IN endpoint for the host.
func (h *HAL) Write(ctx context.Context, address uint8, data []byte) (int, error) {
	n, err := validEndpoint(address)
	if err != nil {
		return 0, err
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.closeCh:
		return 0, pkg.ErrCancelled
	case h.in[n] <- append([]byte(nil), data...):
		return len(data), nil
	}
}

// IsConnected reports whether Start has been called and Stop has not.
func (h *HAL) IsConnected() bool {
	return h.connected.Load()
}

// WaitConnect blocks until Start is called.
func (h *HAL) WaitConnect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.closeCh:
		return pkg.ErrCancelled
	case <-h.connectCh:
		return nil
	}
}
