package fifo

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/ardnew/softkey/pkg"
	"github.com/ardnew/softkey/usb/hal"
)

// MaxEndpoints is the highest data endpoint number backed by pipes.
const MaxEndpoints = 7

// MaxPacketSize is the largest payload carried by one message.
const MaxPacketSize = 512

// Message types.
const (
	msgSetup   = 0x01 // SETUP packet from host
	msgData    = 0x02 // DATA packet
	msgAck     = 0x03 // ACK response
	msgStall   = 0x05 // STALL response
	msgReset   = 0x12 // Port reset
	msgAddress = 0x13 // Set address
)

const headerSize = 3 // type (1) + length (2)

// Connection signal bytes.
const (
	sigConnect    = 0x01
	sigDisconnect = 0x00
)

// Pipe names.
const (
	fifoHostToDevice = "host_to_device"
	fifoDeviceToHost = "device_to_host"
	fifoConnection   = "connection"
)

// pollInterval bounds how long a blocked read waits before rechecking for
// cancellation.
const pollInterval = 100 * time.Millisecond

// HAL implements hal.DeviceHAL using named pipes.
type HAL struct {
	busDir    string
	deviceDir string
	id        uuid.UUID

	hostToDevice *os.File
	deviceToHost *os.File
	connection   *os.File
	epIn         [MaxEndpoints]*os.File
	epOut        [MaxEndpoints]*os.File

	connected atomic.Bool
	address   atomic.Uint32

	mutex      sync.RWMutex
	writeMutex sync.Mutex
	initDone   bool
	connectCh  chan struct{}
	closeCh    chan struct{}
	closeOnce  sync.Once
}

var _ hal.DeviceHAL = (*HAL)(nil)

// New creates a FIFO HAL rooted at busDir. The device directory is created
// by Init.
func New(busDir string) *HAL {
	return &HAL{
		busDir:    busDir,
		connectCh: make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
	}
}

// Init creates the device directory and its pipes.
func (h *HAL) Init(ctx context.Context) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.initDone {
		return pkg.ErrAlreadyRunning
	}

	h.id = uuid.New()
	h.deviceDir = filepath.Join(h.busDir, "device-"+h.id.String())
	if err := os.MkdirAll(h.deviceDir, 0o755); err != nil {
		return errors.Wrap(err, "create device dir")
	}

	names := []string{fifoHostToDevice, fifoDeviceToHost, fifoConnection}
	for i := 1; i <= MaxEndpoints; i++ {
		names = append(names, fmt.Sprintf("ep%d_in", i), fmt.Sprintf("ep%d_out", i))
	}
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			h.cleanup()
			return err
		}
		if err := h.createFIFO(name); err != nil {
			h.cleanup()
			return err
		}
	}

	// O_RDWR keeps each pipe open without a peer; O_NONBLOCK makes it
	// pollable so read deadlines apply.
	var err error
	open := func(name string) *os.File {
		if err != nil {
			return nil
		}
		var f *os.File
		f, err = h.openFIFO(name)
		return f
	}
	h.hostToDevice = open(fifoHostToDevice)
	h.deviceToHost = open(fifoDeviceToHost)
	h.connection = open(fifoConnection)
	for i := 1; i <= MaxEndpoints; i++ {
		h.epIn[i-1] = open(fmt.Sprintf("ep%d_in", i))
		h.epOut[i-1] = open(fmt.Sprintf("ep%d_out", i))
	}
	if err != nil {
		h.cleanup()
		return err
	}

	h.initDone = true
	pkg.LogInfo(pkg.ComponentHAL, "fifo device HAL initialized",
		"busDir", h.busDir,
		"deviceDir", h.deviceDir)
	return nil
}

// Start signals attachment to the host.
func (h *HAL) Start() error {
	h.mutex.RLock()
	ready, conn := h.initDone, h.connection
	h.mutex.RUnlock()
	if !ready {
		return pkg.ErrNotConfigured
	}

	if _, err := conn.Write([]byte{sigConnect}); err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "failed to signal connection", "error", err)
	}
	h.connected.Store(true)
	select {
	case h.connectCh <- struct{}{}:
	default:
	}
	pkg.LogInfo(pkg.ComponentHAL, "fifo device HAL started")
	return nil
}

// Stop signals detachment, closes every pipe and removes the device
// directory.
func (h *HAL) Stop() error {
	h.mutex.RLock()
	if h.connection != nil {
		h.connection.Write([]byte{sigDisconnect}) //nolint:errcheck
	}
	h.mutex.RUnlock()

	h.connected.Store(false)
	h.closeOnce.Do(func() { close(h.closeCh) })

	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.cleanup()
	h.initDone = false
	pkg.LogInfo(pkg.ComponentHAL, "fifo device HAL stopped")
	return nil
}

func (h *HAL) cleanup() {
	files := []**os.File{&h.hostToDevice, &h.deviceToHost, &h.connection}
	for i := range MaxEndpoints {
		files = append(files, &h.epIn[i], &h.epOut[i])
	}
	for _, f := range files {
		if *f != nil {
			(*f).Close() //nolint:errcheck
			*f = nil
		}
	}
	if h.deviceDir != "" {
		os.RemoveAll(h.deviceDir) //nolint:errcheck
	}
}

// SetAddress records the device address.
func (h *HAL) SetAddress(address uint8) error {
	h.address.Store(uint32(address))
	pkg.LogDebug(pkg.ComponentHAL, "address set", "address", address)
	return nil
}

// Address returns the last address set by the host.
func (h *HAL) Address() uint8 {
	return uint8(h.address.Load())
}

// ConfigureEndpoints validates the endpoint numbers. The pipes exist from
// Init onwards, so nothing else changes.
func (h *HAL) ConfigureEndpoints(endpoints []hal.EndpointConfig) error {
	for _, ep := range endpoints {
		if n := ep.Number(); n == 0 || n > MaxEndpoints {
			return errors.Wrapf(pkg.ErrInvalidEndpoint, "address %#02x", ep.Address)
		}
	}
	pkg.LogDebug(pkg.ComponentHAL, "endpoints configured", "count", len(endpoints))
	return nil
}

// ReadSetup reads messages from the host until a SETUP arrives. Address
// messages are applied and acknowledged; a reset returns pkg.ErrReset.
func (h *HAL) ReadSetup(ctx context.Context, out *hal.SetupPacket, data []byte) (int, error) {
	h.mutex.RLock()
	f := h.hostToDevice
	h.mutex.RUnlock()
	if f == nil {
		return 0, pkg.ErrNotConfigured
	}

	var buf [headerSize + MaxPacketSize]byte
	for {
		msgType, payload, err := h.readMessage(ctx, f, buf[:])
		if err != nil {
			return 0, err
		}

		switch msgType {
		case msgSetup:
			if len(payload) < 1+hal.SetupPacketSize {
				return 0, pkg.ErrSetupPacketTooShort
			}
			if err := hal.ParseSetupPacket(payload[1:], out); err != nil {
				return 0, err
			}
			n := copy(data, payload[1+hal.SetupPacketSize:])
			pkg.LogDebug(pkg.ComponentHAL, "setup received", "request", out.String(), "data", n)
			return n, nil

		case msgReset:
			h.sendAck() //nolint:errcheck
			pkg.LogDebug(pkg.ComponentHAL, "port reset received")
			return 0, pkg.ErrReset

		case msgAddress:
			if len(payload) >= 1 {
				h.SetAddress(payload[0]) //nolint:errcheck
				h.sendAck()              //nolint:errcheck
			}

		default:
			pkg.LogWarn(pkg.ComponentHAL, "unexpected message on EP0", "type", msgType)
		}
	}
}

// WriteEP0 sends a DATA message on the control pipe.
func (h *HAL) WriteEP0(ctx context.Context, data []byte) error {
	h.mutex.RLock()
	f := h.deviceToHost
	h.mutex.RUnlock()
	if f == nil {
		return pkg.ErrNotConfigured
	}
	return h.sendMessage(ctx, f, msgData, data)
}

// StallEP0 sends a STALL message on the control pipe.
func (h *HAL) StallEP0() error {
	h.mutex.RLock()
	f := h.deviceToHost
	h.mutex.RUnlock()
	if f == nil {
		return pkg.ErrNotConfigured
	}
	pkg.LogDebug(pkg.ComponentHAL, "EP0 stalled")
	return h.sendMessage(context.Background(), f, msgStall, nil)
}

// AckEP0 sends an ACK message on the control pipe.
func (h *HAL) AckEP0() error {
	return h.sendAck()
}

func (h *HAL) sendAck() error {
	h.mutex.RLock()
	f := h.deviceToHost
	h.mutex.RUnlock()
	if f == nil {
		return pkg.ErrNotConfigured
	}
	return h.sendMessage(context.Background(), f, msgAck, nil)
}

func (h *HAL) endpointFile(files *[MaxEndpoints]*os.File, address uint8) (*os.File, error) {
	num := address & 0x0F
	if num == 0 || num > MaxEndpoints {
		return nil, errors.Wrapf(pkg.ErrInvalidEndpoint, "address %#02x", address)
	}
	h.mutex.RLock()
	f := files[num-1]
	h.mutex.RUnlock()
	if f == nil {
		return nil, pkg.ErrNotConfigured
	}
	return f, nil
}

// Read reads one DATA message from an OUT endpoint pipe.
func (h *HAL) Read(ctx context.Context, address uint8, buf []byte) (int, error) {
	f, err := h.endpointFile(&h.epOut, address)
	if err != nil {
		return 0, err
	}
	var msg [headerSize + MaxPacketSize]byte
	msgType, payload, err := h.readMessage(ctx, f, msg[:])
	if err != nil {
		return 0, err
	}
	if msgType != msgData {
		return 0, errors.Wrapf(pkg.ErrProtocol, "message type %#02x on endpoint %#02x", msgType, address)
	}
	if len(payload) > len(buf) {
		return 0, pkg.ErrBufferTooSmall
	}
	return copy(buf, payload), nil
}

// Write sends one DATA message on an IN endpoint pipe.
func (h *HAL) Write(ctx context.Context, address uint8, data []byte) (int, error) {
	f, err := h.endpointFile(&h.epIn, address)
	if err != nil {
		return 0, err
	}
	if len(data) > MaxPacketSize {
		return 0, errors.Wrapf(pkg.ErrInvalidParameter, "packet of %d bytes", len(data))
	}
	if err := h.sendMessage(ctx, f, msgData, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// IsConnected returns true after Start and before Stop.
func (h *HAL) IsConnected() bool {
	return h.connected.Load()
}

// WaitConnect blocks until Start has been called.
func (h *HAL) WaitConnect(ctx context.Context) error {
	if h.IsConnected() {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.connectCh:
		return nil
	case <-h.closeCh:
		return pkg.ErrCancelled
	}
}

// DeviceDir returns the device directory created by Init.
func (h *HAL) DeviceDir() string {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.deviceDir
}

// UUID returns the device's identifier.
func (h *HAL) UUID() uuid.UUID {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.id
}

func (h *HAL) createFIFO(name string) error {
	path := filepath.Join(h.deviceDir, name)
	os.Remove(path) //nolint:errcheck
	if err := syscall.Mkfifo(path, 0o666); err != nil {
		return errors.Wrapf(err, "mkfifo %s", name)
	}
	return nil
}

func (h *HAL) openFIFO(name string) (*os.File, error) {
	f, err := os.OpenFile(filepath.Join(h.deviceDir, name), os.O_RDWR|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", name)
	}
	return f, nil
}

// readMessage reads one framed message into buf and returns its type and
// payload.
func (h *HAL) readMessage(ctx context.Context, f *os.File, buf []byte) (byte, []byte, error) {
	if err := h.readFull(ctx, f, buf[:headerSize]); err != nil {
		return 0, nil, err
	}
	msgType := buf[0]
	length := int(binary.LittleEndian.Uint16(buf[1:3]))
	if headerSize+length > len(buf) {
		return 0, nil, errors.Wrapf(pkg.ErrBufferTooSmall, "message of %d bytes", length)
	}
	payload := buf[headerSize : headerSize+length]
	if err := h.readFull(ctx, f, payload); err != nil {
		return 0, nil, err
	}
	return msgType, payload, nil
}

// readFull reads exactly len(buf) bytes, rechecking for cancellation every
// pollInterval.
func (h *HAL) readFull(ctx context.Context, f *os.File, buf []byte) error {
	total := 0
	for total < len(buf) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.closeCh:
			return pkg.ErrCancelled
		default:
		}

		f.SetReadDeadline(time.Now().Add(pollInterval)) //nolint:errcheck
		n, err := f.Read(buf[total:])
		total += n
		switch {
		case err == nil, os.IsTimeout(err), errors.Is(err, io.EOF):
		case errors.Is(err, os.ErrClosed):
			return pkg.ErrCancelled
		default:
			return err
		}
	}
	return nil
}

// sendMessage writes one framed message. Writes are serialized so frames
// from concurrent writers never interleave.
func (h *HAL) sendMessage(ctx context.Context, f *os.File, msgType byte, data []byte) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.closeCh:
		return pkg.ErrCancelled
	default:
	}

	n := min(len(data), MaxPacketSize)
	buf := make([]byte, headerSize+n)
	buf[0] = msgType
	binary.LittleEndian.PutUint16(buf[1:3], uint16(n))
	copy(buf[headerSize:], data[:n])

	h.writeMutex.Lock()
	defer h.writeMutex.Unlock()
	for written := 0; written < len(buf); {
		m, err := f.Write(buf[written:])
		written += m
		if err != nil {
			return errors.Wrap(err, "write message")
		}
	}
	return nil
}
