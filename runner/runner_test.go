package runner_test

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ardnew/softkey/apps/admin"
	"github.com/ardnew/softkey/apps/rng"
	"github.com/ardnew/softkey/ccid"
	"github.com/ardnew/softkey/ctaphid"
	"github.com/ardnew/softkey/pkg"
	"github.com/ardnew/softkey/runner"
	"github.com/ardnew/softkey/service"
	"github.com/ardnew/softkey/store"
	"github.com/ardnew/softkey/usb/hal/loopback"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	hidOut  = 0x01
	hidIn   = 0x81
	cardOut = 0x02
	cardIn  = 0x82
)

// slowApp answers cmdSlow only after delay has passed since the first call.
type slowApp struct {
	delay time.Duration
	first time.Time
}

const cmdSlow ctaphid.Command = 0x70

func (a *slowApp) Commands() []ctaphid.Command { return []ctaphid.Command{cmdSlow} }

func (a *slowApp) Call(ctaphid.Command, []byte) ([]byte, error) {
	if a.first.IsZero() {
		a.first = time.Now()
	}
	if time.Since(a.first) < a.delay {
		return nil, ctaphid.ErrPending
	}
	return []byte("done"), nil
}

type exits struct {
	mu    sync.Mutex
	codes []int
}

func (e *exits) exit(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codes = append(e.codes, code)
}

func (e *exits) get() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.codes...)
}

type device struct {
	t      *testing.T
	ctx    context.Context
	runner *runner.Runner[struct{}]
	host   *loopback.Host
	exits  *exits
	hid    ctaphid.Reassembler
	seq    byte
}

func defaultApps(b *runner.ClientBuilder, _ struct{}) ([]any, error) {
	rc, err := b.Build("rng")
	if err != nil {
		return nil, err
	}
	ac, err := b.Build("admin")
	if err != nil {
		return nil, err
	}
	adm := admin.New(ac, 0x00010203)
	return []any{rng.New(rc), adm.HID(), adm.Card(), &slowApp{delay: 350 * time.Millisecond}}, nil
}

func noData(service.Platform) (struct{}, error) { return struct{}{}, nil }

// start runs a device on a loopback bus.
func start(t *testing.T, opts ...runner.Option) *device {
	t.Helper()
	lb := loopback.New()
	ex := &exits{}
	opts = append([]runner.Option{
		runner.WithHAL(lb),
		runner.WithStore(store.NewMemory()),
		runner.WithExit(ex.exit),
	}, opts...)
	r, err := runner.New(runner.DefaultConfig(), defaultApps, opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	var execErr error
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		execErr = r.Exec(ctx, noData)
	}()
	t.Cleanup(func() {
		cancel()
		<-finished
		require.NoError(t, execErr)
	})

	select {
	case <-r.Ready():
	case <-finished:
		t.Fatalf("Exec() returned early: %v", execErr)
	case <-time.After(5 * time.Second):
		t.Fatal("runner never became ready")
	}

	tctx, tcancel := context.WithTimeout(ctx, 5*time.Second)
	t.Cleanup(tcancel)
	return &device{t: t, ctx: tctx, runner: r, host: lb.Host(), exits: ex}
}

func (d *device) enumerate() *loopback.Enumeration {
	d.t.Helper()
	e, err := d.host.Enumerate(d.ctx, 7)
	require.NoError(d.t, err)
	return e
}

func (d *device) sendHID(msg ctaphid.Message) {
	d.t.Helper()
	packets, err := ctaphid.Fragment(msg)
	require.NoError(d.t, err)
	for _, pkt := range packets {
		require.NoError(d.t, d.host.Write(d.ctx, hidOut, pkt))
	}
}

func (d *device) recvHID() ctaphid.Message {
	d.t.Helper()
	for {
		pkt, err := d.host.Read(d.ctx, hidIn)
		require.NoError(d.t, err)
		msg, done, err := d.hid.Feed(pkt)
		require.NoError(d.t, err)
		if done {
			return msg
		}
	}
}

func (d *device) openChannel() uint32 {
	d.t.Helper()
	nonce := []byte{8, 7, 6, 5, 4, 3, 2, 1}
	d.sendHID(ctaphid.Message{Channel: ctaphid.BroadcastChannel, Command: ctaphid.CmdInit, Data: nonce})
	resp := d.recvHID()
	require.Equal(d.t, ctaphid.CmdInit, resp.Command)
	require.Equal(d.t, nonce, resp.Data[:8])
	return binary.BigEndian.Uint32(resp.Data[8:12])
}

func (d *device) callHID(cid uint32, cmd ctaphid.Command, data []byte) ctaphid.Message {
	d.t.Helper()
	d.sendHID(ctaphid.Message{Channel: cid, Command: cmd, Data: data})
	return d.recvHID()
}

// xfrCard sends one CCID message and returns the reply header and data.
func (d *device) xfrCard(msgType byte, data []byte) (ccid.Header, []byte) {
	d.t.Helper()
	d.seq++
	msg := ccid.Header{Type: msgType, Length: uint32(len(data)), Seq: d.seq}.AppendTo(nil)
	msg = append(msg, data...)
	for len(msg) > 0 {
		n := min(len(msg), ccid.PacketSize)
		require.NoError(d.t, d.host.Write(d.ctx, cardOut, msg[:n]))
		msg = msg[n:]
	}
	var buf []byte
	for {
		pkt, err := d.host.Read(d.ctx, cardIn)
		require.NoError(d.t, err)
		buf = append(buf, pkt...)
		h, ok := ccid.ParseHeader(buf)
		if ok && len(buf) >= ccid.HeaderSize+int(h.Length) {
			require.Equal(d.t, d.seq, h.Seq)
			return h, buf[ccid.HeaderSize:]
		}
	}
}

func (d *device) apdu(a *ccid.APDU) []byte {
	d.t.Helper()
	h, data := d.xfrCard(ccid.PCToRDRXfrBlock, a.Bytes())
	require.Equal(d.t, byte(ccid.RDRToPCDataBlock), h.Type)
	return data
}

func TestRunner_Enumerate(t *testing.T) {
	d := start(t)
	e := d.enumerate()

	require.Equal(t, uint16(runner.DefaultVendorID), e.VendorID)
	require.Equal(t, uint16(runner.DefaultProductID), e.ProductID)
	require.Equal(t, uint8(runner.DeviceClass), e.DeviceClass)
	require.Equal(t, uint8(runner.DeviceSubClass), e.DeviceSubClass)
	require.Equal(t, runner.DefaultManufacturer, e.Manufacturer)
	require.Equal(t, runner.DefaultProduct, e.Product)
	require.Equal(t, runner.DefaultSerialNumber, e.SerialNumber)
	require.Eventually(t, d.runner.Bus().IsConfigured, time.Second, 5*time.Millisecond)
}

func TestRunner_RandomCommand(t *testing.T) {
	d := start(t)
	d.enumerate()
	cid := d.openChannel()

	resp := d.callHID(cid, rng.CmdRandom, nil)
	require.Equal(t, cid, resp.Channel)
	require.Equal(t, rng.CmdRandom, resp.Command)
	require.Len(t, resp.Data, rng.ReplySize)

	again := d.callHID(cid, rng.CmdRandom, nil)
	require.NotEqual(t, resp.Data, again.Data)

	stats := d.runner.Service().Stats()
	require.Equal(t, uint64(2), stats.Requests)
	require.Zero(t, stats.Failures)
}

func TestRunner_UnsupportedCommand(t *testing.T) {
	d := start(t)
	d.enumerate()
	cid := d.openChannel()

	resp := d.callHID(cid, 0x7E, []byte{1, 2, 3})
	require.Equal(t, ctaphid.CmdError, resp.Command)
	require.Equal(t, []byte{byte(ctaphid.ErrorInvalidCommand)}, resp.Data)
	require.Zero(t, d.runner.Service().Stats().Requests, "unsupported commands never reach the service")
}

func TestRunner_Keepalive(t *testing.T) {
	d := start(t)
	d.enumerate()
	cid := d.openChannel()

	d.sendHID(ctaphid.Message{Channel: cid, Command: cmdSlow})
	var keepalives int
	for {
		msg := d.recvHID()
		require.Equal(t, cid, msg.Channel)
		if msg.Command == ctaphid.CmdKeepalive {
			require.Equal(t, []byte{ctaphid.StatusProcessing}, msg.Data)
			keepalives++
			continue
		}
		require.Equal(t, cmdSlow, msg.Command)
		require.Equal(t, []byte("done"), msg.Data)
		break
	}
	require.GreaterOrEqual(t, keepalives, 1)
}

func TestRunner_Reboot(t *testing.T) {
	d := start(t)
	d.enumerate()
	cid := d.openChannel()

	resp := d.callHID(cid, admin.CmdVersion, nil)
	require.Equal(t, []byte{0, 1, 2, 3}, resp.Data)
	require.Empty(t, d.exits.get())

	d.sendHID(ctaphid.Message{Channel: cid, Command: admin.CmdReboot})
	require.Eventually(t, func() bool { return len(d.exits.get()) > 0 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, []int{runner.RebootExitCode}, d.exits.get())
}

func TestRunner_SmartCard(t *testing.T) {
	d := start(t)
	d.enumerate()

	h, atr := d.xfrCard(ccid.PCToRDRIccPowerOn, nil)
	require.Equal(t, byte(ccid.RDRToPCDataBlock), h.Type)
	require.Equal(t, ccid.DefaultATR, atr)

	resp := d.apdu(&ccid.APDU{INS: ccid.InsSelect, P1: 0x04, Data: admin.AID})
	require.Equal(t, ccid.SWSuccess.Bytes(), resp[len(resp)-2:])

	resp = d.apdu(&ccid.APDU{INS: admin.InsVersion})
	require.Equal(t, append([]byte{0, 1, 2, 3}, ccid.SWSuccess.Bytes()...), resp)

	resp = d.apdu(&ccid.APDU{INS: 0x99})
	require.Equal(t, ccid.SWInsNotSupported.Bytes(), resp)
}

func TestRunner_Lifecycle(t *testing.T) {
	r, err := runner.New(runner.DefaultConfig(), defaultApps,
		runner.WithHAL(loopback.New()),
		runner.WithStore(store.NewMemory()))
	require.NoError(t, err)
	require.Nil(t, r.Service())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Exec(ctx, noData) }()
	<-r.Ready()
	require.NotNil(t, r.Service())
	require.ErrorIs(t, r.Exec(ctx, noData), pkg.ErrAlreadyRunning)

	cancel()
	require.NoError(t, <-done)
}

func TestRunner_StartupErrors(t *testing.T) {
	duplicate := func(b *runner.ClientBuilder, _ struct{}) ([]any, error) {
		if _, err := b.Build("same"); err != nil {
			return nil, err
		}
		_, err := b.Build("same")
		return nil, err
	}
	r, err := runner.New(runner.DefaultConfig(), duplicate,
		runner.WithHAL(loopback.New()),
		runner.WithStore(store.NewMemory()))
	require.NoError(t, err)
	require.ErrorIs(t, r.Exec(context.Background(), noData), service.ErrClientExists)

	cfg := runner.DefaultConfig()
	cfg.Device.VendorID = 0
	_, err = runner.New(cfg, defaultApps)
	require.ErrorIs(t, err, runner.ErrInvalidConfig)

	_, err = runner.New[struct{}](runner.DefaultConfig(), nil)
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)
}
