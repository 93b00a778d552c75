package runner

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/ardnew/softkey/ccid"
	"github.com/ardnew/softkey/ctaphid"
	"github.com/ardnew/softkey/pkg"
	"github.com/ardnew/softkey/service"
	"github.com/ardnew/softkey/signal"
	"github.com/ardnew/softkey/store"
	"github.com/ardnew/softkey/timeout"
	"github.com/ardnew/softkey/usb"
	"github.com/ardnew/softkey/usb/hal"
	"github.com/ardnew/softkey/usb/hal/fifo"
)

// AppsFunc creates the apps of a device. Clients for the apps come from
// builder; data is what the makeData function passed to Exec returned.
type AppsFunc[D any] func(builder *ClientBuilder, data D) ([]any, error)

// InitFunc prepares the platform before any app exists, typically by
// provisioning files.
type InitFunc func(ctx context.Context, platform service.Platform) error

// Option configures a Runner.
type Option func(*settings)

type settings struct {
	hal      hal.DeviceHAL
	store    store.Store
	init     InitFunc
	exit     func(code int)
	metrics  *Metrics
	version  uint16
	services []service.Option
}

// WithHAL runs the device on h instead of a FIFO bus in Config.BusDir.
func WithHAL(h hal.DeviceHAL) Option {
	return func(s *settings) { s.hal = h }
}

// WithStore uses st instead of opening Config.State.
func WithStore(st store.Store) Option {
	return func(s *settings) { s.store = st }
}

// WithInitPlatform runs fn after the platform is created and before the
// apps are built.
func WithInitPlatform(fn InitFunc) Option {
	return func(s *settings) { s.init = fn }
}

// WithExit replaces os.Exit as the reboot path.
func WithExit(fn func(code int)) Option {
	return func(s *settings) { s.exit = fn }
}

// WithMetrics records runner activity in m.
func WithMetrics(m *Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithDeviceVersion sets bcdDevice.
func WithDeviceVersion(bcd uint16) Option {
	return func(s *settings) { s.version = bcd }
}

// WithServiceOptions passes opts to service.New.
func WithServiceOptions(opts ...service.Option) Option {
	return func(s *settings) { s.services = append(s.services, opts...) }
}

// Runner runs a simulated device whose apps are built from data of type D.
type Runner[D any] struct {
	cfg  Config
	apps AppsFunc[D]
	set  settings

	presence Presence
	started  atomic.Bool
	ready    chan struct{}
	svc      atomic.Pointer[service.Service]
	bus      atomic.Pointer[usb.Bus]
}

// New validates cfg and returns a runner. cfg is copied.
func New[D any](cfg Config, apps AppsFunc[D], opts ...Option) (*Runner[D], error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if apps == nil {
		return nil, errors.Wrap(pkg.ErrInvalidParameter, "apps function is nil")
	}
	cfg.Protocols = append([]string(nil), cfg.Protocols...)
	r := &Runner[D]{
		cfg:   cfg,
		apps:  apps,
		set:   settings{exit: os.Exit, version: 0x0100},
		ready: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(&r.set)
	}
	return r, nil
}

// Config returns the runner's configuration.
func (r *Runner[D]) Config() Config {
	return r.cfg
}

// Presence returns the user presence flag reported in keepalives.
func (r *Runner[D]) Presence() *Presence {
	return &r.presence
}

// Ready is closed once the loops are running.
func (r *Runner[D]) Ready() <-chan struct{} {
	return r.ready
}

// Service returns the service core, or nil before Exec has built it.
func (r *Runner[D]) Service() *service.Service {
	return r.svc.Load()
}

// Bus returns the virtual bus, or nil before Exec has built it.
func (r *Runner[D]) Bus() *usb.Bus {
	return r.bus.Load()
}

// protocols holds the enabled protocol classes and their dispatchers.
type protocols struct {
	hid      *ctaphid.Class
	hidDisp  *ctaphid.Dispatch
	card     *ccid.Class
	cardDisp *ccid.Dispatch
}

// Exec builds the device and runs it until ctx is cancelled. makeData
// derives the apps' data from the platform. Startup errors are returned
// before any loop runs.
func (r *Runner[D]) Exec(ctx context.Context, makeData func(service.Platform) (D, error)) error {
	if r.started.Swap(true) {
		return pkg.ErrAlreadyRunning
	}
	st := r.set.store
	if st == nil {
		var err error
		if st, err = store.Open(ctx, r.cfg.State); err != nil {
			return err
		}
		defer st.Close()
	}
	platform := service.Platform{
		Store: st,
		UI:    &simulatedUI{presence: &r.presence, started: time.Now(), exit: r.set.exit},
	}
	if r.set.init != nil {
		if err := r.set.init(ctx, platform); err != nil {
			return errors.Wrap(err, "init platform")
		}
	}
	data, err := makeData(platform)
	if err != nil {
		return errors.Wrap(err, "make data")
	}

	var p protocols
	builder := usb.NewDeviceBuilder().
		WithVendorProduct(r.cfg.Device.VendorID, r.cfg.Device.ProductID).
		WithClass(DeviceClass, DeviceSubClass, 0).
		WithDeviceVersion(r.set.version).
		WithStrings(r.cfg.Device.Manufacturer, r.cfg.Device.Product, r.cfg.Device.SerialNumber)
	if r.cfg.Enabled(ProtocolCTAPHID) {
		p.hid, p.hidDisp = ctaphid.New()
		builder.AddClass(p.hid)
	}
	if r.cfg.Enabled(ProtocolCCID) {
		p.card, p.cardDisp = ccid.New()
		builder.AddClass(p.card)
	}
	dev, err := builder.Build()
	if err != nil {
		return errors.Wrap(err, "build device")
	}
	h := r.set.hal
	if h == nil {
		h = fifo.New(r.cfg.BusDir)
	}
	bus := usb.NewBus(dev, h)

	opts := r.set.services
	if r.set.metrics != nil {
		opts = append(opts, service.WithObserver(r.set.metrics))
	}
	svc, err := service.New(platform, opts...)
	if err != nil {
		return errors.Wrap(err, "create service")
	}
	tx, rx := signal.New()
	defer rx.Close()

	apps, err := r.apps(&ClientBuilder{svc: svc, tx: tx}, data)
	if err != nil {
		return errors.Wrap(err, "build apps")
	}
	reg, err := NewRegistry(apps...)
	if err != nil {
		return err
	}
	r.observe(&p)

	if err := bus.Start(ctx); err != nil {
		return errors.Wrap(err, "start bus")
	}
	defer bus.Stop()
	r.svc.Store(svc)
	r.bus.Store(bus)

	pkg.LogInfo(pkg.ComponentRunner, "device running",
		"vid", r.cfg.Device.VendorID,
		"pid", r.cfg.Device.ProductID,
		"protocols", r.cfg.Protocols,
		"apps", reg.String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.transportLoop(gctx, bus, &p) })
	g.Go(func() error { return service.NewDriver(svc, rx).Run(gctx) })
	g.Go(func() error { return r.dispatchLoop(gctx, &p, reg) })
	close(r.ready)

	err = g.Wait()
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

func (r *Runner[D]) observe(p *protocols) {
	m := r.set.metrics
	if m == nil {
		return
	}
	if p.hidDisp != nil {
		p.hidDisp.SetObserver(func(_ ctaphid.Command, err error) { m.command(ProtocolCTAPHID, err) })
	}
	if p.cardDisp != nil {
		p.cardDisp.SetObserver(func(_ byte, err error) { m.command(ProtocolCCID, err) })
	}
}

// keepalive drives one class's timeout tracker.
type keepalive struct {
	protocol string
	interval time.Duration
	tracker  timeout.Tracker
	started  func() bool
	emit     func(waiting bool) (time.Duration, bool)
}

func (r *Runner[D]) keepalives(p *protocols) []*keepalive {
	var ks []*keepalive
	if p.hid != nil {
		ks = append(ks, &keepalive{
			protocol: ProtocolCTAPHID,
			interval: ctaphid.KeepaliveInterval,
			started:  p.hid.DidStartProcessing,
			emit:     p.hid.SendKeepalive,
		})
	}
	if p.card != nil {
		ks = append(ks, &keepalive{
			protocol: ProtocolCCID,
			interval: ccid.TimeExtensionInterval,
			started:  p.card.DidStartProcessing,
			emit:     func(bool) (time.Duration, bool) { return p.card.SendTimeExtension() },
		})
	}
	return ks
}

// transportLoop moves USB traffic and sends keepalives while commands are
// outstanding. It never touches apps or the service.
func (r *Runner[D]) transportLoop(ctx context.Context, bus *usb.Bus, p *protocols) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	epoch := timeout.NewEpoch()
	ks := r.keepalives(p)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		bus.Poll()
		waiting := r.presence.Waiting()
		now := epoch.Elapsed()
		for _, k := range ks {
			k.tracker.Update(now, k.interval, k.started(), func() (time.Duration, bool) {
				next, ok := k.emit(waiting)
				if ok {
					r.set.metrics.keepalive(k.protocol)
				}
				return next, ok
			})
		}
		r.set.metrics.tick()
	}
}

// dispatchLoop gives each dispatcher one poll per tick.
func (r *Runner[D]) dispatchLoop(ctx context.Context, p *protocols, reg *Registry) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if p.hidDisp != nil {
			p.hidDisp.Poll(reg.CTAPHID)
		}
		if p.cardDisp != nil {
			p.cardDisp.Poll(reg.CCID)
		}
	}
}
