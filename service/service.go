package service

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/ardnew/softkey/interchange"
	"github.com/ardnew/softkey/pkg"
	"github.com/ardnew/softkey/signal"
	"github.com/ardnew/softkey/store"
)

// Service errors.
var (
	// ErrClientExists is returned when a client id is already registered.
	ErrClientExists = errors.New("client already exists")

	// ErrTooManyClients is returned when the endpoint registry is full.
	ErrTooManyClients = errors.Wrap(pkg.ErrNoResources, "too many clients")

	// ErrInvalidClientID is returned for ids that cannot name a namespace.
	ErrInvalidClientID = errors.New("invalid client id")

	// ErrUnknownOp is returned in a reply for an unrecognized operation.
	ErrUnknownOp = errors.New("unknown operation")

	// ErrBadRequest is returned in a reply for malformed arguments.
	ErrBadRequest = errors.Wrap(pkg.ErrInvalidRequest, "bad request arguments")

	// ErrBackendUnavailable is returned in a reply when the client lacks the
	// backend an operation requires.
	ErrBackendUnavailable = errors.Wrap(pkg.ErrNotSupported, "backend unavailable to client")
)

// DefaultMaxClients is the endpoint registry capacity unless overridden.
const DefaultMaxClients = 16

// MaxRandomBytes bounds a single RandomBytes request.
const MaxRandomBytes = 1024

// Platform is the hardware the service runs on.
type Platform struct {
	Store store.Store
	UI    UserInterface
	Rand  io.Reader
}

// Observer receives processing events, typically for metrics.
type Observer interface {
	ObservePass(handled int)
	ObserveRequest(op Op, err error)
}

// Stats are cumulative processing counters.
type Stats struct {
	Passes     uint64
	Requests   uint64
	Failures   uint64
	Violations uint64
}

// Option configures a Service.
type Option func(*Service)

// WithMaxClients sets the endpoint registry capacity.
func WithMaxClients(n int) Option {
	return func(s *Service) { s.maxClients = n }
}

// WithObserver installs an observer for processing events.
func WithObserver(o Observer) Option {
	return func(s *Service) { s.observer = o }
}

type endpoint struct {
	id       string
	backends []Backend
	slot     *interchange.Responder[Request, Reply]
}

func (e *endpoint) allows(b Backend) bool {
	for _, have := range e.backends {
		if have == b {
			return true
		}
	}
	return false
}

// Service is the single-writer service core.
type Service struct {
	platform   Platform
	maxClients int
	observer   Observer

	mu        sync.Mutex
	endpoints []*endpoint

	// Touched only from Process.
	master []byte

	active     atomic.Int32
	passes     atomic.Uint64
	requests   atomic.Uint64
	failures   atomic.Uint64
	violations atomic.Uint64
}

// New creates a service on platform.
func New(platform Platform, opts ...Option) (*Service, error) {
	if platform.Store == nil {
		return nil, errors.Wrap(pkg.ErrInvalidParameter, "platform store is nil")
	}
	if platform.UI == nil {
		return nil, errors.Wrap(pkg.ErrInvalidParameter, "platform user interface is nil")
	}
	if platform.Rand == nil {
		platform.Rand = rand.Reader
	}
	s := &Service{platform: platform, maxClients: DefaultMaxClients}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Platform returns the platform the service runs on.
func (s *Service) Platform() Platform {
	return s.platform
}

// NewClient registers an endpoint for id and returns a client bound to it.
// The client notifies tx whenever it places a request. With no backends the
// client gets BackendCore.
func (s *Service) NewClient(id string, tx *signal.Sender, backends ...Backend) (*Client, error) {
	if id == "" || strings.ContainsAny(id, "/\\") || strings.HasPrefix(id, ".") {
		return nil, errors.Wrapf(ErrInvalidClientID, "%q", id)
	}
	if tx == nil {
		return nil, errors.Wrap(pkg.ErrInvalidParameter, "signal sender is nil")
	}
	if len(backends) == 0 {
		backends = []Backend{BackendCore}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ep := range s.endpoints {
		if ep.id == id {
			return nil, errors.Wrapf(ErrClientExists, "%q", id)
		}
	}
	if len(s.endpoints) >= s.maxClients {
		return nil, errors.Wrapf(ErrTooManyClients, "limit %d", s.maxClients)
	}
	rq, rp := interchange.New[Request, Reply]()
	s.endpoints = append(s.endpoints, &endpoint{id: id, backends: backends, slot: rp})
	pkg.LogDebug(pkg.ComponentService, "client registered", "client", id, "backends", fmt.Sprint(backends))
	return &Client{id: id, slot: rq, tx: tx}, nil
}

// Stats returns a snapshot of the processing counters.
func (s *Service) Stats() Stats {
	return Stats{
		Passes:     s.passes.Load(),
		Requests:   s.requests.Load(),
		Failures:   s.failures.Load(),
		Violations: s.violations.Load(),
	}
}

// Process runs one pass: every endpoint holding a request has it executed
// and its reply placed. It returns the number of requests handled.
func (s *Service) Process(ctx context.Context) int {
	if s.active.Add(1) != 1 {
		s.violations.Add(1)
		pkg.LogError(pkg.ComponentService, "concurrent process pass")
	}
	defer s.active.Add(-1)
	s.passes.Add(1)

	s.mu.Lock()
	eps := s.endpoints
	s.mu.Unlock()

	handled := 0
	for _, ep := range eps {
		req, ok := ep.slot.TakeRequest()
		if !ok {
			continue
		}
		reply := s.execute(ctx, ep, req)
		s.requests.Add(1)
		if reply.Err != nil {
			s.failures.Add(1)
			pkg.LogDebug(pkg.ComponentService, "request failed",
				"client", ep.id, "op", req.Op.String(), "error", reply.Err)
		}
		if s.observer != nil {
			s.observer.ObserveRequest(req.Op, reply.Err)
		}
		if err := ep.slot.Respond(reply); err != nil {
			pkg.LogWarn(pkg.ComponentService, "reply dropped", "client", ep.id, "error", err)
		}
		handled++
	}
	if s.observer != nil {
		s.observer.ObservePass(handled)
	}
	return handled
}

func (s *Service) execute(ctx context.Context, ep *endpoint, req Request) (reply Reply) {
	reply.Op = req.Op
	defer func() {
		if r := recover(); r != nil {
			reply = Reply{Op: req.Op, Err: errors.Newf("%s: panic: %v", req.Op, r)}
			pkg.LogError(pkg.ComponentService, "request panicked", "client", ep.id, "op", req.Op.String(), "panic", r)
		}
	}()

	if !ep.allows(req.Op.backend()) {
		reply.Err = errors.Wrapf(ErrBackendUnavailable, "%s needs %s", req.Op, req.Op.backend())
		return reply
	}

	ui := s.platform.UI
	switch req.Op {
	case OpRandomBytes:
		reply.Data, reply.Err = s.random(req.Count)
	case OpReadFile:
		reply.Data, reply.Err = s.readFile(ctx, ep, req)
	case OpWriteFile:
		reply.Err = s.writeFile(ctx, ep, req)
	case OpRemoveFile:
		reply.Err = s.removeFile(ctx, ep, req)
	case OpListFiles:
		reply.Paths, reply.Err = s.listFiles(ctx, ep, req)
	case OpSeal:
		reply.Data, reply.Err = s.seal(ctx, ep, req)
	case OpOpen:
		reply.Data, reply.Err = s.open(ctx, ep, req)
	case OpRequestUserPresence:
		ui.SetStatus(StatusWaitingForUserPresence)
		reply.Consent = ui.CheckUserPresence()
		ui.SetStatus(StatusIdle)
	case OpWink:
		if req.Duration < 0 {
			reply.Err = errors.Wrapf(ErrBadRequest, "wink duration %s", req.Duration)
			break
		}
		ui.Wink(req.Duration)
	case OpUptime:
		reply.Duration = ui.Uptime()
	case OpReboot:
		pkg.LogInfo(pkg.ComponentService, "reboot requested", "client", ep.id, "target", req.Target.String())
		ui.Reboot(req.Target)
	default:
		reply.Err = errors.Wrapf(ErrUnknownOp, "op %d", int(req.Op))
	}
	return reply
}

func (s *Service) random(n int) ([]byte, error) {
	if n <= 0 || n > MaxRandomBytes {
		return nil, errors.Wrapf(ErrBadRequest, "random byte count %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(s.platform.Rand, buf); err != nil {
		return nil, errors.Wrap(err, "read entropy")
	}
	return buf, nil
}

// clientPath maps a client-relative path into the client's namespace.
func clientPath(ep *endpoint, loc store.Location, path string) (string, error) {
	if err := store.CheckPath(loc, path); err != nil {
		return "", errors.WithSecondaryError(errors.Wrapf(ErrBadRequest, "path %q", path), err)
	}
	return ep.id + "/" + path, nil
}

func (s *Service) readFile(ctx context.Context, ep *endpoint, req Request) ([]byte, error) {
	path, err := clientPath(ep, req.Location, req.Path)
	if err != nil {
		return nil, err
	}
	return s.platform.Store.Read(ctx, req.Location, path)
}

func (s *Service) writeFile(ctx context.Context, ep *endpoint, req Request) error {
	path, err := clientPath(ep, req.Location, req.Path)
	if err != nil {
		return err
	}
	return s.platform.Store.Write(ctx, req.Location, path, req.Data)
}

func (s *Service) removeFile(ctx context.Context, ep *endpoint, req Request) error {
	path, err := clientPath(ep, req.Location, req.Path)
	if err != nil {
		return err
	}
	return s.platform.Store.Remove(ctx, req.Location, path)
}

func (s *Service) listFiles(ctx context.Context, ep *endpoint, req Request) ([]string, error) {
	if !req.Location.Valid() {
		return nil, errors.Wrapf(ErrBadRequest, "location %d", int(req.Location))
	}
	ns := ep.id + "/"
	paths, err := s.platform.Store.List(ctx, req.Location, ns+req.Path)
	if err != nil {
		return nil, err
	}
	for i, p := range paths {
		paths[i] = strings.TrimPrefix(p, ns)
	}
	return paths, nil
}
