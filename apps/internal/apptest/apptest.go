// Package apptest runs apps against an in-process service in tests.
package apptest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softkey/service"
	"github.com/ardnew/softkey/signal"
	"github.com/ardnew/softkey/store"
)

// UI records what the service asks of the user interface.
type UI struct {
	mu      sync.Mutex
	Winks   []time.Duration
	Reboots []service.RebootTarget
}

var _ service.UserInterface = (*UI)(nil)

func (u *UI) CheckUserPresence() service.Consent { return service.ConsentNormal }
func (u *UI) SetStatus(service.Status)           {}
func (u *UI) Uptime() time.Duration              { return time.Minute }

func (u *UI) Wink(d time.Duration) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Winks = append(u.Winks, d)
}

func (u *UI) Reboot(target service.RebootTarget) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.Reboots = append(u.Reboots, target)
}

// Fixture is a service over an in-memory store.
type Fixture struct {
	Service *service.Service
	Store   *store.Memory
	UI      *UI

	tx *signal.Sender
	rx *signal.Receiver
}

// New creates a fixture.
func New(t testing.TB) *Fixture {
	t.Helper()
	f := &Fixture{Store: store.NewMemory(), UI: &UI{}}
	svc, err := service.New(service.Platform{Store: f.Store, UI: f.UI})
	require.NoError(t, err)
	f.Service = svc
	f.tx, f.rx = signal.New()
	return f
}

// Client registers a client.
func (f *Fixture) Client(t testing.TB, id string, backends ...service.Backend) *service.Client {
	t.Helper()
	c, err := f.Service.NewClient(id, f.tx.Clone(), backends...)
	require.NoError(t, err)
	return c
}

// Run calls fn until it stops returning pending, running a processing pass
// for every signal in between.
func (f *Fixture) Run(t testing.TB, pending error, fn func() ([]byte, error)) ([]byte, error) {
	t.Helper()
	for range 100 {
		resp, err := fn()
		if !errors.Is(err, pending) {
			return resp, err
		}
		for f.rx.TryWait() {
			f.Service.Process(context.Background())
		}
	}
	require.FailNow(t, "app never finished")
	return nil, nil
}
