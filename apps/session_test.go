package apps_test

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softkey/apps"
	"github.com/ardnew/softkey/apps/internal/apptest"
	"github.com/ardnew/softkey/service"
	"github.com/ardnew/softkey/store"
)

var errWait = errors.New("wait")

func TestSession_ReplaysAnsweredRequests(t *testing.T) {
	f := apptest.New(t)
	s := apps.NewSession(f.Client(t, "app"))

	calls := 0
	resp, err := f.Run(t, errWait, func() ([]byte, error) {
		calls++
		if _, err := s.Do(service.WriteFile(store.Internal, "a", []byte("one"))); err != nil {
			return s.Finish(nil, err, errWait)
		}
		r, err := s.Do(service.ReadFile(store.Internal, "a"))
		return s.Finish(r.Data, err, errWait)
	})
	require.NoError(t, err)
	require.Equal(t, []byte("one"), resp)
	require.Equal(t, 3, calls)
	require.Equal(t, uint64(2), f.Service.Stats().Requests, "answered requests are not sent again")
}

func TestSession_ErrorsEndTheCommand(t *testing.T) {
	f := apptest.New(t)
	s := apps.NewSession(f.Client(t, "app"))

	_, err := f.Run(t, errWait, func() ([]byte, error) {
		r, err := s.Do(service.ReadFile(store.Internal, "missing"))
		return s.Finish(r.Data, err, errWait)
	})
	require.Error(t, err)

	// The next command starts from scratch.
	resp, err := f.Run(t, errWait, func() ([]byte, error) {
		r, err := s.Do(service.RandomBytes(4))
		return s.Finish(r.Data, err, errWait)
	})
	require.NoError(t, err)
	require.Len(t, resp, 4)
}

func TestSession_SharedEndpoint(t *testing.T) {
	f := apptest.New(t)
	client := f.Client(t, "app")
	a, b := apps.NewSession(client), apps.NewSession(client.Clone())

	_, err := a.Do(service.RandomBytes(1))
	require.ErrorIs(t, err, apps.ErrPending)
	_, err = b.Do(service.RandomBytes(2))
	require.ErrorIs(t, err, apps.ErrPending, "endpoint busy counts as pending")
	b.Finish(nil, err, errWait)

	f.Service.Process(t.Context())
	a.Finish(nil, apps.ErrPending, errWait)
	r, err := a.Do(service.RandomBytes(1))
	require.NoError(t, err)
	require.Len(t, r.Data, 1)

	a.Abort()
	data, err := f.Run(t, errWait, func() ([]byte, error) {
		r, err := b.Do(service.RandomBytes(2))
		return b.Finish(r.Data, err, errWait)
	})
	require.NoError(t, err)
	require.Len(t, data, 2)
}
