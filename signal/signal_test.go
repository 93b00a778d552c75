package signal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/softkey/pkg"
)

func TestWaitConsumesOne(t *testing.T) {
	tx, rx := New()
	tx.Notify()
	tx.Notify()

	require.Equal(t, int64(2), rx.Pending())
	require.NoError(t, rx.Wait(context.Background()))
	require.Equal(t, int64(1), rx.Pending())
	require.NoError(t, rx.Wait(context.Background()))
	require.Equal(t, uint64(2), rx.Drained())
	require.False(t, rx.TryWait())
}

func TestCloneAndSignal(t *testing.T) {
	tx, rx := New()
	a := tx.Clone()
	b := tx.Clone()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); a.Notify() }()
	go func() { defer wg.Done(); b.Notify() }()
	wg.Wait()

	require.True(t, rx.TryWait())
	require.True(t, rx.TryWait())
	require.False(t, rx.TryWait())
	require.Equal(t, uint64(2), tx.Sent())
}

func TestWaitWakesOnNotify(t *testing.T) {
	tx, rx := New()
	done := make(chan error, 1)
	go func() { done <- rx.Wait(context.Background()) }()

	time.Sleep(10 * time.Millisecond)
	tx.Notify()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("receiver was not woken")
	}
}

func TestNoLostNotifications(t *testing.T) {
	const producers, each = 8, 500
	tx, rx := New()

	var wg sync.WaitGroup
	for range producers {
		wg.Add(1)
		go func(s *Sender) {
			defer wg.Done()
			for range each {
				s.Notify()
			}
		}(tx.Clone())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for range producers * each {
		require.NoError(t, rx.Wait(ctx))
	}
	wg.Wait()
	require.False(t, rx.TryWait())
	require.Equal(t, uint64(producers*each), rx.Drained())
}

func TestWaitContextCancelled(t *testing.T) {
	_, rx := New()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, rx.Wait(ctx), context.DeadlineExceeded)
}

func TestNotifyAfterClose(t *testing.T) {
	tx, rx := New()
	rx.Close()
	require.NotPanics(t, tx.Notify)
	require.Equal(t, int64(0), rx.Pending())
	require.ErrorIs(t, rx.Wait(context.Background()), pkg.ErrClosed)
}
