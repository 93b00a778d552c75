// Package signal provides the wake-up channel between service clients and
// the service driver.
//
// A channel carries unit notifications. Any number of [Sender] values,
// obtained by cloning, may notify concurrently; a single [Receiver] consumes
// them one at a time. The queue is unbounded: Notify never blocks and never
// fails, and no notification is lost or duplicated.
package signal

import (
	"context"
	"sync/atomic"

	"github.com/ardnew/softkey/pkg"
)

type channel struct {
	pending  atomic.Int64
	sent     atomic.Uint64
	drained  atomic.Uint64
	closed   atomic.Bool
	doorbell chan struct{}
}

// Sender is the producer side of a signal channel.
type Sender struct {
	ch *channel
}

// Receiver is the single consumer side of a signal channel.
type Receiver struct {
	ch *channel
}

// New creates a signal channel and returns its first producer and its
// consumer.
func New() (*Sender, *Receiver) {
	ch := &channel{doorbell: make(chan struct{}, 1)}
	return &Sender{ch: ch}, &Receiver{ch: ch}
}

// Clone returns another producer for the same channel.
func (s *Sender) Clone() *Sender {
	return &Sender{ch: s.ch}
}

// Notify enqueues one notification. It is a no-op once the receiver has been
// closed.
func (s *Sender) Notify() {
	if s.ch.closed.Load() {
		return
	}
	s.ch.pending.Add(1)
	s.ch.sent.Add(1)
	select {
	case s.ch.doorbell <- struct{}{}:
	default:
	}
}

// Sent reports the number of notifications accepted by the channel.
func (s *Sender) Sent() uint64 {
	return s.ch.sent.Load()
}

// Wait blocks until at least one notification is pending and consumes
// exactly one of them. It returns ctx.Err() if ctx is done first and
// pkg.ErrClosed after Close.
func (r *Receiver) Wait(ctx context.Context) error {
	for {
		if r.ch.closed.Load() {
			return pkg.ErrClosed
		}
		if r.take() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.ch.doorbell:
		}
	}
}

// TryWait consumes one pending notification without blocking.
func (r *Receiver) TryWait() bool {
	if r.ch.closed.Load() {
		return false
	}
	return r.take()
}

func (r *Receiver) take() bool {
	for {
		n := r.ch.pending.Load()
		if n <= 0 {
			return false
		}
		if r.ch.pending.CompareAndSwap(n, n-1) {
			r.ch.drained.Add(1)
			return true
		}
	}
}

// Pending reports the number of notifications not yet consumed.
func (r *Receiver) Pending() int64 {
	return r.ch.pending.Load()
}

// Drained reports the number of notifications consumed so far. It never
// decreases.
func (r *Receiver) Drained() uint64 {
	return r.ch.drained.Load()
}

// Close drops the consumer. Later notifications are silently discarded and
// pending Wait calls return pkg.ErrClosed.
func (r *Receiver) Close() {
	if r.ch.closed.CompareAndSwap(false, true) {
		select {
		case r.ch.doorbell <- struct{}{}:
		default:
		}
	}
}
