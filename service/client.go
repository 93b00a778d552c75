package service

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/ardnew/softkey/interchange"
	"github.com/ardnew/softkey/pkg"
	"github.com/ardnew/softkey/signal"
)

// ErrRequestPending is returned when a client places a request while its
// previous one has not been collected.
var ErrRequestPending = errors.Wrap(pkg.ErrBusy, "previous request still pending")

// Client is an application's handle on the service. It is cheap to clone;
// clones share the endpoint slot, so at most one request is in flight per
// endpoint.
type Client struct {
	id   string
	slot *interchange.Requester[Request, Reply]
	tx   *signal.Sender
}

// ID returns the endpoint id the client was registered under.
func (c *Client) ID() string { return c.id }

// Clone returns a client for the same endpoint with its own signal
// producer.
func (c *Client) Clone() *Client {
	return &Client{id: c.id, slot: c.slot, tx: c.tx.Clone()}
}

// Call places req and wakes the service. The reply is collected from the
// returned Pending on a later poll.
func (c *Client) Call(req Request) (*Pending, error) {
	if err := c.slot.Request(req); err != nil {
		return nil, errors.Wrapf(ErrRequestPending, "client %q: %s", c.id, req.Op)
	}
	c.tx.Notify()
	return &Pending{op: req.Op, slot: c.slot}, nil
}

// Do places req and polls for its reply until ctx is done. It is meant for
// setup code and tests; loops that must not block use Call and Poll.
func (c *Client) Do(ctx context.Context, req Request) (Reply, error) {
	p, err := c.Call(req)
	if err != nil {
		return Reply{}, err
	}
	return p.Wait(ctx)
}

// Pending is an outstanding request.
type Pending struct {
	op   Op
	slot *interchange.Requester[Request, Reply]
	done bool
}

// Op returns the operation of the outstanding request.
func (p *Pending) Op() Op { return p.op }

// Poll returns the reply once the service has placed it. After Poll has
// returned true the Pending is spent.
func (p *Pending) Poll() (Reply, bool) {
	if p.done {
		return Reply{}, false
	}
	reply, ok := p.slot.TakeResponse()
	if ok {
		p.done = true
	}
	return reply, ok
}

// Cancel abandons the request. A reply that arrives later is discarded.
func (p *Pending) Cancel() {
	if !p.done {
		p.done = true
		p.slot.Cancel()
	}
}

// Wait polls until the reply arrives or ctx is done. A reply carrying an
// error is returned along with that error.
func (p *Pending) Wait(ctx context.Context) (Reply, error) {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if reply, ok := p.Poll(); ok {
			return reply, reply.Err
		}
		select {
		case <-ctx.Done():
			p.Cancel()
			return Reply{}, ctx.Err()
		case <-ticker.C:
		}
	}
}
