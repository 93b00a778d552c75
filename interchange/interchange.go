// Package interchange provides a single-slot request/response channel
// between two parties that poll it from different goroutines.
//
// The requester places a request, the responder takes it, works on it and
// places a response, and the requester takes the response. The slot holds
// at most one exchange at a time.
package interchange

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// State is the position of the slot in an exchange.
type State int

// Slot states.
const (
	Idle       State = iota // No exchange in progress
	Requested               // Request placed, not yet taken
	Processing              // Request taken by the responder
	Responded               // Response placed, not yet taken
	Canceled                // Requester gave up before the response
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Requested:
		return "requested"
	case Processing:
		return "processing"
	case Responded:
		return "responded"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Exchange errors.
var (
	// ErrBusy is returned when a request is placed while another exchange is
	// in progress.
	ErrBusy = errors.New("interchange busy")

	// ErrUnexpectedState is returned when an operation does not match the
	// current state of the slot.
	ErrUnexpectedState = errors.New("interchange in unexpected state")
)

type slot[Rq, Rp any] struct {
	mu    sync.Mutex
	state State
	req   Rq
	resp  Rp
}

// Requester is the side that places requests.
type Requester[Rq, Rp any] struct {
	s *slot[Rq, Rp]
}

// Responder is the side that answers requests.
type Responder[Rq, Rp any] struct {
	s *slot[Rq, Rp]
}

// New creates an idle slot and returns both of its sides.
func New[Rq, Rp any]() (*Requester[Rq, Rp], *Responder[Rq, Rp]) {
	s := &slot[Rq, Rp]{}
	return &Requester[Rq, Rp]{s: s}, &Responder[Rq, Rp]{s: s}
}

// State returns the current state of the slot.
func (r *Requester[Rq, Rp]) State() State {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.state
}

// Request places req in the slot. The slot must be idle.
func (r *Requester[Rq, Rp]) Request(req Rq) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.state != Idle {
		return errors.Wrapf(ErrBusy, "state %s", r.s.state)
	}
	r.s.req = req
	r.s.state = Requested
	return nil
}

// TakeResponse removes the response from the slot, returning it to idle.
func (r *Requester[Rq, Rp]) TakeResponse() (Rp, bool) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var zero Rp
	if r.s.state != Responded {
		return zero, false
	}
	resp := r.s.resp
	r.s.resp = zero
	r.s.state = Idle
	return resp, true
}

// Cancel abandons the current exchange. A request that has not been taken
// is withdrawn; a request being processed is marked so that its response is
// discarded. It reports whether there was anything to cancel.
func (r *Requester[Rq, Rp]) Cancel() bool {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var (
		zeroRq Rq
		zeroRp Rp
	)
	switch r.s.state {
	case Requested, Responded:
		r.s.req, r.s.resp = zeroRq, zeroRp
		r.s.state = Idle
		return true
	case Processing:
		r.s.state = Canceled
		return true
	default:
		return false
	}
}

// State returns the current state of the slot.
func (r *Responder[Rq, Rp]) State() State {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.s.state
}

// TakeRequest removes a pending request from the slot.
func (r *Responder[Rq, Rp]) TakeRequest() (Rq, bool) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var zero Rq
	if r.s.state != Requested {
		return zero, false
	}
	req := r.s.req
	r.s.req = zero
	r.s.state = Processing
	return req, true
}

// Respond places resp in the slot. If the requester canceled the exchange
// the response is dropped and the slot returns to idle.
func (r *Responder[Rq, Rp]) Respond(resp Rp) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	switch r.s.state {
	case Processing:
		r.s.resp = resp
		r.s.state = Responded
		return nil
	case Canceled:
		r.s.state = Idle
		return nil
	default:
		return errors.Wrapf(ErrUnexpectedState, "respond in state %s", r.s.state)
	}
}
