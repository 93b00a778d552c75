// Package apps holds the applications served by the simulator and the
// helper they share for talking to the service without blocking.
//
// Dispatchers call an app again and again with the same command until it
// stops returning its protocol's pending error. A [Session] lets the app
// be written as straight-line code: each call replays the command from the
// top, and every service request already answered during this command is
// served from the session instead of being sent again.
package apps

import (
	"github.com/cockroachdb/errors"

	"github.com/ardnew/softkey/service"
)

// ErrPending is returned by Session.Do while a request is outstanding.
var ErrPending = errors.New("apps: service reply pending")

// Session sequences the service requests of one command at a time.
type Session struct {
	client  *service.Client
	pending *service.Pending
	replies []service.Reply
	next    int
}

// NewSession returns a session issuing requests through client.
func NewSession(client *service.Client) *Session {
	return &Session{client: client}
}

// Client returns the client the session issues requests through.
func (s *Session) Client() *service.Client {
	return s.client
}

// Do returns the reply to the next request of the current command along
// with the reply's error. It returns ErrPending until the reply is in.
func (s *Session) Do(req service.Request) (service.Reply, error) {
	i := s.next
	s.next++
	if i < len(s.replies) {
		r := s.replies[i]
		return r, r.Err
	}

	if s.pending == nil {
		p, err := s.client.Call(req)
		if errors.Is(err, service.ErrRequestPending) {
			// Another session on the same endpoint is in flight.
			return service.Reply{}, ErrPending
		}
		if err != nil {
			return service.Reply{}, err
		}
		s.pending = p
	}

	r, ok := s.pending.Poll()
	if !ok {
		return service.Reply{}, ErrPending
	}
	s.pending = nil
	s.replies = append(s.replies, r)
	return r, r.Err
}

// Finish ends the current call. While the command waits on the service it
// returns pending, the dispatcher's pending error, and keeps the answered
// requests for the next call. Otherwise it forgets them and passes resp and
// err through.
func (s *Session) Finish(resp []byte, err error, pending error) ([]byte, error) {
	s.next = 0
	if errors.Is(err, ErrPending) {
		return nil, pending
	}
	s.replies = nil
	return resp, err
}

// Abort drops the current command, cancelling its outstanding request.
func (s *Session) Abort() {
	if s.pending != nil {
		s.pending.Cancel()
		s.pending = nil
	}
	s.replies = nil
	s.next = 0
}
