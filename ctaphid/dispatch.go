package ctaphid

import (
	"slices"

	"github.com/cockroachdb/errors"

	"github.com/ardnew/softkey/interchange"
	"github.com/ardnew/softkey/pkg"
)

// ErrPending is returned by App.Call while the app waits on the service.
// The dispatcher calls the app again with the same request on a later poll.
var ErrPending = errors.New("ctaphid: request pending")

// App handles CTAPHID commands.
type App interface {
	// Commands lists the commands the app accepts.
	Commands() []Command

	// Call handles one request. It must not block: an app that needs the
	// service places a call and returns ErrPending until the reply is in.
	Call(cmd Command, req []byte) ([]byte, error)
}

// Observer is told the outcome of every dispatched command.
type Observer func(cmd Command, err error)

// Dispatch routes messages from the class to apps.
type Dispatch struct {
	responder *interchange.Responder[Message, Message]
	observer  Observer

	current *Message
	app     App
}

// SetObserver installs fn as the command observer.
func (d *Dispatch) SetObserver(fn Observer) {
	d.observer = fn
}

// Poll advances the outstanding request, if any, or takes a new one. It
// reports whether there was work to do.
func (d *Dispatch) Poll(apps []App) bool {
	if d.current == nil {
		req, ok := d.responder.TakeRequest()
		if !ok {
			return false
		}
		d.current = &req
		d.app = find(apps, req.Command)
		if d.app == nil {
			pkg.LogDebug(pkg.ComponentDispatch, "no app for command",
				"command", req.Command.String())
			d.finish(nil, ErrorInvalidCommand)
			return true
		}
	}

	resp, err := d.app.Call(d.current.Command, d.current.Data)
	if errors.Is(err, ErrPending) {
		return true
	}
	d.finish(resp, err)
	return true
}

func find(apps []App, cmd Command) App {
	for _, app := range apps {
		if slices.Contains(app.Commands(), cmd) {
			return app
		}
	}
	return nil
}

func (d *Dispatch) finish(resp []byte, err error) {
	req := d.current
	d.current, d.app = nil, nil

	msg := Message{Channel: req.Channel, Command: req.Command, Data: resp}
	if err != nil {
		code := ErrorOther
		if !errors.As(err, &code) {
			pkg.LogWarn(pkg.ComponentDispatch, "command failed",
				"command", req.Command.String(),
				"error", err)
		}
		msg = errorMessage(req.Channel, code)
	}
	if d.observer != nil {
		d.observer(req.Command, err)
	}
	if rerr := d.responder.Respond(msg); rerr != nil {
		pkg.LogWarn(pkg.ComponentDispatch, "response dropped", "error", rerr)
	}
}
