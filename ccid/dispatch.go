package ccid

import (
	"bytes"

	"github.com/cockroachdb/errors"

	"github.com/ardnew/softkey/interchange"
	"github.com/ardnew/softkey/pkg"
)

// MaxChainedData bounds the command data accumulated through command
// chaining.
const MaxChainedData = 1 << 16

// ErrPending is returned by an App while it waits on the service. The
// dispatcher calls it again with the same APDU on a later poll.
var ErrPending = errors.New("ccid: request pending")

// App is a card application selected by AID.
type App interface {
	// AID is the application identifier.
	AID() []byte

	// Select makes the app current. The returned data is the select
	// response.
	Select(apdu *APDU) ([]byte, error)

	// Deselect is called when another app is selected or the card is
	// powered off.
	Deselect()

	// Call handles an APDU for the selected app. Returning a StatusWord
	// sends that status; any other error sends 6F00.
	Call(apdu *APDU) ([]byte, error)
}

// Observer is told the outcome of every APDU that reaches an app.
type Observer func(ins byte, err error)

// Dispatch routes APDUs from the class to apps. It implements command and
// response chaining and SELECT by AID.
type Dispatch struct {
	responder *interchange.Responder[Request, Response]
	observer  Observer

	selected App

	current   *Request
	apdu      *APDU
	target    App
	selecting bool

	chain     []byte
	remaining []byte
}

// SetObserver installs fn as the APDU observer.
func (d *Dispatch) SetObserver(fn Observer) {
	d.observer = fn
}

// Selected returns the currently selected app, or nil.
func (d *Dispatch) Selected() App {
	return d.selected
}

// Poll advances the outstanding APDU, if any, or takes a new one. It
// reports whether there was work to do.
func (d *Dispatch) Poll(apps []App) bool {
	if d.current == nil {
		req, ok := d.responder.TakeRequest()
		if !ok {
			return false
		}
		d.current = &req
		if req.PowerCycled {
			d.deselect()
		}
		if data, done := d.begin(apps, &req); done {
			d.respond(data)
			return true
		}
	}

	var (
		resp []byte
		err  error
	)
	if d.selecting {
		resp, err = d.target.Select(d.apdu)
	} else {
		resp, err = d.target.Call(d.apdu)
	}
	if errors.Is(err, ErrPending) {
		return true
	}
	d.finish(resp, err)
	return true
}

func (d *Dispatch) deselect() {
	if d.selected != nil {
		d.selected.Deselect()
	}
	d.selected = nil
	d.chain = nil
	d.remaining = nil
}

// begin handles the APDUs answered by the dispatcher itself. Otherwise it
// picks the target app and reports false.
func (d *Dispatch) begin(apps []App, req *Request) ([]byte, bool) {
	apdu, err := ParseAPDU(req.APDU)
	if err != nil {
		pkg.LogDebug(pkg.ComponentDispatch, "malformed APDU", "error", err)
		d.chain = nil
		return SWWrongLength.Bytes(), true
	}

	if apdu.INS == InsGetResponse && !apdu.Chained() {
		return d.nextChunk(apdu.Le), true
	}
	d.remaining = nil

	if apdu.Chained() {
		if len(d.chain)+len(apdu.Data) > MaxChainedData {
			d.chain = nil
			return SWWrongLength.Bytes(), true
		}
		d.chain = append(d.chain, apdu.Data...)
		return SWSuccess.Bytes(), true
	}
	if d.chain != nil {
		apdu.Data = append(d.chain, apdu.Data...)
		d.chain = nil
	}

	d.apdu = apdu
	if apdu.INS == InsSelect && apdu.P1 == 0x04 {
		app := findAID(apps, apdu.Data)
		if app == nil {
			pkg.LogDebug(pkg.ComponentDispatch, "no app for AID", "aid", apdu.Data)
			return SWFileNotFound.Bytes(), true
		}
		if d.selected != nil && d.selected != app {
			d.selected.Deselect()
		}
		d.selected = nil
		d.target, d.selecting = app, true
		return nil, false
	}

	if d.selected == nil {
		return SWInsNotSupported.Bytes(), true
	}
	d.target, d.selecting = d.selected, false
	return nil, false
}

func findAID(apps []App, aid []byte) App {
	if len(aid) == 0 {
		return nil
	}
	for _, app := range apps {
		if bytes.HasPrefix(app.AID(), aid) {
			return app
		}
	}
	return nil
}

// nextChunk returns the next part of a chained response.
func (d *Dispatch) nextChunk(le int) []byte {
	if d.remaining == nil {
		return SWConditionsNotSatisfied.Bytes()
	}
	if le == 0 {
		le = 256
	}
	return d.chunk(d.remaining, le)
}

// chunk returns at most limit bytes of data followed by 9000, or by 61XX
// when data is left for GET RESPONSE.
func (d *Dispatch) chunk(data []byte, limit int) []byte {
	limit = min(limit, MaxDataLength-2)
	if len(data) <= limit {
		d.remaining = nil
		return append(append([]byte(nil), data...), SWSuccess.Bytes()...)
	}
	d.remaining = data[limit:]
	sw := SWBytesRemaining | StatusWord(min(len(d.remaining), 256)&0xFF)
	return append(append([]byte(nil), data[:limit]...), sw.Bytes()...)
}

func (d *Dispatch) finish(resp []byte, err error) {
	apdu, app := d.apdu, d.target
	if d.observer != nil {
		d.observer(apdu.INS, err)
	}
	if err != nil {
		var sw StatusWord
		if !errors.As(err, &sw) {
			pkg.LogWarn(pkg.ComponentDispatch, "APDU failed",
				"ins", apdu.INS,
				"error", err)
			sw = SWUnknown
		}
		d.respond(sw.Bytes())
		return
	}
	if d.selecting {
		d.selected = app
	}

	limit := apdu.Le
	if limit == 0 {
		limit = 256
		if apdu.Extended {
			limit = 65536
		}
	}
	d.respond(d.chunk(resp, limit))
}

func (d *Dispatch) respond(data []byte) {
	req := d.current
	d.current, d.apdu, d.target, d.selecting = nil, nil, nil, false
	if err := d.responder.Respond(Response{Seq: req.Seq, Data: data}); err != nil {
		pkg.LogWarn(pkg.ComponentDispatch, "response dropped", "error", err)
	}
}
