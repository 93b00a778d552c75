// Package secrets is a CCID application storing small data objects sealed
// under a key only this app can derive.
//
// Objects are addressed by the 16-bit tag in P1-P2. PUT DATA stores the
// command data, GET DATA returns it and DELETE removes it.
package secrets

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/ardnew/softkey/apps"
	"github.com/ardnew/softkey/ccid"
	"github.com/ardnew/softkey/pkg"
	"github.com/ardnew/softkey/service"
	"github.com/ardnew/softkey/store"
)

// APDU instructions.
const (
	InsGetData = 0xCA
	InsPutData = 0xDA
	InsDelete  = 0xE4
	InsList    = 0xF2
)

// MaxObjectSize bounds the data stored under one tag.
const MaxObjectSize = 2048

// AID is the application identifier.
var AID = []byte{0xA0, 0x00, 0x00, 0x05, 0x27, 0x21, 0x01}

// Backends lists the service backends the app's client needs.
var Backends = []service.Backend{service.BackendCore, service.BackendCrypto}

// App is the secrets app.
type App struct {
	session *apps.Session
}

var _ ccid.App = (*App)(nil)

// New returns an app issuing requests through client, which must hold
// Backends.
func New(client *service.Client) *App {
	return &App{session: apps.NewSession(client)}
}

// AID implements ccid.App.
func (a *App) AID() []byte { return AID }

// Select implements ccid.App.
func (a *App) Select(*ccid.APDU) ([]byte, error) {
	return nil, nil
}

// Deselect implements ccid.App.
func (a *App) Deselect() {
	a.session.Abort()
}

// Call implements ccid.App.
func (a *App) Call(apdu *ccid.APDU) ([]byte, error) {
	resp, err := a.handle(apdu)
	return a.session.Finish(resp, err, ccid.ErrPending)
}

func objectPath(tag uint16) string {
	return fmt.Sprintf("objects/%04x", tag)
}

func objectLabel(tag uint16) string {
	return fmt.Sprintf("object %04x", tag)
}

func (a *App) handle(apdu *ccid.APDU) ([]byte, error) {
	tag := uint16(apdu.P1)<<8 | uint16(apdu.P2)
	switch apdu.INS {
	case InsPutData:
		return nil, a.put(tag, apdu.Data)
	case InsGetData:
		return a.get(tag)
	case InsDelete:
		_, err := a.session.Do(service.RemoveFile(store.Internal, objectPath(tag)))
		return nil, notFound(err)
	case InsList:
		return a.list()
	default:
		return nil, ccid.SWInsNotSupported
	}
}

func (a *App) put(tag uint16, data []byte) error {
	if len(data) == 0 || len(data) > MaxObjectSize {
		return errors.Wrapf(ccid.SWWrongLength, "object of %d bytes", len(data))
	}
	r, err := a.session.Do(service.Seal(objectLabel(tag), data))
	if err != nil {
		return err
	}
	if _, err := a.session.Do(service.WriteFile(store.Internal, objectPath(tag), r.Data)); err != nil {
		return err
	}
	pkg.LogDebug(pkg.ComponentApp, "object stored", "tag", tag, "length", len(data))
	return nil
}

func (a *App) get(tag uint16) ([]byte, error) {
	r, err := a.session.Do(service.ReadFile(store.Internal, objectPath(tag)))
	if err != nil {
		return nil, notFound(err)
	}
	r, err = a.session.Do(service.Open(objectLabel(tag), r.Data))
	if err != nil {
		return nil, err
	}
	return r.Data, nil
}

// list returns the stored tags, two bytes each.
func (a *App) list() ([]byte, error) {
	r, err := a.session.Do(service.ListFiles(store.Internal, "objects/"))
	if err != nil {
		return nil, err
	}
	var out []byte
	for _, p := range r.Paths {
		var tag uint16
		if _, err := fmt.Sscanf(p, "objects/%04x", &tag); err != nil {
			continue
		}
		out = append(out, byte(tag>>8), byte(tag))
	}
	return out, nil
}

func notFound(err error) error {
	if errors.Is(err, pkg.ErrNotFound) {
		return errors.WithSecondaryError(ccid.SWReferenceNotFound, err)
	}
	return err
}
