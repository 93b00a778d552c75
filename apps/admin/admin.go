// Package admin implements device management over both CTAPHID vendor
// commands and a CCID application: version and UUID queries, wink and
// reboot.
package admin

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/ardnew/softkey/apps"
	"github.com/ardnew/softkey/ccid"
	"github.com/ardnew/softkey/ctaphid"
	"github.com/ardnew/softkey/pkg"
	"github.com/ardnew/softkey/service"
	"github.com/ardnew/softkey/store"
)

// CTAPHID commands.
const (
	CmdReboot  ctaphid.Command = 0x53
	CmdVersion ctaphid.Command = 0x61
	CmdUUID    ctaphid.Command = 0x62
	CmdLocked  ctaphid.Command = 0x63
)

// APDU instructions of the CCID application.
const (
	InsReboot  = 0x53
	InsVersion = 0x61
	InsUUID    = 0x62
)

// AID is the application identifier of the CCID application.
var AID = []byte{0xA0, 0x00, 0x00, 0x08, 0x47, 0x00, 0x00, 0x00, 0x01}

// WinkDuration is how long WINK draws attention to the device.
const WinkDuration = time.Second

const uuidPath = "uuid"

// ErrCorruptUUID is returned when the stored UUID has the wrong size.
var ErrCorruptUUID = errors.New("admin: stored uuid is corrupt")

// App is the admin app. Its two protocol faces share the device state and
// the service endpoint.
type App struct {
	version uint32
	id      []byte

	hid  *HID
	card *Card
}

// HID is the CTAPHID face of the admin app.
type HID struct {
	app     *App
	session *apps.Session
}

// Card is the CCID face of the admin app.
type Card struct {
	app     *App
	session *apps.Session
}

var (
	_ ctaphid.App = (*HID)(nil)
	_ ccid.App    = (*Card)(nil)
)

// New returns an app reporting version and issuing requests through
// client.
func New(client *service.Client, version uint32) *App {
	a := &App{version: version}
	a.hid = &HID{app: a, session: apps.NewSession(client)}
	a.card = &Card{app: a, session: apps.NewSession(client.Clone())}
	return a
}

// HID returns the CTAPHID face.
func (a *App) HID() *HID { return a.hid }

// Card returns the CCID face.
func (a *App) Card() *Card { return a.card }

// Commands implements ctaphid.App.
func (h *HID) Commands() []ctaphid.Command {
	return []ctaphid.Command{ctaphid.CmdWink, CmdReboot, CmdVersion, CmdUUID, CmdLocked}
}

// Call implements ctaphid.App.
func (h *HID) Call(cmd ctaphid.Command, req []byte) ([]byte, error) {
	var (
		resp []byte
		err  error
	)
	switch cmd {
	case ctaphid.CmdWink:
		_, err = h.session.Do(service.Wink(WinkDuration))
	case CmdReboot:
		err = h.app.reboot(h.session, len(req) > 0 && req[0] == 1)
	case CmdVersion:
		resp = h.app.versionBytes()
	case CmdUUID:
		resp, err = h.app.uuid(h.session)
	case CmdLocked:
		resp = []byte{0}
	default:
		err = ctaphid.ErrorInvalidCommand
	}
	return h.session.Finish(resp, err, ctaphid.ErrPending)
}

// AID implements ccid.App.
func (c *Card) AID() []byte { return AID }

// Select implements ccid.App.
func (c *Card) Select(*ccid.APDU) ([]byte, error) {
	return nil, nil
}

// Deselect implements ccid.App.
func (c *Card) Deselect() {
	c.session.Abort()
}

// Call implements ccid.App.
func (c *Card) Call(apdu *ccid.APDU) ([]byte, error) {
	var (
		resp []byte
		err  error
	)
	switch apdu.INS {
	case InsVersion:
		resp = c.app.versionBytes()
	case InsUUID:
		resp, err = c.app.uuid(c.session)
	case InsReboot:
		err = c.app.reboot(c.session, apdu.P1 == 1)
	default:
		err = ccid.SWInsNotSupported
	}
	return c.session.Finish(resp, err, ccid.ErrPending)
}

func (a *App) versionBytes() []byte {
	return binary.BigEndian.AppendUint32(nil, a.version)
}

func (a *App) reboot(s *apps.Session, bootloader bool) error {
	target := service.RebootApplication
	if bootloader {
		target = service.RebootBootloader
	}
	_, err := s.Do(service.Reboot(target))
	return err
}

// uuid returns the device UUID, generating and persisting it on first use.
func (a *App) uuid(s *apps.Session) ([]byte, error) {
	if a.id != nil {
		return a.id, nil
	}
	r, err := s.Do(service.ReadFile(store.Internal, uuidPath))
	switch {
	case err == nil && len(r.Data) != 16:
		return nil, errors.Wrapf(ErrCorruptUUID, "%d bytes", len(r.Data))
	case err == nil:
		a.id = r.Data
		return a.id, nil
	case !errors.Is(err, pkg.ErrNotFound):
		return nil, err
	}

	r, err = s.Do(service.RandomBytes(16))
	if err != nil {
		return nil, err
	}
	id, err := uuid.NewRandomFromReader(bytes.NewReader(r.Data))
	if err != nil {
		return nil, errors.Wrap(err, "generate uuid")
	}
	if _, err := s.Do(service.WriteFile(store.Internal, uuidPath, id[:])); err != nil {
		return nil, err
	}
	pkg.LogInfo(pkg.ComponentApp, "generated device uuid", "uuid", id.String())
	a.id = id[:]
	return a.id, nil
}
