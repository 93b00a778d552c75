// Package rng serves random bytes over a CTAPHID vendor command.
package rng

import (
	"github.com/ardnew/softkey/apps"
	"github.com/ardnew/softkey/ctaphid"
	"github.com/ardnew/softkey/service"
)

// CmdRandom returns ReplySize bytes from the platform's entropy source.
const CmdRandom ctaphid.Command = 0x60

// ReplySize fills the payload of one initialization packet.
const ReplySize = ctaphid.InitPayloadSize

// App is the random number app.
type App struct {
	session *apps.Session
}

var _ ctaphid.App = (*App)(nil)

// New returns an app issuing requests through client.
func New(client *service.Client) *App {
	return &App{session: apps.NewSession(client)}
}

// Commands implements ctaphid.App.
func (a *App) Commands() []ctaphid.Command {
	return []ctaphid.Command{CmdRandom}
}

// Call implements ctaphid.App.
func (a *App) Call(ctaphid.Command, []byte) ([]byte, error) {
	r, err := a.session.Do(service.RandomBytes(ReplySize))
	return a.session.Finish(r.Data, err, ctaphid.ErrPending)
}
