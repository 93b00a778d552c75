package runner

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/ardnew/softkey/ccid"
	"github.com/ardnew/softkey/ctaphid"
	"github.com/ardnew/softkey/service"
	"github.com/ardnew/softkey/signal"
)

// ErrNoCapability is returned for an app that implements no protocol.
var ErrNoCapability = errors.New("app implements no protocol")

// Registry holds the apps of each protocol in dispatch order.
type Registry struct {
	CTAPHID []ctaphid.App
	CCID    []ccid.App
}

// NewRegistry partitions apps by the protocol interfaces they implement.
// An app implementing both is registered with both.
func NewRegistry(apps ...any) (*Registry, error) {
	r := &Registry{}
	for _, app := range apps {
		h, isHID := app.(ctaphid.App)
		c, isCard := app.(ccid.App)
		if !isHID && !isCard {
			return nil, errors.Wrapf(ErrNoCapability, "%T", app)
		}
		if isHID {
			r.CTAPHID = append(r.CTAPHID, h)
		}
		if isCard {
			r.CCID = append(r.CCID, c)
		}
	}
	return r, nil
}

// String summarizes the registry.
func (r *Registry) String() string {
	return fmt.Sprintf("ctaphid=%d ccid=%d", len(r.CTAPHID), len(r.CCID))
}

// ClientBuilder creates service clients for apps during startup.
type ClientBuilder struct {
	svc *service.Service
	tx  *signal.Sender
}

// Build registers an endpoint for id and returns its client.
func (b *ClientBuilder) Build(id string, backends ...service.Backend) (*service.Client, error) {
	c, err := b.svc.NewClient(id, b.tx.Clone(), backends...)
	if err != nil {
		return nil, errors.Wrapf(err, "build client %q", id)
	}
	return c, nil
}
