package runner

import (
	"sync/atomic"
	"time"

	"github.com/ardnew/softkey/pkg"
	"github.com/ardnew/softkey/service"
)

// RebootExitCode is the process exit status of a simulated reboot.
const RebootExitCode = 25

// Presence records whether the device is waiting for the user. The
// transport loop reads it once per tick and reports it in keepalives.
type Presence struct {
	waiting atomic.Bool
}

// Set marks the start or end of a presence check.
func (p *Presence) Set(waiting bool) {
	p.waiting.Store(waiting)
}

// Waiting reports whether a presence check is in progress.
func (p *Presence) Waiting() bool {
	return p.waiting.Load()
}

// simulatedUI confirms every presence check immediately and turns reboots
// into process exits.
type simulatedUI struct {
	presence *Presence
	started  time.Time
	exit     func(code int)
}

var _ service.UserInterface = (*simulatedUI)(nil)

func (u *simulatedUI) CheckUserPresence() service.Consent {
	pkg.LogInfo(pkg.ComponentRunner, "user presence confirmed automatically")
	return service.ConsentNormal
}

func (u *simulatedUI) SetStatus(s service.Status) {
	u.presence.Set(s == service.StatusWaitingForUserPresence)
	pkg.LogDebug(pkg.ComponentRunner, "status", "status", s.String())
}

func (u *simulatedUI) Uptime() time.Duration {
	return time.Since(u.started)
}

func (u *simulatedUI) Wink(d time.Duration) {
	pkg.LogInfo(pkg.ComponentRunner, "wink", "duration", d)
}

func (u *simulatedUI) Reboot(target service.RebootTarget) {
	pkg.LogInfo(pkg.ComponentRunner, "rebooting", "target", target.String())
	u.exit(RebootExitCode)
}
