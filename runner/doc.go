// Package runner wires the simulated device together and runs it.
//
// [Runner.Exec] builds the platform (store and user interface), the
// virtual USB bus with its protocol classes, the service core and the
// applications, then runs three loops until the context is cancelled:
//
//   - transport: polls the bus every PollInterval and drives the keepalive
//     and time extension trackers of the protocol classes
//   - driver: waits on the signal channel and runs one service processing
//     pass per notification
//   - dispatch: polls the protocol dispatchers every PollInterval, which
//     route commands to the applications
//
// The loops share state only through the signal channel and the
// interchange slots. A reboot request from an application terminates the
// process through the configured exit function.
package runner
