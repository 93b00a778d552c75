// Package service implements the single-writer service core.
//
// A [Service] owns the platform (store, user interface, entropy) and a
// registry of client endpoints. Applications hold a [Client]; a client
// places one [Request] at a time in its endpoint slot and notifies the
// service's signal channel. The [Driver] waits on that channel and runs
// [Service.Process] once per notification, so the service's state is only
// ever mutated from the driver goroutine. Replies are collected by the
// client with [Pending.Poll] on a later poll of its own loop.
//
// Operation failures are reported in [Reply.Err]; they never stop the
// driver.
package service
