// Package bridge connects application-facing alarm calls to the host alarm
// backend and relays fired alarms back into a background execution context.
//
// A Bridge is an explicit session object: the host constructs one, wires its
// collaborators (backend, resolver, context factory) and owns its lifetime.
// Setup calls (SetChannel, SetRegistrant, BindContext) are expected to be
// serialized by the caller; only the started flag is touched from the firing
// path, which may run on any goroutine.
//
// The firing path never fails upward: every failure is logged, counted and
// swallowed so a misbehaving callback or a missing channel cannot take the
// delivery loop down.
package bridge
