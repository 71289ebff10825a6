// Package alarm is the host-side alarm engine.
//
// It keeps the per-code registration table and turns registrations into
// timer wakeups:
//   - repeating registrations ride a cron runner on anchored fixed-rate
//     schedules (inexact ones rounded up to the batch window)
//   - one-shot registrations use time.AfterFunc with per-code versioning
//     so replaced or canceled timers are ignored when they run late
//
// Due fires pass through a bounded queue into a single delivery goroutine
// that calls the installed FireFunc. Delivery is at-most-once per tick:
// a full queue drops the fire (with accounting) rather than blocking the
// timer path.
package alarm
