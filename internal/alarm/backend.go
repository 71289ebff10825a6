package alarm

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"alarmd/internal/bridge"
	"alarmd/internal/eventbus"
	logx "alarmd/pkg/logx"
)

var _ bridge.Backend = (*Service)(nil)

// Register installs or replaces the registration for reg.Code.
// Replacement is atomic: the prior timer/cron entry is disarmed before the
// new one is visible, and the code's version is bumped so outstanding
// tickets and late timer callbacks from the old generation are ignored.
func (s *Service) Register(reg bridge.Registration) error {
	if reg.Repeating && reg.Interval <= 0 {
		return ErrNoInterval
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	replaced := false
	if prev, ok := s.entries[reg.Code]; ok {
		s.disarmLocked(prev)
		delete(s.entries, reg.Code)
		replaced = true
	}
	ver := s.vers[reg.Code] + 1
	s.vers[reg.Code] = ver
	e := &entry{reg: reg, version: ver}
	s.entries[reg.Code] = e
	if s.c != nil && s.stopDone == nil {
		s.armLocked(e)
	}
	s.mu.Unlock()

	it := itemFor(reg, reg.Start)
	evType := eventbus.TypeAlarmScheduled
	detail := ""
	if replaced {
		evType = eventbus.TypeAlarmReplaced
		detail = "replaced"
	}
	s.publish(evType, alarmData(it, detail))
	s.audit(evType, it, detail)
	s.log.Debug("alarm registered",
		logx.Int32("code", reg.Code),
		logx.Int64("handle", reg.Handle),
		logx.String("clock", reg.Clock.String()),
		logx.Bool("exact", reg.Exact),
		logx.Bool("repeating", reg.Repeating),
		logx.Bool("replaced", replaced),
	)
	return nil
}

// Lookup returns a ticket for the current generation of code.
func (s *Service) Lookup(code int32) (bridge.Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[code]
	if !ok {
		return bridge.Ticket{}, false
	}
	return bridge.Ticket{Code: code, Version: e.version}, true
}

// Cancel removes the registration the ticket refers to. A stale ticket
// (the code was since replaced or already removed) is a no-op.
func (s *Service) Cancel(t bridge.Ticket) error {
	s.mu.Lock()
	e, ok := s.entries[t.Code]
	if !ok || e.version != t.Version {
		s.mu.Unlock()
		return nil
	}
	s.disarmLocked(e)
	delete(s.entries, t.Code)
	reg := e.reg
	s.mu.Unlock()

	it := itemFor(reg, time.Now())
	s.publish(eventbus.TypeAlarmCanceled, alarmData(it, ""))
	s.audit(eventbus.TypeAlarmCanceled, it, "")
	s.log.Debug("alarm canceled", logx.Int32("code", t.Code), logx.Int64("handle", reg.Handle))
	return nil
}

// armLocked creates the cron entry or timer for e. Call with s.mu held and
// the engine running.
func (s *Service) armLocked(e *entry) {
	if s.c == nil {
		return
	}
	window := s.cfg.BatchWindow
	code, ver := e.reg.Code, e.version

	if e.reg.Repeating {
		e.sched = makeRepeatingSchedule(e.reg.Start, e.reg.Interval, e.reg.Exact, window)
		e.entryID = s.c.Schedule(e.sched, cron.FuncJob(func() { s.repeatFired(code, ver) }))
		return
	}

	fireAt := e.reg.Start
	if !e.reg.Exact {
		fireAt = roundUpToWindow(fireAt, window)
	}
	e.fireAt = fireAt
	delay := time.Until(fireAt)
	if delay < 0 {
		delay = 0
	}
	e.timer = time.AfterFunc(delay, func() { s.onceFired(code, ver) })
}

// disarmLocked stops e's timer or cron entry. Call with s.mu held.
func (s *Service) disarmLocked(e *entry) {
	if e.entryID != 0 && s.c != nil {
		s.c.Remove(e.entryID)
	}
	e.entryID = 0
	e.sched = nil
	if e.timer != nil {
		_ = e.timer.Stop()
		e.timer = nil
	}
}

// rearmAllLocked disarms and re-arms every entry (e.g. after a batch window
// change). Call with s.mu held and the engine running.
func (s *Service) rearmAllLocked() {
	if s.c == nil {
		return
	}
	for _, e := range s.entries {
		s.disarmLocked(e)
		s.armLocked(e)
	}
}

// repeatFired runs on the cron goroutine for each due tick of a repeating
// registration.
func (s *Service) repeatFired(code int32, ver uint64) {
	s.mu.Lock()
	e, ok := s.entries[code]
	if !ok || e.version != ver {
		// replaced or canceled since this tick was scheduled
		s.mu.Unlock()
		return
	}
	it := itemFor(e.reg, time.Now())
	if s.idle && !e.reg.AllowWhileIdle {
		first := !e.pendingIdle
		e.pendingIdle = true
		s.mu.Unlock()
		s.onFireDeferred(it, first)
		return
	}
	e.fires++
	s.mu.Unlock()
	s.enqueueFire(it)
}

// onceFired runs when a one-shot timer elapses. The registration is spent
// regardless of whether delivery ultimately succeeds.
func (s *Service) onceFired(code int32, ver uint64) {
	s.mu.Lock()
	e, ok := s.entries[code]
	if !ok || e.version != ver {
		s.mu.Unlock()
		return
	}
	e.timer = nil
	it := itemFor(e.reg, time.Now())
	if s.idle && !e.reg.AllowWhileIdle {
		first := !e.pendingIdle
		e.pendingIdle = true
		s.mu.Unlock()
		s.onFireDeferred(it, first)
		return
	}
	e.fires++
	delete(s.entries, code)
	s.mu.Unlock()
	s.enqueueFire(it)
}

func (s *Service) enqueueFire(it fireItem) {
	s.mu.Lock()
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if q == nil || stopCh == nil || stopping {
		s.onFireDropped(it, "engine-stopped")
		return
	}
	select {
	case q <- it:
	default:
		s.onFireDropped(it, "queue-full")
	}
}

func (s *Service) deliver(ctx context.Context, stopCh <-chan struct{}, queue chan fireItem) {
	for {
		// Fast-exit check so a closed stopCh wins over queued fires.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case it, ok := <-queue:
			if !ok {
				return
			}
			s.deliverOne(it)
		}
	}
}

func (s *Service) deliverOne(it fireItem) {
	s.mu.Lock()
	fn := s.fireFn
	s.mu.Unlock()
	if fn == nil {
		s.onFireDropped(it, "no-sink")
		return
	}

	fn(it.handle)

	atomic.AddUint64(&s.delivered, 1)
	s.recordHistory(FireRecord{At: it.at, Code: it.code, Handle: it.handle})
	s.publish(eventbus.TypeAlarmFired, alarmData(it, ""))
	s.audit(eventbus.TypeAlarmFired, it, "")
	s.log.Debug("alarm fired", logx.Int32("code", it.code), logx.Int64("handle", it.handle))
}

func (s *Service) onFireDeferred(it fireItem, first bool) {
	atomic.AddUint64(&s.deferred, 1)
	if !first {
		// coalesced: the pending flag is already set for this code
		return
	}
	s.publish(eventbus.TypeAlarmDeferred, alarmData(it, "idle"))
	s.audit(eventbus.TypeAlarmDeferred, it, "idle")
	s.log.Debug("alarm deferred until idle exit", logx.Int32("code", it.code), logx.Int64("handle", it.handle))
}

func (s *Service) onFireDropped(it fireItem, reason string) {
	atomic.AddUint64(&s.dropped, 1)
	s.publish(eventbus.TypeFireDropped, eventbus.DropData{Handle: it.handle, Reason: reason})
	s.audit(eventbus.TypeFireDropped, it, reason)
	s.recordHistory(FireRecord{At: it.at, Code: it.code, Handle: it.handle, Error: reason})

	now := time.Now()
	if !s.log.IsZero() && s.shouldWarn(&s.lastDropWarnAt, now) {
		s.log.Warn("alarm fire dropped",
			logx.Int32("code", it.code),
			logx.String("reason", reason),
			logx.Uint64("dropped", atomic.LoadUint64(&s.dropped)),
		)
	}
}

func (s *Service) recordHistory(r FireRecord) {
	s.mu.Lock()
	historySize := s.cfg.HistorySize
	s.mu.Unlock()
	if historySize <= 0 {
		historySize = 200
	}
	s.hmu.Lock()
	s.history = append(s.history, r)
	if len(s.history) > historySize {
		s.history = s.history[len(s.history)-historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) shouldWarn(last *int64, now time.Time) bool {
	prev := atomic.LoadInt64(last)
	n := now.UnixNano()
	if prev != 0 && (n-prev) < int64(warnThrottleEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(last, prev, n)
}

func itemFor(reg bridge.Registration, at time.Time) fireItem {
	return fireItem{
		at:     at,
		code:   reg.Code,
		handle: reg.Handle,
		clock:  reg.Clock,
		exact:  reg.Exact,
		repeat: reg.Repeating,
	}
}

func alarmData(it fireItem, detail string) eventbus.AlarmData {
	return eventbus.AlarmData{
		Code:      it.code,
		Handle:    it.handle,
		Clock:     it.clock.String(),
		Exact:     it.exact,
		Repeating: it.repeat,
		At:        it.at,
		Detail:    detail,
	}
}
