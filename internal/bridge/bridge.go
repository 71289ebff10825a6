package bridge

import (
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"alarmd/internal/eventbus"
	logx "alarmd/pkg/logx"
)

// Config carries the construction-time knobs of a Bridge.
type Config struct {
	Caps Caps

	// BundlePath locates the application code a background context runs.
	// Empty means bound contexts are never launched.
	BundlePath string
}

type Bridge struct {
	cfg Config

	backend  Backend
	resolver Resolver
	factory  Factory

	log logx.Logger
	bus eventbus.Bus

	// started flips once, NotStarted -> Started, and is read from the
	// firing path without holding mu.
	started atomic.Bool

	mu          sync.Mutex
	channel     Channel
	registrant  Registrant
	boundRef    ContextRef
	boundHandle int64

	delivered         atomic.Uint64
	droppedNotStarted atomic.Uint64
	droppedNoChannel  atomic.Uint64
}

func New(cfg Config, backend Backend, resolver Resolver, factory Factory, log logx.Logger, bus eventbus.Bus) *Bridge {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Bridge{
		cfg:      cfg,
		backend:  backend,
		resolver: resolver,
		factory:  factory,
		log:      log,
		bus:      bus,
	}
}

// Initialize marks the session started. Idempotent; there is no way back.
func (b *Bridge) Initialize() {
	if b.started.CompareAndSwap(false, true) {
		b.log.Info("session started")
		if b.bus != nil {
			b.bus.Publish(eventbus.Event{Type: eventbus.TypeSessionStarted})
		}
	}
}

// Started reports whether Initialize has run.
func (b *Bridge) Started() bool { return b.started.Load() }

// SetChannel installs the delivery channel for fired alarms. No validation;
// the last caller wins.
func (b *Bridge) SetChannel(ch Channel) {
	b.mu.Lock()
	b.channel = ch
	b.mu.Unlock()
}

// SetRegistrant installs the callback invoked when a background context
// launches. No validation; the last caller wins.
func (b *Bridge) SetRegistrant(r Registrant) {
	b.mu.Lock()
	b.registrant = r
	b.mu.Unlock()
}

// BindContext resolves handle to an entry point and binds a background
// context for it, launching the context when a bundle path is configured
// and the session has not started yet. Binding the same handle again is a
// no-op returning true. A different existing binding is preserved and
// reported as (false, ErrContextBound).
func (b *Bridge) BindContext(handle int64) (bool, error) {
	if b.resolver == nil {
		b.log.Error("no resolver configured", logx.Int64("handle", handle))
		return false, ErrUnresolvedHandle
	}
	ep, ok := b.resolver.Resolve(handle)
	if !ok {
		b.log.Error("callback handle does not resolve", logx.Int64("handle", handle))
		return false, ErrUnresolvedHandle
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.boundRef != nil {
		if b.boundHandle == handle {
			return true, nil
		}
		b.log.Warn("background context already bound; keeping it",
			logx.Int64("bound", b.boundHandle), logx.Int64("requested", handle))
		return false, ErrContextBound
	}

	ref, err := b.factory.Create(b.cfg.BundlePath, ep)
	if err != nil {
		b.log.Error("background context create failed", logx.Int64("handle", handle), logx.Err(err))
		return false, fmt.Errorf("create background context: %w", err)
	}

	b.boundRef = ref
	b.boundHandle = handle

	// The binding itself is unconditional. Launch is gated: a started
	// session already has a live context behind it, and with no bundle
	// path there is nothing to run.
	switch {
	case b.started.Load():
	case strings.TrimSpace(b.cfg.BundlePath) == "":
		b.log.Warn("background context bound without launch: no bundle path configured",
			logx.Int64("handle", handle))
	default:
		if err := b.factory.Launch(ref); err != nil {
			b.boundRef = nil
			b.boundHandle = 0
			b.log.Error("background context launch failed", logx.Int64("handle", handle), logx.Err(err))
			return false, fmt.Errorf("launch background context: %w", err)
		}
		if b.registrant != nil {
			b.registrant.RegisterWith(ref.Handlers())
		}
	}

	b.log.Info("background context bound",
		logx.String("ctx", ref.ID()), logx.Int64("handle", handle), logx.String("entry", ep.Name))
	if b.bus != nil {
		b.bus.Publish(eventbus.Event{
			Type: eventbus.TypeContextBound,
			Data: eventbus.ContextData{ID: ref.ID(), Handle: handle, Entry: ep.Name},
		})
	}
	return true, nil
}

// Schedule registers an alarm. It never fails to the caller: backend
// trouble is logged and swallowed. Re-using a code replaces the previous
// registration.
func (b *Bridge) Schedule(req Request) {
	reg := b.plan(req)
	if b.backend == nil {
		b.log.Error("schedule dropped", logx.Int32("code", req.Code), logx.Err(ErrBackendUnavailable))
		return
	}
	if err := b.backend.Register(reg); err != nil {
		b.log.Error("alarm registration failed", logx.Int32("code", req.Code), logx.Err(err))
		return
	}
	b.log.Debug("alarm scheduled",
		logx.Int32("code", reg.Code),
		logx.Int64("handle", reg.Handle),
		logx.String("clock", reg.Clock.String()),
		logx.Bool("exact", reg.Exact),
		logx.Bool("repeating", reg.Repeating),
		logx.Bool("allow_idle", reg.AllowWhileIdle),
		logx.Time("start", reg.Start))
}

// plan maps a request onto a concrete registration. This is the whole
// dispatch decision: clock from the wakeup flag, idle allowance only for
// one-shot alarms and only when the backend supports it.
func (b *Bridge) plan(req Request) Registration {
	clock := ClockWall
	if req.Wakeup {
		clock = ClockWallWakeup
	}
	var interval time.Duration
	if req.Repeating {
		interval = time.Duration(req.IntervalMillis) * time.Millisecond
	}
	return Registration{
		Code:           req.Code,
		Handle:         req.Handle,
		Clock:          clock,
		Start:          time.UnixMilli(req.StartMillis),
		Interval:       interval,
		Exact:          req.Exact,
		Repeating:      req.Repeating,
		AllowWhileIdle: b.cfg.Caps.AllowWhileIdle && !req.Repeating,
	}
}

// Cancel removes the registration under code, if any. Looking up a code
// never creates anything; a missing registration is a logged no-op.
func (b *Bridge) Cancel(code int32) {
	if b.backend == nil {
		b.log.Warn("cancel ignored", logx.Int32("code", code), logx.Err(ErrBackendUnavailable))
		return
	}
	t, ok := b.backend.Lookup(code)
	if !ok {
		b.log.Debug("cancel: no registration", logx.Int32("code", code))
		return
	}
	if err := b.backend.Cancel(t); err != nil {
		b.log.Error("alarm cancel failed", logx.Int32("code", code), logx.Err(err))
		return
	}
	b.log.Debug("alarm canceled", logx.Int32("code", code))
}

// HandleFire delivers a fired alarm to the channel as a one-way invocation
// carrying only the callback handle. It never panics and never returns an
// error; a fire that cannot be delivered is dropped, logged and counted.
func (b *Bridge) HandleFire(handle int64) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("panic in fire delivery",
				logx.Int64("handle", handle), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	if !b.started.Load() {
		b.droppedNotStarted.Add(1)
		b.log.Warn("alarm fired before session start; dropped", logx.Int64("handle", handle))
		b.publishDrop(handle, "not-started")
		return
	}

	b.mu.Lock()
	ch := b.channel
	b.mu.Unlock()

	if ch == nil {
		b.droppedNoChannel.Add(1)
		b.log.Error("no message channel; fired alarm dropped", logx.Int64("handle", handle))
		b.publishDrop(handle, "no-channel")
		return
	}

	ch.InvokeOneWay("", []any{handle})
	b.delivered.Add(1)
}

func (b *Bridge) publishDrop(handle int64, reason string) {
	if b.bus == nil {
		return
	}
	b.bus.Publish(eventbus.Event{
		Type: eventbus.TypeFireDropped,
		Data: eventbus.DropData{Handle: handle, Reason: reason},
	})
}

// Stats returns a diagnostic snapshot.
func (b *Bridge) Stats() Stats {
	st := Stats{
		Started:           b.started.Load(),
		Delivered:         b.delivered.Load(),
		DroppedNotStarted: b.droppedNotStarted.Load(),
		DroppedNoChannel:  b.droppedNoChannel.Load(),
	}
	b.mu.Lock()
	if b.boundRef != nil {
		st.Bound = true
		st.BoundHandle = b.boundHandle
		st.ContextID = b.boundRef.ID()
	}
	b.mu.Unlock()
	return st
}
