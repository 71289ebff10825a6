package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"alarmd/internal/eventbus"
	logx "alarmd/pkg/logx"
)

// ---- stub collaborators ----

type stubBackend struct {
	mu       sync.Mutex
	regs     []Registration
	tickets  map[int32]Ticket
	canceled []Ticket

	registerErr error
	cancelErr   error
}

func newStubBackend() *stubBackend {
	return &stubBackend{tickets: map[int32]Ticket{}}
}

func (s *stubBackend) Register(reg Registration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.registerErr != nil {
		return s.registerErr
	}
	s.regs = append(s.regs, reg)
	t := s.tickets[reg.Code]
	t.Code = reg.Code
	t.Version++
	s.tickets[reg.Code] = t
	return nil
}

func (s *stubBackend) Lookup(code int32) (Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[code]
	return t, ok
}

func (s *stubBackend) Cancel(t Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelErr != nil {
		return s.cancelErr
	}
	s.canceled = append(s.canceled, t)
	delete(s.tickets, t.Code)
	return nil
}

func (s *stubBackend) last() (Registration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.regs) == 0 {
		return Registration{}, false
	}
	return s.regs[len(s.regs)-1], true
}

type stubResolver struct {
	eps map[int64]EntryPoint
}

func (s *stubResolver) Resolve(handle int64) (EntryPoint, bool) {
	ep, ok := s.eps[handle]
	return ep, ok
}

type stubRegistry struct {
	mu       sync.Mutex
	handlers map[string]HandlerFunc
}

func (r *stubRegistry) Handle(method string, h HandlerFunc) {
	r.mu.Lock()
	if r.handlers == nil {
		r.handlers = map[string]HandlerFunc{}
	}
	r.handlers[method] = h
	r.mu.Unlock()
}

type stubRef struct {
	id  string
	reg *stubRegistry
}

func (r *stubRef) ID() string                { return r.id }
func (r *stubRef) Handlers() HandlerRegistry { return r.reg }

type stubFactory struct {
	mu        sync.Mutex
	created   []EntryPoint
	launched  []string
	createErr error
	launchErr error
}

func (f *stubFactory) Create(bundlePath string, ep EntryPoint) (ContextRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.created = append(f.created, ep)
	return &stubRef{id: "ctx-" + ep.Name, reg: &stubRegistry{}}, nil
}

func (f *stubFactory) Launch(ref ContextRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return f.launchErr
	}
	f.launched = append(f.launched, ref.ID())
	return nil
}

type recordingChannel struct {
	mu    sync.Mutex
	calls []Invocation
}

func (c *recordingChannel) InvokeOneWay(method string, args []any) {
	c.mu.Lock()
	c.calls = append(c.calls, Invocation{Method: method, Args: args})
	c.mu.Unlock()
}

func (c *recordingChannel) snapshot() []Invocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Invocation(nil), c.calls...)
}

type panickyChannel struct{}

func (panickyChannel) InvokeOneWay(string, []any) { panic("channel gone") }

func entry(name string) EntryPoint {
	return EntryPoint{
		Handle:  int64(len(name)),
		Name:    name,
		Library: "app/main",
		Run:     func(ctx context.Context, env Env) error { return nil },
	}
}

func newTestBridge(cfg Config, be Backend) (*Bridge, *stubFactory) {
	f := &stubFactory{}
	res := &stubResolver{eps: map[int64]EntryPoint{
		100: entry("dispatcher"),
		200: entry("other"),
	}}
	if cfg.BundlePath == "" {
		cfg.BundlePath = "/srv/app/bundle"
	}
	return New(cfg, be, res, f, logx.Nop(), nil), f
}

// ---- tests ----

func TestInitializeIsIdempotent(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	b := New(Config{BundlePath: "/srv/app"}, newStubBackend(), &stubResolver{}, &stubFactory{}, logx.Nop(), bus)
	if b.Started() {
		t.Fatal("fresh bridge must not be started")
	}
	b.Initialize()
	b.Initialize()
	b.Initialize()
	if !b.Started() {
		t.Fatal("bridge must be started after Initialize")
	}

	events := 0
drain:
	for {
		select {
		case evt := <-ch:
			if evt.Type == eventbus.TypeSessionStarted {
				events++
			}
		case <-time.After(100 * time.Millisecond):
			break drain
		}
	}
	if events != 1 {
		t.Fatalf("session.started published %d times, want 1", events)
	}
}

func TestScheduleDispatchTable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		exact     bool
		repeating bool
		wakeup    bool
		allowIdle bool

		wantClock Clock
		wantIdle  bool
	}{
		{name: "exact repeating wakeup", exact: true, repeating: true, wakeup: true, allowIdle: true, wantClock: ClockWallWakeup, wantIdle: false},
		{name: "exact repeating", exact: true, repeating: true, allowIdle: true, wantClock: ClockWall, wantIdle: false},
		{name: "exact oneshot wakeup", exact: true, wakeup: true, allowIdle: true, wantClock: ClockWallWakeup, wantIdle: true},
		{name: "exact oneshot without idle cap", exact: true, wakeup: true, wantClock: ClockWallWakeup, wantIdle: false},
		{name: "inexact repeating wakeup", repeating: true, wakeup: true, allowIdle: true, wantClock: ClockWallWakeup, wantIdle: false},
		{name: "inexact repeating", repeating: true, allowIdle: true, wantClock: ClockWall, wantIdle: false},
		{name: "inexact oneshot", allowIdle: true, wantClock: ClockWall, wantIdle: true},
		{name: "inexact oneshot without idle cap", wantClock: ClockWall, wantIdle: false},
	}

	start := time.Now().Add(time.Minute).UnixMilli()
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			be := newStubBackend()
			b, _ := newTestBridge(Config{Caps: Caps{AllowWhileIdle: tt.allowIdle}}, be)

			b.Schedule(Request{
				Code:           7,
				Repeating:      tt.repeating,
				Exact:          tt.exact,
				Wakeup:         tt.wakeup,
				StartMillis:    start,
				IntervalMillis: 60_000,
				Handle:         42,
			})

			reg, ok := be.last()
			if !ok {
				t.Fatal("backend saw no registration")
			}
			if reg.Clock != tt.wantClock {
				t.Fatalf("clock = %s, want %s", reg.Clock, tt.wantClock)
			}
			if reg.Exact != tt.exact || reg.Repeating != tt.repeating {
				t.Fatalf("flags not preserved: %+v", reg)
			}
			if reg.AllowWhileIdle != tt.wantIdle {
				t.Fatalf("allow_idle = %v, want %v", reg.AllowWhileIdle, tt.wantIdle)
			}
			if tt.repeating && reg.Interval != time.Minute {
				t.Fatalf("interval = %v, want 1m", reg.Interval)
			}
			if !tt.repeating && reg.Interval != 0 {
				t.Fatalf("one-shot interval = %v, want 0", reg.Interval)
			}
			if reg.Start.UnixMilli() != start {
				t.Fatalf("start = %v", reg.Start)
			}
			if reg.Code != 7 || reg.Handle != 42 {
				t.Fatalf("identity not preserved: %+v", reg)
			}
		})
	}
}

func TestScheduleSameCodeForwardsReplacement(t *testing.T) {
	t.Parallel()
	be := newStubBackend()
	b, _ := newTestBridge(Config{}, be)

	b.Schedule(Request{Code: 9, StartMillis: 1000, Handle: 1})
	b.Schedule(Request{Code: 9, StartMillis: 2000, Handle: 2, Repeating: true, IntervalMillis: 5000})

	if len(be.regs) != 2 {
		t.Fatalf("backend Register calls = %d, want 2", len(be.regs))
	}
	last, _ := be.last()
	if last.Handle != 2 || !last.Repeating || last.Interval != 5*time.Second {
		t.Fatalf("second registration did not carry new params: %+v", last)
	}
	// The ticket version advanced, so the backend treated it as a replacement.
	tk, ok := be.Lookup(9)
	if !ok || tk.Version != 2 {
		t.Fatalf("ticket = %+v, ok=%v", tk, ok)
	}
}

func TestScheduleSurvivesBackendTrouble(t *testing.T) {
	t.Parallel()
	// Missing backend: logged, swallowed.
	b, _ := newTestBridge(Config{}, nil)
	b.Schedule(Request{Code: 1})

	// Failing backend: logged, swallowed.
	be := newStubBackend()
	be.registerErr = errors.New("alarm service rejected")
	b2, _ := newTestBridge(Config{}, be)
	b2.Schedule(Request{Code: 2})
}

func TestCancelWithoutRegistrationIsNoop(t *testing.T) {
	t.Parallel()
	be := newStubBackend()
	b, _ := newTestBridge(Config{}, be)

	b.Cancel(404)
	if len(be.canceled) != 0 {
		t.Fatalf("cancel reached backend for unknown code: %+v", be.canceled)
	}

	// And with no backend at all.
	b2, _ := newTestBridge(Config{}, nil)
	b2.Cancel(404)
}

func TestCancelRemovesRegistration(t *testing.T) {
	t.Parallel()
	be := newStubBackend()
	b, _ := newTestBridge(Config{}, be)

	b.Schedule(Request{Code: 5, Handle: 11})
	b.Cancel(5)

	if len(be.canceled) != 1 || be.canceled[0].Code != 5 {
		t.Fatalf("canceled = %+v", be.canceled)
	}
	if _, ok := be.Lookup(5); ok {
		t.Fatal("registration still present after cancel")
	}
}

func TestFireBeforeStartIsDropped(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	ch := &recordingChannel{}
	b := New(Config{}, newStubBackend(), &stubResolver{}, &stubFactory{}, logx.Nop(), bus)
	b.SetChannel(ch)

	b.HandleFire(42)

	if got := ch.snapshot(); len(got) != 0 {
		t.Fatalf("channel invoked before session start: %+v", got)
	}
	st := b.Stats()
	if st.DroppedNotStarted != 1 || st.Delivered != 0 {
		t.Fatalf("stats = %+v", st)
	}
	select {
	case evt := <-events:
		if evt.Type != eventbus.TypeFireDropped {
			t.Fatalf("event type = %s", evt.Type)
		}
		data := evt.Data.(eventbus.DropData)
		if data.Handle != 42 || data.Reason != "not-started" {
			t.Fatalf("drop payload = %+v", data)
		}
	case <-time.After(time.Second):
		t.Fatal("no drop event published")
	}
}

func TestFireWithoutChannelIsDropped(t *testing.T) {
	t.Parallel()
	b, _ := newTestBridge(Config{}, newStubBackend())
	b.Initialize()

	b.HandleFire(42)

	st := b.Stats()
	if st.DroppedNoChannel != 1 || st.Delivered != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestFireRelaysHandleOnDefaultRoute(t *testing.T) {
	t.Parallel()
	ch := &recordingChannel{}
	b, _ := newTestBridge(Config{}, newStubBackend())
	b.SetChannel(ch)
	b.Initialize()

	b.HandleFire(42)

	got := ch.snapshot()
	if len(got) != 1 {
		t.Fatalf("channel invocations = %d, want 1", len(got))
	}
	if got[0].Method != "" {
		t.Fatalf("method = %q, want default route", got[0].Method)
	}
	if len(got[0].Args) != 1 || got[0].Args[0] != int64(42) {
		t.Fatalf("args = %+v, want [42]", got[0].Args)
	}
	if st := b.Stats(); st.Delivered != 1 {
		t.Fatalf("delivered = %d", st.Delivered)
	}
}

func TestFireNeverPanics(t *testing.T) {
	t.Parallel()
	b, _ := newTestBridge(Config{}, newStubBackend())
	b.SetChannel(panickyChannel{})
	b.Initialize()

	// Must not propagate the channel panic.
	b.HandleFire(42)
}

func TestBindContextRejectsSecondHandle(t *testing.T) {
	t.Parallel()
	b, f := newTestBridge(Config{}, newStubBackend())

	ok, err := b.BindContext(100)
	if err != nil || !ok {
		t.Fatalf("first bind: ok=%v err=%v", ok, err)
	}
	if len(f.launched) != 1 {
		t.Fatalf("launched = %v", f.launched)
	}

	ok, err = b.BindContext(200)
	if ok || !errors.Is(err, ErrContextBound) {
		t.Fatalf("second bind: ok=%v err=%v", ok, err)
	}

	// The original binding survives; rebinding it stays a cheap no-op.
	ok, err = b.BindContext(100)
	if err != nil || !ok {
		t.Fatalf("rebind: ok=%v err=%v", ok, err)
	}
	if len(f.created) != 1 || len(f.launched) != 1 {
		t.Fatalf("factory touched again: created=%d launched=%d", len(f.created), len(f.launched))
	}
	st := b.Stats()
	if !st.Bound || st.BoundHandle != 100 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestBindContextUnresolvableHandle(t *testing.T) {
	t.Parallel()
	b, f := newTestBridge(Config{}, newStubBackend())

	ok, err := b.BindContext(999)
	if ok || !errors.Is(err, ErrUnresolvedHandle) {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if len(f.created) != 0 {
		t.Fatal("factory must not run for an unresolved handle")
	}
	if st := b.Stats(); st.Bound {
		t.Fatal("nothing should be bound")
	}
}

func TestBindContextWithoutBundlePathSkipsLaunch(t *testing.T) {
	t.Parallel()
	f := &stubFactory{}
	res := &stubResolver{eps: map[int64]EntryPoint{
		100: entry("dispatcher"),
		200: entry("other"),
	}}
	b := New(Config{BundlePath: "  "}, newStubBackend(), res, f, logx.Nop(), nil)

	var registered bool
	b.SetRegistrant(RegistrantFunc(func(HandlerRegistry) { registered = true }))

	if ok, err := b.BindContext(100); !ok || err != nil {
		t.Fatalf("bind: ok=%v err=%v", ok, err)
	}
	if len(f.created) != 1 {
		t.Fatalf("created = %d, want 1", len(f.created))
	}
	if len(f.launched) != 0 {
		t.Fatalf("launched = %v, want none without a bundle path", f.launched)
	}
	if registered {
		t.Fatal("registrant ran without a launch")
	}

	// The binding took: first-bind-wins still applies.
	if ok, err := b.BindContext(100); !ok || err != nil {
		t.Fatalf("rebind same handle: ok=%v err=%v", ok, err)
	}
	if ok, err := b.BindContext(200); ok || !errors.Is(err, ErrContextBound) {
		t.Fatalf("bind other handle: ok=%v err=%v", ok, err)
	}
}

func TestBindContextInvokesRegistrant(t *testing.T) {
	t.Parallel()
	b, _ := newTestBridge(Config{}, newStubBackend())

	var got HandlerRegistry
	b.SetRegistrant(RegistrantFunc(func(reg HandlerRegistry) { got = reg }))

	if ok, err := b.BindContext(100); !ok || err != nil {
		t.Fatalf("bind: ok=%v err=%v", ok, err)
	}
	if got == nil {
		t.Fatal("registrant was not invoked with the context registry")
	}
}

func TestBindContextSkipsLaunchWhenStarted(t *testing.T) {
	t.Parallel()
	b, f := newTestBridge(Config{}, newStubBackend())
	b.Initialize()

	if ok, err := b.BindContext(100); !ok || err != nil {
		t.Fatalf("bind: ok=%v err=%v", ok, err)
	}
	if len(f.created) != 1 {
		t.Fatalf("created = %d, want 1", len(f.created))
	}
	if len(f.launched) != 0 {
		t.Fatalf("launched = %v, want none for a started session", f.launched)
	}
}
