package bridge

import (
	"context"
	"time"
)

// Clock selects the time base an alarm is registered against.
type Clock uint8

const (
	// ClockWall fires only while the host is awake.
	ClockWall Clock = iota
	// ClockWallWakeup wakes the host to deliver.
	ClockWallWakeup
)

func (c Clock) String() string {
	if c == ClockWallWakeup {
		return "wall-wakeup"
	}
	return "wall"
}

// Request is an application-side scheduling request. Times are epoch
// milliseconds and the interval is milliseconds; both cross process
// boundaries unconverted, so they stay integral here.
type Request struct {
	Code           int32 `json:"code"`
	Repeating      bool  `json:"repeating"`
	Exact          bool  `json:"exact"`
	Wakeup         bool  `json:"wakeup"`
	StartMillis    int64 `json:"start_millis"`
	IntervalMillis int64 `json:"interval_millis"`
	Handle         int64 `json:"handle"`
}

// Registration is the backend-facing form of a request: the dispatch
// decision (clock, exactness, idle allowance) is already baked in.
type Registration struct {
	Code           int32
	Handle         int64
	Clock          Clock
	Start          time.Time
	Interval       time.Duration
	Exact          bool
	Repeating      bool
	AllowWhileIdle bool
}

// Ticket identifies one concrete registration generation. Cancel with a
// stale ticket (the code was re-registered since Lookup) is a no-op.
type Ticket struct {
	Code    int32
	Version uint64
}

// Backend is the host alarm service. Register replaces any existing
// registration with the same code.
type Backend interface {
	Register(reg Registration) error
	Lookup(code int32) (Ticket, bool)
	Cancel(t Ticket) error
}

// EntryFunc runs inside a background execution context.
type EntryFunc func(ctx context.Context, env Env) error

// EntryPoint is a resolved callback-handle target.
type EntryPoint struct {
	Handle  int64
	Name    string
	Library string
	Run     EntryFunc
}

// Resolver maps opaque 64-bit callback handles to entry points.
type Resolver interface {
	Resolve(handle int64) (EntryPoint, bool)
}

// Invocation is a one-way message delivered into a context.
type Invocation struct {
	Method string
	Args   []any
}

// Env is what a running entry point sees of its host context.
type Env interface {
	Invocations() <-chan Invocation
	Handlers() HandlerRegistry
	Resolve(handle int64) (EntryPoint, bool)
}

// HandlerFunc handles a named one-way invocation inside a context.
type HandlerFunc func(ctx context.Context, args []any) error

// HandlerRegistry collects named invocation handlers for a context.
type HandlerRegistry interface {
	Handle(method string, h HandlerFunc)
}

// ContextRef is an opaque reference to a created background context.
type ContextRef interface {
	ID() string
	Handlers() HandlerRegistry
}

// Factory creates and launches background execution contexts.
type Factory interface {
	Create(bundlePath string, ep EntryPoint) (ContextRef, error)
	Launch(ref ContextRef) error
}

// Registrant is invoked once after a context launches so the embedder can
// attach additional invocation handlers.
type Registrant interface {
	RegisterWith(reg HandlerRegistry)
}

// RegistrantFunc adapts a plain function to Registrant.
type RegistrantFunc func(reg HandlerRegistry)

func (f RegistrantFunc) RegisterWith(reg HandlerRegistry) { f(reg) }

// Channel delivers one-way invocations toward the application runtime.
// An empty method selects the channel's default route (fired alarms).
type Channel interface {
	InvokeOneWay(method string, args []any)
}

// Caps describes what the host alarm backend supports. Probed once at
// startup and injected; never consulted dynamically.
type Caps struct {
	AllowWhileIdle bool
}

// Stats is a point-in-time view of the bridge for diagnostics.
type Stats struct {
	Started           bool   `json:"started"`
	Bound             bool   `json:"bound"`
	BoundHandle       int64  `json:"bound_handle,omitempty"`
	ContextID         string `json:"context_id,omitempty"`
	Delivered         uint64 `json:"delivered"`
	DroppedNotStarted uint64 `json:"dropped_not_started"`
	DroppedNoChannel  uint64 `json:"dropped_no_channel"`
}
