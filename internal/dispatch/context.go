package dispatch

import (
	"sync"
	"sync/atomic"
	"time"

	"alarmd/internal/bridge"
	"alarmd/internal/eventbus"
	logx "alarmd/pkg/logx"
)

const dropWarnEvery = 5 * time.Second

var (
	_ bridge.ContextRef = (*Context)(nil)
	_ bridge.Env        = (*Context)(nil)
	_ bridge.Channel    = (*Channel)(nil)
)

// Context is one background execution slot. The queue and handler table
// belong to the Context, not to the entry function, so a restarted entry
// picks up where the previous run left off.
type Context struct {
	id     string
	bundle string
	entry  bridge.EntryPoint

	svc *Service
	log logx.Logger

	q        chan bridge.Invocation
	handlers *handlerSet

	mu       sync.Mutex
	closed   bool
	launched bool
	running  bool
	sendWG   sync.WaitGroup

	invoked atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64

	lastDropWarnAt int64

	hmu     sync.Mutex
	history []InvokeRecord
}

// ID implements bridge.ContextRef.
func (c *Context) ID() string { return c.id }

// Handlers implements bridge.ContextRef and bridge.Env.
func (c *Context) Handlers() bridge.HandlerRegistry { return c.handlers }

// Invocations implements bridge.Env.
func (c *Context) Invocations() <-chan bridge.Invocation { return c.q }

// Resolve implements bridge.Env.
func (c *Context) Resolve(handle int64) (bridge.EntryPoint, bool) {
	if c.svc == nil || c.svc.resolver == nil {
		return bridge.EntryPoint{}, false
	}
	return c.svc.resolver.Resolve(handle)
}

// enqueue delivers one invocation without blocking. The in-flight counter
// keeps close() from closing the queue under a concurrent sender.
func (c *Context) enqueue(inv bridge.Invocation) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.drop(inv, "context-stopped")
		return
	}
	c.sendWG.Add(1)
	q := c.q
	c.mu.Unlock()
	defer c.sendWG.Done()

	select {
	case q <- inv:
	default:
		c.drop(inv, "queue-full")
	}
}

func (c *Context) drop(inv bridge.Invocation, reason string) {
	c.dropped.Add(1)
	handle, _ := handleArg(inv.Args)
	c.record(InvokeRecord{At: time.Now(), Method: inv.Method, Handle: handle, Error: reason})
	if c.shouldWarn() {
		c.log.Warn("invocation dropped",
			logx.String("method", inv.Method),
			logx.Int64("handle", handle),
			logx.String("reason", reason),
			logx.Uint64("dropped_total", c.dropped.Load()))
	}
	if c.svc != nil && c.svc.bus != nil {
		c.svc.bus.Publish(eventbus.Event{
			Type: eventbus.TypeInvokeDropped,
			Data: eventbus.InvokeData{ContextID: c.id, Method: inv.Method, Handle: handle, Reason: reason},
		})
	}
}

func (c *Context) shouldWarn() bool {
	now := time.Now().UnixNano()
	last := atomic.LoadInt64(&c.lastDropWarnAt)
	if now-last < int64(dropWarnEvery) {
		return false
	}
	return atomic.CompareAndSwapInt64(&c.lastDropWarnAt, last, now)
}

// close stops intake, then closes the queue once in-flight enqueues finish
// so the entry loop can drain and exit.
func (c *Context) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.sendWG.Wait()
	close(c.q)
}

func (c *Context) record(rec InvokeRecord) {
	max := 0
	if c.svc != nil {
		max = c.svc.historySize()
	}
	if max <= 0 {
		return
	}
	c.hmu.Lock()
	c.history = append(c.history, rec)
	if len(c.history) > max {
		c.history = c.history[len(c.history)-max:]
	}
	c.hmu.Unlock()
}

func (c *Context) info() ContextInfo {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	ci := ContextInfo{
		ID:       c.id,
		Entry:    c.entry.Name,
		Bundle:   c.bundle,
		Running:  running,
		QueueLen: len(c.q),
		QueueCap: cap(c.q),
		Invoked:  c.invoked.Load(),
		Dropped:  c.dropped.Load(),
		Failed:   c.failed.Load(),
	}
	c.hmu.Lock()
	ci.History = append([]InvokeRecord(nil), c.history...)
	c.hmu.Unlock()
	return ci
}
