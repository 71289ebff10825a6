package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"alarmd/internal/bridge"
	"alarmd/internal/eventbus"
	rtsup "alarmd/internal/runtime/supervisor"
	logx "alarmd/pkg/logx"

	"github.com/google/uuid"
)

var _ bridge.Factory = (*Service)(nil)

// Service creates and runs background execution contexts. It implements
// bridge.Factory.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log logx.Logger
	bus eventbus.Bus

	resolver bridge.Resolver

	ctxs map[string]*Context

	sup      *rtsup.Supervisor
	running  bool
	stopDone chan struct{} // non-nil while stopping
}

func New(cfg Config, resolver bridge.Resolver, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		resolver: resolver,
		ctxs:     map[string]*Context{},
	}
}

// Apply updates tunables. The queue size sticks to contexts created before
// the change; invoke timeout and history depth take effect immediately.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) callTimeout() time.Duration {
	s.mu.Lock()
	d := s.cfg.InvokeTimeout
	s.mu.Unlock()
	return d
}

func (s *Service) historySize() int {
	s.mu.Lock()
	n := s.cfg.HistorySize
	s.mu.Unlock()
	return n
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "dispatch"))),
		rtsup.WithCancelOnError(false),
	)
	s.mu.Unlock()

	s.log.Debug("dispatch service started")
}

// Stop closes every context queue and waits for entry loops to drain,
// bounded by ctx. Closed contexts stay visible in snapshots but cannot be
// relaunched.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.running = false
	sup := s.sup
	ctxs := make([]*Context, 0, len(s.ctxs))
	for _, c := range s.ctxs {
		ctxs = append(ctxs, c)
	}
	s.mu.Unlock()

	go func() {
		defer close(done)
		for _, c := range ctxs {
			c.close()
		}
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.sup = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("dispatch service stopped")
	case <-ctx.Done():
		// Force-stop entry loops.
		if sup != nil {
			sup.Cancel()
		}
		s.log.Warn("dispatch stop timed out")
	}
}

// Create implements bridge.Factory. The bundle path must exist on disk.
func (s *Service) Create(bundlePath string, ep bridge.EntryPoint) (bridge.ContextRef, error) {
	if ep.Run == nil {
		return nil, ErrNoEntry
	}
	if _, err := os.Stat(bundlePath); err != nil {
		return nil, fmt.Errorf("bundle path: %w", err)
	}

	s.mu.Lock()
	qsize := s.cfg.QueueSize
	s.mu.Unlock()

	c := &Context{
		id:       uuid.NewString(),
		bundle:   bundlePath,
		entry:    ep,
		svc:      s,
		q:        make(chan bridge.Invocation, qsize),
		handlers: newHandlerSet(),
	}
	c.log = s.log.With(logx.String("ctx", shortID(c.id)))

	s.mu.Lock()
	s.ctxs[c.id] = c
	s.mu.Unlock()

	s.log.Debug("background context created",
		logx.String("ctx", c.id), logx.String("entry", ep.Name), logx.String("bundle", bundlePath))
	return c, nil
}

// Launch implements bridge.Factory. The entry runs under the service
// supervisor and is restarted with backoff if it fails.
func (s *Service) Launch(ref bridge.ContextRef) error {
	c, ok := ref.(*Context)
	if !ok {
		return ErrForeignContext
	}

	s.mu.Lock()
	if !s.running || s.sup == nil {
		s.mu.Unlock()
		return ErrNotRunning
	}
	sup := s.sup
	s.mu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrContextClosed
	}
	if c.launched {
		c.mu.Unlock()
		return ErrAlreadyLaunched
	}
	c.launched = true
	c.mu.Unlock()

	name := "ctx." + shortID(c.id)
	sup.GoRestart(name, func(runCtx context.Context) error {
		c.mu.Lock()
		c.running = true
		c.mu.Unlock()
		err := c.entry.Run(runCtx, c)
		c.mu.Lock()
		c.running = false
		closed := c.closed
		c.mu.Unlock()

		s.mu.Lock()
		stopping := s.stopDone != nil
		s.mu.Unlock()
		if stopping || closed {
			return context.Canceled
		}
		if runCtx.Err() != nil {
			return runCtx.Err()
		}
		if err != nil {
			return fmt.Errorf("context entry: %w", err)
		}
		return errors.New("context entry exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))

	s.log.Info("background context launched",
		logx.String("ctx", c.id), logx.String("entry", c.entry.Name))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{
			Type: eventbus.TypeContextLaunched,
			Data: eventbus.ContextData{ID: c.id, Entry: c.entry.Name},
		})
	}
	return nil
}

// Ref returns the live context with the given ID, if any. The app layer
// uses it to attach a delivery channel to a freshly bound context.
func (s *Service) Ref(id string) (bridge.ContextRef, bool) {
	s.mu.Lock()
	c, ok := s.ctxs[id]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	return c, true
}

// Snapshot returns a diagnostic view of all contexts, ordered by ID.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.running
	ctxs := make([]*Context, 0, len(s.ctxs))
	for _, c := range s.ctxs {
		ctxs = append(ctxs, c)
	}
	s.mu.Unlock()

	snap := Snapshot{Running: running, Contexts: make([]ContextInfo, 0, len(ctxs))}
	for _, c := range ctxs {
		snap.Contexts = append(snap.Contexts, c.info())
	}
	sort.Slice(snap.Contexts, func(i, j int) bool { return snap.Contexts[i].ID < snap.Contexts[j].ID })
	return snap
}

// Supervisor returns the service's internal supervisor (nil if not
// started). Used for operational visibility.
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
