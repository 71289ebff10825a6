package alarm

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"alarmd/internal/eventbus"
	"alarmd/internal/storage"
	rtsup "alarmd/internal/runtime/supervisor"
	logx "alarmd/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

func New(cfg Config, log logx.Logger, bus eventbus.Bus, store storage.Store) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		store:   store,
		entries: map[int32]*entry{},
		vers:    map[int32]uint64{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// SetFireFunc installs the delivery sink. Must be called before Start.
func (s *Service) SetFireFunc(fn FireFunc) {
	s.mu.Lock()
	s.fireFn = fn
	s.mu.Unlock()
}

func (s *Service) Apply(ctx context.Context, cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}

	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil && s.stopDone == nil
	if running && prev.QueueSize == cfg.QueueSize && prev.BatchWindow != cfg.BatchWindow {
		// Re-arm in place so inexact registrations pick up the new window.
		s.rearmAllLocked()
	}
	s.mu.Unlock()

	if !running {
		return
	}
	// Queue resize needs a restart (fresh queue per run).
	if prev.QueueSize != cfg.QueueSize {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start arms all registrations and begins delivering fires.
// Registrations made before Start are kept and armed here.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	cfg := s.cfg
	if !cfg.Enabled {
		s.mu.Unlock()
		return
	}

	// Start is idempotent.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done != nil {
			select {
			case <-done:
			case <-ctx.Done():
				return
			}
		} else {
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	s.q = make(chan fireItem, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q

	s.c = cron.New()
	for _, e := range s.entries {
		s.armLocked(e)
	}
	s.c.Start()

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "alarmengine"))),
		// delivery failures should not hard-kill the app
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	armed := len(s.entries)
	s.mu.Unlock()

	// Auto-restart the delivery loop if it panics or exits unexpectedly.
	sup.GoRestart("deliver", func(c context.Context) error {
		s.deliver(c, stopCh, queue)
		select {
		case <-stopCh:
			return context.Canceled
		default:
		}
		if c.Err() != nil {
			return c.Err()
		}
		return errors.New("deliver exited unexpectedly")
	},
		rtsup.WithPublishFirstError(true),
	)

	s.log.Info("alarm engine started",
		logx.Int("alarms", armed),
		logx.Int("queue", cap(queue)),
		logx.Duration("batch_window", cfg.BatchWindow),
	)
}

// Stop disarms timers and stops delivery. Registrations are kept so a later
// Start resumes them.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	// If already stopping, wait.
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
	close(s.stopCh)

	for _, e := range s.entries {
		s.disarmLocked(e)
	}
	c := s.c
	s.c = nil
	sup := s.sup
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
			// best-effort
		}
	}
	if sup != nil {
		sup.Cancel()
	}

	go func() {
		// Wait unbounded in background; caller can still time out.
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("alarm engine stopped")
	case <-ctx.Done():
		s.log.Warn("alarm engine stop timed out", logx.Any("err", ctx.Err()))
	}
}

// SetIdle models the platform idle state. Entering idle defers fires for
// registrations without while-idle allowance; leaving idle releases the
// deferred ones (coalesced to a single fire per code).
func (s *Service) SetIdle(idle bool) {
	var released []fireItem

	s.mu.Lock()
	if s.idle == idle {
		s.mu.Unlock()
		return
	}
	s.idle = idle
	if !idle {
		now := time.Now()
		for code, e := range s.entries {
			if !e.pendingIdle {
				continue
			}
			e.pendingIdle = false
			e.fires++
			released = append(released, fireItem{
				at:     now,
				code:   code,
				handle: e.reg.Handle,
				clock:  e.reg.Clock,
				exact:  e.reg.Exact,
				repeat: e.reg.Repeating,
			})
			if !e.reg.Repeating {
				// spent one-shot
				delete(s.entries, code)
			}
		}
	}
	s.mu.Unlock()

	s.log.Info("idle state changed", logx.Bool("idle", idle), logx.Int("released", len(released)))
	for _, it := range released {
		s.enqueueFire(it)
	}
}

func (s *Service) Idle() bool {
	s.mu.Lock()
	idle := s.idle
	s.mu.Unlock()
	return idle
}

// Snapshot returns a diagnostics view of the alarm table and counters.
func (s *Service) Snapshot() Snapshot {
	now := time.Now()

	s.mu.Lock()
	snap := Snapshot{
		Enabled:   s.cfg.Enabled,
		Idle:      s.idle,
		Delivered: atomic.LoadUint64(&s.delivered),
		Dropped:   atomic.LoadUint64(&s.dropped),
		Deferred:  atomic.LoadUint64(&s.deferred),
	}
	if s.q != nil {
		snap.QueueLen = len(s.q)
		snap.QueueCap = cap(s.q)
	}
	snap.Alarms = make([]Info, 0, len(s.entries))
	for code, e := range s.entries {
		info := Info{
			Code:           code,
			Handle:         e.reg.Handle,
			Clock:          e.reg.Clock.String(),
			Exact:          e.reg.Exact,
			Repeating:      e.reg.Repeating,
			AllowWhileIdle: e.reg.AllowWhileIdle,
			Fires:          e.fires,
			PendingIdle:    e.pendingIdle,
		}
		if e.reg.Repeating {
			info.Interval = e.reg.Interval
			if e.sched != nil {
				info.Next = e.sched.Next(now)
			}
		} else if e.timer != nil {
			info.Next = e.fireAt
		}
		snap.Alarms = append(snap.Alarms, info)
	}
	s.mu.Unlock()

	sort.Slice(snap.Alarms, func(i, j int) bool { return snap.Alarms[i].Code < snap.Alarms[j].Code })

	s.hmu.Lock()
	snap.History = append([]FireRecord(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) publish(evType string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: evType, Time: time.Now(), Data: data})
	}
}

// audit appends a storage record; best-effort, bounded.
func (s *Service) audit(kind string, it fireItem, detail string) {
	st := s.store
	if st == nil {
		return
	}
	at := it.at
	if at.IsZero() {
		at = time.Now()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := st.AppendEvent(ctx, storage.Event{
		At:        at,
		Kind:      kind,
		Code:      it.code,
		Handle:    it.handle,
		Clock:     it.clock.String(),
		Exact:     it.exact,
		Repeating: it.repeat,
		Detail:    detail,
	}); err != nil {
		s.log.Debug("audit append failed", logx.String("kind", kind), logx.Any("err", err))
	}
}
