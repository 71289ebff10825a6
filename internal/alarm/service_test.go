package alarm

import (
	"context"
	"testing"
	"time"

	"alarmd/internal/bridge"
	"alarmd/internal/eventbus"
	logx "alarmd/pkg/logx"
)

func newTestService(t *testing.T, cfg Config) (*Service, chan int64) {
	t.Helper()
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 8
	}
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), eventbus.New(), nil)
	fired := make(chan int64, 32)
	s.SetFireFunc(func(handle int64) { fired <- handle })
	return s, fired
}

func startService(t *testing.T, s *Service) {
	t.Helper()
	ctx := context.Background()
	s.Start(ctx)
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(stopCtx)
	})
}

func waitFire(t *testing.T, fired chan int64, want int64) {
	t.Helper()
	select {
	case got := <-fired:
		if got != want {
			t.Fatalf("fired handle = %d, want %d", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for handle %d", want)
	}
}

func onceReg(code int32, handle int64, at time.Time) bridge.Registration {
	return bridge.Registration{
		Code:   code,
		Handle: handle,
		Clock:  bridge.ClockWall,
		Start:  at,
		Exact:  true,
	}
}

func TestRegisterRequiresInterval(t *testing.T) {
	s, _ := newTestService(t, Config{})
	err := s.Register(bridge.Registration{Code: 1, Handle: 10, Repeating: true})
	if err != ErrNoInterval {
		t.Fatalf("expected ErrNoInterval, got %v", err)
	}
}

func TestRegisterWhenDisabled(t *testing.T) {
	s := New(Config{Enabled: false}, logx.Nop(), eventbus.New(), nil)
	if err := s.Register(onceReg(1, 10, time.Now())); err != ErrDisabled {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestLookupAndVersioning(t *testing.T) {
	s, _ := newTestService(t, Config{})
	future := time.Now().Add(time.Hour)

	if _, ok := s.Lookup(7); ok {
		t.Fatalf("Lookup on empty table succeeded")
	}

	if err := s.Register(onceReg(7, 100, future)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	t1, ok := s.Lookup(7)
	if !ok || t1.Version != 1 {
		t.Fatalf("expected version 1, got %+v ok=%v", t1, ok)
	}

	// replacement bumps the version
	if err := s.Register(onceReg(7, 200, future)); err != nil {
		t.Fatalf("Register replace: %v", err)
	}
	t2, ok := s.Lookup(7)
	if !ok || t2.Version != 2 {
		t.Fatalf("expected version 2, got %+v ok=%v", t2, ok)
	}

	// stale ticket cancel is a no-op
	if err := s.Cancel(t1); err != nil {
		t.Fatalf("stale Cancel: %v", err)
	}
	if _, ok := s.Lookup(7); !ok {
		t.Fatalf("stale cancel removed the live registration")
	}

	// live ticket cancel removes it
	if err := s.Cancel(t2); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, ok := s.Lookup(7); ok {
		t.Fatalf("registration survived cancel")
	}

	// a fresh registration after removal must not match old tickets
	if err := s.Register(onceReg(7, 300, future)); err != nil {
		t.Fatalf("Register after cancel: %v", err)
	}
	t3, _ := s.Lookup(7)
	if t3.Version <= t2.Version {
		t.Fatalf("version went backwards: %d after %d", t3.Version, t2.Version)
	}
}

func TestOneShotFires(t *testing.T) {
	s, fired := newTestService(t, Config{})
	startService(t, s)

	if err := s.Register(onceReg(1, 111, time.Now())); err != nil {
		t.Fatalf("Register: %v", err)
	}
	waitFire(t, fired, 111)

	// spent: gone from the table
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := s.Lookup(1); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("one-shot still registered after firing")
		}
		time.Sleep(10 * time.Millisecond)
	}

	snap := s.Snapshot()
	if snap.Delivered == 0 {
		t.Fatalf("expected delivered counter > 0, got %+v", snap)
	}
	if len(snap.History) == 0 || snap.History[len(snap.History)-1].Handle != 111 {
		t.Fatalf("expected history record for handle 111, got %+v", snap.History)
	}
}

func TestReplacementSilencesOldTimer(t *testing.T) {
	s, fired := newTestService(t, Config{})
	startService(t, s)

	// first generation is far in the future, replacement is due now
	if err := s.Register(onceReg(4, 100, time.Now().Add(time.Hour))); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(onceReg(4, 200, time.Now())); err != nil {
		t.Fatalf("Register replace: %v", err)
	}

	waitFire(t, fired, 200)
	select {
	case extra := <-fired:
		t.Fatalf("unexpected extra fire for handle %d", extra)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRegistrationBeforeStartIsArmedOnStart(t *testing.T) {
	s, fired := newTestService(t, Config{})

	if err := s.Register(onceReg(9, 900, time.Now())); err != nil {
		t.Fatalf("Register: %v", err)
	}
	select {
	case h := <-fired:
		t.Fatalf("fire before Start: handle %d", h)
	case <-time.After(150 * time.Millisecond):
	}

	startService(t, s)
	waitFire(t, fired, 900)
}

func TestIdleDefersAndReleases(t *testing.T) {
	s, fired := newTestService(t, Config{})
	startService(t, s)

	s.SetIdle(true)

	reg := onceReg(3, 333, time.Now())
	reg.AllowWhileIdle = false
	if err := s.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// the due timer must defer, not deliver
	select {
	case h := <-fired:
		t.Fatalf("fire during idle: handle %d", h)
	case <-time.After(200 * time.Millisecond):
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := s.Snapshot()
		if len(snap.Alarms) == 1 && snap.Alarms[0].PendingIdle {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("registration never marked pending: %+v", s.Snapshot())
		}
		time.Sleep(10 * time.Millisecond)
	}

	s.SetIdle(false)
	waitFire(t, fired, 333)

	snap := s.Snapshot()
	if snap.Deferred == 0 {
		t.Fatalf("expected deferred counter > 0, got %+v", snap)
	}
	if len(snap.Alarms) != 0 {
		t.Fatalf("released one-shot still registered: %+v", snap.Alarms)
	}
}

func TestIdleAllowanceFiresThrough(t *testing.T) {
	s, fired := newTestService(t, Config{})
	startService(t, s)

	s.SetIdle(true)

	reg := onceReg(5, 555, time.Now())
	reg.AllowWhileIdle = true
	if err := s.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	waitFire(t, fired, 555)
}

func TestInexactOneShotRidesBatchWindow(t *testing.T) {
	s, _ := newTestService(t, Config{BatchWindow: time.Hour})
	startService(t, s)

	reg := onceReg(2, 222, time.Now().Add(time.Minute))
	reg.Exact = false
	if err := s.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Alarms) != 1 {
		t.Fatalf("expected 1 alarm, got %+v", snap.Alarms)
	}
	next := snap.Alarms[0].Next
	if next.IsZero() {
		t.Fatalf("expected a next fire time")
	}
	if !next.Equal(next.Truncate(time.Hour)) {
		t.Fatalf("inexact fire time %v is not window-aligned", next)
	}
	if next.Before(reg.Start) {
		t.Fatalf("batching moved the fire earlier: %v < %v", next, reg.Start)
	}
}

func TestRepeatingSnapshotNext(t *testing.T) {
	s, _ := newTestService(t, Config{})
	startService(t, s)

	start := time.Now().Add(-90 * time.Minute)
	reg := bridge.Registration{
		Code:      6,
		Handle:    600,
		Clock:     bridge.ClockWallWakeup,
		Start:     start,
		Interval:  time.Hour,
		Exact:     true,
		Repeating: true,
	}
	if err := s.Register(reg); err != nil {
		t.Fatalf("Register: %v", err)
	}

	snap := s.Snapshot()
	if len(snap.Alarms) != 1 {
		t.Fatalf("expected 1 alarm, got %+v", snap.Alarms)
	}
	info := snap.Alarms[0]
	if !info.Repeating || info.Interval != time.Hour || info.Clock != "wall-wakeup" {
		t.Fatalf("unexpected snapshot info: %+v", info)
	}
	if !info.Next.After(time.Now()) {
		t.Fatalf("next fire %v not in the future", info.Next)
	}
	if info.Next.Sub(start)%time.Hour != 0 {
		t.Fatalf("next fire %v is off the anchor grid", info.Next)
	}
}

func TestStopKeepsRegistrations(t *testing.T) {
	s, fired := newTestService(t, Config{})
	ctx := context.Background()
	s.Start(ctx)

	future := time.Now().Add(time.Hour)
	if err := s.Register(onceReg(8, 800, future)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	s.Stop(stopCtx)
	cancel()

	if _, ok := s.Lookup(8); !ok {
		t.Fatalf("registration lost across Stop")
	}

	// restart re-arms; a second Start while running is a no-op
	s.Start(ctx)
	s.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(stopCtx)
	}()

	snap := s.Snapshot()
	if len(snap.Alarms) != 1 || snap.Alarms[0].Next.IsZero() {
		t.Fatalf("registration not re-armed after restart: %+v", snap.Alarms)
	}
	select {
	case h := <-fired:
		t.Fatalf("future alarm fired early: handle %d", h)
	default:
	}
}

func TestQueueFullDropsFire(t *testing.T) {
	s := New(Config{Enabled: true, QueueSize: 1, HistorySize: 10}, logx.Nop(), eventbus.New(), nil)

	gate := make(chan struct{})
	delivering := make(chan struct{}, 8)
	s.SetFireFunc(func(handle int64) {
		delivering <- struct{}{}
		<-gate
	})
	startService(t, s)

	for i := int32(1); i <= 3; i++ {
		if err := s.Register(onceReg(i, int64(i)*100, time.Now())); err != nil {
			t.Fatalf("Register %d: %v", i, err)
		}
	}

	// one fire blocks in the sink, one sits in the queue, one is dropped
	select {
	case <-delivering:
	case <-time.After(3 * time.Second):
		t.Fatalf("no delivery started")
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		if s.Snapshot().Dropped >= 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected a dropped fire, got %+v", s.Snapshot())
		}
		time.Sleep(10 * time.Millisecond)
	}

	close(gate)
	deadline = time.Now().Add(3 * time.Second)
	for {
		snap := s.Snapshot()
		if snap.Delivered >= 1 && snap.Delivered+snap.Dropped == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected all 3 fires accounted for, got %+v", s.Snapshot())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
