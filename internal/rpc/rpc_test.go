package rpc

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/channel"

	"alarmd/internal/alarm"
	"alarmd/internal/bridge"
	"alarmd/internal/dispatch"
	"alarmd/internal/eventbus"
	"alarmd/internal/registry"
	logx "alarmd/pkg/logx"
)

type testRig struct {
	svc    *Service
	engine *alarm.Service
	brd    *bridge.Bridge
	reg    *registry.Registry
	bus    eventbus.Bus
}

func newTestRig(t *testing.T, bundlePath string) *testRig {
	t.Helper()

	bus := eventbus.New()
	reg := registry.New()
	disp := dispatch.New(dispatch.Config{}, reg, logx.Nop(), bus)
	disp.Start(context.Background())

	engine := alarm.New(alarm.Config{Enabled: true, QueueSize: 8}, logx.Nop(), bus, nil)
	brd := bridge.New(bridge.Config{
		Caps:       bridge.Caps{AllowWhileIdle: true},
		BundlePath: bundlePath,
	}, engine, reg, disp, logx.Nop(), bus)
	engine.SetFireFunc(brd.HandleFire)
	engine.Start(context.Background())

	sock := filepath.Join(t.TempDir(), "alarmd-test.sock")
	svc := New(Config{Enabled: true, Socket: sock}, Deps{
		Bridge:  brd,
		Engine:  engine,
		Version: VersionInfo{Version: "1.2.3-test", Commit: "abc1234"},
	}, logx.Nop(), bus)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("rpc start: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		svc.Stop(ctx)
		engine.Stop(ctx)
		disp.Stop(ctx)
	})
	return &testRig{svc: svc, engine: engine, brd: brd, reg: reg, bus: bus}
}

func dialClient(t *testing.T, rig *testRig, opts *jrpc2.ClientOptions) *jrpc2.Client {
	t.Helper()
	addr := rig.svc.Addr()
	conn, err := net.Dial("unix", addr)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	cli := jrpc2.NewClient(channel.Line(conn, conn), opts)
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

func TestStartDisabledIsNoOp(t *testing.T) {
	svc := New(Config{Enabled: false}, Deps{}, logx.Nop(), nil)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if addr := svc.Addr(); addr != "" {
		t.Fatalf("Addr = %q, want empty", addr)
	}
}

func TestScheduleListCancelRoundtrip(t *testing.T) {
	rig := newTestRig(t, "")
	cli := dialClient(t, rig, nil)
	ctx := context.Background()

	req := bridge.Request{
		Code:           7,
		Repeating:      true,
		Exact:          true,
		Wakeup:         true,
		StartMillis:    time.Now().Add(time.Hour).UnixMilli(),
		IntervalMillis: 3600_000,
		Handle:         4242,
	}
	if _, err := cli.Call(ctx, "alarm.schedule", req); err != nil {
		t.Fatalf("alarm.schedule: %v", err)
	}

	var list ListResult
	rsp, err := cli.Call(ctx, "alarm.list", nil)
	if err != nil {
		t.Fatalf("alarm.list: %v", err)
	}
	if err := rsp.UnmarshalResult(&list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list.Snapshot.Alarms) != 1 {
		t.Fatalf("alarms = %+v, want one entry", list.Snapshot.Alarms)
	}
	got := list.Snapshot.Alarms[0]
	if got.Code != 7 || got.Handle != 4242 || !got.Repeating || got.Clock != "wall-wakeup" {
		t.Fatalf("alarm = %+v", got)
	}

	if _, err := cli.Call(ctx, "alarm.cancel", CancelParams{Code: 7}); err != nil {
		t.Fatalf("alarm.cancel: %v", err)
	}
	rsp, err = cli.Call(ctx, "alarm.list", nil)
	if err != nil {
		t.Fatalf("alarm.list after cancel: %v", err)
	}
	list = ListResult{}
	if err := rsp.UnmarshalResult(&list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list.Snapshot.Alarms) != 0 {
		t.Fatalf("alarms after cancel = %+v, want none", list.Snapshot.Alarms)
	}
}

func TestScheduleRejectsBadParams(t *testing.T) {
	rig := newTestRig(t, "")
	cli := dialClient(t, rig, nil)

	req := bridge.Request{Code: 9, Repeating: true, Handle: 1}
	_, err := cli.Call(context.Background(), "alarm.schedule", req)
	var jerr *jrpc2.Error
	if !errors.As(err, &jerr) || jerr.Code != codeInvalidParams {
		t.Fatalf("err = %v, want code %d", err, codeInvalidParams)
	}
}

func TestBindErrorMapping(t *testing.T) {
	rig := newTestRig(t, "")
	handle, err := rig.reg.Register("cb", "lib", func(context.Context, bridge.Env) error { return nil })
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	other, err := rig.reg.Register("cb2", "lib", func(context.Context, bridge.Env) error { return nil })
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	cli := dialClient(t, rig, nil)
	ctx := context.Background()

	wantCode := func(t *testing.T, err error, code jrpc2.Code) {
		t.Helper()
		var jerr *jrpc2.Error
		if !errors.As(err, &jerr) || jerr.Code != code {
			t.Fatalf("err = %v, want code %d", err, code)
		}
	}

	_, err = cli.Call(ctx, "alarm.bind", BindParams{Handle: 1})
	wantCode(t, err, codeUnresolvedHandle)

	// A bind with no bundle path configured still binds; only the launch
	// is skipped, so the daemon reports success here.
	rsp, err := cli.Call(ctx, "alarm.bind", BindParams{Handle: handle})
	if err != nil {
		t.Fatalf("alarm.bind: %v", err)
	}
	var bound BindResult
	if err := rsp.UnmarshalResult(&bound); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bound.Bound {
		t.Fatal("bind without bundle path should succeed")
	}

	_, err = cli.Call(ctx, "alarm.bind", BindParams{Handle: other})
	wantCode(t, err, codeContextBound)
}

func TestBindLaunchesDispatcherAndStartsSession(t *testing.T) {
	rig := newTestRig(t, t.TempDir())

	entry := dispatch.Dispatcher(dispatch.DispatcherOptions{Ready: rig.brd.Initialize})
	handle, err := rig.reg.Register("dispatcher", "app", entry)
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	cli := dialClient(t, rig, nil)
	ctx := context.Background()

	rsp, err := cli.Call(ctx, "alarm.bind", BindParams{Handle: handle})
	if err != nil {
		t.Fatalf("alarm.bind: %v", err)
	}
	var bound BindResult
	if err := rsp.UnmarshalResult(&bound); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bound.Bound {
		t.Fatalf("bound = false, want true")
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		rsp, err := cli.Call(ctx, "session.status", nil)
		if err != nil {
			t.Fatalf("session.status: %v", err)
		}
		var st StatusResult
		if err := rsp.UnmarshalResult(&st); err != nil {
			t.Fatalf("unmarshal status: %v", err)
		}
		if st.Session.Started {
			if !st.Session.Bound || st.Session.BoundHandle != handle {
				t.Fatalf("status = %+v", st)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session never started: %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSystemVersion(t *testing.T) {
	rig := newTestRig(t, "")
	cli := dialClient(t, rig, nil)

	rsp, err := cli.Call(context.Background(), "system.version", nil)
	if err != nil {
		t.Fatalf("system.version: %v", err)
	}
	var v VersionInfo
	if err := rsp.UnmarshalResult(&v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v.Version != "1.2.3-test" || v.Commit != "abc1234" {
		t.Fatalf("version = %+v", v)
	}
}

func TestPushAlarmFired(t *testing.T) {
	rig := newTestRig(t, "")

	notes := make(chan *jrpc2.Request, 16)
	cli := dialClient(t, rig, &jrpc2.ClientOptions{
		OnNotify: func(req *jrpc2.Request) { notes <- req },
	})
	ctx := context.Background()

	req := bridge.Request{Code: 3, Exact: true, Wakeup: true, StartMillis: time.Now().UnixMilli(), Handle: 999}
	if _, err := cli.Call(ctx, "alarm.schedule", req); err != nil {
		t.Fatalf("alarm.schedule: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case n := <-notes:
			if n.Method() != eventbus.TypeAlarmFired {
				continue
			}
			var data eventbus.AlarmData
			if err := n.UnmarshalParams(&data); err != nil {
				t.Fatalf("unmarshal params: %v", err)
			}
			if data.Code != 3 || data.Handle != 999 {
				t.Fatalf("fired data = %+v", data)
			}
			return
		case <-deadline:
			t.Fatalf("alarm.fired push never arrived")
		}
	}
}

func TestEngineIdleOverRPC(t *testing.T) {
	rig := newTestRig(t, "")
	cli := dialClient(t, rig, nil)
	ctx := context.Background()

	if _, err := cli.Call(ctx, "engine.idle", IdleParams{Idle: true}); err != nil {
		t.Fatalf("engine.idle: %v", err)
	}
	rsp, err := cli.Call(ctx, "session.status", nil)
	if err != nil {
		t.Fatalf("session.status: %v", err)
	}
	var st StatusResult
	if err := rsp.UnmarshalResult(&st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !st.Idle {
		t.Fatalf("idle = false, want true")
	}
}

func TestStopRemovesSocket(t *testing.T) {
	rig := newTestRig(t, "")
	sock := rig.svc.Addr()
	if _, err := os.Stat(sock); err != nil {
		t.Fatalf("socket missing while running: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rig.svc.Stop(ctx)

	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Fatalf("socket still present after stop: stat err = %v", err)
	}
	if addr := rig.svc.Addr(); addr != "" {
		t.Fatalf("Addr after stop = %q, want empty", addr)
	}
}
