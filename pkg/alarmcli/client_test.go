package alarmcli

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/channel"
	"github.com/creachadair/jrpc2/handler"

	"alarmd/internal/registry"
)

func TestHandleMatchesDaemonDerivation(t *testing.T) {
	if got, want := Handle("cb", "lib"), registry.Handle("cb", "lib"); got != want {
		t.Fatalf("Handle = %d, registry derives %d", got, want)
	}
	if got, want := DispatcherHandle(), registry.Handle("callback-dispatcher", "alarmd"); got != want {
		t.Fatalf("DispatcherHandle = %d, registry derives %d", got, want)
	}
}

// pipeServer runs a push-capable jrpc2 server on one end of a pipe and
// returns a Client on the other.
func pipeServer(t *testing.T, methods handler.Map) (*Client, *jrpc2.Server) {
	t.Helper()
	sc, cc := net.Pipe()
	srv := jrpc2.NewServer(methods, &jrpc2.ServerOptions{AllowPush: true})
	srv.Start(channel.Line(sc, sc))
	cli := newClient(cc)
	t.Cleanup(func() {
		_ = cli.Close()
		srv.Stop()
	})
	return cli, srv
}

func TestScheduleAndList(t *testing.T) {
	var got ScheduleRequest
	methods := handler.Map{
		"alarm.schedule": handler.New(func(_ context.Context, req *ScheduleRequest) (*struct{}, error) {
			got = *req
			return &struct{}{}, nil
		}),
		"alarm.list": handler.New(func(context.Context) (*listResult, error) {
			return &listResult{Snapshot: Snapshot{
				Enabled: true,
				Alarms:  []Alarm{{Code: 7, Handle: 42, Clock: "wall-wakeup", Exact: true}},
			}}, nil
		}),
	}
	cli, _ := pipeServer(t, methods)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := ScheduleRequest{Code: 7, Exact: true, Wakeup: true, StartMillis: 1234, Handle: 42}
	if err := cli.Schedule(ctx, req); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if got != req {
		t.Fatalf("server saw %+v, want %+v", got, req)
	}

	snap, err := cli.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !snap.Enabled || len(snap.Alarms) != 1 || snap.Alarms[0].Code != 7 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestBindError(t *testing.T) {
	methods := handler.Map{
		"alarm.bind": handler.New(func(context.Context) (*bindResult, error) {
			return nil, &jrpc2.Error{Code: jrpc2.Code(-32001), Message: "handle does not resolve"}
		}),
	}
	cli, _ := pipeServer(t, methods)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := cli.Bind(ctx, 99); err == nil {
		t.Fatal("expected bind error")
	}
}

func TestOnFirePush(t *testing.T) {
	cli, srv := pipeServer(t, handler.Map{})

	fired := make(chan FireEvent, 1)
	cli.OnFire(func(ev FireEvent) { fired <- ev })

	raw := make(chan json.RawMessage, 1)
	cli.OnEvent("alarm.scheduled", func(p json.RawMessage) { raw <- p })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Notify(ctx, "alarm.fired", FireEvent{Code: 3, Handle: 42}); err != nil {
		t.Fatalf("notify fired: %v", err)
	}
	if err := srv.Notify(ctx, "alarm.scheduled", map[string]any{"code": 3}); err != nil {
		t.Fatalf("notify scheduled: %v", err)
	}

	select {
	case ev := <-fired:
		if ev.Handle != 42 || ev.Code != 3 {
			t.Fatalf("unexpected fire event: %+v", ev)
		}
	case <-ctx.Done():
		t.Fatal("fire push not delivered")
	}
	select {
	case p := <-raw:
		var m map[string]any
		if err := json.Unmarshal(p, &m); err != nil {
			t.Fatalf("decode scheduled params: %v", err)
		}
	case <-ctx.Done():
		t.Fatal("scheduled push not delivered")
	}
}
