// Package alarmcli is the client SDK for the alarmd control socket. It
// speaks JSON-RPC 2.0 over line-framed connections and surfaces the
// daemon's push notifications as typed callbacks.
package alarmcli

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/channel"
)

const socketPathEnv = "ALARMD_SOCKET_PATH"

// DefaultSocketPath mirrors the daemon default, including the env override.
func DefaultSocketPath() string {
	if p := os.Getenv(socketPathEnv); p != "" {
		return p
	}
	return filepath.Join(os.TempDir(), "alarmd.sock")
}

// NotifyFunc receives the raw params of one push notification.
type NotifyFunc func(params json.RawMessage)

// FireFunc receives a fired-alarm push.
type FireFunc func(ev FireEvent)

type Client struct {
	conn net.Conn
	cli  *jrpc2.Client

	mu       sync.Mutex
	onFire   FireFunc
	handlers map[string]NotifyFunc
}

// Dial connects to the daemon's default unix socket.
func Dial() (*Client, error) {
	return DialPath(DefaultSocketPath())
}

// DialPath connects to a unix socket.
func DialPath(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}
	return newClient(conn), nil
}

// DialTCP connects to a daemon listening on its TCP fallback address.
func DialTCP(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	return newClient(conn), nil
}

func newClient(conn net.Conn) *Client {
	c := &Client{conn: conn, handlers: map[string]NotifyFunc{}}
	c.cli = jrpc2.NewClient(channel.Line(conn, conn), &jrpc2.ClientOptions{
		OnNotify: c.dispatchNotify,
	})
	return c
}

func (c *Client) Close() error { return c.cli.Close() }

// OnFire installs the fired-alarm callback. The handle inside the event is
// the dispatch key; clients route on it, not on the notification name.
func (c *Client) OnFire(fn FireFunc) {
	c.mu.Lock()
	c.onFire = fn
	c.mu.Unlock()
}

// OnEvent installs a raw handler for one push notification name (e.g.
// "alarm.scheduled"). The last handler per name wins; a nil fn removes it.
func (c *Client) OnEvent(name string, fn NotifyFunc) {
	c.mu.Lock()
	if fn == nil {
		delete(c.handlers, name)
	} else {
		c.handlers[name] = fn
	}
	c.mu.Unlock()
}

func (c *Client) dispatchNotify(req *jrpc2.Request) {
	var params json.RawMessage
	if err := req.UnmarshalParams(&params); err != nil {
		return
	}

	c.mu.Lock()
	fire := c.onFire
	fn := c.handlers[req.Method()]
	c.mu.Unlock()

	if req.Method() == "alarm.fired" && fire != nil {
		var ev FireEvent
		if err := json.Unmarshal(params, &ev); err == nil {
			fire(ev)
		}
	}
	if fn != nil {
		fn(params)
	}
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	resp, err := c.cli.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil {
		return nil
	}
	return resp.UnmarshalResult(result)
}

// Schedule registers an alarm; re-using a code replaces the previous
// registration.
func (c *Client) Schedule(ctx context.Context, req ScheduleRequest) error {
	return c.call(ctx, "alarm.schedule", req, nil)
}

// Cancel removes the registration under code, if any.
func (c *Client) Cancel(ctx context.Context, code int32) error {
	return c.call(ctx, "alarm.cancel", struct {
		Code int32 `json:"code"`
	}{code}, nil)
}

// Bind binds the background execution context for the given callback
// handle and attaches this connection to the push set.
func (c *Client) Bind(ctx context.Context, handle int64) (bool, error) {
	var res bindResult
	err := c.call(ctx, "alarm.bind", struct {
		Handle int64 `json:"handle"`
	}{handle}, &res)
	return res.Bound, err
}

// List returns the live registration table.
func (c *Client) List(ctx context.Context) (Snapshot, error) {
	var res listResult
	err := c.call(ctx, "alarm.list", nil, &res)
	return res.Snapshot, err
}

// Status returns session and engine state.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var res Status
	err := c.call(ctx, "session.status", nil, &res)
	return res, err
}

// SetIdle flips the daemon's simulated idle state.
func (c *Client) SetIdle(ctx context.Context, idle bool) error {
	return c.call(ctx, "engine.idle", struct {
		Idle bool `json:"idle"`
	}{idle}, nil)
}

// Version returns the daemon build info.
func (c *Client) Version(ctx context.Context) (Version, error) {
	var res Version
	err := c.call(ctx, "system.version", nil, &res)
	return res, err
}
