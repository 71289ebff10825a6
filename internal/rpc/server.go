package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/channel"

	"alarmd/internal/alarm"
	"alarmd/internal/bridge"
	"alarmd/internal/eventbus"
	rtsup "alarmd/internal/runtime/supervisor"
	logx "alarmd/pkg/logx"
)

// Deps are the components the RPC surface fronts.
type Deps struct {
	Bridge  *bridge.Bridge
	Engine  *alarm.Service
	Version VersionInfo
}

// Service owns the listener and runs one jrpc2 server per connection.
type Service struct {
	mu  sync.Mutex
	cfg Config

	log  logx.Logger
	bus  eventbus.Bus
	deps Deps

	notif *Notifier

	ln       net.Listener
	unixPath string
	sup      *rtsup.Supervisor
	unsubBus func()
	stopDone chan struct{} // non-nil while stopping

	connSeq atomic.Uint64
}

func New(cfg Config, deps Deps, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:   cfg,
		log:   log,
		bus:   bus,
		deps:  deps,
		notif: NewNotifier(log),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply replaces the endpoint config. It takes effect on the next Start;
// a running listener is not rebound.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// Addr returns the live listener address, or "" when not running.
func (s *Service) Addr() string {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return ""
	}
	return ln.Addr().String()
}

// Clients returns the number of connected clients.
func (s *Service) Clients() int { return s.notif.Count() }

// listen prefers the unix socket and falls back to TCP when configured.
func (s *Service) listen() (net.Listener, string, error) {
	path := s.cfg.Socket
	if path == "" && s.cfg.TCPAddr == "" {
		path = DefaultSocketPath()
	}
	if path != "" {
		_ = os.Remove(path)
		ln, err := net.Listen("unix", path)
		if err == nil {
			_ = os.Chmod(path, 0o600)
			return ln, path, nil
		}
		s.log.Warn("unix socket unavailable", logx.String("path", path), logx.Err(err))
		if s.cfg.TCPAddr == "" {
			return nil, "", err
		}
	}
	ln, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		return nil, "", err
	}
	return ln, "", nil
}

// Start is idempotent. A disabled config is a clean no-op.
func (s *Service) Start(ctx context.Context) error {
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
			return ctx.Err()
		}
		s.mu.Lock()
	}
	if s.ln != nil {
		s.mu.Unlock()
		return nil
	}
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return nil
	}

	ln, unixPath, err := s.listen()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("rpc listen: %w", err)
	}

	s.ln = ln
	s.unixPath = unixPath
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "rpc"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup

	var sub <-chan eventbus.Event
	if s.bus != nil {
		sub, s.unsubBus = s.bus.Subscribe(64)
	}
	s.mu.Unlock()

	sup.GoRestart("accept", func(c context.Context) error {
		err := s.acceptLoop(c, ln)
		if s.stopping() || errors.Is(err, net.ErrClosed) {
			return context.Canceled
		}
		if err != nil {
			return err
		}
		return errors.New("rpc accept loop exited unexpectedly")
	}, rtsup.WithPublishFirstError(true))

	if sub != nil {
		sup.Go("push", func(c context.Context) error {
			s.pumpEvents(c, sub)
			return nil
		})
	}

	addr := "unix:" + unixPath
	if unixPath == "" {
		addr = "tcp:" + ln.Addr().String()
	}
	s.log.Info("rpc listening", logx.String("addr", addr))
	return nil
}

// Stop closes the listener and every per-connection server, bounded by
// ctx. The unix socket file is removed.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.ln == nil {
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
	ln := s.ln
	unixPath := s.unixPath
	sup := s.sup
	unsub := s.unsubBus
	s.mu.Unlock()

	go func() {
		defer close(done)
		_ = ln.Close()
		if unixPath != "" {
			_ = os.Remove(unixPath)
		}
		if unsub != nil {
			unsub()
		}
		s.notif.stopAll()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.ln = nil
		s.unixPath = ""
		s.sup = nil
		s.unsubBus = nil
		s.stopDone = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("rpc stopped")
	case <-ctx.Done():
		// Force-stop the accept loop and pump.
		if sup != nil {
			sup.Cancel()
		}
		s.log.Warn("rpc stop timed out")
	}
}

func (s *Service) stopping() bool {
	s.mu.Lock()
	st := s.stopDone != nil
	s.mu.Unlock()
	return st
}

func (s *Service) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		s.serveConn(conn)
	}
}

// serveConn gives the connection its own jrpc2 server with push enabled.
func (s *Service) serveConn(conn net.Conn) {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	if sup == nil {
		_ = conn.Close()
		return
	}

	srv := jrpc2.NewServer(s.methods(), &jrpc2.ServerOptions{AllowPush: true})
	srv.Start(channel.Line(conn, conn))
	s.notif.Register(srv)

	n := s.connSeq.Add(1)
	s.log.Debug("client connected", logx.Uint64("conn", n), logx.String("remote", remoteName(conn)))
	sup.Go(fmt.Sprintf("conn.%d", n), func(context.Context) error {
		_ = srv.Wait()
		s.notif.Unregister(srv)
		s.log.Debug("client disconnected", logx.Uint64("conn", n))
		return nil
	})
}

// pumpEvents relays bus events to connected clients as push notifications
// named after the event type.
func (s *Service) pumpEvents(ctx context.Context, sub <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if !pushable(ev.Type) {
				continue
			}
			s.notif.Broadcast(ctx, ev.Type, ev.Data)
		}
	}
}

// pushable filters the bus down to client-relevant notifications. Log
// entries stay local.
func pushable(evType string) bool {
	return evType != eventbus.TypeLogEntry
}

func remoteName(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		if a := addr.String(); a != "" && a != "@" {
			return a
		}
	}
	return "local"
}
