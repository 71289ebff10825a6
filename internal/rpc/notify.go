package rpc

import (
	"context"
	"sync"

	"github.com/creachadair/jrpc2"

	logx "alarmd/pkg/logx"
)

// Notifier maintains the set of connected jrpc2 servers and broadcasts
// push notifications to all of them.
type Notifier struct {
	mu      sync.RWMutex
	servers map[*jrpc2.Server]struct{}
	log     logx.Logger
}

func NewNotifier(log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		servers: map[*jrpc2.Server]struct{}{},
		log:     log,
	}
}

// Register adds a server to the broadcast set.
func (n *Notifier) Register(srv *jrpc2.Server) {
	n.mu.Lock()
	n.servers[srv] = struct{}{}
	n.mu.Unlock()
}

// Unregister removes a server from the broadcast set.
func (n *Notifier) Unregister(srv *jrpc2.Server) {
	n.mu.Lock()
	delete(n.servers, srv)
	n.mu.Unlock()
}

// Broadcast sends a push notification to every registered server. Servers
// that fail to receive (disconnected) are unregistered.
func (n *Notifier) Broadcast(ctx context.Context, method string, params any) {
	n.mu.RLock()
	servers := make([]*jrpc2.Server, 0, len(n.servers))
	for srv := range n.servers {
		servers = append(servers, srv)
	}
	n.mu.RUnlock()

	var failed []*jrpc2.Server
	for _, srv := range servers {
		if err := srv.Notify(ctx, method, params); err != nil {
			n.log.Debug("push failed", logx.String("method", method), logx.Err(err))
			failed = append(failed, srv)
		}
	}

	if len(failed) > 0 {
		n.mu.Lock()
		for _, srv := range failed {
			delete(n.servers, srv)
		}
		n.mu.Unlock()
	}
}

// Count returns the number of registered servers.
func (n *Notifier) Count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.servers)
}

// stopAll stops every registered server and clears the set.
func (n *Notifier) stopAll() {
	n.mu.Lock()
	servers := make([]*jrpc2.Server, 0, len(n.servers))
	for srv := range n.servers {
		servers = append(servers, srv)
	}
	n.servers = map[*jrpc2.Server]struct{}{}
	n.mu.Unlock()

	for _, srv := range servers {
		srv.Stop()
	}
}
