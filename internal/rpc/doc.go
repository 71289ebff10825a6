// Package rpc exposes the daemon's control surface as JSON-RPC 2.0 over a
// unix socket (with an optional TCP listener). Each accepted connection
// gets its own jrpc2 server with push enabled; bus events are broadcast to
// every connected client as server notifications under the event type name.
package rpc
