package rpc

import (
	"os"
	"path/filepath"

	"github.com/creachadair/jrpc2"

	"alarmd/internal/alarm"
	"alarmd/internal/bridge"
)

// Custom JSON-RPC error codes for bind and schedule operations.
const (
	codeUnresolvedHandle = jrpc2.Code(-32001)
	codeContextBound     = jrpc2.Code(-32002)
	codeInvalidParams    = jrpc2.Code(-32602)
)

const socketPathEnv = "ALARMD_SOCKET_PATH"

// DefaultSocketPath is used when the config names neither a socket nor a
// TCP address.
func DefaultSocketPath() string {
	if p := os.Getenv(socketPathEnv); p != "" {
		return p
	}
	return filepath.Join(os.TempDir(), "alarmd.sock")
}

// Config holds the RPC endpoint settings.
type Config struct {
	Enabled bool
	// Socket is the unix socket path. Empty with a TCPAddr set means TCP
	// only; empty with no TCPAddr falls back to DefaultSocketPath.
	Socket string
	// TCPAddr is an optional host:port fallback listener address.
	TCPAddr string
}

// VersionInfo identifies the running daemon build.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
}

// CancelParams is the input for alarm.cancel.
type CancelParams struct {
	Code int32 `json:"code"`
}

// BindParams is the input for alarm.bind.
type BindParams struct {
	Handle int64 `json:"handle"`
}

// BindResult is the response for alarm.bind.
type BindResult struct {
	Bound bool `json:"bound"`
}

// IdleParams is the input for engine.idle.
type IdleParams struct {
	Idle bool `json:"idle"`
}

// StatusResult is the response for session.status.
type StatusResult struct {
	Session       bridge.Stats `json:"session"`
	EngineEnabled bool         `json:"engine_enabled"`
	Idle          bool         `json:"idle"`
	Clients       int          `json:"clients"`
}

// ListResult is the response for alarm.list.
type ListResult struct {
	Snapshot alarm.Snapshot `json:"snapshot"`
}

// EmptyResult is a placeholder for methods that return no data.
type EmptyResult struct{}
