package config

// Config is the full daemon configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Files may be JSON or YAML; YAML is coerced to JSON before strict decoding,
// so unknown keys are rejected in both formats.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Engine   EngineConfig   `json:"engine"`
	Bridge   BridgeConfig   `json:"bridge"`
	Dispatch DispatchConfig `json:"dispatch"`
	RPC      RPCConfig      `json:"rpc"`
	Ops      *OpsConfig     `json:"ops,omitempty"`
	Storage  *StorageConfig `json:"storage,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Bus     LoggingBus  `json:"bus"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

type LoggingBus struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// EngineConfig controls the host alarm engine.
//
// Defaults (when fields are omitted/zero):
//   - batch_window: "30s" (inexact alarms are coalesced to window boundaries)
//   - queue_size: 256
//   - history_size: 200
type EngineConfig struct {
	Enabled bool `json:"enabled"`

	// BatchWindow is the coalescing granularity for inexact alarms.
	// Use "0s" to deliver inexact alarms at their nominal times.
	BatchWindow string `json:"batch_window,omitempty"`

	QueueSize   int `json:"queue_size,omitempty"`
	HistorySize int `json:"history_size,omitempty"`
}

// BridgeConfig controls the dispatch bridge.
//
// AllowWhileIdle is a pointer so "omitted" (probe the backend) can be told
// apart from an explicit false.
type BridgeConfig struct {
	AllowWhileIdle *bool  `json:"allow_while_idle,omitempty"`
	BundlePath     string `json:"bundle_path,omitempty"`
}

// DispatchConfig controls background execution contexts.
//
// Defaults (when fields are omitted/zero):
//   - queue_size: 64
//   - invoke_timeout: "30s"
//   - history_size: 100
type DispatchConfig struct {
	QueueSize int `json:"queue_size,omitempty"`

	// InvokeTimeout bounds a single callback run. Use "0s" to disable.
	InvokeTimeout string `json:"invoke_timeout,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// RPCConfig controls the control socket.
//
// If Socket is empty, a per-user default under the system temp directory is
// used. TCPAddr is a fallback for platforms or setups without unix sockets.
type RPCConfig struct {
	Enabled bool   `json:"enabled"`
	Socket  string `json:"socket,omitempty"`
	TCPAddr string `json:"tcp_addr,omitempty"`
}

// OpsConfig controls the read-only status HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:7069").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:7069"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Rate limiting for the whole API. rate_per_sec <= 0 disables it.
	RatePerSec float64 `json:"rate_per_sec,omitempty"`
	Burst      int     `json:"burst,omitempty"`

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// StorageConfig controls the optional audit event store.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./alarmd_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	// MaxEvents bounds retained audit records (0 = keep default).
	MaxEvents int `json:"max_events,omitempty"`
}

// Default returns a runnable configuration for hosts without a config file:
// console logging, engine on, RPC on its default socket, no ops server and
// no persistence.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Engine:  EngineConfig{Enabled: true},
		RPC:     RPCConfig{Enabled: true},
	}
}
