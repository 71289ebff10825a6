package dispatch

import "time"

// Config controls background context hosting.
type Config struct {
	// QueueSize bounds each context's invocation queue. Contexts keep the
	// size they were created with.
	QueueSize int
	// InvokeTimeout bounds one callback or handler run.
	InvokeTimeout time.Duration
	// HistorySize bounds each context's invocation history ring.
	HistorySize int
}

const (
	defaultQueueSize     = 64
	defaultInvokeTimeout = 30 * time.Second
	defaultHistorySize   = 100
)

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = defaultInvokeTimeout
	}
	if c.HistorySize <= 0 {
		c.HistorySize = defaultHistorySize
	}
	return c
}

// InvokeRecord is one processed or discarded invocation.
type InvokeRecord struct {
	At     time.Time `json:"at"`
	Method string    `json:"method,omitempty"`
	Handle int64     `json:"handle,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// ContextInfo is a point-in-time view of one context.
type ContextInfo struct {
	ID       string         `json:"id"`
	Entry    string         `json:"entry"`
	Bundle   string         `json:"bundle,omitempty"`
	Running  bool           `json:"running"`
	QueueLen int            `json:"queue_len"`
	QueueCap int            `json:"queue_cap"`
	Invoked  uint64         `json:"invoked"`
	Dropped  uint64         `json:"dropped"`
	Failed   uint64         `json:"failed"`
	History  []InvokeRecord `json:"history,omitempty"`
}

// Snapshot is the service-wide diagnostic view.
type Snapshot struct {
	Running  bool          `json:"running"`
	Contexts []ContextInfo `json:"contexts"`
}
