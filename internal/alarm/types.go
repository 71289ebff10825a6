package alarm

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"alarmd/internal/bridge"
	"alarmd/internal/eventbus"
	"alarmd/internal/storage"
	rtsup "alarmd/internal/runtime/supervisor"
	logx "alarmd/pkg/logx"
)

// Config controls the alarm engine.
//
// The app layer maps config.engine into this struct.
type Config struct {
	Enabled bool

	// BatchWindow coalesces inexact alarms: each computed fire time is
	// rounded up to the next window boundary. 0 disables batching.
	BatchWindow time.Duration

	// QueueSize bounds the fire delivery queue.
	QueueSize int

	HistorySize int
}

// FireFunc receives due alarms. The engine guarantees it is called from a
// single delivery goroutine.
type FireFunc func(handle int64)

// entry is one registration in the alarm table.
//
// Exactly one of sched/timer is armed depending on Repeating. version ties
// outstanding timer callbacks and tickets to this generation of the code.
type entry struct {
	reg     bridge.Registration
	version uint64

	sched   cron.Schedule // repeating
	entryID cron.EntryID  // repeating; 0 when not armed
	timer   *time.Timer   // one-shot; nil when not armed
	fireAt  time.Time     // one-shot effective fire time (after batching)

	fires       uint64
	pendingIdle bool // fired during idle; delivery deferred to idle-exit
}

// Info is a snapshot view of one registration.
type Info struct {
	Code           int32         `json:"code"`
	Handle         int64         `json:"handle"`
	Clock          string        `json:"clock"`
	Exact          bool          `json:"exact"`
	Repeating      bool          `json:"repeating"`
	AllowWhileIdle bool          `json:"allow_while_idle"`
	Interval       time.Duration `json:"interval,omitempty"`
	Next           time.Time     `json:"next,omitempty"`
	Fires          uint64        `json:"fires"`
	PendingIdle    bool          `json:"pending_idle,omitempty"`
}

// FireRecord is one delivered (or dropped) fire for the history ring.
type FireRecord struct {
	At     time.Time `json:"at"`
	Code   int32     `json:"code"`
	Handle int64     `json:"handle"`
	Error  string    `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Enabled bool `json:"enabled"`
	Idle    bool `json:"idle"`

	Alarms []Info `json:"alarms"`

	QueueLen int `json:"queue_len"`
	QueueCap int `json:"queue_cap"`

	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Deferred  uint64 `json:"deferred"`

	History []FireRecord `json:"history,omitempty"`
}

type fireItem struct {
	at     time.Time
	code   int32
	handle int64
	clock  bridge.Clock
	exact  bool
	repeat bool
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	store storage.Store

	fireFn FireFunc

	c       *cron.Cron
	entries map[int32]*entry
	// vers is monotonic per code and survives removal, so a ticket from a
	// canceled generation can never match a later one.
	vers map[int32]uint64

	idle bool

	q        chan fireItem
	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	hmu     sync.Mutex
	history []FireRecord

	delivered uint64
	dropped   uint64
	deferred  uint64

	lastDropWarnAt int64
}
