package alarmcli

import (
	"hash/fnv"
	"time"
)

// Handle derives the stable callback handle for a (name, library)
// identity. The daemon derives handles the same way, so a client can
// compute them without a lookup round-trip.
func Handle(name, library string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(library))
	_, _ = h.Write([]byte("::"))
	_, _ = h.Write([]byte(name))
	return int64(h.Sum64())
}

// DispatcherHandle is the handle of the daemon's stock callback
// dispatcher entry point.
func DispatcherHandle() int64 {
	return Handle("callback-dispatcher", "alarmd")
}

// Wire shapes mirror the daemon's JSON-RPC surface. They are declared here
// so client binaries do not depend on daemon internals.

// ScheduleRequest registers (or replaces) the alarm under Code.
type ScheduleRequest struct {
	Code           int32 `json:"code"`
	Repeating      bool  `json:"repeating"`
	Exact          bool  `json:"exact"`
	Wakeup         bool  `json:"wakeup"`
	StartMillis    int64 `json:"start_millis"`
	IntervalMillis int64 `json:"interval_millis"`
	Handle         int64 `json:"handle"`
}

// SessionStats is the bridge's diagnostic view.
type SessionStats struct {
	Started           bool   `json:"started"`
	Bound             bool   `json:"bound"`
	BoundHandle       int64  `json:"bound_handle,omitempty"`
	ContextID         string `json:"context_id,omitempty"`
	Delivered         uint64 `json:"delivered"`
	DroppedNotStarted uint64 `json:"dropped_not_started"`
	DroppedNoChannel  uint64 `json:"dropped_no_channel"`
}

// Status is the session.status result.
type Status struct {
	Session       SessionStats `json:"session"`
	EngineEnabled bool         `json:"engine_enabled"`
	Idle          bool         `json:"idle"`
	Clients       int          `json:"clients"`
}

// Alarm is one live registration.
type Alarm struct {
	Code           int32         `json:"code"`
	Handle         int64         `json:"handle"`
	Clock          string        `json:"clock"`
	Exact          bool          `json:"exact"`
	Repeating      bool          `json:"repeating"`
	AllowWhileIdle bool          `json:"allow_while_idle"`
	Interval       time.Duration `json:"interval,omitempty"`
	Next           time.Time     `json:"next,omitempty"`
	Fires          uint64        `json:"fires"`
}

// Snapshot is the alarm.list result payload.
type Snapshot struct {
	Enabled   bool    `json:"enabled"`
	Idle      bool    `json:"idle"`
	Alarms    []Alarm `json:"alarms"`
	Delivered uint64  `json:"delivered"`
	Dropped   uint64  `json:"dropped"`
	Deferred  uint64  `json:"deferred"`
}

// Version identifies the daemon build.
type Version struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
}

// FireEvent is the payload of an alarm.fired push notification.
type FireEvent struct {
	At     time.Time `json:"at,omitempty"`
	Code   int32     `json:"code"`
	Handle int64     `json:"handle"`
	Clock  string    `json:"clock,omitempty"`
}

type listResult struct {
	Snapshot Snapshot `json:"snapshot"`
}

type bindResult struct {
	Bound bool `json:"bound"`
}
