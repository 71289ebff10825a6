package eventbus

import "time"

// Event types published by the alarm engine, the dispatch bridge and the
// host runtime. Consumers match on these; payloads are the structs below.
const (
	TypeAlarmScheduled = "alarm.scheduled"
	TypeAlarmReplaced  = "alarm.replaced"
	TypeAlarmCanceled  = "alarm.canceled"
	TypeAlarmFired     = "alarm.fired"
	TypeAlarmDeferred  = "alarm.deferred"
	TypeFireDropped    = "fire.dropped"

	TypeSessionStarted  = "session.started"
	TypeContextBound    = "context.bound"
	TypeContextLaunched = "context.launched"
	TypeInvokeDropped   = "invoke.dropped"

	TypeConfigReloaded = "config.reloaded"
	TypeLogEntry       = "log.entry"
)

// AlarmData describes a registration lifecycle change.
type AlarmData struct {
	Code      int32     `json:"code"`
	Handle    int64     `json:"handle"`
	Clock     string    `json:"clock"`
	Exact     bool      `json:"exact"`
	Repeating bool      `json:"repeating"`
	At        time.Time `json:"at,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// DropData describes a fire that was discarded instead of delivered.
type DropData struct {
	Handle int64  `json:"handle"`
	Reason string `json:"reason"`
}

// ContextData describes a background execution context binding.
type ContextData struct {
	ID     string `json:"id"`
	Handle int64  `json:"handle"`
	Entry  string `json:"entry,omitempty"`
}

// InvokeData describes a one-way invocation a background context discarded.
type InvokeData struct {
	ContextID string `json:"context_id"`
	Method    string `json:"method,omitempty"`
	Handle    int64  `json:"handle,omitempty"`
	Reason    string `json:"reason"`
}
