package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (jsonl + in-memory recent ring)
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxEvents   int           // retained event bound; 0 means default (1000)
}

const defaultMaxEvents = 1000

// Event records one alarm lifecycle transition.
// Keep it compact and schema-stable.
type Event struct {
	At        time.Time `json:"at"`
	Kind      string    `json:"kind"`
	Code      int32     `json:"code,omitempty"`
	Handle    int64     `json:"handle,omitempty"`
	Clock     string    `json:"clock,omitempty"`
	Exact     bool      `json:"exact,omitempty"`
	Repeating bool      `json:"repeating,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}
