package storage

// Package storage persists the alarm audit trail.
//
// Every lifecycle event (scheduled, replaced, canceled, fired, deferred,
// dropped) can be appended and the most recent entries read back for the
// status API. Two backends: a dependency-free file backend and an optional
// SQLite backend behind the "sqlite" build tag.
