// Package dispatch hosts background execution contexts: the isolated
// runtime slots that fired alarms are delivered into.
//
// A context is created from a code bundle path and an entry point. It owns
// a bounded invocation queue and a named-handler table; the entry function
// only drains. Delivery into a context is one-way and never blocks the
// sender, so a full queue drops the invocation and the drop is counted,
// logged and published.
//
// # Entry points
//
// The entry point owns the drain loop. Dispatcher is the stock one: it
// resolves fired callback handles to registered entry points and runs each
// callback with a per-call timeout and panic containment. Embedders with
// different needs supply their own bridge.EntryFunc instead.
//
// # History
//
// Each context keeps a small in-memory history of recent invocations for
// operator visibility.
package dispatch
