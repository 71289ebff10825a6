package config

import (
	"sort"
	"strings"

	logx "alarmd/pkg/logx"
)

// SummarizeConfigChange returns (1) a compact list of changed sections and
// (2) safe structured attrs for logging (never includes secrets like tokens).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 20)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) ||
		oldCfg.Logging.Bus.Enabled != newCfg.Logging.Bus.Enabled ||
		oldCfg.Logging.Bus.MinLevel != newCfg.Logging.Bus.MinLevel ||
		oldCfg.Logging.Bus.RatePerSec != newCfg.Logging.Bus.RatePerSec {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logx.bus_enabled", newCfg.Logging.Bus.Enabled),
		)
	}

	// Engine
	if oldCfg.Engine.Enabled != newCfg.Engine.Enabled ||
		strings.TrimSpace(oldCfg.Engine.BatchWindow) != strings.TrimSpace(newCfg.Engine.BatchWindow) ||
		oldCfg.Engine.QueueSize != newCfg.Engine.QueueSize ||
		oldCfg.Engine.HistorySize != newCfg.Engine.HistorySize {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Bool("engine.enabled", newCfg.Engine.Enabled),
			logx.String("engine.batch_window", strings.TrimSpace(newCfg.Engine.BatchWindow)),
			logx.Int("engine.queue_size", newCfg.Engine.QueueSize),
			logx.Int("engine.history_size", newCfg.Engine.HistorySize),
		)
	}

	// Bridge. AllowWhileIdle is a tri-state pointer; compare set-ness and value.
	oIdleSet := oldCfg.Bridge.AllowWhileIdle != nil
	nIdleSet := newCfg.Bridge.AllowWhileIdle != nil
	idleChanged := oIdleSet != nIdleSet ||
		(oIdleSet && nIdleSet && *oldCfg.Bridge.AllowWhileIdle != *newCfg.Bridge.AllowWhileIdle)
	if idleChanged ||
		strings.TrimSpace(oldCfg.Bridge.BundlePath) != strings.TrimSpace(newCfg.Bridge.BundlePath) {
		changed = append(changed, "bridge")
		idleEffective := true
		if nIdleSet {
			idleEffective = *newCfg.Bridge.AllowWhileIdle
		}
		attrs = append(attrs,
			logx.Bool("bridge.allow_while_idle", idleEffective),
			logx.Bool("bridge.allow_while_idle_set", nIdleSet),
			logx.Bool("bridge.bundle_path_set", strings.TrimSpace(newCfg.Bridge.BundlePath) != ""),
		)
	}

	// Dispatch
	if oldCfg.Dispatch.QueueSize != newCfg.Dispatch.QueueSize ||
		strings.TrimSpace(oldCfg.Dispatch.InvokeTimeout) != strings.TrimSpace(newCfg.Dispatch.InvokeTimeout) ||
		oldCfg.Dispatch.HistorySize != newCfg.Dispatch.HistorySize {
		changed = append(changed, "dispatch")
		attrs = append(attrs,
			logx.Int("dispatch.queue_size", newCfg.Dispatch.QueueSize),
			logx.String("dispatch.invoke_timeout", strings.TrimSpace(newCfg.Dispatch.InvokeTimeout)),
			logx.Int("dispatch.history_size", newCfg.Dispatch.HistorySize),
		)
	}

	// RPC
	if oldCfg.RPC.Enabled != newCfg.RPC.Enabled ||
		strings.TrimSpace(oldCfg.RPC.Socket) != strings.TrimSpace(newCfg.RPC.Socket) ||
		strings.TrimSpace(oldCfg.RPC.TCPAddr) != strings.TrimSpace(newCfg.RPC.TCPAddr) {
		changed = append(changed, "rpc")
		attrs = append(attrs,
			logx.Bool("rpc.enabled", newCfg.RPC.Enabled),
			logx.Bool("rpc.socket_set", strings.TrimSpace(newCfg.RPC.Socket) != ""),
			logx.Bool("rpc.tcp_set", strings.TrimSpace(newCfg.RPC.TCPAddr) != ""),
		)
	}

	// Ops (never log token). Nil means disabled.
	oOps := oldCfg.Ops
	nOps := newCfg.Ops
	if oOps == nil {
		oOps = &OpsConfig{}
	}
	if nOps == nil {
		nOps = &OpsConfig{}
	}
	if oOps.Enabled != nOps.Enabled ||
		strings.TrimSpace(oOps.Addr) != strings.TrimSpace(nOps.Addr) ||
		oOps.AllowInsecure != nOps.AllowInsecure ||
		oOps.RatePerSec != nOps.RatePerSec ||
		oOps.Burst != nOps.Burst ||
		strings.TrimSpace(oOps.ReadTimeout) != strings.TrimSpace(nOps.ReadTimeout) ||
		strings.TrimSpace(oOps.WriteTimeout) != strings.TrimSpace(nOps.WriteTimeout) ||
		strings.TrimSpace(oOps.IdleTimeout) != strings.TrimSpace(nOps.IdleTimeout) ||
		(strings.TrimSpace(oOps.Token) != "") != (strings.TrimSpace(nOps.Token) != "") {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", nOps.Enabled),
			logx.String("ops.addr", strings.TrimSpace(nOps.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(nOps.Token) != ""),
			logx.Bool("ops.allow_insecure", nOps.AllowInsecure),
		)
	}

	// Storage (persistence). Nil means disabled.
	oldS := oldCfg.Storage
	newS := newCfg.Storage
	var oDriver, nDriver, oBusy, nBusy string
	var oPathSet, nPathSet bool
	var oMax, nMax int
	if oldS != nil {
		oDriver = strings.TrimSpace(oldS.Driver)
		oBusy = strings.TrimSpace(oldS.BusyTimeout)
		oPathSet = strings.TrimSpace(oldS.Path) != ""
		oMax = oldS.MaxEvents
	}
	if newS != nil {
		nDriver = strings.TrimSpace(newS.Driver)
		nBusy = strings.TrimSpace(newS.BusyTimeout)
		nPathSet = strings.TrimSpace(newS.Path) != ""
		nMax = newS.MaxEvents
	}
	if oDriver != nDriver || oBusy != nBusy || oPathSet != nPathSet || oMax != nMax {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", nDriver),
			logx.Bool("storage.path_set", nPathSet),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
