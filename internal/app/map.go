package app

import (
	"time"

	"alarmd/internal/alarm"
	"alarmd/internal/config"
	"alarmd/internal/dispatch"
	"alarmd/internal/ops"
	"alarmd/internal/rpc"
	"alarmd/internal/storage"
	logx "alarmd/pkg/logx"
)

// The config package holds the wire shapes; each service owns its runtime
// config. These helpers translate between the two and surface parse errors
// with field paths, so the validator can reject a bad edit before commit.

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Bus: logx.BusConfig{
			Enabled:    cfg.Logging.Bus.Enabled,
			MinLevel:   cfg.Logging.Bus.MinLevel,
			RatePerSec: cfg.Logging.Bus.RatePerSec,
		},
	}
}

func mapEngineConfig(cfg *config.Config) (alarm.Config, error) {
	window, err := config.ParseDurationField("engine.batch_window", cfg.Engine.BatchWindow)
	if err != nil {
		return alarm.Config{}, err
	}
	return alarm.Config{
		Enabled:     cfg.Engine.Enabled,
		BatchWindow: window,
		QueueSize:   cfg.Engine.QueueSize,
		HistorySize: cfg.Engine.HistorySize,
	}, nil
}

func mapDispatchConfig(cfg *config.Config) (dispatch.Config, error) {
	timeout, err := config.ParseDurationField("dispatch.invoke_timeout", cfg.Dispatch.InvokeTimeout)
	if err != nil {
		return dispatch.Config{}, err
	}
	return dispatch.Config{
		QueueSize:     cfg.Dispatch.QueueSize,
		InvokeTimeout: timeout,
		HistorySize:   cfg.Dispatch.HistorySize,
	}, nil
}

func mapRPCConfig(cfg *config.Config) rpc.Config {
	return rpc.Config{
		Enabled: cfg.RPC.Enabled,
		Socket:  cfg.RPC.Socket,
		TCPAddr: cfg.RPC.TCPAddr,
	}
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	if oc == nil {
		return ops.Config{}, nil
	}
	var durs [3]time.Duration
	for i, f := range []struct{ path, raw string }{
		{"ops.read_timeout", oc.ReadTimeout},
		{"ops.write_timeout", oc.WriteTimeout},
		{"ops.idle_timeout", oc.IdleTimeout},
	} {
		d, err := config.ParseDurationField(f.path, f.raw)
		if err != nil {
			return ops.Config{}, err
		}
		durs[i] = d
	}
	return ops.Config{
		Enabled:       oc.Enabled,
		Addr:          oc.Addr,
		Token:         oc.Token,
		AllowInsecure: oc.AllowInsecure,
		RatePerSec:    oc.RatePerSec,
		Burst:         oc.Burst,
		ReadTimeout:   durs[0],
		WriteTimeout:  durs[1],
		IdleTimeout:   durs[2],
	}, nil
}

// mapStorageConfig returns (config, enabled, error). A nil or "none"
// section disables the store.
func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil || sc.Driver == "" || sc.Driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{
		Driver:      sc.Driver,
		Path:        sc.Path,
		BusyTimeout: busy,
		MaxEvents:   sc.MaxEvents,
	}, true, nil
}
