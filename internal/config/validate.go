package config

import (
	"fmt"
	"net"
	"strings"
)

// Validate performs fast static checks on a parsed config.
// It is installed as the Watch() validator so a bad edit never
// reaches subscribers; the same checks run once at startup.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	if err := validLevel("logging.level", cfg.Logging.Level); err != nil {
		return err
	}
	if err := validLevel("logging.bus.min_level", cfg.Logging.Bus.MinLevel); err != nil {
		return err
	}
	if cfg.Logging.Bus.RatePerSec < 0 {
		return fmt.Errorf("logging.bus.rate_per_sec: must be >= 0")
	}

	if _, err := ParseDurationField("engine.batch_window", cfg.Engine.BatchWindow); err != nil {
		return err
	}
	if cfg.Engine.QueueSize < 0 {
		return fmt.Errorf("engine.queue_size: must be >= 0")
	}
	if cfg.Engine.HistorySize < 0 {
		return fmt.Errorf("engine.history_size: must be >= 0")
	}

	if _, err := ParseDurationField("dispatch.invoke_timeout", cfg.Dispatch.InvokeTimeout); err != nil {
		return err
	}
	if cfg.Dispatch.QueueSize < 0 {
		return fmt.Errorf("dispatch.queue_size: must be >= 0")
	}

	if ops := cfg.Ops; ops != nil && ops.Enabled {
		addr := strings.TrimSpace(ops.Addr)
		if addr == "" {
			addr = "127.0.0.1:7069"
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("ops.addr: %w", err)
		}
		// Safety: prevent accidental public exposure without auth.
		if !ops.AllowInsecure && strings.TrimSpace(ops.Token) == "" && !isLoopbackAddr(addr) {
			return fmt.Errorf("ops.addr: non-loopback addr requires token or allow_insecure")
		}
		for _, f := range []struct{ path, raw string }{
			{"ops.read_timeout", ops.ReadTimeout},
			{"ops.write_timeout", ops.WriteTimeout},
			{"ops.idle_timeout", ops.IdleTimeout},
		} {
			if _, err := ParseDurationField(f.path, f.raw); err != nil {
				return err
			}
		}
		if ops.Burst < 0 {
			return fmt.Errorf("ops.burst: must be >= 0")
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.TrimSpace(st.Driver) {
		case "", "file", "sqlite":
		default:
			return fmt.Errorf("storage.driver: unknown driver %q (supported: file, sqlite)", st.Driver)
		}
		if _, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout); err != nil {
			return err
		}
		if st.MaxEvents < 0 {
			return fmt.Errorf("storage.max_events: must be >= 0")
		}
	}

	return nil
}

func validLevel(path, raw string) error {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", "TRACE", "DEBUG", "INFO", "WARN", "WARNING", "ERROR":
		return nil
	default:
		return fmt.Errorf("%s: unknown level %q", path, raw)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// empty host means all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	if ip == nil {
		return false
	}
	return ip.IsLoopback()
}
