// Package app owns construction and lifecycle of the alarmd daemon: it
// wires config, logging, the event bus, storage, the alarm engine, the
// dispatch bridge and the boundary surfaces (RPC, ops) together, and runs
// hot config reload.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"alarmd/internal/alarm"
	"alarmd/internal/bridge"
	"alarmd/internal/config"
	"alarmd/internal/dispatch"
	"alarmd/internal/eventbus"
	"alarmd/internal/ops"
	"alarmd/internal/registry"
	"alarmd/internal/rpc"
	"alarmd/internal/runtime/lifecycle"
	rtsup "alarmd/internal/runtime/supervisor"
	"alarmd/internal/storage"
	logx "alarmd/pkg/logx"
)

// The stock background entry point is registered under this pair; its
// handle is what alarm.bind resolves when a client binds the built-in
// callback dispatcher.
const (
	dispatcherEntryName = "callback-dispatcher"
	dispatcherLibrary   = "alarmd"
)

type App struct {
	cfgPath string
	cfgm    *config.Manager
	sup     *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine *alarm.Service
	disp   *dispatch.Service
	reg    *registry.Registry
	bridge *bridge.Bridge
	rpc    *rpc.Service
	ops    *ops.Service

	dispatcherHandle int64
}

// NewApp builds the full component graph from the config file at cfgPath.
// An empty path runs on config.Default() without file watching.
func NewApp(cfgPath string, ver rpc.VersionInfo) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	var cfg *config.Config
	if strings.TrimSpace(cfgPath) == "" {
		cfg = config.Default()
		cfgm.Commit(cfg)
	} else {
		c, err := cfgm.Load()
		if err != nil {
			return nil, err
		}
		cfg = c
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	bus := eventbus.New()
	logSvc, log := logx.New(mapLoggingConfig(cfg), bus)
	log = log.With(logx.String("comp", "app"))

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		store = st
		if store != nil {
			log.Info("storage enabled", logx.String("driver", sc.Driver))
		}
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return nil, err
	}
	engine := alarm.New(engCfg, log.With(logx.String("comp", "engine")), bus, store)

	reg := registry.New()

	dispCfg, err := mapDispatchConfig(cfg)
	if err != nil {
		return nil, err
	}
	disp := dispatch.New(dispCfg, reg, log.With(logx.String("comp", "dispatch")), bus)

	// Capability probe: the in-process engine delivers while-idle, so the
	// capability defaults on; config can force it off to mimic hosts
	// without idle allowance.
	caps := bridge.Caps{AllowWhileIdle: true}
	if cfg.Bridge.AllowWhileIdle != nil {
		caps.AllowWhileIdle = *cfg.Bridge.AllowWhileIdle
	}
	br := bridge.New(bridge.Config{Caps: caps, BundlePath: cfg.Bridge.BundlePath},
		engine, reg, disp, log.With(logx.String("comp", "bridge")), bus)
	engine.SetFireFunc(br.HandleFire)

	// Stock entry point: drains the bound context's queue and flips the
	// session to started once its loop is up.
	handle, err := reg.Register(dispatcherEntryName, dispatcherLibrary,
		dispatch.Dispatcher(dispatch.DispatcherOptions{Ready: br.Initialize}))
	if err != nil {
		return nil, fmt.Errorf("register stock dispatcher: %w", err)
	}

	// Default registrant: a liveness probe handler embedders can extend via
	// SetRegistrant before binding.
	br.SetRegistrant(bridge.RegistrantFunc(func(hr bridge.HandlerRegistry) {
		hr.Handle("session.ping", func(context.Context, []any) error { return nil })
	}))

	rpcSvc := rpc.New(mapRPCConfig(cfg),
		rpc.Deps{Bridge: br, Engine: engine, Version: ver},
		log.With(logx.String("comp", "rpc")), bus)

	opsCfg, err := mapOpsConfig(cfg)
	if err != nil {
		return nil, err
	}
	opsSvc := ops.New(opsCfg,
		ops.Deps{Bridge: br, Engine: engine, Dispatch: disp, Store: store, Bus: bus},
		log.With(logx.String("comp", "ops")))

	return &App{
		cfgPath:          cfgPath,
		cfgm:             cfgm,
		log:              log,
		logs:             logSvc,
		bus:              bus,
		store:            store,
		engine:           engine,
		disp:             disp,
		reg:              reg,
		bridge:           br,
		rpc:              rpcSvc,
		ops:              opsSvc,
		dispatcherHandle: handle,
	}, nil
}

// Bridge exposes the dispatch shim for embedders and tests.
func (a *App) Bridge() *bridge.Bridge { return a.bridge }

// Registry exposes the callback-handle registry so embedders can register
// their own entry points before binding.
func (a *App) Registry() *registry.Registry { return a.reg }

// DispatcherHandle is the callback handle of the stock dispatcher entry.
func (a *App) DispatcherHandle() int64 { return a.dispatcherHandle }

// Done is closed when the app supervisor context is canceled (fatal error
// or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if err := config.Validate(cfg); err != nil {
			return err
		}
		if _, err := mapEngineConfig(cfg); err != nil {
			return err
		}
		if _, err := mapDispatchConfig(cfg); err != nil {
			return err
		}
		if _, err := mapOpsConfig(cfg); err != nil {
			return err
		}
		if _, _, err := mapStorageConfig(cfg); err != nil {
			return err
		}
		return nil
	})

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	a.disp.Start(a.sup.Context())
	if err := a.rpc.Start(a.sup.Context()); err != nil {
		return err
	}
	if a.ops.Enabled() {
		a.ops.Start(a.sup.Context())
	}

	// Event tap: debug-log bus traffic and attach the delivery channel to
	// a freshly bound background context. SetChannel here keeps last-
	// writer-wins semantics on rebinds after a restart.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.tap", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
				if e.Type != eventbus.TypeContextBound {
					continue
				}
				d, ok := e.Data.(eventbus.ContextData)
				if !ok {
					continue
				}
				ref, ok := a.disp.Ref(d.ID)
				if !ok {
					a.log.Warn("bound context not found in dispatch service", logx.String("ctx", d.ID))
					continue
				}
				ch, err := dispatch.NewChannel(ref)
				if err != nil {
					a.log.Error("channel attach failed", logx.String("ctx", d.ID), logx.Err(err))
					continue
				}
				a.bridge.SetChannel(ch)
				a.log.Info("delivery channel attached", logx.String("ctx", d.ID))
			}
		}
	})

	if strings.TrimSpace(a.cfgPath) != "" {
		sub := a.cfgm.Subscribe(8)
		a.sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	a.log.Info("app started")
	return nil
}

// reloadLoop applies committed config updates to live services. Bursts are
// coalesced to the newest config.
func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					goto APPLY
				}
			}
		APPLY:
			sections, attrs := config.SummarizeConfigChange(lastApplied, newCfg)
			if len(sections) == 0 {
				a.log.Debug("config reload received, but no effective changes detected")
				continue
			}
			fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
			a.log.Debug("config change summary", fields...)
			lastApplied = newCfg

			for _, s := range sections {
				switch s {
				case "storage":
					a.log.Warn("storage config changed; restart required for changes to take effect")
				case "rpc":
					a.rpc.Apply(mapRPCConfig(newCfg))
					a.log.Warn("rpc endpoint config changed; takes effect after restart")
				case "bridge":
					// Caps and bundle path are injected at construction.
					a.log.Warn("bridge config changed; restart required for changes to take effect")
				}
			}

			a.logs.Apply(mapLoggingConfig(newCfg))

			// Engine: live Apply plus enable/disable transitions.
			if engCfg, err := mapEngineConfig(newCfg); err != nil {
				a.log.Warn("invalid engine config; keeping previous", logx.Err(err))
			} else {
				prevEnabled := a.engine.Enabled()
				a.engine.Apply(c, engCfg)
				switch {
				case prevEnabled && !engCfg.Enabled:
					a.log.Info("engine disabled via config")
					stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
					a.engine.Stop(stopCtx)
					cancel()
				case !prevEnabled && engCfg.Enabled:
					a.log.Info("engine enabled via config")
					a.engine.Start(c)
				}
			}

			if dispCfg, err := mapDispatchConfig(newCfg); err != nil {
				a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
			} else {
				a.disp.Apply(dispCfg)
			}

			if opsCfg, err := mapOpsConfig(newCfg); err != nil {
				a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
			} else {
				a.ops.Reconfigure(c, opsCfg)
			}

			a.bus.Publish(eventbus.Event{Type: eventbus.TypeConfigReloaded})
			a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
		}
	}
}

func (a *App) Stop(ctx context.Context, reason lifecycle.StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", reason.String()))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// step bounds one component's shutdown so it can't stall the whole
	// stop; the caller's deadline is respected and never extended.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// Contract: fn must honor stepCtx; log a leak signal if it doesn't.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline",
						logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				} else {
					a.log.Info("stop step finished after deadline",
						logx.String("name", name), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// Boundary surfaces first so no new work arrives, then the engine
	// (stops firing), then dispatch (drains deliveries), then storage.
	step("rpc", 2*time.Second, func(c context.Context) error { a.rpc.Stop(c); return nil })
	step("ops", 1*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("engine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("dispatch", 2*time.Second, func(c context.Context) error { a.disp.Stop(c); return nil })
	step("storage", 1*time.Second, func(c context.Context) error {
		if a.store == nil {
			return nil
		}
		_ = a.store.AppendEvent(c, storage.Event{
			At: time.Now(), Kind: "daemon.stop", Detail: reason.String(),
		})
		return a.store.Close()
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
