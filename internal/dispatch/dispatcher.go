package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"alarmd/internal/bridge"
	logx "alarmd/pkg/logx"
)

// DispatcherOptions configures the stock entry point.
type DispatcherOptions struct {
	// Ready runs just before the drain loop starts accepting work, on
	// every (re)start of the entry. Wire it to the session-start signal;
	// the signal must tolerate repeats.
	Ready func()
}

// Dispatcher returns the stock entry point. It drains the context's
// invocation queue: an empty method is a fired alarm whose first argument
// is the callback handle to resolve and run, a named method is routed to
// the context's handler table. Each run is bounded by the invoke timeout
// and a panicking callback does not take the loop down.
func Dispatcher(opts DispatcherOptions) bridge.EntryFunc {
	return func(ctx context.Context, env bridge.Env) error {
		var host *Context
		log := logx.Nop()
		if c, ok := env.(*Context); ok {
			host = c
			log = c.log
		}

		if opts.Ready != nil {
			opts.Ready()
		}

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case inv, ok := <-env.Invocations():
				if !ok {
					return nil
				}
				runInvocation(ctx, env, host, log, inv)
			}
		}
	}
}

func runInvocation(ctx context.Context, env bridge.Env, host *Context, log logx.Logger, inv bridge.Invocation) {
	start := time.Now()

	timeout := defaultInvokeTimeout
	if host != nil {
		timeout = host.svc.callTimeout()
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	err := dispatchOne(callCtx, env, inv)
	cancel()

	if host != nil {
		handle, _ := handleArg(inv.Args)
		rec := InvokeRecord{At: start, Method: inv.Method, Handle: handle}
		if err != nil {
			host.failed.Add(1)
			rec.Error = err.Error()
		}
		host.invoked.Add(1)
		host.record(rec)
	}
	if err != nil {
		log.Error("invocation failed",
			logx.String("method", inv.Method), logx.Err(err), logx.Duration("took", time.Since(start)))
		return
	}
	log.Debug("invocation handled",
		logx.String("method", inv.Method), logx.Duration("took", time.Since(start)))
}

func dispatchOne(ctx context.Context, env bridge.Env, inv bridge.Invocation) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	if inv.Method == "" {
		handle, ok := handleArg(inv.Args)
		if !ok {
			return errors.New("fire invocation without a callback handle")
		}
		ep, ok := env.Resolve(handle)
		if !ok || ep.Run == nil {
			return fmt.Errorf("handle %d: %w", handle, bridge.ErrUnresolvedHandle)
		}
		return ep.Run(ctx, env)
	}

	fn, ok := lookupHandler(env, inv.Method)
	if !ok {
		return fmt.Errorf("no handler for method %q", inv.Method)
	}
	return fn(ctx, inv.Args)
}

func lookupHandler(env bridge.Env, method string) (bridge.HandlerFunc, bool) {
	hs, ok := env.Handlers().(*handlerSet)
	if !ok {
		return nil, false
	}
	return hs.lookup(method)
}

// handleArg extracts the callback handle from a fire invocation's argument
// vector. In-process senders pass int64; decoded wire payloads may carry
// the other numeric shapes.
func handleArg(args []any) (int64, bool) {
	if len(args) == 0 {
		return 0, false
	}
	switch v := args[0].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case uint64:
		return int64(v), true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
