package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli"

	"alarmd/pkg/alarmcli"
)

var (
	socketFlag = cli.StringFlag{Name: "socket, s", Usage: "daemon unix socket path"}
	tcpFlag    = cli.StringFlag{Name: "tcp", Usage: "daemon TCP address (fallback transport)"}

	connFlags = []cli.Flag{socketFlag, tcpFlag}
)

func dial(c *cli.Context) (*alarmcli.Client, error) {
	if addr := c.String("tcp"); addr != "" {
		return alarmcli.DialTCP(addr)
	}
	if p := c.String("socket"); p != "" {
		return alarmcli.DialPath(p)
	}
	return alarmcli.Dial()
}

func callCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

var scheduleCommand = cli.Command{
	Name:  "schedule",
	Usage: "register (or replace) an alarm",
	Flags: append([]cli.Flag{
		cli.IntFlag{Name: "code", Usage: "caller-chosen request code (identity key)"},
		cli.Int64Flag{Name: "handle", Usage: "callback handle (default: the stock dispatcher)"},
		cli.StringFlag{Name: "at", Usage: "absolute start time, RFC 3339"},
		cli.DurationFlag{Name: "in", Usage: "relative start time from now"},
		cli.DurationFlag{Name: "every", Usage: "repeat interval (makes the alarm repeating)"},
		cli.BoolFlag{Name: "exact", Usage: "request exact delivery"},
		cli.BoolFlag{Name: "wakeup", Usage: "use the waking clock"},
	}, connFlags...),
	Action: func(c *cli.Context) error {
		start := time.Now()
		if s := c.String("at"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}
			start = t
		} else if d := c.Duration("in"); d > 0 {
			start = start.Add(d)
		}
		handle := c.Int64("handle")
		if handle == 0 {
			handle = alarmcli.DispatcherHandle()
		}
		every := c.Duration("every")

		req := alarmcli.ScheduleRequest{
			Code:           int32(c.Int("code")),
			Repeating:      every > 0,
			Exact:          c.Bool("exact"),
			Wakeup:         c.Bool("wakeup"),
			StartMillis:    start.UnixMilli(),
			IntervalMillis: every.Milliseconds(),
			Handle:         handle,
		}

		cl, err := dial(c)
		if err != nil {
			return err
		}
		defer cl.Close()

		ctx, cancel := callCtx()
		defer cancel()
		if err := cl.Schedule(ctx, req); err != nil {
			return err
		}
		fmt.Printf("scheduled code=%d start=%s\n", req.Code, start.Format(time.RFC3339))
		return nil
	},
}

var cancelCommand = cli.Command{
	Name:  "cancel",
	Usage: "cancel the alarm registered under a request code",
	Flags: append([]cli.Flag{
		cli.IntFlag{Name: "code", Usage: "request code to cancel"},
	}, connFlags...),
	Action: func(c *cli.Context) error {
		cl, err := dial(c)
		if err != nil {
			return err
		}
		defer cl.Close()

		ctx, cancel := callCtx()
		defer cancel()
		if err := cl.Cancel(ctx, int32(c.Int("code"))); err != nil {
			return err
		}
		fmt.Printf("canceled code=%d\n", c.Int("code"))
		return nil
	},
}

var listCommand = cli.Command{
	Name:   "list",
	Usage:  "list live alarm registrations",
	Flags:  connFlags,
	Action: func(c *cli.Context) error {
		cl, err := dial(c)
		if err != nil {
			return err
		}
		defer cl.Close()

		ctx, cancel := callCtx()
		defer cancel()
		snap, err := cl.List(ctx)
		if err != nil {
			return err
		}
		if len(snap.Alarms) == 0 {
			fmt.Println("no alarms registered")
			return nil
		}
		fmt.Printf("%-8s %-10s %-12s %-7s %-25s %s\n", "CODE", "MODE", "CLOCK", "FIRES", "NEXT", "HANDLE")
		for _, a := range snap.Alarms {
			mode := "once"
			if a.Repeating {
				mode = "every " + a.Interval.String()
			}
			if a.Exact {
				mode += " exact"
			}
			next := "-"
			if !a.Next.IsZero() {
				next = a.Next.Format(time.RFC3339)
			}
			fmt.Printf("%-8d %-10s %-12s %-7d %-25s %d\n", a.Code, mode, a.Clock, a.Fires, next, a.Handle)
		}
		return nil
	},
}

var statusCommand = cli.Command{
	Name:   "status",
	Usage:  "show session and engine state",
	Flags:  connFlags,
	Action: func(c *cli.Context) error {
		cl, err := dial(c)
		if err != nil {
			return err
		}
		defer cl.Close()

		ctx, cancel := callCtx()
		defer cancel()
		st, err := cl.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("session started:  %v\n", st.Session.Started)
		fmt.Printf("context bound:    %v", st.Session.Bound)
		if st.Session.Bound {
			fmt.Printf(" (ctx=%s handle=%d)", st.Session.ContextID, st.Session.BoundHandle)
		}
		fmt.Println()
		fmt.Printf("engine enabled:   %v\n", st.EngineEnabled)
		fmt.Printf("idle:             %v\n", st.Idle)
		fmt.Printf("delivered:        %d\n", st.Session.Delivered)
		fmt.Printf("dropped:          %d (not-started) / %d (no-channel)\n",
			st.Session.DroppedNotStarted, st.Session.DroppedNoChannel)
		fmt.Printf("clients:          %d\n", st.Clients)
		return nil
	},
}

var bindCommand = cli.Command{
	Name:  "bind",
	Usage: "bind the background execution context for a callback handle",
	Flags: append([]cli.Flag{
		cli.Int64Flag{Name: "handle", Usage: "callback handle (default: the stock dispatcher)"},
	}, connFlags...),
	Action: func(c *cli.Context) error {
		handle := c.Int64("handle")
		if handle == 0 {
			handle = alarmcli.DispatcherHandle()
		}
		cl, err := dial(c)
		if err != nil {
			return err
		}
		defer cl.Close()

		ctx, cancel := callCtx()
		defer cancel()
		bound, err := cl.Bind(ctx, handle)
		if err != nil {
			return err
		}
		fmt.Printf("bound=%v handle=%d\n", bound, handle)
		return nil
	},
}

var watchCommand = cli.Command{
	Name:   "watch",
	Usage:  "stay connected and print fired-alarm notifications",
	Flags:  connFlags,
	Action: func(c *cli.Context) error {
		cl, err := dial(c)
		if err != nil {
			return err
		}
		defer cl.Close()

		cl.OnFire(func(ev alarmcli.FireEvent) {
			at := ev.At
			if at.IsZero() {
				at = time.Now()
			}
			fmt.Printf("%s fired code=%d handle=%d clock=%s\n",
				at.Format(time.RFC3339), ev.Code, ev.Handle, ev.Clock)
		})

		fmt.Println("watching for fired alarms; Ctrl-C to stop")
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		<-ctx.Done()
		return nil
	},
}

var idleCommand = cli.Command{
	Name:      "idle",
	Usage:     "flip the daemon's simulated idle state",
	ArgsUsage: "on|off",
	Flags:     connFlags,
	Action: func(c *cli.Context) error {
		var idle bool
		switch c.Args().First() {
		case "on":
			idle = true
		case "off":
			idle = false
		default:
			return fmt.Errorf("expected argument: on or off")
		}
		cl, err := dial(c)
		if err != nil {
			return err
		}
		defer cl.Close()

		ctx, cancel := callCtx()
		defer cancel()
		if err := cl.SetIdle(ctx, idle); err != nil {
			return err
		}
		fmt.Printf("idle=%v\n", idle)
		return nil
	},
}

var versionCommand = cli.Command{
	Name:   "version",
	Usage:  "print client and daemon versions",
	Flags:  connFlags,
	Action: func(c *cli.Context) error {
		fmt.Printf("client: %s\n", version)
		cl, err := dial(c)
		if err != nil {
			fmt.Println("daemon: unreachable")
			return nil
		}
		defer cl.Close()

		ctx, cancel := callCtx()
		defer cancel()
		v, err := cl.Version(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("daemon: %s", v.Version)
		if v.Commit != "" {
			fmt.Printf(" (%s)", v.Commit)
		}
		fmt.Println()
		return nil
	},
}
