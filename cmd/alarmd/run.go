package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	sdaemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli"

	"alarmd/internal/app"
	"alarmd/internal/rpc"
	"alarmd/internal/runtime/lifecycle"
)

var runCommand = cli.Command{
	Name:  "run",
	Usage: "run the daemon",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to config file (json or yaml); omit for built-in defaults",
		},
	},
	Action: runDaemon,
}

func runDaemon(c *cli.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	a, err := app.NewApp(c.String("config"), rpc.VersionInfo{
		Version:   version,
		Commit:    commit,
		BuildDate: date,
	})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}

	// systemd integration is a no-op outside a unit (no NOTIFY_SOCKET).
	_, _ = sdaemon.SdNotify(false, sdaemon.SdNotifyReady)
	if interval, err := sdaemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		go watchdogLoop(ctx, interval)
	}

	reason := lifecycle.StopAppStop
	select {
	case s := <-sigCh:
		if s == syscall.SIGTERM {
			reason = lifecycle.StopSIGTERM
		} else {
			reason = lifecycle.StopSIGINT
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = lifecycle.StopFatalError
		}
	}
	cancel()
	_, _ = sdaemon.SdNotify(false, sdaemon.SdNotifyStopping)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	return a.Stop(stopCtx, reason)
}

func watchdogLoop(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval / 2)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = sdaemon.SdNotify(false, sdaemon.SdNotifyWatchdog)
		}
	}
}
