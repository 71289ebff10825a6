package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"
)

// Populated at build time via -ldflags.
var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	app := cli.NewApp()
	app.Name = "alarmd"
	app.HelpName = "alarmd"
	app.Usage = "host alarm scheduling and dispatch daemon"
	app.Version = version
	app.Commands = []cli.Command{
		runCommand,
		scheduleCommand,
		cancelCommand,
		listCommand,
		statusCommand,
		bindCommand,
		watchCommand,
		idleCommand,
		versionCommand,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "alarmd:", err)
		os.Exit(1)
	}
}
