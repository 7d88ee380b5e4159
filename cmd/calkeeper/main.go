package main

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/keeperhq/calkeeper/internal/app"
	"github.com/keeperhq/calkeeper/internal/commands"
)

// Version information - populated at build time
var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
)

// selfContained lists commands that bootstrap their own environment and
// must not require a fully configured application.
var selfContained = map[string]bool{
	"init": true,
	"help": true,
}

func main() {
	cliApp := &cli.App{
		Name:  "calkeeper",
		Usage: "Busy/free calendar sync service",
		Description: "calkeeper aggregates events from a user's calendar sources and " +
			"pushes anonymized busy blocks to their destination calendars.\n\n" +
			"Run 'serve' for the long-running server or 'sync' for a one-shot pass.",
		Version: Version,
		Compiled: func() time.Time {
			t, err := time.Parse(time.RFC3339, BuildTime)
			if err != nil {
				return time.Now()
			}
			return t
		}(),
		Before: func(c *cli.Context) error {
			if selfContained[c.Args().First()] {
				return nil
			}

			application, err := app.New()
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}

			c.App.Metadata = map[string]interface{}{
				"app": application,
			}

			return nil
		},
		After: func(c *cli.Context) error {
			if app, ok := c.App.Metadata["app"].(*app.App); ok {
				return app.Shutdown()
			}
			return nil
		},
		Commands: []*cli.Command{
			commands.InitCommand(),
			commands.ServeCommand(),
			commands.SyncCommand(),
			commands.MigrateCommand(),
		},
		Action: func(c *cli.Context) error {
			// Default action runs the server.
			return commands.ServeCommand().Action(c)
		},
	}

	if err := cliApp.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
