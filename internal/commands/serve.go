package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"

	"github.com/keeperhq/calkeeper/internal/app"
	"github.com/keeperhq/calkeeper/internal/loggy"
	"github.com/keeperhq/calkeeper/internal/utils"
)

// ServeCommand returns the CLI command that runs the server: websocket
// status endpoint, broadcast subscriber, and the scheduled sync sweep.
func ServeCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the sync server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "Listen address (overrides configuration)",
			},
		},
		Action: func(c *cli.Context) error {
			application, err := app.FromContext(c)
			if err != nil {
				return err
			}

			addr := c.String("addr")
			if addr == "" {
				addr = application.Config.Server.Addr
			}

			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			// Broadcast subscriber: delivers status snapshots to the
			// websocket connections this process holds.
			go func() {
				if err := application.Broadcast.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					loggy.Error("broadcast subscriber stopped", "error", err)
				}
			}()

			scheduler := cron.New()
			schedule := application.Config.Sync.Schedule
			if schedule != "" {
				_, err := scheduler.AddFunc(schedule, func() {
					if err := application.Syncer.SyncAll(ctx); err != nil {
						loggy.Error("scheduled sync sweep failed", "error", err)
					}
				})
				if err != nil {
					return fmt.Errorf("invalid sync schedule %q: %w", schedule, err)
				}
				scheduler.Start()
				defer scheduler.Stop()
				loggy.Info("sync schedule registered", "schedule", schedule)
			}

			server := &http.Server{
				Addr:              addr,
				Handler:           application.HTTP.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				utils.PrintInfo(fmt.Sprintf("Listening on %s", addr))
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			utils.PrintInfo("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}
