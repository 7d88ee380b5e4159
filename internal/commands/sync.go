package commands

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/keeperhq/calkeeper/internal/app"
	"github.com/keeperhq/calkeeper/internal/utils"
)

// SyncCommand returns the CLI command for running sync passes
func SyncCommand() *cli.Command {
	return &cli.Command{
		Name:  "sync",
		Usage: "Run a sync pass for one user or for every user with destinations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "user",
				Aliases: []string{"u"},
				Usage:   "Sync only this user ID",
			},
		},
		Action: func(c *cli.Context) error {
			application, err := app.FromContext(c)
			if err != nil {
				return err
			}

			if userID := c.String("user"); userID != "" {
				utils.PrintInfo(fmt.Sprintf("Syncing user %s", userID))
				if err := application.Syncer.SyncUser(c.Context, userID); err != nil {
					utils.PrintError(fmt.Sprintf("Sync failed: %s", err))
					return err
				}
				utils.PrintSuccess("Sync pass finished")
				return nil
			}

			utils.PrintInfo("Syncing all users with configured destinations")
			if err := application.Syncer.SyncAll(c.Context); err != nil {
				utils.PrintError(fmt.Sprintf("Sync sweep failed: %s", err))
				return err
			}
			utils.PrintSuccess("Sync sweep finished")
			return nil
		},
	}
}
