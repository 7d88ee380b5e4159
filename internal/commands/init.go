package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/urfave/cli/v2"

	"github.com/keeperhq/calkeeper/internal/config"
	"github.com/keeperhq/calkeeper/internal/database"
	"github.com/keeperhq/calkeeper/internal/utils"
)

const defaultEnvFile = `# calkeeper configuration
# CALKEEPER_DB_PATH=~/.calkeeper/calkeeper.db
# CALKEEPER_REDIS_ADDR=localhost:6379
# CALKEEPER_CRYPTO_KEY=
# CALKEEPER_GOOGLE_CLIENT_ID=
# CALKEEPER_GOOGLE_CLIENT_SECRET=
# CALKEEPER_GOOGLE_REDIRECT_URL=
# CALKEEPER_SYNC_SCHEDULE=@every 15m
# CALKEEPER_SYNC_EVENT_SUMMARY=Busy
# CALKEEPER_SERVER_ADDR=:8080
# CALKEEPER_LOG_LEVEL=info
`

// InitCommand returns the CLI command for initializing the calkeeper
// environment
func InitCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Initialize or update the calkeeper environment",
		Description: "Sets up the configuration directory and database with the " +
			"necessary tables. Use this for first-time setup or to update the " +
			"schema after upgrading to a new version.",
		Action: func(c *cli.Context) error {
			utils.PrintHeading("Initializing calkeeper")

			homeDir, err := os.UserHomeDir()
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to get user home directory: %s", err))
				return fmt.Errorf("failed to get user home directory: %w", err)
			}

			configDir := filepath.Join(homeDir, ".calkeeper")
			utils.PrintInfo("Configuration directory: " + color.YellowString("%s", configDir))

			if err := os.MkdirAll(configDir, 0755); err != nil {
				utils.PrintError(fmt.Sprintf("Failed to create config directory: %s", err))
				return fmt.Errorf("failed to create config directory: %w", err)
			}

			configFilePath := filepath.Join(configDir, ".env")
			if _, err := os.Stat(configFilePath); os.IsNotExist(err) {
				utils.PrintInfo("Writing default configuration file")
				if err := os.WriteFile(configFilePath, []byte(defaultEnvFile), 0600); err != nil {
					utils.PrintWarning(fmt.Sprintf("Failed to write configuration file: %s", err))
				}
			}

			cfg, err := config.LoadFromEnv(configDir, configFilePath)
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to load configuration: %s", err))
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			config.Set(cfg)

			utils.PrintInfo("Initializing database: " + color.YellowString("%s", cfg.Database.Path))
			if err := database.InitDB(cfg); err != nil {
				utils.PrintError(fmt.Sprintf("Failed to initialize database: %s", err))
				return fmt.Errorf("failed to initialize database: %w", err)
			}
			defer database.CloseDB()

			utils.PrintInfo("Applying embedded migrations")
			if err := database.RunMigrations(); err != nil {
				utils.PrintError(fmt.Sprintf("Failed to apply migrations: %s", err))
				return fmt.Errorf("failed to apply migrations: %w", err)
			}

			utils.PrintSuccess("calkeeper is ready")
			return nil
		},
	}
}
