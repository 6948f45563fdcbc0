package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, rootOpts)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to build logger", err)
			}
			defer func() { _ = logger.Sync() }()

			if cfg.Database.Driver == "memory" {
				return WrapExitError(ExitCommandError, "nothing to migrate", fmt.Errorf("database.driver is memory"))
			}

			store, err := openStorage(cfg, logger)
			if err != nil {
				return WrapExitError(ExitCommandError, "migration failed", err)
			}
			defer store.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Migrations applied (%s)\n", cfg.Database.Driver)
			return nil
		},
	}
}
