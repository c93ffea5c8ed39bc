// Package cli implements orderctl, the admin tool for the local sync queue.
package cli

import (
	"context"
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"order-sync-service/internal/config"
	"order-sync-service/internal/database"
	"order-sync-service/internal/store"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "orderctl",
		Short: "Inspect and maintain the local order sync queue",
		Long: `orderctl works directly on the local state database the order sync
service uses. It reads the same config file as the server.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "config.yaml", "path to the config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewClearFailedCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))

	return cmd
}

// openStore loads the config and opens the migrated state database.
func openStore(ctx context.Context, opts *RootOptions) (*config.Config, *store.SQLStore, error) {
	cfg, err := config.LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}

	db, err := database.NewDatabase(cfg.StateStorage)
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	if err := db.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, nil, WrapExitError(ExitCommandError, "failed to migrate database", err)
	}
	return cfg, store.NewSQLStore(db), nil
}
