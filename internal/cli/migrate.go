package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/quotagate/quotagate/internal/store"
)

// migrateCmd applies the embedded schema to the configured store
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the tenant store schema",
	Long: `Apply the embedded schema migrations to the configured SQL store.

SQLite and PostgreSQL stores are also migrated when they are opened, unless
store.postgres.skip_migrations is set. Redis and memory stores need no schema.`,
	Args: cobra.NoArgs,
	RunE: runMigrate,
}

func init() {
	RootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	version, err := store.Migrate(cmd.Context(), cfg.Store.Options())
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	out := cmd.OutOrStdout()
	if globalFlags.JSON {
		return writeJSON(out, map[string]any{"driver": cfg.Store.Driver, "version": version})
	}
	fmt.Fprintf(out, "Store %s at schema version %d\n", cfg.Store.Driver, version)
	return nil
}
