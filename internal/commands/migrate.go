package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/zot/scholar-hub/internal/store"
	"github.com/zot/scholar-hub/internal/store/migrations"
)

// MigrateCmd manages the relational schema.
var MigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	Args:  cobra.NoArgs,
	RunE:  runMigrateUp,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the applied and latest schema versions",
	Args:  cobra.NoArgs,
	RunE:  runMigrateStatus,
}

func init() {
	MigrateCmd.AddCommand(migrateUpCmd, migrateStatusCmd)
}

func openDatabase() (*store.Store, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return store.Open(cfg.Database.Path)
}

func runMigrateUp(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}
	applied, _, _, err := migrations.Status(db.DB())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Schema at version %d\n", applied)
	return nil
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	db, err := openDatabase()
	if err != nil {
		return err
	}
	defer db.Close()
	applied, latest, dirty, err := migrations.Status(db.DB())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "applied: %d\nlatest:  %d\n", applied, latest)
	switch {
	case dirty:
		fmt.Fprintln(out, "state:   dirty (a migration failed part way; fix it by hand)")
	case applied < latest:
		fmt.Fprintln(out, "state:   pending (run 'scholar-hub migrate up')")
	default:
		fmt.Fprintln(out, "state:   current")
	}
	return nil
}
