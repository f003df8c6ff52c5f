package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/teranos/loom/db"
	"github.com/teranos/loom/sym"
)

// DbCmd represents the db (database) command
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: sym.DB + " Manage the Loom database",
	Long: sym.DB + ` db — Manage the Loom database

Examples:
  loom db migrate                 # Apply pending migrations
  loom db migrate --db-path x.db  # Migrate a specific database file
  loom db status                  # List migrations not yet applied`,
}

var dbPathFlag string

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase(dbPathFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		v, err := db.Version(database)
		if err != nil {
			return err
		}
		fmt.Printf("%s Database is at schema version %s\n", sym.DB, v)
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending migrations without applying them",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := resolveDatabasePath(dbPathFlag)
		if err != nil {
			return err
		}
		database, err := db.Open(path, nil)
		if err != nil {
			return err
		}
		defer database.Close()

		pending, err := db.Pending(database)
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			fmt.Printf("%s %s is up to date\n", sym.DB, path)
			return nil
		}
		fmt.Printf("%s %s has %d pending migration(s):\n", sym.DB, path, len(pending))
		for _, m := range pending {
			fmt.Printf("  %s  %s\n", m.Version, m.File)
		}
		return nil
	},
}

func init() {
	DbCmd.PersistentFlags().StringVar(&dbPathFlag, "db-path", "", "Database path (overrides database.path)")
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatusCmd)
}
