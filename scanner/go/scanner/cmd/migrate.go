package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"go.minimaps.dev/infra/catalog/go/sql/schema"
	"go.minimaps.dev/infra/go/mmerr"
	"go.minimaps.dev/infra/go/mmlog"
	"go.minimaps.dev/infra/go/sql/pool"
)

var migrateConnectionString string

// migrateCmd represents the migrate command
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the catalog database schema.",
	Long: `Applies the catalog's DDL to the database named by --connection-string.
Every statement is idempotent, so migrate can be re-run against a live
database.
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if migrateConnectionString == "" {
			return mmerr.Fmt("--connection-string is required")
		}
		ctx := context.Background()
		db, err := pool.New(ctx, migrateConnectionString)
		if err != nil {
			return err
		}
		defer db.Close()
		if _, err := db.Exec(ctx, schema.Schema); err != nil {
			return err
		}
		mmlog.Infof("Schema applied.")
		return nil
	},
}

func migrateInit() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().StringVar(&migrateConnectionString, "connection-string", "", "Database connection string, e.g. 'postgresql://root@localhost:5432/catalog'. Required.")
}
