// Command bankctl administers the bank ledger: schema migration, account
// seeding, invariant checks and OAuth credentials.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type globalFlags struct {
	driver      string
	databaseURL string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "bankctl",
		Short:         "Administer the bank ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&g.driver, "driver", "", "database driver (postgres, sqlite3); defaults to DATABASE_DRIVER")
	rootCmd.PersistentFlags().StringVar(&g.databaseURL, "database-url", "", "database URL or sqlite path; defaults to DATABASE_URL")

	rootCmd.AddCommand(migrateCmd(g))
	rootCmd.AddCommand(accountCmd(g))
	rootCmd.AddCommand(verifyCmd(g))
	rootCmd.AddCommand(hashSecretCmd())
	rootCmd.AddCommand(keygenCmd())

	return rootCmd
}
