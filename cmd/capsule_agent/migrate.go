package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// migrator is implemented by both store backends
type migrator interface {
	Migrate(ctx context.Context) error
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	m, ok := st.(migrator)
	if !ok {
		return fmt.Errorf("store driver %q does not support migrations", cfg.Store.Driver)
	}
	if err := m.Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Schema applied (%s)\n", cfg.Store.Driver)
	return nil
}
