package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/e3-lab/beammon/internal/db"
)

var migrateJournal string

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the journal schema",
}

// openJournal opens the journal without applying migrations.
func openJournal() (*db.DB, error) {
	if migrateJournal == "" {
		return nil, fmt.Errorf("--journal is required")
	}
	return db.OpenDB(migrateJournal)
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		journal, err := openJournal()
		if err != nil {
			return err
		}
		defer journal.Close()
		if err := journal.MigrateUp(db.MigrationsFS()); err != nil {
			return err
		}
		return printVersion(cmd, journal)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back one migration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		journal, err := openJournal()
		if err != nil {
			return err
		}
		defer journal.Close()
		if err := journal.MigrateDown(db.MigrationsFS()); err != nil {
			return err
		}
		return printVersion(cmd, journal)
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		journal, err := openJournal()
		if err != nil {
			return err
		}
		defer journal.Close()
		return printVersion(cmd, journal)
	},
}

var migrateForceCmd = &cobra.Command{
	Use:   "force VERSION",
	Short: "Set the schema version without running migrations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q", args[0])
		}
		journal, err := openJournal()
		if err != nil {
			return err
		}
		defer journal.Close()
		if err := journal.MigrateForce(db.MigrationsFS(), v); err != nil {
			return err
		}
		return printVersion(cmd, journal)
	},
}

func printVersion(cmd *cobra.Command, journal *db.DB) error {
	v, dirty, err := journal.MigrateVersion(db.MigrationsFS())
	if err != nil {
		return err
	}
	if dirty {
		cmd.Printf("schema version %d (dirty)\n", v)
		return nil
	}
	cmd.Printf("schema version %d\n", v)
	return nil
}

func init() {
	migrateCmd.PersistentFlags().StringVar(&migrateJournal, "journal", "beammon.db", "Journal database path")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd, migrateForceCmd)
}
