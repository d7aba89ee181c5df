package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/capturesync/internal/db"
)

func newMigrateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the server schema",
	}

	withMigrator := func(run func(cmd *cobra.Command, m *db.Migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			database, err := db.OpenDriver(cmd.Context(), a.cfg.Database.Driver, a.cfg.Database.DSN)
			if err != nil {
				return err
			}
			defer database.Close()
			m, err := db.NewMigrator(database, db.SchemaServer)
			if err != nil {
				return err
			}
			return run(cmd, m)
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withMigrator(func(cmd *cobra.Command, m *db.Migrator) error {
				n, err := m.Up(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s)\n", n)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: withMigrator(func(cmd *cobra.Command, m *db.Migrator) error {
				if err := m.Down(cmd.Context()); err != nil {
					return err
				}
				v, err := m.CurrentVersion(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Schema is now at version %d\n", v)
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			RunE: withMigrator(func(cmd *cobra.Command, m *db.Migrator) error {
				migrations, err := m.Status(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tSTATE\tMIGRATION")
				for _, mig := range migrations {
					state := "pending"
					if mig.Applied {
						state = "applied"
					}
					fmt.Fprintf(w, "%d\t%s\t%s\n", mig.Version, state, mig.Description)
				}
				return w.Flush()
			}),
		},
	)
	return cmd
}
