package main

import (
	"errors"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/capturesync/internal/db"
)

func newLogsCmd(a *app) *cobra.Command {
	var (
		userID    string
		limit     int
		conflicts bool
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent sync or conflict logs of a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errors.New("--user is required")
			}
			database, err := openServerDB(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer database.Close()
			repo := db.NewRepository(database)

			enc := yaml.NewEncoder(cmd.OutOrStdout())
			defer enc.Close()
			if conflicts {
				logs, err := repo.ListConflictLogs(cmd.Context(), userID, limit)
				if err != nil {
					return err
				}
				return enc.Encode(logs)
			}
			logs, err := repo.ListSyncLogs(cmd.Context(), userID, limit)
			if err != nil {
				return err
			}
			return enc.Encode(logs)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "user whose logs to show")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of entries")
	cmd.Flags().BoolVar(&conflicts, "conflicts", false, "show conflict logs instead of sync logs")
	return cmd
}
