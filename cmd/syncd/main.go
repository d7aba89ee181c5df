// Package main provides syncd, the capturesync reconciliation server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/capturesync/internal/config"
	"github.com/kimhsiao/capturesync/internal/logging"
)

// Version is set at build time
var Version = "0.1.0"

// app carries state shared by subcommands.
type app struct {
	configDir string
	cfg       *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "syncd",
		Short:         "capturesync reconciliation server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(a.configDir)
			if err != nil {
				return err
			}
			a.cfg = cfg
			logging.SetGlobal(logging.NewWithOptions(logging.Options{
				Level:      logging.ParseLevel(cfg.Log.Level),
				File:       cfg.Log.File,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxAgeDays: cfg.Log.MaxAgeDays,
				Text:       cfg.Log.Text,
			}))
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.configDir, "config", "", "directory containing capturesync.yaml and .env")

	root.AddCommand(newServeCmd(a), newMigrateCmd(a), newLogsCmd(a))
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
