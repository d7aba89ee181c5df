// Package main provides capture, the on-device client for capturesync.
// Records are written to a local SQLite store and synced in the background
// or on demand.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/capturesync/internal/config"
	"github.com/kimhsiao/capturesync/internal/db"
	"github.com/kimhsiao/capturesync/internal/localstore"
	"github.com/kimhsiao/capturesync/internal/logging"
	"github.com/kimhsiao/capturesync/internal/sync/queue"
)

// Version is set at build time
var Version = "0.1.0"

// app carries state shared by subcommands.
type app struct {
	configDir string
	cfg       *config.Config

	db    *db.DB
	queue *queue.SyncQueue
	store *localstore.Store
}

// open loads configuration and opens the local store.
func (a *app) open(ctx context.Context) error {
	cfg, err := config.LoadConfig(a.configDir)
	if err != nil {
		return err
	}
	a.cfg = cfg
	if cfg.Client.DeviceID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.Client.DeviceID = host
		}
	}

	logFile := cfg.Log.File
	if logFile == "" {
		// Keep stdout clean for command output.
		logFile = filepath.Join(cfg.Client.DataDir, "capture.log")
	}
	logging.SetGlobal(logging.NewWithOptions(logging.Options{
		Level:      logging.ParseLevel(cfg.Log.Level),
		File:       logFile,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Text:       cfg.Log.Text,
	}))

	database, err := db.Open(cfg.Client.DataDir)
	if err != nil {
		return err
	}
	if err := db.Migrate(ctx, database, db.SchemaClient); err != nil {
		database.Close()
		return err
	}
	a.db = database
	a.queue = queue.NewSyncQueue(database, queue.Options{MaxRetries: cfg.Client.MaxRetries})
	a.store = localstore.New(database, a.queue, localstore.Options{DeviceID: cfg.Client.DeviceID})
	return nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "capture",
		Short:         "Offline-first capture client",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.open(cmd.Context())
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			a.close()
		},
	}
	root.PersistentFlags().StringVar(&a.configDir, "config", "", "directory containing capturesync.yaml and .env")

	root.AddCommand(
		newAddCmd(a),
		newEditCmd(a),
		newDeleteCmd(a),
		newGetCmd(a),
		newListCmd(a),
		newSyncCmd(a),
		newQueueCmd(a),
		newDeadLettersCmd(a),
		newRequeueCmd(a),
	)
	return root
}

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
