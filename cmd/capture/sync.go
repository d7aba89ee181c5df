package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/capturesync/internal/db"
	"github.com/kimhsiao/capturesync/internal/logging"
	syncpkg "github.com/kimhsiao/capturesync/internal/sync"
	"github.com/kimhsiao/capturesync/internal/sync/reconcile"
	"github.com/kimhsiao/capturesync/internal/sync/scheduler"
)

// remote is what sync needs from a server connection. closer releases
// anything the remote opened.
type remote struct {
	syncpkg.Remote
	http   *syncpkg.HTTPRemote
	closer func()
}

// newRemote connects to the configured server, or to a server database on
// this machine when embeddedDB is set.
func (a *app) newRemote(ctx context.Context, embeddedDB string) (*remote, error) {
	if a.cfg.Client.UserID == "" {
		return nil, fmt.Errorf("client.userId is not configured")
	}

	if embeddedDB != "" {
		database, err := db.OpenSQLite(embeddedDB)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx, database, db.SchemaServer); err != nil {
			database.Close()
			return nil, err
		}
		repo := db.NewRepository(database)
		service := reconcile.NewService(repo, repo, reconcile.Options{
			MaxPushRecords: a.cfg.Sync.MaxPushRecords,
		})
		if err := service.SeedClock(ctx); err != nil {
			database.Close()
			return nil, err
		}
		return &remote{
			Remote: syncpkg.NewLocalRemote(service, a.cfg.Client.UserID),
			closer: func() { database.Close() },
		}, nil
	}

	r, err := syncpkg.NewHTTPRemote(syncpkg.HTTPRemoteConfig{
		BaseURL:    a.cfg.Client.ServerURL,
		UserID:     a.cfg.Client.UserID,
		DeviceID:   a.cfg.Client.DeviceID,
		Timeout:    a.cfg.Client.Timeout,
		MaxRetries: 3,
	})
	if err != nil {
		return nil, err
	}
	return &remote{Remote: r, http: r, closer: func() {}}, nil
}

func newSyncCmd(a *app) *cobra.Command {
	var (
		embeddedDB string
		watch      bool
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push local changes and pull remote ones",
		Long: `Push queued local changes to the sync server and apply the server's
changes since the last checkpoint.

With --watch the command keeps running: it syncs periodically, shortly
after every local change, and whenever the server reports that another
device changed data.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.newRemote(cmd.Context(), embeddedDB)
			if err != nil {
				return err
			}
			defer r.closer()

			engine := syncpkg.NewSyncEngine(a.store, a.queue, r, syncpkg.Options{BatchSize: a.cfg.Client.BatchSize})
			if !watch {
				result, err := engine.Sync(cmd.Context())
				if result != nil {
					if werr := writeYAML(cmd.OutOrStdout(), result); werr != nil {
						return werr
					}
				}
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.watch(ctx, cmd.OutOrStdout(), engine, r)
		},
	}
	cmd.Flags().StringVar(&embeddedDB, "embedded", "", "sync against a server database file instead of client.serverUrl")
	cmd.Flags().BoolVar(&watch, "watch", false, "keep syncing in the background until interrupted")
	return cmd
}

// watch runs the scheduler and, for HTTP remotes, the server change feed
// until ctx is cancelled. Sync events are printed as they happen.
func (a *app) watch(ctx context.Context, out io.Writer, engine *syncpkg.SyncEngine, r *remote) error {
	events, unsubscribe := engine.Subscribe()
	defer unsubscribe()

	sched := scheduler.NewScheduler(engine, a.queue, &scheduler.SchedulerConfig{
		SyncInterval: a.cfg.Client.SyncInterval,
		SyncTimeout:  a.cfg.Client.Timeout * 10,
	})
	sched.Start(ctx)
	defer sched.Stop()
	sched.TriggerSync(ctx)

	g, ctx := errgroup.WithContext(ctx)
	if r.http != nil {
		g.Go(func() error {
			return r.http.WatchChanges(ctx, func(count int) {
				logging.Debug("Server reported remote changes", map[string]interface{}{"count": count})
				sched.TriggerSync(ctx)
			})
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				printEvent(out, ev)
			}
		}
	})
	return g.Wait()
}

func printEvent(out io.Writer, ev syncpkg.SyncEvent) {
	ts := ev.Timestamp.Format("15:04:05")
	switch ev.Type {
	case syncpkg.SyncEventCompleted:
		r := ev.Result
		fmt.Fprintf(out, "%s sync completed: %d up, %d down, %d conflicts, %d rejected\n",
			ts, r.Uploaded, r.Downloaded, r.Conflicts, r.Rejected)
	case syncpkg.SyncEventFailed:
		fmt.Fprintf(out, "%s sync failed: %s\n", ts, ev.Message)
	case syncpkg.SyncEventConflict:
		fmt.Fprintf(out, "%s conflict on %s %s resolved by %s\n",
			ts, ev.Conflict.Entity, ev.Conflict.RecordID, ev.Conflict.ResolutionStrategy)
	case syncpkg.SyncEventDeadLetter:
		fmt.Fprintf(out, "%s gave up on %s %s: %s\n",
			ts, ev.DeadLetter.EntityType, ev.DeadLetter.EntityID, ev.DeadLetter.LastError)
	}
}
