package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kimhsiao/capturesync/internal/api"
	"github.com/kimhsiao/capturesync/internal/config"
	"github.com/kimhsiao/capturesync/internal/db"
	"github.com/kimhsiao/capturesync/internal/logging"
	"github.com/kimhsiao/capturesync/internal/models"
	"github.com/kimhsiao/capturesync/internal/sync/conflict"
	"github.com/kimhsiao/capturesync/internal/sync/reconcile"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(a *app) *cobra.Command {
	var allowedOrigins []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, a.cfg, allowedOrigins)
		},
	}
	cmd.Flags().StringSliceVar(&allowedOrigins, "allow-origin", nil, "browser origins allowed to open the events socket")
	return cmd
}

// openServerDB opens and migrates the configured server database.
func openServerDB(ctx context.Context, cfg *config.Config) (*db.DB, error) {
	database, err := db.OpenDriver(ctx, cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, database, db.SchemaServer); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// newResolver builds the conflict resolver from the sync section.
func newResolver(cfg config.SyncConfig, registry *models.Registry) (*conflict.Resolver, error) {
	if _, err := conflict.StrategyByName(conflict.ResolutionStrategy(cfg.DefaultStrategy)); err != nil {
		return nil, err
	}
	resolver := conflict.NewResolver(conflict.ResolutionStrategy(cfg.DefaultStrategy))
	for entity, name := range cfg.Strategies {
		if _, err := registry.Lookup(models.EntityType(entity)); err != nil {
			return nil, err
		}
		if err := resolver.RegisterNamed(models.EntityType(entity), conflict.ResolutionStrategy(name)); err != nil {
			return nil, err
		}
	}
	return resolver, nil
}

// newAPIServer wires the reconciliation service, the change hub and the
// router around an open database.
func newAPIServer(ctx context.Context, cfg *config.Config, database *db.DB, allowedOrigins []string) (*api.Server, error) {
	registry := models.DefaultRegistry()
	resolver, err := newResolver(cfg.Sync, registry)
	if err != nil {
		return nil, err
	}

	repo := db.NewRepository(database)
	hub := api.NewHub(allowedOrigins)
	service := reconcile.NewService(repo, repo, reconcile.Options{
		Registry:        registry,
		Resolver:        resolver,
		MaxPushRecords:  cfg.Sync.MaxPushRecords,
		OnPushCommitted: hub.NotifyChanges,
	})
	if err := service.SeedClock(ctx); err != nil {
		hub.Close()
		return nil, err
	}

	return api.NewServer(api.NewHandler(service, repo, database), hub, api.ServerOptions{
		RequestTimeout: cfg.Server.WriteTimeout,
		UserHeader:     cfg.Server.UserHeader,
	}), nil
}

func serve(ctx context.Context, cfg *config.Config, allowedOrigins []string) error {
	database, err := openServerDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	srv, err := newAPIServer(ctx, cfg, database, allowedOrigins)
	if err != nil {
		return err
	}
	defer srv.Hub.Close()

	httpServer := api.NewHTTPServer(cfg.Server.Addr, srv, cfg.Server.ReadTimeout)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info("Sync server listening", map[string]interface{}{
			"addr":    cfg.Server.Addr,
			"driver":  cfg.Database.Driver,
			"version": Version,
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logging.Info("Shutting down sync server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Hub.Close()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
