package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/aesyros/align/internal/backend"
	_ "github.com/aesyros/align/internal/backend/postgres"
	"github.com/aesyros/align/internal/config"
	"github.com/aesyros/align/internal/crossapp"
	"github.com/aesyros/align/internal/httpapi"
	"github.com/aesyros/align/internal/logging"
	"github.com/aesyros/align/internal/metrics"
	"github.com/aesyros/align/internal/orgsync"
	"github.com/aesyros/align/internal/sharedstate"
)

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Mount the sync provider and serve the HTTP surface",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return serve(cmd.Context(), cfg, opts.logger(cfg))
		},
	}
}

func openBackend(ctx context.Context, cfg *config.Config, log *logging.Logger) (backend.Backend, error) {
	return backend.Open(ctx, backend.Settings{
		Kind:        cfg.Backend,
		URL:         cfg.Supabase.URL,
		APIKey:      cfg.Supabase.AnonKey,
		AccessToken: cfg.Supabase.AccessToken,
		DSN:         cfg.Postgres.DSN,
		JoinTimeout: cfg.Supabase.JoinTimeout,
		Logger:      log.Named("backend"),
	})
}

func serve(ctx context.Context, cfg *config.Config, log *logging.Logger) (err error) {
	b, err := openBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, b.Close()) }()

	store := sharedstate.New(sharedstate.Options{
		NotificationCap: cfg.Sync.NotificationCap,
		ActivityCap:     cfg.Sync.ActivityCap,
	})
	m := metrics.New(true)

	provider, err := crossapp.New(crossapp.Config{
		App:            cfg.AppName(),
		Store:          store,
		Backend:        b,
		ConnectTimeout: cfg.Sync.ConnectTimeout,
		Logger:         log.Named("crossapp"),
		Metrics:        m,
	})
	if err != nil {
		return err
	}
	if err := provider.Mount(ctx); err != nil {
		return err
	}

	syncer := orgsync.New(store, b, log.Named("orgsync"))
	startOrgSync(ctx, cfg, syncer, log)

	api, err := httpapi.New(httpapi.Config{
		Provider:       provider,
		Syncer:         syncer,
		Logger:         log.Named("http"),
		Metrics:        m,
		RateLimit:      cfg.HTTP.RateLimit,
		RateBurst:      cfg.HTTP.RateBurst,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		JWTSecret:      []byte(cfg.HTTP.JWTSecret),
	})
	if err != nil {
		return errors.Join(err, provider.Unmount(context.Background()))
	}

	sched, err := newScheduler(ctx, cfg.Sync.ResyncSchedule, scheduledJobs{
		pruneLimiters: api.PruneLimiters,
		refresh:       provider.Refresh,
	}, log.Named("schedule"))
	if err != nil {
		api.Close()
		return errors.Join(err, provider.Unmount(context.Background()))
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithFields(map[string]interface{}{
			"addr":    cfg.HTTP.Addr,
			"app":     cfg.AppName().String(),
			"backend": cfg.Backend,
		}).Info("listening")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-serveErr:
		log.WithError(err).Error("server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	api.Close()
	return errors.Join(
		err,
		server.Shutdown(shutdownCtx),
		syncer.Stop(shutdownCtx),
		provider.Unmount(shutdownCtx),
	)
}

// startOrgSync loads the organization and user once and then follows remote
// edits. The user defaults to the subject of the configured access token.
// Failures are logged; the daemon runs without them.
func startOrgSync(ctx context.Context, cfg *config.Config, syncer *orgsync.Syncer, log *logging.Logger) {
	orgID, userID := cfg.Sync.OrganizationID, cfg.Sync.UserID
	if userID == "" && cfg.Supabase.AccessToken != "" {
		id, err := orgsync.UserIDFromToken(cfg.Supabase.AccessToken)
		if err != nil {
			log.WithError(err).Warn("access token has no usable subject")
		}
		userID = id
	}
	if orgID == "" && userID == "" {
		return
	}

	if orgID != "" {
		if _, err := syncer.SyncOrganization(ctx, orgID); err != nil {
			log.WithError(err).Warn("initial organization sync failed")
		}
	}
	if userID != "" {
		if _, err := syncer.SyncUser(ctx, userID); err != nil {
			log.WithError(err).Warn("initial user sync failed")
		}
	}
	if err := syncer.Start(ctx, orgID, userID); err != nil {
		log.WithError(err).Warn("organization sync subscriptions failed")
	}
}
