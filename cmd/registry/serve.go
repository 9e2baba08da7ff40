package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/spf13/cobra"
	"github.com/tendant/chi-demo/app"

	"github.com/tendant/simple-registry/pkg/registry/api"
	"github.com/tendant/simple-registry/pkg/registry/config"
)

func (c *cli) newServeCommand() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.serve(cmd.Context(), migrate)
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", true, "apply database migrations before serving")
	return cmd
}

func (c *cli) serve(ctx context.Context, migrate bool) error {
	cfg, services, logger, err := c.setup(ctx)
	if err != nil {
		return err
	}
	defer services.Close()

	if migrate {
		if err := services.Migrate(ctx); err != nil {
			logger.Error("Failed to migrate database", "error", err)
			return err
		}
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:           newRouter(cfg, services, logger),
		ReadHeaderTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Registry starting",
			"port", cfg.Server.Port,
			"environment", cfg.Server.Environment,
			"service_index", services.URLs.ServiceIndexURL())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server error", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		return err
	}
	logger.Info("Server exiting")
	return nil
}

// newRouter mounts health checks at the root and the registry protocol under
// the configured path base.
func newRouter(cfg *config.ServerConfig, services *config.Services, logger *slog.Logger) *chi.Mux {
	r := chi.NewRouter()
	r.Use(api.RequestIDMiddleware)
	r.Use(api.LoggingMiddleware(logger))
	r.Use(api.RecoveryMiddleware(logger))

	app.RoutesHealthz(r)
	app.RoutesHealthzReady(r)
	r.Get("/healthz/backends", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := services.Ping(ctx); err != nil {
			logger.WarnContext(r.Context(), "Backend health check failed", "error", err)
			render.Status(r, http.StatusServiceUnavailable)
			render.PlainText(w, r, http.StatusText(http.StatusServiceUnavailable))
			return
		}
		render.PlainText(w, r, http.StatusText(http.StatusOK))
	})

	handler := api.NewHandler(services.Registry,
		api.WithLogger(logger),
		api.WithAPIKey(cfg.Server.APIKey),
		api.WithRedirectDownloads(cfg.Storage.RedirectDownloads),
	)

	pathBase := "/" + strings.Trim(cfg.Server.PathBase, "/")
	r.Mount(pathBase, handler.Routes())
	return r
}
