package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/admin"
	"github.com/GoCodeAlone/modhost/watcher"
)

const shutdownTimeout = 15 * time.Second

// NewServeCommand creates the serve command
func NewServeCommand(catalog *modhost.Catalog) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Boot enabled modules and serve the admin API and module routes",
		Long: `Serve opens the host database, marks modules whose files are missing as
corrupted, boots every enabled module in dependency order and serves:

  /api/modules/...   the administrative API
  /m/{slug}/...      routes registered by booted modules

SIGINT or SIGTERM shuts the modules down in reverse boot order.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("addr")
			return runServe(cmd, catalog, addr)
		},
	}
	cmd.Flags().String("addr", "", "Listen address, overrides http.address")
	return cmd
}

// manifestReloader lets the watcher refresh modules through the service
// without the file-operations gate.
type manifestReloader struct {
	svc *admin.Service
}

func (r manifestReloader) Reload(ctx context.Context, slug string) error {
	return r.svc.Refresh(ctx, slug)
}

func runServe(cmd *cobra.Command, catalog *modhost.Catalog, addr string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := openHost(ctx, configPath(cmd), catalog, cmd.ErrOrStderr(), false)
	if err != nil {
		return err
	}
	defer h.Close()
	logger := h.logger

	if err := h.scheduler.Start(ctx); err != nil {
		return err
	}
	if corrupted, err := h.service.Reconcile(ctx); err != nil {
		return err
	} else if len(corrupted) > 0 {
		logger.Warn("Modules marked corrupted", "modules", corrupted)
	}

	report, err := h.loader.LoadAll(ctx)
	if err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		h.loader.UnloadAll(shutdownCtx)
		_ = h.scheduler.Stop(shutdownCtx)
		return err
	}
	for slug, ferr := range report.Failed {
		logger.Error("Module not booted", "module", slug, "error", ferr)
	}
	logger.Info("Modules loaded", "booted", report.Booted, "skipped", report.Skipped, "ignored", report.Ignored)
	// Copy persisted install statuses into the registry LoadAll just filled.
	if _, err := h.service.Reconcile(ctx); err != nil {
		logger.Warn("Failed to sync install statuses", "error", err)
	}

	var mw *watcher.ManifestWatcher
	if h.cfg.WatchManifests {
		mw = watcher.New(h.cfg.BackendRoot, manifestReloader{svc: h.service}, logger, watcher.WithDebounce(h.cfg.WatchDebounce))
		if err := mw.Start(ctx); err != nil {
			logger.Warn("Manifest watching disabled", "error", err)
			mw = nil
		}
	}

	router := chi.NewRouter()
	router.Mount("/api", admin.NewRouter(h.service))
	router.Mount("/", h.contributions.Handler())

	if addr == "" {
		addr = h.cfg.HTTP.Address
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("Listening", "address", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down")
	case err = <-serveErr:
		logger.Error("HTTP server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("HTTP shutdown incomplete", "error", serr)
	}
	if mw != nil {
		_ = mw.Close()
	}
	unload := h.loader.UnloadAll(shutdownCtx)
	for slug, ferr := range unload.Failed {
		logger.Warn("Module shutdown failed", "module", slug, "error", ferr)
	}
	if serr := h.scheduler.Stop(shutdownCtx); serr != nil {
		logger.Warn("Jobs did not stop in time", "error", serr)
	}
	return err
}
