package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/admin"
	"github.com/GoCodeAlone/modhost/installer"
	"github.com/GoCodeAlone/modhost/internal/dbx"
	"github.com/GoCodeAlone/modhost/jobs"
	"github.com/GoCodeAlone/modhost/migrations"
	"github.com/GoCodeAlone/modhost/store"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// host is every runtime component wired from one configuration.
type host struct {
	cfg    *modhost.Config
	logger *slog.Logger

	db            *sql.DB
	store         *store.Store
	executor      *migrations.Executor
	installer     *installer.Installer
	scheduler     *jobs.Scheduler
	bus           *modhost.Bus
	loader        *modhost.Loader
	contributions *admin.Contributions
	service       *admin.Service
}

func newLogger(cfg *modhost.Config, w io.Writer) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openHost loads the configuration, opens the database, makes sure the
// host tables exist and wires the components. allowFileOperations overrides
// the configured switch; one-shot commands run by an operator on the host
// always may touch files.
func openHost(ctx context.Context, configPath string, catalog *modhost.Catalog, logOut io.Writer, allowFileOperations bool) (*host, error) {
	cfg, err := modhost.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg, logOut)

	db, err := dbx.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, cfg.Database.MaxOpenConnections)
	if err != nil {
		return nil, err
	}

	h := &host{cfg: cfg, logger: logger, db: db}
	h.bus = modhost.NewBus(logger)
	h.store = store.New(db, cfg.Database.Driver)
	h.executor = migrations.New(db, cfg.Database.Driver, cfg.BackendRoot, logger, migrations.WithEventEmitter(h.bus))
	if err := h.store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := h.executor.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	h.installer = installer.New(installer.Config{
		BackendRoot:  cfg.BackendRoot,
		FrontendRoot: cfg.FrontendRoot,
		Limits: installer.Limits{
			MaxArchiveBytes: cfg.Installer.MaxArchiveBytes,
			MaxEntries:      cfg.Installer.MaxEntries,
			MaxFileBytes:    cfg.Installer.MaxFileBytes,
		},
	}, logger, installer.WithRegistrar(h.store), installer.WithEventEmitter(h.bus))

	h.scheduler = jobs.NewScheduler(jobs.WithLogger(logger))
	h.loader = modhost.NewLoader(cfg.LoaderConfig(), catalog, modhost.NewRegistry(), h.bus, logger,
		modhost.WithEnablementSource(h.store),
		modhost.WithJobScheduler(h.scheduler))

	if h.contributions, err = admin.NewContributions(h.bus, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	h.service = admin.NewService(admin.Config{AllowFileOperations: allowFileOperations || cfg.AllowFileOperations},
		h.loader, h.store, h.installer, h.executor, logger,
		admin.WithJobScheduler(h.scheduler),
		admin.WithContributions(h.contributions),
		admin.WithEventEmitter(h.bus))
	return h, nil
}

func (h *host) Close() error {
	h.contributions.Close()
	if err := h.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}
