// Package store persists module install state and per-tenant enablement in
// the shared relational database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agilira/go-timecache"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/installer"
	"github.com/GoCodeAlone/modhost/internal/dbx"
)

const (
	ModulesTable = "modhost_modules"
	TenantsTable = "modhost_module_tenants"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Module is a persisted module row.
type Module struct {
	Slug        string
	DisplayName string
	Version     string
	Status      modhost.InstallStatus
	HasBackend  bool
	HasFrontend bool
	InstalledAt time.Time
	ActivatedAt time.Time
	UpdatedAt   time.Time
	LastError   string
}

// TenantLink is the enablement of a module for one tenant.
type TenantLink struct {
	Module    string    `json:"module"`
	Tenant    string    `json:"tenant"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Store reads and writes module state.
type Store struct {
	db      *sql.DB
	dialect dbx.Dialect
}

var (
	_ installer.Registrar      = (*Store)(nil)
	_ modhost.EnablementSource = (*Store)(nil)
)

// New wraps db. driver selects the placeholder style.
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, dialect: dbx.DialectFor(driver)}
}

// DB returns the underlying database.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) q(query string) string {
	return s.dialect.Rebind(query)
}

func now() string {
	return timecache.CachedTime().UTC().Format(timeLayout)
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	t, _ := time.Parse(timeLayout, v.String)
	return t
}

func flag(b bool) int {
	if b {
		return 1
	}
	return 0
}

// EnsureSchema creates the module and tenant tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + ModulesTable + ` (
			slug         TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			version      TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			has_backend  INTEGER NOT NULL DEFAULT 0,
			has_frontend INTEGER NOT NULL DEFAULT 0,
			installed_at TEXT NOT NULL,
			activated_at TEXT,
			updated_at   TEXT NOT NULL,
			last_error   TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS ` + TenantsTable + ` (
			module_slug TEXT NOT NULL,
			tenant_id   TEXT NOT NULL,
			enabled     INTEGER NOT NULL DEFAULT 0,
			updated_at  TEXT NOT NULL,
			PRIMARY KEY (module_slug, tenant_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create module tables: %w", err)
		}
	}
	return nil
}

// RecordInstall upserts the module row of an install. A new row starts in
// the installed status; an update keeps the current status unless the row
// was corrupted.
func (s *Store) RecordInstall(ctx context.Context, rec installer.Record) error {
	ts := now()
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO `+ModulesTable+`
		(slug, display_name, version, status, has_backend, has_frontend, installed_at, updated_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '')
		ON CONFLICT (slug) DO UPDATE SET
			display_name = excluded.display_name,
			version      = excluded.version,
			status       = CASE WHEN `+ModulesTable+`.status = 'corrupted' THEN excluded.status ELSE `+ModulesTable+`.status END,
			has_backend  = excluded.has_backend,
			has_frontend = excluded.has_frontend,
			updated_at   = excluded.updated_at,
			last_error   = ''`),
		rec.Slug, rec.DisplayName, rec.Version, string(modhost.InstallInstalled),
		flag(rec.HasBackend), flag(rec.HasFrontend), ts, ts)
	if err != nil {
		return fmt.Errorf("failed to record install of %s: %w", rec.Slug, err)
	}
	return nil
}

// Registered reports whether slug has a module row.
func (s *Store) Registered(ctx context.Context, slug string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM `+ModulesTable+` WHERE slug = ?`), slug).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up module %s: %w", slug, err)
	}
	return true, nil
}

// Forget removes every row of a module.
func (s *Store) Forget(ctx context.Context, slug string) error {
	_, err := s.Delete(ctx, slug)
	return err
}

// ModuleEnabled reports whether the persisted status of slug is active.
// known is false when the module has no row.
func (s *Store) ModuleEnabled(ctx context.Context, slug string) (enabled, known bool, err error) {
	var status string
	err = s.db.QueryRowContext(ctx, s.q(`SELECT status FROM `+ModulesTable+` WHERE slug = ?`), slug).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("failed to read status of %s: %w", slug, err)
	}
	return modhost.InstallStatus(status) == modhost.InstallActive, true, nil
}

const moduleColumns = `slug, display_name, version, status, has_backend, has_frontend, installed_at, activated_at, updated_at, last_error`

type scanner interface {
	Scan(dest ...any) error
}

func scanModule(row scanner) (*Module, error) {
	var (
		m                    Module
		status               string
		backend, frontend    int
		installed, activated sql.NullString
		updated              sql.NullString
	)
	if err := row.Scan(&m.Slug, &m.DisplayName, &m.Version, &status, &backend, &frontend,
		&installed, &activated, &updated, &m.LastError); err != nil {
		return nil, err
	}
	m.Status = modhost.InstallStatus(status)
	m.HasBackend = backend != 0
	m.HasFrontend = frontend != 0
	m.InstalledAt = parseTime(installed)
	m.ActivatedAt = parseTime(activated)
	m.UpdatedAt = parseTime(updated)
	return &m, nil
}

// Get returns the row of slug or a not-found error.
func (s *Store) Get(ctx context.Context, slug string) (*Module, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+moduleColumns+` FROM `+ModulesTable+` WHERE slug = ?`), slug)
	m, err := scanModule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, modhost.NewNotFoundError(slug)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read module %s: %w", slug, err)
	}
	return m, nil
}

// List returns every module row ordered by slug.
func (s *Store) List(ctx context.Context) ([]Module, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+moduleColumns+` FROM `+ModulesTable+` ORDER BY slug`)
	if err != nil {
		return nil, fmt.Errorf("failed to list modules: %w", err)
	}
	defer rows.Close()

	var out []Module
	for rows.Next() {
		m, err := scanModule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan module: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating modules: %w", err)
	}
	return out, nil
}

func (s *Store) update(ctx context.Context, slug, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return fmt.Errorf("failed to update module %s: %w", slug, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return modhost.NewNotFoundError(slug)
	}
	return nil
}

// SetInstallStatus changes the persisted status. Moving to active also
// stamps activated_at and clears last_error.
func (s *Store) SetInstallStatus(ctx context.Context, slug string, status modhost.InstallStatus) error {
	if !status.Valid() {
		return modhost.NewInvalidStateError(slug, string(status), "set install status")
	}
	ts := now()
	if status == modhost.InstallActive {
		return s.update(ctx, slug, `UPDATE `+ModulesTable+` SET status = ?, activated_at = ?, updated_at = ?, last_error = '' WHERE slug = ?`,
			string(status), ts, ts, slug)
	}
	return s.update(ctx, slug, `UPDATE `+ModulesTable+` SET status = ?, updated_at = ? WHERE slug = ?`,
		string(status), ts, slug)
}

// SetLastError stores the most recent failure of a module.
func (s *Store) SetLastError(ctx context.Context, slug, message string) error {
	return s.update(ctx, slug, `UPDATE `+ModulesTable+` SET last_error = ?, updated_at = ? WHERE slug = ?`,
		message, now(), slug)
}

// SetVersionInfo refreshes the manifest-derived columns.
func (s *Store) SetVersionInfo(ctx context.Context, slug, version, displayName string) error {
	return s.update(ctx, slug, `UPDATE `+ModulesTable+` SET version = ?, display_name = ?, updated_at = ? WHERE slug = ?`,
		version, displayName, now(), slug)
}

// Delete removes the module row and its tenant links and reports whether a
// module row existed.
func (s *Store) Delete(ctx context.Context, slug string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM `+TenantsTable+` WHERE module_slug = ?`), slug); err != nil {
		return false, fmt.Errorf("failed to delete tenant links of %s: %w", slug, err)
	}
	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM `+ModulesTable+` WHERE slug = ?`), slug)
	if err != nil {
		return false, fmt.Errorf("failed to delete module %s: %w", slug, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to delete module %s: %w", slug, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Tenants returns the tenant links of a module ordered by tenant.
func (s *Store) Tenants(ctx context.Context, slug string) ([]TenantLink, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT module_slug, tenant_id, enabled, updated_at FROM `+TenantsTable+
		` WHERE module_slug = ? ORDER BY tenant_id`), slug)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants of %s: %w", slug, err)
	}
	defer rows.Close()

	var out []TenantLink
	for rows.Next() {
		var (
			link    TenantLink
			enabled int
			updated sql.NullString
		)
		if err := rows.Scan(&link.Module, &link.Tenant, &enabled, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan tenant link: %w", err)
		}
		link.Enabled = enabled != 0
		link.UpdatedAt = parseTime(updated)
		out = append(out, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tenant links: %w", err)
	}
	return out, nil
}

// SetTenantEnabled upserts the enablement of slug for tenant.
func (s *Store) SetTenantEnabled(ctx context.Context, slug, tenant string, enabled bool) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO `+TenantsTable+` (module_slug, tenant_id, enabled, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (module_slug, tenant_id) DO UPDATE SET
			enabled    = excluded.enabled,
			updated_at = excluded.updated_at`),
		slug, tenant, flag(enabled), now())
	if err != nil {
		return fmt.Errorf("failed to set tenant %s for %s: %w", tenant, slug, err)
	}
	return nil
}

// CountEnabledTenants returns how many tenants still have slug enabled.
func (s *Store) CountEnabledTenants(ctx context.Context, slug string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM `+TenantsTable+` WHERE module_slug = ? AND enabled = 1`), slug).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count tenants of %s: %w", slug, err)
	}
	return n, nil
}
