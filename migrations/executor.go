// Package migrations runs the SQL scripts a module ships against the shared
// database, each one exactly once.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agilira/go-timecache"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/internal/dbx"
)

const source = "modhost.migrations"

// Table records every applied script.
const Table = "modhost_module_migrations"

// ScriptType distinguishes schema migrations from seed data.
type ScriptType string

const (
	Migration ScriptType = "migration"
	Seed      ScriptType = "seed"
)

// Dir returns the module subdirectory holding scripts of the type.
func (t ScriptType) Dir() string {
	if t == Seed {
		return "seeds"
	}
	return "migrations"
}

// timeLayout has a fixed width so records sort by their text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// uninstallDir holds scripts run when a module is removed with its data.
const uninstallDir = "uninstall"

// Record is one applied script.
type Record struct {
	Module     string     `json:"module"`
	Filename   string     `json:"filename"`
	Type       ScriptType `json:"type"`
	ExecutedAt time.Time  `json:"executedAt"`
}

// RunReport describes one executor call.
type RunReport struct {
	Module string     `json:"module"`
	Type   ScriptType `json:"type"`
	// Executed lists scripts that ran and committed.
	Executed []string `json:"executed"`
	// AlreadyApplied lists scripts whose objects already existed; they are
	// recorded and not retried.
	AlreadyApplied []string `json:"alreadyApplied"`
	// Skipped lists scripts recorded by an earlier call.
	Skipped []string `json:"skipped"`
}

// Succeeded is the number of scripts this call recorded.
func (r *RunReport) Succeeded() int {
	return len(r.Executed) + len(r.AlreadyApplied)
}

// Option configures an Executor.
type Option func(*Executor)

// WithEventEmitter publishes script CloudEvents through emitter.
func WithEventEmitter(emitter modhost.EventEmitter) Option {
	return func(e *Executor) { e.emitter = emitter }
}

// Executor applies module scripts found under a backend root.
type Executor struct {
	db      *sql.DB
	dialect dbx.Dialect
	root    string
	logger  modhost.Logger
	emitter modhost.EventEmitter
}

// New creates an executor. driver selects the placeholder style.
func New(db *sql.DB, driver, root string, logger modhost.Logger, opts ...Option) *Executor {
	if logger == nil {
		logger = modhost.NopLogger()
	}
	e := &Executor{db: db, dialect: dbx.DialectFor(driver), root: root, logger: logger}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EnsureSchema creates the record table.
func (e *Executor) EnsureSchema(ctx context.Context) error {
	_, err := e.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+Table+` (
		module_slug TEXT NOT NULL,
		filename    TEXT NOT NULL,
		type        TEXT NOT NULL,
		executed_at TEXT NOT NULL,
		PRIMARY KEY (module_slug, filename, type)
	)`)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", Table, err)
	}
	return nil
}

// Scripts lists the .sql files of dir sorted by filename. A missing
// directory has no scripts.
func Scripts(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list scripts in %s: %w", dir, err)
	}
	var names []string
	for _, entry := range entries {
		if entry.Type().IsRegular() && strings.EqualFold(filepath.Ext(entry.Name()), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (e *Executor) moduleDir(slug string) (string, error) {
	if !modhost.ValidSlug(slug) {
		return "", modhost.NewNotFoundError(slug)
	}
	dir := filepath.Join(e.root, slug)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", modhost.NewNotFoundError(slug)
	}
	return dir, nil
}

// Run applies every unrecorded script of one type, in filename order. A
// script that fails because its objects already exist is recorded and the
// run continues; any other failure stops the run and is returned as a
// migration error together with the partial report.
func (e *Executor) Run(ctx context.Context, slug string, typ ScriptType) (*RunReport, error) {
	dir, err := e.moduleDir(slug)
	if err != nil {
		return nil, err
	}
	scripts, err := Scripts(filepath.Join(dir, typ.Dir()))
	if err != nil {
		return nil, err
	}
	report := &RunReport{Module: slug, Type: typ}
	if len(scripts) == 0 {
		return report, nil
	}

	applied, err := e.applied(ctx, slug, typ)
	if err != nil {
		return nil, err
	}

	for _, name := range scripts {
		if applied[name] {
			report.Skipped = append(report.Skipped, name)
			continue
		}
		body, err := os.ReadFile(filepath.Join(dir, typ.Dir(), name))
		if err != nil {
			return report, e.failed(ctx, report, name, err)
		}

		err = e.apply(ctx, slug, typ, name, string(body))
		switch {
		case err == nil:
			report.Executed = append(report.Executed, name)
		case IsAlreadyExists(err):
			e.logger.Warn("Script objects already exist, recording as applied", "module", slug, "type", string(typ), "script", name, "error", err)
			if rerr := e.record(ctx, e.db, slug, typ, name); rerr != nil {
				return report, e.failed(ctx, report, name, rerr)
			}
			report.AlreadyApplied = append(report.AlreadyApplied, name)
		default:
			return report, e.failed(ctx, report, name, err)
		}
	}

	if report.Succeeded() > 0 {
		e.logger.Info("Module scripts applied", "module", slug, "type", string(typ),
			"executed", len(report.Executed), "alreadyApplied", len(report.AlreadyApplied), "skipped", len(report.Skipped))
		modhost.EmitLifecycle(ctx, e.emitter, e.logger, modhost.EventTypeScriptsApplied, source, map[string]any{
			"module":         slug,
			"type":           string(typ),
			"executed":       report.Executed,
			"alreadyApplied": report.AlreadyApplied,
		})
	}
	return report, nil
}

// RunAll applies migrations, then seeds.
func (e *Executor) RunAll(ctx context.Context, slug string) ([]*RunReport, error) {
	var reports []*RunReport
	for _, typ := range []ScriptType{Migration, Seed} {
		report, err := e.Run(ctx, slug, typ)
		if report != nil {
			reports = append(reports, report)
		}
		if err != nil {
			return reports, err
		}
	}
	return reports, nil
}

// apply runs one script and its record insert in a single transaction.
func (e *Executor) apply(ctx context.Context, slug string, typ ScriptType, name, body string) (err error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if err = e.record(ctx, tx, slug, typ, name); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (e *Executor) record(ctx context.Context, db execer, slug string, typ ScriptType, name string) error {
	_, err := db.ExecContext(ctx,
		e.dialect.Rebind(`INSERT INTO `+Table+` (module_slug, filename, type, executed_at) VALUES (?, ?, ?, ?)`),
		slug, name, string(typ), timecache.CachedTime().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("failed to record script %s: %w", name, err)
	}
	return nil
}

func (e *Executor) failed(ctx context.Context, report *RunReport, name string, cause error) error {
	err := modhost.NewMigrationError(report.Module, string(report.Type), name, report.Succeeded(), cause)
	e.logger.Error("Module script failed", "module", report.Module, "type", string(report.Type), "script", name,
		"succeeded", report.Succeeded(), "error", cause)
	modhost.EmitLifecycle(ctx, e.emitter, e.logger, modhost.EventTypeScriptFailed, source, map[string]any{
		"module":    report.Module,
		"type":      string(report.Type),
		"script":    name,
		"succeeded": report.Succeeded(),
		"error":     cause.Error(),
	})
	return err
}

func (e *Executor) applied(ctx context.Context, slug string, typ ScriptType) (map[string]bool, error) {
	rows, err := e.db.QueryContext(ctx,
		e.dialect.Rebind(`SELECT filename FROM `+Table+` WHERE module_slug = ? AND type = ?`), slug, string(typ))
	if err != nil {
		return nil, fmt.Errorf("failed to query applied scripts: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan applied script: %w", err)
		}
		applied[name] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating applied scripts: %w", err)
	}
	return applied, nil
}

// History returns the records of a module, oldest first.
func (e *Executor) History(ctx context.Context, slug string) ([]Record, error) {
	rows, err := e.db.QueryContext(ctx,
		e.dialect.Rebind(`SELECT module_slug, filename, type, executed_at FROM `+Table+
			` WHERE module_slug = ? ORDER BY executed_at, type, filename`), slug)
	if err != nil {
		return nil, fmt.Errorf("failed to query script history: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			rec  Record
			typ  string
			when string
		)
		if err := rows.Scan(&rec.Module, &rec.Filename, &typ, &when); err != nil {
			return nil, fmt.Errorf("failed to scan script record: %w", err)
		}
		rec.Type = ScriptType(typ)
		rec.ExecutedAt, _ = time.Parse(timeLayout, when)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating script records: %w", err)
	}
	return records, nil
}

// Forget deletes every record of a module, so a reinstall runs its scripts
// again.
func (e *Executor) Forget(ctx context.Context, slug string) (int64, error) {
	res, err := e.db.ExecContext(ctx, e.dialect.Rebind(`DELETE FROM `+Table+` WHERE module_slug = ?`), slug)
	if err != nil {
		return 0, fmt.Errorf("failed to delete script records of %s: %w", slug, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RunUninstall executes the module's uninstall scripts in filename order,
// each in its own transaction and without recording them. It stops at the
// first failure.
func (e *Executor) RunUninstall(ctx context.Context, slug string) ([]string, error) {
	dir, err := e.moduleDir(slug)
	if err != nil {
		return nil, err
	}
	scripts, err := Scripts(filepath.Join(dir, uninstallDir))
	if err != nil {
		return nil, err
	}
	var done []string
	for _, name := range scripts {
		body, err := os.ReadFile(filepath.Join(dir, uninstallDir, name))
		if err == nil {
			err = e.exec(ctx, string(body))
		}
		if err != nil {
			return done, modhost.NewMigrationError(slug, uninstallDir, name, len(done), err)
		}
		done = append(done, name)
	}
	if len(done) > 0 {
		e.logger.Info("Module uninstall scripts executed", "module", slug, "scripts", len(done))
	}
	return done, nil
}

func (e *Executor) exec(ctx context.Context, body string) (err error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if _, err = tx.ExecContext(ctx, body); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// alreadyExistsStates are the PostgreSQL SQLSTATEs raised when a script
// creates an object that is already there.
var alreadyExistsStates = map[string]bool{
	"42P07": true,
	"42710": true,
	"42P06": true,
	"42701": true,
	"42P16": true,
	"42723": true,
}

var alreadyExistsMessages = []string{
	"already exists",
	"duplicate column",
	"duplicate key name",
}

// IsAlreadyExists reports whether err means the objects a script creates
// are already present.
func IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return alreadyExistsStates[pgErr.Code]
	}
	msg := strings.ToLower(err.Error())
	for _, m := range alreadyExistsMessages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
