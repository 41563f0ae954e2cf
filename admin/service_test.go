package admin

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modhost"
	"github.com/GoCodeAlone/modhost/installer"
	"github.com/GoCodeAlone/modhost/internal/dbx"
	"github.com/GoCodeAlone/modhost/jobs"
	"github.com/GoCodeAlone/modhost/migrations"
	"github.com/GoCodeAlone/modhost/store"

	_ "modernc.org/sqlite"
)

type billingPlugin struct{}

func (billingPlugin) Boot(ctx context.Context, host *modhost.HostContext) error {
	if err := host.RegisterRoutes(ctx, modhost.Route{Method: http.MethodGet, Path: "/ping", Handler: text("pong")}); err != nil {
		return err
	}
	if err := host.RegisterMenu(ctx); err != nil {
		return err
	}
	_, err := host.ScheduleJob("sync-invoices", "@every 1h", func(context.Context) error { return nil })
	return err
}

type harness struct {
	svc           *Service
	bus           *modhost.Bus
	audit         *auditTrail
	db            *sql.DB
	store         *store.Store
	executor      *migrations.Executor
	loader        *modhost.Loader
	scheduler     *jobs.Scheduler
	contributions *Contributions
	backend       string
	frontend      string
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	backend := filepath.Join(root, "backend")
	frontend := filepath.Join(root, "frontend")
	require.NoError(t, os.MkdirAll(backend, 0o755))

	db, err := dbx.Open(ctx, "sqlite", ":memory:", 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	st := store.New(db, "sqlite")
	require.NoError(t, st.EnsureSchema(ctx))
	bus := modhost.NewBus(nil)
	audit := &auditTrail{}
	_, err = bus.On(modhost.EventAudit, audit.record)
	require.NoError(t, err)

	exec := migrations.New(db, "sqlite", backend, nil, migrations.WithEventEmitter(bus))
	require.NoError(t, exec.EnsureSchema(ctx))
	inst := installer.New(installer.Config{BackendRoot: backend, FrontendRoot: frontend}, nil,
		installer.WithRegistrar(st), installer.WithEventEmitter(bus))

	catalog := modhost.NewCatalog()
	catalog.MustRegister("billing", func() modhost.Plugin { return billingPlugin{} })

	scheduler := jobs.NewScheduler()
	loader := modhost.NewLoader(modhost.LoaderConfig{Root: backend, HostVersion: "1.0.0"}, catalog, modhost.NewRegistry(), bus, nil,
		modhost.WithEnablementSource(st), modhost.WithJobScheduler(scheduler))
	contributions, err := NewContributions(bus, nil)
	require.NoError(t, err)
	t.Cleanup(contributions.Close)

	svc := NewService(cfg, loader, st, inst, exec, nil,
		WithJobScheduler(scheduler), WithContributions(contributions), WithEventEmitter(bus))
	return &harness{
		svc:           svc,
		bus:           bus,
		audit:         audit,
		db:            db,
		store:         st,
		executor:      exec,
		loader:        loader,
		scheduler:     scheduler,
		contributions: contributions,
		backend:       backend,
		frontend:      frontend,
	}
}

// auditTrail keeps every CloudEvent published on the audit channel.
type auditTrail struct {
	mu     sync.Mutex
	events []cloudevents.Event
}

func (a *auditTrail) record(_ context.Context, payload any) error {
	if event, ok := payload.(cloudevents.Event); ok {
		a.mu.Lock()
		a.events = append(a.events, event)
		a.mu.Unlock()
	}
	return nil
}

// audited waits for pending audit deliveries and returns the data of every
// event of eventType.
func (h *harness) audited(t *testing.T, eventType string) []map[string]any {
	t.Helper()
	require.NoError(t, h.bus.Wait(context.Background()))
	h.audit.mu.Lock()
	defer h.audit.mu.Unlock()
	var out []map[string]any
	for _, event := range h.audit.events {
		if event.Type() != eventType {
			continue
		}
		var data map[string]any
		require.NoError(t, event.DataAs(&data))
		out = append(out, data)
	}
	return out
}

// transitions lists the status changes published for slug as "from->to".
func (h *harness) transitions(t *testing.T, slug string) []string {
	t.Helper()
	var out []string
	for _, data := range h.audited(t, modhost.EventTypeStatusChanged) {
		if data["module"] == slug {
			out = append(out, fmt.Sprintf("%v->%v", data["from"], data["to"]))
		}
	}
	return out
}

func billingPackage(t *testing.T, version, migration string) []byte {
	t.Helper()
	files := []struct{ name, body string }{
		{"module.json", `{"name":"billing","displayName":"Billing","version":"` + version + `","description":"Invoices","author":"Acme","menus":[{"label":"Invoices","path":"/billing"}]}`},
		{"migrations/001_invoices.sql", migration},
		{"seeds/001_invoices.sql", "INSERT INTO billing_invoices (id) VALUES (1);"},
		{"uninstall/001_drop.sql", "DROP TABLE billing_invoices;"},
		{"frontend/index.js", "export default {}"},
	}
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, f := range files {
		w, err := zw.Create(f.name)
		require.NoError(t, err)
		_, err = w.Write([]byte(f.body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const createInvoices = "CREATE TABLE billing_invoices (id INTEGER PRIMARY KEY);"

func (h *harness) upload(t *testing.T, version string) *installer.Result {
	t.Helper()
	res, err := h.svc.Upload(context.Background(), "", bytes.NewReader(billingPackage(t, version, createInvoices)))
	require.NoError(t, err)
	return res
}

func (h *harness) status(t *testing.T) modhost.InstallStatus {
	t.Helper()
	m, err := h.store.Get(context.Background(), "billing")
	require.NoError(t, err)
	return m.Status
}

func (h *harness) tableExists(t *testing.T, name string) bool {
	t.Helper()
	var n int
	err := h.db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name).Scan(&n)
	require.NoError(t, err)
	return n > 0
}

func TestServiceLifecycle(t *testing.T) {
	h := newHarness(t, Config{AllowFileOperations: true})
	ctx := context.Background()

	res := h.upload(t, "1.0.0")
	assert.True(t, res.Fresh)
	assert.True(t, res.HasFrontend)
	assert.Equal(t, modhost.InstallInstalled, h.status(t))

	views, err := h.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "billing", views[0].Slug)
	assert.True(t, views[0].Intact)
	assert.Empty(t, views[0].RuntimeStatus)

	st, err := h.svc.Status(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, []string{"001_invoices.sql"}, st.PendingMigrations)
	assert.Equal(t, []string{"001_invoices.sql"}, st.PendingSeeds)

	report, err := h.svc.RunMigrations(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, []string{"001_invoices.sql"}, report.Executed)
	assert.Equal(t, modhost.InstallDBReady, h.status(t))

	_, err = h.svc.RunSeeds(ctx, "billing")
	require.NoError(t, err)

	require.NoError(t, h.svc.Activate(ctx, "billing"))
	assert.Equal(t, modhost.InstallActive, h.status(t))
	rm, ok := h.loader.Registry().Get("billing")
	require.True(t, ok)
	assert.Equal(t, modhost.StatusActive, rm.Status)
	assert.Len(t, h.scheduler.Jobs("billing"), 1)
	assert.Equal(t, "pong", get(t, h.contributions.Handler(), "/m/billing/ping").Body.String())

	st, err = h.svc.Status(ctx, "billing")
	require.NoError(t, err)
	assert.Empty(t, st.PendingMigrations)
	assert.Empty(t, st.PendingSeeds)
	assert.Len(t, st.Migrations, 2)
	require.Len(t, st.Menus, 1)
	assert.Equal(t, "Invoices", st.Menus[0].Label)
	assert.Equal(t, modhost.StatusActive, st.RuntimeStatus)

	require.NoError(t, h.svc.Deactivate(ctx, "billing"))
	assert.Equal(t, modhost.InstallDisabled, h.status(t))
	assert.Empty(t, h.scheduler.Jobs("billing"))
	assert.Equal(t, http.StatusNotFound, get(t, h.contributions.Handler(), "/m/billing/ping").Code)

	err = h.svc.Deactivate(ctx, "billing")
	assert.Equal(t, modhost.CodeInvalidState, modhost.CodeOf(err))
}

func TestServiceSetup(t *testing.T) {
	h := newHarness(t, Config{AllowFileOperations: true})
	ctx := context.Background()
	h.upload(t, "1.0.0")

	reports, err := h.svc.Setup(ctx, "billing")
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, migrations.Migration, reports[0].Type)
	assert.Equal(t, migrations.Seed, reports[1].Type)
	assert.Equal(t, modhost.InstallDBReady, h.status(t))

	var n int
	require.NoError(t, h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM billing_invoices").Scan(&n))
	assert.Equal(t, 1, n)

	_, err = h.svc.Setup(ctx, "missing")
	assert.Equal(t, modhost.CodeNotFound, modhost.CodeOf(err))
}

func TestServiceMigrationFailure(t *testing.T) {
	h := newHarness(t, Config{AllowFileOperations: true})
	ctx := context.Background()
	_, err := h.svc.Upload(ctx, "billing", bytes.NewReader(billingPackage(t, "1.0.0", "CREATE TABL oops;")))
	require.NoError(t, err)

	_, err = h.svc.RunMigrations(ctx, "billing")
	require.Error(t, err)
	assert.Equal(t, modhost.CodeMigration, modhost.CodeOf(err))

	m, err := h.store.Get(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, modhost.InstallInstalled, m.Status)
	assert.NotEmpty(t, m.LastError)
}

func TestServiceTenantDeactivationStopsJobs(t *testing.T) {
	h := newHarness(t, Config{AllowFileOperations: true})
	ctx := context.Background()
	h.upload(t, "1.0.0")
	require.NoError(t, h.svc.Activate(ctx, "billing"))

	require.NoError(t, h.svc.EnableForTenant(ctx, "billing", "acme"))
	require.NoError(t, h.svc.EnableForTenant(ctx, "billing", "globex"))

	stopped, err := h.svc.DeactivateForTenant(ctx, "billing", "acme")
	require.NoError(t, err)
	assert.Zero(t, stopped, "globex still uses the module")
	assert.Len(t, h.scheduler.Jobs("billing"), 1)

	stopped, err = h.svc.DeactivateForTenant(ctx, "billing", "globex")
	require.NoError(t, err)
	assert.Equal(t, 1, stopped)
	assert.Empty(t, h.scheduler.Jobs("billing"))

	err = h.svc.EnableForTenant(ctx, "crm", "acme")
	assert.Equal(t, modhost.CodeNotFound, modhost.CodeOf(err))
}

func TestServiceFileOperationsGate(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.svc.Upload(ctx, "", bytes.NewReader(billingPackage(t, "1.0.0", createInvoices)))
	assert.Equal(t, modhost.CodeOperationForbidden, modhost.CodeOf(err))
	err = h.svc.Uninstall(ctx, "billing", "billing", KeepData)
	assert.Equal(t, modhost.CodeOperationForbidden, modhost.CodeOf(err))
	err = h.svc.Reload(ctx, "billing")
	assert.Equal(t, modhost.CodeOperationForbidden, modhost.CodeOf(err))

	entries, err := os.ReadDir(h.backend)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestServiceUploadUpdateReloadsActiveModule(t *testing.T) {
	h := newHarness(t, Config{AllowFileOperations: true})
	ctx := context.Background()
	h.upload(t, "1.0.0")
	require.NoError(t, h.svc.Activate(ctx, "billing"))

	res := h.upload(t, "1.1.0")
	assert.False(t, res.Fresh)

	rm, ok := h.loader.Registry().Get("billing")
	require.True(t, ok)
	assert.Equal(t, "1.1.0", rm.Descriptor.Version)
	assert.Equal(t, modhost.StatusActive, rm.Status)

	m, err := h.store.Get(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", m.Version)
	assert.Equal(t, modhost.InstallActive, m.Status)
}

func TestServiceReload(t *testing.T) {
	h := newHarness(t, Config{AllowFileOperations: true})
	ctx := context.Background()
	h.upload(t, "1.0.0")
	require.NoError(t, h.svc.Activate(ctx, "billing"))

	manifest := `{"name":"billing","displayName":"Billing & invoicing","version":"1.0.1","description":"Invoices","author":"Acme"}`
	require.NoError(t, os.WriteFile(filepath.Join(h.backend, "billing", modhost.ManifestFile), []byte(manifest), 0o644))
	require.NoError(t, h.svc.Reload(ctx, "billing"))

	m, err := h.store.Get(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, "1.0.1", m.Version)
	assert.Equal(t, "Billing & invoicing", m.DisplayName)

	err = h.svc.Reload(ctx, "crm")
	assert.Equal(t, modhost.CodeNotFound, modhost.CodeOf(err))
}

func TestServiceUninstall(t *testing.T) {
	cases := []struct {
		mode        DataRemoval
		tableKept   bool
		historyKept bool
	}{
		{KeepData, true, true},
		{CoreOnly, true, false},
		{FullRemoval, false, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.mode), func(t *testing.T) {
			h := newHarness(t, Config{AllowFileOperations: true})
			ctx := context.Background()
			h.upload(t, "1.0.0")
			_, err := h.svc.Setup(ctx, "billing")
			require.NoError(t, err)
			require.NoError(t, h.svc.Activate(ctx, "billing"))

			require.NoError(t, h.svc.Uninstall(ctx, "billing", "billing", tc.mode))

			_, err = h.store.Get(ctx, "billing")
			assert.Equal(t, modhost.CodeNotFound, modhost.CodeOf(err))
			_, ok := h.loader.Registry().Get("billing")
			assert.False(t, ok)
			assert.NoDirExists(t, filepath.Join(h.backend, "billing"))
			assert.NoDirExists(t, filepath.Join(h.frontend, "billing"))
			assert.Empty(t, h.scheduler.Jobs("billing"))
			assert.Equal(t, tc.tableKept, h.tableExists(t, "billing_invoices"))

			history, err := h.executor.History(ctx, "billing")
			require.NoError(t, err)
			assert.Equal(t, tc.historyKept, len(history) > 0)
		})
	}
}

func TestServiceUninstallRejections(t *testing.T) {
	h := newHarness(t, Config{AllowFileOperations: true})
	ctx := context.Background()
	h.upload(t, "1.0.0")

	err := h.svc.Uninstall(ctx, "billing", "bill", KeepData)
	assert.Equal(t, modhost.CodeConfirmationMismatch, modhost.CodeOf(err))

	err = h.svc.Uninstall(ctx, "billing", "billing", DataRemoval("everything"))
	assert.Equal(t, modhost.CodeInvalidState, modhost.CodeOf(err))

	err = h.svc.Uninstall(ctx, "crm", "crm", KeepData)
	assert.Equal(t, modhost.CodeNotFound, modhost.CodeOf(err))

	assert.DirExists(t, filepath.Join(h.backend, "billing"))
}

func TestServiceReconcile(t *testing.T) {
	h := newHarness(t, Config{AllowFileOperations: true})
	ctx := context.Background()
	h.upload(t, "1.0.0")

	corrupted, err := h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, corrupted)

	require.NoError(t, os.RemoveAll(filepath.Join(h.frontend, "billing")))
	corrupted, err = h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"billing"}, corrupted)
	assert.Equal(t, modhost.InstallCorrupted, h.status(t))

	corrupted, err = h.svc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Empty(t, corrupted, "already corrupted modules are not reported again")

	views, err := h.svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.False(t, views[0].Intact)

	err = h.svc.Activate(ctx, "billing")
	assert.Equal(t, modhost.CodeInvalidState, modhost.CodeOf(err))

	h.upload(t, "1.0.0")
	assert.Equal(t, modhost.InstallInstalled, h.status(t), "reinstalling repairs the module")
}

func TestServiceActivateUnknownModule(t *testing.T) {
	h := newHarness(t, Config{AllowFileOperations: true})
	err := h.svc.Activate(context.Background(), "crm")
	assert.Equal(t, modhost.CodeNotFound, modhost.CodeOf(err))
}

func TestServicePublishesAuditEvents(t *testing.T) {
	h := newHarness(t, Config{AllowFileOperations: true})
	ctx := context.Background()
	h.upload(t, "1.0.0")
	_, err := h.svc.RunMigrations(ctx, "billing")
	require.NoError(t, err)

	installed := h.audited(t, modhost.EventTypePackageInstalled)
	require.Len(t, installed, 1)
	assert.Equal(t, "billing", installed[0]["module"])
	assert.Equal(t, true, installed[0]["fresh"])

	applied := h.audited(t, modhost.EventTypeScriptsApplied)
	require.Len(t, applied, 1)
	assert.Equal(t, "migration", applied[0]["type"])

	assert.ElementsMatch(t, []string{"->installed", "installed->db_ready"}, h.transitions(t, "billing"))

	require.NoError(t, os.RemoveAll(filepath.Join(h.frontend, "billing")))
	_, err = h.svc.Reconcile(ctx)
	require.NoError(t, err)
	_, err = h.svc.Upload(ctx, "billing", bytes.NewReader(billingPackage(t, "1.0.0", createInvoices)))
	require.NoError(t, err)
	assert.Equal(t, modhost.InstallInstalled, h.status(t))
	assert.ElementsMatch(t, []string{"->installed", "installed->db_ready", "db_ready->corrupted", "corrupted->installed"},
		h.transitions(t, "billing"))
}

func TestServicePublishesScriptFailures(t *testing.T) {
	h := newHarness(t, Config{AllowFileOperations: true})
	ctx := context.Background()
	_, err := h.svc.Upload(ctx, "billing", bytes.NewReader(billingPackage(t, "1.0.0", "CREATE TABL oops;")))
	require.NoError(t, err)
	_, err = h.svc.RunMigrations(ctx, "billing")
	require.Error(t, err)

	failed := h.audited(t, modhost.EventTypeScriptFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "001_invoices.sql", failed[0]["script"])
	assert.Empty(t, h.audited(t, modhost.EventTypeScriptsApplied))
}
