package cmd_test

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoCodeAlone/modhost/cmd/modhost/cmd"
)

func TestRootCommand(t *testing.T) {
	rootCmd := cmd.NewRootCommand(nil)
	assert.Equal(t, "modhost", rootCmd.Use)

	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetArgs([]string{"--help"})
	require.NoError(t, rootCmd.Execute())
	for _, sub := range []string{"serve", "install", "migrate", "seed", "list", "uninstall"} {
		assert.Contains(t, buf.String(), sub)
	}
}

func TestVersionInfo(t *testing.T) {
	assert.Contains(t, cmd.PrintVersion(), "modhost v")
}

// run executes one command line against a fresh root command.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	rootCmd := cmd.NewRootCommand(nil)
	out := new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(new(bytes.Buffer))
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := "backend_root: " + filepath.Join(dir, "backend") + "\n" +
		"frontend_root: " + filepath.Join(dir, "frontend") + "\n" +
		"log_level: error\n" +
		"database:\n" +
		"  driver: sqlite\n" +
		"  dsn: " + filepath.Join(dir, "host.db") + "\n"
	path := filepath.Join(dir, "modhost.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o644))
	return path
}

func writePackage(t *testing.T) string {
	t.Helper()
	files := []struct{ name, body string }{
		{"billing/module.json", `{"name":"billing","displayName":"Billing","version":"1.0.0","description":"Invoices","author":"Acme"}`},
		{"billing/migrations/001_invoices.sql", "CREATE TABLE billing_invoices (id INTEGER PRIMARY KEY);"},
		{"billing/seeds/001_invoices.sql", "INSERT INTO billing_invoices (id) VALUES (1);"},
		{"billing/uninstall/001_drop.sql", "DROP TABLE billing_invoices;"},
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
	path := filepath.Join(t.TempDir(), "billing.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func TestModuleCommands(t *testing.T) {
	cfg := writeConfig(t)
	pkg := writePackage(t)

	out, err := run(t, "install", pkg, "--setup", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Installed billing 1.0.0")
	assert.Contains(t, out, "+ 001_invoices.sql")

	out, err = run(t, "migrate", "billing", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "0 executed, 0 already applied, 1 skipped")

	out, err = run(t, "list", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "billing")
	assert.Contains(t, out, "db_ready")

	out, err = run(t, "list", "--json", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, `"slug": "billing"`)

	_, err = run(t, "uninstall", "billing", "--confirm", "nope", "-c", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MODULE_CONFIRMATION_MISMATCH")

	out, err = run(t, "uninstall", "billing", "--confirm", "billing", "--data", "full", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "Uninstalled billing")

	out, err = run(t, "list", "--json", "-c", cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "[]")
}

func TestSeedUnknownModule(t *testing.T) {
	_, err := run(t, "seed", "crm", "-c", writeConfig(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MODULE_NOT_FOUND")
}
