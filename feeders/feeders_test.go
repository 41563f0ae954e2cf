package feeders

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Name     string        `yaml:"name" toml:"name" env:"NAME"`
	Port     int           `yaml:"port" toml:"port" env:"PORT"`
	Debug    bool          `yaml:"debug" toml:"debug" env:"DEBUG"`
	Ignore   []string      `yaml:"ignore" toml:"ignore" env:"IGNORE"`
	Interval time.Duration `yaml:"interval" toml:"interval" env:"INTERVAL"`
	Database struct {
		DSN string `yaml:"dsn" toml:"dsn" env:"DSN"`
	} `yaml:"database" toml:"database" env:"DATABASE"`
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestYamlFeeder(t *testing.T) {
	path := writeFile(t, "config.yaml", "name: host\nport: 8080\nignore: [a, b]\ndatabase:\n  dsn: file:test.db\n")

	cfg := testConfig{Debug: true}
	require.NoError(t, NewYamlFeeder(path).Feed(&cfg))

	assert.Equal(t, "host", cfg.Name)
	assert.Equal(t, 8080, cfg.Port)
	assert.True(t, cfg.Debug, "keys absent from the file keep their value")
	assert.Equal(t, []string{"a", "b"}, cfg.Ignore)
	assert.Equal(t, "file:test.db", cfg.Database.DSN)
}

func TestYamlFeeder_MissingFile(t *testing.T) {
	var cfg testConfig
	err := NewYamlFeeder(filepath.Join(t.TempDir(), "nope.yaml")).Feed(&cfg)
	assert.Error(t, err)
}

func TestTomlFeeder(t *testing.T) {
	path := writeFile(t, "config.toml", "name = \"host\"\nport = 9090\n\n[database]\ndsn = \"postgres://x\"\n")

	var cfg testConfig
	require.NoError(t, NewTomlFeeder(path).Feed(&cfg))

	assert.Equal(t, "host", cfg.Name)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "postgres://x", cfg.Database.DSN)
}

func TestTomlFeeder_UnknownKeys(t *testing.T) {
	path := writeFile(t, "config.toml", "name = \"host\"\nunknown = 1\n")

	var cfg testConfig
	err := NewTomlFeeder(path).Feed(&cfg)
	assert.ErrorIs(t, err, ErrUnknownKeys)
}

func TestEnvFeeder(t *testing.T) {
	t.Setenv("MODHOST_NAME", "from-env")
	t.Setenv("MODHOST_PORT", "7070")
	t.Setenv("MODHOST_DEBUG", "true")
	t.Setenv("MODHOST_IGNORE", "a, b,,c")
	t.Setenv("MODHOST_INTERVAL", "250ms")
	t.Setenv("MODHOST_DATABASE_DSN", "file:env.db")

	var cfg testConfig
	require.NoError(t, NewEnvFeeder("modhost").Feed(&cfg))

	assert.Equal(t, "from-env", cfg.Name)
	assert.Equal(t, 7070, cfg.Port)
	assert.True(t, cfg.Debug)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Ignore)
	assert.Equal(t, 250*time.Millisecond, cfg.Interval)
	assert.Equal(t, "file:env.db", cfg.Database.DSN)
}

func TestEnvFeeder_InvalidValue(t *testing.T) {
	t.Setenv("MODHOST_PORT", "not-a-number")

	var cfg testConfig
	err := NewEnvFeeder("MODHOST").Feed(&cfg)
	assert.Error(t, err)
}

func TestFeeders_InvalidStructure(t *testing.T) {
	var cfg testConfig
	assert.ErrorIs(t, NewEnvFeeder("X").Feed(cfg), ErrInvalidStructure)
	assert.ErrorIs(t, NewYamlFeeder("x.yaml").Feed(nil), ErrInvalidStructure)
}

func TestForFile(t *testing.T) {
	f, err := ForFile("host.yml")
	require.NoError(t, err)
	assert.IsType(t, YamlFeeder{}, f)

	f, err = ForFile("host.TOML")
	require.NoError(t, err)
	assert.IsType(t, TomlFeeder{}, f)

	_, err = ForFile("host.ini")
	assert.ErrorIs(t, err, ErrUnsupportedExtension)
}

func TestFeed_AppliesInOrder(t *testing.T) {
	path := writeFile(t, "config.yaml", "name: file\nport: 1\n")
	t.Setenv("APP_PORT", "2")

	var cfg testConfig
	require.NoError(t, Feed(&cfg, NewYamlFeeder(path), NewEnvFeeder("APP")))

	assert.Equal(t, "file", cfg.Name)
	assert.Equal(t, 2, cfg.Port)
}
