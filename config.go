package modhost

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/GoCodeAlone/modhost/feeders"
)

// EnvPrefix is the prefix of every environment variable the host reads.
const EnvPrefix = "MODHOST"

const (
	tagDefault  = "default"
	tagRequired = "required"
)

var (
	ErrConfigNil                  = errors.New("config cannot be nil")
	ErrConfigNotPointer           = errors.New("config must be a pointer")
	ErrConfigNotStruct            = errors.New("config must be a struct")
	ErrConfigRequiredFieldMissing = errors.New("required config field missing")
	ErrUnsupportedTypeForDefault  = errors.New("unsupported type for default value")
	ErrConfigInvalidValue         = errors.New("invalid config value")
)

// DatabaseConfig selects the shared relational store.
type DatabaseConfig struct {
	Driver             string `yaml:"driver" toml:"driver" env:"DRIVER" default:"sqlite" required:"true"`
	DSN                string `yaml:"dsn" toml:"dsn" env:"DSN" default:"file:modhost.db?_pragma=busy_timeout(5000)" required:"true"`
	MaxOpenConnections int    `yaml:"max_open_connections" toml:"max_open_connections" env:"MAX_OPEN_CONNECTIONS" default:"10"`
}

type HTTPConfig struct {
	Address string `yaml:"address" toml:"address" env:"ADDRESS" default:":8080"`
}

// InstallerConfig bounds what an uploaded package may contain.
type InstallerConfig struct {
	MaxArchiveBytes int64 `yaml:"max_archive_bytes" toml:"max_archive_bytes" env:"MAX_ARCHIVE_BYTES" default:"52428800"`
	MaxEntries      int   `yaml:"max_entries" toml:"max_entries" env:"MAX_ENTRIES" default:"2000"`
	MaxFileBytes    int64 `yaml:"max_file_bytes" toml:"max_file_bytes" env:"MAX_FILE_BYTES" default:"10485760"`
}

// Config is the host configuration.
type Config struct {
	HostVersion  string   `yaml:"host_version" toml:"host_version" env:"HOST_VERSION" default:"1.0.0" required:"true"`
	BackendRoot  string   `yaml:"backend_root" toml:"backend_root" env:"BACKEND_ROOT" default:"modules/backend" required:"true"`
	FrontendRoot string   `yaml:"frontend_root" toml:"frontend_root" env:"FRONTEND_ROOT" default:"modules/frontend" required:"true"`
	IgnoreList   []string `yaml:"ignore_modules" toml:"ignore_modules" env:"IGNORE_MODULES"`
	FailFast     bool     `yaml:"fail_fast" toml:"fail_fast" env:"FAIL_FAST"`

	// AllowFileOperations enables upload, uninstall and reload. Keep it off
	// in production.
	AllowFileOperations bool          `yaml:"allow_file_operations" toml:"allow_file_operations" env:"ALLOW_FILE_OPERATIONS"`
	WatchManifests      bool          `yaml:"watch_manifests" toml:"watch_manifests" env:"WATCH_MANIFESTS"`
	WatchDebounce       time.Duration `yaml:"watch_debounce" toml:"watch_debounce" env:"WATCH_DEBOUNCE" default:"250ms"`

	Database  DatabaseConfig  `yaml:"database" toml:"database" env:"DATABASE"`
	HTTP      HTTPConfig      `yaml:"http" toml:"http" env:"HTTP"`
	Installer InstallerConfig `yaml:"installer" toml:"installer" env:"INSTALLER"`

	// ModuleConfig overrides module default configuration, by slug.
	ModuleConfig map[string]map[string]any `yaml:"modules" toml:"modules" env:"-"`

	LogLevel  string `yaml:"log_level" toml:"log_level" env:"LOG_LEVEL" default:"info"`
	LogFormat string `yaml:"log_format" toml:"log_format" env:"LOG_FORMAT" default:"text"`
}

// Validate checks values that struct tags cannot express.
func (c *Config) Validate() error {
	if !IsSemver(c.HostVersion) {
		return fmt.Errorf("%w: host_version %q is not a version", ErrConfigInvalidValue, c.HostVersion)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log_format must be text or json", ErrConfigInvalidValue)
	}
	if c.Installer.MaxArchiveBytes <= 0 || c.Installer.MaxFileBytes <= 0 || c.Installer.MaxEntries <= 0 {
		return fmt.Errorf("%w: installer limits must be positive", ErrConfigInvalidValue)
	}
	return nil
}

// LoaderConfig derives the loader settings from the host configuration.
func (c *Config) LoaderConfig() LoaderConfig {
	return LoaderConfig{
		Root:         c.BackendRoot,
		HostVersion:  c.HostVersion,
		IgnoreList:   c.IgnoreList,
		FailFast:     c.FailFast,
		ModuleConfig: c.ModuleConfig,
	}
}

// LoadConfig builds the host configuration: defaults first, then the file
// at path (YAML or TOML, skipped when path is empty), then MODHOST_*
// environment variables. Required fields and value constraints are checked
// last.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if err := ProcessConfigDefaults(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}

	var sources []feeders.Feeder
	if path != "" {
		f, err := feeders.ForFile(path)
		if err != nil {
			return nil, err
		}
		sources = append(sources, f)
	}
	sources = append(sources, feeders.NewEnvFeeder(EnvPrefix))
	if err := feeders.Feed(cfg, sources...); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := ValidateConfigRequired(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ProcessConfigDefaults applies `default:"value"` tags to fields that are
// still zero. Nested structs are processed recursively.
//
//	type Config struct {
//	    Address string        `default:":8080"`
//	    Timeout time.Duration `default:"5s"`
//	    Tags    []string      `default:"[\"a\",\"b\"]"`
//	}
func ProcessConfigDefaults(cfg any) error {
	v, err := structValue(cfg)
	if err != nil {
		return err
	}
	return processStructDefaults(v)
}

func processStructDefaults(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct {
			if err := processStructDefaults(field); err != nil {
				return err
			}
			continue
		}
		defaultVal, hasDefault := fieldType.Tag.Lookup(tagDefault)
		if !hasDefault || !field.IsZero() {
			continue
		}
		if err := setDefaultValue(field, defaultVal); err != nil {
			return fmt.Errorf("failed to set default value for %s: %w", fieldType.Name, err)
		}
	}
	return nil
}

// ValidateConfigRequired checks all struct fields with `required:"true"` tag
// and verifies they are not zero/empty values
func ValidateConfigRequired(cfg any) error {
	v, err := structValue(cfg)
	if err != nil {
		return err
	}
	var missing []string
	validateRequiredFields(v, "", &missing)
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigRequiredFieldMissing, strings.Join(missing, ", "))
	}
	return nil
}

func validateRequiredFields(v reflect.Value, prefix string, missing *[]string) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)
		name := fieldType.Name
		if prefix != "" {
			name = prefix + "." + name
		}
		if !field.CanSet() {
			continue
		}
		if field.Kind() == reflect.Struct {
			validateRequiredFields(field, name, missing)
			continue
		}
		if fieldType.Tag.Get(tagRequired) == "true" && field.IsZero() {
			*missing = append(*missing, name)
		}
	}
}

func structValue(cfg any) (reflect.Value, error) {
	if cfg == nil {
		return reflect.Value{}, ErrConfigNil
	}
	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return reflect.Value{}, ErrConfigNotPointer
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return reflect.Value{}, ErrConfigNotStruct
	}
	return v, nil
}

// setDefaultValue sets a default value from a string to the proper field type
func setDefaultValue(field reflect.Value, defaultVal string) error {
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, err := time.ParseDuration(defaultVal)
		if err != nil {
			return fmt.Errorf("failed to parse duration value: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(defaultVal)
	case reflect.Bool:
		b, err := strconv.ParseBool(defaultVal)
		if err != nil {
			return fmt.Errorf("failed to parse bool value: %w", err)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(defaultVal, 10, 64)
		if err != nil {
			return fmt.Errorf("failed to parse int value: %w", err)
		}
		if field.OverflowInt(i) {
			return fmt.Errorf("%w: %d overflows %s", ErrUnsupportedTypeForDefault, i, field.Type())
		}
		field.SetInt(i)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(defaultVal, 64)
		if err != nil {
			return fmt.Errorf("failed to parse float value: %w", err)
		}
		field.SetFloat(f)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("%w: %s", ErrUnsupportedTypeForDefault, field.Type())
		}
		var strs []string
		if err := json.Unmarshal([]byte(defaultVal), &strs); err != nil {
			return fmt.Errorf("failed to unmarshal JSON array: %w", err)
		}
		field.Set(reflect.ValueOf(strs).Convert(field.Type()))
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedTypeForDefault, field.Kind())
	}
	return nil
}
