package modhost

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ManifestFile is the name of the manifest every module package carries.
const ManifestFile = "module.json"

// MenuItem is a navigation entry a module contributes to the host UI.
type MenuItem struct {
	Label      string     `json:"label"`
	Path       string     `json:"path"`
	Icon       string     `json:"icon,omitempty"`
	Order      int        `json:"order,omitempty"`
	Permission string     `json:"permission,omitempty"`
	Children   []MenuItem `json:"children,omitempty"`
}

// Dependencies lists the modules a module needs and, optionally, the minimum
// host version it was built for.
//
// In a manifest it is either a plain list of slugs or an object:
//
//	"dependencies": ["auth", "tenants"]
//	"dependencies": {"modules": ["auth"], "host": "1.4.0"}
type Dependencies struct {
	Modules []string `json:"modules,omitempty"`
	Host    string   `json:"host,omitempty"`
}

func (d *Dependencies) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*d = Dependencies{}
		return nil
	}
	if trimmed[0] == '[' {
		var modules []string
		if err := json.Unmarshal(trimmed, &modules); err != nil {
			return fmt.Errorf("dependencies: %w", err)
		}
		*d = Dependencies{Modules: modules}
		return nil
	}
	type plain Dependencies
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return fmt.Errorf("dependencies: %w", err)
	}
	*d = Dependencies(p)
	return nil
}

// Descriptor is the metadata record read from a module manifest.
type Descriptor struct {
	Slug          string         `json:"name"`
	DisplayName   string         `json:"displayName"`
	Version       string         `json:"version"`
	Description   string         `json:"description,omitempty"`
	Author        string         `json:"author,omitempty"`
	Category      string         `json:"category,omitempty"`
	Enabled       bool           `json:"enabled"`
	Dependencies  Dependencies   `json:"dependencies"`
	HostVersion   string         `json:"hostVersion,omitempty"`
	DefaultConfig map[string]any `json:"defaultConfig,omitempty"`
	Menus         []MenuItem     `json:"menus,omitempty"`

	// Dir is the directory the manifest was read from. Empty for descriptors
	// parsed from memory.
	Dir string `json:"-"`
}

// RequiredHostVersion returns the minimum host version the module declares,
// or "" when it declares none.
func (d *Descriptor) RequiredHostVersion() string {
	if d.Dependencies.Host != "" {
		return d.Dependencies.Host
	}
	return d.HostVersion
}

// DependsOn returns the slugs of the modules this module depends on.
func (d *Descriptor) DependsOn() []string {
	return d.Dependencies.Modules
}

// Clone returns a deep enough copy for registry snapshots.
func (d *Descriptor) Clone() *Descriptor {
	if d == nil {
		return nil
	}
	c := *d
	c.Dependencies.Modules = append([]string(nil), d.Dependencies.Modules...)
	c.Menus = append([]MenuItem(nil), d.Menus...)
	if d.DefaultConfig != nil {
		c.DefaultConfig = make(map[string]any, len(d.DefaultConfig))
		for k, v := range d.DefaultConfig {
			c.DefaultConfig[k] = v
		}
	}
	return &c
}

// ParseManifest decodes a manifest. A manifest that is not valid JSON is a
// validation failure on the "manifest" field; field-level rules are applied
// separately by ValidateDescriptor and ValidatePackageManifest.
func ParseManifest(data []byte) (*Descriptor, error) {
	var raw struct {
		Descriptor
		Enabled *bool `json:"enabled"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, NewValidationError("", []FieldViolation{{Field: "manifest", Message: err.Error()}})
	}
	desc := raw.Descriptor
	desc.Enabled = raw.Enabled == nil || *raw.Enabled
	return &desc, nil
}

// LoadDescriptor reads the manifest from a module directory.
func LoadDescriptor(dir string) (*Descriptor, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, dir)
		}
		return nil, fmt.Errorf("failed to read manifest in %s: %w", dir, err)
	}
	desc, err := ParseManifest(data)
	if err != nil {
		return nil, err
	}
	desc.Dir = dir
	return desc, nil
}

// DiscoverModuleDirs lists the subdirectories of root that contain a
// manifest, in directory-name order. Hidden directories (staging and backup
// directories among them) are skipped.
func DiscoverModuleDirs(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to scan module root %s: %w", root, err)
	}
	var dirs []string
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name()[0] == '.' {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err == nil {
			dirs = append(dirs, dir)
		}
	}
	return dirs, nil
}
