// Package feeders populates configuration structs from files and the
// environment. Feeders are applied in order, each one overwriting the fields
// it knows about.
package feeders

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// Feeder fills a pointer to a struct.
type Feeder interface {
	Feed(structure any) error
}

var (
	ErrInvalidStructure     = errors.New("feeder: expected pointer to struct")
	ErrUnsupportedExtension = errors.New("feeder: unsupported config file extension")
	ErrFieldCannotBeSet     = errors.New("feeder: field cannot be set")
	ErrUnknownKeys          = errors.New("feeder: unknown configuration keys")
)

// ForFile returns the feeder matching the extension of path.
func ForFile(path string) (Feeder, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return NewYamlFeeder(path), nil
	case ".toml":
		return NewTomlFeeder(path), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedExtension, path)
	}
}

// Feed applies feeders to structure in order.
func Feed(structure any, feeders ...Feeder) error {
	for _, f := range feeders {
		if err := f.Feed(structure); err != nil {
			return err
		}
	}
	return nil
}
