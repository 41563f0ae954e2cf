package feeders

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// TomlFeeder is a feeder that reads TOML files
type TomlFeeder struct {
	Path string
}

func NewTomlFeeder(filePath string) TomlFeeder {
	return TomlFeeder{Path: filePath}
}

// Feed decodes the file into structure.
func (t TomlFeeder) Feed(structure any) error {
	if !isStructPointer(structure) {
		return ErrInvalidStructure
	}
	md, err := toml.DecodeFile(t.Path, structure)
	if err != nil {
		return fmt.Errorf("failed to parse TOML file %s: %w", t.Path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown keys in %s: %v", ErrUnknownKeys, t.Path, undecoded)
	}
	return nil
}
