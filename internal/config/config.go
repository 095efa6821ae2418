// Package config parses and writes the repository configuration
// document: a TOML file naming the backend kind and, optionally, an
// encrypt/decrypt filter pair.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// FileName is the config document's name at the repository root, outside
// the {snapshots,indexes,packs} object namespaces.
const FileName = "backpak.toml"

// BackendKind names which concrete Backend a repository uses.
type BackendKind string

const (
	Filesystem BackendKind = "filesystem"
	Backblaze  BackendKind = "backblaze"
)

// Backend holds the kind-specific fields for whichever BackendKind is
// selected; only the fields for the active Kind are meaningful.
type Backend struct {
	Kind BackendKind `toml:"kind"`

	// Filesystem
	Path string `toml:"path,omitempty"`

	// Backblaze
	Bucket string `toml:"bucket,omitempty"`
	KeyID  string `toml:"key-id,omitempty"`
	Key    string `toml:"key,omitempty"`
}

// Filter names the external encrypt/decrypt commands FilterBackend runs.
// Both are shell argv arrays; an empty Filter disables filtering.
type Filter struct {
	EncryptCmd []string `toml:"encrypt-cmd,omitempty"`
	DecryptCmd []string `toml:"decrypt-cmd,omitempty"`
}

// Config is the parsed form of backpak.toml.
type Config struct {
	Version int      `toml:"version"`
	Backend Backend  `toml:"backend"`
	Filter  *Filter  `toml:"filter,omitempty"`
}

// CurrentVersion is written into new configs.
const CurrentVersion = 1

var ErrUnsupportedBackend = errors.New("config: unsupported backend kind")

// Validate checks that Backend.Kind is one backpak knows how to open.
func (c Config) Validate() error {
	switch c.Backend.Kind {
	case Filesystem, Backblaze:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedBackend, c.Backend.Kind)
	}
}

// Load reads and parses the config file at path.
func Load(path string) (Config, error) {
	var c Config
	if _, err := toml.DecodeFile(path, &c); err != nil {
		return Config{}, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Save writes c to path as TOML, creating or truncating the file.
func Save(path string, c Config) error {
	if err := c.Validate(); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("config: encoding: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}
