// Package repo opens a repository's full backend stack (filesystem or
// Backblaze B2, wrapped in the optional encryption filter and the local
// SQLite cache) from its on-disk config.
package repo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mrkline/backpak/internal/backend"
	"github.com/mrkline/backpak/internal/backend/b2backend"
	"github.com/mrkline/backpak/internal/backend/cachedbackend"
	"github.com/mrkline/backpak/internal/backend/filterbackend"
	"github.com/mrkline/backpak/internal/backend/fsbackend"
	"github.com/mrkline/backpak/internal/config"
	"github.com/mrkline/backpak/internal/pack"
)

// Repo bundles an opened backend with the config that built it and a
// closer for any local resources (the SQLite cache).
type Repo struct {
	Backend backend.Backend
	Cache   pack.BlobCache // the same cache, exposed for pack.Open/restore.NewFetcher
	Config  config.Config
	Path    string

	closer func() error
}

// Close releases local resources the repository holds open (e.g. the
// cache database). Safe to call even if nothing needs closing.
func (r *Repo) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer()
}

// CacheDBName is the SQLite cache file's name inside a repository's local
// cache directory.
const CacheDBName = "cache.db"

// Open reads path's config document and assembles the full backend stack:
// the raw store (fs or B2), the optional encryption filter, and the local
// blob/index cache, in that wrapping order.
func Open(ctx context.Context, path string) (*Repo, error) {
	cfgPath := filepath.Join(path, config.FileName)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	raw, err := openRaw(ctx, path, cfg)
	if err != nil {
		return nil, err
	}

	filtered := raw
	if cfg.Filter != nil {
		filtered = filterbackend.New(raw, cfg.Filter.EncryptCmd, cfg.Filter.DecryptCmd)
	}

	cacheDir := filepath.Join(path, "cache")
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("repo: creating cache dir: %w", err)
	}
	cached, err := cachedbackend.Open(filtered, filepath.Join(cacheDir, CacheDBName), cachedbackend.DefaultMaxBytes)
	if err != nil {
		return nil, fmt.Errorf("repo: opening cache: %w", err)
	}

	return &Repo{
		Backend: cached,
		Cache:   cached,
		Config:  cfg,
		Path:    path,
		closer:  cached.Close,
	}, nil
}

func openRaw(ctx context.Context, path string, cfg config.Config) (backend.Backend, error) {
	switch cfg.Backend.Kind {
	case config.Filesystem:
		dir := cfg.Backend.Path
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(path, dir)
		}
		return fsbackend.Open(dir)
	case config.Backblaze:
		return b2backend.Open(ctx, cfg.Backend.KeyID, cfg.Backend.Key, cfg.Backend.Bucket)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnsupportedBackend, cfg.Backend.Kind)
	}
}

// Init creates a brand-new repository at path: the directory layout, the
// config document, and (via Probe) a connectivity check of the backend
// before anything is written to it in earnest.
func Init(ctx context.Context, path string, cfg config.Config) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("repo: creating %s: %w", path, err)
	}
	cfgPath := filepath.Join(path, config.FileName)
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("repo: %s already initialized", path)
	}

	raw, err := openRaw(ctx, path, cfg)
	if err != nil {
		return err
	}
	if err := raw.Probe(ctx); err != nil {
		return fmt.Errorf("repo: backend probe failed: %w", err)
	}

	cfg.Version = config.CurrentVersion
	return config.Save(cfgPath, cfg)
}
