// Package fsbackend implements backend.Backend over a local directory tree,
// one subdirectory per object kind.
package fsbackend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"

	"github.com/mrkline/backpak/internal/backend"
	"github.com/mrkline/backpak/internal/objid"
)

var log = logging.Logger("backend/fsbackend")

// Backend stores objects under root/<kind>/<id>. Puts write to a sibling
// temp file and rename into place so List never observes a partial object.
type Backend struct {
	root string
}

// Open returns a Backend rooted at dir, creating the per-kind
// subdirectories if they don't exist.
func Open(dir string) (*Backend, error) {
	for _, k := range []backend.Kind{backend.Snapshot, backend.Index, backend.Pack} {
		if err := os.MkdirAll(filepath.Join(dir, k.String()), 0o755); err != nil {
			return nil, fmt.Errorf("fsbackend: creating %s dir: %w", k, err)
		}
	}
	return &Backend{root: dir}, nil
}

func (b *Backend) path(kind backend.Kind, id objid.ID) string {
	return filepath.Join(b.root, kind.String(), id.String())
}

// Root returns the backend's root directory, the parent of the
// {snapshots,indexes,packs} subdirectories.
func (b *Backend) Root() string { return b.root }

func (b *Backend) Put(ctx context.Context, kind backend.Kind, id objid.ID, r io.Reader) error {
	dst := b.path(kind, id)
	if _, err := os.Stat(dst); err == nil {
		// Put is idempotent on ID match; we don't re-verify contents here,
		// trusting content addressing to have gotten us the right bytes
		// the first time.
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".tmp-*")
	if err != nil {
		return fmt.Errorf("fsbackend: creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("fsbackend: writing %s/%s: %w", kind, id, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("fsbackend: fsyncing %s/%s: %w", kind, id, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("fsbackend: closing %s/%s: %w", kind, id, err)
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return fmt.Errorf("fsbackend: renaming into place %s/%s: %w", kind, id, err)
	}
	log.Debugw("put", "kind", kind, "id", id)
	return nil
}

func (b *Backend) Get(ctx context.Context, kind backend.Kind, id objid.ID) (io.ReadCloser, error) {
	f, err := os.Open(b.path(kind, id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("fsbackend: %s/%s: %w", kind, id, backend.ErrNotExist)
		}
		return nil, err
	}
	return f, nil
}

func (b *Backend) List(ctx context.Context, kind backend.Kind) ([]objid.ID, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, kind.String()))
	if err != nil {
		return nil, err
	}
	ids := make([]objid.ID, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != "" {
			continue // skip stray temp files (.tmp-*) and directories
		}
		id, err := objid.Parse(e.Name())
		if err != nil {
			log.Warnw("skipping non-id entry", "kind", kind, "name", e.Name())
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (b *Backend) Remove(ctx context.Context, kind backend.Kind, id objid.ID) error {
	err := os.Remove(b.path(kind, id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (b *Backend) Probe(ctx context.Context) error {
	probeID := objid.Sum([]byte("backpak-probe"))
	payload := []byte("ok")
	if err := b.Put(ctx, backend.Index, probeID, bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("fsbackend: probe put: %w", err)
	}
	rc, err := b.Get(ctx, backend.Index, probeID)
	if err != nil {
		return fmt.Errorf("fsbackend: probe get: %w", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("fsbackend: probe read: %w", err)
	}
	if string(got) != string(payload) {
		return fmt.Errorf("fsbackend: probe mismatch")
	}
	return b.Remove(ctx, backend.Index, probeID)
}
