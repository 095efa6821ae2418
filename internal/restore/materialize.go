package restore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mrkline/backpak/internal/objid"
	"github.com/mrkline/backpak/internal/tree"
)

// Options configures a Restore run.
type Options struct {
	Owner       bool // apply uid/gid
	Permissions bool // apply mode bits
	Times       bool // apply atime/mtime
	Delete      bool // remove files in outRoot that aren't in the snapshot
}

// Restore materializes the tree rooted at root under outRoot. root is
// unwrapped via ContentRoot first, so outRoot receives the backed-up
// directory's own contents rather than a copy of it nested one level
// deeper. Every file is fetched chunk-by-chunk, written to a sibling
// temp path, and renamed into place; metadata is applied afterward in the
// documented order: owner, then permissions, then times.
func Restore(f *Fetcher, root objid.ID, outRoot string, opts Options) error {
	root, err := f.ContentRoot(root)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(outRoot, 0o755); err != nil {
		return fmt.Errorf("restore: creating %s: %w", outRoot, err)
	}

	written := make(map[string]struct{})
	if err := restoreDir(f, root, outRoot, "", opts, written); err != nil {
		return err
	}

	if opts.Delete {
		if err := deleteUnlisted(outRoot, written); err != nil {
			return err
		}
	}
	return nil
}

func restoreDir(f *Fetcher, treeID objid.ID, outRoot, relDir string, opts Options, written map[string]struct{}) error {
	t, err := f.Tree(treeID)
	if err != nil {
		return err
	}
	for _, name := range tree.SortedNames(t) {
		n := t[name]
		rel := filepath.Join(relDir, name)
		target := filepath.Join(outRoot, rel)
		written[rel] = struct{}{}

		switch {
		case n.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("restore: creating %s: %w", target, err)
			}
			if err := restoreDir(f, *n.Subtree, outRoot, rel, opts, written); err != nil {
				return err
			}
			if err := applyMetadata(target, n.Metadata, opts); err != nil {
				return err
			}

		case n.IsSymlink():
			_ = os.Remove(target)
			if err := os.Symlink(n.Symlink, target); err != nil {
				return fmt.Errorf("restore: symlinking %s: %w", target, err)
			}

		default:
			if err := restoreFile(f, n, target); err != nil {
				return err
			}
			if err := applyMetadata(target, n.Metadata, opts); err != nil {
				return err
			}
		}
	}
	return nil
}

func restoreFile(f *Fetcher, n tree.Node, target string) error {
	got, err := f.Blobs(n.Chunks)
	if err != nil {
		return err
	}
	tmp := target + "." + uuid.NewString() + ".tmp"
	w, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("restore: creating %s: %w", tmp, err)
	}
	for _, id := range n.Chunks {
		if _, err := w.Write(got[id]); err != nil {
			w.Close()
			os.Remove(tmp)
			return fmt.Errorf("restore: writing %s: %w", tmp, err)
		}
	}
	if err := w.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("restore: closing %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("restore: renaming %s into place: %w", target, err)
	}
	return nil
}

// applyMetadata applies owner, then permissions, then times, in that
// order: later steps (e.g. chmod clearing setuid) must not undo earlier
// ones applied out of order.
func applyMetadata(target string, m tree.Metadata, opts Options) error {
	if opts.Owner {
		if err := os.Lchown(target, int(m.UID), int(m.GID)); err != nil {
			return fmt.Errorf("restore: chown %s: %w", target, err)
		}
	}
	if opts.Permissions {
		if err := os.Chmod(target, os.FileMode(m.Mode)); err != nil {
			return fmt.Errorf("restore: chmod %s: %w", target, err)
		}
	}
	if opts.Times {
		atime, err := time.Parse(time.RFC3339Nano, m.Atime)
		if err != nil {
			return fmt.Errorf("restore: parsing atime for %s: %w", target, err)
		}
		mtime, err := time.Parse(time.RFC3339Nano, m.Mtime)
		if err != nil {
			return fmt.Errorf("restore: parsing mtime for %s: %w", target, err)
		}
		if err := os.Chtimes(target, atime, mtime); err != nil {
			return fmt.Errorf("restore: setting times on %s: %w", target, err)
		}
	}
	return nil
}

// deleteUnlisted removes every path under outRoot that restoreDir didn't
// (re)write, deepest first so directories empty out before removal.
func deleteUnlisted(outRoot string, written map[string]struct{}) error {
	var toRemove []string
	err := filepath.Walk(outRoot, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == outRoot {
			return nil
		}
		rel, err := filepath.Rel(outRoot, p)
		if err != nil {
			return err
		}
		if _, ok := written[rel]; !ok {
			toRemove = append(toRemove, p)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("restore: walking %s for --delete: %w", outRoot, err)
	}
	for i := len(toRemove) - 1; i >= 0; i-- {
		if err := os.RemoveAll(toRemove[i]); err != nil {
			return fmt.Errorf("restore: removing %s: %w", toRemove[i], err)
		}
	}
	return nil
}
