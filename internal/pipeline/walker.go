package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/mrkline/backpak/internal/blob"
	"github.com/mrkline/backpak/internal/objid"
	"github.com/mrkline/backpak/internal/tree"
)

// SkipRules are regexes matched against a path relative to the backup
// root. A path matching any rule, file or directory,
// is excluded from the snapshot.
type SkipRules []*regexp.Regexp

// CompileSkipRules compiles a list of regex patterns.
func CompileSkipRules(patterns []string) (SkipRules, error) {
	rules := make(SkipRules, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("pipeline: compiling skip rule %q: %w", p, err)
		}
		rules[i] = re
	}
	return rules, nil
}

func (r SkipRules) matches(relPath string) bool {
	for _, re := range r {
		if re.MatchString(relPath) {
			return true
		}
	}
	return false
}

// dirEntry is one child of a directory being walked, sorted
// lexicographically by name before processing so tree construction order
// is deterministic.
type dirEntry struct {
	name string
	path string
	info os.FileInfo
}

func readSortedDir(path string) ([]dirEntry, error) {
	des, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("pipeline: reading dir %s: %w", path, err)
	}
	entries := make([]dirEntry, 0, len(des))
	for _, de := range des {
		info, err := de.Info()
		if err != nil {
			return nil, fmt.Errorf("pipeline: stat %s: %w", filepath.Join(path, de.Name()), err)
		}
		entries = append(entries, dirEntry{
			name: de.Name(),
			path: filepath.Join(path, de.Name()),
			info: info,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })
	return entries, nil
}

// pendingFile pairs a dispatched fileTask with the name it will occupy in
// its parent directory's Tree, so the walker can fill in the Node once
// chunking finishes.
type pendingFile struct {
	name string
	task *fileTask
}

// walkRoot walks opts.Root and returns the resulting root tree's ID. The
// walked contents are wrapped under a single synthetic entry named for
// opts.Root's base, so a restore or ls always starts from that name
// rather than spilling opts.Root's children directly into the tree root.
func walkRoot(
	ctx context.Context,
	opts Options,
	fileJobs chan<- *fileTask,
	submissions chan<- submission,
) (objid.ID, error) {
	subID, err := walkDir(ctx, opts, opts.Root, fileJobs, submissions)
	if err != nil {
		return objid.ID{}, err
	}

	rootInfo, err := os.Stat(opts.Root)
	if err != nil {
		return objid.ID{}, fmt.Errorf("pipeline: stat %s: %w", opts.Root, err)
	}

	wrapped := tree.Tree{
		filepath.Base(opts.Root): tree.Node{Subtree: &subID, Metadata: tree.MetadataFromFileInfo(rootInfo)},
	}
	id, data, err := tree.ID(wrapped)
	if err != nil {
		return objid.ID{}, fmt.Errorf("pipeline: building root wrapper tree: %w", err)
	}
	select {
	case <-ctx.Done():
		return objid.ID{}, ctx.Err()
	case submissions <- submission{kind: blob.Tree, id: id, data: data}:
	}
	return id, nil
}

// walkDir recursively walks absPath in lexicographic-per-directory order,
// dispatching files to the chunker stage and recursing into
// subdirectories before assembling and submitting absPath's own tree
// blob: a tree blob is only constructed after all its children's IDs are
// known.
func walkDir(
	ctx context.Context,
	opts Options,
	absPath string,
	fileJobs chan<- *fileTask,
	submissions chan<- submission,
) (objid.ID, error) {
	entries, err := readSortedDir(absPath)
	if err != nil {
		return objid.ID{}, err
	}

	t := make(tree.Tree, len(entries))
	var pending []pendingFile

	for _, e := range entries {
		relPath, err := filepath.Rel(opts.Root, e.path)
		if err != nil {
			return objid.ID{}, fmt.Errorf("pipeline: %w", err)
		}
		if opts.Skip.matches(relPath) {
			continue
		}

		info := e.info
		if info.Mode()&os.ModeSymlink != 0 {
			if !opts.Dereference {
				target, err := os.Readlink(e.path)
				if err != nil {
					return objid.ID{}, fmt.Errorf("pipeline: reading symlink %s: %w", e.path, err)
				}
				t[e.name] = tree.Node{Symlink: target, Metadata: tree.MetadataFromFileInfo(info)}
				continue
			}
			deref, err := os.Stat(e.path)
			if err != nil {
				log.Warnw("skipping broken symlink", "path", e.path, "error", err)
				continue
			}
			info = deref
		}

		switch {
		case info.IsDir():
			subID, err := walkDir(ctx, opts, e.path, fileJobs, submissions)
			if err != nil {
				return objid.ID{}, err
			}
			t[e.name] = tree.Node{Subtree: &subID, Metadata: tree.MetadataFromFileInfo(info)}

		case info.Mode().IsRegular():
			task := &fileTask{path: e.path, info: info, done: make(chan error, 1)}
			select {
			case <-ctx.Done():
				return objid.ID{}, ctx.Err()
			case fileJobs <- task:
			}
			pending = append(pending, pendingFile{name: e.name, task: task})

		default:
			log.Warnw("skipping special file", "path", e.path, "mode", info.Mode())
		}
	}

	for _, pf := range pending {
		select {
		case <-ctx.Done():
			return objid.ID{}, ctx.Err()
		case err := <-pf.task.done:
			if err != nil {
				return objid.ID{}, err
			}
		}
		opts.Tracker.AddProcessed(1)
		t[pf.name] = tree.Node{
			Chunks:   pf.task.chunks,
			Metadata: tree.MetadataFromFileInfo(pf.task.info),
		}
	}

	id, data, err := tree.ID(t)
	if err != nil {
		return objid.ID{}, fmt.Errorf("pipeline: building tree for %s: %w", absPath, err)
	}
	select {
	case <-ctx.Done():
		return objid.ID{}, ctx.Err()
	case submissions <- submission{kind: blob.Tree, id: id, data: data}:
	}
	return id, nil
}
