// Package pipeline implements the backup pipeline: a bounded,
// multi-stage producer/consumer chain that walks a directory tree,
// content-defines its chunks, deduplicates them against the repository's
// master index, packs and uploads the survivors, and finalizes a snapshot.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/mrkline/backpak/internal/backend"
	"github.com/mrkline/backpak/internal/blob"
	"github.com/mrkline/backpak/internal/chunker"
	"github.com/mrkline/backpak/internal/index"
	"github.com/mrkline/backpak/internal/metrics"
	"github.com/mrkline/backpak/internal/objid"
	"github.com/mrkline/backpak/internal/pack"
	"github.com/mrkline/backpak/internal/restore"
	"github.com/mrkline/backpak/internal/snapshot"
	"github.com/mrkline/backpak/internal/tree"
)

var log = logging.Logger("pipeline")

// channelDepth bounds every inter-stage channel to roughly 2x its
// consumer's worker count, giving backpressure
// real teeth without letting producers run too far ahead.
const channelDepth = 2

// Options configures one backup run.
type Options struct {
	Backend        backend.Backend
	Root           string // absolute path being backed up
	Author         string
	Tags           []string
	Skip           SkipRules
	Dereference    bool // -L: follow symlinks instead of recording them
	ChunkWorkers   int  // default: runtime.NumCPU()
	UploadWorkers  int  // default: runtime.NumCPU()
	PackTargetSize uint64
	Tracker        *metrics.Tracker
	Cache          pack.BlobCache // warmed with the parent snapshot's tree blobs, if one is found
}

func (o *Options) setDefaults() {
	if o.ChunkWorkers <= 0 {
		o.ChunkWorkers = runtime.NumCPU()
	}
	if o.UploadWorkers <= 0 {
		o.UploadWorkers = runtime.NumCPU()
	}
	if o.Tracker == nil {
		o.Tracker = metrics.NewTracker()
	}
}

// Result summarizes a completed backup.
type Result struct {
	SnapshotID objid.ID
	IndexID    objid.ID
	RootTree   objid.ID
	Progress   metrics.Progress
}

// fileTask is one file handed from the walker to the chunker workers.
// chunks is only ever appended to by the dedup stage (a single goroutine)
// and read by the walker after done reports the file fully chunked, so it
// needs no lock of its own.
type fileTask struct {
	path   string
	info   os.FileInfo
	chunks []objid.ID
	done   chan error
}

// submission is one blob (chunk or tree) offered to the dedup stage.
// final, when true, signals that task has no more chunks coming.
type submission struct {
	kind  blob.Kind
	id    objid.ID
	data  []byte
	task  *fileTask
	final bool
}

type packJob struct {
	kind     blob.Kind
	id       objid.ID
	encoded  []byte
	manifest pack.Manifest
}

// Run walks opts.Root, uploads every new blob, and finalizes a snapshot.
// It first reconciles any WIP index left by a previous, interrupted run
// into idx before backing up.
func Run(ctx context.Context, opts Options, idx *index.MasterIndex) (Result, error) {
	opts.setDefaults()

	wipBody, err := loadWIP(ctx, opts.Backend)
	if err != nil {
		return Result{}, err
	}
	idx.MergeBody(wipBody)
	wip := newWIPState(opts.Backend, wipBody)

	if err := prefetchParent(ctx, opts, idx); err != nil {
		return Result{}, err
	}

	g, gctx := errgroup.WithContext(ctx)

	fileJobs := make(chan *fileTask, opts.ChunkWorkers*channelDepth)
	submissions := make(chan submission, opts.ChunkWorkers*channelDepth)
	chunkSubs := make(chan submission, channelDepth)
	treeSubs := make(chan submission, channelDepth)
	uploads := make(chan packJob, opts.UploadWorkers*channelDepth)

	var chunkWG sync.WaitGroup
	for i := 0; i < opts.ChunkWorkers; i++ {
		chunkWG.Add(1)
		g.Go(func() error {
			defer chunkWG.Done()
			return chunkWorker(gctx, fileJobs, submissions)
		})
	}

	// Once every chunker worker has returned, no more chunk submissions
	// are coming; only the walker (tree submissions) remains, and it
	// closes its own half below.
	var walkerDone sync.WaitGroup
	walkerDone.Add(1)
	go func() {
		chunkWG.Wait()
		walkerDone.Wait()
		close(submissions)
	}()

	g.Go(func() error {
		return dedupStage(gctx, idx, submissions, chunkSubs, treeSubs, opts.Tracker)
	})

	var packerWG sync.WaitGroup
	packerWG.Add(2)
	g.Go(func() error {
		defer packerWG.Done()
		return packerStage(gctx, blob.Chunk, opts.PackTargetSize, chunkSubs, uploads, opts.Tracker)
	})
	g.Go(func() error {
		defer packerWG.Done()
		return packerStage(gctx, blob.Tree, opts.PackTargetSize, treeSubs, uploads, opts.Tracker)
	})
	go func() {
		packerWG.Wait()
		close(uploads)
	}()

	for i := 0; i < opts.UploadWorkers; i++ {
		g.Go(func() error {
			return uploadWorker(gctx, opts.Backend, uploads, idx, wip, opts.Tracker)
		})
	}

	var rootTree objid.ID
	g.Go(func() error {
		defer walkerDone.Done()
		defer close(fileJobs)
		id, err := walkRoot(gctx, opts, fileJobs, submissions)
		if err != nil {
			return err
		}
		rootTree = id
		return nil
	})

	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	finalBody := wip.snapshot()
	indexID, encodedIndex, err := index.Encode(finalBody)
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: encoding final index: %w", err)
	}
	if err := opts.Backend.Put(ctx, backend.Index, indexID, bytes.NewReader(encodedIndex)); err != nil {
		return Result{}, fmt.Errorf("pipeline: uploading final index: %w", err)
	}

	snap := snapshot.Snapshot{
		Author: opts.Author,
		Tags:   opts.Tags,
		Time:   time.Now().UTC(),
		Paths:  []string{opts.Root},
		Tree:   rootTree,
	}
	snapID, err := snapshot.Upload(ctx, opts.Backend, snap)
	if err != nil {
		return Result{}, err
	}

	// The WIP sentinel's job is done now that a real index and snapshot
	// are durable; leaving it behind would make the next run's resume
	// logic re-reconcile packs that are already fully indexed.
	if err := opts.Backend.Remove(ctx, backend.Index, wipSentinelID); err != nil {
		log.Warnw("failed to clean up wip index sentinel", "error", err)
	}

	return Result{
		SnapshotID: snapID,
		IndexID:    indexID,
		RootTree:   rootTree,
		Progress:   opts.Tracker.Snapshot(),
	}, nil
}

// prefetchParent looks for the most recent snapshot backing up the exact
// same set of paths as opts.Root and, if found, walks its tree into
// opts.Cache. The parent itself isn't recorded anywhere in the new
// snapshot; this only warms the cache so any tree blobs this run
// re-submits (unchanged subtrees hash identically) are already on hand
// for later reads instead of triggering fresh pack opens.
func prefetchParent(ctx context.Context, opts Options, idx *index.MasterIndex) error {
	if opts.Cache == nil {
		return nil
	}
	entries, err := snapshot.NewResolver(opts.Backend).List(ctx)
	if err != nil {
		return fmt.Errorf("pipeline: listing snapshots for parent hint: %w", err)
	}
	for _, e := range entries {
		if len(e.Snapshot.Paths) != 1 || e.Snapshot.Paths[0] != opts.Root {
			continue
		}
		log.Infow("prefetching parent snapshot's tree blobs", "parent", e.ID)
		f := restore.NewFetcher(ctx, opts.Backend, idx, opts.Cache)
		err := f.Walk(e.Snapshot.Tree, func(p string, n tree.Node) error { return nil })
		if err != nil {
			return fmt.Errorf("pipeline: prefetching parent %s: %w", e.ID, err)
		}
		return nil
	}
	return nil
}

func chunkWorker(ctx context.Context, jobs <-chan *fileTask, out chan<- submission) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case task, ok := <-jobs:
			if !ok {
				return nil
			}
			if err := chunkFile(ctx, task, out); err != nil {
				task.done <- err
				return err
			}
		}
	}
}

func chunkFile(ctx context.Context, task *fileTask, out chan<- submission) error {
	it, err := chunker.NewFromFile(task.path)
	if err != nil {
		return fmt.Errorf("pipeline: opening %s: %w", task.path, err)
	}
	defer it.Close()

	for {
		c, err := it.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("pipeline: chunking %s: %w", task.path, err)
		}
		id := objid.Sum(c.Data)
		data := make([]byte, len(c.Data))
		copy(data, c.Data)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- submission{kind: blob.Chunk, id: id, data: data, task: task}:
		}
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- submission{task: task, final: true}:
	}
	return nil
}

func dedupStage(
	ctx context.Context,
	idx *index.MasterIndex,
	in <-chan submission,
	chunkOut, treeOut chan<- submission,
	tr *metrics.Tracker,
) error {
	defer close(chunkOut)
	defer close(treeOut)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-in:
			if !ok {
				return nil
			}
			if s.final {
				s.task.done <- nil
				continue
			}
			if s.task != nil {
				s.task.chunks = append(s.task.chunks, s.id)
			}
			if idx.Has(s.id) {
				tr.AddReused(1)
				continue
			}
			out := chunkOut
			if s.kind == blob.Tree {
				out = treeOut
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case out <- s:
			}
		}
	}
}

func packerStage(
	ctx context.Context,
	kind blob.Kind,
	targetSize uint64,
	in <-chan submission,
	out chan<- packJob,
	tr *metrics.Tracker,
) error {
	w, err := pack.NewWriter(kind, targetSize)
	if err != nil {
		return err
	}

	finalize := func() error {
		if w.Len() == 0 {
			return nil
		}
		id, encoded, err := w.Finalize()
		if err != nil {
			return fmt.Errorf("pipeline: finalizing %s pack: %w", kind, err)
		}
		manifest := w.Manifest()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- packJob{kind: kind, id: id, encoded: encoded, manifest: manifest}:
		}
		w, err = pack.NewWriter(kind, targetSize)
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s, ok := <-in:
			if !ok {
				return finalize()
			}
			res, err := w.Add(s.id, s.data)
			if err != nil {
				return fmt.Errorf("pipeline: packing blob %s: %w", s.id, err)
			}
			switch res {
			case pack.Added:
				tr.AddNewBytes(uint64(len(s.data)))
			case pack.DuplicateInPack:
				tr.AddReused(1)
			}
			if w.Full() {
				if err := finalize(); err != nil {
					return err
				}
			}
		}
	}
}

func uploadWorker(
	ctx context.Context,
	be backend.Backend,
	jobs <-chan packJob,
	idx *index.MasterIndex,
	wip *wipState,
	tr *metrics.Tracker,
) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case job, ok := <-jobs:
			if !ok {
				return nil
			}
			if err := uploadPack(ctx, be, job); err != nil {
				return err
			}
			idx.MergePack(job.id, job.manifest)
			if err := wip.record(ctx, job.id, job.manifest); err != nil {
				return err
			}
			tr.AddUploaded(1)
		}
	}
}

// uploadPack retries transient failures with bounded exponential backoff;
// a context cancellation aborts immediately rather than waiting out the
// remaining attempts. ErrAlreadyExists means the backend already holds a
// different object under this ID — a content-address collision, not a
// transient fault — so it's marked permanent and not retried.
func uploadPack(ctx context.Context, be backend.Backend, job packJob) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	return backoff.RetryNotify(
		func() error {
			err := be.Put(ctx, backend.Pack, job.id, bytes.NewReader(job.encoded))
			if errors.Is(err, backend.ErrAlreadyExists) {
				return backoff.Permanent(err)
			}
			return err
		},
		b,
		func(err error, wait time.Duration) {
			log.Warnw("retrying pack upload", "pack", job.id, "error", err, "backoff", wait)
		},
	)
}
