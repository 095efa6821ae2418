package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/mrkline/backpak/internal/backend"
	"github.com/mrkline/backpak/internal/index"
	"github.com/mrkline/backpak/internal/objid"
	"github.com/mrkline/backpak/internal/pack"
)

// wipSentinelID is the fixed object ID a repository's in-progress backup
// index lives under while a backup is running. Content
// addressing gives every *finished* index an ID derived from its body, so
// the still-mutating WIP index instead lives at this reserved ID; once the
// backup finishes, its accumulated manifests are re-encoded under their
// true content ID and the sentinel is removed.
var wipSentinelID = objid.Sum([]byte("backpak-wip-index"))

// wipState tracks the index entries this run has durably uploaded packs
// for, rewritten to the backend after every pack upload so a crash can
// resume from the last completed pack.
type wipState struct {
	mu   sync.Mutex
	body index.Body
	be   backend.Backend
}

func newWIPState(be backend.Backend, seed index.Body) *wipState {
	body := make(index.Body, len(seed))
	for k, v := range seed {
		body[k] = v
	}
	return &wipState{body: body, be: be}
}

// record folds packID's manifest in and persists the updated WIP index.
func (w *wipState) record(ctx context.Context, packID objid.ID, manifest pack.Manifest) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.body[packID] = manifest

	_, encoded, err := index.Encode(w.body)
	if err != nil {
		return fmt.Errorf("pipeline: encoding wip index: %w", err)
	}
	// Overwrite by remove-then-put: the error from Remove is ignored (the
	// sentinel is absent before the first record), while a failed Put is
	// returned and aborts the backup, leaving no sentinel behind.
	_ = w.be.Remove(ctx, backend.Index, wipSentinelID)
	if err := w.be.Put(ctx, backend.Index, wipSentinelID, bytes.NewReader(encoded)); err != nil {
		return fmt.Errorf("pipeline: persisting wip index: %w", err)
	}
	return nil
}

func (w *wipState) snapshot() index.Body {
	w.mu.Lock()
	defer w.mu.Unlock()
	body := make(index.Body, len(w.body))
	for k, v := range w.body {
		body[k] = v
	}
	return body
}

// loadWIP reconciles a possibly-stale WIP index against the packs
// actually present in be: WIP entries whose pack is
// missing are dropped, and packs present on the backend but absent from
// the WIP index (e.g. uploaded just before a crash, before the WIP
// rewrite landed) are recovered by re-reading their manifests.
func loadWIP(ctx context.Context, be backend.Backend) (index.Body, error) {
	rc, err := be.Get(ctx, backend.Index, wipSentinelID)
	if errors.Is(err, backend.ErrNotExist) {
		// No WIP left over: either this is the first backup, or the last
		// one finished cleanly. Either way there's nothing to reconcile —
		// every already-uploaded pack is already covered by a real index.
		return make(index.Body), nil
	}
	if err != nil {
		return nil, fmt.Errorf("pipeline: fetching wip index: %w", err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("pipeline: reading wip index: %w", err)
	}
	reconciled, err := index.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("pipeline: decoding wip index: %w", err)
	}

	presentPacks, err := be.List(ctx, backend.Pack)
	if err != nil {
		return nil, fmt.Errorf("pipeline: listing packs: %w", err)
	}
	present := make(map[objid.ID]struct{}, len(presentPacks))
	for _, id := range presentPacks {
		present[id] = struct{}{}
	}

	for packID := range reconciled {
		if _, ok := present[packID]; !ok {
			delete(reconciled, packID)
		}
	}

	for _, packID := range presentPacks {
		if _, already := reconciled[packID]; already {
			continue
		}
		r, err := pack.Open(ctx, packID, be, nil)
		if err != nil {
			return nil, fmt.Errorf("pipeline: recovering orphaned pack %s: %w", packID, err)
		}
		reconciled[packID] = r.Manifest()
	}

	return reconciled, nil
}
