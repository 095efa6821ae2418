// Package backend defines the object-store abstraction every repository
// storage layer (filesystem, Backblaze B2, the encrypting filter wrapper,
// and the local SQLite cache) implements and wraps.
package backend

import (
	"context"
	"errors"
	"io"

	"github.com/mrkline/backpak/internal/objid"
)

// Kind is the namespace an object lives in. The three kinds never share
// IDs: packs/<id>, indexes/<id>, and snapshots/<id> are disjoint spaces.
type Kind uint8

const (
	Snapshot Kind = iota
	Index
	Pack
)

func (k Kind) String() string {
	switch k {
	case Snapshot:
		return "snapshots"
	case Index:
		return "indexes"
	case Pack:
		return "packs"
	default:
		return "unknown"
	}
}

// ErrNotExist is returned by Get/Remove when the named object is absent.
var ErrNotExist = errors.New("backend: object does not exist")

// ErrAlreadyExists is the error a Put may return when the object is
// already present with different contents than what's being written. A
// same-ID put with identical contents is a no-op success. The filesystem
// and B2 backends do not compare contents and never return it.
var ErrAlreadyExists = errors.New("backend: object already exists with different contents")

// Backend is the minimal capability set a repository storage layer must
// provide. Implementations do not interpret payloads; they move bytes
// addressed by (Kind, ID). FilterBackend and CachedBackend implement the
// same interface as wrappers, so callers never need to know whether they
// are talking to local disk, B2, or a cache in front of either.
type Backend interface {
	// Put uploads bytes under (kind, id). Put is idempotent: calling it
	// again with the same id and the same bytes succeeds without doing
	// work. Implementations should write to a temp name and rename so a
	// concurrent List never observes a half-written object.
	Put(ctx context.Context, kind Kind, id objid.ID, r io.Reader) error

	// Get fetches the full contents of (kind, id).
	Get(ctx context.Context, kind Kind, id objid.ID) (io.ReadCloser, error)

	// List enumerates all IDs of the given kind. List is best-effort
	// eventually consistent: it may include objects from a still-in-flight
	// Put, but must never omit an object that previously appeared and
	// hasn't been Removed.
	List(ctx context.Context, kind Kind) ([]objid.ID, error)

	// Remove deletes (kind, id). Removing an absent object is not an error.
	Remove(ctx context.Context, kind Kind, id objid.ID) error

	// Probe performs a round-trip check (e.g. a small put/get/remove) to
	// validate connectivity and permissions at repository-init time.
	Probe(ctx context.Context) error
}
