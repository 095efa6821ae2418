// Package cachedbackend wraps a backend.Backend with a local SQLite blob
// and index cache, so repeat reads of recently-touched objects skip the
// round trip to the (possibly remote, possibly filtered) inner backend.
//
// The cache sits at two granularities: whole index bodies (cheap, always
// small) keyed by index ID, and individual *blobs* extracted from packs,
// keyed by (pack ID, blob ID). The latter lets pack.Reader skip
// re-decompressing a pack's zstd stream on a cache hit. Snapshots are
// never cached.
package cachedbackend

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"

	"github.com/mrkline/backpak/internal/backend"
	"github.com/mrkline/backpak/internal/blob"
	"github.com/mrkline/backpak/internal/objid"
)

var log = logging.Logger("backend/cachedbackend")

// DefaultMaxBytes bounds the cache's total footprint before eviction kicks
// in. 512 MiB comfortably holds a backup's working set of recently-touched
// blobs without growing unbounded on a long-lived repository.
const DefaultMaxBytes = 512 * 1024 * 1024

// Backend wraps an inner backend.Backend, adding a SQLite-backed blob and
// index cache. It implements backend.Backend by delegating Put/List/Remove
// and Snapshot/Pack Get calls to inner untouched, and caches Index Get
// bodies. It additionally implements the blob-level cache consulted by
// pack.Reader through GetBlob/PutBlob.
type Backend struct {
	inner    backend.Backend
	db       *sql.DB
	maxBytes int64

	mu sync.Mutex // serializes writer transactions
}

// Open creates (or reuses) a SQLite database at dbPath caching reads from
// inner, bounded to maxBytes total cached payload. maxBytes <= 0 uses
// DefaultMaxBytes.
func Open(inner backend.Backend, dbPath string, maxBytes int64) (*Backend, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("cachedbackend: opening %s: %w", dbPath, err)
	}
	// The pool is limited to one connection, so every read and write goes
	// through it in turn; readers do not run concurrently with each other
	// or with a writer.
	db.SetMaxOpenConns(1)
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		`CREATE TABLE IF NOT EXISTS blobs (
			pack_id BLOB NOT NULL,
			blob_id BLOB NOT NULL,
			kind TEXT NOT NULL,
			length INTEGER NOT NULL,
			data BLOB NOT NULL,
			last_access INTEGER NOT NULL,
			PRIMARY KEY (pack_id, blob_id)
		)`,
		`CREATE TABLE IF NOT EXISTS indexes (
			id BLOB PRIMARY KEY,
			length INTEGER NOT NULL,
			data BLOB NOT NULL,
			last_access INTEGER NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS blobs_last_access ON blobs(last_access)",
		"CREATE INDEX IF NOT EXISTS indexes_last_access ON indexes(last_access)",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("cachedbackend: init %q: %w", stmt, err)
		}
	}
	return &Backend{inner: inner, db: db, maxBytes: maxBytes}, nil
}

func (b *Backend) Close() error { return b.db.Close() }

func (b *Backend) Put(ctx context.Context, kind backend.Kind, id objid.ID, r io.Reader) error {
	return b.inner.Put(ctx, kind, id, r)
}

func (b *Backend) Get(ctx context.Context, kind backend.Kind, id objid.ID) (io.ReadCloser, error) {
	if kind != backend.Index {
		return b.inner.Get(ctx, kind, id)
	}
	if data, ok := b.getIndex(ctx, id); ok {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	rc, err := b.inner.Get(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, err
	}
	b.putIndex(ctx, id, data)
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (b *Backend) List(ctx context.Context, kind backend.Kind) ([]objid.ID, error) {
	return b.inner.List(ctx, kind)
}

func (b *Backend) Remove(ctx context.Context, kind backend.Kind, id objid.ID) error {
	if kind == backend.Index {
		b.mu.Lock()
		_, _ = b.db.ExecContext(ctx, "DELETE FROM indexes WHERE id = ?", id[:])
		b.mu.Unlock()
	}
	return b.inner.Remove(ctx, kind, id)
}

func (b *Backend) Probe(ctx context.Context) error { return b.inner.Probe(ctx) }

func (b *Backend) getIndex(ctx context.Context, id objid.ID) ([]byte, bool) {
	var data []byte
	err := b.db.QueryRowContext(ctx, "SELECT data FROM indexes WHERE id = ?", id[:]).Scan(&data)
	if err != nil {
		return nil, false
	}
	b.mu.Lock()
	_, _ = b.db.ExecContext(ctx, "UPDATE indexes SET last_access = ? WHERE id = ?", now(), id[:])
	b.mu.Unlock()
	return data, true
}

func (b *Backend) putIndex(ctx context.Context, id objid.ID, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO indexes (id, length, data, last_access) VALUES (?, ?, ?, ?)",
		id[:], len(data), data, now())
	if err != nil {
		log.Warnw("caching index failed", "id", id, "err", err)
		return
	}
	b.evictLocked(ctx)
}

// GetBlob returns a cached blob's bytes, if present, refreshing its
// last-access time. Consulted by pack.Reader before decompressing.
func (b *Backend) GetBlob(ctx context.Context, packID, blobID objid.ID) ([]byte, blob.Kind, bool) {
	var data []byte
	var kindText string
	err := b.db.QueryRowContext(ctx,
		"SELECT kind, data FROM blobs WHERE pack_id = ? AND blob_id = ?",
		packID[:], blobID[:]).Scan(&kindText, &data)
	if err != nil {
		return nil, 0, false
	}
	var k blob.Kind
	_ = k.UnmarshalText([]byte(kindText))
	b.mu.Lock()
	_, _ = b.db.ExecContext(ctx,
		"UPDATE blobs SET last_access = ? WHERE pack_id = ? AND blob_id = ?", now(), packID[:], blobID[:])
	b.mu.Unlock()
	return data, k, true
}

// PutBlob populates the cache with a freshly-decoded blob.
func (b *Backend) PutBlob(ctx context.Context, packID, blobID objid.ID, kind blob.Kind, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO blobs (pack_id, blob_id, kind, length, data, last_access) VALUES (?, ?, ?, ?, ?, ?)",
		packID[:], blobID[:], kind.String(), len(data), data, now())
	if err != nil {
		log.Warnw("caching blob failed", "pack", packID, "blob", blobID, "err", err)
		return
	}
	b.evictLocked(ctx)
}

// evictLocked removes the least-recently-accessed rows, across both
// tables, until the cache's total footprint is back under maxBytes. Called
// with b.mu held.
func (b *Backend) evictLocked(ctx context.Context) {
	var total int64
	_ = b.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(length),0) FROM blobs").Scan(&total)
	var indexTotal int64
	_ = b.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(length),0) FROM indexes").Scan(&indexTotal)
	total += indexTotal

	for total > b.maxBytes {
		// Evict from whichever table holds the globally oldest row.
		var blobPackID, blobID []byte
		var blobLen int64
		var blobTime int64
		hasBlob := b.db.QueryRowContext(ctx,
			"SELECT pack_id, blob_id, length, last_access FROM blobs ORDER BY last_access ASC LIMIT 1").
			Scan(&blobPackID, &blobID, &blobLen, &blobTime) == nil

		var idxID []byte
		var idxLen int64
		var idxTime int64
		hasIdx := b.db.QueryRowContext(ctx,
			"SELECT id, length, last_access FROM indexes ORDER BY last_access ASC LIMIT 1").
			Scan(&idxID, &idxLen, &idxTime) == nil

		if !hasBlob && !hasIdx {
			break
		}
		if hasBlob && (!hasIdx || blobTime <= idxTime) {
			b.db.ExecContext(ctx, "DELETE FROM blobs WHERE pack_id = ? AND blob_id = ?", blobPackID, blobID)
			total -= blobLen
		} else {
			b.db.ExecContext(ctx, "DELETE FROM indexes WHERE id = ?", idxID)
			total -= idxLen
		}
	}
}

func now() int64 { return time.Now().UnixNano() }
