// Package pack implements the pack file format: a sequence of
// kind-homogeneous blobs, zstd-compressed, framed with a CBOR manifest.
package pack

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/mrkline/backpak/internal/backend"
	"github.com/mrkline/backpak/internal/blob"
	"github.com/mrkline/backpak/internal/objid"
)

// Magic is the 8-byte file signature at the start of every pack.
const Magic = "MKBAKPAK"

// Version is the only pack format version backpak currently writes.
const Version = 1

// DefaultTargetSize is the advisory uncompressed size at which a pack is
// considered Full.
const DefaultTargetSize = 100 * 1024 * 1024

// Entry is one manifest record: a blob's kind, uncompressed length, and ID.
type Entry struct {
	Kind   blob.Kind `cbor:"kind"`
	Length uint64    `cbor:"length"`
	ID     objid.ID  `cbor:"id"`
}

// Manifest lists, in stream order, every blob a pack contains.
type Manifest []Entry

// ErrIntegrity is returned when a pack's manifest doesn't hash to its
// claimed ID, or a decoded blob's SHA-224 doesn't match its manifest entry.
var ErrIntegrity = errors.New("pack: integrity check failed")

// ErrNotFound is returned by GetBlob when the requested ID isn't in the
// pack's manifest.
var ErrNotFound = errors.New("pack: blob not found in pack")

// AddResult reports what Writer.Add did with a blob.
type AddResult int

const (
	Added AddResult = iota
	DuplicateInPack
)

// Writer accumulates blobs of one kind into an in-flight pack.
type Writer struct {
	kind       blob.Kind
	target     uint64
	buf        bytes.Buffer
	enc        *zstd.Encoder
	manifest   Manifest
	seen       map[objid.ID]struct{}
	uncompSize uint64
}

// NewWriter starts a pack for the given kind. target is the advisory
// uncompressed size at which Full() starts returning true; target <= 0
// uses DefaultTargetSize.
func NewWriter(kind blob.Kind, target uint64) (*Writer, error) {
	if target <= 0 {
		target = DefaultTargetSize
	}
	w := &Writer{kind: kind, target: target, seen: make(map[objid.ID]struct{})}
	enc, err := zstd.NewWriter(&w.buf)
	if err != nil {
		return nil, fmt.Errorf("pack: creating zstd encoder: %w", err)
	}
	w.enc = enc
	return w, nil
}

// Kind reports the blob kind this writer accepts.
func (w *Writer) Kind() blob.Kind { return w.kind }

// Add appends data under id to the pack in progress. Deduplicates against
// blobs already added to *this* in-progress pack; the dedup stage
// is responsible for checking the master index first.
func (w *Writer) Add(id objid.ID, data []byte) (AddResult, error) {
	if _, ok := w.seen[id]; ok {
		return DuplicateInPack, nil
	}
	if _, err := w.enc.Write(data); err != nil {
		return 0, fmt.Errorf("pack: writing blob %s: %w", id, err)
	}
	w.manifest = append(w.manifest, Entry{Kind: w.kind, Length: uint64(len(data)), ID: id})
	w.seen[id] = struct{}{}
	w.uncompSize += uint64(len(data))
	return Added, nil
}

// Full reports whether the pack has reached its target uncompressed size.
// Overshoot is expected: the zstd stream isn't flushed mid-blob.
func (w *Writer) Full() bool {
	return w.uncompSize >= w.target
}

// Len returns the number of blobs added so far.
func (w *Writer) Len() int { return len(w.manifest) }

// Manifest returns the blobs added so far, in stream order. Valid before
// or after Finalize; Finalize doesn't mutate the slice further.
func (w *Writer) Manifest() Manifest { return w.manifest }

// UncompressedSize returns the running total of uncompressed bytes added.
func (w *Writer) UncompressedSize() uint64 { return w.uncompSize }

// Finalize closes the zstd stream, appends the manifest and its
// big-endian length, and returns the pack's ID (SHA-224 of the manifest
// bytes) and its complete encoded form ready to hand to a Backend.
func (w *Writer) Finalize() (objid.ID, []byte, error) {
	if err := w.enc.Close(); err != nil {
		return objid.ID{}, nil, fmt.Errorf("pack: closing zstd encoder: %w", err)
	}

	manifestBytes, err := cbor.Marshal(w.manifest)
	if err != nil {
		return objid.ID{}, nil, fmt.Errorf("pack: marshaling manifest: %w", err)
	}
	id := objid.Sum(manifestBytes)

	out := make([]byte, 0, len(Magic)+1+w.buf.Len()+len(manifestBytes)+4)
	out = append(out, Magic...)
	out = append(out, Version)
	out = append(out, w.buf.Bytes()...)
	out = append(out, manifestBytes...)

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(manifestBytes)))
	out = append(out, lenBuf[:]...)

	return id, out, nil
}

// BlobCache is the optional persistent cache a Reader consults before
// decompressing, and populates after (cachedbackend.Backend implements
// this).
type BlobCache interface {
	GetBlob(ctx context.Context, packID, blobID objid.ID) ([]byte, blob.Kind, bool)
	PutBlob(ctx context.Context, packID, blobID objid.ID, kind blob.Kind, data []byte)
}

// Reader opens one pack and extracts individual blobs from it.
type Reader struct {
	id       objid.ID
	payload  []byte // the zstd stream, sans header/manifest/footer
	manifest Manifest
	lru      *blobLRU
	cache    BlobCache
}

// lruCapacity bounds the number of decoded blobs a Reader keeps warm
// in-process, independent of any persistent BlobCache.
const lruCapacity = 64

// Open fetches pack id from be, validates its framing and manifest hash,
// and returns a Reader ready to serve blobs. cache may be nil.
func Open(ctx context.Context, id objid.ID, be backend.Backend, cache BlobCache) (*Reader, error) {
	rc, err := be.Get(ctx, backend.Pack, id)
	if err != nil {
		return nil, fmt.Errorf("pack: fetching %s: %w", id, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("pack: reading %s: %w", id, err)
	}
	return parse(id, data, cache)
}

func parse(id objid.ID, data []byte, cache BlobCache) (*Reader, error) {
	const headerLen = len(Magic) + 1
	const footerLen = 4
	if len(data) < headerLen+footerLen {
		return nil, fmt.Errorf("pack: %s: truncated (only %d bytes)", id, len(data))
	}
	if string(data[:len(Magic)]) != Magic {
		return nil, fmt.Errorf("pack: %s: bad magic", id)
	}
	if data[len(Magic)] != Version {
		return nil, fmt.Errorf("pack: %s: unsupported version %d", id, data[len(Magic)])
	}

	manifestLen := int(binary.BigEndian.Uint32(data[len(data)-footerLen:]))
	if manifestLen < 0 || headerLen+manifestLen+footerLen > len(data) {
		return nil, fmt.Errorf("pack: %s: %w: bad manifest length", id, ErrIntegrity)
	}
	manifestStart := len(data) - footerLen - manifestLen
	manifestBytes := data[manifestStart : len(data)-footerLen]

	computed := objid.Sum(manifestBytes)
	if computed != id {
		return nil, fmt.Errorf("pack: %s: %w: manifest hash mismatch", id, ErrIntegrity)
	}

	var manifest Manifest
	if err := cbor.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("pack: %s: decoding manifest: %w", id, err)
	}

	return &Reader{
		id:       id,
		payload:  data[headerLen:manifestStart],
		manifest: manifest,
		lru:      newBlobLRU(lruCapacity),
		cache:    cache,
	}, nil
}

// ID returns the pack's ID.
func (r *Reader) ID() objid.ID { return r.id }

// Manifest returns the blobs this pack contains, in stream order.
func (r *Reader) Manifest() Manifest { return r.manifest }

// GetBlob returns one blob's bytes, fetching from the in-process LRU, then
// the persistent cache, then finally decompressing the pack if necessary.
func (r *Reader) GetBlob(ctx context.Context, id objid.ID) ([]byte, error) {
	got, err := r.GetBlobs(ctx, []objid.ID{id})
	if err != nil {
		return nil, err
	}
	data, ok := got[id]
	if !ok {
		return nil, fmt.Errorf("pack: %s in %s: %w", id, r.id, ErrNotFound)
	}
	return data, nil
}

// GetBlobs batches a fetch of several blobs from this pack. Since the
// zstd stream must be read sequentially, any cache miss forces a single
// pass over the whole stream in manifest order, during which every
// requested blob (and nothing else) is captured and cached.
func (r *Reader) GetBlobs(ctx context.Context, ids []objid.ID) (map[objid.ID][]byte, error) {
	result := make(map[objid.ID][]byte, len(ids))
	var missing []objid.ID
	for _, id := range ids {
		if data, ok := r.lru.get(id); ok {
			result[id] = data
			continue
		}
		if r.cache != nil {
			if data, _, ok := r.cache.GetBlob(ctx, r.id, id); ok {
				result[id] = data
				r.lru.put(id, data)
				continue
			}
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return result, nil
	}

	wanted := make(map[objid.ID]struct{}, len(missing))
	for _, id := range missing {
		wanted[id] = struct{}{}
	}

	dec, err := zstd.NewReader(bytes.NewReader(r.payload))
	if err != nil {
		return nil, fmt.Errorf("pack: %s: creating zstd decoder: %w", r.id, err)
	}
	defer dec.Close()

	for _, e := range r.manifest {
		if _, want := wanted[e.ID]; !want {
			if _, err := io.CopyN(io.Discard, dec, int64(e.Length)); err != nil {
				return nil, fmt.Errorf("pack: %s: skipping blob %s: %w", r.id, e.ID, err)
			}
			continue
		}
		buf := make([]byte, e.Length)
		if _, err := io.ReadFull(dec, buf); err != nil {
			return nil, fmt.Errorf("pack: %s: reading blob %s: %w", r.id, e.ID, err)
		}
		result[e.ID] = buf
		r.lru.put(e.ID, buf)
		if r.cache != nil {
			r.cache.PutBlob(ctx, r.id, e.ID, e.Kind, buf)
		}
	}
	return result, nil
}

// VerifyBytes decompresses every blob in the pack and recomputes its
// SHA-224, cross-checking against the manifest.
func (r *Reader) VerifyBytes(ctx context.Context) error {
	ids := make([]objid.ID, len(r.manifest))
	for i, e := range r.manifest {
		ids[i] = e.ID
	}
	got, err := r.GetBlobs(ctx, ids)
	if err != nil {
		return err
	}
	for _, e := range r.manifest {
		data, ok := got[e.ID]
		if !ok {
			return fmt.Errorf("pack: %s: %w: blob %s missing from decoded stream", r.id, ErrIntegrity, e.ID)
		}
		if objid.Sum(data) != e.ID {
			return fmt.Errorf("pack: %s: %w: blob %s content hash mismatch", r.id, ErrIntegrity, e.ID)
		}
	}
	return nil
}
