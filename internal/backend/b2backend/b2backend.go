// Package b2backend implements backend.Backend against a Backblaze B2
// bucket, via github.com/kurin/blazer/b2.
package b2backend

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/kurin/blazer/b2"

	logging "github.com/ipfs/go-log/v2"

	backpakbackend "github.com/mrkline/backpak/internal/backend"
	"github.com/mrkline/backpak/internal/objid"
)

var log = logging.Logger("backend/b2backend")

// Backend stores objects as B2 file names "<kind>/<id>" in one bucket.
// Puts go through b2.Writer, which (per its docs) switches to the large
// file API automatically above Writer.ChunkSize — convenient given packs
// can run well past B2's small-file threshold.
type Backend struct {
	bucket *b2.Bucket
}

// Open authenticates to B2 and returns a Backend writing into bucketName.
func Open(ctx context.Context, keyID, key, bucketName string) (*Backend, error) {
	client, err := b2.NewClient(ctx, keyID, key)
	if err != nil {
		return nil, fmt.Errorf("b2backend: authenticating: %w", err)
	}
	bucket, err := client.Bucket(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("b2backend: opening bucket %s: %w", bucketName, err)
	}
	return &Backend{bucket: bucket}, nil
}

func name(kind backpakbackend.Kind, id objid.ID) string {
	return kind.String() + "/" + id.String()
}

func (b *Backend) Put(ctx context.Context, kind backpakbackend.Kind, id objid.ID, r io.Reader) error {
	w := b.bucket.Object(name(kind, id)).NewWriter(ctx)
	// B2 large-file uploads benefit from multiple concurrent part uploads;
	// the default of 1 works but leaves the uploader stage's parallelism
	// unexploited for big packs.
	w.ConcurrentUploads = 4
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("b2backend: uploading %s/%s: %w", kind, id, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("b2backend: finishing upload %s/%s: %w", kind, id, err)
	}
	log.Debugw("put", "kind", kind, "id", id)
	return nil
}

func (b *Backend) Get(ctx context.Context, kind backpakbackend.Kind, id objid.ID) (io.ReadCloser, error) {
	r := b.bucket.Object(name(kind, id)).NewReader(ctx)
	// b2.Reader is lazy: the GET, and any not-found error, only surfaces
	// on the first Read. Peek one byte here so Get can report
	// backend.ErrNotExist synchronously, like the other backends do.
	var peek [1]byte
	n, err := r.Read(peek[:])
	if err != nil && err != io.EOF {
		r.Close()
		if b2.IsNotExist(err) {
			return nil, fmt.Errorf("b2backend: %s/%s: %w", kind, id, backpakbackend.ErrNotExist)
		}
		return nil, fmt.Errorf("b2backend: fetching %s/%s: %w", kind, id, err)
	}
	return &peekedReader{peeked: peek[:n], peekErr: err, r: r}, nil
}

// peekedReader replays a byte already consumed from r.Read (to detect a
// not-found error up front) before resuming normal reads from r.
type peekedReader struct {
	peeked  []byte
	peekErr error
	r       io.ReadCloser
}

func (p *peekedReader) Read(buf []byte) (int, error) {
	if len(p.peeked) > 0 {
		n := copy(buf, p.peeked)
		p.peeked = p.peeked[n:]
		return n, nil
	}
	if p.peekErr != nil {
		return 0, p.peekErr
	}
	return p.r.Read(buf)
}

func (p *peekedReader) Close() error { return p.r.Close() }

func (b *Backend) List(ctx context.Context, kind backpakbackend.Kind) ([]objid.ID, error) {
	prefix := kind.String() + "/"
	iter := b.bucket.List(ctx, b2.ListPrefix(prefix))
	var ids []objid.ID
	for iter.Next() {
		obj := iter.Object()
		idStr := obj.Name()[len(prefix):]
		id, err := objid.Parse(idStr)
		if err != nil {
			log.Warnw("skipping non-id object", "name", obj.Name())
			continue
		}
		ids = append(ids, id)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("b2backend: listing %s: %w", kind, err)
	}
	return ids, nil
}

func (b *Backend) Remove(ctx context.Context, kind backpakbackend.Kind, id objid.ID) error {
	if err := b.bucket.Object(name(kind, id)).Delete(ctx); err != nil {
		// B2 doesn't distinguish "already gone" cleanly through blazer's
		// API; treat delete as idempotent from the caller's perspective.
		log.Debugw("remove (possibly already absent)", "kind", kind, "id", id, "err", err)
	}
	return nil
}

func (b *Backend) Probe(ctx context.Context) error {
	probeID := objid.Sum([]byte("backpak-probe"))
	payload := []byte("ok")
	if err := b.Put(ctx, backpakbackend.Index, probeID, bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("b2backend: probe put: %w", err)
	}
	rc, err := b.Get(ctx, backpakbackend.Index, probeID)
	if err != nil {
		return fmt.Errorf("b2backend: probe get: %w", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		return fmt.Errorf("b2backend: probe read: %w", err)
	}
	if string(got) != string(payload) {
		return fmt.Errorf("b2backend: probe mismatch")
	}
	return b.Remove(ctx, backpakbackend.Index, probeID)
}
