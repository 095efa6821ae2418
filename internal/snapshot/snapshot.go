// Package snapshot implements the top-level record of one backup
// invocation, and resolution of snapshot references like LAST and
// LAST~N.
package snapshot

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/mrkline/backpak/internal/backend"
	"github.com/mrkline/backpak/internal/objid"
)

// Magic is the 8-byte file signature for a snapshot object.
const Magic = "MKBAKSNP"

// Version is the only snapshot format version backpak currently writes.
const Version = 1

// Snapshot is the immutable record of one backup. Deletion is by
// object removal (forget), never by editing a snapshot in place.
type Snapshot struct {
	Author string    `cbor:"author"`
	Tags   []string  `cbor:"tags"`
	Time   time.Time `cbor:"time"`
	Paths  []string  `cbor:"paths"`
	Tree   objid.ID  `cbor:"tree"`
}

// Marshal serializes s to its CBOR body (unframed).
func Marshal(s Snapshot) ([]byte, error) {
	return cbor.Marshal(s)
}

// Encode frames s into the on-disk/on-backend byte form: magic, version,
// CBOR body. The snapshot's ID is the SHA-224 of the CBOR body alone, not
// of the framed bytes.
func Encode(s Snapshot) (objid.ID, []byte, error) {
	body, err := Marshal(s)
	if err != nil {
		return objid.ID{}, nil, fmt.Errorf("snapshot: marshaling: %w", err)
	}
	id := objid.Sum(body)

	out := make([]byte, 0, len(Magic)+1+len(body))
	out = append(out, Magic...)
	out = append(out, Version)
	out = append(out, body...)
	return id, out, nil
}

// Decode parses a framed snapshot object, verifying its magic and version.
func Decode(data []byte) (Snapshot, error) {
	const headerLen = len(Magic) + 1
	if len(data) < headerLen {
		return Snapshot{}, fmt.Errorf("snapshot: truncated (only %d bytes)", len(data))
	}
	if string(data[:len(Magic)]) != Magic {
		return Snapshot{}, fmt.Errorf("snapshot: bad magic")
	}
	if data[len(Magic)] != Version {
		return Snapshot{}, fmt.Errorf("snapshot: unsupported version %d", data[len(Magic)])
	}
	var s Snapshot
	if err := cbor.Unmarshal(data[headerLen:], &s); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: decoding: %w", err)
	}
	return s, nil
}

// Upload encodes and uploads s, returning its ID.
func Upload(ctx context.Context, be backend.Backend, s Snapshot) (objid.ID, error) {
	id, encoded, err := Encode(s)
	if err != nil {
		return objid.ID{}, err
	}
	if err := be.Put(ctx, backend.Snapshot, id, bytes.NewReader(encoded)); err != nil {
		return objid.ID{}, fmt.Errorf("snapshot: uploading: %w", err)
	}
	return id, nil
}

// Fetch downloads and decodes snapshot id.
func Fetch(ctx context.Context, be backend.Backend, id objid.ID) (Snapshot, error) {
	rc, err := be.Get(ctx, backend.Snapshot, id)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: fetching %s: %w", id, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: reading %s: %w", id, err)
	}
	return Decode(data)
}
