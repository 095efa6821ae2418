// Package index implements the in-memory blob-ID to pack-location map:
// the master index built by merging every on-disk index, used by dedup
// during backup and by lookup during restore/prune/check.
package index

import (
	"bytes"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/mrkline/backpak/internal/objid"
	"github.com/mrkline/backpak/internal/pack"
)

// Magic is the 8-byte file signature for an index object.
const Magic = "MKBAKIDX"

// Version is the only index format version backpak currently writes.
const Version = 1

// Body is the on-disk shape of one index: every pack it summarizes, mapped
// to that pack's manifest.
type Body map[objid.ID]pack.Manifest

// Encode frames body into the on-disk byte form and returns its ID,
// the SHA-224 of the unframed CBOR body.
func Encode(body Body) (objid.ID, []byte, error) {
	raw, err := cbor.Marshal(body)
	if err != nil {
		return objid.ID{}, nil, fmt.Errorf("index: marshaling: %w", err)
	}
	id := objid.Sum(raw)

	var compressed bytes.Buffer
	enc, err := zstd.NewWriter(&compressed)
	if err != nil {
		return objid.ID{}, nil, fmt.Errorf("index: creating zstd encoder: %w", err)
	}
	if _, err := enc.Write(raw); err != nil {
		return objid.ID{}, nil, fmt.Errorf("index: compressing: %w", err)
	}
	if err := enc.Close(); err != nil {
		return objid.ID{}, nil, fmt.Errorf("index: closing zstd encoder: %w", err)
	}

	out := make([]byte, 0, len(Magic)+1+compressed.Len())
	out = append(out, Magic...)
	out = append(out, Version)
	out = append(out, compressed.Bytes()...)
	return id, out, nil
}

// Decode parses a framed index object into its Body.
func Decode(data []byte) (Body, error) {
	const headerLen = len(Magic) + 1
	if len(data) < headerLen {
		return nil, fmt.Errorf("index: truncated (only %d bytes)", len(data))
	}
	if string(data[:len(Magic)]) != Magic {
		return nil, fmt.Errorf("index: bad magic")
	}
	if data[len(Magic)] != Version {
		return nil, fmt.Errorf("index: unsupported version %d", data[len(Magic)])
	}
	dec, err := zstd.NewReader(bytes.NewReader(data[headerLen:]))
	if err != nil {
		return nil, fmt.Errorf("index: creating zstd decoder: %w", err)
	}
	defer dec.Close()
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("index: decompressing: %w", err)
	}
	var body Body
	if err := cbor.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("index: decoding: %w", err)
	}
	return body, nil
}
