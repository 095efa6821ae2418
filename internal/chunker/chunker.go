// Package chunker implements content-defined chunking of a byte stream via
// FastCDC, using the min=512KiB/avg=1MiB/max=8MiB parameters that
// github.com/restic/chunker already ships as its defaults.
package chunker

import (
	"errors"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
	resticchunker "github.com/restic/chunker"
)

// Pol is the fixed irreducible polynomial backpak uses for the rolling
// hash. Unlike restic (which randomizes its polynomial per repository to
// resist fingerprinting attacks on the backup source), correctness here
// only requires the SAME polynomial across runs of the same repository so
// chunk boundaries — and therefore dedup — stay stable; there's no
// adversarial-source threat model in scope.
const Pol = resticchunker.Pol(0x3DA3358B4DC173)

// mmapThreshold is the largest file size the chunker will map into memory
// directly rather than stream through a buffered reader.
const mmapThreshold = 512 * 1024 * 1024

// Chunk is one content-defined slice of the input stream.
type Chunk struct {
	Offset uint64
	Length uint32
	Data   []byte
}

// Chunker splits a stream into Chunks. It is not safe for concurrent use;
// the backup pipeline's chunker stage gives each worker its own
// Chunker over a distinct file.
type Chunker struct {
	inner *resticchunker.Chunker
	buf   []byte
}

// New wraps r in a Chunker. r is consumed sequentially; for files eligible
// for mmap, prefer NewFromFile so the chunker reads out of the mapped
// pages instead of issuing read calls on the file.
func New(r io.Reader) *Chunker {
	return &Chunker{
		inner: resticchunker.New(r, Pol),
		buf:   make([]byte, resticchunker.MaxSize),
	}
}

// Next returns the next chunk, or io.EOF once the stream is exhausted. The
// returned Data slice is only valid until the next call to Next.
func (c *Chunker) Next() (Chunk, error) {
	ch, err := c.inner.Next(c.buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Chunk{}, io.EOF
		}
		return Chunk{}, err
	}
	return Chunk{Offset: uint64(ch.Start), Length: uint32(ch.Length), Data: ch.Data}, nil
}

// FileIterator owns a self-referencing view into a file: for files at or
// under mmapThreshold it mmaps the whole file and chunks directly out of
// the mapping; for larger files it streams through a buffered os.File
// reader instead. Either way, Close releases the underlying resource; no
// Chunk's Data is valid after Close.
type FileIterator struct {
	file    *os.File
	mapping mmap.MMap // nil when streaming
	chunker *Chunker
}

// NewFromFile opens path and returns a FileIterator sized appropriately
// for it.
func NewFromFile(path string) (*FileIterator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if info.Size() == 0 || info.Size() > mmapThreshold {
		return &FileIterator{file: f, chunker: New(f)}, nil
	}

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		// Mapping can fail for reasons unrelated to size (e.g. a
		// filesystem that doesn't support mmap); fall back to streaming
		// rather than failing the backup outright.
		return &FileIterator{file: f, chunker: New(f)}, nil
	}
	return &FileIterator{file: f, mapping: m, chunker: New(&byteReader{b: m})}, nil
}

// Next returns the next chunk, or io.EOF at end of file.
func (it *FileIterator) Next() (Chunk, error) {
	return it.chunker.Next()
}

// Close releases the mapping (if any) and the underlying file descriptor.
func (it *FileIterator) Close() error {
	var mapErr error
	if it.mapping != nil {
		mapErr = it.mapping.Unmap()
	}
	closeErr := it.file.Close()
	if mapErr != nil {
		return mapErr
	}
	return closeErr
}

// byteReader adapts an mmap.MMap (a []byte) to io.Reader for the chunker,
// without copying the mapping.
type byteReader struct {
	b []byte
}

func (r *byteReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}
