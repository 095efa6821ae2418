package chunker

import (
	"bytes"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestRoundTrip checks that concatenating the chunks produced by the
// chunker yields the input exactly.
func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, size := range []int{0, 1, 4096, 3 * 1024 * 1024, 9 * 1024 * 1024} {
		data := make([]byte, size)
		rng.Read(data)

		c := New(bytes.NewReader(data))
		var reassembled []byte
		for {
			chunk, err := c.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			reassembled = append(reassembled, chunk.Data...)
		}
		require.Equal(t, data, reassembled, "size=%d", size)
	}
}

func TestDeterministicBoundaries(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	data := make([]byte, 5*1024*1024)
	rng.Read(data)

	boundariesOf := func(d []byte) []uint64 {
		c := New(bytes.NewReader(d))
		var offs []uint64
		for {
			chunk, err := c.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			offs = append(offs, chunk.Offset)
		}
		return offs
	}

	require.Equal(t, boundariesOf(data), boundariesOf(data))
}

func TestFileIteratorSmallFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "small.bin")
	data := bytes.Repeat([]byte("abcdefgh"), 1024)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	it, err := NewFromFile(path)
	require.NoError(t, err)
	defer it.Close()

	var reassembled []byte
	for {
		chunk, err := it.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		reassembled = append(reassembled, chunk.Data...)
	}
	require.Equal(t, data, reassembled)
}

func TestFileIteratorEmptyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "empty.bin")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	it, err := NewFromFile(path)
	require.NoError(t, err)
	defer it.Close()

	_, err = it.Next()
	require.ErrorIs(t, err, io.EOF)
}
