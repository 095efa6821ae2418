package objid

import (
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"
)

func TestSumDeterministic(t *testing.T) {
	a := Sum([]byte("hello"))
	b := Sum([]byte("hello"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, Sum([]byte("world")))
}

func TestStringRoundTrip(t *testing.T) {
	id := Sum([]byte("round trip me"))
	parsed, err := Parse(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse("not valid base32!!")
	require.ErrorIs(t, err, ErrMalformed)

	_, err = Parse(encoding.EncodeToString([]byte("short")))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestHasPrefix(t *testing.T) {
	id := Sum([]byte("prefix test"))
	require.True(t, id.HasPrefix(id.String()[:6]))
	require.False(t, id.HasPrefix("zzzzzz"))
}

func TestCBORRoundTripAsByteString(t *testing.T) {
	id := Sum([]byte("cbor me"))
	enc, err := cbor.Marshal(id)
	require.NoError(t, err)

	// The wire form must be a CBOR byte string of length 28, not an array
	// of integers or a text string: byte string major type 2 with a
	// length-28 header is a single 0x58 0x1c prefix.
	require.Equal(t, byte(0x58), enc[0])
	require.Equal(t, byte(Len), enc[1])

	var decoded ID
	require.NoError(t, cbor.Unmarshal(enc, &decoded))
	require.Equal(t, id, decoded)
}
