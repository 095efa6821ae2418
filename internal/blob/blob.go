// Package blob defines the kinds of content-addressed objects backpak
// stores, shared across the index, pack, and backend packages.
package blob

// Kind distinguishes the payload a blob or pack holds. Packs are
// kind-homogeneous: a chunk pack never mixes tree blobs in.
type Kind uint8

const (
	// Chunk is a content-defined slice of a file.
	Chunk Kind = iota
	// Tree is a serialized directory node.
	Tree
)

func (k Kind) String() string {
	switch k {
	case Chunk:
		return "chunk"
	case Tree:
		return "tree"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so Kind serializes as the
// CBOR text strings "chunk"/"tree" the manifest wire format specifies.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "chunk":
		*k = Chunk
	case "tree":
		*k = Tree
	default:
		*k = Chunk
	}
	return nil
}
