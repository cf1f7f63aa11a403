// Package dist implements the content-addressed bytecode distribution
// protocol for Lattice. Two runtimes can exchange compiled chunks as
// hash-verified CBOR envelopes: a peer announces what it has, the other
// side answers with the hashes it wants, and the payloads travel in sync
// responses carrying serialized chunk bytes.
package dist

import (
	"crypto/sha256"

	"github.com/google/uuid"

	"github.com/lattice-lang/lattice/vm"
)

// ChunkKind identifies the bytecode format inside an envelope.
type ChunkKind uint8

const (
	KindStackChunk    ChunkKind = 1 // .latc payload
	KindRegisterChunk ChunkKind = 2 // .rlatc payload
	KindBundle        ChunkKind = 3 // module bundle grouping chunk hashes
)

// Chunk is the atomic unit of distribution. Payload holds the serialized
// bytecode; Hash is the SHA-256 of the payload and is recomputed by the
// receiver before the chunk is accepted.
type Chunk struct {
	Hash         [32]byte   `cbor:"1,keyasint"`
	Kind         ChunkKind  `cbor:"2,keyasint"`
	Name         string     `cbor:"3,keyasint"` // module or function name
	Payload      []byte     `cbor:"4,keyasint"`
	Dependencies [][32]byte `cbor:"5,keyasint,omitempty"` // imported chunk hashes
}

// SyncAnnouncement advertises a peer's available chunks. Root is the entry
// chunk; AllHashes is its transitive dependency closure.
type SyncAnnouncement struct {
	Peer          uuid.UUID  `cbor:"1,keyasint"`
	Session       uuid.UUID  `cbor:"2,keyasint"`
	RootHash      [32]byte   `cbor:"3,keyasint"`
	AllHashes     [][32]byte `cbor:"4,keyasint"`
	FormatVersion uint16     `cbor:"5,keyasint"`
}

// SyncRequest is the have/want negotiation message.
type SyncRequest struct {
	Have [][32]byte `cbor:"1,keyasint"`
	Want [][32]byte `cbor:"2,keyasint"`
}

// SyncResponse carries the requested chunks.
type SyncResponse struct {
	Chunks []Chunk `cbor:"1,keyasint"`
}

// AnnounceStatus indicates the result of an announcement.
type AnnounceStatus uint8

const (
	AnnounceAccepted    AnnounceStatus = 0
	AnnounceRejected    AnnounceStatus = 1
	AnnounceAlreadyHave AnnounceStatus = 2
)

// AnnounceResponse is the reply to a SyncAnnouncement.
type AnnounceResponse struct {
	Status       AnnounceStatus `cbor:"1,keyasint"`
	Want         [][32]byte     `cbor:"2,keyasint,omitempty"`
	RejectReason string         `cbor:"3,keyasint,omitempty"`
}

// FromChunk wraps a compiled stack chunk in a distribution envelope.
func FromChunk(c *vm.Chunk, deps [][32]byte) *Chunk {
	payload := vm.ChunkSerialize(c)
	return &Chunk{
		Hash:         sha256.Sum256(payload),
		Kind:         KindStackChunk,
		Name:         c.Name,
		Payload:      payload,
		Dependencies: deps,
	}
}

// FromRegChunk wraps a compiled register chunk in a distribution envelope.
func FromRegChunk(c *vm.RegChunk, deps [][32]byte) *Chunk {
	payload := vm.RegChunkSerialize(c)
	return &Chunk{
		Hash:         sha256.Sum256(payload),
		Kind:         KindRegisterChunk,
		Name:         c.Name,
		Payload:      payload,
		Dependencies: deps,
	}
}

// BundleChunk builds an empty-payload chunk that names a module bundle:
// its hash covers the member hashes, and its dependencies list them.
func BundleChunk(name string, members [][32]byte) *Chunk {
	h := sha256.New()
	h.Write([]byte(name))
	for _, m := range members {
		h.Write(m[:])
	}
	var sum [32]byte
	copy(sum[:], h.Sum(nil))
	deps := make([][32]byte, len(members))
	copy(deps, members)
	return &Chunk{
		Hash:         sum,
		Kind:         KindBundle,
		Name:         name,
		Dependencies: deps,
	}
}
