package dist

import (
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/lattice-lang/lattice/vm"
)

// cborEncMode is the canonical encoding mode; every message encodes
// deterministically so hashes over encoded forms are stable.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("dist: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// MarshalChunk serializes a Chunk to CBOR bytes.
func MarshalChunk(c *Chunk) ([]byte, error) {
	return cborEncMode.Marshal(c)
}

// UnmarshalChunk deserializes a Chunk from CBOR bytes.
func UnmarshalChunk(data []byte) (*Chunk, error) {
	var c Chunk
	if err := cbor.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("dist: unmarshal chunk: %w", err)
	}
	return &c, nil
}

// MarshalAnnouncement serializes a SyncAnnouncement to CBOR bytes.
func MarshalAnnouncement(a *SyncAnnouncement) ([]byte, error) {
	return cborEncMode.Marshal(a)
}

// UnmarshalAnnouncement deserializes a SyncAnnouncement from CBOR bytes.
func UnmarshalAnnouncement(data []byte) (*SyncAnnouncement, error) {
	var a SyncAnnouncement
	if err := cbor.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("dist: unmarshal announcement: %w", err)
	}
	return &a, nil
}

// MarshalSyncRequest serializes a SyncRequest to CBOR bytes.
func MarshalSyncRequest(r *SyncRequest) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalSyncRequest deserializes a SyncRequest from CBOR bytes.
func UnmarshalSyncRequest(data []byte) (*SyncRequest, error) {
	var r SyncRequest
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("dist: unmarshal sync request: %w", err)
	}
	return &r, nil
}

// MarshalSyncResponse serializes a SyncResponse to CBOR bytes.
func MarshalSyncResponse(r *SyncResponse) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalSyncResponse deserializes a SyncResponse from CBOR bytes.
func UnmarshalSyncResponse(data []byte) (*SyncResponse, error) {
	var r SyncResponse
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("dist: unmarshal sync response: %w", err)
	}
	return &r, nil
}

// MarshalAnnounceResponse serializes an AnnounceResponse to CBOR bytes.
func MarshalAnnounceResponse(r *AnnounceResponse) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// UnmarshalAnnounceResponse deserializes an AnnounceResponse from CBOR bytes.
func UnmarshalAnnounceResponse(data []byte) (*AnnounceResponse, error) {
	var r AnnounceResponse
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("dist: unmarshal announce response: %w", err)
	}
	return &r, nil
}

// VerifyChunk recomputes the payload hash and checks it against the
// declared hash. Bundles have no payload; their hash is checked against
// the member list instead.
func VerifyChunk(c *Chunk) error {
	switch c.Kind {
	case KindStackChunk, KindRegisterChunk:
		computed := sha256.Sum256(c.Payload)
		if computed != c.Hash {
			return fmt.Errorf("dist: hash mismatch for '%s': declared %x, computed %x",
				c.Name, c.Hash, computed)
		}
		return nil
	case KindBundle:
		want := BundleChunk(c.Name, c.Dependencies).Hash
		if want != c.Hash {
			return fmt.Errorf("dist: bundle hash mismatch for '%s'", c.Name)
		}
		return nil
	default:
		return fmt.Errorf("dist: unknown chunk kind %d", c.Kind)
	}
}

// OpenChunk verifies and deserializes a stack-format chunk envelope.
func OpenChunk(c *Chunk) (*vm.Chunk, error) {
	if c.Kind != KindStackChunk {
		return nil, fmt.Errorf("dist: cannot open non-stack chunk (kind=%d)", c.Kind)
	}
	if err := VerifyChunk(c); err != nil {
		return nil, err
	}
	return vm.ChunkDeserialize(c.Payload)
}

// OpenRegChunk verifies and deserializes a register-format chunk envelope.
func OpenRegChunk(c *Chunk) (*vm.RegChunk, error) {
	if c.Kind != KindRegisterChunk {
		return nil, fmt.Errorf("dist: cannot open non-register chunk (kind=%d)", c.Kind)
	}
	if err := VerifyChunk(c); err != nil {
		return nil, err
	}
	return vm.RegChunkDeserialize(c.Payload)
}
