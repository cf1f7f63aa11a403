package dist

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Store is an in-memory content store keyed by chunk hash. Chunks are
// verified on the way in, so anything retrieved later is trusted.
type Store struct {
	chunks map[[32]byte]*Chunk
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{chunks: make(map[[32]byte]*Chunk)}
}

// Add verifies and stores a chunk. Re-adding a held hash is a no-op.
func (s *Store) Add(c *Chunk) error {
	if err := VerifyChunk(c); err != nil {
		return err
	}
	s.chunks[c.Hash] = c
	return nil
}

// Has reports whether the store holds the hash.
func (s *Store) Has(h [32]byte) bool {
	_, ok := s.chunks[h]
	return ok
}

// Get returns the chunk for a hash, or nil.
func (s *Store) Get(h [32]byte) *Chunk {
	return s.chunks[h]
}

// Len returns the number of stored chunks.
func (s *Store) Len() int { return len(s.chunks) }

// Hashes returns every stored hash in deterministic order.
func (s *Store) Hashes() [][32]byte {
	out := make([][32]byte, 0, len(s.chunks))
	for h := range s.chunks {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i][:]) < string(out[j][:])
	})
	return out
}

// TransitiveClosure returns every hash reachable from root by following
// dependency links through the store. Missing dependencies still appear
// in the result so the caller can request them.
func (s *Store) TransitiveClosure(root [32]byte) [][32]byte {
	seen := make(map[[32]byte]bool)
	var result [][32]byte
	var walk func([32]byte)
	walk = func(h [32]byte) {
		if seen[h] {
			return
		}
		seen[h] = true
		result = append(result, h)
		if c := s.chunks[h]; c != nil {
			for _, dep := range c.Dependencies {
				walk(dep)
			}
		}
	}
	walk(root)
	return result
}

// Announce builds a SyncAnnouncement for the closure of root.
func (s *Store) Announce(peer, session uuid.UUID, root [32]byte) (*SyncAnnouncement, error) {
	if !s.Has(root) {
		return nil, fmt.Errorf("dist: cannot announce unknown root %x", root)
	}
	return &SyncAnnouncement{
		Peer:          peer,
		Session:       session,
		RootHash:      root,
		AllHashes:     s.TransitiveClosure(root),
		FormatVersion: 1,
	}, nil
}

// HandleAnnouncement computes the reply to a peer's announcement: the
// subset of advertised hashes this store is missing.
func (s *Store) HandleAnnouncement(a *SyncAnnouncement) *AnnounceResponse {
	var want [][32]byte
	for _, h := range a.AllHashes {
		if !s.Has(h) {
			want = append(want, h)
		}
	}
	if len(want) == 0 {
		return &AnnounceResponse{Status: AnnounceAlreadyHave}
	}
	return &AnnounceResponse{Status: AnnounceAccepted, Want: want}
}

// ServeRequest answers a have/want request with the chunks this store
// holds from the want list. Unknown hashes are skipped; the requester
// notices the gap by checking what arrived.
func (s *Store) ServeRequest(r *SyncRequest) *SyncResponse {
	resp := &SyncResponse{}
	for _, h := range r.Want {
		if c := s.chunks[h]; c != nil {
			resp.Chunks = append(resp.Chunks, *c)
		}
	}
	return resp
}

// Absorb verifies and stores every chunk in a response, returning the
// number accepted and the first verification error, if any. Chunks after
// a bad one are still processed.
func (s *Store) Absorb(r *SyncResponse) (int, error) {
	accepted := 0
	var firstErr error
	for i := range r.Chunks {
		if err := s.Add(&r.Chunks[i]); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		accepted++
	}
	return accepted, firstErr
}
