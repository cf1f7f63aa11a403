package vm

// Inline caching for method dispatch.
//
// Each chunk gets a direct-mapped cache of 64 slots, indexed by the call
// site's bytecode offset. A slot holds up to 4 entries keyed by (receiver
// kind, method-name hash); an entry remembers either the resolved builtin
// method id or notBuiltin, which short-circuits straight to the slower
// value/global lookup path. The cache is purely an optimization and never
// changes dispatch order.

const (
	picSlots      = 64
	picSlotMask   = picSlots - 1
	picEntriesMax = 4

	// notBuiltin marks a call site whose receiver/name pair resolved past
	// the builtin table.
	notBuiltin = 0xFF
)

type picEntry struct {
	kind     Kind
	nameHash uint32
	valid    bool
	builtin  uint8 // builtin method id, or notBuiltin
}

type picSlot struct {
	entries [picEntriesMax]picEntry
	next    int // round-robin eviction cursor
}

type chunkCache struct {
	slots [picSlots]picSlot
}

// cacheSet holds per-chunk inline caches for one VM. Caches are per-VM so
// spawned interpreters never share mutable dispatch state.
type cacheSet struct {
	byChunk map[*Chunk]*chunkCache
}

func newCacheSet() *cacheSet {
	return &cacheSet{byChunk: make(map[*Chunk]*chunkCache)}
}

func (cs *cacheSet) slotFor(c *Chunk, site int) *picSlot {
	cc := cs.byChunk[c]
	if cc == nil {
		cc = &chunkCache{}
		cs.byChunk[c] = cc
	}
	return &cc.slots[site&picSlotMask]
}

// lookup returns (builtin id, true) on a hit. The id may be notBuiltin.
func (s *picSlot) lookup(kind Kind, nameHash uint32) (uint8, bool) {
	for i := range s.entries {
		e := &s.entries[i]
		if e.valid && e.kind == kind && e.nameHash == nameHash {
			return e.builtin, true
		}
	}
	return 0, false
}

func (s *picSlot) insert(kind Kind, nameHash uint32, builtin uint8) {
	for i := range s.entries {
		if !s.entries[i].valid {
			s.entries[i] = picEntry{kind: kind, nameHash: nameHash, valid: true, builtin: builtin}
			return
		}
	}
	s.entries[s.next] = picEntry{kind: kind, nameHash: nameHash, valid: true, builtin: builtin}
	s.next = (s.next + 1) % picEntriesMax
}

// hashName is djb2. Collisions only cost a wrong builtin-id guess, which
// the dispatch path re-validates by name before running anything.
func hashName(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}
