package vm

// ---------------------------------------------------------------------------
// FluidHeap: general-purpose mark/sweep allocation tracker
// ---------------------------------------------------------------------------

// FluidAlloc is one tracked allocation. The heap hands these out as opaque
// handles; Data is the backing storage.
type FluidAlloc struct {
	Data   []byte
	size   int
	marked bool
	next   *FluidAlloc
}

// FluidHeap tracks allocations in a singly-linked list and reclaims
// unmarked entries with a classic mark-and-sweep pass. One heap exists per
// interpreter thread, so no locking.
type FluidHeap struct {
	head       *FluidAlloc
	liveCount  int
	totalBytes int64
}

// NewFluidHeap returns an empty heap.
func NewFluidHeap() *FluidHeap {
	return &FluidHeap{}
}

// Alloc records and returns a new allocation of the given size.
func (h *FluidHeap) Alloc(size int) *FluidAlloc {
	a := &FluidAlloc{
		Data: make([]byte, size),
		size: size,
		next: h.head,
	}
	h.head = a
	h.liveCount++
	h.totalBytes += int64(size)
	return a
}

// Dealloc removes the allocation from the heap. Unknown handles are a
// no-op.
func (h *FluidHeap) Dealloc(a *FluidAlloc) {
	for p := &h.head; *p != nil; p = &(*p).next {
		if *p == a {
			*p = a.next
			h.liveCount--
			h.totalBytes -= int64(a.size)
			return
		}
	}
}

// Mark flags an allocation as reachable for the next sweep.
func (h *FluidHeap) Mark(a *FluidAlloc) {
	if a != nil {
		a.marked = true
	}
}

// UnmarkAll clears every mark, starting a new collection cycle.
func (h *FluidHeap) UnmarkAll() {
	for a := h.head; a != nil; a = a.next {
		a.marked = false
	}
}

// Sweep frees every allocation not marked since the last UnmarkAll and
// returns the freed count.
func (h *FluidHeap) Sweep() int {
	freed := 0
	for p := &h.head; *p != nil; {
		a := *p
		if a.marked {
			p = &a.next
			continue
		}
		*p = a.next
		h.liveCount--
		h.totalBytes -= int64(a.size)
		freed++
	}
	return freed
}

// LiveCount returns the number of live allocations.
func (h *FluidHeap) LiveCount() int { return h.liveCount }

// TotalBytes returns the sum of live allocation sizes.
func (h *FluidHeap) TotalBytes() int64 { return h.totalBytes }

// ---------------------------------------------------------------------------
// CrystalRegion: epoch-scoped paged arena
// ---------------------------------------------------------------------------

const regionPageSize = 4096

type regionPage struct {
	buf  []byte
	used int
}

// CrystalRegion is a paged bump arena. Values sharing a lifetime allocate
// into one region and are reclaimed in bulk when the region is collected.
type CrystalRegion struct {
	ID        RegionID
	Epoch     uint64
	refs      int
	pages     []*regionPage
	allocated int64
}

// Alloc returns n zeroed bytes from the region. Requests larger than a
// page get a dedicated page.
func (r *CrystalRegion) Alloc(n int) []byte {
	r.allocated += int64(n)
	if n > regionPageSize {
		p := &regionPage{buf: make([]byte, n), used: n}
		r.pages = append(r.pages, p)
		return p.buf
	}
	last := r.lastPage()
	if last == nil || last.used+n > len(last.buf) {
		last = &regionPage{buf: make([]byte, regionPageSize)}
		r.pages = append(r.pages, last)
	}
	b := last.buf[last.used : last.used+n]
	last.used += n
	return b
}

// AllocString copies s into the region and returns the copy.
func (r *CrystalRegion) AllocString(s string) []byte {
	b := r.Alloc(len(s))
	copy(b, s)
	return b
}

func (r *CrystalRegion) lastPage() *regionPage {
	if len(r.pages) == 0 {
		return nil
	}
	p := r.pages[len(r.pages)-1]
	if p.used == len(p.buf) && len(p.buf) > regionPageSize {
		return nil // dedicated oversized page, never reused
	}
	return p
}

// Allocated returns the total bytes handed out by the region.
func (r *CrystalRegion) Allocated() int64 { return r.allocated }

// PageCount returns the number of backing pages.
func (r *CrystalRegion) PageCount() int { return len(r.pages) }

// ---------------------------------------------------------------------------
// RegionManager
// ---------------------------------------------------------------------------

// RegionManager owns all crystal regions for one interpreter thread, plus
// the monotonic epoch counter. Region ids are unique for the manager's
// lifetime and never reused.
type RegionManager struct {
	regions map[RegionID]*CrystalRegion
	nextID  RegionID
	epoch   uint64
}

// NewRegionManager returns an empty manager at epoch 0.
func NewRegionManager() *RegionManager {
	return &RegionManager{regions: make(map[RegionID]*CrystalRegion)}
}

// AdvanceEpoch increments and returns the epoch counter.
func (m *RegionManager) AdvanceEpoch() uint64 {
	m.epoch++
	return m.epoch
}

// Epoch returns the current epoch.
func (m *RegionManager) Epoch() uint64 { return m.epoch }

// CreateRegion opens a new region against the current epoch with one
// reference held by the caller.
func (m *RegionManager) CreateRegion() *CrystalRegion {
	r := &CrystalRegion{ID: m.nextID, Epoch: m.epoch, refs: 1}
	m.nextID++
	m.regions[r.ID] = r
	return r
}

// Lookup returns the region with the given id, or nil.
func (m *RegionManager) Lookup(id RegionID) *CrystalRegion {
	return m.regions[id]
}

// Retain adds a reference to the region.
func (m *RegionManager) Retain(id RegionID) {
	if r := m.regions[id]; r != nil {
		r.refs++
	}
}

// Release drops a reference; the region is freed at zero.
func (m *RegionManager) Release(id RegionID) {
	r := m.regions[id]
	if r == nil {
		return
	}
	r.refs--
	if r.refs <= 0 {
		delete(m.regions, id)
	}
}

// Collect frees every region whose id is absent from reachable and
// returns the freed count. Reference counts do not protect a region from
// an explicit collection.
func (m *RegionManager) Collect(reachable map[RegionID]bool) int {
	freed := 0
	for id := range m.regions {
		if !reachable[id] {
			delete(m.regions, id)
			freed++
		}
	}
	return freed
}

// RegionCount returns the number of live regions.
func (m *RegionManager) RegionCount() int { return len(m.regions) }

// ---------------------------------------------------------------------------
// BumpArena: per-VM ephemeral scratch space
// ---------------------------------------------------------------------------

// BumpArena is a page-reusing bump allocator for transient values that
// never outlive a statement, like string temporaries. Reset rewinds to the
// start and reuses existing pages.
type BumpArena struct {
	pages   [][]byte
	current int
	offset  int
}

// NewBumpArena returns an arena with one page.
func NewBumpArena() *BumpArena {
	return &BumpArena{pages: [][]byte{make([]byte, regionPageSize)}}
}

// Alloc returns n bytes of scratch space.
func (a *BumpArena) Alloc(n int) []byte {
	if n > regionPageSize {
		// Oversized scratch bypasses the arena entirely.
		return make([]byte, n)
	}
	if a.offset+n > len(a.pages[a.current]) {
		a.current++
		if a.current == len(a.pages) {
			a.pages = append(a.pages, make([]byte, regionPageSize))
		}
		a.offset = 0
	}
	b := a.pages[a.current][a.offset : a.offset+n]
	a.offset += n
	return b
}

// Reset rewinds the arena, keeping its pages for reuse.
func (a *BumpArena) Reset() {
	a.current = 0
	a.offset = 0
}

// ---------------------------------------------------------------------------
// DualHeap
// ---------------------------------------------------------------------------

// DualHeap bundles the two allocators owned by one interpreter thread.
// Every StackVM gets its own: heaps are never shared across threads.
type DualHeap struct {
	Fluid   *FluidHeap
	Regions *RegionManager
}

// NewDualHeap constructs both sub-allocators.
func NewDualHeap() *DualHeap {
	return &DualHeap{
		Fluid:   NewFluidHeap(),
		Regions: NewRegionManager(),
	}
}
