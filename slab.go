package grove

import (
	"fmt"
	"sort"
)

// freeEntry records a region of the durable file that version `version`
// stopped referencing. It may be reused only once no live snapshot is older
// than that version.
type freeEntry struct {
	ref     Ref
	size    uint64
	version uint64
}

type slabChunk struct {
	start uint64
	used  uint64
	buf   []byte
}

const (
	slabChunkMin = 64 << 10
	slabChunkMax = 8 << 20
)

// slab owns the address space of one write transaction. Refs below base are
// the published, immutable file image and resolve through the pager; refs at
// or above it land in in-memory chunks. Bytes below base are never written
// except by flush, and then only into regions no live version can reach.
type slab struct {
	p pager
	// base is the logical size of the snapshot this transaction builds on.
	base      uint64
	chunks    []slabChunk
	nextChunk uint64
	// in-slab free space, kept both by exact size and by position so
	// adjacent regions coalesce.
	freeBySize map[uint64][]Ref
	freeStart  map[Ref]uint64
	freeEnd    map[Ref]Ref
	// fileFree is the persisted free table loaded at transaction start;
	// freedTx collects durable regions this transaction stopped using.
	fileFree []freeEntry
	freedTx  []freeEntry
}

func newSlab(p pager, base uint64) *slab {
	return &slab{
		p:          p,
		base:       alignUp(base, refAlign),
		nextChunk:  slabChunkMin,
		freeBySize: make(map[uint64][]Ref),
		freeStart:  make(map[Ref]uint64),
		freeEnd:    make(map[Ref]Ref),
	}
}

func (s *slab) isSlabRef(ref Ref) bool {
	return uint64(ref) >= s.base
}

func (s *slab) slabEnd() uint64 {
	if len(s.chunks) == 0 {
		return s.base
	}
	last := &s.chunks[len(s.chunks)-1]
	return last.start + uint64(len(last.buf))
}

func (s *slab) chunkOf(ref Ref) *slabChunk {
	for i := range s.chunks {
		c := &s.chunks[i]
		if uint64(ref) >= c.start && uint64(ref) < c.start+uint64(len(c.buf)) {
			return c
		}
	}
	return nil
}

// translate resolves ref to n addressable bytes. The result is writable only
// for slab refs; durable bytes are a read-only view.
func (s *slab) translate(ref Ref, n int) ([]byte, error) {
	if ref == refNull || uint64(ref) < headerReserve || uint64(ref)%refAlign != 0 {
		return nil, fmt.Errorf("%w: ref %d", ErrOutOfRangeRef, ref)
	}
	if uint64(ref) < s.base {
		return s.p.readRange(uint64(ref), n)
	}
	c := s.chunkOf(ref)
	if c == nil || uint64(ref)+uint64(n) > c.start+uint64(len(c.buf)) {
		return nil, fmt.Errorf("%w: slab ref %d (%d bytes)", ErrOutOfRangeRef, ref, n)
	}
	off := uint64(ref) - c.start
	return c.buf[off : off+uint64(n)], nil
}

// alloc reserves size bytes of slab space. Exact-size free blocks are
// preferred, then any coalesced block large enough, then fresh chunk space.
func (s *slab) alloc(size uint64) (Ref, []byte, error) {
	size = alignUp(size, refAlign)
	if lst := s.freeBySize[size]; len(lst) > 0 {
		ref := lst[len(lst)-1]
		s.freeBySize[size] = lst[:len(lst)-1]
		s.removeRegion(ref, size)
		return ref, s.mustSlice(ref, size), nil
	}
	for start, rsz := range s.freeStart {
		if rsz >= size {
			s.detachFree(start, rsz)
			if rsz > size {
				s.pushFree(Ref(uint64(start)+size), rsz-size)
			}
			return start, s.mustSlice(start, size), nil
		}
	}
	c := s.currentChunk(size)
	ref := Ref(c.start + c.used)
	c.used += size
	return ref, s.mustSlice(ref, size), nil
}

func (s *slab) currentChunk(need uint64) *slabChunk {
	if len(s.chunks) > 0 {
		c := &s.chunks[len(s.chunks)-1]
		if uint64(len(c.buf))-c.used >= need {
			return c
		}
	}
	sz := s.nextChunk
	for sz < need {
		sz *= 2
	}
	if s.nextChunk < slabChunkMax {
		s.nextChunk *= 2
	}
	s.chunks = append(s.chunks, slabChunk{
		start: s.slabEnd(),
		buf:   make([]byte, sz),
	})
	return &s.chunks[len(s.chunks)-1]
}

func (s *slab) mustSlice(ref Ref, size uint64) []byte {
	b, err := s.translate(ref, int(size))
	if err != nil {
		panic(err)
	}
	return b
}

// free returns a region to the allocator. Slab regions feed the in-memory
// free lists; durable regions are recorded for versioned reclamation and
// their bytes stay untouched.
func (s *slab) free(ref Ref, size uint64) {
	size = alignUp(size, refAlign)
	if !s.isSlabRef(ref) {
		s.freedTx = append(s.freedTx, freeEntry{ref: ref, size: size})
		return
	}
	s.pushFree(ref, size)
}

// pushFree inserts a slab region, coalescing with the regions that end at
// its start or start at its end. Chunks are address-adjacent but their
// buffers are not, so a merge never crosses a chunk boundary: the merged
// region could not be sliced out of either buffer.
func (s *slab) pushFree(ref Ref, size uint64) {
	c := s.chunkOf(ref)
	if next, ok := s.freeStart[Ref(uint64(ref)+size)]; ok && s.chunkOf(Ref(uint64(ref)+size)) == c {
		s.detachFree(Ref(uint64(ref)+size), next)
		size += next
	}
	if prevStart, ok := s.freeEnd[ref]; ok && s.chunkOf(prevStart) == c {
		prevSize := s.freeStart[prevStart]
		s.detachFree(prevStart, prevSize)
		ref = prevStart
		size += prevSize
	}
	s.freeStart[ref] = size
	s.freeEnd[Ref(uint64(ref)+size)] = ref
	s.freeBySize[size] = append(s.freeBySize[size], ref)
}

// detachFree removes a region from all three indexes.
func (s *slab) detachFree(ref Ref, size uint64) {
	s.removeRegion(ref, size)
	lst := s.freeBySize[size]
	for i, r := range lst {
		if r == ref {
			lst[i] = lst[len(lst)-1]
			s.freeBySize[size] = lst[:len(lst)-1]
			break
		}
	}
}

func (s *slab) removeRegion(ref Ref, size uint64) {
	delete(s.freeStart, ref)
	delete(s.freeEnd, Ref(uint64(ref)+size))
}

// readNode decodes the node at ref, validating the header before any offset
// derived from it is trusted.
func (s *slab) readNode(ref Ref) (node, error) {
	peek, err := s.translate(ref, nodeHeaderSize)
	if err != nil {
		return node{}, err
	}
	capacity := uint32(peek[4])<<24 | uint32(peek[5])<<16 | uint32(peek[6])<<8 | uint32(peek[7])
	if capacity < nodeHeaderSize || capacity%refAlign != 0 {
		return node{}, fmt.Errorf("%w: node at ref %d declares capacity %d", ErrCorrupt, ref, capacity)
	}
	buf, err := s.translate(ref, int(capacity))
	if err != nil {
		return node{}, err
	}
	var n node
	n.ref = ref
	n.buf = buf
	if err := n.hdr.decode(buf); err != nil {
		return node{}, fmt.Errorf("ref %d: %w", ref, err)
	}
	return n, nil
}

// writable returns a node whose buffer may be mutated, copying it into the
// slab first when it still lives in the published file image. The original
// bytes are left for the versions that still reference them.
func (s *slab) writable(n node) (node, error) {
	if s.isSlabRef(n.ref) {
		return n, nil
	}
	ref, buf, err := s.alloc(uint64(n.hdr.capacity))
	if err != nil {
		return node{}, err
	}
	copy(buf, n.buf[:n.hdr.capacity])
	s.free(n.ref, uint64(n.hdr.capacity))
	return node{ref: ref, hdr: n.hdr, buf: buf}, nil
}

// partitionFree splits the loaded free table by reuse eligibility against
// the oldest version any live snapshot can observe.
func (s *slab) partitionFree(oldestLive uint64) (pool, keep []freeEntry) {
	for _, e := range s.fileFree {
		if e.version <= oldestLive {
			pool = append(pool, e)
		} else {
			keep = append(keep, e)
		}
	}
	return
}

// placePool takes a region of exactly size bytes out of the reuse pool,
// splitting the first fit. ok is false when nothing fits.
func placePool(pool []freeEntry, size uint64) (ref Ref, out []freeEntry, ok bool) {
	for i, e := range pool {
		if e.size < size {
			continue
		}
		ref = e.ref
		if e.size == size {
			out = append(pool[:i], pool[i+1:]...)
		} else {
			pool[i] = freeEntry{ref: Ref(uint64(e.ref) + size), size: e.size - size, version: e.version}
			out = pool
		}
		return ref, out, true
	}
	return 0, pool, false
}

func sortFreeEntries(entries []freeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ref < entries[j].ref
	})
}
