package grove

import (
	"bytes"
	"fmt"
)

// Top-level array slots. A group is a five-slot has-refs array: the table
// directory (parallel name-blob and tree-root lists) and the versioned
// free-space table (parallel position, length and freed-at-version arrays).
const (
	topSlotNames = iota
	topSlotRoots
	topSlotFreePos
	topSlotFreeLen
	topSlotFreeVer
	topSlots
)

// group is one transaction's view of the database root. topRef 0 is the
// empty group a fresh file starts from.
type group struct {
	s      *slab
	topRef Ref
}

func (g *group) slot(i uint32) (Ref, error) {
	if g.topRef == refNull {
		return refNull, nil
	}
	top, err := g.s.readNode(g.topRef)
	if err != nil {
		return refNull, err
	}
	if !top.hdr.hasRefs || top.hdr.inner || top.hdr.count != topSlots {
		return refNull, fmt.Errorf("%w: top array at ref %d", ErrCorrupt, g.topRef)
	}
	v, err := arrayGet(top, i)
	if err != nil {
		return refNull, err
	}
	if v != 0 && !isRefElem(v) {
		return refNull, fmt.Errorf("%w: top slot %d holds %d", ErrCorrupt, i, v)
	}
	return Ref(v), nil
}

// setSlot rewrites one top slot, materializing the top array on first write.
func (g *group) setSlot(i uint32, ref Ref) error {
	if g.topRef == refNull {
		top, err := buildArray(g.s, true, false, make([]int64, topSlots))
		if err != nil {
			return err
		}
		g.topRef = top.ref
	}
	top, err := g.s.readNode(g.topRef)
	if err != nil {
		return err
	}
	top, err = arraySet(g.s, top, i, int64(ref))
	if err != nil {
		return err
	}
	g.topRef = top.ref
	return nil
}

func (g *group) tableNames() ([]string, error) {
	namesRef, err := g.slot(topSlotNames)
	if err != nil || namesRef == refNull {
		return nil, err
	}
	names, err := g.s.readNode(namesRef)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, names.hdr.count)
	for _, e := range arraySlice(names) {
		if !isRefElem(e) {
			return nil, fmt.Errorf("%w: table name slot %d", ErrCorrupt, e)
		}
		blob, err := g.s.readNode(Ref(e))
		if err != nil {
			return nil, err
		}
		out = append(out, string(blobBytes(blob)))
	}
	return out, nil
}

// findTable returns the directory index and root ref of a named table.
func (g *group) findTable(name string) (idx int, root Ref, found bool, err error) {
	namesRef, err := g.slot(topSlotNames)
	if err != nil || namesRef == refNull {
		return 0, refNull, false, err
	}
	names, err := g.s.readNode(namesRef)
	if err != nil {
		return 0, refNull, false, err
	}
	for i, e := range arraySlice(names) {
		if !isRefElem(e) {
			return 0, refNull, false, fmt.Errorf("%w: table name slot %d", ErrCorrupt, e)
		}
		blob, err := g.s.readNode(Ref(e))
		if err != nil {
			return 0, refNull, false, err
		}
		if bytes.Equal(blobBytes(blob), []byte(name)) {
			root, err := g.tableRoot(i)
			return i, root, true, err
		}
	}
	return 0, refNull, false, nil
}

func (g *group) tableRoot(idx int) (Ref, error) {
	rootsRef, err := g.slot(topSlotRoots)
	if err != nil {
		return refNull, err
	}
	if rootsRef == refNull {
		return refNull, fmt.Errorf("%w: table directory missing roots list", ErrCorrupt)
	}
	roots, err := g.s.readNode(rootsRef)
	if err != nil {
		return refNull, err
	}
	v, err := arrayGet(roots, uint32(idx))
	if err != nil {
		return refNull, err
	}
	if v != 0 && !isRefElem(v) {
		return refNull, fmt.Errorf("%w: table root slot %d", ErrCorrupt, v)
	}
	return Ref(v), nil
}

// setTableRoot rewrites a table's root ref after a tree mutation, rippling
// the copy-on-write up through the roots list into the top array.
func (g *group) setTableRoot(idx int, root Ref) error {
	rootsRef, err := g.slot(topSlotRoots)
	if err != nil {
		return err
	}
	if rootsRef == refNull {
		return fmt.Errorf("%w: table directory missing roots list", ErrCorrupt)
	}
	roots, err := g.s.readNode(rootsRef)
	if err != nil {
		return err
	}
	roots, err = arraySet(g.s, roots, uint32(idx), int64(root))
	if err != nil {
		return err
	}
	return g.setSlot(topSlotRoots, roots.ref)
}

// createTable appends a table with an empty tree. The caller checked the
// name is free.
func (g *group) createTable(name string) (idx int, err error) {
	blob, err := newBlobNode(g.s, []byte(name))
	if err != nil {
		return 0, err
	}
	namesRef, err := g.slot(topSlotNames)
	if err != nil {
		return 0, err
	}
	var names node
	if namesRef == refNull {
		names, err = buildArray(g.s, true, false, []int64{int64(blob.ref)})
		idx = 0
	} else {
		names, err = g.s.readNode(namesRef)
		if err != nil {
			return 0, err
		}
		idx = int(names.hdr.count)
		names, err = arrayAppend(g.s, names, int64(blob.ref))
	}
	if err != nil {
		return 0, err
	}
	if err = g.setSlot(topSlotNames, names.ref); err != nil {
		return 0, err
	}
	rootsRef, err := g.slot(topSlotRoots)
	if err != nil {
		return 0, err
	}
	var roots node
	if rootsRef == refNull {
		roots, err = buildArray(g.s, true, false, []int64{0})
	} else {
		roots, err = g.s.readNode(rootsRef)
		if err != nil {
			return 0, err
		}
		roots, err = arrayAppend(g.s, roots, 0)
	}
	if err != nil {
		return 0, err
	}
	return idx, g.setSlot(topSlotRoots, roots.ref)
}

// loadFreeTable reads the persisted free-space triples into memory.
func (g *group) loadFreeTable() ([]freeEntry, error) {
	posRef, err := g.slot(topSlotFreePos)
	if err != nil || posRef == refNull {
		return nil, err
	}
	lenRef, err := g.slot(topSlotFreeLen)
	if err != nil {
		return nil, err
	}
	verRef, err := g.slot(topSlotFreeVer)
	if err != nil {
		return nil, err
	}
	if lenRef == refNull || verRef == refNull {
		return nil, fmt.Errorf("%w: free-space table incomplete", ErrCorrupt)
	}
	pos, err := g.s.readNode(posRef)
	if err != nil {
		return nil, err
	}
	lens, err := g.s.readNode(lenRef)
	if err != nil {
		return nil, err
	}
	vers, err := g.s.readNode(verRef)
	if err != nil {
		return nil, err
	}
	if pos.hdr.count != lens.hdr.count || pos.hdr.count != vers.hdr.count {
		return nil, fmt.Errorf("%w: free-space arrays disagree (%d/%d/%d entries)",
			ErrCorrupt, pos.hdr.count, lens.hdr.count, vers.hdr.count)
	}
	entries := make([]freeEntry, pos.hdr.count)
	pv, lv, vv := arraySlice(pos), arraySlice(lens), arraySlice(vers)
	for i := range entries {
		entries[i] = freeEntry{ref: Ref(pv[i]), size: uint64(lv[i]), version: uint64(vv[i])}
	}
	return entries, nil
}

// reserveFreeArrays replaces the free-space slots with three fixed-width
// arrays sized for maxEntries; the final contents are filled in after flush
// placement settles. The superseded arrays join the versioned free table.
func (g *group) reserveFreeArrays(maxEntries uint32) (pos, lens, vers node, err error) {
	for _, slot := range []uint32{topSlotFreePos, topSlotFreeLen, topSlotFreeVer} {
		old, err := g.slot(slot)
		if err != nil {
			return node{}, node{}, node{}, err
		}
		if old != refNull {
			n, err := g.s.readNode(old)
			if err != nil {
				return node{}, node{}, node{}, err
			}
			freeNode(g.s, n)
		}
	}
	if pos, err = newNode(g.s, width64, false, false, maxEntries); err != nil {
		return
	}
	if lens, err = newNode(g.s, width64, false, false, maxEntries); err != nil {
		return
	}
	if vers, err = newNode(g.s, width64, false, false, maxEntries); err != nil {
		return
	}
	if err = g.setSlot(topSlotFreePos, pos.ref); err != nil {
		return
	}
	if err = g.setSlot(topSlotFreeLen, lens.ref); err != nil {
		return
	}
	err = g.setSlot(topSlotFreeVer, vers.ref)
	return
}

// fillFreeArrays writes the final entries; the arrays were reserved at
// width 64 so no reallocation can occur here.
func fillFreeArrays(pos, lens, vers node, entries []freeEntry) error {
	max := (pos.hdr.capacity - nodeHeaderSize) / 8
	if uint32(len(entries)) > max {
		return fmt.Errorf("%w: %d free entries exceed reserved %d", ErrCorrupt, len(entries), max)
	}
	for i, e := range entries {
		setElemRaw(pos.payload(), width64, uint32(i), int64(e.ref))
		setElemRaw(lens.payload(), width64, uint32(i), int64(e.size))
		setElemRaw(vers.payload(), width64, uint32(i), int64(e.version))
	}
	for _, n := range []node{pos, lens, vers} {
		n.hdr.count = uint32(len(entries))
		n.hdr.encode(n.buf)
	}
	return nil
}
