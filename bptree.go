package grove

import "fmt"

// B+tree over arrays. Leaves are plain value arrays; an inner node is a
// has-refs array whose element 0 refs its cumulative-count array and whose
// elements 1..n are child refs. counts[i] is the total number of values in
// children 0..i, so the last entry is the subtree size and positional lookup
// descends in O(log n). Every mutation returns a new ref and leaves the old
// node's bytes alone.

// innerView decodes an inner node into its children and cumulative counts.
type innerView struct {
	n        node
	counts   node
	children []Ref
	cum      []int64
}

func readInner(s *slab, n node) (iv innerView, err error) {
	if !n.hdr.inner {
		return iv, fmt.Errorf("%w: ref %d is not an inner node", ErrCorrupt, n.ref)
	}
	if n.hdr.count < 2 {
		return iv, fmt.Errorf("%w: inner node %d with %d slots", ErrCorrupt, n.ref, n.hdr.count)
	}
	iv.n = n
	elems := arraySlice(n)
	if !isRefElem(elems[0]) {
		return iv, fmt.Errorf("%w: inner node %d counts slot %d", ErrCorrupt, n.ref, elems[0])
	}
	iv.counts, err = s.readNode(Ref(elems[0]))
	if err != nil {
		return iv, err
	}
	iv.children = make([]Ref, 0, len(elems)-1)
	for _, e := range elems[1:] {
		if !isRefElem(e) {
			return iv, fmt.Errorf("%w: inner node %d child slot %d", ErrCorrupt, n.ref, e)
		}
		iv.children = append(iv.children, Ref(e))
	}
	iv.cum = arraySlice(iv.counts)
	if len(iv.cum) != len(iv.children) {
		return iv, fmt.Errorf("%w: inner node %d has %d children but %d counts",
			ErrCorrupt, n.ref, len(iv.children), len(iv.cum))
	}
	prev := int64(0)
	for _, c := range iv.cum {
		if c < prev {
			return iv, fmt.Errorf("%w: inner node %d counts not monotonic", ErrCorrupt, n.ref)
		}
		prev = c
	}
	return iv, nil
}

// findChild picks the child holding position idx and the value offset of
// that child's subtree. idx == subtree size maps to the last child so
// appends descend correctly.
func (iv *innerView) findChild(idx uint64) (slot int, base uint64) {
	lo, hi := 0, len(iv.cum)-1
	for lo < hi {
		mid := (lo + hi) / 2
		if uint64(iv.cum[mid]) > idx {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo > 0 {
		base = uint64(iv.cum[lo-1])
	}
	return lo, base
}

// subtreeSize reads the value count under ref without walking leaves.
func subtreeSize(s *slab, ref Ref) (uint64, error) {
	n, err := s.readNode(ref)
	if err != nil {
		return 0, err
	}
	if !n.hdr.inner {
		return uint64(n.hdr.count), nil
	}
	iv, err := readInner(s, n)
	if err != nil {
		return 0, err
	}
	return uint64(iv.cum[len(iv.cum)-1]), nil
}

// buildInner assembles an inner node over children, recomputing the
// cumulative counts exactly from the child subtree sizes.
func buildInner(s *slab, children []Ref) (Ref, error) {
	cum := make([]int64, len(children))
	total := int64(0)
	for i, c := range children {
		sz, err := subtreeSize(s, c)
		if err != nil {
			return refNull, err
		}
		total += int64(sz)
		cum[i] = total
	}
	counts, err := buildArray(s, false, false, cum)
	if err != nil {
		return refNull, err
	}
	elems := make([]int64, 0, len(children)+1)
	elems = append(elems, int64(counts.ref))
	for _, c := range children {
		elems = append(elems, int64(c))
	}
	n, err := buildArray(s, true, false, elems)
	if err != nil {
		return refNull, err
	}
	n.hdr.inner = true
	n.hdr.encode(n.buf)
	return n.ref, nil
}

// freeInnerShell frees an inner node and its counts array, not the subtree.
func freeInnerShell(s *slab, iv innerView) {
	freeNode(s, iv.counts)
	freeNode(s, iv.n)
}

func treeSize(s *slab, root Ref) (uint64, error) {
	if root == refNull {
		return 0, nil
	}
	return subtreeSize(s, root)
}

func treeGet(s *slab, root Ref, idx uint64) (int64, error) {
	if root == refNull {
		return 0, fmt.Errorf("%w: index %d in empty tree", ErrIndexRange, idx)
	}
	ref := root
	for {
		n, err := s.readNode(ref)
		if err != nil {
			return 0, err
		}
		if !n.hdr.inner {
			if idx >= uint64(n.hdr.count) {
				return 0, fmt.Errorf("%w: index %d of %d", ErrIndexRange, idx, n.hdr.count)
			}
			return arrayGet(n, uint32(idx))
		}
		iv, err := readInner(s, n)
		if err != nil {
			return 0, err
		}
		if idx >= uint64(iv.cum[len(iv.cum)-1]) {
			return 0, fmt.Errorf("%w: index %d of %d", ErrIndexRange, idx, iv.cum[len(iv.cum)-1])
		}
		slot, base := iv.findChild(idx)
		ref = iv.children[slot]
		idx -= base
	}
}

func treeSet(s *slab, root Ref, idx uint64, v int64) (Ref, error) {
	if root == refNull {
		return refNull, fmt.Errorf("%w: index %d in empty tree", ErrIndexRange, idx)
	}
	n, err := s.readNode(root)
	if err != nil {
		return refNull, err
	}
	if !n.hdr.inner {
		if idx >= uint64(n.hdr.count) {
			return refNull, fmt.Errorf("%w: index %d of %d", ErrIndexRange, idx, n.hdr.count)
		}
		n, err = arraySet(s, n, uint32(idx), v)
		if err != nil {
			return refNull, err
		}
		return n.ref, nil
	}
	iv, err := readInner(s, n)
	if err != nil {
		return refNull, err
	}
	if idx >= uint64(iv.cum[len(iv.cum)-1]) {
		return refNull, fmt.Errorf("%w: index %d of %d", ErrIndexRange, idx, iv.cum[len(iv.cum)-1])
	}
	slot, base := iv.findChild(idx)
	child, err := treeSet(s, iv.children[slot], idx-base, v)
	if err != nil {
		return refNull, err
	}
	iv.children[slot] = child
	newRef, err := buildInner(s, iv.children)
	if err != nil {
		return refNull, err
	}
	freeInnerShell(s, iv)
	return newRef, nil
}

// insertRec inserts v at idx under ref. A split reports two siblings of the
// same depth; otherwise right is null.
func insertRec(s *slab, ref Ref, idx uint64, v int64, cap uint32) (left, right Ref, err error) {
	n, err := s.readNode(ref)
	if err != nil {
		return refNull, refNull, err
	}
	if !n.hdr.inner {
		if idx > uint64(n.hdr.count) {
			return refNull, refNull, fmt.Errorf("%w: insert at %d of %d", ErrIndexRange, idx, n.hdr.count)
		}
		n, err = arrayInsert(s, n, uint32(idx), v)
		if err != nil {
			return refNull, refNull, err
		}
		if n.hdr.count <= cap {
			return n.ref, refNull, nil
		}
		vals := arraySlice(n)
		mid := len(vals) / 2
		l, err := buildArray(s, false, false, vals[:mid])
		if err != nil {
			return refNull, refNull, err
		}
		r, err := buildArray(s, false, false, vals[mid:])
		if err != nil {
			return refNull, refNull, err
		}
		freeNode(s, n)
		return l.ref, r.ref, nil
	}
	iv, err := readInner(s, n)
	if err != nil {
		return refNull, refNull, err
	}
	if idx > uint64(iv.cum[len(iv.cum)-1]) {
		return refNull, refNull, fmt.Errorf("%w: insert at %d of %d", ErrIndexRange, idx, iv.cum[len(iv.cum)-1])
	}
	slot, base := iv.findChild(idx)
	cl, cr, err := insertRec(s, iv.children[slot], idx-base, v, cap)
	if err != nil {
		return refNull, refNull, err
	}
	children := make([]Ref, 0, len(iv.children)+1)
	children = append(children, iv.children[:slot]...)
	children = append(children, cl)
	if cr != refNull {
		children = append(children, cr)
	}
	children = append(children, iv.children[slot+1:]...)
	freeInnerShell(s, iv)
	if uint32(len(children)) <= cap {
		newRef, err := buildInner(s, children)
		return newRef, refNull, err
	}
	mid := len(children) / 2
	l, err := buildInner(s, children[:mid])
	if err != nil {
		return refNull, refNull, err
	}
	r, err := buildInner(s, children[mid:])
	if err != nil {
		return refNull, refNull, err
	}
	return l, r, nil
}

// treeInsert inserts v at position idx, growing depth uniformly when the
// root itself splits.
func treeInsert(s *slab, root Ref, idx uint64, v int64, cap uint32) (Ref, error) {
	if root == refNull {
		if idx != 0 {
			return refNull, fmt.Errorf("%w: insert at %d in empty tree", ErrIndexRange, idx)
		}
		n, err := buildArray(s, false, false, []int64{v})
		if err != nil {
			return refNull, err
		}
		return n.ref, nil
	}
	l, r, err := insertRec(s, root, idx, v, cap)
	if err != nil {
		return refNull, err
	}
	if r == refNull {
		return l, nil
	}
	return buildInner(s, []Ref{l, r})
}

// rebalanceLeaves merges or redistributes two adjacent leaves after an
// erase left one below minimum occupancy. Returns the surviving refs
// (right is null after a merge).
func rebalanceLeaves(s *slab, a, b node, cap uint32) (Ref, Ref, error) {
	vals := append(arraySlice(a), arraySlice(b)...)
	freeNode(s, a)
	freeNode(s, b)
	if uint32(len(vals)) <= cap {
		m, err := buildArray(s, false, false, vals)
		if err != nil {
			return refNull, refNull, err
		}
		return m.ref, refNull, nil
	}
	mid := len(vals) / 2
	l, err := buildArray(s, false, false, vals[:mid])
	if err != nil {
		return refNull, refNull, err
	}
	r, err := buildArray(s, false, false, vals[mid:])
	if err != nil {
		return refNull, refNull, err
	}
	return l.ref, r.ref, nil
}

func rebalanceInners(s *slab, a, b innerView, cap uint32) (Ref, Ref, error) {
	children := append(append([]Ref{}, a.children...), b.children...)
	freeInnerShell(s, a)
	freeInnerShell(s, b)
	if uint32(len(children)) <= cap {
		m, err := buildInner(s, children)
		return m, refNull, err
	}
	mid := len(children) / 2
	l, err := buildInner(s, children[:mid])
	if err != nil {
		return refNull, refNull, err
	}
	r, err := buildInner(s, children[mid:])
	if err != nil {
		return refNull, refNull, err
	}
	return l, r, nil
}

// nodeOccupancy is the element count of a leaf or the child count of an
// inner node, the quantity the minimum-occupancy rule applies to.
func nodeOccupancy(s *slab, ref Ref) (uint32, bool, error) {
	n, err := s.readNode(ref)
	if err != nil {
		return 0, false, err
	}
	if n.hdr.inner {
		return n.hdr.count - 1, true, nil
	}
	return n.hdr.count, false, nil
}

func eraseRec(s *slab, ref Ref, idx uint64, cap uint32) (Ref, error) {
	n, err := s.readNode(ref)
	if err != nil {
		return refNull, err
	}
	if !n.hdr.inner {
		if idx >= uint64(n.hdr.count) {
			return refNull, fmt.Errorf("%w: erase at %d of %d", ErrIndexRange, idx, n.hdr.count)
		}
		n, err = arrayErase(s, n, uint32(idx))
		if err != nil {
			return refNull, err
		}
		return n.ref, nil
	}
	iv, err := readInner(s, n)
	if err != nil {
		return refNull, err
	}
	if idx >= uint64(iv.cum[len(iv.cum)-1]) {
		return refNull, fmt.Errorf("%w: erase at %d of %d", ErrIndexRange, idx, iv.cum[len(iv.cum)-1])
	}
	slot, base := iv.findChild(idx)
	child, err := eraseRec(s, iv.children[slot], idx-base, cap)
	if err != nil {
		return refNull, err
	}
	children := append([]Ref{}, iv.children...)
	children[slot] = child
	freeInnerShell(s, iv)

	occ, _, err := nodeOccupancy(s, child)
	if err != nil {
		return refNull, err
	}
	if occ < cap/4 && len(children) > 1 {
		sib := slot + 1
		if sib >= len(children) {
			sib = slot - 1
		}
		lo, hi := slot, sib
		if lo > hi {
			lo, hi = hi, lo
		}
		l, r, err := rebalancePair(s, children[lo], children[hi], cap)
		if err != nil {
			return refNull, err
		}
		merged := make([]Ref, 0, len(children))
		merged = append(merged, children[:lo]...)
		merged = append(merged, l)
		if r != refNull {
			merged = append(merged, r)
		}
		merged = append(merged, children[hi+1:]...)
		children = merged
	}
	// A single-child inner stays an inner node: collapsing it here would
	// shrink this subtree's depth below its siblings'. Only treeErase may
	// collapse, at the root, where depth shrinks uniformly.
	return buildInner(s, children)
}

func rebalancePair(s *slab, left, right Ref, cap uint32) (Ref, Ref, error) {
	ln, err := s.readNode(left)
	if err != nil {
		return refNull, refNull, err
	}
	rn, err := s.readNode(right)
	if err != nil {
		return refNull, refNull, err
	}
	if ln.hdr.inner != rn.hdr.inner {
		return refNull, refNull, fmt.Errorf("%w: siblings %d and %d differ in depth", ErrCorrupt, left, right)
	}
	if !ln.hdr.inner {
		return rebalanceLeaves(s, ln, rn, cap)
	}
	lv, err := readInner(s, ln)
	if err != nil {
		return refNull, refNull, err
	}
	rv, err := readInner(s, rn)
	if err != nil {
		return refNull, refNull, err
	}
	return rebalanceInners(s, lv, rv, cap)
}

// treeErase removes the value at idx, collapsing the root while it is an
// inner node with a single child so depth shrinks uniformly. Erasing the
// last value leaves a null root.
func treeErase(s *slab, root Ref, idx uint64, cap uint32) (Ref, error) {
	if root == refNull {
		return refNull, fmt.Errorf("%w: erase at %d in empty tree", ErrIndexRange, idx)
	}
	newRoot, err := eraseRec(s, root, idx, cap)
	if err != nil {
		return refNull, err
	}
	for {
		n, err := s.readNode(newRoot)
		if err != nil {
			return refNull, err
		}
		if !n.hdr.inner {
			if n.hdr.count == 0 {
				freeNode(s, n)
				return refNull, nil
			}
			return newRoot, nil
		}
		iv, err := readInner(s, n)
		if err != nil {
			return refNull, err
		}
		if len(iv.children) > 1 {
			return newRoot, nil
		}
		child := iv.children[0]
		freeInnerShell(s, iv)
		newRoot = child
	}
}
