package grove

import "fmt"

// getElemRaw reads element i of a payload packed at the given width code.
// Sub-byte widths hold small unsigned values, byte-and-up widths are
// little-endian two's complement.
func getElemRaw(payload []byte, widthCode uint8, i uint32) int64 {
	switch widthCode {
	case width0:
		return 0
	case width1:
		return int64(payload[i>>3]>>(i&7)) & 1
	case width2:
		return int64(payload[i>>2]>>((i&3)*2)) & 3
	case width4:
		return int64(payload[i>>1]>>((i&1)*4)) & 15
	case width8:
		return int64(int8(payload[i]))
	case width16:
		off := i * 2
		return int64(int16(uint16(payload[off]) | uint16(payload[off+1])<<8))
	case width32:
		off := i * 4
		return int64(int32(uint32(payload[off]) | uint32(payload[off+1])<<8 |
			uint32(payload[off+2])<<16 | uint32(payload[off+3])<<24))
	default:
		off := i * 8
		return int64(uint64(payload[off]) | uint64(payload[off+1])<<8 |
			uint64(payload[off+2])<<16 | uint64(payload[off+3])<<24 |
			uint64(payload[off+4])<<32 | uint64(payload[off+5])<<40 |
			uint64(payload[off+6])<<48 | uint64(payload[off+7])<<56)
	}
}

func setElemRaw(payload []byte, widthCode uint8, i uint32, v int64) {
	switch widthCode {
	case width0:
	case width1:
		shift := i & 7
		payload[i>>3] = payload[i>>3]&^(1<<shift) | byte(v&1)<<shift
	case width2:
		shift := (i & 3) * 2
		payload[i>>2] = payload[i>>2]&^(3<<shift) | byte(v&3)<<shift
	case width4:
		shift := (i & 1) * 4
		payload[i>>1] = payload[i>>1]&^(15<<shift) | byte(v&15)<<shift
	case width8:
		payload[i] = byte(v)
	case width16:
		off := i * 2
		payload[off] = byte(v)
		payload[off+1] = byte(v >> 8)
	case width32:
		off := i * 4
		payload[off] = byte(v)
		payload[off+1] = byte(v >> 8)
		payload[off+2] = byte(v >> 16)
		payload[off+3] = byte(v >> 24)
	default:
		off := i * 8
		for b := uint32(0); b < 8; b++ {
			payload[off+b] = byte(uint64(v) >> (b * 8))
		}
	}
}

// capacityFor returns the buffer size for n elements at a width, header
// included, rounded to the allocation granularity.
func capacityFor(widthCode uint8, n uint32) uint32 {
	bits := uint64(n) * uint64(widthBits[widthCode])
	return nodeHeaderSize + uint32(alignUp((bits+7)/8, refAlign))
}

// capElems is the element count the node reserves space for up front.
func newNode(s *slab, widthCode uint8, hasRefs, inner bool, capElems uint32) (node, error) {
	capacity := capacityFor(widthCode, capElems)
	ref, buf, err := s.alloc(uint64(capacity))
	if err != nil {
		return node{}, err
	}
	clear(buf)
	n := node{
		ref: ref,
		hdr: nodeHeader{widthCode: widthCode, hasRefs: hasRefs, inner: inner, capacity: capacity},
		buf: buf,
	}
	n.hdr.encode(buf)
	return n, nil
}

func arrayGet(n node, i uint32) (int64, error) {
	if i >= n.hdr.count {
		return 0, fmt.Errorf("%w: index %d of %d", ErrIndexRange, i, n.hdr.count)
	}
	return getElemRaw(n.payload(), n.hdr.widthCode, i), nil
}

// reshape returns a writable node able to hold count elements of at least
// the given width, re-encoding into a fresh allocation when the width grows
// or the buffer is full. Elements never silently truncate: widths only grow.
func reshape(s *slab, n node, count uint32, widthCode uint8) (node, error) {
	if count > maxNodeCount {
		return node{}, fmt.Errorf("%w: node count %d", ErrIndexRange, count)
	}
	widthCode = maxWidthCode(widthCode, n.hdr.widthCode)
	if widthCode == n.hdr.widthCode && capacityFor(widthCode, count) <= n.hdr.capacity {
		return s.writable(n)
	}
	// Re-encode. Reserve doubled space so runs of inserts settle into
	// amortized constant reallocation.
	reserve := count * 2
	if reserve > maxNodeCount {
		reserve = maxNodeCount
	}
	fresh, err := newNode(s, widthCode, n.hdr.hasRefs, n.hdr.inner, reserve)
	if err != nil {
		return node{}, err
	}
	src := n.payload()
	dst := fresh.payload()
	for i := uint32(0); i < n.hdr.count; i++ {
		setElemRaw(dst, widthCode, i, getElemRaw(src, n.hdr.widthCode, i))
	}
	fresh.hdr.count = n.hdr.count
	fresh.hdr.encode(fresh.buf)
	s.free(n.ref, uint64(n.hdr.capacity))
	return fresh, nil
}

// arraySet writes v at index i, returning the node's (possibly new) ref
// after copy-on-write and width growth.
func arraySet(s *slab, n node, i uint32, v int64) (node, error) {
	if i >= n.hdr.count {
		return node{}, fmt.Errorf("%w: index %d of %d", ErrIndexRange, i, n.hdr.count)
	}
	n, err := reshape(s, n, n.hdr.count, widthCodeFor(v))
	if err != nil {
		return node{}, err
	}
	setElemRaw(n.payload(), n.hdr.widthCode, i, v)
	return n, nil
}

func arrayInsert(s *slab, n node, i uint32, v int64) (node, error) {
	if i > n.hdr.count {
		return node{}, fmt.Errorf("%w: insert at %d of %d", ErrIndexRange, i, n.hdr.count)
	}
	n, err := reshape(s, n, n.hdr.count+1, widthCodeFor(v))
	if err != nil {
		return node{}, err
	}
	payload := n.payload()
	for j := n.hdr.count; j > i; j-- {
		setElemRaw(payload, n.hdr.widthCode, j, getElemRaw(payload, n.hdr.widthCode, j-1))
	}
	setElemRaw(payload, n.hdr.widthCode, i, v)
	n.hdr.count++
	n.hdr.encode(n.buf)
	return n, nil
}

func arrayAppend(s *slab, n node, v int64) (node, error) {
	return arrayInsert(s, n, n.hdr.count, v)
}

func arrayErase(s *slab, n node, i uint32) (node, error) {
	if i >= n.hdr.count {
		return node{}, fmt.Errorf("%w: erase at %d of %d", ErrIndexRange, i, n.hdr.count)
	}
	n, err := s.writable(n)
	if err != nil {
		return node{}, err
	}
	payload := n.payload()
	for j := i; j+1 < n.hdr.count; j++ {
		setElemRaw(payload, n.hdr.widthCode, j, getElemRaw(payload, n.hdr.widthCode, j+1))
	}
	setElemRaw(payload, n.hdr.widthCode, n.hdr.count-1, 0)
	n.hdr.count--
	n.hdr.encode(n.buf)
	return n, nil
}

// arraySlice decodes every element; used by split/merge surgery.
func arraySlice(n node) []int64 {
	out := make([]int64, n.hdr.count)
	payload := n.payload()
	for i := uint32(0); i < n.hdr.count; i++ {
		out[i] = getElemRaw(payload, n.hdr.widthCode, i)
	}
	return out
}

// buildArray encodes vals into a fresh node at the minimum width that fits
// all of them.
func buildArray(s *slab, hasRefs, inner bool, vals []int64) (node, error) {
	wc := width0
	for _, v := range vals {
		wc = maxWidthCode(wc, widthCodeFor(v))
	}
	n, err := newNode(s, wc, hasRefs, inner, uint32(len(vals)))
	if err != nil {
		return node{}, err
	}
	payload := n.payload()
	for i, v := range vals {
		setElemRaw(payload, wc, uint32(i), v)
	}
	n.hdr.count = uint32(len(vals))
	n.hdr.encode(n.buf)
	return n, nil
}

// freeNode returns a node's space to the allocator.
func freeNode(s *slab, n node) {
	s.free(n.ref, uint64(n.hdr.capacity))
}

// newBlobNode stores raw bytes as a width-8 node. Blob payloads are read
// back with blobBytes, never through the integer accessors.
func newBlobNode(s *slab, data []byte) (node, error) {
	if len(data) > maxNodeCount {
		return node{}, fmt.Errorf("%w: blob of %d bytes", ErrIndexRange, len(data))
	}
	n, err := newNode(s, width8, false, false, uint32(len(data)))
	if err != nil {
		return node{}, err
	}
	copy(n.payload(), data)
	n.hdr.count = uint32(len(data))
	n.hdr.encode(n.buf)
	return n, nil
}

func blobBytes(n node) []byte {
	return n.payload()[:n.hdr.count]
}

// rewriteRefs maps every ref element of a has-refs node buffer through
// translate, growing the width when a mapped ref needs more bits. Returns
// the buffer to persist; it aliases buf when nothing changed size.
func rewriteRefs(buf []byte, translate func(Ref) (Ref, bool)) ([]byte, error) {
	var hdr nodeHeader
	if err := hdr.decode(buf); err != nil {
		return nil, err
	}
	if !hdr.hasRefs {
		return buf, nil
	}
	payload := buf[nodeHeaderSize:hdr.capacity]
	vals := make([]int64, hdr.count)
	wc := hdr.widthCode
	changed := false
	for i := uint32(0); i < hdr.count; i++ {
		v := getElemRaw(payload, hdr.widthCode, i)
		if isRefElem(v) {
			if mapped, ok := translate(Ref(v)); ok {
				v = int64(mapped)
				changed = true
			}
		}
		vals[i] = v
		wc = maxWidthCode(wc, widthCodeFor(v))
	}
	if !changed {
		return buf, nil
	}
	if wc == hdr.widthCode {
		for i, v := range vals {
			setElemRaw(payload, wc, uint32(i), v)
		}
		return buf, nil
	}
	out := make([]byte, capacityFor(wc, hdr.count))
	nh := nodeHeader{widthCode: wc, hasRefs: hdr.hasRefs, inner: hdr.inner,
		count: hdr.count, capacity: uint32(len(out))}
	nh.encode(out)
	dst := out[nodeHeaderSize:]
	for i, v := range vals {
		setElemRaw(dst, wc, uint32(i), v)
	}
	return out, nil
}
