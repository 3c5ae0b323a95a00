package grove

import (
	"fmt"
	"time"

	"log/slog"
)

// Ref is an integer handle to a node's byte location inside the database
// file's logical address space. Refs below the durable boundary resolve into
// the published file image, refs above it into the writer's mutable slab.
// Ref 0 is null.
type Ref uint64

const refNull Ref = 0

const (
	// headerReserve is the plaintext region at the start of the file that
	// holds the fixed header. Node refs never point below it.
	headerReserve = 4096

	refAlign = 8

	nodeHeaderSize = 8

	// maxNodeCount is the limit of the 24-bit count field.
	maxNodeCount = 1<<24 - 1

	defaultNodeCap        = 256
	defaultPageSize       = 4096
	defaultPageCacheSize  = 32 << 20
	defaultMaxUnreclaimed = 1 << 30

	minFileSize = 64 << 10
)

// Element widths in bits. Widths 0..4 store small unsigned values, widths
// 8..64 store two's complement.
var widthBits = [8]uint8{0, 1, 2, 4, 8, 16, 32, 64}

const (
	width0 uint8 = iota
	width1
	width2
	width4
	width8
	width16
	width32
	width64
)

const (
	flagHasRefs = 1 << 3
	flagInner   = 1 << 4
	flagUnused  = 0xE0
)

// nodeHeader is the decoded form of the 8-byte header that prefixes every
// node buffer:
//
//	byte 0      flags: bits 0..2 width code, bit 3 has-refs, bit 4 inner
//	bytes 1..3  element count, big-endian
//	bytes 4..7  byte capacity of the whole buffer (header included), big-endian
type nodeHeader struct {
	widthCode uint8
	hasRefs   bool
	inner     bool
	count     uint32
	capacity  uint32
}

func (h *nodeHeader) width() uint8 {
	return widthBits[h.widthCode]
}

func (h *nodeHeader) decode(buf []byte) error {
	if len(buf) < nodeHeaderSize {
		return fmt.Errorf("%w: node buffer shorter than header (%d)", ErrCorrupt, len(buf))
	}
	flags := buf[0]
	if flags&flagUnused != 0 {
		return fmt.Errorf("%w: node flags 0x%02x", ErrCorrupt, flags)
	}
	h.widthCode = flags & 0x7
	h.hasRefs = flags&flagHasRefs != 0
	h.inner = flags&flagInner != 0
	h.count = uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	h.capacity = uint32(buf[4])<<24 | uint32(buf[5])<<16 | uint32(buf[6])<<8 | uint32(buf[7])
	if h.capacity < nodeHeaderSize || h.capacity%refAlign != 0 {
		return fmt.Errorf("%w: node capacity %d", ErrCorrupt, h.capacity)
	}
	if uint32(len(buf)) < h.capacity {
		return fmt.Errorf("%w: node buffer %d shorter than capacity %d", ErrCorrupt, len(buf), h.capacity)
	}
	if h.inner && !h.hasRefs {
		return fmt.Errorf("%w: inner node without has-refs", ErrCorrupt)
	}
	payloadBits := uint64(h.capacity-nodeHeaderSize) * 8
	if uint64(h.count)*uint64(h.width()) > payloadBits {
		return fmt.Errorf("%w: %d elements of width %d exceed capacity %d",
			ErrCorrupt, h.count, h.width(), h.capacity)
	}
	return nil
}

func (h *nodeHeader) encode(buf []byte) {
	flags := h.widthCode
	if h.hasRefs {
		flags |= flagHasRefs
	}
	if h.inner {
		flags |= flagInner
	}
	buf[0] = flags
	buf[1] = byte(h.count >> 16)
	buf[2] = byte(h.count >> 8)
	buf[3] = byte(h.count)
	buf[4] = byte(h.capacity >> 24)
	buf[5] = byte(h.capacity >> 16)
	buf[6] = byte(h.capacity >> 8)
	buf[7] = byte(h.capacity)
}

// node couples a decoded header with the buffer it was decoded from. The
// buffer is writable only when the ref lives in the mutable slab.
type node struct {
	ref Ref
	hdr nodeHeader
	buf []byte
}

func (n *node) payload() []byte {
	return n.buf[nodeHeaderSize:n.hdr.capacity]
}

// In a has-refs array an even non-zero element is a child ref; odd elements
// carry (v<<1)|1 tagged integers. Refs stay even because every allocation is
// 8-byte aligned.
func isRefElem(v int64) bool {
	return v != 0 && v&1 == 0
}

func tagInt(v int64) int64 {
	return v<<1 | 1
}

// Options configures Attach.
type Options struct {
	// EncryptionKey enables the encrypted page layer when non-nil. Must be
	// 16, 24 or 32 bytes.
	EncryptionKey []byte
	// ReadOnly refuses write transactions and does not create the file.
	ReadOnly bool
	// WriteLockTimeout bounds BeginWrite. Zero means fail immediately when
	// the lock is contended; negative means wait forever.
	WriteLockTimeout time.Duration
	// PageSize is the encrypted page granularity. Defaults to 4096.
	PageSize int
	// NodeCap bounds elements per tree node. Defaults to 256.
	NodeCap int
	// MaxUnreclaimed bounds bytes of free space that pinned old versions
	// keep unreclaimable before commits fail with ErrOutOfSpace.
	// Defaults to 1 GiB; < 0 means unlimited.
	MaxUnreclaimed int64
	// PageCacheSize bounds the decrypted page cache in bytes.
	PageCacheSize int64
	Logger        *slog.Logger
}

func (o *Options) withDefaults() Options {
	v := *o
	if v.PageSize == 0 {
		v.PageSize = defaultPageSize
	}
	if v.NodeCap == 0 {
		v.NodeCap = defaultNodeCap
	}
	if v.MaxUnreclaimed == 0 {
		v.MaxUnreclaimed = defaultMaxUnreclaimed
	}
	if v.PageCacheSize == 0 {
		v.PageCacheSize = defaultPageCacheSize
	}
	if v.Logger == nil {
		v.Logger = slog.New(discardHandler{})
	}
	return v
}

func alignUp(v uint64, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}
