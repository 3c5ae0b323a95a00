package grove

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

var fileMagic = [4]byte{'G', 'R', 'V', 'E'}

const (
	formatVersion = 1

	headerFlagEncrypted = 1 << 0

	slotSize  = 40
	slotAOff  = 16
	slotBOff  = 64
	fixedSize = slotBOff + slotSize
)

// topSlot is one of the two alternating commit slots. A commit writes the
// slot the previous commit did not use, so a torn header write always leaves
// the other slot intact.
type topSlot struct {
	topRef      Ref
	logicalSize uint64
	version     uint64
	generation  uint64
}

func (s *topSlot) encode(buf []byte) {
	binary.BigEndian.PutUint64(buf[0:8], uint64(s.topRef))
	binary.BigEndian.PutUint64(buf[8:16], s.logicalSize)
	binary.BigEndian.PutUint64(buf[16:24], s.version)
	binary.BigEndian.PutUint64(buf[24:32], s.generation)
	binary.BigEndian.PutUint64(buf[32:40], xxhash.Sum64(buf[:32]))
}

// decode reports ok=false when the slot checksum does not match; a torn slot
// is not corruption by itself, only both slots failing is.
func (s *topSlot) decode(buf []byte) (ok bool) {
	if xxhash.Sum64(buf[:32]) != binary.BigEndian.Uint64(buf[32:40]) {
		return false
	}
	s.topRef = Ref(binary.BigEndian.Uint64(buf[0:8]))
	s.logicalSize = binary.BigEndian.Uint64(buf[8:16])
	s.version = binary.BigEndian.Uint64(buf[16:24])
	s.generation = binary.BigEndian.Uint64(buf[24:32])
	return true
}

type fileHeader struct {
	encrypted bool
	pageSize  uint32
	nodeCap   uint32
	slot      topSlot
	// nextSlot is the slot index (0 or 1) the next commit must write.
	nextSlot int
}

func (h *fileHeader) encodeFixed(buf []byte) {
	copy(buf[0:4], fileMagic[:])
	var flags uint16
	if h.encrypted {
		flags |= headerFlagEncrypted
	}
	binary.BigEndian.PutUint16(buf[4:6], formatVersion)
	binary.BigEndian.PutUint16(buf[6:8], flags)
	binary.BigEndian.PutUint32(buf[8:12], h.pageSize)
	binary.BigEndian.PutUint32(buf[12:16], h.nodeCap)
}

// readRawHeader decodes the header straight from the file, without a pager.
// The header region is never encrypted; attach needs the on-file geometry
// before it can construct the page layer at all.
func readRawHeader(path string) (fileHeader, error) {
	f, err := os.Open(path)
	if err != nil {
		return fileHeader{}, err
	}
	defer f.Close()
	buf := make([]byte, fixedSize)
	if _, err = io.ReadFull(f, buf); err != nil {
		return fileHeader{}, fmt.Errorf("%w: short header: %v", ErrCorrupt, err)
	}
	return decodeHeader(buf)
}

func decodeHeader(buf []byte) (h fileHeader, err error) {
	if len(buf) < fixedSize {
		return h, fmt.Errorf("%w: short header (%d bytes)", ErrCorrupt, len(buf))
	}
	if [4]byte(buf[0:4]) != fileMagic {
		return h, fmt.Errorf("%w: bad magic %q", ErrCorrupt, buf[0:4])
	}
	if v := binary.BigEndian.Uint16(buf[4:6]); v != formatVersion {
		return h, fmt.Errorf("%w: unsupported format version %d", ErrCorrupt, v)
	}
	flags := binary.BigEndian.Uint16(buf[6:8])
	h.encrypted = flags&headerFlagEncrypted != 0
	h.pageSize = binary.BigEndian.Uint32(buf[8:12])
	h.nodeCap = binary.BigEndian.Uint32(buf[12:16])
	if h.pageSize < 512 || h.pageSize > 1<<20 || h.pageSize&(h.pageSize-1) != 0 {
		return h, fmt.Errorf("%w: page size %d", ErrCorrupt, h.pageSize)
	}
	if h.nodeCap < 4 || h.nodeCap > maxNodeCount {
		return h, fmt.Errorf("%w: node cap %d", ErrCorrupt, h.nodeCap)
	}
	var a, b topSlot
	aOK := a.decode(buf[slotAOff : slotAOff+slotSize])
	bOK := b.decode(buf[slotBOff : slotBOff+slotSize])
	switch {
	case !aOK && !bOK:
		return h, fmt.Errorf("%w: both top-ref slots invalid", ErrCorrupt)
	case aOK && (!bOK || a.generation > b.generation):
		h.slot = a
		h.nextSlot = 1
	default:
		h.slot = b
		h.nextSlot = 0
	}
	return h, nil
}

// writeSlot persists a new current slot into the alternate position and
// flips nextSlot. The caller syncs the pager around it.
func (h *fileHeader) writeSlot(p pager, s topSlot) error {
	s.generation = h.slot.generation + 1
	var buf [slotSize]byte
	s.encode(buf[:])
	off := uint64(slotAOff)
	if h.nextSlot == 1 {
		off = slotBOff
	}
	if err := p.writeRange(off, buf[:]); err != nil {
		return err
	}
	h.slot = s
	h.nextSlot = 1 - h.nextSlot
	return nil
}

func (h *fileHeader) writeFixed(p pager) error {
	var buf [fixedSize]byte
	h.encodeFixed(buf[:])
	var a [slotSize]byte
	h.slot.encode(a[:])
	copy(buf[slotAOff:], a[:])
	// slot B stays zero until the first commit flips to it; an all-zero
	// slot never passes its checksum so attach ignores it.
	return p.writeRange(0, buf[:])
}
