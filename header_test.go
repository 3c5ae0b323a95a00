package grove

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func testHeaderPager(t *testing.T) *plainPager {
	p := newPlainPager("testdata/header.db")
	_, err := p.init()
	require.NoError(t, err)
	t.Cleanup(func() { p.close() })
	return p
}

func TestHeaderFixedRoundTrip(t *testing.T) {
	initTest(t)
	p := testHeaderPager(t)
	h := fileHeader{
		encrypted: true,
		pageSize:  4096,
		nodeCap:   64,
		slot:      topSlot{topRef: refNull, logicalSize: headerReserve, version: 1, generation: 1},
		nextSlot:  1,
	}
	require.NoError(t, h.writeFixed(p))
	require.NoError(t, p.sync())

	got, err := readRawHeader("testdata/header.db")
	require.NoError(t, err)
	require.Equal(t, h, got)
}

func TestHeaderSlotAlternation(t *testing.T) {
	initTest(t)
	p := testHeaderPager(t)
	h := fileHeader{
		pageSize: 4096,
		nodeCap:  32,
		slot:     topSlot{topRef: refNull, logicalSize: headerReserve, version: 1, generation: 1},
		nextSlot: 1,
	}
	require.NoError(t, h.writeFixed(p))

	require.NoError(t, h.writeSlot(p, topSlot{topRef: 8192, logicalSize: 16384, version: 2}))
	require.Equal(t, uint64(2), h.slot.generation)
	require.Equal(t, 0, h.nextSlot)

	require.NoError(t, h.writeSlot(p, topSlot{topRef: 12288, logicalSize: 32768, version: 3}))
	require.Equal(t, uint64(3), h.slot.generation)
	require.Equal(t, 1, h.nextSlot)

	got, err := readRawHeader("testdata/header.db")
	require.NoError(t, err)
	require.Equal(t, Ref(12288), got.slot.topRef)
	require.Equal(t, uint64(3), got.slot.version)
	require.Equal(t, 1, got.nextSlot)
}

func TestHeaderTornSlotFallsBack(t *testing.T) {
	initTest(t)
	p := testHeaderPager(t)
	h := fileHeader{
		pageSize: 4096,
		nodeCap:  32,
		slot:     topSlot{topRef: refNull, logicalSize: headerReserve, version: 1, generation: 1},
		nextSlot: 1,
	}
	require.NoError(t, h.writeFixed(p))
	// A commit lands in slot B, then its header write tears.
	require.NoError(t, h.writeSlot(p, topSlot{topRef: 8192, logicalSize: 16384, version: 2}))
	require.NoError(t, p.close())

	f, err := os.OpenFile("testdata/header.db", os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, slotBOff+3)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := readRawHeader("testdata/header.db")
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.slot.version, "must fall back to the intact slot")
	require.Equal(t, refNull, got.slot.topRef)
	require.Equal(t, 1, got.nextSlot)
}

func TestDecodeHeaderRejects(t *testing.T) {
	valid := func() []byte {
		h := fileHeader{
			pageSize: 4096,
			nodeCap:  32,
			slot:     topSlot{version: 1, generation: 1},
		}
		buf := make([]byte, fixedSize)
		h.encodeFixed(buf)
		var a [slotSize]byte
		h.slot.encode(a[:])
		copy(buf[slotAOff:], a[:])
		return buf
	}

	_, err := decodeHeader(make([]byte, 8))
	require.ErrorIs(t, err, ErrCorrupt)

	buf := valid()
	buf[0] = 'X'
	_, err = decodeHeader(buf)
	require.ErrorIs(t, err, ErrCorrupt)

	buf = valid()
	buf[5] = 99 // format version
	_, err = decodeHeader(buf)
	require.ErrorIs(t, err, ErrCorrupt)

	buf = valid()
	buf[8], buf[9], buf[10], buf[11] = 0, 0, 1, 0 // page size 256
	_, err = decodeHeader(buf)
	require.ErrorIs(t, err, ErrCorrupt)

	// Both slots torn.
	buf = valid()
	buf[slotAOff] ^= 0xFF
	_, err = decodeHeader(buf)
	require.ErrorIs(t, err, ErrCorrupt)
}
