package grove

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCryptPager(t *testing.T, path string) *cryptPager {
	c, err := NewAESCipher(make([]byte, 32))
	require.NoError(t, err)
	p, err := newCryptPager(path, c, 4096, 1<<20, &iStat{})
	require.NoError(t, err)
	return p
}

func TestCryptPagerInit(t *testing.T) {
	initTest(t)
	p := newTestCryptPager(t, "testdata/crypt.db")
	fresh, err := p.init()
	require.NoError(t, err)
	require.True(t, fresh)
	require.Equal(t, uint64(minFileSize), p.size())
	require.NoError(t, p.close())

	p = newTestCryptPager(t, "testdata/crypt.db")
	fresh, err = p.init()
	require.NoError(t, err)
	require.False(t, fresh)
	require.Equal(t, uint64(minFileSize), p.size())
	require.NoError(t, p.close())
}

func TestCryptPagerHeaderRegion(t *testing.T) {
	initTest(t)
	p := newTestCryptPager(t, "testdata/crypt.db")
	_, err := p.init()
	require.NoError(t, err)
	defer p.close()

	buf := []byte("plaintext header bytes")
	require.NoError(t, p.writeRange(16, buf))
	got, err := p.readRange(16, len(buf))
	require.NoError(t, err)
	require.Equal(t, buf, got)

	// The header region and the page region never share a range.
	err = p.writeRange(headerReserve-8, make([]byte, 16))
	require.ErrorIs(t, err, ErrOutOfRangeRef)
	_, err = p.readRange(headerReserve-8, 16)
	require.ErrorIs(t, err, ErrOutOfRangeRef)
}

func TestCryptPagerRoundTrip(t *testing.T) {
	initTest(t)
	p := newTestCryptPager(t, "testdata/crypt.db")
	_, err := p.init()
	require.NoError(t, err)

	// Spans three pages.
	data := make([]byte, 3*4096)
	for i := range data {
		data[i] = byte(i)
	}
	off := uint64(headerReserve + 1000)
	require.NoError(t, p.writeRange(off, data))
	got, err := p.readRange(off, len(data))
	require.NoError(t, err)
	require.Equal(t, data, got)

	// An untouched page reads as zeroes.
	got, err = p.readRange(headerReserve+10*4096, 4096)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 4096), got)

	require.NoError(t, p.sync())
	require.NoError(t, p.close())

	// Everything survives a reopen with the same key.
	p = newTestCryptPager(t, "testdata/crypt.db")
	_, err = p.init()
	require.NoError(t, err)
	defer p.close()
	got, err = p.readRange(off, len(data))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestCryptPagerDetectsTampering(t *testing.T) {
	initTest(t)
	p := newTestCryptPager(t, "testdata/crypt.db")
	_, err := p.init()
	require.NoError(t, err)

	data := make([]byte, 4096)
	for i := range data {
		data[i] = 0xAB
	}
	require.NoError(t, p.writeRange(headerReserve, data))
	require.NoError(t, p.close())

	// Flip one ciphertext byte of page 0 on disk.
	f, err := os.OpenFile("testdata/crypt.db", os.O_RDWR, 0)
	require.NoError(t, err)
	var b [1]byte
	_, err = f.ReadAt(b[:], headerReserve+100)
	require.NoError(t, err)
	b[0] ^= 0x01
	_, err = f.WriteAt(b[:], headerReserve+100)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	p = newTestCryptPager(t, "testdata/crypt.db")
	_, err = p.init()
	require.NoError(t, err)
	defer p.close()
	_, err = p.readRange(headerReserve, 4096)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestCryptPagerRejectsZeroCounterData(t *testing.T) {
	initTest(t)
	p := newTestCryptPager(t, "testdata/crypt.db")
	_, err := p.init()
	require.NoError(t, err)
	require.NoError(t, p.close())

	// A page that was never sealed must be all zero; planting bytes under a
	// zero counter is tampering.
	f, err := os.OpenFile("testdata/crypt.db", os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, headerReserve+5)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	p = newTestCryptPager(t, "testdata/crypt.db")
	_, err = p.init()
	require.NoError(t, err)
	defer p.close()
	_, err = p.readRange(headerReserve, 4096)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestCryptPagerGrow(t *testing.T) {
	initTest(t)
	p := newTestCryptPager(t, "testdata/crypt.db")
	_, err := p.init()
	require.NoError(t, err)
	defer p.close()

	data := []byte("keep me around")
	require.NoError(t, p.writeRange(headerReserve, data))

	old := p.size()
	require.NoError(t, p.grow(old+1))
	require.GreaterOrEqual(t, p.size(), old*2-headerReserve)

	got, err := p.readRange(headerReserve, len(data))
	require.NoError(t, err)
	require.Equal(t, data, got)

	// The new tail reads as zeroes.
	got, err = p.readRange(p.size()-4096, 4096)
	require.NoError(t, err)
	require.Equal(t, make([]byte, 4096), got)
}
