package grove

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPlainPagerRoundTrip(t *testing.T) {
	initTest(t)
	p := newPlainPager("testdata/plain.db")
	fresh, err := p.init()
	require.NoError(t, err)
	require.True(t, fresh)
	require.Equal(t, uint64(minFileSize), p.size())

	data := []byte("mapped bytes")
	require.NoError(t, p.writeRange(headerReserve, data))
	got, err := p.readRange(headerReserve, len(data))
	require.NoError(t, err)
	require.Equal(t, data, got)

	_, err = p.readRange(p.size()-4, 16)
	require.ErrorIs(t, err, ErrOutOfRangeRef)

	require.NoError(t, p.sync())
	require.NoError(t, p.close())

	p = newPlainPager("testdata/plain.db")
	fresh, err = p.init()
	require.NoError(t, err)
	require.False(t, fresh)
	got, err = p.readRange(headerReserve, len(data))
	require.NoError(t, err)
	require.Equal(t, data, got)
	require.NoError(t, p.close())
}

func TestPlainPagerGrow(t *testing.T) {
	initTest(t)
	p := newPlainPager("testdata/plain.db")
	_, err := p.init()
	require.NoError(t, err)
	defer p.close()

	data := []byte("survives the remap")
	require.NoError(t, p.writeRange(headerReserve, data))

	old := p.size()
	require.NoError(t, p.grow(old+1))
	require.Equal(t, old*2, p.size())

	got, err := p.readRange(headerReserve, len(data))
	require.NoError(t, err)
	require.Equal(t, data, got)
}
