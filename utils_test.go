package grove

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBytesIsZero(t *testing.T) {
	b := make([]byte, 96)
	require.True(t, bytesIsZero(b))
	b[63] = 1
	require.False(t, bytesIsZero(b))
	require.True(t, bytesIsZero(nil))
}

func TestWidthCodeFor(t *testing.T) {
	require.Equal(t, width0, widthCodeFor(0))
	require.Equal(t, width1, widthCodeFor(1))
	require.Equal(t, width2, widthCodeFor(2))
	require.Equal(t, width2, widthCodeFor(3))
	require.Equal(t, width4, widthCodeFor(4))
	require.Equal(t, width4, widthCodeFor(15))
	require.Equal(t, width8, widthCodeFor(16))
	require.Equal(t, width8, widthCodeFor(127))
	require.Equal(t, width8, widthCodeFor(-128))
	require.Equal(t, width16, widthCodeFor(128))
	require.Equal(t, width16, widthCodeFor(-129))
	require.Equal(t, width16, widthCodeFor(32767))
	require.Equal(t, width32, widthCodeFor(32768))
	require.Equal(t, width32, widthCodeFor(1<<31-1))
	require.Equal(t, width64, widthCodeFor(1<<31))
	require.Equal(t, width64, widthCodeFor(-1<<40))
}

func TestAlignUp(t *testing.T) {
	require.Equal(t, uint64(0), alignUp(0, 8))
	require.Equal(t, uint64(8), alignUp(1, 8))
	require.Equal(t, uint64(8), alignUp(8, 8))
	require.Equal(t, uint64(16), alignUp(9, 8))
}
