package grove

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAESCipherKeySizes(t *testing.T) {
	for _, n := range []int{16, 24, 32} {
		_, err := NewAESCipher(make([]byte, n))
		require.NoError(t, err)
	}
	for _, n := range []int{0, 8, 17, 33} {
		_, err := NewAESCipher(make([]byte, n))
		require.ErrorIs(t, err, errBadKeySize)
	}
}

func TestAESCipherRoundTrip(t *testing.T) {
	c, err := NewAESCipher(make([]byte, 32))
	require.NoError(t, err)

	plain := make([]byte, 4096)
	for i := range plain {
		plain[i] = byte(i * 31)
	}
	sealed := c.Seal(nil, 7, 3, plain)
	require.Len(t, sealed, len(plain)+c.Overhead())

	out, err := c.Open(nil, 7, 3, sealed)
	require.NoError(t, err)
	require.Equal(t, plain, out)
}

func TestAESCipherRejectsTampering(t *testing.T) {
	c, err := NewAESCipher(make([]byte, 16))
	require.NoError(t, err)
	plain := []byte("sixteen byte msg")
	sealed := c.Seal(nil, 1, 1, plain)

	flipped := append([]byte(nil), sealed...)
	flipped[4] ^= 0x40
	_, err = c.Open(nil, 1, 1, flipped)
	require.ErrorIs(t, err, ErrIntegrity)

	// Tag bytes too.
	flipped = append([]byte(nil), sealed...)
	flipped[len(flipped)-1] ^= 1
	_, err = c.Open(nil, 1, 1, flipped)
	require.ErrorIs(t, err, ErrIntegrity)

	// A different counter derives a different nonce.
	_, err = c.Open(nil, 1, 2, sealed)
	require.ErrorIs(t, err, ErrIntegrity)

	// So does a different page index.
	_, err = c.Open(nil, 2, 1, sealed)
	require.ErrorIs(t, err, ErrIntegrity)
}

func TestAESCipherNoncesDiffer(t *testing.T) {
	c, err := NewAESCipher(make([]byte, 16))
	require.NoError(t, err)
	plain := make([]byte, 64)
	a := c.Seal(nil, 1, 1, plain)
	b := c.Seal(nil, 1, 2, plain)
	require.NotEqual(t, a, b, "counter must change the ciphertext")
}
