package grove

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
)

const (
	cipherNonceSize = 12
	cipherTagSize   = 16
)

// Cipher seals and opens one page at a time. Seal must never reuse a
// (pageIndex, counter) pair; the pager guarantees that by bumping the page's
// write counter on every rewrite.
type Cipher interface {
	// Overhead is the number of bytes Seal appends past the plaintext.
	Overhead() int
	// Seal appends ciphertext plus tag to dst and returns it.
	Seal(dst []byte, pageIndex uint32, counter uint64, plaintext []byte) []byte
	// Open decrypts into dst and returns it, or ErrIntegrity when the tag
	// does not verify.
	Open(dst []byte, pageIndex uint32, counter uint64, ciphertext []byte) ([]byte, error)
}

type aesCipher struct {
	aead cipher.AEAD
}

func NewAESCipher(key []byte) (Cipher, error) {
	switch len(key) {
	case 16, 24, 32:
	default:
		return nil, errBadKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &aesCipher{aead: aead}, nil
}

func pageNonce(pageIndex uint32, counter uint64) (nonce [cipherNonceSize]byte) {
	binary.BigEndian.PutUint32(nonce[0:4], pageIndex)
	binary.BigEndian.PutUint64(nonce[4:12], counter)
	return
}

func (a *aesCipher) Overhead() int {
	return a.aead.Overhead()
}

func (a *aesCipher) Seal(dst []byte, pageIndex uint32, counter uint64, plaintext []byte) []byte {
	nonce := pageNonce(pageIndex, counter)
	return a.aead.Seal(dst, nonce[:], plaintext, nil)
}

func (a *aesCipher) Open(dst []byte, pageIndex uint32, counter uint64, ciphertext []byte) ([]byte, error) {
	nonce := pageNonce(pageIndex, counter)
	out, err := a.aead.Open(dst, nonce[:], ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: page %d", ErrIntegrity, pageIndex)
	}
	return out, nil
}
