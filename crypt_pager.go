package grove

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/grove-kv/grove/internal/sys"
)

const counterSize = 8

// cryptPager stores every logical page as ciphertext plus a GCM tag plus a
// 64-bit write counter:
//
//	physical block = Seal(plaintext) (pageSize+16 bytes) ‖ counter (8 bytes)
//
// The counter feeds the nonce and increments on every rewrite, so no nonce
// is ever reused for a page. The plaintext header region is stored as-is
// before the first page. Decrypted pages are cached by page index; a page's
// cache entry is replaced whenever the physical page is rewritten.
type cryptPager struct {
	file     *os.File
	path     string
	cipher   Cipher
	cache    *ristretto.Cache[uint64, []byte]
	pageSize int
	// blockSize is pageSize plus cipher overhead plus the counter.
	blockSize int
	// logical capacity in bytes, headerReserve plus whole pages.
	logical uint64
	// blockMu orders block reads against the committing writer's
	// read-modify-write of the same physical block. A page being rewritten
	// can share its block with bytes an older snapshot still reads; without
	// the lock that reader could see a torn block as a false ErrIntegrity.
	blockMu sync.RWMutex
	stat    *iStat
}

func newCryptPager(path string, c Cipher, pageSize int, cacheSize int64, stat *iStat) (*cryptPager, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters: cacheSize / int64(pageSize) * 10,
		MaxCost:     cacheSize,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &cryptPager{
		path:      path,
		cipher:    c,
		cache:     cache,
		pageSize:  pageSize,
		blockSize: pageSize + c.Overhead() + counterSize,
		stat:      stat,
	}, nil
}

func (c *cryptPager) physOff(page uint64) uint64 {
	return headerReserve + page*uint64(c.blockSize)
}

func (c *cryptPager) pageCount() uint64 {
	return (c.logical - headerReserve) / uint64(c.pageSize)
}

func (c *cryptPager) init() (fresh bool, err error) {
	c.file, err = sys.OpenFile(c.path)
	if err != nil {
		return
	}
	stat, err := c.file.Stat()
	if err != nil {
		return
	}
	physSize := uint64(stat.Size())
	if physSize == 0 {
		fresh = true
		pages := (minFileSize - headerReserve + uint64(c.pageSize) - 1) / uint64(c.pageSize)
		physSize = c.physOff(pages)
		err = c.file.Truncate(int64(physSize))
		if err != nil {
			return
		}
	}
	if physSize < headerReserve {
		return false, fmt.Errorf("%w: encrypted file smaller than header", ErrCorrupt)
	}
	pages := (physSize - headerReserve) / uint64(c.blockSize)
	c.logical = headerReserve + pages*uint64(c.pageSize)
	return
}

func (c *cryptPager) size() uint64 {
	return c.logical
}

// loadPage returns the plaintext of one page. The returned slice is shared
// with the cache and must not be written.
func (c *cryptPager) loadPage(page uint64) ([]byte, error) {
	if plain, ok := c.cache.Get(page); ok {
		c.stat.pageCacheHit.Add(1)
		return plain, nil
	}
	c.stat.pageCacheMis.Add(1)
	block := make([]byte, c.blockSize)
	c.blockMu.RLock()
	_, err := c.file.ReadAt(block, int64(c.physOff(page)))
	c.blockMu.RUnlock()
	if err != nil {
		return nil, err
	}
	sealed := block[:c.blockSize-counterSize]
	counter := binary.BigEndian.Uint64(block[c.blockSize-counterSize:])
	if counter == 0 {
		// Never sealed. An untouched page reads as zeroes; anything else
		// under a zero counter is tampering.
		if !bytesIsZero(sealed[:c.pageSize]) || !bytes.Equal(sealed[c.pageSize:], make([]byte, c.cipher.Overhead())) {
			return nil, fmt.Errorf("%w: page %d has data but no write counter", ErrIntegrity, page)
		}
		plain := make([]byte, c.pageSize)
		c.cache.Set(page, plain, int64(c.pageSize))
		return plain, nil
	}
	plain, err := c.cipher.Open(make([]byte, 0, c.pageSize), uint32(page), counter, sealed)
	if err != nil {
		return nil, err
	}
	c.cache.Set(page, plain, int64(c.pageSize))
	return plain, nil
}

// storePage seals plain (exactly one page) and rewrites the physical block
// with a bumped counter. plain becomes cache-owned.
func (c *cryptPager) storePage(page uint64, plain []byte) error {
	c.blockMu.Lock()
	defer c.blockMu.Unlock()
	var counterBuf [counterSize]byte
	if _, err := c.file.ReadAt(counterBuf[:], int64(c.physOff(page))+int64(c.blockSize-counterSize)); err != nil {
		return err
	}
	counter := binary.BigEndian.Uint64(counterBuf[:]) + 1
	block := make([]byte, 0, c.blockSize)
	block = c.cipher.Seal(block, uint32(page), counter, plain)
	block = binary.BigEndian.AppendUint64(block, counter)
	if _, err := c.file.WriteAt(block, int64(c.physOff(page))); err != nil {
		return err
	}
	c.cache.Del(page)
	c.cache.Set(page, plain, int64(c.pageSize))
	return nil
}

func (c *cryptPager) readRange(off uint64, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if off+uint64(n) > c.logical {
		return nil, fmt.Errorf("%w: range [%d,%d) beyond logical size %d",
			ErrOutOfRangeRef, off, off+uint64(n), c.logical)
	}
	if off < headerReserve {
		if off+uint64(n) > headerReserve {
			return nil, fmt.Errorf("%w: range [%d,%d) straddles the header region",
				ErrOutOfRangeRef, off, off+uint64(n))
		}
		buf := make([]byte, n)
		_, err := c.file.ReadAt(buf, int64(off))
		return buf, err
	}
	ps := uint64(c.pageSize)
	page := (off - headerReserve) / ps
	inPage := (off - headerReserve) % ps
	if inPage+uint64(n) <= ps {
		plain, err := c.loadPage(page)
		if err != nil {
			return nil, err
		}
		return plain[inPage : inPage+uint64(n) : inPage+uint64(n)], nil
	}
	out := make([]byte, 0, n)
	remain := uint64(n)
	for remain > 0 {
		plain, err := c.loadPage(page)
		if err != nil {
			return nil, err
		}
		take := ps - inPage
		if take > remain {
			take = remain
		}
		out = append(out, plain[inPage:inPage+take]...)
		remain -= take
		inPage = 0
		page++
	}
	return out, nil
}

func (c *cryptPager) writeRange(off uint64, b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if off+uint64(len(b)) > c.logical {
		return fmt.Errorf("%w: write [%d,%d) beyond logical size %d",
			ErrOutOfRangeRef, off, off+uint64(len(b)), c.logical)
	}
	if off < headerReserve {
		if off+uint64(len(b)) > headerReserve {
			return fmt.Errorf("%w: write [%d,%d) straddles the header region",
				ErrOutOfRangeRef, off, off+uint64(len(b)))
		}
		_, err := c.file.WriteAt(b, int64(off))
		return err
	}
	ps := uint64(c.pageSize)
	page := (off - headerReserve) / ps
	inPage := (off - headerReserve) % ps
	for len(b) > 0 {
		take := ps - inPage
		if take > uint64(len(b)) {
			take = uint64(len(b))
		}
		var plain []byte
		if inPage == 0 && take == ps {
			plain = make([]byte, ps)
			copy(plain, b[:take])
		} else {
			old, err := c.loadPage(page)
			if err != nil {
				return err
			}
			plain = make([]byte, ps)
			copy(plain, old)
			copy(plain[inPage:], b[:take])
		}
		if err := c.storePage(page, plain); err != nil {
			return err
		}
		b = b[take:]
		inPage = 0
		page++
	}
	return nil
}

// grow extends the logical capacity with the same doubling policy as the
// plain pager; new physical blocks start zeroed with a zero counter.
func (c *cryptPager) grow(minSize uint64) error {
	if minSize <= c.logical {
		return nil
	}
	newSize := c.logical
	for newSize < minSize {
		if newSize >= 1<<30 {
			newSize += 1 << 30
		} else {
			newSize *= 2
		}
	}
	pages := (newSize - headerReserve + uint64(c.pageSize) - 1) / uint64(c.pageSize)
	stat, err := c.file.Stat()
	if err != nil {
		return err
	}
	// Never cut the file back; another attachment may have grown it.
	if have := (uint64(stat.Size()) - headerReserve) / uint64(c.blockSize); have > pages {
		pages = have
	} else if err = c.file.Truncate(int64(c.physOff(pages))); err != nil {
		return err
	}
	c.logical = headerReserve + pages*uint64(c.pageSize)
	return nil
}

func (c *cryptPager) invalidate() {
	c.cache.Clear()
}

func (c *cryptPager) sync() error {
	return c.file.Sync()
}

func (c *cryptPager) close() error {
	c.cache.Close()
	if c.file != nil {
		err := c.file.Close()
		c.file = nil
		return err
	}
	return nil
}
