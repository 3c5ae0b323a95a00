package grove

import (
	"fmt"
	"os"

	"github.com/grove-kv/grove/internal/sys"
)

// pager mediates every byte of file I/O below the allocator. Logical offsets
// are what refs address; the encrypted pager maps them onto larger physical
// pages, the plain pager is an identity layer over mmap. readRange returns a
// view that must be treated as read-only; published bytes are never mutated
// in place.
type pager interface {
	readRange(off uint64, n int) ([]byte, error)
	writeRange(off uint64, b []byte) error
	// grow extends the logical capacity to at least minSize.
	grow(minSize uint64) error
	size() uint64
	sync() error
	// invalidate drops any plaintext cached from an older snapshot; called
	// when an attachment observes a version committed by another process.
	invalidate()
	close() error
}

type plainPager struct {
	file *os.File
	path string
	dat  []byte
}

func newPlainPager(path string) *plainPager {
	return &plainPager{path: path}
}

// init maps the file, extending a fresh file to the minimum size first.
// fresh reports whether the file had to be created.
func (m *plainPager) init() (fresh bool, err error) {
	m.file, err = sys.OpenFile(m.path)
	if err != nil {
		return
	}
	stat, err := m.file.Stat()
	if err != nil {
		return
	}
	fileSize := uint64(stat.Size())
	if fileSize == 0 {
		fresh = true
		fileSize = minFileSize
		err = m.file.Truncate(int64(fileSize))
		if err != nil {
			return
		}
	}
	m.dat, err = sys.MMap(m.file, fileSize)
	return
}

func (m *plainPager) size() uint64 {
	return uint64(len(m.dat))
}

func (m *plainPager) readRange(off uint64, n int) ([]byte, error) {
	if off+uint64(n) > uint64(len(m.dat)) {
		return nil, fmt.Errorf("%w: range [%d,%d) beyond mapped size %d",
			ErrOutOfRangeRef, off, off+uint64(n), len(m.dat))
	}
	return m.dat[off : off+uint64(n) : off+uint64(n)], nil
}

func (m *plainPager) writeRange(off uint64, b []byte) error {
	if off+uint64(len(b)) > uint64(len(m.dat)) {
		return fmt.Errorf("%w: write [%d,%d) beyond mapped size %d",
			ErrOutOfRangeRef, off, off+uint64(len(b)), len(m.dat))
	}
	copy(m.dat[off:], b)
	return nil
}

// grow doubles the file until 1GiB, then extends in 1GiB steps. Another
// attachment may have grown the file past this mapping already; the file is
// only ever extended, never cut back.
func (m *plainPager) grow(minSize uint64) error {
	cur := uint64(len(m.dat))
	if minSize <= cur {
		return nil
	}
	newSize := cur
	for newSize < minSize {
		if newSize >= 1<<30 {
			newSize += 1 << 30
		} else {
			newSize *= 2
		}
	}
	stat, err := m.file.Stat()
	if err != nil {
		return err
	}
	if fileSize := uint64(stat.Size()); fileSize >= newSize {
		newSize = fileSize
	} else if err = m.file.Truncate(int64(newSize)); err != nil {
		return err
	}
	dat, err := sys.Remap(m.file, newSize, m.dat)
	if err != nil {
		return err
	}
	m.dat = dat
	return nil
}

func (m *plainPager) invalidate() {}

func (m *plainPager) sync() error {
	return sys.MSync(m.dat)
}

func (m *plainPager) close() (err error) {
	if m.dat != nil {
		err = sys.MUnmap(m.file, m.dat)
		m.dat = nil
	}
	if m.file != nil {
		if cerr := m.file.Close(); err == nil {
			err = cerr
		}
		m.file = nil
	}
	return
}
