//go:build unix

package sys

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

func OpenFile(path string) (file *os.File, err error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
}

func MMap(file *os.File, length uint64) (dat []byte, err error) {
	dat, err = unix.Mmap(int(file.Fd()), 0, int(length), syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	return
}

func MUnmap(file *os.File, dat []byte) (err error) {
	return unix.Munmap(dat)
}

// MSync flushes a mapped region to stable storage before returning.
func MSync(dat []byte) (err error) {
	return unix.Msync(dat, unix.MS_SYNC)
}

func GetSysPageSize() int {
	return unix.Getpagesize()
}

// TryFlock acquires an exclusive advisory lock on file without blocking.
// ok is false when another process already holds the lock.
func TryFlock(file *os.File) (ok bool, err error) {
	err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func Funlock(file *os.File) (err error) {
	return unix.Flock(int(file.Fd()), unix.LOCK_UN)
}

// ProcessAlive reports whether pid refers to a live process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

func MemLock(dat []byte) (err error) {
	return nil
}

func MemUnlock(dat []byte) (err error) {
	return nil
}
