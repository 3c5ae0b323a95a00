//go:build windows

package sys

import (
	"os"
	"unsafe"

	"golang.org/x/sys/windows"
)

func OpenFile(path string) (file *os.File, err error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
}

func MMap(file *os.File, length uint64) (dat []byte, err error) {
	hFile := windows.Handle(file.Fd())
	hMap, err := windows.CreateFileMapping(
		hFile,
		nil,
		windows.PAGE_READWRITE,
		uint32(length>>32),
		uint32(length),
		nil,
	)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(hMap)
	addr, err := windows.MapViewOfFile(hMap, windows.FILE_MAP_READ|windows.FILE_MAP_WRITE, 0, 0, uintptr(length))
	if err != nil {
		return nil, err
	}
	dat = unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
	return dat, nil
}

func MUnmap(file *os.File, dat []byte) (err error) {
	if len(dat) == 0 {
		return nil
	}
	return windows.UnmapViewOfFile(uintptr(unsafe.Pointer(&dat[0])))
}

func Remap(file *os.File, newLength uint64, olddat []byte) (dat []byte, err error) {
	err = MUnmap(file, olddat)
	if err != nil {
		return
	}
	return MMap(file, newLength)
}

// MSync flushes a mapped region to stable storage before returning.
func MSync(dat []byte) (err error) {
	if len(dat) == 0 {
		return nil
	}
	return windows.FlushViewOfFile(uintptr(unsafe.Pointer(&dat[0])), uintptr(len(dat)))
}

func GetSysPageSize() int {
	return os.Getpagesize()
}

// TryFlock acquires an exclusive advisory lock on file without blocking.
// ok is false when another process already holds the lock.
func TryFlock(file *os.File) (ok bool, err error) {
	ol := new(windows.Overlapped)
	err = windows.LockFileEx(
		windows.Handle(file.Fd()),
		windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY,
		0, 1, 0, ol,
	)
	if err == windows.ERROR_LOCK_VIOLATION {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func Funlock(file *os.File) (err error) {
	ol := new(windows.Overlapped)
	return windows.UnlockFileEx(windows.Handle(file.Fd()), 0, 1, 0, ol)
}

// ProcessAlive reports whether pid refers to a live process.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	windows.CloseHandle(h)
	return true
}

func MemLock(dat []byte) (err error) {
	return nil
}

func MemUnlock(dat []byte) (err error) {
	return nil
}
