package grove

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"log/slog"

	"github.com/google/uuid"
	"github.com/grove-kv/grove/internal/sys"
)

// The control block lives in a 4 KiB sidecar file mapped MAP_SHARED by every
// attachment, so version publication and reader pinning work across both
// threads and processes. It is not database content: it is re-derivable from
// the file header and is rebuilt whenever no live attacher remains.
//
// Layout (all fields 8-byte aligned, mutated atomically):
//
//	0    magic u32, layout version u32
//	8    current version u64 — the linearization word readers load
//	16   writer pid u64
//	24   writer building flag u64
//	32   writer session uuid [16]byte
//	48   attacher pid table, 16 × u64
//	176  version ring, 64 × {version u64, topRef u64, logicalSize u64, readers u64}
const (
	controlSize    = 4096
	ctrlMagic      = 0x4752564C // "GRVL"
	ctrlLayout     = 1
	ctrlOffMagic   = 0
	ctrlOffCurrent = 8
	ctrlOffPid     = 16
	ctrlOffBuild   = 24
	ctrlOffSession = 32
	ctrlOffAttach  = 48
	attachSlots    = 16
	ctrlOffRing    = 176
	ringSlots      = 64
	ringSlotSize   = 32
)

type control struct {
	file *os.File
	dat  []byte
	log  *slog.Logger
}

func (c *control) u64(off int) *atomic.Uint64 {
	return (*atomic.Uint64)(unsafe.Pointer(&c.dat[off]))
}

func (c *control) ringField(slot, field int) *atomic.Uint64 {
	return c.u64(ctrlOffRing + slot*ringSlotSize + field*8)
}

func openControl(path string, log *slog.Logger) (*control, error) {
	file, err := sys.OpenFile(path)
	if err != nil {
		return nil, err
	}
	if err = file.Truncate(controlSize); err != nil {
		file.Close()
		return nil, err
	}
	dat, err := sys.MMap(file, controlSize)
	if err != nil {
		file.Close()
		return nil, err
	}
	return &control{file: file, dat: dat, log: log}, nil
}

// attach joins or initializes the control block. The caller serializes
// concurrent attaches with the data-file lock. A block left behind by
// crashed attachers is rebuilt from the header, which also clears any
// reader pins those processes leaked.
func (c *control) attach(h *fileHeader) error {
	live := false
	if c.u64(ctrlOffMagic).Load() == uint64(ctrlLayout)<<32|ctrlMagic {
		for i := 0; i < attachSlots; i++ {
			pid := c.u64(ctrlOffAttach + i*8).Load()
			if pid == 0 {
				continue
			}
			if sys.ProcessAlive(int(pid)) {
				live = true
			} else {
				c.log.Warn("clearing dead attacher", "pid", pid)
				c.u64(ctrlOffAttach + i*8).Store(0)
			}
		}
	}
	if !live {
		clear(c.dat[ctrlOffCurrent:])
		slot := 0
		c.ringField(slot, 0).Store(h.slot.version)
		c.ringField(slot, 1).Store(uint64(h.slot.topRef))
		c.ringField(slot, 2).Store(h.slot.logicalSize)
		c.ringField(slot, 3).Store(0)
		c.u64(ctrlOffCurrent).Store(h.slot.version)
		c.u64(ctrlOffMagic).Store(uint64(ctrlLayout)<<32 | ctrlMagic)
	}
	pid := uint64(os.Getpid())
	for i := 0; i < attachSlots; i++ {
		if c.u64(ctrlOffAttach+i*8).CompareAndSwap(0, pid) {
			return nil
		}
	}
	return fmt.Errorf("grove: attacher table full (%d attachments)", attachSlots)
}

// detach removes one attachment; the last one tears the block down so the
// next attach rebuilds from the header.
func (c *control) detach() error {
	pid := uint64(os.Getpid())
	for i := 0; i < attachSlots; i++ {
		if c.u64(ctrlOffAttach+i*8).CompareAndSwap(pid, 0) {
			break
		}
	}
	empty := true
	for i := 0; i < attachSlots; i++ {
		if c.u64(ctrlOffAttach+i*8).Load() != 0 {
			empty = false
			break
		}
	}
	if empty {
		c.u64(ctrlOffMagic).Store(0)
	}
	err := sys.MUnmap(c.file, c.dat)
	c.dat = nil
	if cerr := c.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// pin atomically snapshots the current version and takes a reader reference
// on its ring slot. The double-check against the slot version closes the
// race with a writer retiring the slot between the load and the increment.
func (c *control) pin() (version uint64, topRef Ref, logicalSize uint64, slot int, err error) {
	for attempt := 0; attempt < 1024; attempt++ {
		version = c.u64(ctrlOffCurrent).Load()
		if version == 0 {
			return 0, 0, 0, 0, fmt.Errorf("%w: control block has no published version", ErrCorrupt)
		}
		slot = -1
		for i := 0; i < ringSlots; i++ {
			if c.ringField(i, 0).Load() == version {
				slot = i
				break
			}
		}
		if slot < 0 {
			continue
		}
		c.ringField(slot, 3).Add(1)
		if c.ringField(slot, 0).Load() == version {
			topRef = Ref(c.ringField(slot, 1).Load())
			logicalSize = c.ringField(slot, 2).Load()
			return version, topRef, logicalSize, slot, nil
		}
		c.ringField(slot, 3).Add(^uint64(0))
	}
	return 0, 0, 0, 0, fmt.Errorf("%w: could not pin a version", ErrCorrupt)
}

func (c *control) unpin(slot int) {
	c.ringField(slot, 3).Add(^uint64(0))
}

// publish makes a committed version visible: the ring slot is fully written
// before the current-version word, which is the linearization point.
func (c *control) publish(version uint64, topRef Ref, logicalSize uint64) error {
	for i := 0; i < ringSlots; i++ {
		if c.ringField(i, 0).Load() == 0 && c.ringField(i, 3).Load() == 0 {
			c.ringField(i, 1).Store(uint64(topRef))
			c.ringField(i, 2).Store(logicalSize)
			c.ringField(i, 3).Store(0)
			c.ringField(i, 0).Store(version)
			c.u64(ctrlOffCurrent).Store(version)
			return nil
		}
	}
	return errVersionTable
}

// ringHasRoom reports whether publish would find a free ring slot. Checked
// before a commit writes anything so publish itself cannot fail.
func (c *control) ringHasRoom() bool {
	for i := 0; i < ringSlots; i++ {
		if c.ringField(i, 0).Load() == 0 && c.ringField(i, 3).Load() == 0 {
			return true
		}
	}
	return false
}

// retireAndOldest drops ring slots no transaction can need anymore — not
// pinned, not current, not the immediately prior version — and returns the
// oldest version still observable. Regions freed at or before that version
// are unreachable from every live snapshot. Writer lock held.
func (c *control) retireAndOldest() uint64 {
	cur := c.u64(ctrlOffCurrent).Load()
	oldest := cur
	for i := 0; i < ringSlots; i++ {
		v := c.ringField(i, 0).Load()
		if v == 0 {
			continue
		}
		if c.ringField(i, 3).Load() == 0 && v+1 < cur {
			c.ringField(i, 0).Store(0)
			continue
		}
		if v < oldest {
			oldest = v
		}
	}
	return oldest
}

func (c *control) currentVersion() uint64 {
	return c.u64(ctrlOffCurrent).Load()
}

// lockWriter takes the cross-process writer lock with bounded backoff.
// timeout 0 tries once; negative waits forever. A lock inherited from a
// crashed writer mid-commit shows up as a set building flag; the published
// state is intact (publish is atomic), the leftover is discarded.
func (c *control) lockWriter(timeout time.Duration, session uuid.UUID) error {
	deadline := time.Now().Add(timeout)
	backoff := time.Millisecond
	for {
		ok, err := sys.TryFlock(c.file)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if timeout >= 0 && !time.Now().Before(deadline) {
			return ErrWriteLockTimeout
		}
		time.Sleep(backoff)
		if backoff < 16*time.Millisecond {
			backoff *= 2
		}
	}
	if c.u64(ctrlOffBuild).Load() != 0 {
		c.log.Warn("taking over stale writer lock",
			"pid", c.u64(ctrlOffPid).Load(),
			"session", uuid.UUID(c.dat[ctrlOffSession:ctrlOffSession+16]).String(),
			"alive", sys.ProcessAlive(int(c.u64(ctrlOffPid).Load())))
	}
	c.u64(ctrlOffPid).Store(uint64(os.Getpid()))
	copy(c.dat[ctrlOffSession:ctrlOffSession+16], session[:])
	c.u64(ctrlOffBuild).Store(1)
	return nil
}

func (c *control) unlockWriter() error {
	c.u64(ctrlOffBuild).Store(0)
	c.u64(ctrlOffPid).Store(0)
	return sys.Funlock(c.file)
}

// controlPath derives the sidecar path for a database file.
func controlPath(path string) string {
	return path + ".lock"
}
