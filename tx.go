package grove

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/grove-kv/grove/internal/sys"
)

// DB is one attachment to a database file. It is safe for concurrent use;
// many read transactions run in parallel with at most one write transaction,
// across goroutines and across processes.
type DB struct {
	path    string
	opt     Options
	log     *slog.Logger
	p       pager
	header  fileHeader
	ctrl    *control
	session uuid.UUID
	// writerSem serializes writers inside this process; the flock in the
	// control block covers other processes but is per file description.
	writerSem chan struct{}
	// mmapLock is held shared by read transactions for their lifetime and
	// exclusively around remapping, so a grow never moves bytes out from
	// under a reader's view. The write transaction keeps no durable views
	// across a grow and does not hold it.
	mmapLock sync.RWMutex
	stat     iStat
	// cachedVersion is the newest version this attachment has decrypted
	// pages for; seeing a different one drops the plaintext cache.
	cachedVersion atomic.Uint64
	closed        bool
}

// Attach opens or creates the database at path.
func Attach(path string, opt Options) (*DB, error) {
	opt = opt.withDefaults()
	if opt.PageSize < 512 || opt.PageSize > 1<<20 || opt.PageSize&(opt.PageSize-1) != 0 {
		return nil, fmt.Errorf("grove: page size %d not a power of two in [512, 1M]", opt.PageSize)
	}
	if opt.NodeCap < 4 || opt.NodeCap > maxNodeCount {
		return nil, fmt.Errorf("grove: node cap %d out of range", opt.NodeCap)
	}
	// The header region is plaintext even for encrypted files, so an
	// existing file's geometry is read before any pager exists; the
	// encrypted pager needs the on-file page size to address anything.
	var existing *fileHeader
	if fi, serr := os.Stat(path); serr == nil && fi.Size() > 0 {
		h, herr := readRawHeader(path)
		if herr != nil {
			return nil, herr
		}
		if h.encrypted != (len(opt.EncryptionKey) > 0) {
			if h.encrypted {
				return nil, fmt.Errorf("grove: file is encrypted, no key supplied")
			}
			return nil, fmt.Errorf("grove: key supplied but file is not encrypted")
		}
		opt.PageSize = int(h.pageSize)
		opt.NodeCap = int(h.nodeCap)
		existing = &h
	} else if opt.ReadOnly {
		if serr != nil {
			return nil, serr
		}
		return nil, fmt.Errorf("grove: read-only attach to empty file %s", path)
	}

	db := &DB{
		path:      path,
		opt:       opt,
		log:       opt.Logger,
		session:   uuid.New(),
		writerSem: make(chan struct{}, 1),
	}

	var (
		fresh bool
		err   error
	)
	if len(opt.EncryptionKey) > 0 {
		cipher, cerr := NewAESCipher(opt.EncryptionKey)
		if cerr != nil {
			return nil, cerr
		}
		cp, cerr := newCryptPager(path, cipher, opt.PageSize, opt.PageCacheSize, &db.stat)
		if cerr != nil {
			return nil, cerr
		}
		fresh, err = cp.init()
		db.p = cp
	} else {
		pp := newPlainPager(path)
		fresh, err = pp.init()
		db.p = pp
	}
	if err != nil {
		return nil, err
	}

	switch {
	case fresh:
		db.header = fileHeader{
			encrypted: len(opt.EncryptionKey) > 0,
			pageSize:  uint32(opt.PageSize),
			nodeCap:   uint32(opt.NodeCap),
			slot: topSlot{
				topRef:      refNull,
				logicalSize: headerReserve,
				version:     1,
				generation:  1,
			},
			nextSlot: 1,
		}
		if err = db.header.writeFixed(db.p); err != nil {
			db.p.close()
			return nil, err
		}
		if err = db.p.sync(); err != nil {
			db.p.close()
			return nil, err
		}
	case existing != nil:
		db.header = *existing
	default:
		db.p.close()
		return nil, fmt.Errorf("%w: file %s has no readable header", ErrCorrupt, path)
	}

	if err = db.attachControl(); err != nil {
		db.p.close()
		return nil, err
	}
	db.cachedVersion.Store(db.header.slot.version)
	db.log.Debug("attached", "path", path, "version", db.header.slot.version,
		"encrypted", db.header.encrypted, "session", db.session.String())
	return db, nil
}

// attachControl joins the shared control block under a short lock on the
// data file, which serializes racing attaches from other processes.
func (db *DB) attachControl() error {
	guard, err := sys.OpenFile(db.path)
	if err != nil {
		return err
	}
	defer guard.Close()
	deadline := time.Now().Add(5 * time.Second)
	for {
		ok, err := sys.TryFlock(guard)
		if err != nil {
			return err
		}
		if ok {
			break
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("grove: timed out waiting for attach lock")
		}
		time.Sleep(time.Millisecond)
	}
	defer sys.Funlock(guard)
	db.ctrl, err = openControl(controlPath(db.path), db.log)
	if err != nil {
		return err
	}
	if err = db.ctrl.attach(&db.header); err != nil {
		db.ctrl.detach()
		db.ctrl = nil
		return err
	}
	return nil
}

// Close releases this attachment. Open transactions must be closed first.
func (db *DB) Close() error {
	if db.closed {
		return errDBClosed
	}
	db.closed = true
	err := db.ctrl.detach()
	if cerr := db.p.close(); err == nil {
		err = cerr
	}
	return err
}

func (db *DB) Stat() ExportStat {
	return db.stat.export()
}

// growPager extends the file and mapping under the exclusive mmap lock,
// waiting out read transactions that still hold views into the old mapping.
func (db *DB) growPager(minSize uint64) error {
	if minSize <= db.p.size() {
		return nil
	}
	db.mmapLock.Lock()
	defer db.mmapLock.Unlock()
	return db.p.grow(minSize)
}

// refreshPageCache drops stale plaintext when another attachment committed.
// The invalidate happens before the version store so a racing transaction
// that observes the new version never reads a page cached under the old one.
func (db *DB) refreshPageCache(version uint64) {
	if db.cachedVersion.Load() != version {
		db.p.invalidate()
		db.cachedVersion.Store(version)
	}
}

// Tx is a transaction handle. A read transaction observes one immutable
// snapshot for its whole life; a write transaction additionally accumulates
// copy-on-write mutations that become visible all at once on Commit.
type Tx struct {
	db       *DB
	sl       *slab
	g        group
	version  uint64
	pinSlot  int
	writable bool
	done     bool
}

// BeginRead pins the currently published snapshot. It never blocks on the
// writer.
func (db *DB) BeginRead() (*Tx, error) {
	if db.closed {
		return nil, errDBClosed
	}
	version, topRef, logicalSize, slot, err := db.ctrl.pin()
	if err != nil {
		return nil, err
	}
	db.refreshPageCache(version)
	// Another attachment may have grown the file past this mapping.
	if err = db.growPager(logicalSize); err != nil {
		db.ctrl.unpin(slot)
		return nil, err
	}
	db.mmapLock.RLock()
	db.stat.readTxCount.Add(1)
	sl := newSlab(db.p, logicalSize)
	return &Tx{
		db:      db,
		sl:      sl,
		g:       group{s: sl, topRef: topRef},
		version: version,
		pinSlot: slot,
	}, nil
}

// BeginWrite starts the single write transaction, waiting up to the
// configured WriteLockTimeout for the writer lock.
func (db *DB) BeginWrite() (*Tx, error) {
	return db.BeginWriteTimeout(db.opt.WriteLockTimeout)
}

// BeginWriteTimeout is BeginWrite with an explicit timeout: zero fails
// immediately when contended, negative waits forever.
func (db *DB) BeginWriteTimeout(timeout time.Duration) (*Tx, error) {
	if db.closed {
		return nil, errDBClosed
	}
	if db.opt.ReadOnly {
		return nil, errDBReadOnly
	}
	// One deadline covers both the in-process semaphore and the flock wait.
	lockTimeout := timeout
	switch {
	case timeout < 0:
		db.writerSem <- struct{}{}
	case timeout == 0:
		select {
		case db.writerSem <- struct{}{}:
		default:
			return nil, ErrWriteLockTimeout
		}
	default:
		deadline := time.Now().Add(timeout)
		select {
		case db.writerSem <- struct{}{}:
		case <-time.After(timeout):
			return nil, ErrWriteLockTimeout
		}
		if lockTimeout = time.Until(deadline); lockTimeout < 0 {
			lockTimeout = 0
		}
	}
	if err := db.ctrl.lockWriter(lockTimeout, db.session); err != nil {
		<-db.writerSem
		return nil, err
	}
	version, topRef, logicalSize, slot, err := db.ctrl.pin()
	if err != nil {
		db.ctrl.unlockWriter()
		<-db.writerSem
		return nil, err
	}
	db.refreshPageCache(version)
	if err = db.growPager(logicalSize); err != nil {
		db.ctrl.unpin(slot)
		db.ctrl.unlockWriter()
		<-db.writerSem
		return nil, err
	}
	sl := newSlab(db.p, logicalSize)
	tx := &Tx{
		db:       db,
		sl:       sl,
		g:        group{s: sl, topRef: topRef},
		version:  version,
		pinSlot:  slot,
		writable: true,
	}
	tx.sl.fileFree, err = tx.g.loadFreeTable()
	if err != nil {
		tx.release()
		return nil, err
	}
	return tx, nil
}

// View runs fn inside a read transaction.
func (db *DB) View(fn func(tx *Tx) error) error {
	tx, err := db.BeginRead()
	if err != nil {
		return err
	}
	defer tx.Close()
	return fn(tx)
}

// Update runs fn inside a write transaction, committing on nil and rolling
// back on error.
func (db *DB) Update(fn func(tx *Tx) error) error {
	tx, err := db.BeginWrite()
	if err != nil {
		return err
	}
	if err = fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (tx *Tx) Version() uint64 {
	return tx.version
}

func (tx *Tx) Writable() bool {
	return tx.writable
}

func (tx *Tx) usable() error {
	if tx.done {
		return errTxClosed
	}
	return nil
}

// release unpins the snapshot and, for writers, hands the writer lock back.
func (tx *Tx) release() {
	tx.db.ctrl.unpin(tx.pinSlot)
	if tx.writable {
		tx.db.ctrl.unlockWriter()
		<-tx.db.writerSem
	} else {
		tx.db.mmapLock.RUnlock()
	}
	tx.done = true
}

// Rollback abandons a write transaction; nothing the transaction did is
// observable afterwards.
func (tx *Tx) Rollback() error {
	if err := tx.usable(); err != nil {
		return err
	}
	if !tx.writable {
		return errTxReadOnly
	}
	tx.db.stat.txRollbackCount.Add(1)
	tx.release()
	return nil
}

// Close ends the transaction: read transactions unpin their snapshot,
// uncommitted write transactions roll back.
func (tx *Tx) Close() error {
	if tx.done {
		return nil
	}
	if tx.writable {
		return tx.Rollback()
	}
	tx.release()
	return nil
}

// TranslateRef exposes a node's raw bytes to the layers above the kernel.
// The view is read-only and valid until the transaction closes.
func (tx *Tx) TranslateRef(ref Ref) ([]byte, error) {
	if err := tx.usable(); err != nil {
		return nil, err
	}
	n, err := tx.sl.readNode(ref)
	if err != nil {
		return nil, err
	}
	return n.buf[:n.hdr.capacity], nil
}

// Tables lists the table names in this snapshot.
func (tx *Tx) Tables() ([]string, error) {
	if err := tx.usable(); err != nil {
		return nil, err
	}
	return tx.g.tableNames()
}

// Table opens a named table. The handle is bound to this transaction.
func (tx *Tx) Table(name string) (*Tree, error) {
	if err := tx.usable(); err != nil {
		return nil, err
	}
	idx, root, found, err := tx.g.findTable(name)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: %q", errNoSuchTable, name)
	}
	return &Tree{tx: tx, dirIdx: idx, root: root}, nil
}

// CreateTable creates an empty table.
func (tx *Tx) CreateTable(name string) (*Tree, error) {
	if err := tx.usable(); err != nil {
		return nil, err
	}
	if !tx.writable {
		return nil, errTxReadOnly
	}
	if _, _, found, err := tx.g.findTable(name); err != nil {
		return nil, err
	} else if found {
		return nil, fmt.Errorf("%w: %q", errTableExists, name)
	}
	idx, err := tx.g.createTable(name)
	if err != nil {
		return nil, err
	}
	return &Tree{tx: tx, dirIdx: idx, root: refNull}, nil
}

// Commit durably persists the transaction's copy-on-write root and makes it
// the published snapshot in a single atomic step. On any error before the
// header slot is written the transaction is rolled back and the published
// state is untouched. One asymmetry remains: if the sync after the header
// slot write fails, Commit reports an error but the slot may already have
// reached the disk, and a later attach will then surface this version even
// though it was never published here.
func (tx *Tx) Commit() error {
	if err := tx.usable(); err != nil {
		return err
	}
	if !tx.writable {
		return errTxReadOnly
	}
	if !tx.sl.isSlabRef(tx.g.topRef) && len(tx.sl.freedTx) == 0 {
		// Nothing changed; committing is a no-op.
		tx.release()
		return nil
	}
	start := time.Now()
	err := tx.doCommit()
	if err != nil {
		tx.db.stat.txRollbackCount.Add(1)
		tx.release()
		return err
	}
	tx.db.stat.txCommitCount.Add(1)
	tx.db.stat.txCommitSumTs.Add(uint64(time.Since(start).Microseconds()))
	tx.release()
	return nil
}

func (tx *Tx) doCommit() error {
	db := tx.db
	newVersion := tx.version + 1

	oldest := db.ctrl.retireAndOldest()
	// The publish step must not be able to fail after bytes hit the disk.
	if !db.ctrl.ringHasRoom() {
		return fmt.Errorf("%w: too many retained versions", errVersionTable)
	}
	pool, keep := tx.sl.partitionFree(oldest)

	var unreclaimable uint64
	for _, e := range keep {
		unreclaimable += e.size
	}
	for _, e := range tx.sl.freedTx {
		unreclaimable += e.size
	}
	if db.opt.MaxUnreclaimed >= 0 && unreclaimable > uint64(db.opt.MaxUnreclaimed) {
		return fmt.Errorf("%w: %d bytes unreclaimable while old versions are pinned (oldest %d)",
			ErrOutOfSpace, unreclaimable, oldest)
	}

	// Reserve the free-space arrays before flushing: entry count can only
	// shrink once placement consumes the pool, and reserving frees the
	// superseded arrays, adding at most three more entries.
	maxEntries := len(keep) + len(pool) + len(tx.sl.freedTx) + 3
	pos, lens, vers, err := tx.g.reserveFreeArrays(uint32(maxEntries))
	if err != nil {
		return err
	}

	f := &flusher{
		sl:     tx.sl,
		p:      db.p,
		grow:   db.growPager,
		pool:   pool,
		cursor: tx.sl.base,
		placed: make(map[Ref]Ref),
	}

	// User data first: it may land in reclaimed space.
	top, err := tx.sl.readNode(tx.g.topRef)
	if err != nil {
		return err
	}
	slots := arraySlice(top)
	for _, i := range []uint32{topSlotNames, topSlotRoots} {
		if _, err = f.flush(Ref(slots[i]), true); err != nil {
			return err
		}
	}

	// Placement has settled: the final free table is what stayed
	// ineligible, what the flush did not consume, and what this
	// transaction freed.
	entries := keep
	entries = append(entries, f.pool...)
	for _, e := range tx.sl.freedTx {
		entries = append(entries, freeEntry{ref: e.ref, size: e.size, version: newVersion})
	}
	sortFreeEntries(entries)
	if err = fillFreeArrays(pos, lens, vers, entries); err != nil {
		return err
	}

	// The free arrays and the top array go to the append region only;
	// reusing pool space for them would contradict the table itself.
	for _, n := range []node{pos, lens, vers} {
		if _, err = f.flush(n.ref, false); err != nil {
			return err
		}
	}
	topFinal, err := f.flush(tx.g.topRef, false)
	if err != nil {
		return err
	}
	newLogicalSize := f.cursor

	if err = db.p.sync(); err != nil {
		return err
	}
	if err = db.header.writeSlot(db.p, topSlot{
		topRef:      topFinal,
		logicalSize: newLogicalSize,
		version:     newVersion,
	}); err != nil {
		return err
	}
	if err = db.p.sync(); err != nil {
		return err
	}

	// Linearization point: readers attaching after this see the new
	// snapshot, readers attached before it keep theirs.
	if err = db.ctrl.publish(newVersion, topFinal, newLogicalSize); err != nil {
		return err
	}
	db.cachedVersion.Store(newVersion)

	db.stat.appendedBytes.Add(newLogicalSize - tx.sl.base)
	db.stat.reclaimedBytes.Add(f.reused)
	db.log.Debug("committed", "version", newVersion, "top", uint64(topFinal),
		"appended", newLogicalSize-tx.sl.base, "reused", f.reused,
		"free_entries", len(entries))
	return nil
}

// flusher writes the transaction's slab-resident nodes into the file,
// children before parents so every ref element can be rewritten to its
// final durable location.
type flusher struct {
	sl     *slab
	p      pager
	grow   func(uint64) error
	pool   []freeEntry
	cursor uint64
	placed map[Ref]Ref
	reused uint64
}

func (f *flusher) flush(ref Ref, allowPool bool) (Ref, error) {
	if ref == refNull || !f.sl.isSlabRef(ref) {
		return ref, nil
	}
	if final, ok := f.placed[ref]; ok {
		return final, nil
	}
	n, err := f.sl.readNode(ref)
	if err != nil {
		return refNull, err
	}
	if n.hdr.hasRefs {
		for _, v := range arraySlice(n) {
			if isRefElem(v) {
				if _, err = f.flush(Ref(v), allowPool); err != nil {
					return refNull, err
				}
			}
		}
	}
	buf, err := rewriteRefs(n.buf[:n.hdr.capacity], func(r Ref) (Ref, bool) {
		final, ok := f.placed[r]
		return final, ok
	})
	if err != nil {
		return refNull, err
	}
	size := uint64(len(buf))
	var final Ref
	if allowPool {
		if r, rest, ok := placePool(f.pool, size); ok {
			f.pool = rest
			f.reused += size
			final = r
		}
	}
	if final == refNull {
		final = Ref(f.cursor)
		f.cursor += size
	}
	if uint64(final)+size > f.p.size() {
		if err = f.grow(uint64(final) + size); err != nil {
			return refNull, err
		}
	}
	if err = f.p.writeRange(uint64(final), buf); err != nil {
		return refNull, err
	}
	f.placed[ref] = final
	return final, nil
}
