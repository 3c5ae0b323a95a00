package grove

// Tree is a positional array of int64 values backed by one table. All
// operations address values by position, not by key; Insert and Erase shift
// the positions of everything after them. A Tree handle is bound to the
// transaction that opened it, and every mutation it makes stays private to
// that transaction until Commit.
type Tree struct {
	tx     *Tx
	dirIdx int
	root   Ref
}

func (t *Tree) check(write bool) error {
	if err := t.tx.usable(); err != nil {
		return err
	}
	if write && !t.tx.writable {
		return errTxReadOnly
	}
	return nil
}

func (t *Tree) cap() uint32 {
	return uint32(t.tx.db.opt.NodeCap)
}

// setRoot records the new root in the transaction's table directory so the
// commit flush reaches it from the top array.
func (t *Tree) setRoot(root Ref) error {
	if err := t.tx.g.setTableRoot(t.dirIdx, root); err != nil {
		return err
	}
	t.root = root
	return nil
}

// Size reports the number of values without touching any leaf.
func (t *Tree) Size() (uint64, error) {
	if err := t.check(false); err != nil {
		return 0, err
	}
	return treeSize(t.tx.sl, t.root)
}

// Get reads the value at position idx.
func (t *Tree) Get(idx uint64) (int64, error) {
	if err := t.check(false); err != nil {
		return 0, err
	}
	return treeGet(t.tx.sl, t.root, idx)
}

// Set overwrites the value at position idx.
func (t *Tree) Set(idx uint64, v int64) error {
	if err := t.check(true); err != nil {
		return err
	}
	root, err := treeSet(t.tx.sl, t.root, idx, v)
	if err != nil {
		return err
	}
	return t.setRoot(root)
}

// Insert places v at position idx, shifting later values up by one.
// idx may equal the current size.
func (t *Tree) Insert(idx uint64, v int64) error {
	if err := t.check(true); err != nil {
		return err
	}
	root, err := treeInsert(t.tx.sl, t.root, idx, v, t.cap())
	if err != nil {
		return err
	}
	return t.setRoot(root)
}

// Append inserts v after the last value.
func (t *Tree) Append(v int64) error {
	if err := t.check(true); err != nil {
		return err
	}
	size, err := treeSize(t.tx.sl, t.root)
	if err != nil {
		return err
	}
	root, err := treeInsert(t.tx.sl, t.root, size, v, t.cap())
	if err != nil {
		return err
	}
	return t.setRoot(root)
}

// Erase removes the value at position idx, shifting later values down.
func (t *Tree) Erase(idx uint64) error {
	if err := t.check(true); err != nil {
		return err
	}
	root, err := treeErase(t.tx.sl, t.root, idx, t.cap())
	if err != nil {
		return err
	}
	return t.setRoot(root)
}

// Root exposes the table's current root ref for collaborating layers that
// walk nodes through Tx.TranslateRef.
func (t *Tree) Root() Ref {
	return t.root
}
