package grove

import "errors"

// Exported error classes. Callers discriminate with errors.Is; the kernel
// wraps these with positional context.
var (
	// ErrCorrupt marks structural damage found in the file: a bad header,
	// a ref that resolves nowhere, an inner node whose counts disagree with
	// its children. Fatal to the enclosing transaction, never repaired.
	ErrCorrupt = errors.New("grove: corrupted database")
	// ErrIntegrity marks an encrypted page whose tag did not verify. Either
	// the key is wrong or the ciphertext was modified; the kernel cannot
	// tell the two apart.
	ErrIntegrity = errors.New("grove: page integrity check failed")
	// ErrOutOfRangeRef marks a ref outside both the durable region and the
	// mutable slab. Treated as corruption.
	ErrOutOfRangeRef = errors.New("grove: ref out of range")
	// ErrWriteLockTimeout is returned by BeginWrite when the writer lock
	// could not be acquired within the caller's timeout. Retryable.
	ErrWriteLockTimeout = errors.New("grove: write lock timeout")
	// ErrOutOfSpace is returned by a commit that would grow the file past
	// the configured bound while pinned versions block reclamation. The
	// transaction rolls back; retry after readers close.
	ErrOutOfSpace = errors.New("grove: out of space")
	// ErrIndexRange marks a positional access past the end of a table.
	ErrIndexRange = errors.New("grove: array index out of range")
)

var (
	errTxClosed     = errors.New("grove: transaction is closed")
	errTxReadOnly   = errors.New("grove: transaction is read-only")
	errDBClosed     = errors.New("grove: database is closed")
	errDBReadOnly   = errors.New("grove: database attached read-only")
	errTableExists  = errors.New("grove: table already exists")
	errNoSuchTable  = errors.New("grove: no such table")
	errVersionTable = errors.New("grove: version ring full")
	errBadKeySize   = errors.New("grove: encryption key must be 16, 24 or 32 bytes")
)
