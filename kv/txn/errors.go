package txn

import "github.com/pingcap/errors"

// Abort reasons surfaced to callers of the transaction API. All four
// abort the transaction: writes are undone, reads deregistered, the
// staged log discarded, and the context moves to ABORTED before the
// error returns. Write-write and exclusion aborts are safe to retry at
// the application level; the engine itself never retries.
var (
	// ErrWriteWriteConflict: a version install was refused because the
	// chain head is newer than the writer's snapshot or held by another
	// in-flight transaction.
	ErrWriteWriteConflict = errors.New("txn: write-write conflict")

	// ErrSSNExclusionFailure: certification found sstamp <= pstamp.
	ErrSSNExclusionFailure = errors.New("txn: ssn exclusion failure")

	// ErrUnstableRead: a concurrent change invalidated a stable-read
	// attempt on a tuple payload.
	ErrUnstableRead = errors.New("txn: unstable read")

	// ErrInternal: the log refused pre-commit (full or shut down).
	ErrInternal = errors.New("txn: internal abort")
)

// ErrKeyExists reports an insert whose key was already bound. The
// insert is undone but the transaction stays alive.
var ErrKeyExists = errors.New("txn: key exists")
