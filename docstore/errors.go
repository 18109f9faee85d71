package docstore

import "errors"

// Sentinel error kinds. Callers use errors.Is to test for a kind; the
// concrete error returned is always wrapped with context via
// fmt.Errorf("...: %w", ...).
var (
	// ErrConfiguration covers missing name/backend, duplicate collection
	// names, and malformed keys/items/options passed by the caller.
	ErrConfiguration = errors.New("docstore: configuration error")

	// ErrInvariantViolation covers a missing collection where one is
	// required, no index matching a (query, order) pair, a missing store
	// descriptor, or a descriptor version newer than this build supports.
	ErrInvariantViolation = errors.New("docstore: invariant violation")

	// ErrUnsupportedMigration covers re-adding a tombstoned collection and
	// upgrading a descriptor whose version predates what this build can
	// migrate automatically.
	ErrUnsupportedMigration = errors.New("docstore: unsupported migration")

	// ErrTransactionMisuse covers calling Initialize or DestroyAll from
	// inside a transaction.
	ErrTransactionMisuse = errors.New("docstore: not permitted inside a transaction")
)
