package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ListingRepository persists listings. CompareAndSwap is the only
// sanctioned way to change a stored listing.
type ListingRepository interface {
	// Insert stores a new listing and fails with ErrDuplicateListing if the
	// same asset already has an active or pending listing.
	Insert(ctx context.Context, l Listing) error
	Get(ctx context.Context, id string) (Listing, error)
	// CompareAndSwap applies mutate to the stored listing if its version
	// equals expectedVersion, bumps the version and returns the new value.
	// It returns ErrVersionConflict when the version has moved.
	CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutate ListingMutation) (Listing, error)
	List(ctx context.Context, f ListingFilter) ([]Listing, error)
}

// TransactionStore persists ledger records. Records are inserted once and
// finalized at most once.
type TransactionStore interface {
	Insert(ctx context.Context, r TransactionRecord) error
	Get(ctx context.Context, id string) (TransactionRecord, error)
	// Finalize moves a Pending record to a terminal status. It returns
	// ErrTransactionFinal if the record already left Pending.
	Finalize(ctx context.Context, id string, u TerminalUpdate) (TransactionRecord, error)
	List(ctx context.Context, f TransactionFilter) ([]TransactionRecord, error)
	// ListTerminalBefore returns terminal records finalized before the
	// cutoff, for archival.
	ListTerminalBefore(ctx context.Context, before time.Time) ([]TransactionRecord, error)
	// FindByLedgerRef returns the record settled by a ledger transaction id.
	FindByLedgerRef(ctx context.Context, ref string) (TransactionRecord, error)
	// ClaimLedgerRef binds ref to the Pending record id. A ref held by a
	// Failed or Cancelled record moves to id. It returns ErrAlreadyExists if
	// another Pending or Completed record holds ref, ErrVersionConflict if id
	// already holds a different ref, and ErrTransactionFinal if id is terminal.
	ClaimLedgerRef(ctx context.Context, id, ref string) error
}

// AttemptStore persists settlement attempts.
type AttemptStore interface {
	Create(ctx context.Context, a SettlementAttempt) error
	Get(ctx context.Context, id string) (SettlementAttempt, error)
	// Transition moves the attempt to t.To only if its current state is in
	// t.From. It returns ErrAttemptClosed otherwise.
	Transition(ctx context.Context, id string, t AttemptTransition) (SettlementAttempt, error)
	// ListExpired returns open attempts whose deadline is before the
	// instant.
	ListExpired(ctx context.Context, before time.Time, limit int) ([]SettlementAttempt, error)
	// FindOpenByListing returns the open attempt holding the listing, if
	// any.
	FindOpenByListing(ctx context.Context, listingID string) (SettlementAttempt, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
