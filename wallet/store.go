package wallet

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Store persists ledger entries. It is the only write path and it only
// inserts.
//
// INVARIANTS:
//   - AppendEntry is a single atomic insert.
//   - AppendEntry returns ErrDuplicateKey when (AccountID, IdempotencyKey)
//     exists and writes nothing.
//   - SumBalance reads one consistent snapshot of the account's entries.
type Store interface {
	AppendEntry(ctx context.Context, e Entry) error

	// FindEntryByKey returns ErrEntryNotFound when no entry has the key.
	FindEntryByKey(ctx context.Context, account AccountID, key string) (Entry, error)
	GetEntry(ctx context.Context, id EntryID) (Entry, error)

	// ListEntries returns entries newest first (by CreatedAt, then insertion order).
	ListEntries(ctx context.Context, account AccountID, limit, offset int) ([]Entry, error)

	// SumBalance sums entries whose ExpiresAt is nil or after asOf.
	SumBalance(ctx context.Context, account AccountID, asOf time.Time) (decimal.Decimal, error)

	// SumExpiring sums entries with from < ExpiresAt <= until. Only credits
	// and their reversals carry an expiry, so the sum is the credit that will
	// drop out of the balance in that window.
	SumExpiring(ctx context.Context, account AccountID, from, until time.Time) (decimal.Decimal, int, error)
}
