/*
Package wallet is the append-only credit/debit ledger.

PURPOSE:
  Records every movement of value for an account (reward grants,
  redemptions, dues credits, reversals) and derives balances from the
  history. There is no stored balance that can drift from the entries.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never updated or deleted
  2. IDEMPOTENT: one entry per (account, idempotency key); a retried append
     returns the entry written the first time
  3. LAZY EXPIRY: expired credits drop out of the available balance at read
     time and stay in history, so any past balance can be reconstructed
  4. ATOMIC APPEND: a single entry is either fully visible to balance reads
     or not visible at all

CORRECTIONS:
  A mistaken entry is never edited. Reverse appends a negated entry keyed
  "reversal:<id>"; both remain in history and net to zero.

SEE ALSO:
  - engine.go: AppendEntry, GetBalance, ListLedger, ListExpiringSoon, Reverse
  - store.go: persistence contract
*/
package wallet

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EntryID string
type AccountID string

func NewEntryID() EntryID {
	return EntryID(uuid.New().String())
}

// ReasonCode classifies why value moved.
type ReasonCode string

const (
	ReasonGrant      ReasonCode = "grant"
	ReasonRedemption ReasonCode = "redemption"
	ReasonReversal   ReasonCode = "reversal"
	ReasonAdjustment ReasonCode = "adjustment"
	ReasonDuesCredit ReasonCode = "dues_credit"
)

var reasonCodes = []ReasonCode{ReasonGrant, ReasonRedemption, ReasonReversal, ReasonAdjustment, ReasonDuesCredit}

func (r ReasonCode) Valid() bool {
	for _, rc := range reasonCodes {
		if r == rc {
			return true
		}
	}
	return false
}

// Entry is one immutable signed movement. Positive amounts are credits.
type Entry struct {
	ID             EntryID
	AccountID      AccountID
	Amount         decimal.Decimal
	Reason         ReasonCode
	IdempotencyKey string

	// ExpiresAt is set on expiring credits (and on their reversals).
	ExpiresAt *time.Time

	// ReversesID points at the entry this one reverses.
	ReversesID EntryID

	Metadata  map[string]string
	CreatedAt time.Time
}

// ActiveAt reports whether the entry counts toward the balance at asOf.
func (e Entry) ActiveAt(asOf time.Time) bool {
	return e.ExpiresAt == nil || e.ExpiresAt.After(asOf)
}

// Page is one slice of an account's ledger, newest first.
type Page struct {
	AccountID AccountID
	Entries   []Entry
	Limit     int
	Offset    int

	// HasMore is true iff the page came back full; re-query with
	// Offset+Limit for the next one.
	HasMore bool
}

// ExpiringSummary aggregates credits that expire inside (From, Until].
type ExpiringSummary struct {
	AccountID  AccountID
	WithinDays int
	From       time.Time
	Until      time.Time
	Amount     decimal.Decimal
	Entries    int
}
