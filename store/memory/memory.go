// Package memory provides in-memory implementations of billing.Repository
// and wallet.Store for tests and local development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/remittance-engine/billing"
	"github.com/warp/remittance-engine/wallet"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Store keeps everything behind one RWMutex, so every write is atomic with
// respect to every read.
type Store struct {
	mu sync.RWMutex

	obligations map[billing.ObligationID]billing.Obligation
	byNatural   map[naturalKey]billing.ObligationID
	reminders   map[reminderKey]billing.ReminderRecord
	attempts    map[billing.ObligationID][]billing.RetryAttempt

	entries []wallet.Entry // insertion order
	byKey   map[entryKey]int
	byID    map[wallet.EntryID]int

	// Unavailable makes Ping fail, for run-level error tests.
	Unavailable error
}

var (
	_ billing.Repository = (*Store)(nil)
	_ wallet.Store       = (*Store)(nil)
)

type naturalKey struct {
	AccountID billing.AccountID
	Period    billing.Period
}

type reminderKey struct {
	ObligationID billing.ObligationID
	Kind         billing.ReminderKind
}

type entryKey struct {
	AccountID wallet.AccountID
	Key       string
}

func New() *Store {
	return &Store{
		obligations: make(map[billing.ObligationID]billing.Obligation),
		byNatural:   make(map[naturalKey]billing.ObligationID),
		reminders:   make(map[reminderKey]billing.ReminderRecord),
		attempts:    make(map[billing.ObligationID][]billing.RetryAttempt),
		byKey:       make(map[entryKey]int),
		byID:        make(map[wallet.EntryID]int),
	}
}

// =============================================================================
// OBLIGATIONS (billing.Repository)
// =============================================================================

func (m *Store) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Unavailable
}

func (m *Store) CreateObligation(_ context.Context, o billing.Obligation) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nk := naturalKey{AccountID: o.AccountID, Period: o.Period}
	if _, exists := m.byNatural[nk]; exists {
		return false, nil
	}
	if _, exists := m.obligations[o.ID]; exists {
		return false, billing.ErrDuplicateObligation
	}
	m.obligations[o.ID] = o
	m.byNatural[nk] = o.ID
	return true, nil
}

func (m *Store) GetObligation(_ context.Context, id billing.ObligationID) (billing.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.obligations[id]
	if !ok {
		return billing.Obligation{}, billing.ErrObligationNotFound
	}
	return o, nil
}

func (m *Store) FindObligation(_ context.Context, accountID billing.AccountID, period billing.Period) (billing.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byNatural[naturalKey{AccountID: accountID, Period: period}]
	if !ok {
		return billing.Obligation{}, billing.ErrObligationNotFound
	}
	return m.obligations[id], nil
}

func (m *Store) ListObligations(_ context.Context, filter billing.ObligationFilter) ([]billing.Obligation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.Obligation
	for _, o := range m.obligations {
		if filter.Matches(o) {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].DueDate.Equal(result[j].DueDate) {
			return result[i].DueDate.Before(result[j].DueDate)
		}
		return result[i].ID < result[j].ID
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *Store) Transition(_ context.Context, id billing.ObligationID, from []billing.State, to billing.State, now time.Time, mutate func(*billing.Obligation)) (billing.Obligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.obligations[id]
	if !ok {
		return billing.Obligation{}, billing.ErrObligationNotFound
	}
	if !stateIn(o.State, from) {
		return billing.Obligation{}, billing.ErrStaleState
	}
	if mutate != nil {
		mutate(&o)
	}
	o.State = to
	o.UpdatedAt = now
	m.obligations[id] = o
	return o, nil
}

func (m *Store) RecordReminder(_ context.Context, rec billing.ReminderRecord, from []billing.State, to billing.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.obligations[rec.ObligationID]
	if !ok {
		return billing.ErrObligationNotFound
	}
	rk := reminderKey{ObligationID: rec.ObligationID, Kind: rec.Kind}
	if _, exists := m.reminders[rk]; exists {
		return billing.ErrReminderExists
	}
	if to != "" {
		if !stateIn(o.State, from) {
			return billing.ErrStaleState
		}
		o.State = to
	}
	o.LastReminder = rec.Kind
	o.LastReminderAt = rec.SentAt
	o.UpdatedAt = rec.SentAt

	m.reminders[rk] = rec
	m.obligations[o.ID] = o
	return nil
}

func (m *Store) HasReminder(_ context.Context, id billing.ObligationID, kind billing.ReminderKind) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.reminders[reminderKey{ObligationID: id, Kind: kind}]
	return ok, nil
}

func (m *Store) ListReminders(_ context.Context, id billing.ObligationID) ([]billing.ReminderRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []billing.ReminderRecord
	for k, rec := range m.reminders {
		if k.ObligationID == id {
			result = append(result, rec)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SentAt.Before(result[j].SentAt) })
	return result, nil
}

func (m *Store) RecordAttempt(_ context.Context, a billing.RetryAttempt, to billing.State) (billing.Obligation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.obligations[a.ObligationID]
	if !ok {
		return billing.Obligation{}, billing.ErrObligationNotFound
	}
	if o.AttemptCount != a.Number-1 || !stateIn(o.State, []billing.State{billing.StateOverdue, billing.StateRetryPending}) {
		return billing.Obligation{}, billing.ErrStaleState
	}
	for _, prev := range m.attempts[a.ObligationID] {
		if prev.Number == a.Number {
			return billing.Obligation{}, billing.ErrAttemptExists
		}
	}

	o.AttemptCount = a.Number
	o.LastAttemptAt = a.AttemptedAt
	o.State = to
	o.UpdatedAt = a.AttemptedAt
	m.obligations[o.ID] = o
	m.attempts[a.ObligationID] = append(m.attempts[a.ObligationID], a)
	return o, nil
}

func (m *Store) ListAttempts(_ context.Context, id billing.ObligationID) ([]billing.RetryAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]billing.RetryAttempt, len(m.attempts[id]))
	copy(result, m.attempts[id])
	return result, nil
}

func stateIn(s billing.State, set []billing.State) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

// =============================================================================
// LEDGER ENTRIES (wallet.Store)
// =============================================================================

func (m *Store) AppendEntry(_ context.Context, e wallet.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := entryKey{AccountID: e.AccountID, Key: e.IdempotencyKey}
	if _, exists := m.byKey[k]; exists {
		return wallet.ErrDuplicateKey
	}
	m.entries = append(m.entries, cloneEntry(e))
	m.byKey[k] = len(m.entries) - 1
	m.byID[e.ID] = len(m.entries) - 1
	return nil
}

func (m *Store) FindEntryByKey(_ context.Context, account wallet.AccountID, key string) (wallet.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.byKey[entryKey{AccountID: account, Key: key}]
	if !ok {
		return wallet.Entry{}, wallet.ErrEntryNotFound
	}
	return cloneEntry(m.entries[i]), nil
}

func (m *Store) GetEntry(_ context.Context, id wallet.EntryID) (wallet.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i, ok := m.byID[id]
	if !ok {
		return wallet.Entry{}, wallet.ErrEntryNotFound
	}
	return cloneEntry(m.entries[i]), nil
}

func (m *Store) ListEntries(_ context.Context, account wallet.AccountID, limit, offset int) ([]wallet.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type indexed struct {
		seq   int
		entry wallet.Entry
	}
	var own []indexed
	for i, e := range m.entries {
		if e.AccountID == account {
			own = append(own, indexed{seq: i, entry: e})
		}
	}
	sort.SliceStable(own, func(i, j int) bool {
		a, b := own[i], own[j]
		if !a.entry.CreatedAt.Equal(b.entry.CreatedAt) {
			return a.entry.CreatedAt.After(b.entry.CreatedAt)
		}
		return a.seq > b.seq
	})

	if offset >= len(own) {
		return []wallet.Entry{}, nil
	}
	own = own[offset:]
	if limit > 0 && len(own) > limit {
		own = own[:limit]
	}
	result := make([]wallet.Entry, len(own))
	for i, x := range own {
		result[i] = cloneEntry(x.entry)
	}
	return result, nil
}

func (m *Store) SumBalance(_ context.Context, account wallet.AccountID, asOf time.Time) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	for _, e := range m.entries {
		if e.AccountID == account && e.ActiveAt(asOf) {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}

func (m *Store) SumExpiring(_ context.Context, account wallet.AccountID, from, until time.Time) (decimal.Decimal, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	total := decimal.Zero
	n := 0
	for _, e := range m.entries {
		if e.AccountID != account || e.ExpiresAt == nil {
			continue
		}
		if e.ExpiresAt.After(from) && !e.ExpiresAt.After(until) {
			total = total.Add(e.Amount)
			n++
		}
	}
	return total, n, nil
}

// cloneEntry copies the pointer and map fields so neither the caller's input
// nor a returned entry can alias a stored one.
func cloneEntry(e wallet.Entry) wallet.Entry {
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		e.ExpiresAt = &t
	}
	if e.Metadata != nil {
		md := make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	return e
}
