package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/remittance-engine/wallet"
)

// =============================================================================
// LEDGER ENTRIES (wallet.Store)
// =============================================================================

const entryColumns = `id, account_id, amount, reason, idempotency_key, expires_at, reverses_id, metadata_json, created_at`

// AppendEntry inserts one entry. Append-only.
func (s *Store) AppendEntry(ctx context.Context, e wallet.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var metadataJSON sql.NullString
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("failed to encode metadata: %w", err)
		}
		metadataJSON = sql.NullString{String: string(b), Valid: true}
	}
	var expiresAt sql.NullString
	if e.ExpiresAt != nil {
		expiresAt = nullTime(*e.ExpiresAt)
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		e.ID,
		e.AccountID,
		e.Amount.String(),
		e.Reason,
		e.IdempotencyKey,
		expiresAt,
		nullString(string(e.ReversesID)),
		metadataJSON,
		formatTime(e.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return wallet.ErrDuplicateKey
		}
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

func (s *Store) FindEntryByKey(ctx context.Context, account wallet.AccountID, key string) (wallet.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+entryColumns+` FROM ledger_entries WHERE account_id = ? AND idempotency_key = ?`),
		account, key)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return wallet.Entry{}, wallet.ErrEntryNotFound
	}
	return e, err
}

func (s *Store) GetEntry(ctx context.Context, id wallet.EntryID) (wallet.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+entryColumns+` FROM ledger_entries WHERE id = ?`), id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return wallet.Entry{}, wallet.ErrEntryNotFound
	}
	return e, err
}

// ListEntries returns newest first; seq breaks ties between entries written
// in the same instant.
func (s *Store) ListEntries(ctx context.Context, account wallet.AccountID, limit, offset int) ([]wallet.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+entryColumns+` FROM ledger_entries
		WHERE account_id = ?
		ORDER BY created_at DESC, seq DESC
		LIMIT ? OFFSET ?
	`), account, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger: %w", err)
	}
	defer rows.Close()

	result := []wallet.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// SumBalance adds amounts in Go so precision never depends on the dialect's
// numeric handling of text columns.
func (s *Store) SumBalance(ctx context.Context, account wallet.AccountID, asOf time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total, _, err := s.sumAmounts(ctx, `
		SELECT amount FROM ledger_entries
		WHERE account_id = ? AND (expires_at IS NULL OR expires_at > ?)
	`, account, formatTime(asOf))
	return total, err
}

func (s *Store) SumExpiring(ctx context.Context, account wallet.AccountID, from, until time.Time) (decimal.Decimal, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sumAmounts(ctx, `
		SELECT amount FROM ledger_entries
		WHERE account_id = ? AND expires_at IS NOT NULL AND expires_at > ? AND expires_at <= ?
	`, account, formatTime(from), formatTime(until))
}

func (s *Store) sumAmounts(ctx context.Context, query string, args ...any) (decimal.Decimal, int, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return decimal.Zero, 0, fmt.Errorf("failed to query ledger amounts: %w", err)
	}
	defer rows.Close()

	total := decimal.Zero
	n := 0
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return decimal.Zero, 0, err
		}
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Zero, 0, fmt.Errorf("corrupt amount %q: %w", raw, err)
		}
		total = total.Add(amount)
		n++
	}
	return total, n, rows.Err()
}

func scanEntry(row rowScanner) (wallet.Entry, error) {
	var (
		e                               wallet.Entry
		amount, createdAt               string
		expiresAt, reversesID, metadata sql.NullString
	)
	err := row.Scan(&e.ID, &e.AccountID, &amount, &e.Reason, &e.IdempotencyKey,
		&expiresAt, &reversesID, &metadata, &createdAt)
	if err != nil {
		return wallet.Entry{}, err
	}

	if e.Amount, err = decimal.NewFromString(amount); err != nil {
		return wallet.Entry{}, fmt.Errorf("corrupt amount %q: %w", amount, err)
	}
	if expiresAt.Valid {
		t, err := parseTime(expiresAt.String)
		if err != nil {
			return wallet.Entry{}, err
		}
		e.ExpiresAt = &t
	}
	e.ReversesID = wallet.EntryID(reversesID.String)
	if metadata.Valid && metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &e.Metadata); err != nil {
			return wallet.Entry{}, fmt.Errorf("corrupt metadata: %w", err)
		}
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return wallet.Entry{}, err
	}
	return e, nil
}
