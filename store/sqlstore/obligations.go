package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/remittance-engine/billing"
)

// =============================================================================
// OBLIGATIONS (billing.Repository)
// =============================================================================

const obligationColumns = `id, account_id, period, amount, currency, due_date, state,
	attempt_count, last_attempt_at, last_reminder, last_reminder_at, created_at, updated_at`

// CreateObligation inserts o unless (account_id, period) already exists.
func (s *Store) CreateObligation(ctx context.Context, o billing.Obligation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		INSERT INTO obligations (` + obligationColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (account_id, period) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, s.rebind(query),
		o.ID,
		o.AccountID,
		o.Period.String(),
		o.Amount.String(),
		o.Currency,
		formatTime(o.DueDate),
		o.State,
		o.AttemptCount,
		nullTime(o.LastAttemptAt),
		nullString(string(o.LastReminder)),
		nullTime(o.LastReminderAt),
		formatTime(o.CreatedAt),
		formatTime(o.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return false, billing.ErrDuplicateObligation
		}
		return false, fmt.Errorf("failed to insert obligation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) GetObligation(ctx context.Context, id billing.ObligationID) (billing.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getObligation(ctx, s.db, id)
}

func (s *Store) getObligation(ctx context.Context, q queryer, id billing.ObligationID) (billing.Obligation, error) {
	row := q.QueryRowContext(ctx, s.rebind(`SELECT `+obligationColumns+` FROM obligations WHERE id = ?`), id)
	o, err := scanObligation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Obligation{}, billing.ErrObligationNotFound
	}
	return o, err
}

func (s *Store) FindObligation(ctx context.Context, accountID billing.AccountID, period billing.Period) (billing.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT `+obligationColumns+` FROM obligations WHERE account_id = ? AND period = ?`),
		accountID, period.String())
	o, err := scanObligation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return billing.Obligation{}, billing.ErrObligationNotFound
	}
	return o, err
}

func (s *Store) ListObligations(ctx context.Context, f billing.ObligationFilter) ([]billing.Obligation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if len(f.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(f.States))+")")
		for _, st := range f.States {
			args = append(args, st)
		}
	}
	if f.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, f.AccountID)
	}
	if !f.Period.IsZero() {
		where = append(where, "period = ?")
		args = append(args, f.Period.String())
	}
	if !f.DueBefore.IsZero() {
		where = append(where, "due_date < ?")
		args = append(args, formatTime(f.DueBefore))
	}

	query := `SELECT ` + obligationColumns + ` FROM obligations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY due_date ASC, id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query obligations: %w", err)
	}
	defer rows.Close()

	var result []billing.Obligation
	for rows.Next() {
		o, err := scanObligation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, rows.Err()
}

// Transition applies a compare-and-set on the state observed inside the
// transaction.
func (s *Store) Transition(ctx context.Context, id billing.ObligationID, from []billing.State, to billing.State, now time.Time, mutate func(*billing.Obligation)) (billing.Obligation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out billing.Obligation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		o, err := s.getObligation(ctx, tx, id)
		if err != nil {
			return err
		}
		if !stateIn(o.State, from) {
			return billing.ErrStaleState
		}
		observed := o.State
		if mutate != nil {
			mutate(&o)
		}
		o.State = to
		o.UpdatedAt = now

		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE obligations
			SET state = ?, attempt_count = ?, last_attempt_at = ?, last_reminder = ?,
			    last_reminder_at = ?, updated_at = ?
			WHERE id = ? AND state = ?
		`),
			o.State, o.AttemptCount, nullTime(o.LastAttemptAt), nullString(string(o.LastReminder)),
			nullTime(o.LastReminderAt), formatTime(o.UpdatedAt),
			id, observed,
		)
		if err != nil {
			return fmt.Errorf("failed to update obligation: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return billing.ErrStaleState
		}
		out = o
		return nil
	})
	return out, err
}

func (s *Store) RecordReminder(ctx context.Context, rec billing.ReminderRecord, from []billing.State, to billing.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.getObligation(ctx, tx, rec.ObligationID); err != nil {
			return err
		}

		_, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO reminder_records (obligation_id, kind, period, sent_at)
			VALUES (?, ?, ?, ?)
		`), rec.ObligationID, rec.Kind, rec.Period.String(), formatTime(rec.SentAt))
		if err != nil {
			if isUniqueConstraintError(err) {
				return billing.ErrReminderExists
			}
			return fmt.Errorf("failed to insert reminder record: %w", err)
		}

		if to == "" {
			_, err := tx.ExecContext(ctx, s.rebind(`
				UPDATE obligations SET last_reminder = ?, last_reminder_at = ?, updated_at = ?
				WHERE id = ?
			`), rec.Kind, formatTime(rec.SentAt), formatTime(rec.SentAt), rec.ObligationID)
			return err
		}

		args := []any{to, rec.Kind, formatTime(rec.SentAt), formatTime(rec.SentAt), rec.ObligationID}
		for _, st := range from {
			args = append(args, st)
		}
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE obligations SET state = ?, last_reminder = ?, last_reminder_at = ?, updated_at = ?
			WHERE id = ? AND state IN (`+placeholders(len(from))+`)
		`), args...)
		if err != nil {
			return fmt.Errorf("failed to update obligation: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return billing.ErrStaleState
		}
		return nil
	})
}

func (s *Store) HasReminder(ctx context.Context, id billing.ObligationID, kind billing.ReminderKind) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		s.rebind(`SELECT COUNT(*) FROM reminder_records WHERE obligation_id = ? AND kind = ?`),
		id, kind,
	).Scan(&count)
	return count > 0, err
}

func (s *Store) ListReminders(ctx context.Context, id billing.ObligationID) ([]billing.ReminderRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT obligation_id, kind, period, sent_at FROM reminder_records
		WHERE obligation_id = ? ORDER BY sent_at ASC
	`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query reminders: %w", err)
	}
	defer rows.Close()

	var result []billing.ReminderRecord
	for rows.Next() {
		var (
			rec            billing.ReminderRecord
			period, sentAt string
		)
		if err := rows.Scan(&rec.ObligationID, &rec.Kind, &period, &sentAt); err != nil {
			return nil, err
		}
		if rec.Period, err = billing.ParsePeriod(period); err != nil {
			return nil, err
		}
		if rec.SentAt, err = parseTime(sentAt); err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// RecordAttempt bumps attempt_count from a.Number-1 to a.Number and inserts
// the attempt row in one transaction.
func (s *Store) RecordAttempt(ctx context.Context, a billing.RetryAttempt, to billing.State) (billing.Obligation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out billing.Obligation
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE obligations
			SET attempt_count = ?, last_attempt_at = ?, state = ?, updated_at = ?
			WHERE id = ? AND attempt_count = ? AND state IN (?, ?)
		`),
			a.Number, formatTime(a.AttemptedAt), to, formatTime(a.AttemptedAt),
			a.ObligationID, a.Number-1, billing.StateOverdue, billing.StateRetryPending,
		)
		if err != nil {
			return fmt.Errorf("failed to update obligation: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			if _, getErr := s.getObligation(ctx, tx, a.ObligationID); getErr != nil {
				return getErr
			}
			return billing.ErrStaleState
		}

		_, err = tx.ExecContext(ctx, s.rebind(`
			INSERT INTO retry_attempts (obligation_id, attempt_number, outcome, detail, attempted_at)
			VALUES (?, ?, ?, ?, ?)
		`), a.ObligationID, a.Number, a.Outcome, nullString(a.Detail), formatTime(a.AttemptedAt))
		if err != nil {
			if isUniqueConstraintError(err) {
				return billing.ErrAttemptExists
			}
			return fmt.Errorf("failed to insert retry attempt: %w", err)
		}

		out, err = s.getObligation(ctx, tx, a.ObligationID)
		return err
	})
	return out, err
}

func (s *Store) ListAttempts(ctx context.Context, id billing.ObligationID) ([]billing.RetryAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT obligation_id, attempt_number, outcome, detail, attempted_at FROM retry_attempts
		WHERE obligation_id = ? ORDER BY attempt_number ASC
	`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()

	var result []billing.RetryAttempt
	for rows.Next() {
		var (
			a           billing.RetryAttempt
			detail      sql.NullString
			attemptedAt string
		)
		if err := rows.Scan(&a.ObligationID, &a.Number, &a.Outcome, &detail, &attemptedAt); err != nil {
			return nil, err
		}
		a.Detail = detail.String
		if a.AttemptedAt, err = parseTime(attemptedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

// =============================================================================
// SCANNING
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanObligation(row rowScanner) (billing.Obligation, error) {
	var (
		o                                             billing.Obligation
		period, amount, dueDate, createdAt, updatedAt string
		lastAttemptAt, lastReminder, lastReminderAt   sql.NullString
	)
	err := row.Scan(
		&o.ID, &o.AccountID, &period, &amount, &o.Currency, &dueDate, &o.State,
		&o.AttemptCount, &lastAttemptAt, &lastReminder, &lastReminderAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return billing.Obligation{}, err
	}

	if o.Period, err = billing.ParsePeriod(period); err != nil {
		return billing.Obligation{}, err
	}
	if o.Amount, err = decimal.NewFromString(amount); err != nil {
		return billing.Obligation{}, fmt.Errorf("corrupt amount %q: %w", amount, err)
	}
	if o.DueDate, err = parseTime(dueDate); err != nil {
		return billing.Obligation{}, err
	}
	if o.LastAttemptAt, err = parseNullTime(lastAttemptAt); err != nil {
		return billing.Obligation{}, err
	}
	o.LastReminder = billing.ReminderKind(lastReminder.String)
	if o.LastReminderAt, err = parseNullTime(lastReminderAt); err != nil {
		return billing.Obligation{}, err
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return billing.Obligation{}, err
	}
	if o.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return billing.Obligation{}, err
	}
	return o, nil
}

func stateIn(s billing.State, set []billing.State) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
