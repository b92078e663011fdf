/*
Package membership supplies billable accounts from a YAML rate table.

FILE FORMAT:
  currency: USD            # default for accounts without one
  accounts:
    - id: lodge-12
      members: 40
      rate: "2.50"         # per member per period
    - id: lodge-7
      amount: "180.00"     # flat amount, overrides rate × members
      currency: EUR
      due_day: 15          # due on the 15th instead of period end
      active_from: 2025-03 # first billed period (inclusive)
      active_until: 2025-12

Amounts are quoted strings so they parse exactly into decimals.

FileSource re-reads the file on every run, so rate changes take effect at
the next calculation without a restart.
*/
package membership

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/warp/remittance-engine/billing"
)

// RateTable is the parsed rate file.
type RateTable struct {
	Currency string        `yaml:"currency"`
	Accounts []AccountRate `yaml:"accounts"`
}

type AccountRate struct {
	ID          string `yaml:"id"`
	Members     int    `yaml:"members"`
	Rate        string `yaml:"rate"`
	Amount      string `yaml:"amount"`
	Currency    string `yaml:"currency"`
	DueDay      int    `yaml:"due_day"`
	ActiveFrom  string `yaml:"active_from"`
	ActiveUntil string `yaml:"active_until"`

	rate, amount decimal.Decimal
	from, until  billing.Period
}

// Parse decodes and validates a rate table.
func Parse(data []byte) (*RateTable, error) {
	var table RateTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("failed to parse rate table: %w", err)
	}

	seen := make(map[string]bool, len(table.Accounts))
	for i := range table.Accounts {
		a := &table.Accounts[i]
		if err := a.resolve(); err != nil {
			return nil, fmt.Errorf("account %d (%s): %w", i, a.ID, err)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("account %s: listed twice", a.ID)
		}
		seen[a.ID] = true
	}
	return &table, nil
}

func (a *AccountRate) resolve() error {
	if a.ID == "" {
		return &billing.ValidationError{Field: "id", Message: "required"}
	}
	if a.Members < 0 {
		return &billing.ValidationError{Field: "members", Message: "must not be negative"}
	}
	if a.DueDay < 0 || a.DueDay > 31 {
		return &billing.ValidationError{Field: "due_day", Message: "must be in 1..31"}
	}

	var err error
	if a.Rate != "" {
		if a.rate, err = decimal.NewFromString(a.Rate); err != nil {
			return &billing.ValidationError{Field: "rate", Message: err.Error()}
		}
	}
	if a.Amount != "" {
		if a.amount, err = decimal.NewFromString(a.Amount); err != nil {
			return &billing.ValidationError{Field: "amount", Message: err.Error()}
		}
	}
	if a.Rate == "" && a.Amount == "" {
		return &billing.ValidationError{Field: "rate", Message: "rate or amount required"}
	}
	if a.ActiveFrom != "" {
		if a.from, err = billing.ParsePeriod(a.ActiveFrom); err != nil {
			return err
		}
	}
	if a.ActiveUntil != "" {
		if a.until, err = billing.ParsePeriod(a.ActiveUntil); err != nil {
			return err
		}
	}
	return nil
}

func (a AccountRate) activeIn(p billing.Period) bool {
	if !a.from.IsZero() && p.Start().Before(a.from.Start()) {
		return false
	}
	if !a.until.IsZero() && p.Start().After(a.until.Start()) {
		return false
	}
	return true
}

// dueDate returns DueDay within p, clamped to the last day of the month.
// Zero means period end.
func (a AccountRate) dueDate(p billing.Period) time.Time {
	if a.DueDay == 0 {
		return time.Time{}
	}
	lastDay := p.End().Day()
	day := a.DueDay
	if day > lastDay {
		day = lastDay
	}
	return time.Date(p.Year, p.Month, day, 23, 59, 59, 0, time.UTC)
}

// ListBillableAccounts returns the accounts active in period.
func (t *RateTable) ListBillableAccounts(_ context.Context, period billing.Period) ([]billing.BillableAccount, error) {
	out := make([]billing.BillableAccount, 0, len(t.Accounts))
	for _, a := range t.Accounts {
		if !a.activeIn(period) {
			continue
		}
		currency := a.Currency
		if currency == "" {
			currency = t.Currency
		}
		out = append(out, billing.BillableAccount{
			AccountID: billing.AccountID(a.ID),
			Members:   a.Members,
			Rate:      a.rate,
			Amount:    a.amount,
			Currency:  currency,
			DueDate:   a.dueDate(period),
		})
	}
	return out, nil
}

// FileSource reads the rate table from disk on every call.
type FileSource struct {
	Path string
}

var (
	_ billing.AccountSource = (*FileSource)(nil)
	_ billing.AccountSource = (*RateTable)(nil)
)

func (f *FileSource) ListBillableAccounts(ctx context.Context, period billing.Period) ([]billing.BillableAccount, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate table: %w", err)
	}
	table, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return table.ListBillableAccounts(ctx, period)
}
