package billing

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// COLLABORATOR CAPABILITIES - Invoked, not designed here
// =============================================================================

// Notifier delivers a reminder to an account through whatever channel the
// deployment uses (email, SMS, push). A non-nil error means the reminder was
// not delivered; its reason is opaque to the billing engine.
type Notifier interface {
	Send(ctx context.Context, accountID AccountID, kind ReminderKind, msg ReminderContext) error
}

// ReminderContext is the template data handed to the notifier.
type ReminderContext struct {
	ObligationID ObligationID
	Period       Period
	Amount       decimal.Decimal
	Currency     string
	DueDate      time.Time
}

// PaymentGateway charges an obligation. The gateway owns the mapping of its
// provider error codes onto ChargeOutcome; the retry orchestrator only reads
// the outcome.
type PaymentGateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}

// ChargeRequest identifies one charge try. IdempotencyKey is stable per
// (obligation, attempt number) so overlapping runs collapse at the gateway.
type ChargeRequest struct {
	ObligationID   ObligationID
	AccountID      AccountID
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
}

type ChargeResult struct {
	Outcome AttemptOutcome
	Reason  string // provider code or message, informational
}

// AccountSource lists accounts with an active billing relationship. It is the
// read-only view of the external system of record.
type AccountSource interface {
	ListBillableAccounts(ctx context.Context, period Period) ([]BillableAccount, error)
}

// BillableAccount is one row of membership/rate data for a period. Amount,
// when non-zero, overrides Rate × Members. A zero DueDate means period end.
type BillableAccount struct {
	AccountID AccountID
	Members   int
	Rate      decimal.Decimal
	Amount    decimal.Decimal
	Currency  string
	DueDate   time.Time
}

// AmountDue returns the explicit amount, or rate × members.
func (b BillableAccount) AmountDue() decimal.Decimal {
	if !b.Amount.IsZero() {
		return b.Amount
	}
	return b.Rate.Mul(decimal.NewFromInt(int64(b.Members)))
}

// =============================================================================
// FUNC ADAPTERS
// =============================================================================

type NotifierFunc func(ctx context.Context, accountID AccountID, kind ReminderKind, msg ReminderContext) error

func (f NotifierFunc) Send(ctx context.Context, accountID AccountID, kind ReminderKind, msg ReminderContext) error {
	return f(ctx, accountID, kind, msg)
}

type PaymentGatewayFunc func(ctx context.Context, req ChargeRequest) (ChargeResult, error)

func (f PaymentGatewayFunc) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	return f(ctx, req)
}

// StaticSource serves a fixed list of accounts for every period.
type StaticSource []BillableAccount

func (s StaticSource) ListBillableAccounts(_ context.Context, _ Period) ([]BillableAccount, error) {
	out := make([]BillableAccount, len(s))
	copy(out, s)
	return out, nil
}
