package wallet_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/remittance-engine/store/memory"
	"github.com/warp/remittance-engine/wallet"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var now = time.Date(2025, time.June, 15, 12, 0, 0, 0, time.UTC)

func newTestEngine() *wallet.Engine {
	return wallet.NewEngine(memory.New())
}

func credit(account, key, amount string) wallet.AppendInput {
	return wallet.AppendInput{
		AccountID:      wallet.AccountID(account),
		Amount:         decimal.RequireFromString(amount),
		Reason:         wallet.ReasonGrant,
		IdempotencyKey: key,
	}
}

func expiring(in wallet.AppendInput, at time.Time) wallet.AppendInput {
	in.ExpiresAt = &at
	return in
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestAppendEntry_SameKeyYieldsOneEntry(t *testing.T) {
	// GIVEN: an append that is retried with the same key
	// WHEN: both calls complete
	// THEN: one entry is stored and both calls return it

	ctx := context.Background()
	e := newTestEngine()

	first, created, err := e.AppendEntry(ctx, credit("acct-1", "grant-1", "25"), now)
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := e.AppendEntry(ctx, credit("acct-1", "grant-1", "25"), now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)

	page, err := e.ListLedger(ctx, "acct-1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, page.Entries, 1)
}

func TestAppendEntry_KeysArePerAccount(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	_, created, err := e.AppendEntry(ctx, credit("acct-1", "k", "5"), now)
	require.NoError(t, err)
	assert.True(t, created)
	_, created, err = e.AppendEntry(ctx, credit("acct-2", "k", "5"), now)
	require.NoError(t, err)
	assert.True(t, created)
}

func TestAppendEntry_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	var wg sync.WaitGroup
	ids := make([]wallet.EntryID, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			entry, _, err := e.AppendEntry(ctx, credit("acct-1", "once", "10"), now)
			assert.NoError(t, err)
			ids[i] = entry.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	bal, err := e.GetBalance(ctx, "acct-1", now)
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("10")), "balance %s", bal)
}

func TestAppendEntry_Validation(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()
	later := now.AddDate(0, 1, 0)

	bad := []wallet.AppendInput{
		credit("", "k", "1"),
		credit("acct-1", "", "1"),
		credit("acct-1", "k", "0"),
		{AccountID: "acct-1", IdempotencyKey: "k", Amount: dec("1"), Reason: "gift"},
		expiring(wallet.AppendInput{AccountID: "acct-1", IdempotencyKey: "k", Amount: dec("-1"), Reason: wallet.ReasonRedemption}, later),
		{AccountID: "acct-1", IdempotencyKey: "k", Amount: dec("-1"), Reason: wallet.ReasonReversal},
		expiring(wallet.AppendInput{AccountID: "acct-1", IdempotencyKey: "k", Amount: dec("-50"), Reason: wallet.ReasonReversal}, later),
	}
	for _, in := range bad {
		_, _, err := e.AppendEntry(ctx, in, now)
		assert.True(t, wallet.IsValidation(err), "%+v", in)
	}
}

func TestAppendEntry_ExpiringDebitCannotRaiseBalance(t *testing.T) {
	// GIVEN: a grant of 100
	// WHEN: a caller tries to append an expiring debit labelled as a reversal
	// THEN: it is rejected, nothing is written and the balance never rises later

	ctx := context.Background()
	e := newTestEngine()
	_, _, err := e.AppendEntry(ctx, credit("acct-1", "grant", "100"), now)
	require.NoError(t, err)

	_, _, err = e.AppendEntry(ctx, expiring(wallet.AppendInput{
		AccountID:      "acct-1",
		IdempotencyKey: "fake-reversal",
		Amount:         dec("-50"),
		Reason:         wallet.ReasonReversal,
	}, now.Add(time.Hour)), now)
	require.True(t, wallet.IsValidation(err), "got %v", err)

	for _, asOf := range []time.Time{now, now.Add(2 * time.Hour)} {
		bal, err := e.GetBalance(ctx, "acct-1", asOf)
		require.NoError(t, err)
		assert.True(t, bal.Equal(dec("100")), "balance at %s: %s", asOf, bal)
	}
}

// =============================================================================
// BALANCE AND EXPIRY
// =============================================================================

func TestGetBalance_ExpiredCreditScenario(t *testing.T) {
	// GIVEN: a credit of 50 that expired one second ago
	// WHEN: reading the balance now and just before expiry
	// THEN: it is excluded now and included before

	ctx := context.Background()
	e := newTestEngine()
	expiresAt := now.Add(-time.Second)

	_, _, err := e.AppendEntry(ctx, expiring(credit("acct-1", "promo", "50"), expiresAt), now)
	require.NoError(t, err)

	bal, err := e.GetBalance(ctx, "acct-1", now)
	require.NoError(t, err)
	assert.True(t, bal.IsZero(), "balance now %s", bal)

	bal, err = e.GetBalance(ctx, "acct-1", expiresAt.Add(-time.Second))
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("50")), "balance before expiry %s", bal)

	page, err := e.ListLedger(ctx, "acct-1", 10, 0)
	require.NoError(t, err)
	assert.Len(t, page.Entries, 1, "expired entries stay in history")
}

func TestGetBalance_MixedEntries(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	_, _, err := e.AppendEntry(ctx, credit("acct-1", "g1", "100"), now)
	require.NoError(t, err)
	_, _, err = e.AppendEntry(ctx, wallet.AppendInput{AccountID: "acct-1", IdempotencyKey: "r1", Amount: dec("-30.25"), Reason: wallet.ReasonRedemption}, now)
	require.NoError(t, err)
	_, _, err = e.AppendEntry(ctx, expiring(credit("acct-1", "g2", "20"), now.AddDate(0, 0, 3)), now)
	require.NoError(t, err)

	bal, err := e.GetBalance(ctx, "acct-1", now)
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("89.75")), "balance %s", bal)

	bal, err = e.GetBalance(ctx, "acct-1", now.AddDate(0, 0, 4))
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("69.75")), "balance after expiry %s", bal)
}

func TestListExpiringSoon(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()

	_, _, err := e.AppendEntry(ctx, expiring(credit("acct-1", "soon", "15"), now.AddDate(0, 0, 5)), now)
	require.NoError(t, err)
	_, _, err = e.AppendEntry(ctx, expiring(credit("acct-1", "edge", "5"), now.AddDate(0, 0, 7)), now)
	require.NoError(t, err)
	_, _, err = e.AppendEntry(ctx, expiring(credit("acct-1", "later", "40"), now.AddDate(0, 0, 30)), now)
	require.NoError(t, err)
	_, _, err = e.AppendEntry(ctx, expiring(credit("acct-1", "gone", "99"), now.Add(-time.Hour)), now)
	require.NoError(t, err)

	summary, err := e.ListExpiringSoon(ctx, "acct-1", 7, now)
	require.NoError(t, err)
	assert.True(t, summary.Amount.Equal(dec("20")), "amount %s", summary.Amount)
	assert.Equal(t, 2, summary.Entries)
	assert.Equal(t, now.AddDate(0, 0, 7), summary.Until)

	_, err = e.ListExpiringSoon(ctx, "acct-1", 0, now)
	assert.True(t, wallet.IsValidation(err))
}

// =============================================================================
// PAGINATION
// =============================================================================

func TestListLedger_NewestFirstWithHasMore(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()
	for i := 0; i < 5; i++ {
		_, _, err := e.AppendEntry(ctx, credit("acct-1", fmt.Sprintf("k%d", i), "1"), now.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	page, err := e.ListLedger(ctx, "acct-1", 2, 0)
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "k4", page.Entries[0].IdempotencyKey)
	assert.Equal(t, "k3", page.Entries[1].IdempotencyKey)

	page, err = e.ListLedger(ctx, "acct-1", 2, 4)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.False(t, page.HasMore)
	assert.Equal(t, "k0", page.Entries[0].IdempotencyKey)

	// An exactly-full last page still reports HasMore; the next one is empty.
	page, err = e.ListLedger(ctx, "acct-1", 5, 0)
	require.NoError(t, err)
	assert.True(t, page.HasMore)
	page, err = e.ListLedger(ctx, "acct-1", 5, 5)
	require.NoError(t, err)
	assert.Empty(t, page.Entries)
	assert.False(t, page.HasMore)
}

func TestListLedger_ClampsLimit(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()
	e.MaxPageSize = 3

	page, err := e.ListLedger(ctx, "acct-1", 1000, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Limit)

	_, err = e.ListLedger(ctx, "acct-1", 10, -1)
	assert.True(t, wallet.IsValidation(err))
}

// =============================================================================
// REVERSAL
// =============================================================================

func TestReverse_NetsToZeroAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine()
	expiry := now.AddDate(0, 0, 10)

	orig, _, err := e.AppendEntry(ctx, expiring(credit("acct-1", "g1", "40"), expiry), now)
	require.NoError(t, err)

	rev, created, err := e.Reverse(ctx, orig.ID, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, rev.Amount.Equal(dec("-40")))
	assert.Equal(t, wallet.ReasonReversal, rev.Reason)
	assert.Equal(t, orig.ID, rev.ReversesID)
	assert.Equal(t, wallet.ReversalKey(orig.ID), rev.IdempotencyKey)

	again, created, err := e.Reverse(ctx, orig.ID, now.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, rev.ID, again.ID)

	for _, asOf := range []time.Time{now, expiry.Add(time.Second)} {
		bal, err := e.GetBalance(ctx, "acct-1", asOf)
		require.NoError(t, err)
		assert.True(t, bal.IsZero(), "balance at %s is %s", asOf, bal)
	}

	_, _, err = e.Reverse(ctx, rev.ID, now)
	assert.True(t, wallet.IsValidation(err))

	_, _, err = e.Reverse(ctx, "missing", now)
	assert.True(t, wallet.IsNotFound(err))
}

// =============================================================================
// PROPERTIES
// =============================================================================

func TestBalance_EqualsSumOfActiveEntries(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("balance is the sum of non-expired entries", prop.ForAll(
		func(cents []int64, expiryHours []int, asOfHours int) bool {
			ctx := context.Background()
			e := newTestEngine()
			asOf := now.Add(time.Duration(asOfHours) * time.Hour)
			want := decimal.Zero

			for i, c := range cents {
				if c == 0 {
					continue
				}
				in := wallet.AppendInput{
					AccountID:      "acct-p",
					Amount:         decimal.New(c, -2),
					Reason:         wallet.ReasonAdjustment,
					IdempotencyKey: fmt.Sprintf("k%d", i),
				}
				var expiresAt *time.Time
				if c > 0 && i < len(expiryHours) && expiryHours[i] != 0 {
					ts := now.Add(time.Duration(expiryHours[i]) * time.Hour)
					expiresAt = &ts
					in.ExpiresAt = expiresAt
				}
				if _, _, err := e.AppendEntry(ctx, in, now); err != nil {
					return false
				}
				// Retrying must not change anything.
				if _, created, err := e.AppendEntry(ctx, in, now); err != nil || created {
					return false
				}
				if expiresAt == nil || expiresAt.After(asOf) {
					want = want.Add(in.Amount)
				}
			}

			got, err := e.GetBalance(ctx, "acct-p", asOf)
			return err == nil && got.Equal(want)
		},
		gen.SliceOf(gen.Int64Range(-100000, 100000)),
		gen.SliceOf(gen.IntRange(-48, 48)),
		gen.IntRange(-24, 24),
	))

	properties.TestingRun(t)
}
