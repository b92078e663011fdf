package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/remittance-engine/wallet"
)

func TestAppendEntry_StoredEntryIsNotAliased(t *testing.T) {
	// GIVEN: an entry appended with an expiry and metadata
	// WHEN: the caller's input and a returned copy are modified
	// THEN: the stored entry keeps its original values

	ctx := context.Background()
	m := New()
	expires := time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC)
	meta := map[string]string{"source": "promo"}
	in := wallet.Entry{
		ID:             "e-1",
		AccountID:      "acct-1",
		Amount:         decimal.RequireFromString("50"),
		Reason:         wallet.ReasonGrant,
		IdempotencyKey: "k-1",
		ExpiresAt:      &expires,
		Metadata:       meta,
		CreatedAt:      expires.AddDate(0, -1, 0),
	}
	require.NoError(t, m.AppendEntry(ctx, in))

	expires = expires.AddDate(1, 0, 0)
	meta["source"] = "tampered"

	got, err := m.GetEntry(ctx, "e-1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC), *got.ExpiresAt)
	assert.Equal(t, "promo", got.Metadata["source"])

	*got.ExpiresAt = got.ExpiresAt.AddDate(5, 0, 0)
	got.Metadata["source"] = "edited"

	for _, read := range []func() (wallet.Entry, error){
		func() (wallet.Entry, error) { return m.GetEntry(ctx, "e-1") },
		func() (wallet.Entry, error) { return m.FindEntryByKey(ctx, "acct-1", "k-1") },
		func() (wallet.Entry, error) {
			page, err := m.ListEntries(ctx, "acct-1", 10, 0)
			if err != nil || len(page) == 0 {
				return wallet.Entry{}, err
			}
			return page[0], nil
		},
	} {
		e, err := read()
		require.NoError(t, err)
		require.NotNil(t, e.ExpiresAt)
		assert.Equal(t, time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC), *e.ExpiresAt)
		assert.Equal(t, "promo", e.Metadata["source"])
	}

	bal, err := m.SumBalance(ctx, "acct-1", time.Date(2025, time.July, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, bal.IsZero(), "entry expired on its original date, got %s", bal)
}
