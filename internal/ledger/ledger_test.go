package ledger

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/comicmarket/internal/domain"
	"github.com/alanyoungcy/comicmarket/internal/store/memory"
)

func newService(now *time.Time) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewService(memory.NewTransactionStore(), FeeSchedule{PlatformBps: 250, RoyaltyBps: 500}, logger).
		WithClock(func() time.Time { return *now })
}

func TestFeeSchedule(t *testing.T) {
	f := FeeSchedule{PlatformBps: 250, RoyaltyBps: 500}.Compute(decimal.RequireFromString("50"))
	assert.True(t, f.PlatformFee.Equal(decimal.RequireFromString("1.25")))
	assert.True(t, f.RoyaltyFee.Equal(decimal.RequireFromString("2.5")))
	assert.True(t, f.TotalFees.Equal(decimal.RequireFromString("3.75")))

	zero := FeeSchedule{}.Compute(decimal.RequireFromString("50"))
	assert.True(t, zero.TotalFees.IsZero())
}

func TestOpenCompleteIsMonotone(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := newService(&now)

	buyer := &domain.Actor{ID: "b"}
	r, err := s.Open(ctx, Entry{Type: domain.TxPurchase, ListingID: "l1", Buyer: buyer, Price: domain.HBAR("50")})
	require.NoError(t, err)
	assert.Equal(t, domain.TxPending, r.Status)
	assert.True(t, r.Fees.TotalFees.Equal(decimal.RequireFromString("3.75")))

	now = now.Add(90 * time.Second)
	done, err := s.Complete(ctx, r.ID, domain.LedgerTransaction{TransactionID: "0.0.1@1.1"}, "0xsig")
	require.NoError(t, err)
	assert.Equal(t, domain.TxCompleted, done.Status)
	assert.Equal(t, 90*time.Second, done.Duration())
	assert.Equal(t, "0xsig", done.ReceiptSignature)
	assert.Nil(t, done.FailedAt)

	again, err := s.Fail(ctx, r.ID, domain.CodeTimeout, "late")
	assert.ErrorIs(t, err, domain.ErrTransactionFinal)
	assert.Equal(t, domain.TxCompleted, again.Status)
	assert.Nil(t, again.FailedAt)
}

func TestFail(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := newService(&now)

	r, err := s.Open(ctx, Entry{Type: domain.TxPurchase, Price: domain.HBAR("5")})
	require.NoError(t, err)
	failed, err := s.Fail(ctx, r.ID, domain.CodeTimeout, "no proof")
	require.NoError(t, err)
	assert.Equal(t, domain.TxFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, domain.CodeTimeout, failed.Error.Code)
	assert.Nil(t, failed.CompletedAt)
	require.NotNil(t, failed.FailedAt)
}

func TestRecordIsCompletedWithoutFees(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	s := newService(&now)

	r, err := s.Record(ctx, Entry{Type: domain.TxAuctionComplete, ListingID: "l1", Price: domain.HBAR("10")})
	require.NoError(t, err)
	assert.Equal(t, domain.TxCompleted, r.Status)
	assert.Nil(t, r.Buyer)
	assert.True(t, r.Fees.TotalFees.IsZero())
	require.NotNil(t, r.CompletedAt)

	list, err := s.List(ctx, domain.TransactionFilter{ListingID: "l1"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}
