package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRejectionErrorMatchesSentinel(t *testing.T) {
	err := fmt.Errorf("coordinator: place bid: %w", Reject(ReasonBidTooLow, "10 <= 10"))

	assert.True(t, errors.Is(err, ErrRejected))
	assert.Equal(t, ReasonBidTooLow, ReasonOf(err))
	assert.Equal(t, RejectReason(""), ReasonOf(ErrNotFound))
}

func TestListingCloneIsDeep(t *testing.T) {
	bidder := Actor{ID: "u1", AccountID: "0.0.11"}
	l := Listing{
		ID:     "l1",
		Type:   ListingAuction,
		Status: ListingActive,
		Auction: &AuctionTerms{
			StartingPrice: HBAR("10"),
			Bids:          []Bid{{Bidder: bidder, Amount: decimal.NewFromInt(10), Timestamp: time.Unix(1, 0)}},
			HighestBidder: &bidder,
		},
	}

	c := l.Clone()
	c.Auction.Bids = append(c.Auction.Bids, Bid{Amount: decimal.NewFromInt(11)})
	c.Auction.Bids[0].Amount = decimal.NewFromInt(99)
	c.Auction.HighestBidder.ID = "u2"

	require.Len(t, l.Auction.Bids, 1)
	assert.True(t, l.Auction.Bids[0].Amount.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "u1", l.Auction.HighestBidder.ID)
}

func TestListingReservedBy(t *testing.T) {
	l := Listing{Status: ListingPending, Reservation: &Reservation{AttemptID: "a1"}}
	assert.True(t, l.ReservedBy("a1"))
	assert.False(t, l.ReservedBy("a2"))

	l.Status = ListingActive
	assert.False(t, l.ReservedBy("a1"))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, ListingActive.Terminal())
	assert.False(t, ListingPending.Terminal())
	assert.True(t, ListingSold.Terminal())
	assert.True(t, ListingCancelled.Terminal())
	assert.True(t, ListingExpired.Terminal())

	assert.False(t, TxPending.Terminal())
	assert.True(t, TxFailed.Terminal())
}
