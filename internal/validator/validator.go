// Package validator holds the pure decision rules for bids, purchases and
// auction outcomes. Nothing here performs I/O; every function is
// deterministic in its inputs so the coordinator can re-run it on each
// read-validate-write cycle.
package validator

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/comicmarket/internal/domain"
)

// ValidateListing checks a listing about to be created.
func ValidateListing(l domain.Listing) error {
	if l.NFT.TokenID == "" || l.NFT.SerialNumber <= 0 {
		return fmt.Errorf("%w: token_id and positive serial_number required", domain.ErrInvalidListing)
	}
	if l.Seller.ID == "" || l.Seller.AccountID == "" {
		return fmt.Errorf("%w: seller id and account id required", domain.ErrInvalidListing)
	}

	switch l.Type {
	case domain.ListingFixedPrice:
		if l.FixedPrice == nil || l.Auction != nil {
			return fmt.Errorf("%w: fixed_price listing needs fixed-price terms only", domain.ErrInvalidListing)
		}
		if !l.FixedPrice.Price.Amount.IsPositive() {
			return fmt.Errorf("%w: price must be positive", domain.ErrInvalidListing)
		}
	case domain.ListingAuction:
		if l.Auction == nil || l.FixedPrice != nil {
			return fmt.Errorf("%w: auction listing needs auction terms only", domain.ErrInvalidListing)
		}
		a := l.Auction
		if !a.StartingPrice.Amount.IsPositive() {
			return fmt.Errorf("%w: starting price must be positive", domain.ErrInvalidListing)
		}
		if a.MinimumBidIncrement.IsNegative() {
			return fmt.Errorf("%w: minimum bid increment must not be negative", domain.ErrInvalidListing)
		}
		if a.ReservePrice.IsNegative() {
			return fmt.Errorf("%w: reserve price must not be negative", domain.ErrInvalidListing)
		}
		if !a.EndTime.After(a.StartTime) {
			return fmt.Errorf("%w: end time must be after start time", domain.ErrInvalidListing)
		}
		if len(a.Bids) > 0 {
			return fmt.Errorf("%w: new auction cannot carry bids", domain.ErrInvalidListing)
		}
	default:
		return fmt.Errorf("%w: unknown listing type %q", domain.ErrInvalidListing, l.Type)
	}
	return nil
}

// ValidateBid decides whether bidder may bid amount on l at now.
//
// The first bid must reach the starting price. Every later bid must exceed
// the current bid and be at least current bid + minimum increment.
func ValidateBid(l domain.Listing, bidder domain.Actor, amount decimal.Decimal, now time.Time) error {
	if l.Type != domain.ListingAuction || l.Auction == nil {
		return domain.Reject(domain.ReasonNotAuction, "")
	}
	if l.Status != domain.ListingActive {
		return domain.Reject(domain.ReasonListingNotActive, string(l.Status))
	}
	if bidder.Same(l.Seller) {
		return domain.Reject(domain.ReasonSelfBid, "")
	}

	a := l.Auction
	if now.Before(a.StartTime) {
		return domain.Reject(domain.ReasonAuctionNotStarted, a.StartTime.UTC().Format(time.RFC3339))
	}
	if a.Ended(now) {
		return domain.Reject(domain.ReasonAuctionEnded, a.EndTime.UTC().Format(time.RFC3339))
	}

	if len(a.Bids) == 0 {
		if amount.LessThan(a.StartingPrice.Amount) {
			return domain.Reject(domain.ReasonBidTooLow,
				fmt.Sprintf("%s below starting price %s", amount, a.StartingPrice.Amount))
		}
		return nil
	}

	if amount.LessThanOrEqual(a.CurrentBid) {
		return domain.Reject(domain.ReasonBidTooLow,
			fmt.Sprintf("%s <= current bid %s", amount, a.CurrentBid))
	}
	minNext := a.CurrentBid.Add(a.MinimumBidIncrement)
	if amount.LessThan(minNext) {
		return domain.Reject(domain.ReasonBelowMinIncrement,
			fmt.Sprintf("%s < %s", amount, minNext))
	}
	return nil
}

// ValidatePurchase decides whether buyer may start buying l at now.
func ValidatePurchase(l domain.Listing, buyer domain.Actor, now time.Time) error {
	if l.Type != domain.ListingFixedPrice || l.FixedPrice == nil {
		return domain.Reject(domain.ReasonNotFixedPrice, "")
	}
	if l.Status != domain.ListingActive {
		return domain.Reject(domain.ReasonListingNotActive, string(l.Status))
	}
	if exp := l.FixedPrice.ExpiresAt; exp != nil && now.After(*exp) {
		return domain.Reject(domain.ReasonListingExpired, exp.UTC().Format(time.RFC3339))
	}
	if buyer.Same(l.Seller) {
		return domain.Reject(domain.ReasonSelfPurchase, "")
	}
	return nil
}

// Outcome is the result of closing an auction. Winner is nil for NoWinner.
type Outcome struct {
	Winner *domain.Bid
	// Reason explains a NoWinner outcome ("no_bids" or "reserve_not_met").
	Reason string
}

// NoWinner reports whether the auction closes without a sale.
func (o Outcome) NoWinner() bool {
	return o.Winner == nil
}

// DecideAuctionOutcome picks the winning bid of an ended auction: the
// highest amount, ties broken by the earliest timestamp. An auction with no
// bids, or whose best bid misses a non-zero reserve, has no winner.
func DecideAuctionOutcome(l domain.Listing, now time.Time) (Outcome, error) {
	if l.Type != domain.ListingAuction || l.Auction == nil {
		return Outcome{}, domain.Reject(domain.ReasonNotAuction, "")
	}
	a := l.Auction
	if !a.Ended(now) {
		return Outcome{}, domain.Reject(domain.ReasonAuctionNotEnded, a.EndTime.UTC().Format(time.RFC3339))
	}
	if len(a.Bids) == 0 {
		return Outcome{Reason: "no_bids"}, nil
	}

	best := a.Bids[0]
	for _, b := range a.Bids[1:] {
		if b.Amount.GreaterThan(best.Amount) ||
			(b.Amount.Equal(best.Amount) && b.Timestamp.Before(best.Timestamp)) {
			best = b
		}
	}

	if a.ReservePrice.IsPositive() && best.Amount.LessThan(a.ReservePrice) {
		return Outcome{Reason: "reserve_not_met"}, nil
	}
	return Outcome{Winner: &best}, nil
}

// AppendBid records an already validated bid on l. Timestamps never move
// backwards: a bid stamped before the previous one is clamped to it.
func AppendBid(l *domain.Listing, bid domain.Bid) {
	a := l.Auction
	if n := len(a.Bids); n > 0 && bid.Timestamp.Before(a.Bids[n-1].Timestamp) {
		bid.Timestamp = a.Bids[n-1].Timestamp
	}
	a.Bids = append(a.Bids, bid)
	a.CurrentBid = bid.Amount
	bidder := bid.Bidder
	a.HighestBidder = &bidder
}
