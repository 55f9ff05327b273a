package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ListingType distinguishes fixed-price sales from auctions.
type ListingType string

const (
	ListingFixedPrice ListingType = "fixed_price"
	ListingAuction    ListingType = "auction"
)

// ListingStatus tracks the listing lifecycle.
type ListingStatus string

const (
	ListingActive    ListingStatus = "active"
	ListingPending   ListingStatus = "pending" // reserved by an in-flight settlement
	ListingSold      ListingStatus = "sold"
	ListingCancelled ListingStatus = "cancelled"
	ListingExpired   ListingStatus = "expired"
)

// Terminal reports whether no further transition is allowed.
func (s ListingStatus) Terminal() bool {
	switch s {
	case ListingSold, ListingCancelled, ListingExpired:
		return true
	default:
		return false
	}
}

// Actor identifies a marketplace user together with their ledger account.
// WalletAddress is the optional EVM alias of an ECDSA ledger account and is
// only needed when proof signatures are enforced.
type Actor struct {
	ID            string `json:"id"`
	AccountID     string `json:"account_id"`
	WalletAddress string `json:"wallet_address,omitempty"`
}

// Same reports whether two actors are the same user.
func (a Actor) Same(o Actor) bool {
	return a.ID != "" && a.ID == o.ID
}

// NFT identifies one serial of a ledger token.
type NFT struct {
	TokenID      string `json:"token_id"`
	SerialNumber int64  `json:"serial_number"`
}

// FixedPriceTerms holds the fields of a fixed-price listing.
type FixedPriceTerms struct {
	Price     Money      `json:"price"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Bid is one accepted bid. Bids are append-only and chronological.
type Bid struct {
	Bidder         Actor           `json:"bidder"`
	Amount         decimal.Decimal `json:"amount"`
	Timestamp      time.Time       `json:"timestamp"`
	TransactionRef string          `json:"transaction_ref,omitempty"`
}

// AuctionTerms holds the fields of an auction listing.
type AuctionTerms struct {
	StartingPrice       Money           `json:"starting_price"`
	ReservePrice        decimal.Decimal `json:"reserve_price"`
	CurrentBid          decimal.Decimal `json:"current_bid"`
	MinimumBidIncrement decimal.Decimal `json:"minimum_bid_increment"`
	StartTime           time.Time       `json:"start_time"`
	EndTime             time.Time       `json:"end_time"`
	Bids                []Bid           `json:"bids"`
	HighestBidder       *Actor          `json:"highest_bidder,omitempty"`
	// SettlementFailures counts winner settlements that were aborted. The
	// sweeper only auto-completes auctions where this is zero.
	SettlementFailures int `json:"settlement_failures"`
}

// Ended reports whether the auction is over at now.
func (a *AuctionTerms) Ended(now time.Time) bool {
	return now.After(a.EndTime)
}

// SaleResult is set exactly once, on the transition to Sold.
type SaleResult struct {
	Buyer                    Actor     `json:"buyer"`
	SoldPrice                Money     `json:"sold_price"`
	SoldAt                   time.Time `json:"sold_at"`
	SettlementTransactionRef string    `json:"settlement_transaction_ref"`
}

// Reservation marks a listing as locked by an in-flight settlement attempt.
type Reservation struct {
	AttemptID string    `json:"attempt_id"`
	Buyer     Actor     `json:"buyer"`
	Until     time.Time `json:"until"`
}

// Listing is a sale offer for one NFT serial. Exactly one of FixedPrice or
// Auction is populated, matching Type. Mutations go through
// ListingRepository.CompareAndSwap, which checks and bumps Version.
type Listing struct {
	ID          string           `json:"id"`
	NFT         NFT              `json:"nft"`
	Type        ListingType      `json:"listing_type"`
	Seller      Actor            `json:"seller"`
	Status      ListingStatus    `json:"status"`
	FixedPrice  *FixedPriceTerms `json:"fixed_price,omitempty"`
	Auction     *AuctionTerms    `json:"auction,omitempty"`
	Sale        *SaleResult      `json:"sale,omitempty"`
	Reservation *Reservation     `json:"reservation,omitempty"`
	Version     int64            `json:"version"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Open reports whether the listing still blocks a second listing of the
// same asset.
func (l Listing) Open() bool {
	return l.Status == ListingActive || l.Status == ListingPending
}

// ReservedBy reports whether attemptID holds the listing's reservation.
func (l Listing) ReservedBy(attemptID string) bool {
	return l.Status == ListingPending && l.Reservation != nil && l.Reservation.AttemptID == attemptID
}

// Clone returns a deep copy so callers can mutate freely without touching
// stored state.
func (l Listing) Clone() Listing {
	out := l
	if l.FixedPrice != nil {
		fp := *l.FixedPrice
		if l.FixedPrice.ExpiresAt != nil {
			t := *l.FixedPrice.ExpiresAt
			fp.ExpiresAt = &t
		}
		out.FixedPrice = &fp
	}
	if l.Auction != nil {
		a := *l.Auction
		a.Bids = make([]Bid, len(l.Auction.Bids))
		copy(a.Bids, l.Auction.Bids)
		if l.Auction.HighestBidder != nil {
			hb := *l.Auction.HighestBidder
			a.HighestBidder = &hb
		}
		out.Auction = &a
	}
	if l.Sale != nil {
		s := *l.Sale
		out.Sale = &s
	}
	if l.Reservation != nil {
		r := *l.Reservation
		out.Reservation = &r
	}
	return out
}

// AskingPrice is the fixed price, or the current bid (falling back to the
// starting price) for auctions.
func (l Listing) AskingPrice() Money {
	switch {
	case l.FixedPrice != nil:
		return l.FixedPrice.Price
	case l.Auction != nil:
		if len(l.Auction.Bids) > 0 {
			return NewMoney(l.Auction.CurrentBid, l.Auction.StartingPrice.Currency)
		}
		return l.Auction.StartingPrice
	default:
		return Money{}
	}
}

// ListingMutation transforms a copy of the current listing. Returning an
// error aborts the swap without writing.
type ListingMutation func(l *Listing) error

// ListingFilter narrows listing queries.
type ListingFilter struct {
	Status   []ListingStatus
	Type     ListingType
	SellerID string
	// EndedBefore matches auctions whose end time is before the instant.
	EndedBefore *time.Time
	// ReservedBefore matches pending listings whose reservation expired
	// before the instant.
	ReservedBefore *time.Time
	// ExpiresBefore matches fixed-price listings whose expiry is before
	// the instant.
	ExpiresBefore *time.Time
	Limit         int
	Offset        int
}
