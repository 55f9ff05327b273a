package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrLockHeld         = errors.New("lock already held")
	ErrVersionConflict  = errors.New("version conflict")
	ErrContention       = errors.New("listing contention, retry later")
	ErrDuplicateListing = errors.New("asset already has an active listing")
	ErrNotOwner         = errors.New("actor does not own the listing")
	ErrInvalidState     = errors.New("invalid state for operation")
	ErrInvalidListing   = errors.New("invalid listing parameters")
	ErrAttemptClosed    = errors.New("settlement attempt is no longer open")
	ErrProofExpired     = errors.New("settlement attempt deadline passed")
	ErrProofInvalid     = errors.New("ledger proof rejected")
	ErrTransactionFinal = errors.New("transaction record already terminal")
	ErrInvariant        = errors.New("internal invariant violated")
	ErrRejected         = errors.New("rejected")
)

// RejectReason names why the validator refused a bid, purchase, or
// auction completion.
type RejectReason string

const (
	ReasonNotAuction        RejectReason = "NotAuction"
	ReasonNotFixedPrice     RejectReason = "NotFixedPrice"
	ReasonListingNotActive  RejectReason = "ListingNotActive"
	ReasonAuctionNotStarted RejectReason = "AuctionNotStarted"
	ReasonAuctionEnded      RejectReason = "AuctionEnded"
	ReasonAuctionNotEnded   RejectReason = "AuctionNotEnded"
	ReasonBidTooLow         RejectReason = "BidTooLow"
	ReasonBelowMinIncrement RejectReason = "BelowMinIncrement"
	ReasonSelfBid           RejectReason = "SelfBid"
	ReasonSelfPurchase      RejectReason = "SelfPurchase"
	ReasonCurrencyMismatch  RejectReason = "CurrencyMismatch"
	ReasonListingExpired    RejectReason = "ListingExpired"
)

// RejectionError is returned synchronously when caller input violates a
// listing rule. It never has side effects and is never retried.
type RejectionError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectionError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("rejected: %s", e.Reason)
	}
	return fmt.Sprintf("rejected: %s: %s", e.Reason, e.Detail)
}

// Is lets errors.Is(err, ErrRejected) match any rejection.
func (e *RejectionError) Is(target error) bool {
	return target == ErrRejected
}

// Reject builds a RejectionError.
func Reject(reason RejectReason, detail string) *RejectionError {
	return &RejectionError{Reason: reason, Detail: detail}
}

// ReasonOf extracts the rejection reason from err, or "" when err is not a
// rejection.
func ReasonOf(err error) RejectReason {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ""
}
