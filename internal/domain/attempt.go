package domain

import "time"

// AttemptState is the coordinator state of one settlement attempt.
type AttemptState string

const (
	AttemptInitiated     AttemptState = "initiated"
	AttemptReserved      AttemptState = "reserved"
	AttemptAwaitingProof AttemptState = "awaiting_proof"
	AttemptFinalizing    AttemptState = "finalizing"
	AttemptCommitted     AttemptState = "committed"
	AttemptRolledBack    AttemptState = "rolled_back"
)

// Open reports whether the attempt may still be aborted.
func (s AttemptState) Open() bool {
	switch s {
	case AttemptInitiated, AttemptReserved, AttemptAwaitingProof:
		return true
	default:
		return false
	}
}

// AttemptKind distinguishes fixed-price purchases from auction settlements.
type AttemptKind string

const (
	AttemptPurchase          AttemptKind = "purchase"
	AttemptAuctionSettlement AttemptKind = "auction_settlement"
)

// SettlementAttempt is an in-flight settlement holding a listing
// reservation until Deadline.
type SettlementAttempt struct {
	ID            string       `json:"id"`
	ListingID     string       `json:"listing_id"`
	TransactionID string       `json:"transaction_id"`
	Kind          AttemptKind  `json:"kind"`
	Buyer         Actor        `json:"buyer"`
	Seller        Actor        `json:"seller"`
	NFT           NFT          `json:"nft"`
	Price         Money        `json:"price"`
	State         AttemptState `json:"state"`
	ProofRef      string       `json:"proof_ref,omitempty"`
	FailureCode   string       `json:"failure_code,omitempty"`
	Deadline      time.Time    `json:"deadline"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// AttemptTransition describes a conditional state change.
type AttemptTransition struct {
	From        []AttemptState
	To          AttemptState
	ProofRef    string
	FailureCode string
	At          time.Time
}
