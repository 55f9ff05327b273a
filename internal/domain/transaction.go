package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionType classifies ledger records.
type TransactionType string

const (
	TxPurchase        TransactionType = "purchase"
	TxListing         TransactionType = "listing"
	TxDelisting       TransactionType = "delisting"
	TxBid             TransactionType = "bid"
	TxAuctionComplete TransactionType = "auction_complete"
)

// TransactionStatus tracks a record's lifecycle. Once a record leaves
// Pending it never changes again.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
	TxCancelled TransactionStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TransactionStatus) Terminal() bool {
	return s != TxPending
}

// Error codes recorded on failed transactions.
const (
	CodeTimeout         = "Timeout"
	CodeBuyerCancelled  = "Cancelled"
	CodeSellerCancelled = "SellerCancelled"
	CodeProofInvalid    = "ProofInvalid"
	CodeProofExpired    = "ProofExpired"
	CodeReservation     = "ReservationFailed"
	CodeInternal        = "InternalInvariant"
)

// Fees is the fee breakdown for a priced transaction.
type Fees struct {
	PlatformFee decimal.Decimal `json:"platform_fee"`
	RoyaltyFee  decimal.Decimal `json:"royalty_fee"`
	TotalFees   decimal.Decimal `json:"total_fees"`
}

// LedgerTransaction references the external ledger transfer that settled a
// record.
type LedgerTransaction struct {
	TransactionID      string     `json:"transaction_id"`
	Hash               string     `json:"hash,omitempty"`
	ConsensusTimestamp *time.Time `json:"consensus_timestamp,omitempty"`
	ExplorerURL        string     `json:"explorer_url,omitempty"`
}

// TxError describes why a record failed.
type TxError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TransactionRecord is one audit entry of the transaction ledger. It
// outlives its listing.
type TransactionRecord struct {
	ID               string             `json:"id"`
	ListingID        string             `json:"listing_id,omitempty"`
	AttemptID        string             `json:"attempt_id,omitempty"`
	Type             TransactionType    `json:"type"`
	Status           TransactionStatus  `json:"status"`
	Buyer            *Actor             `json:"buyer,omitempty"`
	Seller           *Actor             `json:"seller,omitempty"`
	NFT              NFT                `json:"nft"`
	Price            Money              `json:"price"`
	Fees             Fees               `json:"fees"`
	Ledger           *LedgerTransaction `json:"ledger_transaction,omitempty"`
	Error            *TxError           `json:"error,omitempty"`
	ReceiptSignature string             `json:"receipt_signature,omitempty"`
	InitiatedAt      time.Time          `json:"initiated_at"`
	CompletedAt      *time.Time         `json:"completed_at,omitempty"`
	FailedAt         *time.Time         `json:"failed_at,omitempty"`
}

// Duration returns the time between initiation and completion, or zero for
// records that did not complete.
func (r TransactionRecord) Duration() time.Duration {
	if r.CompletedAt == nil {
		return 0
	}
	return r.CompletedAt.Sub(r.InitiatedAt)
}

// TerminalUpdate carries the fields written when a record leaves Pending.
type TerminalUpdate struct {
	Status           TransactionStatus
	At               time.Time
	Ledger           *LedgerTransaction
	Error            *TxError
	ReceiptSignature string
}

// TransactionFilter narrows ledger queries.
type TransactionFilter struct {
	ListingID string
	ActorID   string
	Type      TransactionType
	Status    []TransactionStatus
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}
