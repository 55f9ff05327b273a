package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// NFTTransfer is one token movement inside a ledger transaction.
type NFTTransfer struct {
	TokenID      string
	SerialNumber int64
	Sender       string
	Receiver     string
}

// VerifiedTransfer is what the ledger reports for a transaction reference.
// NetTransfers maps account id to the net amount in the native currency
// (negative for debits).
type VerifiedTransfer struct {
	TransactionID      string
	Hash               string
	ConsensusTimestamp time.Time
	Result             string
	NetTransfers       map[string]decimal.Decimal
	NFTTransfers       []NFTTransfer
}

// LedgerVerifier looks up a transfer reference on the distributed ledger.
// It returns ErrProofInvalid (wrapped) when the reference does not resolve
// to a successful transaction.
type LedgerVerifier interface {
	VerifyLedgerTransaction(ctx context.Context, ref string) (VerifiedTransfer, error)
}
