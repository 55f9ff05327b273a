package verify

import (
	"fmt"

	"github.com/alanyoungcy/comicmarket/internal/domain"
)

// ResultSuccess is the mirror-node result of a transaction that reached
// consensus and executed.
const ResultSuccess = "SUCCESS"

// MatchSettlement checks that a verified transfer settles attempt a: it
// succeeded, moved the NFT from seller to buyer, and credited the seller at
// least the agreed price. Mismatches wrap domain.ErrProofInvalid.
func MatchSettlement(v domain.VerifiedTransfer, a domain.SettlementAttempt) error {
	if v.Result != ResultSuccess {
		return fmt.Errorf("%w: ledger result %s", domain.ErrProofInvalid, v.Result)
	}

	moved := false
	for _, n := range v.NFTTransfers {
		if n.TokenID == a.NFT.TokenID && n.SerialNumber == a.NFT.SerialNumber &&
			n.Sender == a.Seller.AccountID && n.Receiver == a.Buyer.AccountID {
			moved = true
			break
		}
	}
	if !moved {
		return fmt.Errorf("%w: no transfer of %s/%d from %s to %s",
			domain.ErrProofInvalid, a.NFT.TokenID, a.NFT.SerialNumber, a.Seller.AccountID, a.Buyer.AccountID)
	}

	if credit := v.NetTransfers[a.Seller.AccountID]; credit.LessThan(a.Price.Amount) {
		return fmt.Errorf("%w: seller credited %s, price %s", domain.ErrProofInvalid, credit, a.Price.Amount)
	}
	return nil
}
