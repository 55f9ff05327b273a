package crypto

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/comicmarket/internal/domain"
)

// ProofMessage is the text a buyer's wallet signs to bind a ledger
// reference to one settlement attempt.
func ProofMessage(attemptID, ledgerRef string) string {
	return fmt.Sprintf("comicmarket:proof:%s:%s", attemptID, ledgerRef)
}

// VerifyProofSignature checks that sigHex is a personal_sign (EIP-191)
// signature over ProofMessage(attemptID, ledgerRef) by wallet. Failures
// wrap domain.ErrProofInvalid.
func VerifyProofSignature(attemptID, ledgerRef, sigHex, wallet string) error {
	if !common.IsHexAddress(wallet) {
		return fmt.Errorf("%w: buyer has no wallet address on record", domain.ErrProofInvalid)
	}
	if strings.TrimSpace(sigHex) == "" {
		return fmt.Errorf("%w: proof signature missing", domain.ErrProofInvalid)
	}
	sig, err := decodeSignature(sigHex)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProofInvalid, err)
	}

	hash := accounts.TextHash([]byte(ProofMessage(attemptID, ledgerRef)))
	pub, err := ethcrypto.SigToPub(hash, sig)
	if err != nil {
		return fmt.Errorf("%w: recover signer: %v", domain.ErrProofInvalid, err)
	}
	if got := ethcrypto.PubkeyToAddress(*pub); got != common.HexToAddress(wallet) {
		return fmt.Errorf("%w: signed by %s, expected %s", domain.ErrProofInvalid, got.Hex(), common.HexToAddress(wallet).Hex())
	}
	return nil
}
