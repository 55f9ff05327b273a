package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Receipt is the settlement fact the operator key attests to.
type Receipt struct {
	ListingID     string
	AttemptID     string
	TransactionID string
	BuyerAccount  string
	SellerAccount string
	TokenID       string
	SerialNumber  int64
	Price         string // decimal string, currency appended
	LedgerRef     string
}

// Digest is keccak256 over the pipe-joined receipt fields.
func (r Receipt) Digest() []byte {
	msg := strings.Join([]string{
		"comicmarket:receipt",
		r.ListingID,
		r.AttemptID,
		r.TransactionID,
		r.BuyerAccount,
		r.SellerAccount,
		r.TokenID,
		fmt.Sprintf("%d", r.SerialNumber),
		r.Price,
		r.LedgerRef,
	}, "|")
	return ethcrypto.Keccak256([]byte(msg))
}

// ReceiptSigner signs settlement receipts with the operator's secp256k1 key.
type ReceiptSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewReceiptSigner creates a signer from a hex private key (0x optional).
func NewReceiptSigner(privateKeyHex string) (*ReceiptSigner, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/receipt: invalid private key: %w", err)
	}
	return &ReceiptSigner{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the operator address receipts recover to.
func (s *ReceiptSigner) Address() common.Address {
	return s.address
}

// SignReceipt returns the 0x-prefixed r||s||v signature of r.Digest().
func (s *ReceiptSigner) SignReceipt(r Receipt) (string, error) {
	sig, err := ethcrypto.Sign(r.Digest(), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/receipt: signing: %w", err)
	}
	// go-ethereum yields v in {0,1}; published signatures carry {27,28}.
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// RecoverReceiptSigner returns the address that produced sigHex over r.
func RecoverReceiptSigner(r Receipt, sigHex string) (common.Address, error) {
	sig, err := decodeSignature(sigHex)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := ethcrypto.SigToPub(r.Digest(), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto/receipt: recover: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// decodeSignature parses a 65-byte hex signature and normalises v to {0,1}.
func decodeSignature(sigHex string) ([]byte, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: signature is not hex: %w", err)
	}
	if len(sig) != ethcrypto.SignatureLength {
		return nil, fmt.Errorf("crypto: signature must be %d bytes, got %d", ethcrypto.SignatureLength, len(sig))
	}
	switch sig[64] {
	case 27, 28:
		sig[64] -= 27
	case 0, 1:
	default:
		return nil, errors.New("crypto: signature has invalid recovery id")
	}
	return sig, nil
}
