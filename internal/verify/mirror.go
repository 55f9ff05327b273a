// Package verify checks buyer-supplied ledger references against a Hedera
// mirror node before a settlement is allowed to commit.
package verify

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/comicmarket/internal/domain"
)

// tinybarsPerHbar converts mirror-node amounts to HBAR.
var tinybarsPerHbar = decimal.NewFromInt(100_000_000)

// MirrorClient is a REST client for the Hedera mirror node.
type MirrorClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewMirrorClient creates a client for baseURL, e.g.
// "https://testnet.mirrornode.hedera.com".
func NewMirrorClient(baseURL string) *MirrorClient {
	return &MirrorClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type mirrorTransfer struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"`
}

type mirrorNFTTransfer struct {
	TokenID           string `json:"token_id"`
	SerialNumber      int64  `json:"serial_number"`
	SenderAccountID   string `json:"sender_account_id"`
	ReceiverAccountID string `json:"receiver_account_id"`
}

type mirrorTransaction struct {
	TransactionID      string              `json:"transaction_id"`
	ConsensusTimestamp string              `json:"consensus_timestamp"`
	TransactionHash    string              `json:"transaction_hash"`
	Result             string              `json:"result"`
	Transfers          []mirrorTransfer    `json:"transfers"`
	NFTTransfers       []mirrorNFTTransfer `json:"nft_transfers"`
}

type mirrorResponse struct {
	Transactions []mirrorTransaction `json:"transactions"`
}

// MirrorTransactionID converts a wallet-style id ("0.0.123@1700000000.000000042")
// to the mirror-node path form ("0.0.123-1700000000-000000042"). Ids already
// in path form are returned unchanged.
func MirrorTransactionID(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	payer, validStart, ok := strings.Cut(ref, "@")
	if !ok {
		if strings.Count(ref, "-") == 2 {
			return ref, nil
		}
		return "", fmt.Errorf("%w: malformed transaction id %q", domain.ErrProofInvalid, ref)
	}
	secs, nanos, ok := strings.Cut(validStart, ".")
	if !ok || payer == "" || secs == "" || nanos == "" {
		return "", fmt.Errorf("%w: malformed transaction id %q", domain.ErrProofInvalid, ref)
	}
	return payer + "-" + secs + "-" + nanos, nil
}

// parseConsensus turns "seconds.nanos" into a time.
func parseConsensus(ts string) (time.Time, error) {
	secs, nanos, _ := strings.Cut(ts, ".")
	s, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	var n int64
	if nanos != "" {
		if n, err = strconv.ParseInt(nanos, 10, 64); err != nil {
			return time.Time{}, err
		}
	}
	return time.Unix(s, n).UTC(), nil
}

// VerifyLedgerTransaction fetches ref from the mirror node and returns its
// transfers. A missing transaction wraps domain.ErrProofInvalid.
func (c *MirrorClient) VerifyLedgerTransaction(ctx context.Context, ref string) (domain.VerifiedTransfer, error) {
	id, err := MirrorTransactionID(ref)
	if err != nil {
		return domain.VerifiedTransfer{}, err
	}

	body, status, err := c.doGet(ctx, "/api/v1/transactions/"+url.PathEscape(id))
	if err != nil {
		return domain.VerifiedTransfer{}, fmt.Errorf("verify/mirror: get %s: %w", id, err)
	}
	if status == http.StatusNotFound {
		return domain.VerifiedTransfer{}, fmt.Errorf("%w: transaction %s not found on mirror node", domain.ErrProofInvalid, id)
	}
	if status < 200 || status >= 300 {
		return domain.VerifiedTransfer{}, fmt.Errorf("verify/mirror: get %s: status %d: %s", id, status, truncate(body, 200))
	}

	var resp mirrorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.VerifiedTransfer{}, fmt.Errorf("verify/mirror: decode %s: %w", id, err)
	}
	if len(resp.Transactions) == 0 {
		return domain.VerifiedTransfer{}, fmt.Errorf("%w: transaction %s not found on mirror node", domain.ErrProofInvalid, id)
	}

	// The parent transaction comes first; child records follow.
	tx := resp.Transactions[0]
	out := domain.VerifiedTransfer{
		TransactionID: tx.TransactionID,
		Result:        tx.Result,
		NetTransfers:  make(map[string]decimal.Decimal, len(tx.Transfers)),
	}
	if raw, err := base64.StdEncoding.DecodeString(tx.TransactionHash); err == nil {
		out.Hash = "0x" + hex.EncodeToString(raw)
	}
	if tx.ConsensusTimestamp != "" {
		if out.ConsensusTimestamp, err = parseConsensus(tx.ConsensusTimestamp); err != nil {
			return domain.VerifiedTransfer{}, fmt.Errorf("verify/mirror: consensus timestamp %q: %w", tx.ConsensusTimestamp, err)
		}
	}
	for _, t := range tx.Transfers {
		amt := decimal.NewFromInt(t.Amount).Div(tinybarsPerHbar)
		out.NetTransfers[t.Account] = out.NetTransfers[t.Account].Add(amt)
	}
	for _, n := range tx.NFTTransfers {
		out.NFTTransfers = append(out.NFTTransfers, domain.NFTTransfer{
			TokenID:      n.TokenID,
			SerialNumber: n.SerialNumber,
			Sender:       n.SenderAccountID,
			Receiver:     n.ReceiverAccountID,
		})
	}
	return out, nil
}

// ExplorerURL links a transaction on HashScan for the given network.
func ExplorerURL(network, ref string) string {
	if network == "" {
		network = "testnet"
	}
	id, err := MirrorTransactionID(ref)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("https://hashscan.io/%s/transaction/%s", network, id)
}

func (c *MirrorClient) doGet(ctx context.Context, path string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}

var _ domain.LedgerVerifier = (*MirrorClient)(nil)
