package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/alanyoungcy/comicmarket/internal/domain"
)

// TransactionLister reads the ledger.
type TransactionLister interface {
	List(ctx context.Context, f domain.TransactionFilter) ([]domain.TransactionRecord, error)
}

// StatsProvider computes market stats.
type StatsProvider interface {
	Get(ctx context.Context, days int) (domain.MarketStats, error)
}

// LedgerHandler serves transaction history and market stats.
type LedgerHandler struct {
	records TransactionLister
	stats   StatsProvider
	logger  *slog.Logger
}

// NewLedgerHandler creates a LedgerHandler.
func NewLedgerHandler(records TransactionLister, stats StatsProvider, logger *slog.Logger) *LedgerHandler {
	return &LedgerHandler{records: records, stats: stats, logger: logHandler(logger, "ledger")}
}

type listTransactionsResponse struct {
	Transactions []domain.TransactionRecord `json:"transactions"`
	Limit        int                        `json:"limit"`
	Offset       int                        `json:"offset"`
}

// ListTransactions returns ledger records, newest first.
// GET /api/transactions?listing_id=&actor=&type=&status=
func (h *LedgerHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	q := r.URL.Query()

	f := domain.TransactionFilter{
		ListingID: q.Get("listing_id"),
		ActorID:   q.Get("actor"),
		Type:      domain.TransactionType(q.Get("type")),
		Limit:     opts.Limit,
		Offset:    opts.Offset,
	}
	for _, s := range q["status"] {
		f.Status = append(f.Status, domain.TransactionStatus(s))
	}

	records, err := h.records.List(r.Context(), f)
	if err != nil {
		writeDomainError(w, r, h.logger, "list transactions", err)
		return
	}
	if records == nil {
		records = []domain.TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, listTransactionsResponse{Transactions: records, Limit: opts.Limit, Offset: opts.Offset})
}

// GetStats returns market stats over a trailing window.
// GET /api/stats?days=30
func (h *LedgerHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	days := 0
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		days = n
	}

	s, err := h.stats.Get(r.Context(), days)
	if err != nil {
		writeDomainError(w, r, h.logger, "compute stats", err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}
