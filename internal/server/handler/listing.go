package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/comicmarket/internal/domain"
	"github.com/alanyoungcy/comicmarket/internal/settlement"
)

// Marketplace is the subset of the settlement coordinator the API needs.
type Marketplace interface {
	CreateListing(ctx context.Context, l domain.Listing) (domain.Listing, error)
	GetListing(ctx context.Context, id string) (domain.Listing, error)
	CancelListing(ctx context.Context, id string, actor domain.Actor) (domain.Listing, error)
	BeginPurchase(ctx context.Context, listingID string, buyer domain.Actor) (settlement.Result, error)
	PlaceBid(ctx context.Context, listingID string, bidder domain.Actor, amount decimal.Decimal, txRef string) (domain.Listing, error)
	CompleteAuction(ctx context.Context, listingID string) (settlement.Result, error)
	SubmitProof(ctx context.Context, attemptID string, by domain.Actor, proof settlement.Proof) (settlement.Result, error)
	CancelAttempt(ctx context.Context, attemptID string, by domain.Actor) (settlement.Result, error)
	GetAttempt(ctx context.Context, attemptID string) (settlement.Result, error)
}

// ListingQuery serves listing searches.
type ListingQuery interface {
	ListActive(ctx context.Context, t domain.ListingType, limit, offset int) ([]domain.Listing, error)
	ListBySeller(ctx context.Context, sellerID string, limit, offset int) ([]domain.Listing, error)
}

// ListingHandler serves the listing, bid and purchase endpoints.
type ListingHandler struct {
	market Marketplace
	query  ListingQuery
	logger *slog.Logger
}

// NewListingHandler creates a ListingHandler.
func NewListingHandler(market Marketplace, query ListingQuery, logger *slog.Logger) *ListingHandler {
	return &ListingHandler{market: market, query: query, logger: logHandler(logger, "listing")}
}

type createListingRequest struct {
	NFT         domain.NFT         `json:"nft"`
	ListingType domain.ListingType `json:"listing_type"`
	Currency    string             `json:"currency,omitempty"`

	// Fixed price.
	Price     *decimal.Decimal `json:"price,omitempty"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`

	// Auction.
	StartingPrice       *decimal.Decimal `json:"starting_price,omitempty"`
	ReservePrice        *decimal.Decimal `json:"reserve_price,omitempty"`
	MinimumBidIncrement *decimal.Decimal `json:"minimum_bid_increment,omitempty"`
	StartTime           *time.Time       `json:"start_time,omitempty"`
	EndTime             *time.Time       `json:"end_time,omitempty"`
}

func (req createListingRequest) listing(seller domain.Actor) (domain.Listing, string) {
	l := domain.Listing{NFT: req.NFT, Type: req.ListingType, Seller: seller}
	switch req.ListingType {
	case domain.ListingFixedPrice:
		if req.Price == nil {
			return l, "price is required for fixed_price listings"
		}
		l.FixedPrice = &domain.FixedPriceTerms{
			Price:     domain.NewMoney(*req.Price, req.Currency),
			ExpiresAt: req.ExpiresAt,
		}
	case domain.ListingAuction:
		if req.StartingPrice == nil || req.EndTime == nil {
			return l, "starting_price and end_time are required for auction listings"
		}
		terms := &domain.AuctionTerms{
			StartingPrice: domain.NewMoney(*req.StartingPrice, req.Currency),
			EndTime:       *req.EndTime,
		}
		if req.ReservePrice != nil {
			terms.ReservePrice = *req.ReservePrice
		}
		if req.MinimumBidIncrement != nil {
			terms.MinimumBidIncrement = *req.MinimumBidIncrement
		}
		if req.StartTime != nil {
			terms.StartTime = *req.StartTime
		}
		l.Auction = terms
	default:
		return l, "listing_type must be fixed_price or auction"
	}
	return l, ""
}

// CreateListing lists an NFT for the calling seller.
// POST /api/listings
func (h *ListingHandler) CreateListing(w http.ResponseWriter, r *http.Request) {
	seller, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req createListingRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	l, problem := req.listing(seller)
	if problem != "" {
		writeError(w, http.StatusBadRequest, problem)
		return
	}

	created, err := h.market.CreateListing(r.Context(), l)
	if err != nil {
		writeDomainError(w, r, h.logger, "create listing", err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type listListingsResponse struct {
	Listings []domain.Listing `json:"listings"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

// ListListings returns active listings, or every listing of one seller.
// GET /api/listings?type=auction&seller=...&limit=50&offset=0
func (h *ListingHandler) ListListings(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	q := r.URL.Query()

	var (
		listings []domain.Listing
		err      error
	)
	if seller := q.Get("seller"); seller != "" {
		listings, err = h.query.ListBySeller(r.Context(), seller, opts.Limit, opts.Offset)
	} else {
		t := domain.ListingType(q.Get("type"))
		if t != "" && t != domain.ListingFixedPrice && t != domain.ListingAuction {
			writeError(w, http.StatusBadRequest, "type must be fixed_price or auction")
			return
		}
		listings, err = h.query.ListActive(r.Context(), t, opts.Limit, opts.Offset)
	}
	if err != nil {
		writeDomainError(w, r, h.logger, "list listings", err)
		return
	}
	if listings == nil {
		listings = []domain.Listing{}
	}
	writeJSON(w, http.StatusOK, listListingsResponse{Listings: listings, Limit: opts.Limit, Offset: opts.Offset})
}

// GetListing returns one listing. Reading an ended auction completes it.
// GET /api/listings/{id}
func (h *ListingHandler) GetListing(w http.ResponseWriter, r *http.Request) {
	l, err := h.market.GetListing(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get listing", err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// CancelListing withdraws the caller's listing.
// DELETE /api/listings/{id}
func (h *ListingHandler) CancelListing(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	l, err := h.market.CancelListing(r.Context(), pathParam(r, "id"), actor)
	if err != nil {
		writeDomainError(w, r, h.logger, "cancel listing", err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// Purchase reserves a fixed-price listing for the caller and returns the
// settlement attempt the caller must complete with a ledger proof.
// POST /api/listings/{id}/purchase
func (h *ListingHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	buyer, ok := requireActor(w, r)
	if !ok {
		return
	}
	res, err := h.market.BeginPurchase(r.Context(), pathParam(r, "id"), buyer)
	if err != nil {
		writeDomainError(w, r, h.logger, "begin purchase", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type placeBidRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	TransactionRef string          `json:"transaction_ref,omitempty"`
}

// PlaceBid records a bid by the caller.
// POST /api/listings/{id}/bids
func (h *ListingHandler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	bidder, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req placeBidRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Amount.IsPositive() {
		writeError(w, http.StatusBadRequest, "amount must be positive")
		return
	}

	l, err := h.market.PlaceBid(r.Context(), pathParam(r, "id"), bidder, req.Amount, req.TransactionRef)
	if err != nil {
		writeDomainError(w, r, h.logger, "place bid", err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// CompleteAuction closes an ended auction. With a winning bid the result
// carries the winner's settlement attempt.
// POST /api/listings/{id}/complete
func (h *ListingHandler) CompleteAuction(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireActor(w, r); !ok {
		return
	}
	res, err := h.market.CompleteAuction(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "complete auction", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
