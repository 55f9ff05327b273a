package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/comicmarket/internal/settlement"
)

// AttemptHandler serves the settlement attempt endpoints.
type AttemptHandler struct {
	market Marketplace
	logger *slog.Logger
}

// NewAttemptHandler creates an AttemptHandler.
func NewAttemptHandler(market Marketplace, logger *slog.Logger) *AttemptHandler {
	return &AttemptHandler{market: market, logger: logHandler(logger, "attempt")}
}

type submitProofRequest struct {
	LedgerRef string `json:"ledger_ref"`
	Signature string `json:"signature,omitempty"`
}

// SubmitProof finalizes the caller's attempt with a ledger reference.
// POST /api/attempts/{id}/proof
func (h *AttemptHandler) SubmitProof(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	var req submitProofRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.market.SubmitProof(r.Context(), pathParam(r, "id"), actor, settlement.Proof{
		LedgerRef: req.LedgerRef,
		Signature: req.Signature,
	})
	if err != nil {
		writeDomainError(w, r, h.logger, "submit proof", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelAttempt abandons an attempt before proof.
// POST /api/attempts/{id}/cancel
func (h *AttemptHandler) CancelAttempt(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	res, err := h.market.CancelAttempt(r.Context(), pathParam(r, "id"), actor)
	if err != nil {
		writeDomainError(w, r, h.logger, "cancel attempt", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// GetAttempt returns an attempt to its buyer or seller.
// GET /api/attempts/{id}
func (h *AttemptHandler) GetAttempt(w http.ResponseWriter, r *http.Request) {
	actor, ok := requireActor(w, r)
	if !ok {
		return
	}
	res, err := h.market.GetAttempt(r.Context(), pathParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, h.logger, "get attempt", err)
		return
	}
	if !actor.Same(res.Attempt.Buyer) && !actor.Same(res.Attempt.Seller) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
