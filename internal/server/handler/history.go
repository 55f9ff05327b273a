package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/comicmarket/internal/domain"
)

// ListingHistory reads audit entries recorded against one listing.
type ListingHistory interface {
	ListForListing(ctx context.Context, listingID string, limit int) ([]domain.AuditEntry, error)
}

type listingGetter interface {
	GetListing(ctx context.Context, id string) (domain.Listing, error)
}

// HistoryHandler serves a listing's audit trail.
type HistoryHandler struct {
	history  ListingHistory
	listings listingGetter
	logger   *slog.Logger
}

// NewHistoryHandler creates a HistoryHandler. listings is used to return
// 404 for unknown ids.
func NewHistoryHandler(history ListingHistory, listings listingGetter, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{history: history, listings: listings, logger: logHandler(logger, "history")}
}

type historyEntry struct {
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// GetHistory returns the listing's audit entries, newest first.
// GET /api/listings/{id}/history?limit=
func (h *HistoryHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if _, err := h.listings.GetListing(r.Context(), id); err != nil {
		writeDomainError(w, r, h.logger, "get listing", err)
		return
	}

	entries, err := h.history.ListForListing(r.Context(), id, parseListOpts(r).Limit)
	if err != nil {
		writeDomainError(w, r, h.logger, "list history", err)
		return
	}

	out := make([]historyEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, historyEntry{Event: e.Event, Detail: e.Detail, CreatedAt: e.CreatedAt})
	}
	writeJSON(w, http.StatusOK, map[string]any{"listing_id": id, "history": out})
}
