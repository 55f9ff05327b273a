package settlement

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alanyoungcy/comicmarket/internal/domain"
)

// Signal bus channels carrying marketplace events.
const (
	ChannelSettlement = "ch:settlement"
	ChannelIncident   = "ch:incident"
	StreamSettlements = "stream:settlements"
)

// ListingChannel is the per-listing channel the WebSocket hub relays.
func ListingChannel(listingID string) string {
	return "ch:listing:" + listingID
}

// EventType names a marketplace event.
type EventType string

const (
	EventListingCreated   EventType = "listing.created"
	EventListingCancelled EventType = "listing.cancelled"
	EventListingExpired   EventType = "listing.expired"
	EventBidPlaced        EventType = "bid.placed"
	EventReserved         EventType = "settlement.reserved"
	EventCommitted        EventType = "settlement.committed"
	EventRolledBack       EventType = "settlement.rolled_back"
	EventAuctionNoWinner  EventType = "auction.no_winner"
	EventIncident         EventType = "incident"
)

// Event is the JSON payload published on the signal bus.
type Event struct {
	Type          EventType `json:"type"`
	ListingID     string    `json:"listing_id,omitempty"`
	AttemptID     string    `json:"attempt_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	ActorID       string    `json:"actor_id,omitempty"`
	Amount        string    `json:"amount,omitempty"`
	Status        string    `json:"status,omitempty"`
	Code          string    `json:"code,omitempty"`
	Message       string    `json:"message,omitempty"`
	At            time.Time `json:"at"`
}

// publisher fans events out to the bus. Publishing is best effort; a bus
// failure never fails the operation that produced the event.
type publisher struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

func (p *publisher) publish(ctx context.Context, e Event) {
	if p.bus == nil {
		return
	}
	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.ErrorContext(ctx, "marshal event", slog.String("error", err.Error()))
		return
	}

	channels := []string{ChannelSettlement}
	if e.Type == EventIncident {
		channels = []string{ChannelIncident}
	}
	if e.ListingID != "" {
		channels = append(channels, ListingChannel(e.ListingID))
	}
	for _, ch := range channels {
		if err := p.bus.Publish(ctx, ch, payload); err != nil {
			p.logger.WarnContext(ctx, "publish event failed",
				slog.String("channel", ch),
				slog.String("event", string(e.Type)),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := p.bus.StreamAppend(ctx, StreamSettlements, payload); err != nil {
		p.logger.WarnContext(ctx, "append event stream failed",
			slog.String("event", string(e.Type)),
			slog.String("error", err.Error()),
		)
	}
}
