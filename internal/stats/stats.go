// Package stats derives read-only marketplace metrics from the transaction
// ledger.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/comicmarket/internal/domain"
)

const (
	DefaultWindowDays = 30
	MaxWindowDays     = 365
	DefaultCacheTTL   = time.Minute
)

// Compute aggregates Purchase records initiated inside [start, end].
// Completed records count as sales; Failed records count against the
// success rate. floor is the lowest asking price among active listings.
func Compute(records []domain.TransactionRecord, active []domain.Listing, start, end time.Time) domain.MarketStats {
	s := domain.MarketStats{
		WindowStart: start,
		WindowEnd:   end,
		TotalVolume: decimal.Zero,
		TotalFees:   decimal.Zero,
		AvgPrice:    decimal.Zero,
		FloorPrice:  decimal.Zero,
		ComputedAt:  end,
	}

	var totalDuration time.Duration
	for _, r := range records {
		if r.Type != domain.TxPurchase {
			continue
		}
		if r.InitiatedAt.Before(start) || r.InitiatedAt.After(end) {
			continue
		}
		switch r.Status {
		case domain.TxCompleted:
			s.TotalSales++
			s.TotalVolume = s.TotalVolume.Add(r.Price.Amount)
			s.TotalFees = s.TotalFees.Add(r.Fees.TotalFees)
			totalDuration += r.Duration()
		case domain.TxFailed:
			s.FailedTransactions++
		}
	}

	if s.TotalSales > 0 {
		n := decimal.NewFromInt(s.TotalSales)
		s.AvgPrice = s.TotalVolume.Div(n).Round(8)
		s.AvgDuration = totalDuration / time.Duration(s.TotalSales)
	}
	if attempts := s.TotalSales + s.FailedTransactions; attempts > 0 {
		s.SuccessRate = float64(s.TotalSales) / float64(attempts)
	}

	first := true
	for _, l := range active {
		if l.Status != domain.ListingActive {
			continue
		}
		p := l.AskingPrice().Amount
		if first || p.LessThan(s.FloorPrice) {
			s.FloorPrice = p
			first = false
		}
	}
	return s
}

// RecordSource lists ledger records.
type RecordSource interface {
	List(ctx context.Context, f domain.TransactionFilter) ([]domain.TransactionRecord, error)
}

// ListingSource lists listings.
type ListingSource interface {
	List(ctx context.Context, f domain.ListingFilter) ([]domain.Listing, error)
}

// Service serves stats, caching each window for a short TTL.
type Service struct {
	records  RecordSource
	listings ListingSource
	cache    domain.StatsCache
	ttl      time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

// NewService creates a stats Service. cache may be nil.
func NewService(records RecordSource, listings ListingSource, cache domain.StatsCache, ttl time.Duration, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Service{
		records:  records,
		listings: listings,
		cache:    cache,
		ttl:      ttl,
		now:      time.Now,
		logger:   logger.With(slog.String("component", "stats")),
	}
}

// WithClock replaces the wall clock, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Get returns stats over the last days days. days <= 0 selects the
// default window.
func (s *Service) Get(ctx context.Context, days int) (domain.MarketStats, error) {
	if days <= 0 {
		days = DefaultWindowDays
	}
	if days > MaxWindowDays {
		days = MaxWindowDays
	}

	if s.cache != nil {
		if cached, err := s.cache.GetStats(ctx, days); err == nil {
			return cached, nil
		}
	}

	end := s.now().UTC()
	start := end.AddDate(0, 0, -days)
	records, err := s.records.List(ctx, domain.TransactionFilter{
		Type:   domain.TxPurchase,
		Status: []domain.TransactionStatus{domain.TxCompleted, domain.TxFailed},
		Since:  &start,
		Until:  &end,
	})
	if err != nil {
		return domain.MarketStats{}, fmt.Errorf("stats: list records: %w", err)
	}
	active, err := s.listings.List(ctx, domain.ListingFilter{
		Status: []domain.ListingStatus{domain.ListingActive},
	})
	if err != nil {
		return domain.MarketStats{}, fmt.Errorf("stats: list listings: %w", err)
	}

	out := Compute(records, active, start, end)

	if s.cache != nil {
		if err := s.cache.SetStats(ctx, days, out, s.ttl); err != nil {
			s.logger.WarnContext(ctx, "stats cache set failed",
				slog.Int("days", days),
				slog.String("error", err.Error()),
			)
		}
	}
	return out, nil
}
