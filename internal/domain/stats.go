package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// MarketStats is the read-only marketplace summary over a time window.
type MarketStats struct {
	WindowStart        time.Time       `json:"window_start"`
	WindowEnd          time.Time       `json:"window_end"`
	TotalSales         int64           `json:"total_sales"`
	TotalVolume        decimal.Decimal `json:"total_volume"`
	TotalFees          decimal.Decimal `json:"total_fees"`
	AvgPrice           decimal.Decimal `json:"avg_price"`
	AvgDuration        time.Duration   `json:"avg_duration"`
	FloorPrice         decimal.Decimal `json:"floor_price"`
	FailedTransactions int64           `json:"failed_transactions"`
	SuccessRate        float64         `json:"success_rate"`
	ComputedAt         time.Time       `json:"computed_at"`
}
