package settlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alanyoungcy/comicmarket/internal/domain"
)

const (
	DefaultSweepInterval = 30 * time.Second
	DefaultSweepBatch    = 100
	sweeperLockKey       = "sweeper"

	// FinalizeGrace is how long past its deadline an attempt may stay in
	// Finalizing before the sweeper recovers it.
	FinalizeGrace = 5 * time.Minute
)

// SweepReport counts what one sweep pass did.
type SweepReport struct {
	AttemptsAborted   int `json:"attempts_aborted"`
	OrphansReleased   int `json:"orphans_released"`
	RecordsSettled    int `json:"records_settled"`
	AuctionsCompleted int `json:"auctions_completed"`
	ListingsExpired   int `json:"listings_expired"`
}

// Sweeper releases reservations whose attempt deadline passed, completes
// ended auctions and expires stale fixed-price listings. Several sweepers
// may run at once; a lock manager, when set, keeps them from doing the
// same work twice.
type Sweeper struct {
	coord    *Coordinator
	locks    domain.LockManager
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper. locks may be nil.
func NewSweeper(coord *Coordinator, locks domain.LockManager, interval time.Duration, batch int, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if batch <= 0 {
		batch = DefaultSweepBatch
	}
	return &Sweeper{
		coord:    coord,
		locks:    locks,
		interval: interval,
		batch:    batch,
		logger:   logger.With(slog.String("component", "sweeper")),
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.tick(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if s.locks != nil {
		unlock, err := s.locks.Acquire(ctx, sweeperLockKey, s.interval)
		if errors.Is(err, domain.ErrLockHeld) {
			s.logger.DebugContext(ctx, "sweep skipped, lock held elsewhere")
			return
		}
		if err != nil {
			s.logger.WarnContext(ctx, "sweeper lock", slog.String("error", err.Error()))
			return
		}
		defer unlock()
	}

	report, err := s.SweepOnce(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
		return
	}
	if report != (SweepReport{}) {
		s.logger.InfoContext(ctx, "sweep complete",
			slog.Int("attempts_aborted", report.AttemptsAborted),
			slog.Int("orphans_released", report.OrphansReleased),
			slog.Int("records_settled", report.RecordsSettled),
			slog.Int("auctions_completed", report.AuctionsCompleted),
			slog.Int("listings_expired", report.ListingsExpired),
		)
	}
}

// SweepOnce runs a single pass. Errors on individual items are logged and
// skipped; only a failed query aborts the pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	c := s.coord
	now := c.clock()

	expired, err := c.attempts.ListExpired(ctx, now, s.batch)
	if err != nil {
		return report, err
	}
	for _, a := range expired {
		if _, err := c.abort(ctx, a, openStates, domain.CodeTimeout, "reservation deadline passed"); err != nil {
			if !errors.Is(err, domain.ErrAttemptClosed) {
				s.logger.WarnContext(ctx, "abort expired attempt",
					slog.String("attempt_id", a.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		report.AttemptsAborted++
	}

	// Pending listings whose reservation lapsed but whose attempt is gone
	// or already closed.
	stale, err := c.listings.List(ctx, domain.ListingFilter{
		Status:         []domain.ListingStatus{domain.ListingPending},
		ReservedBefore: &now,
		Limit:          s.batch,
	})
	if err != nil {
		return report, err
	}
	for _, l := range stale {
		released, settled := s.sweepReservation(ctx, l, now)
		if released {
			report.OrphansReleased++
		}
		report.RecordsSettled += settled
	}

	// Pending records whose attempt is closed, missing or stuck finalizing.
	cutoff := now.Add(-FinalizeGrace)
	stranded, err := c.ledger.List(ctx, domain.TransactionFilter{
		Status: []domain.TransactionStatus{domain.TxPending},
		Until:  &cutoff,
		Limit:  s.batch,
	})
	if err != nil {
		return report, err
	}
	for _, r := range stranded {
		if s.sweepRecord(ctx, r, now) {
			report.RecordsSettled++
		}
	}

	ended, err := c.listings.List(ctx, domain.ListingFilter{
		Status:      []domain.ListingStatus{domain.ListingActive},
		Type:        domain.ListingAuction,
		EndedBefore: &now,
		Limit:       s.batch,
	})
	if err != nil {
		return report, err
	}
	for _, l := range ended {
		if l.Auction == nil || l.Auction.SettlementFailures > 0 {
			continue
		}
		if _, err := c.CompleteAuction(ctx, l.ID); err != nil {
			s.logger.WarnContext(ctx, "complete auction",
				slog.String("listing_id", l.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		report.AuctionsCompleted++
	}

	lapsed, err := c.listings.List(ctx, domain.ListingFilter{
		Status:        []domain.ListingStatus{domain.ListingActive},
		Type:          domain.ListingFixedPrice,
		ExpiresBefore: &now,
		Limit:         s.batch,
	})
	if err != nil {
		return report, err
	}
	for _, l := range lapsed {
		if _, err := c.ExpireListing(ctx, l.ID); err != nil {
			s.logger.WarnContext(ctx, "expire listing",
				slog.String("listing_id", l.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		report.ListingsExpired++
	}

	return report, nil
}

// sweepReservation handles one Pending listing past its reservation
// deadline. It reports whether the reservation was released and how many
// records it moved out of Pending.
func (s *Sweeper) sweepReservation(ctx context.Context, l domain.Listing, now time.Time) (bool, int) {
	c := s.coord
	attemptID := l.Reservation.AttemptID

	a, err := c.attempts.Get(ctx, attemptID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		kind := domain.AttemptPurchase
		if l.Type == domain.ListingAuction {
			kind = domain.AttemptAuctionSettlement
		}
		released := c.releaseReservation(ctx, l.ID, attemptID, kind)
		settled := s.failOrphanRecords(ctx, l.ID, attemptID)
		if released.Status != domain.ListingActive {
			return false, settled
		}
		s.logger.WarnContext(ctx, "released orphaned reservation",
			slog.String("listing_id", l.ID),
			slog.String("attempt_id", attemptID),
		)
		c.logAudit(ctx, "settlement.orphan_released", map[string]any{"listing_id": l.ID, "attempt_id": attemptID})
		return true, settled
	case err != nil:
		s.logger.WarnContext(ctx, "load attempt for stale reservation",
			slog.String("listing_id", l.ID),
			slog.String("error", err.Error()),
		)
		return false, 0
	}

	switch {
	case a.State.Open():
		// Picked up by ListExpired on the next pass if it raced this one.
		_, err := c.abort(ctx, a, openStates, domain.CodeTimeout, "reservation deadline passed")
		return err == nil, 0
	case a.State == domain.AttemptFinalizing:
		if now.Before(a.Deadline.Add(FinalizeGrace)) {
			return false, 0
		}
		released, err := c.recoverFinalizing(ctx, a)
		if err != nil {
			s.logger.WarnContext(ctx, "recover finalizing attempt",
				slog.String("listing_id", l.ID),
				slog.String("attempt_id", a.ID),
				slog.String("error", err.Error()),
			)
		}
		return released, 0
	case a.State == domain.AttemptRolledBack:
		// The attempt rolled back but the listing still points at it.
		released := c.releaseReservation(ctx, l.ID, a.ID, a.Kind)
		return released.Status == domain.ListingActive, 0
	default:
		return false, 0
	}
}

// failOrphanRecords fails the Pending records of an attempt that no longer
// exists.
func (s *Sweeper) failOrphanRecords(ctx context.Context, listingID, attemptID string) int {
	c := s.coord
	recs, err := c.ledger.List(ctx, domain.TransactionFilter{
		ListingID: listingID,
		Status:    []domain.TransactionStatus{domain.TxPending},
	})
	if err != nil {
		s.logger.WarnContext(ctx, "list records of orphaned reservation",
			slog.String("listing_id", listingID),
			slog.String("error", err.Error()),
		)
		return 0
	}
	n := 0
	for _, r := range recs {
		if r.AttemptID == attemptID && c.failRecord(ctx, r.ID, domain.CodeInternal, "settlement attempt missing") {
			n++
		}
	}
	return n
}

// sweepRecord finishes one Pending record whose attempt can no longer do
// so itself. It reports whether the record left Pending.
func (s *Sweeper) sweepRecord(ctx context.Context, r domain.TransactionRecord, now time.Time) bool {
	c := s.coord
	if r.AttemptID == "" {
		return false
	}

	a, err := c.attempts.Get(ctx, r.AttemptID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return c.failRecord(ctx, r.ID, domain.CodeInternal, "settlement attempt missing")
	case err != nil:
		s.logger.WarnContext(ctx, "load attempt for pending record",
			slog.String("transaction_id", r.ID),
			slog.String("error", err.Error()),
		)
		return false
	}

	switch a.State {
	case domain.AttemptFinalizing:
		if now.Before(a.Deadline.Add(FinalizeGrace)) {
			return false
		}
		if _, err := c.recoverFinalizing(ctx, a); err != nil {
			s.logger.WarnContext(ctx, "recover finalizing attempt",
				slog.String("attempt_id", a.ID),
				slog.String("error", err.Error()),
			)
			return false
		}
	case domain.AttemptCommitted:
		if err := c.commitRecovered(ctx, a); err != nil {
			s.logger.WarnContext(ctx, "complete committed record",
				slog.String("attempt_id", a.ID),
				slog.String("error", err.Error()),
			)
			return false
		}
	case domain.AttemptRolledBack:
		c.releaseReservation(ctx, a.ListingID, a.ID, a.Kind)
		code := a.FailureCode
		if code == "" {
			code = domain.CodeInternal
		}
		return c.failRecord(ctx, r.ID, code, "settlement rolled back")
	default:
		// Open attempts are aborted by ListExpired once their deadline passes.
		return false
	}

	cur, err := c.ledger.Get(ctx, r.ID)
	return err == nil && cur.Status.Terminal()
}
