// Package settlement is the Reconciliation Coordinator. It reserves
// listings for settlement attempts, accepts ledger proofs, commits or rolls
// back, and sweeps reservations whose deadline has passed.
//
// All listing writes go through the listing store's compare-and-swap, so the
// coordinator is safe to run in several processes against one database.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/comicmarket/internal/crypto"
	"github.com/alanyoungcy/comicmarket/internal/domain"
	"github.com/alanyoungcy/comicmarket/internal/ledger"
	"github.com/alanyoungcy/comicmarket/internal/listing"
	"github.com/alanyoungcy/comicmarket/internal/validator"
	"github.com/alanyoungcy/comicmarket/internal/verify"
)

// DefaultReservationTTL is how long a buyer has to submit proof.
const DefaultReservationTTL = 15 * time.Minute

// Config holds coordinator policy.
type Config struct {
	ReservationTTL        time.Duration
	RequireVerification   bool
	RequireProofSignature bool
	// Network selects the explorer links stored on ledger records.
	Network string
}

// ReceiptSigner signs committed settlements with the operator key.
type ReceiptSigner interface {
	SignReceipt(r crypto.Receipt) (string, error)
}

// Notifier receives finalized records and incidents. Implementations must
// not block.
type Notifier interface {
	TransactionFinalized(ctx context.Context, r domain.TransactionRecord)
	Incident(ctx context.Context, summary string, detail map[string]any)
}

// Proof is what the buyer submits after the ledger transfer.
type Proof struct {
	LedgerRef string
	// Signature is a personal_sign signature by the buyer's wallet over
	// crypto.ProofMessage(attemptID, LedgerRef).
	Signature string
}

// Result is the state of one settlement attempt after an operation.
type Result struct {
	Attempt     domain.SettlementAttempt  `json:"attempt"`
	Listing     domain.Listing            `json:"listing"`
	Transaction *domain.TransactionRecord `json:"transaction,omitempty"`
}

var openStates = []domain.AttemptState{
	domain.AttemptInitiated,
	domain.AttemptReserved,
	domain.AttemptAwaitingProof,
}

// errListingClosed ends a read-validate-write loop when another actor
// already moved the listing on.
var errListingClosed = errors.New("listing no longer active")

// Coordinator orchestrates purchases, bids and auction completion.
type Coordinator struct {
	listings *listing.Store
	ledger   *ledger.Service
	attempts domain.AttemptStore
	audit    domain.AuditStore
	events   *publisher
	cfg      Config

	verifier domain.LedgerVerifier
	signer   ReceiptSigner
	notifier Notifier
	stats    domain.StatsCache

	now    func() time.Time
	logger *slog.Logger
}

// NewCoordinator creates a Coordinator. bus may be nil.
func NewCoordinator(
	listings *listing.Store,
	ledgerSvc *ledger.Service,
	attempts domain.AttemptStore,
	audit domain.AuditStore,
	bus domain.SignalBus,
	cfg Config,
	logger *slog.Logger,
) *Coordinator {
	if cfg.ReservationTTL <= 0 {
		cfg.ReservationTTL = DefaultReservationTTL
	}
	logger = logger.With(slog.String("component", "coordinator"))
	return &Coordinator{
		listings: listings,
		ledger:   ledgerSvc,
		attempts: attempts,
		audit:    audit,
		events:   &publisher{bus: bus, logger: logger},
		cfg:      cfg,
		now:      time.Now,
		logger:   logger,
	}
}

// WithVerifier makes SubmitProof check every ledger reference against v.
func (c *Coordinator) WithVerifier(v domain.LedgerVerifier) *Coordinator {
	c.verifier = v
	return c
}

// WithReceiptSigner attaches the operator receipt signer.
func (c *Coordinator) WithReceiptSigner(s ReceiptSigner) *Coordinator {
	c.signer = s
	return c
}

// WithNotifier attaches the notification dispatcher.
func (c *Coordinator) WithNotifier(n Notifier) *Coordinator {
	c.notifier = n
	return c
}

// WithStatsCache lets the coordinator invalidate cached stats when a
// purchase reaches a terminal state.
func (c *Coordinator) WithStatsCache(s domain.StatsCache) *Coordinator {
	c.stats = s
	return c
}

// WithClock replaces the wall clock, for tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

func (c *Coordinator) clock() time.Time {
	return c.now().UTC()
}

// ---------------------------------------------------------------------------
// Listings
// ---------------------------------------------------------------------------

// CreateListing stores a new listing and records it on the ledger.
func (c *Coordinator) CreateListing(ctx context.Context, l domain.Listing) (domain.Listing, error) {
	created, err := c.listings.Create(ctx, l)
	if err != nil {
		return domain.Listing{}, err
	}

	seller := created.Seller
	c.recordAudit(ctx, domain.TxListing, ledger.Entry{
		Type:      domain.TxListing,
		ListingID: created.ID,
		Seller:    &seller,
		NFT:       created.NFT,
		Price:     created.AskingPrice(),
	})
	c.logAudit(ctx, "listing.created", map[string]any{
		"listing_id": created.ID,
		"type":       string(created.Type),
		"seller":     seller.ID,
		"token_id":   created.NFT.TokenID,
		"serial":     created.NFT.SerialNumber,
	})
	c.events.publish(ctx, Event{
		Type:      EventListingCreated,
		ListingID: created.ID,
		ActorID:   seller.ID,
		Amount:    created.AskingPrice().String(),
		At:        created.CreatedAt,
	})
	return created, nil
}

// GetListing returns a listing. An auction read after its end time is
// completed on the spot unless an earlier settlement of it failed.
func (c *Coordinator) GetListing(ctx context.Context, id string) (domain.Listing, error) {
	l, err := c.listings.Get(ctx, id)
	if err != nil {
		return domain.Listing{}, err
	}
	if l.Status != domain.ListingActive || l.Auction == nil ||
		!l.Auction.Ended(c.clock()) || l.Auction.SettlementFailures > 0 {
		return l, nil
	}

	res, err := c.CompleteAuction(ctx, id)
	if err != nil {
		c.logger.WarnContext(ctx, "lazy auction completion failed",
			slog.String("listing_id", id),
			slog.String("error", err.Error()),
		)
		return l, nil
	}
	return res.Listing, nil
}

// CancelListing withdraws an Active listing on behalf of its seller.
func (c *Coordinator) CancelListing(ctx context.Context, id string, actor domain.Actor) (domain.Listing, error) {
	l, err := c.listings.Cancel(ctx, id, actor)
	if err != nil {
		return domain.Listing{}, err
	}

	seller := l.Seller
	c.recordAudit(ctx, domain.TxDelisting, ledger.Entry{
		Type:      domain.TxDelisting,
		ListingID: l.ID,
		Seller:    &seller,
		NFT:       l.NFT,
		Price:     l.AskingPrice(),
	})
	c.logAudit(ctx, "listing.cancelled", map[string]any{"listing_id": l.ID, "actor": actor.ID})
	c.events.publish(ctx, Event{Type: EventListingCancelled, ListingID: l.ID, ActorID: actor.ID, At: l.UpdatedAt})
	return l, nil
}

// ExpireListing closes a FixedPrice listing whose expiry has passed.
func (c *Coordinator) ExpireListing(ctx context.Context, id string) (domain.Listing, error) {
	l, err := c.listings.Expire(ctx, id)
	if err != nil {
		return domain.Listing{}, err
	}
	c.logAudit(ctx, "listing.expired", map[string]any{"listing_id": l.ID})
	c.events.publish(ctx, Event{Type: EventListingExpired, ListingID: l.ID, At: l.UpdatedAt})
	return l, nil
}

// ---------------------------------------------------------------------------
// Purchases
// ---------------------------------------------------------------------------

// BeginPurchase validates the purchase, reserves the listing for buyer and
// opens a Pending Purchase record. A rejection has no side effects.
func (c *Coordinator) BeginPurchase(ctx context.Context, listingID string, buyer domain.Actor) (Result, error) {
	now := c.clock()
	attemptID := uuid.NewString()
	deadline := now.Add(c.cfg.ReservationTTL)

	reserved, err := c.listings.Update(ctx, listingID, func(cur domain.Listing) (domain.ListingMutation, error) {
		if err := validator.ValidatePurchase(cur, buyer, now); err != nil {
			return nil, err
		}
		return reserve(attemptID, buyer, deadline, now), nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("settlement: begin purchase: %w", err)
	}

	return c.openAttempt(ctx, reserved, attemptID, domain.AttemptPurchase, buyer, reserved.FixedPrice.Price, now, deadline)
}

func reserve(attemptID string, buyer domain.Actor, until, now time.Time) domain.ListingMutation {
	return func(l *domain.Listing) error {
		l.Status = domain.ListingPending
		l.Reservation = &domain.Reservation{AttemptID: attemptID, Buyer: buyer, Until: until}
		l.UpdatedAt = now
		return nil
	}
}

// openAttempt writes the Pending record and the attempt for a listing the
// caller has just reserved. If either write fails the reservation is
// released before returning.
func (c *Coordinator) openAttempt(
	ctx context.Context,
	reserved domain.Listing,
	attemptID string,
	kind domain.AttemptKind,
	buyer domain.Actor,
	price domain.Money,
	now, deadline time.Time,
) (Result, error) {
	txType := domain.TxPurchase
	if kind == domain.AttemptAuctionSettlement {
		txType = domain.TxAuctionComplete
	}
	seller := reserved.Seller

	rec, err := c.ledger.Open(ctx, ledger.Entry{
		Type:      txType,
		ListingID: reserved.ID,
		AttemptID: attemptID,
		Buyer:     &buyer,
		Seller:    &seller,
		NFT:       reserved.NFT,
		Price:     price,
	})
	if err != nil {
		c.releaseReservation(ctx, reserved.ID, attemptID, kind)
		return Result{}, fmt.Errorf("settlement: open record: %w", err)
	}

	a := domain.SettlementAttempt{
		ID:            attemptID,
		ListingID:     reserved.ID,
		TransactionID: rec.ID,
		Kind:          kind,
		Buyer:         buyer,
		Seller:        seller,
		NFT:           reserved.NFT,
		Price:         price,
		State:         domain.AttemptAwaitingProof,
		Deadline:      deadline,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := c.attempts.Create(ctx, a); err != nil {
		c.releaseReservation(ctx, reserved.ID, attemptID, kind)
		if failed, ferr := c.ledger.Fail(ctx, rec.ID, domain.CodeReservation, err.Error()); ferr == nil {
			c.notifyFinal(ctx, failed)
		}
		return Result{}, fmt.Errorf("settlement: create attempt: %w", err)
	}

	c.logger.InfoContext(ctx, "listing reserved",
		slog.String("listing_id", reserved.ID),
		slog.String("attempt_id", attemptID),
		slog.String("kind", string(kind)),
		slog.String("buyer", buyer.ID),
		slog.Time("deadline", deadline),
	)
	c.logAudit(ctx, "settlement.reserved", map[string]any{
		"listing_id":     reserved.ID,
		"attempt_id":     attemptID,
		"transaction_id": rec.ID,
		"kind":           string(kind),
		"buyer":          buyer.ID,
		"price":          price.String(),
	})
	c.events.publish(ctx, Event{
		Type:          EventReserved,
		ListingID:     reserved.ID,
		AttemptID:     attemptID,
		TransactionID: rec.ID,
		ActorID:       buyer.ID,
		Amount:        price.String(),
		At:            now,
	})

	return Result{Attempt: a, Listing: reserved, Transaction: &rec}, nil
}

// SubmitProof accepts the buyer's ledger reference for an attempt and, if
// it holds up, commits the sale. Re-submitting the ref of an already
// committed attempt returns the committed result again.
func (c *Coordinator) SubmitProof(ctx context.Context, attemptID string, by domain.Actor, proof Proof) (Result, error) {
	ref := strings.TrimSpace(proof.LedgerRef)
	if ref == "" {
		return Result{}, fmt.Errorf("settlement: submit proof: %w: empty ledger reference", domain.ErrProofInvalid)
	}

	a, err := c.attempts.Get(ctx, attemptID)
	if err != nil {
		return Result{}, fmt.Errorf("settlement: submit proof: %w", err)
	}
	if !by.Same(a.Buyer) {
		return Result{}, fmt.Errorf("settlement: submit proof: %w", domain.ErrNotOwner)
	}

	switch a.State {
	case domain.AttemptAwaitingProof:
	case domain.AttemptCommitted:
		if a.ProofRef == ref {
			return c.result(ctx, a)
		}
		return Result{}, fmt.Errorf("settlement: submit proof: attempt committed with another reference: %w", domain.ErrAttemptClosed)
	default:
		return Result{}, fmt.Errorf("settlement: submit proof: attempt is %s: %w", a.State, domain.ErrAttemptClosed)
	}

	now := c.clock()
	if now.After(a.Deadline) {
		c.abort(ctx, a, openStates, domain.CodeProofExpired, "proof submitted after deadline")
		return Result{}, fmt.Errorf("settlement: submit proof: %w", domain.ErrProofExpired)
	}

	lt, err := c.checkProof(ctx, a, ref, proof.Signature)
	if err != nil {
		if errors.Is(err, domain.ErrProofInvalid) {
			c.abort(ctx, a, openStates, domain.CodeProofInvalid, err.Error())
		}
		return Result{}, fmt.Errorf("settlement: submit proof: %w", err)
	}

	// The ref is bound to this record before the listing can move to Sold.
	if err := c.ledger.ClaimRef(ctx, a.TransactionID, ref); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			err = fmt.Errorf("%w: ledger reference claimed by another transaction", domain.ErrProofInvalid)
			c.abort(ctx, a, openStates, domain.CodeProofInvalid, err.Error())
		}
		return Result{}, fmt.Errorf("settlement: submit proof: %w", err)
	}

	a, err = c.attempts.Transition(ctx, a.ID, domain.AttemptTransition{
		From:     []domain.AttemptState{domain.AttemptAwaitingProof},
		To:       domain.AttemptFinalizing,
		ProofRef: ref,
		At:       now,
	})
	if err != nil {
		if errors.Is(err, domain.ErrAttemptClosed) && a.State == domain.AttemptCommitted && a.ProofRef == ref {
			return c.result(ctx, a)
		}
		return Result{}, fmt.Errorf("settlement: submit proof: %w", err)
	}

	return c.finalize(ctx, a, lt, now)
}

// checkProof runs the optional signature and ledger checks and builds the
// ledger reference stored on the record.
func (c *Coordinator) checkProof(ctx context.Context, a domain.SettlementAttempt, ref, signature string) (domain.LedgerTransaction, error) {
	lt := domain.LedgerTransaction{TransactionID: ref, ExplorerURL: verify.ExplorerURL(c.cfg.Network, ref)}

	if prior, err := c.ledger.FindByLedgerRef(ctx, ref); err == nil && prior.ID != a.TransactionID && holdsRef(prior) {
		return lt, fmt.Errorf("%w: ledger reference already settled transaction %s", domain.ErrProofInvalid, prior.ID)
	} else if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return lt, err
	}

	if c.cfg.RequireProofSignature {
		if err := crypto.VerifyProofSignature(a.ID, ref, signature, a.Buyer.WalletAddress); err != nil {
			return lt, err
		}
	}

	if c.verifier == nil {
		if c.cfg.RequireVerification {
			return lt, fmt.Errorf("settlement: verification required but no verifier configured")
		}
		c.logger.WarnContext(ctx, "proof accepted without ledger verification",
			slog.String("attempt_id", a.ID),
			slog.String("ledger_ref", ref),
		)
		return lt, nil
	}

	v, err := c.verifier.VerifyLedgerTransaction(ctx, ref)
	if err != nil {
		return lt, err
	}
	if err := verify.MatchSettlement(v, a); err != nil {
		return lt, err
	}
	lt.Hash = v.Hash
	if !v.ConsensusTimestamp.IsZero() {
		ts := v.ConsensusTimestamp
		lt.ConsensusTimestamp = &ts
	}
	return lt, nil
}

// holdsRef reports whether r still owns its ledger ref. Failed and
// cancelled records give theirs up.
func holdsRef(r domain.TransactionRecord) bool {
	return r.Status == domain.TxPending || r.Status == domain.TxCompleted
}

// finalize moves the reserved listing to Sold and completes the record.
// The listing was reserved for this attempt, so any failure to do so is an
// invariant violation rather than contention.
func (c *Coordinator) finalize(ctx context.Context, a domain.SettlementAttempt, lt domain.LedgerTransaction, now time.Time) (Result, error) {
	cur, err := c.listings.Get(ctx, a.ListingID)
	if err != nil {
		return Result{}, c.incident(ctx, a, fmt.Errorf("reserved listing unreadable on finalize: %w", err))
	}
	if !cur.ReservedBy(a.ID) {
		return Result{}, c.incident(ctx, a, fmt.Errorf("listing %s is %s and not reserved by attempt", cur.ID, cur.Status))
	}

	sold, err := c.listings.CompareAndSwap(ctx, cur.ID, cur.Version, func(l *domain.Listing) error {
		l.Status = domain.ListingSold
		l.Reservation = nil
		l.Sale = &domain.SaleResult{
			Buyer:                    a.Buyer,
			SoldPrice:                a.Price,
			SoldAt:                   now,
			SettlementTransactionRef: lt.TransactionID,
		}
		l.UpdatedAt = now
		return nil
	})
	if err != nil {
		return Result{}, c.incident(ctx, a, fmt.Errorf("commit sold listing: %w", err))
	}

	receipt := c.signReceipt(ctx, a, lt.TransactionID)
	rec, recErr := c.ledger.Complete(ctx, a.TransactionID, lt, receipt)

	committed, err := c.attempts.Transition(ctx, a.ID, domain.AttemptTransition{
		From: []domain.AttemptState{domain.AttemptFinalizing},
		To:   domain.AttemptCommitted,
		At:   now,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "mark attempt committed",
			slog.String("attempt_id", a.ID),
			slog.String("error", err.Error()),
		)
		committed = a
		committed.State = domain.AttemptCommitted
	}

	if recErr != nil {
		// The sale is durable; the record needs operator correction.
		c.raiseIncident(ctx, a, fmt.Errorf("complete record after sale: %w", recErr))
		return Result{Attempt: committed, Listing: sold}, fmt.Errorf("settlement: %w: %v", domain.ErrInvariant, recErr)
	}

	c.logger.InfoContext(ctx, "settlement committed",
		slog.String("listing_id", sold.ID),
		slog.String("attempt_id", a.ID),
		slog.String("buyer", a.Buyer.ID),
		slog.String("price", a.Price.String()),
		slog.String("ledger_ref", lt.TransactionID),
	)
	c.logAudit(ctx, "settlement.committed", map[string]any{
		"listing_id":     sold.ID,
		"attempt_id":     a.ID,
		"transaction_id": rec.ID,
		"ledger_ref":     lt.TransactionID,
		"price":          a.Price.String(),
	})
	c.events.publish(ctx, Event{
		Type:          EventCommitted,
		ListingID:     sold.ID,
		AttemptID:     a.ID,
		TransactionID: rec.ID,
		ActorID:       a.Buyer.ID,
		Amount:        a.Price.String(),
		Status:        string(rec.Status),
		At:            now,
	})
	c.notifyFinal(ctx, rec)

	return Result{Attempt: committed, Listing: sold, Transaction: &rec}, nil
}

func (c *Coordinator) signReceipt(ctx context.Context, a domain.SettlementAttempt, ref string) string {
	if c.signer == nil {
		return ""
	}
	sig, err := c.signer.SignReceipt(crypto.Receipt{
		ListingID:     a.ListingID,
		AttemptID:     a.ID,
		TransactionID: a.TransactionID,
		BuyerAccount:  a.Buyer.AccountID,
		SellerAccount: a.Seller.AccountID,
		TokenID:       a.NFT.TokenID,
		SerialNumber:  a.NFT.SerialNumber,
		Price:         a.Price.String(),
		LedgerRef:     ref,
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "sign receipt",
			slog.String("attempt_id", a.ID),
			slog.String("error", err.Error()),
		)
		return ""
	}
	return sig
}

// CancelAttempt lets the buyer or the seller back out before proof.
func (c *Coordinator) CancelAttempt(ctx context.Context, attemptID string, by domain.Actor) (Result, error) {
	a, err := c.attempts.Get(ctx, attemptID)
	if err != nil {
		return Result{}, fmt.Errorf("settlement: cancel attempt: %w", err)
	}

	var code string
	switch {
	case by.Same(a.Buyer):
		code = domain.CodeBuyerCancelled
	case by.Same(a.Seller):
		code = domain.CodeSellerCancelled
	default:
		return Result{}, fmt.Errorf("settlement: cancel attempt: %w", domain.ErrNotOwner)
	}
	if !a.State.Open() {
		return Result{}, fmt.Errorf("settlement: cancel attempt in state %s: %w", a.State, domain.ErrAttemptClosed)
	}

	res, err := c.abort(ctx, a, openStates, code, "cancelled by "+by.ID)
	if err != nil {
		return res, fmt.Errorf("settlement: cancel attempt: %w", err)
	}
	return res, nil
}

// Abort rolls back an open attempt: the listing returns to Active and the
// record fails with code.
func (c *Coordinator) Abort(ctx context.Context, attemptID, code, message string) (Result, error) {
	a, err := c.attempts.Get(ctx, attemptID)
	if err != nil {
		return Result{}, fmt.Errorf("settlement: abort: %w", err)
	}
	return c.abort(ctx, a, openStates, code, message)
}

// abort wins or loses the race to close the attempt through the
// conditional transition; only the winner releases the listing and fails
// the record.
func (c *Coordinator) abort(ctx context.Context, a domain.SettlementAttempt, from []domain.AttemptState, code, message string) (Result, error) {
	now := c.clock()
	rolled, err := c.attempts.Transition(ctx, a.ID, domain.AttemptTransition{
		From:        from,
		To:          domain.AttemptRolledBack,
		FailureCode: code,
		At:          now,
	})
	if err != nil {
		return Result{Attempt: rolled}, err
	}

	l := c.releaseReservation(ctx, a.ListingID, a.ID, a.Kind)

	// A record left Pending here is failed by the sweeper's record pass.
	rec, err := c.ledger.Fail(ctx, a.TransactionID, code, message)
	if err != nil {
		c.logger.WarnContext(ctx, "fail record on abort",
			slog.String("attempt_id", a.ID),
			slog.String("transaction_id", a.TransactionID),
			slog.String("error", err.Error()),
		)
	} else {
		c.notifyFinal(ctx, rec)
	}

	c.logger.InfoContext(ctx, "settlement rolled back",
		slog.String("listing_id", a.ListingID),
		slog.String("attempt_id", a.ID),
		slog.String("code", code),
	)
	c.logAudit(ctx, "settlement.rolled_back", map[string]any{
		"listing_id":     a.ListingID,
		"attempt_id":     a.ID,
		"transaction_id": a.TransactionID,
		"code":           code,
		"message":        message,
	})
	c.events.publish(ctx, Event{
		Type:          EventRolledBack,
		ListingID:     a.ListingID,
		AttemptID:     a.ID,
		TransactionID: a.TransactionID,
		Code:          code,
		Message:       message,
		At:            now,
	})

	res := Result{Attempt: rolled, Listing: l}
	if rec.ID != "" {
		res.Transaction = &rec
	}
	return res, nil
}

// releaseReservation returns a listing held by attemptID to Active. A
// listing no longer held by the attempt is left alone. Failures are logged;
// the sweeper retries orphaned reservations.
func (c *Coordinator) releaseReservation(ctx context.Context, listingID, attemptID string, kind domain.AttemptKind) domain.Listing {
	now := c.clock()
	l, err := c.listings.Update(ctx, listingID, func(cur domain.Listing) (domain.ListingMutation, error) {
		if !cur.ReservedBy(attemptID) {
			return nil, errListingClosed
		}
		return func(l *domain.Listing) error {
			l.Status = domain.ListingActive
			l.Reservation = nil
			l.UpdatedAt = now
			if kind == domain.AttemptAuctionSettlement && l.Auction != nil {
				l.Auction.SettlementFailures++
			}
			return nil
		}, nil
	})
	switch {
	case err == nil:
		return l
	case errors.Is(err, errListingClosed):
		return l
	default:
		c.logger.ErrorContext(ctx, "release reservation",
			slog.String("listing_id", listingID),
			slog.String("attempt_id", attemptID),
			slog.String("error", err.Error()),
		)
		return domain.Listing{}
	}
}

// incident handles an invariant violation during finalize: the record
// fails with the internal code, the attempt rolls back, the listing is
// released if it is still held, and operators are alerted.
func (c *Coordinator) incident(ctx context.Context, a domain.SettlementAttempt, cause error) error {
	c.raiseIncident(ctx, a, cause)

	now := c.clock()
	if _, err := c.attempts.Transition(ctx, a.ID, domain.AttemptTransition{
		From:        []domain.AttemptState{domain.AttemptFinalizing},
		To:          domain.AttemptRolledBack,
		FailureCode: domain.CodeInternal,
		At:          now,
	}); err != nil {
		c.logger.ErrorContext(ctx, "roll back attempt after incident",
			slog.String("attempt_id", a.ID),
			slog.String("error", err.Error()),
		)
	}
	c.releaseReservation(ctx, a.ListingID, a.ID, a.Kind)
	if rec, err := c.ledger.Fail(ctx, a.TransactionID, domain.CodeInternal, cause.Error()); err == nil {
		c.notifyFinal(ctx, rec)
	}
	return fmt.Errorf("settlement: %w: %v", domain.ErrInvariant, cause)
}

// recoverFinalizing closes an attempt left in Finalizing, e.g. by a crash
// between the listing commit and the record update. A listing sold under
// the attempt's ref completes the record; anything else takes the incident
// path. It reports whether the attempt's reservation was released.
func (c *Coordinator) recoverFinalizing(ctx context.Context, a domain.SettlementAttempt) (bool, error) {
	cur, err := c.listings.Get(ctx, a.ListingID)
	if err != nil {
		return false, fmt.Errorf("settlement: recover %s: %w", a.ID, err)
	}
	if cur.Status == domain.ListingSold && cur.Sale != nil && a.ProofRef != "" &&
		cur.Sale.SettlementTransactionRef == a.ProofRef {
		return false, c.commitRecovered(ctx, a)
	}
	held := cur.ReservedBy(a.ID)
	_ = c.incident(ctx, a, fmt.Errorf("attempt stuck finalizing, listing %s is %s", cur.ID, cur.Status))
	return held, nil
}

// commitRecovered completes the record and attempt of a sale whose listing
// already moved to Sold.
func (c *Coordinator) commitRecovered(ctx context.Context, a domain.SettlementAttempt) error {
	lt := domain.LedgerTransaction{
		TransactionID: a.ProofRef,
		ExplorerURL:   verify.ExplorerURL(c.cfg.Network, a.ProofRef),
	}
	rec, err := c.ledger.Complete(ctx, a.TransactionID, lt, c.signReceipt(ctx, a, a.ProofRef))
	switch {
	case err == nil:
		c.notifyFinal(ctx, rec)
	case errors.Is(err, domain.ErrTransactionFinal):
		if rec.Status != domain.TxCompleted {
			c.raiseIncident(ctx, a, fmt.Errorf("listing sold but record is %s", rec.Status))
		}
	default:
		return fmt.Errorf("settlement: recover %s: %w", a.ID, err)
	}

	if _, err := c.attempts.Transition(ctx, a.ID, domain.AttemptTransition{
		From: []domain.AttemptState{domain.AttemptFinalizing},
		To:   domain.AttemptCommitted,
		At:   c.clock(),
	}); err != nil && !errors.Is(err, domain.ErrAttemptClosed) {
		return fmt.Errorf("settlement: recover %s: %w", a.ID, err)
	}

	c.logger.WarnContext(ctx, "recovered committed settlement",
		slog.String("listing_id", a.ListingID),
		slog.String("attempt_id", a.ID),
		slog.String("ledger_ref", a.ProofRef),
	)
	c.logAudit(ctx, "settlement.recovered", map[string]any{
		"listing_id":     a.ListingID,
		"attempt_id":     a.ID,
		"transaction_id": a.TransactionID,
		"ledger_ref":     a.ProofRef,
	})
	return nil
}

// failRecord fails a Pending record left behind by a closed or missing
// attempt. It reports whether the record left Pending.
func (c *Coordinator) failRecord(ctx context.Context, id, code, message string) bool {
	rec, err := c.ledger.Fail(ctx, id, code, message)
	if err != nil {
		if !errors.Is(err, domain.ErrTransactionFinal) {
			c.logger.WarnContext(ctx, "fail stranded record",
				slog.String("transaction_id", id),
				slog.String("error", err.Error()),
			)
		}
		return false
	}
	c.logAudit(ctx, "settlement.record_failed", map[string]any{
		"listing_id":     rec.ListingID,
		"attempt_id":     rec.AttemptID,
		"transaction_id": rec.ID,
		"code":           code,
	})
	c.notifyFinal(ctx, rec)
	return true
}

func (c *Coordinator) raiseIncident(ctx context.Context, a domain.SettlementAttempt, cause error) {
	detail := map[string]any{
		"listing_id":     a.ListingID,
		"attempt_id":     a.ID,
		"transaction_id": a.TransactionID,
		"error":          cause.Error(),
	}
	c.logger.ErrorContext(ctx, "settlement invariant violated",
		slog.String("severity", "operator"),
		slog.String("listing_id", a.ListingID),
		slog.String("attempt_id", a.ID),
		slog.String("error", cause.Error()),
	)
	c.logAudit(ctx, "settlement.incident", detail)
	c.events.publish(ctx, Event{
		Type:          EventIncident,
		ListingID:     a.ListingID,
		AttemptID:     a.ID,
		TransactionID: a.TransactionID,
		Code:          domain.CodeInternal,
		Message:       cause.Error(),
		At:            c.clock(),
	})
	if c.notifier != nil {
		c.notifier.Incident(ctx, "settlement invariant violated", detail)
	}
}

// GetAttempt returns an attempt with its listing and record.
func (c *Coordinator) GetAttempt(ctx context.Context, attemptID string) (Result, error) {
	a, err := c.attempts.Get(ctx, attemptID)
	if err != nil {
		return Result{}, fmt.Errorf("settlement: get attempt: %w", err)
	}
	return c.result(ctx, a)
}

func (c *Coordinator) result(ctx context.Context, a domain.SettlementAttempt) (Result, error) {
	l, err := c.listings.Get(ctx, a.ListingID)
	if err != nil {
		return Result{}, err
	}
	rec, err := c.ledger.Get(ctx, a.TransactionID)
	if err != nil {
		return Result{}, err
	}
	return Result{Attempt: a, Listing: l, Transaction: &rec}, nil
}

// ---------------------------------------------------------------------------
// Auctions
// ---------------------------------------------------------------------------

// PlaceBid appends a validated bid and records it on the ledger.
func (c *Coordinator) PlaceBid(ctx context.Context, listingID string, bidder domain.Actor, amount decimal.Decimal, txRef string) (domain.Listing, error) {
	now := c.clock()
	l, err := c.listings.Update(ctx, listingID, func(cur domain.Listing) (domain.ListingMutation, error) {
		if err := validator.ValidateBid(cur, bidder, amount, now); err != nil {
			return nil, err
		}
		return func(l *domain.Listing) error {
			validator.AppendBid(l, domain.Bid{
				Bidder:         bidder,
				Amount:         amount,
				Timestamp:      now,
				TransactionRef: txRef,
			})
			l.UpdatedAt = now
			return nil
		}, nil
	})
	if err != nil {
		return domain.Listing{}, fmt.Errorf("settlement: place bid: %w", err)
	}

	seller := l.Seller
	price := domain.NewMoney(amount, l.Auction.StartingPrice.Currency)
	c.recordAudit(ctx, domain.TxBid, ledger.Entry{
		Type:      domain.TxBid,
		ListingID: l.ID,
		Buyer:     &bidder,
		Seller:    &seller,
		NFT:       l.NFT,
		Price:     price,
	})
	c.logAudit(ctx, "bid.placed", map[string]any{
		"listing_id": l.ID,
		"bidder":     bidder.ID,
		"amount":     amount.String(),
	})
	c.events.publish(ctx, Event{
		Type:      EventBidPlaced,
		ListingID: l.ID,
		ActorID:   bidder.ID,
		Amount:    price.String(),
		At:        now,
	})
	return l, nil
}

// CompleteAuction closes an ended auction. With no winner the listing
// expires; otherwise the winner is reserved as buyer and settles through
// SubmitProof like a purchase. Completing an auction that is already
// closed or reserved returns its current state.
func (c *Coordinator) CompleteAuction(ctx context.Context, listingID string) (Result, error) {
	now := c.clock()
	l, err := c.listings.Get(ctx, listingID)
	if err != nil {
		return Result{}, fmt.Errorf("settlement: complete auction: %w", err)
	}
	if l.Type != domain.ListingAuction || l.Auction == nil {
		return Result{}, fmt.Errorf("settlement: complete auction: %w", domain.Reject(domain.ReasonNotAuction, ""))
	}
	if l.Status != domain.ListingActive {
		return c.currentState(ctx, l)
	}

	outcome, err := validator.DecideAuctionOutcome(l, now)
	if err != nil {
		return Result{}, fmt.Errorf("settlement: complete auction: %w", err)
	}

	if outcome.NoWinner() {
		return c.expireAuction(ctx, l.ID, outcome.Reason, now)
	}

	attemptID := uuid.NewString()
	deadline := now.Add(c.cfg.ReservationTTL)
	var winner domain.Bid
	reserved, err := c.listings.Update(ctx, listingID, func(cur domain.Listing) (domain.ListingMutation, error) {
		if cur.Status != domain.ListingActive {
			return nil, errListingClosed
		}
		// Bids are frozen after the end time, so this re-decides the same
		// outcome on the fresh snapshot.
		out, err := validator.DecideAuctionOutcome(cur, now)
		if err != nil {
			return nil, err
		}
		if out.NoWinner() {
			return nil, errListingClosed
		}
		winner = *out.Winner
		return reserve(attemptID, winner.Bidder, deadline, now), nil
	})
	if errors.Is(err, errListingClosed) {
		return c.currentState(ctx, reserved)
	}
	if err != nil {
		return Result{}, fmt.Errorf("settlement: complete auction: %w", err)
	}

	price := domain.NewMoney(winner.Amount, reserved.Auction.StartingPrice.Currency)
	return c.openAttempt(ctx, reserved, attemptID, domain.AttemptAuctionSettlement, winner.Bidder, price, now, deadline)
}

func (c *Coordinator) expireAuction(ctx context.Context, listingID, reason string, now time.Time) (Result, error) {
	expired, err := c.listings.Update(ctx, listingID, func(cur domain.Listing) (domain.ListingMutation, error) {
		if cur.Status != domain.ListingActive {
			return nil, errListingClosed
		}
		return func(l *domain.Listing) error {
			l.Status = domain.ListingExpired
			l.UpdatedAt = now
			return nil
		}, nil
	})
	if errors.Is(err, errListingClosed) {
		return c.currentState(ctx, expired)
	}
	if err != nil {
		return Result{}, fmt.Errorf("settlement: expire auction: %w", err)
	}

	seller := expired.Seller
	rec, err := c.ledger.Record(ctx, ledger.Entry{
		Type:      domain.TxAuctionComplete,
		ListingID: expired.ID,
		Seller:    &seller,
		NFT:       expired.NFT,
		Price:     expired.AskingPrice(),
	})
	if err != nil {
		c.logger.ErrorContext(ctx, "record auction close",
			slog.String("listing_id", expired.ID),
			slog.String("error", err.Error()),
		)
	}

	c.logger.InfoContext(ctx, "auction closed without winner",
		slog.String("listing_id", expired.ID),
		slog.String("reason", reason),
	)
	c.logAudit(ctx, "auction.no_winner", map[string]any{"listing_id": expired.ID, "reason": reason})
	c.events.publish(ctx, Event{
		Type:          EventAuctionNoWinner,
		ListingID:     expired.ID,
		TransactionID: rec.ID,
		Message:       reason,
		At:            now,
	})

	res := Result{Listing: expired}
	if rec.ID != "" {
		res.Transaction = &rec
	}
	return res, nil
}

// currentState reports a listing some other actor already moved on,
// including the in-flight attempt if it is reserved.
func (c *Coordinator) currentState(ctx context.Context, l domain.Listing) (Result, error) {
	fresh, err := c.listings.Get(ctx, l.ID)
	if err != nil {
		return Result{}, fmt.Errorf("settlement: reload listing: %w", err)
	}
	if fresh.Status != domain.ListingPending {
		return Result{Listing: fresh}, nil
	}
	a, err := c.attempts.FindOpenByListing(ctx, fresh.ID)
	if err != nil {
		return Result{Listing: fresh}, nil
	}
	return c.result(ctx, a)
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// recordAudit writes a Completed audit-only ledger record. The listing
// write it describes has already committed, so failure is logged only.
func (c *Coordinator) recordAudit(ctx context.Context, t domain.TransactionType, e ledger.Entry) {
	if _, err := c.ledger.Record(ctx, e); err != nil {
		c.logger.ErrorContext(ctx, "record ledger entry",
			slog.String("type", string(t)),
			slog.String("listing_id", e.ListingID),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) logAudit(ctx context.Context, event string, detail map[string]any) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Log(ctx, event, detail); err != nil {
		c.logger.WarnContext(ctx, "audit log",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) notifyFinal(ctx context.Context, r domain.TransactionRecord) {
	if c.stats != nil && (r.Type == domain.TxPurchase || r.Type == domain.TxAuctionComplete) {
		if err := c.stats.Invalidate(ctx); err != nil {
			c.logger.WarnContext(ctx, "invalidate stats cache", slog.String("error", err.Error()))
		}
	}
	if c.notifier != nil {
		c.notifier.TransactionFinalized(ctx, r)
	}
}
