package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/comicmarket/internal/domain"
)

// AttemptStore implements domain.AttemptStore using PostgreSQL.
type AttemptStore struct {
	pool *pgxpool.Pool
}

// NewAttemptStore creates a new AttemptStore backed by the given pool.
func NewAttemptStore(pool *pgxpool.Pool) *AttemptStore {
	return &AttemptStore{pool: pool}
}

const attemptSelectCols = `id, listing_id, transaction_id, kind, buyer, seller,
	token_id, serial_number, price::text, currency, state,
	COALESCE(proof_ref, ''), COALESCE(failure_code, ''), deadline, created_at, updated_at`

var openAttemptStates = []string{
	string(domain.AttemptInitiated),
	string(domain.AttemptReserved),
	string(domain.AttemptAwaitingProof),
}

func scanAttempt(row pgx.Row) (domain.SettlementAttempt, error) {
	var a domain.SettlementAttempt
	var kind, state, price string
	var buyer, seller []byte

	err := row.Scan(
		&a.ID, &a.ListingID, &a.TransactionID, &kind, &buyer, &seller,
		&a.NFT.TokenID, &a.NFT.SerialNumber, &price, &a.Price.Currency, &state,
		&a.ProofRef, &a.FailureCode, &a.Deadline, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return domain.SettlementAttempt{}, err
	}
	a.Kind = domain.AttemptKind(kind)
	a.State = domain.AttemptState(state)
	if a.Price.Amount, err = decimal.NewFromString(price); err != nil {
		return domain.SettlementAttempt{}, fmt.Errorf("decode price %q: %w", price, err)
	}
	if err := json.Unmarshal(buyer, &a.Buyer); err != nil {
		return domain.SettlementAttempt{}, fmt.Errorf("decode buyer: %w", err)
	}
	if err := json.Unmarshal(seller, &a.Seller); err != nil {
		return domain.SettlementAttempt{}, fmt.Errorf("decode seller: %w", err)
	}
	return a, nil
}

// Create stores a new attempt.
func (s *AttemptStore) Create(ctx context.Context, a domain.SettlementAttempt) error {
	buyer, err := json.Marshal(a.Buyer)
	if err != nil {
		return fmt.Errorf("postgres: encode buyer: %w", err)
	}
	seller, err := json.Marshal(a.Seller)
	if err != nil {
		return fmt.Errorf("postgres: encode seller: %w", err)
	}

	const query = `
		INSERT INTO settlement_attempts (
			id, listing_id, transaction_id, kind, buyer, seller, token_id, serial_number,
			price, currency, state, proof_ref, failure_code, deadline, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::numeric,$10,$11,$12,$13,$14,$15,$16)`

	_, err = s.pool.Exec(ctx, query,
		a.ID, a.ListingID, a.TransactionID, string(a.Kind), buyer, seller,
		a.NFT.TokenID, a.NFT.SerialNumber, a.Price.Amount.String(), a.Price.Currency,
		string(a.State), nullIfEmpty(a.ProofRef), nullIfEmpty(a.FailureCode),
		a.Deadline, a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("postgres: create attempt %s: %w", a.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: create attempt %s: %w", a.ID, err)
	}
	return nil
}

// Get retrieves an attempt by id.
func (s *AttemptStore) Get(ctx context.Context, id string) (domain.SettlementAttempt, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+attemptSelectCols+` FROM settlement_attempts WHERE id = $1`, id)
	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SettlementAttempt{}, domain.ErrNotFound
		}
		return domain.SettlementAttempt{}, fmt.Errorf("postgres: get attempt %s: %w", id, err)
	}
	return a, nil
}

// Transition performs a conditional state change. When the attempt is no
// longer in one of t.From it returns the current row with
// domain.ErrAttemptClosed.
func (s *AttemptStore) Transition(ctx context.Context, id string, t domain.AttemptTransition) (domain.SettlementAttempt, error) {
	from := make([]string, len(t.From))
	for i, st := range t.From {
		from[i] = string(st)
	}

	query := `
		UPDATE settlement_attempts SET
			state = $2,
			proof_ref = COALESCE($3, proof_ref),
			failure_code = COALESCE($4, failure_code),
			updated_at = $5
		WHERE id = $1 AND state = ANY($6)
		RETURNING ` + attemptSelectCols

	row := s.pool.QueryRow(ctx, query,
		id, string(t.To), nullIfEmpty(t.ProofRef), nullIfEmpty(t.FailureCode), t.At, from)
	a, err := scanAttempt(row)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.SettlementAttempt{}, fmt.Errorf("postgres: transition attempt %s: %w", id, err)
	}

	cur, getErr := s.Get(ctx, id)
	if getErr != nil {
		return domain.SettlementAttempt{}, getErr
	}
	return cur, domain.ErrAttemptClosed
}

// ListExpired returns open attempts past their deadline, oldest first.
func (s *AttemptStore) ListExpired(ctx context.Context, before time.Time, limit int) ([]domain.SettlementAttempt, error) {
	query := `SELECT ` + attemptSelectCols + ` FROM settlement_attempts
		WHERE state = ANY($1) AND deadline < $2
		ORDER BY deadline`
	args := []any{openAttemptStates, before}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired attempts: %w", err)
	}
	defer rows.Close()

	var out []domain.SettlementAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan attempt: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list expired attempts rows: %w", err)
	}
	return out, nil
}

// FindOpenByListing returns the in-flight attempt on a listing, if any.
func (s *AttemptStore) FindOpenByListing(ctx context.Context, listingID string) (domain.SettlementAttempt, error) {
	states := append([]string{string(domain.AttemptFinalizing)}, openAttemptStates...)
	row := s.pool.QueryRow(ctx,
		`SELECT `+attemptSelectCols+` FROM settlement_attempts
		 WHERE listing_id = $1 AND state = ANY($2)
		 ORDER BY created_at DESC LIMIT 1`, listingID, states)
	a, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.SettlementAttempt{}, domain.ErrNotFound
		}
		return domain.SettlementAttempt{}, fmt.Errorf("postgres: find open attempt for %s: %w", listingID, err)
	}
	return a, nil
}

var _ domain.AttemptStore = (*AttemptStore)(nil)
