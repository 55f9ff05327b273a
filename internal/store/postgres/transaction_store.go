package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/comicmarket/internal/domain"
)

const ledgerRefConstraint = "transactions_ledger_tx_uniq"

// TransactionStore implements domain.TransactionStore using PostgreSQL.
// Rows are inserted once and finalized once. The only other update is the
// ledger ref claim on a pending row.
type TransactionStore struct {
	pool *pgxpool.Pool
}

// NewTransactionStore creates a new TransactionStore backed by the given pool.
func NewTransactionStore(pool *pgxpool.Pool) *TransactionStore {
	return &TransactionStore{pool: pool}
}

// Numeric columns are read back as text so decimal precision survives.
const txSelectCols = `id, listing_id, attempt_id, tx_type, status, buyer, seller,
	token_id, serial_number, price::text, currency,
	platform_fee::text, royalty_fee::text, total_fees::text,
	ledger, error_code, error_message, receipt_signature,
	initiated_at, completed_at, failed_at`

func actorID(a *domain.Actor) *string {
	if a == nil {
		return nil
	}
	return &a.ID
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func ledgerTxID(l *domain.LedgerTransaction) *string {
	if l == nil {
		return nil
	}
	return nullIfEmpty(l.TransactionID)
}

func scanTransaction(row pgx.Row) (domain.TransactionRecord, error) {
	var r domain.TransactionRecord
	var listingID, attemptID, errCode, errMsg, receipt *string
	var txType, status, price, platformFee, royaltyFee, totalFees string
	var buyer, seller, ledger []byte

	err := row.Scan(
		&r.ID, &listingID, &attemptID, &txType, &status, &buyer, &seller,
		&r.NFT.TokenID, &r.NFT.SerialNumber, &price, &r.Price.Currency,
		&platformFee, &royaltyFee, &totalFees,
		&ledger, &errCode, &errMsg, &receipt,
		&r.InitiatedAt, &r.CompletedAt, &r.FailedAt,
	)
	if err != nil {
		return domain.TransactionRecord{}, err
	}

	r.Type = domain.TransactionType(txType)
	r.Status = domain.TransactionStatus(status)
	if listingID != nil {
		r.ListingID = *listingID
	}
	if attemptID != nil {
		r.AttemptID = *attemptID
	}
	if receipt != nil {
		r.ReceiptSignature = *receipt
	}
	if errCode != nil {
		r.Error = &domain.TxError{Code: *errCode}
		if errMsg != nil {
			r.Error.Message = *errMsg
		}
	}

	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&r.Price.Amount, price},
		{&r.Fees.PlatformFee, platformFee},
		{&r.Fees.RoyaltyFee, royaltyFee},
		{&r.Fees.TotalFees, totalFees},
	} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return domain.TransactionRecord{}, fmt.Errorf("decode numeric %q: %w", f.src, err)
		}
	}

	if r.Buyer, err = unmarshalOptional[domain.Actor](buyer); err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("decode buyer: %w", err)
	}
	if r.Seller, err = unmarshalOptional[domain.Actor](seller); err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("decode seller: %w", err)
	}
	if r.Ledger, err = unmarshalOptional[domain.LedgerTransaction](ledger); err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("decode ledger: %w", err)
	}
	return r, nil
}

// Insert stores a new record.
func (s *TransactionStore) Insert(ctx context.Context, r domain.TransactionRecord) error {
	buyer, err := marshalOptional(r.Buyer)
	if err != nil {
		return fmt.Errorf("postgres: encode buyer: %w", err)
	}
	seller, err := marshalOptional(r.Seller)
	if err != nil {
		return fmt.Errorf("postgres: encode seller: %w", err)
	}
	ledger, err := marshalOptional(r.Ledger)
	if err != nil {
		return fmt.Errorf("postgres: encode ledger: %w", err)
	}
	var errCode, errMsg *string
	if r.Error != nil {
		errCode, errMsg = &r.Error.Code, &r.Error.Message
	}

	const query = `
		INSERT INTO transactions (
			id, listing_id, attempt_id, tx_type, status, buyer_id, buyer, seller_id, seller,
			token_id, serial_number, price, currency, platform_fee, royalty_fee, total_fees,
			ledger_tx_id, ledger, error_code, error_message, receipt_signature,
			initiated_at, completed_at, failed_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9,
			$10, $11, $12::numeric, $13, $14::numeric, $15::numeric, $16::numeric,
			$17, $18, $19, $20, $21,
			$22, $23, $24
		)`

	_, err = s.pool.Exec(ctx, query,
		r.ID, nullIfEmpty(r.ListingID), nullIfEmpty(r.AttemptID), string(r.Type), string(r.Status),
		actorID(r.Buyer), buyer, actorID(r.Seller), seller,
		r.NFT.TokenID, r.NFT.SerialNumber, r.Price.Amount.String(), r.Price.Currency,
		r.Fees.PlatformFee.String(), r.Fees.RoyaltyFee.String(), r.Fees.TotalFees.String(),
		ledgerTxID(r.Ledger), ledger, errCode, errMsg, nullIfEmpty(r.ReceiptSignature),
		r.InitiatedAt, r.CompletedAt, r.FailedAt,
	)
	if err != nil {
		if isUniqueViolation(err, "") {
			return fmt.Errorf("postgres: insert transaction %s: %w", r.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: insert transaction %s: %w", r.ID, err)
	}
	return nil
}

// Get retrieves a record by id.
func (s *TransactionStore) Get(ctx context.Context, id string) (domain.TransactionRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+txSelectCols+` FROM transactions WHERE id = $1`, id)
	r, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TransactionRecord{}, domain.ErrNotFound
		}
		return domain.TransactionRecord{}, fmt.Errorf("postgres: get transaction %s: %w", id, err)
	}
	return r, nil
}

// Finalize moves a pending record to a terminal status. The WHERE clause on
// status makes the transition happen at most once.
func (s *TransactionStore) Finalize(ctx context.Context, id string, u domain.TerminalUpdate) (domain.TransactionRecord, error) {
	ledger, err := marshalOptional(u.Ledger)
	if err != nil {
		return domain.TransactionRecord{}, fmt.Errorf("postgres: encode ledger: %w", err)
	}
	var completedAt, failedAt *time.Time
	if u.Status == domain.TxCompleted {
		completedAt = &u.At
	} else {
		failedAt = &u.At
	}
	var errCode, errMsg *string
	if u.Error != nil {
		errCode, errMsg = &u.Error.Code, &u.Error.Message
	}

	query := `
		UPDATE transactions SET
			status = $2,
			completed_at = $3,
			failed_at = $4,
			ledger_tx_id = COALESCE($5, ledger_tx_id),
			ledger = COALESCE($6, ledger),
			error_code = COALESCE($7, error_code),
			error_message = COALESCE($8, error_message),
			receipt_signature = COALESCE($9, receipt_signature)
		WHERE id = $1 AND status = 'pending'
		RETURNING ` + txSelectCols

	row := s.pool.QueryRow(ctx, query,
		id, string(u.Status), completedAt, failedAt,
		ledgerTxID(u.Ledger), ledger, errCode, errMsg, nullIfEmpty(u.ReceiptSignature),
	)
	r, err := scanTransaction(row)
	switch {
	case err == nil:
		return r, nil
	case errors.Is(err, pgx.ErrNoRows):
		cur, getErr := s.Get(ctx, id)
		if getErr != nil {
			return domain.TransactionRecord{}, getErr
		}
		return cur, domain.ErrTransactionFinal
	case isUniqueViolation(err, ledgerRefConstraint):
		return domain.TransactionRecord{}, fmt.Errorf("postgres: finalize transaction %s: ledger ref reused: %w", id, domain.ErrAlreadyExists)
	default:
		return domain.TransactionRecord{}, fmt.Errorf("postgres: finalize transaction %s: %w", id, err)
	}
}

// List returns records matching f, newest first.
func (s *TransactionStore) List(ctx context.Context, f domain.TransactionFilter) ([]domain.TransactionRecord, error) {
	query := `SELECT ` + txSelectCols + ` FROM transactions WHERE 1=1`
	args := []any{}
	argIdx := 1

	if f.ListingID != "" {
		query += fmt.Sprintf(" AND listing_id = $%d", argIdx)
		args = append(args, f.ListingID)
		argIdx++
	}
	if f.ActorID != "" {
		query += fmt.Sprintf(" AND (buyer_id = $%d OR seller_id = $%d)", argIdx, argIdx)
		args = append(args, f.ActorID)
		argIdx++
	}
	if f.Type != "" {
		query += fmt.Sprintf(" AND tx_type = $%d", argIdx)
		args = append(args, string(f.Type))
		argIdx++
	}
	if len(f.Status) > 0 {
		statuses := make([]string, len(f.Status))
		for i, st := range f.Status {
			statuses[i] = string(st)
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, statuses)
		argIdx++
	}
	if f.Since != nil {
		query += fmt.Sprintf(" AND initiated_at >= $%d", argIdx)
		args = append(args, *f.Since)
		argIdx++
	}
	if f.Until != nil {
		query += fmt.Sprintf(" AND initiated_at <= $%d", argIdx)
		args = append(args, *f.Until)
		argIdx++
	}

	query += " ORDER BY initiated_at DESC, id"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
		argIdx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	return s.query(ctx, "list transactions", query, args...)
}

// ListTerminalBefore returns terminal records finalized before the cutoff.
func (s *TransactionStore) ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.TransactionRecord, error) {
	query := `SELECT ` + txSelectCols + ` FROM transactions
		WHERE status <> 'pending' AND COALESCE(completed_at, failed_at) < $1
		ORDER BY initiated_at DESC, id`
	return s.query(ctx, "list terminal transactions", query, before)
}

// FindByLedgerRef returns the record a ledger transaction id settled.
func (s *TransactionStore) FindByLedgerRef(ctx context.Context, ref string) (domain.TransactionRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+txSelectCols+` FROM transactions WHERE ledger_tx_id = $1`, ref)
	r, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TransactionRecord{}, domain.ErrNotFound
		}
		return domain.TransactionRecord{}, fmt.Errorf("postgres: find transaction by ledger ref: %w", err)
	}
	return r, nil
}

const (
	releaseFailedRefSQL = `
		UPDATE transactions SET ledger_tx_id = NULL
		WHERE ledger_tx_id = $1 AND id <> $2 AND status IN ('failed', 'cancelled')`

	claimRefSQL = `
		UPDATE transactions SET ledger_tx_id = $2
		WHERE id = $1 AND status = 'pending' AND (ledger_tx_id IS NULL OR ledger_tx_id = $2)`
)

// ClaimLedgerRef binds ref to a pending record. The unique index on
// ledger_tx_id decides between concurrent claims of the same ref.
func (s *TransactionStore) ClaimLedgerRef(ctx context.Context, id, ref string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin claim %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, releaseFailedRefSQL, ref, id); err != nil {
		return fmt.Errorf("postgres: release ledger ref %s: %w", ref, err)
	}

	tag, err := tx.Exec(ctx, claimRefSQL, id, ref)
	if err != nil {
		if isUniqueViolation(err, ledgerRefConstraint) {
			return fmt.Errorf("postgres: claim ledger ref %s for %s: %w", ref, id, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: claim ledger ref %s for %s: %w", ref, id, err)
	}
	if tag.RowsAffected() == 0 {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM transactions WHERE id = $1`, id).Scan(&status)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return domain.ErrNotFound
		case err != nil:
			return fmt.Errorf("postgres: claim ledger ref %s for %s: %w", ref, id, err)
		case domain.TransactionStatus(status).Terminal():
			return domain.ErrTransactionFinal
		default:
			return fmt.Errorf("postgres: transaction %s already holds a ledger ref: %w", id, domain.ErrVersionConflict)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err, ledgerRefConstraint) {
			return fmt.Errorf("postgres: claim ledger ref %s for %s: %w", ref, id, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("postgres: commit claim %s: %w", id, err)
	}
	return nil
}

func (s *TransactionStore) query(ctx context.Context, op, query string, args ...any) ([]domain.TransactionRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.TransactionRecord
	for rows.Next() {
		r, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan transaction: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s rows: %w", op, err)
	}
	return out, nil
}

var _ domain.TransactionStore = (*TransactionStore)(nil)
