package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/comicmarket/internal/domain"
)

const listingOpenAssetConstraint = "listings_open_asset_uniq"

// ListingStore implements domain.ListingRepository using PostgreSQL.
type ListingStore struct {
	pool *pgxpool.Pool
}

// NewListingStore creates a new ListingStore backed by the given pool.
func NewListingStore(pool *pgxpool.Pool) *ListingStore {
	return &ListingStore{pool: pool}
}

const listingSelectCols = `id, token_id, serial_number, listing_type, seller, status,
	fixed_price, auction, sale, reservation, version, created_at, updated_at`

// listingRow holds the JSONB-encoded parts of a listing.
type listingRow struct {
	seller, fixedPrice, auction, sale, reservation []byte
}

func encodeListing(l domain.Listing) (listingRow, error) {
	var r listingRow
	var err error
	if r.seller, err = json.Marshal(l.Seller); err != nil {
		return r, err
	}
	if r.fixedPrice, err = marshalOptional(l.FixedPrice); err != nil {
		return r, err
	}
	if r.auction, err = marshalOptional(l.Auction); err != nil {
		return r, err
	}
	if r.sale, err = marshalOptional(l.Sale); err != nil {
		return r, err
	}
	if r.reservation, err = marshalOptional(l.Reservation); err != nil {
		return r, err
	}
	return r, nil
}

func marshalOptional[T any](v *T) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalOptional[T any](data []byte) (*T, error) {
	if len(data) == 0 {
		return nil, nil
	}
	v := new(T)
	if err := json.Unmarshal(data, v); err != nil {
		return nil, err
	}
	return v, nil
}

func auctionEnd(l domain.Listing) *time.Time {
	if l.Auction == nil {
		return nil
	}
	t := l.Auction.EndTime
	return &t
}

func expiresAt(l domain.Listing) *time.Time {
	if l.FixedPrice == nil {
		return nil
	}
	return l.FixedPrice.ExpiresAt
}

func reservedUntil(l domain.Listing) *time.Time {
	if l.Reservation == nil {
		return nil
	}
	t := l.Reservation.Until
	return &t
}

func scanListing(row pgx.Row) (domain.Listing, error) {
	var l domain.Listing
	var listingType, status string
	var r listingRow

	err := row.Scan(
		&l.ID, &l.NFT.TokenID, &l.NFT.SerialNumber, &listingType, &r.seller, &status,
		&r.fixedPrice, &r.auction, &r.sale, &r.reservation, &l.Version, &l.CreatedAt, &l.UpdatedAt,
	)
	if err != nil {
		return domain.Listing{}, err
	}
	l.Type = domain.ListingType(listingType)
	l.Status = domain.ListingStatus(status)

	if err := json.Unmarshal(r.seller, &l.Seller); err != nil {
		return domain.Listing{}, fmt.Errorf("decode seller: %w", err)
	}
	if l.FixedPrice, err = unmarshalOptional[domain.FixedPriceTerms](r.fixedPrice); err != nil {
		return domain.Listing{}, fmt.Errorf("decode fixed price: %w", err)
	}
	if l.Auction, err = unmarshalOptional[domain.AuctionTerms](r.auction); err != nil {
		return domain.Listing{}, fmt.Errorf("decode auction: %w", err)
	}
	if l.Sale, err = unmarshalOptional[domain.SaleResult](r.sale); err != nil {
		return domain.Listing{}, fmt.Errorf("decode sale: %w", err)
	}
	if l.Reservation, err = unmarshalOptional[domain.Reservation](r.reservation); err != nil {
		return domain.Listing{}, fmt.Errorf("decode reservation: %w", err)
	}
	return l, nil
}

// Insert stores a new listing. The partial unique index on
// (token_id, serial_number) rejects a second open listing for the asset.
func (s *ListingStore) Insert(ctx context.Context, l domain.Listing) error {
	r, err := encodeListing(l)
	if err != nil {
		return fmt.Errorf("postgres: encode listing %s: %w", l.ID, err)
	}

	const query = `
		INSERT INTO listings (
			id, token_id, serial_number, listing_type, seller_id, seller, status,
			fixed_price, auction, sale, reservation, auction_end, reserved_until, expires_at,
			version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`

	_, err = s.pool.Exec(ctx, query,
		l.ID, l.NFT.TokenID, l.NFT.SerialNumber, string(l.Type), l.Seller.ID, r.seller, string(l.Status),
		r.fixedPrice, r.auction, r.sale, r.reservation, auctionEnd(l), reservedUntil(l), expiresAt(l),
		l.Version, l.CreatedAt, l.UpdatedAt,
	)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err, listingOpenAssetConstraint):
		return fmt.Errorf("postgres: insert listing %s: %w", l.ID, domain.ErrDuplicateListing)
	case isUniqueViolation(err, ""):
		return fmt.Errorf("postgres: insert listing %s: %w", l.ID, domain.ErrAlreadyExists)
	default:
		return fmt.Errorf("postgres: insert listing %s: %w", l.ID, err)
	}
}

// Get retrieves a listing by id.
func (s *ListingStore) Get(ctx context.Context, id string) (domain.Listing, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+listingSelectCols+` FROM listings WHERE id = $1`, id)
	l, err := scanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Listing{}, domain.ErrNotFound
		}
		return domain.Listing{}, fmt.Errorf("postgres: get listing %s: %w", id, err)
	}
	return l, nil
}

// CompareAndSwap reads the listing, applies mutate in memory and writes it
// back only if the row still carries expectedVersion. No row lock is held
// between the read and the conditional update.
func (s *ListingStore) CompareAndSwap(ctx context.Context, id string, expectedVersion int64, mutate domain.ListingMutation) (domain.Listing, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return domain.Listing{}, err
	}
	if cur.Version != expectedVersion {
		return domain.Listing{}, domain.ErrVersionConflict
	}
	if cur.Status.Terminal() {
		return domain.Listing{}, fmt.Errorf("postgres: listing %s is %s: %w", id, cur.Status, domain.ErrInvalidState)
	}

	next := cur.Clone()
	if err := mutate(&next); err != nil {
		return domain.Listing{}, err
	}
	next.ID, next.NFT = cur.ID, cur.NFT
	next.Version = cur.Version + 1

	r, err := encodeListing(next)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("postgres: encode listing %s: %w", id, err)
	}

	const query = `
		UPDATE listings SET
			status = $3, fixed_price = $4, auction = $5, sale = $6, reservation = $7,
			auction_end = $8, reserved_until = $9, version = $10, updated_at = $11
		WHERE id = $1 AND version = $2
		  AND status NOT IN ('sold', 'cancelled', 'expired')`

	tag, err := s.pool.Exec(ctx, query,
		id, expectedVersion, string(next.Status), r.fixedPrice, r.auction, r.sale, r.reservation,
		auctionEnd(next), reservedUntil(next), next.Version, next.UpdatedAt,
	)
	if err != nil {
		return domain.Listing{}, fmt.Errorf("postgres: update listing %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.Listing{}, domain.ErrVersionConflict
	}
	return next, nil
}

// List returns listings matching f, newest first.
func (s *ListingStore) List(ctx context.Context, f domain.ListingFilter) ([]domain.Listing, error) {
	query := `SELECT ` + listingSelectCols + ` FROM listings WHERE 1=1`
	args := []any{}
	argIdx := 1

	if len(f.Status) > 0 {
		statuses := make([]string, len(f.Status))
		for i, st := range f.Status {
			statuses[i] = string(st)
		}
		query += fmt.Sprintf(" AND status = ANY($%d)", argIdx)
		args = append(args, statuses)
		argIdx++
	}
	if f.Type != "" {
		query += fmt.Sprintf(" AND listing_type = $%d", argIdx)
		args = append(args, string(f.Type))
		argIdx++
	}
	if f.SellerID != "" {
		query += fmt.Sprintf(" AND seller_id = $%d", argIdx)
		args = append(args, f.SellerID)
		argIdx++
	}
	if f.EndedBefore != nil {
		query += fmt.Sprintf(" AND auction_end < $%d", argIdx)
		args = append(args, *f.EndedBefore)
		argIdx++
	}
	if f.ReservedBefore != nil {
		query += fmt.Sprintf(" AND reserved_until < $%d", argIdx)
		args = append(args, *f.ReservedBefore)
		argIdx++
	}

	if f.ExpiresBefore != nil {
		query += fmt.Sprintf(" AND expires_at < $%d", argIdx)
		args = append(args, *f.ExpiresBefore)
		argIdx++
	}

	query += " ORDER BY created_at DESC, id"

	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
		argIdx++
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, f.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list listings: %w", err)
	}
	defer rows.Close()

	var out []domain.Listing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan listing: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list listings rows: %w", err)
	}
	return out, nil
}

var _ domain.ListingRepository = (*ListingStore)(nil)
