package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/comicmarket/internal/domain"
)

// AuditStore implements domain.AuditStore. The listing_id detail key, when
// present, is copied to its own indexed column so a listing's history can
// be read without scanning JSONB.
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an AuditStore.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

func auditSubject(detail map[string]any) *string {
	id, ok := detail["listing_id"].(string)
	if !ok || id == "" {
		return nil
	}
	return &id
}

// Log appends an entry.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	raw, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO audit_log (event, listing_id, detail) VALUES ($1, $2, $3)`,
		event, auditSubject(detail), raw)
	if err != nil {
		return fmt.Errorf("postgres: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	args := pgx.NamedArgs{}
	query := `SELECT id, event, detail, created_at FROM audit_log WHERE true`
	if opts.Since != nil {
		query += ` AND created_at >= @since`
		args["since"] = *opts.Since
	}
	if opts.Until != nil {
		query += ` AND created_at <= @until`
		args["until"] = *opts.Until
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if opts.Limit > 0 {
		query += ` LIMIT @limit`
		args["limit"] = opts.Limit
	}
	if opts.Offset > 0 {
		query += ` OFFSET @offset`
		args["offset"] = opts.Offset
	}
	return s.collect(ctx, "list audit entries", query, args)
}

// ListForListing returns the entries that name listingID, newest first.
func (s *AuditStore) ListForListing(ctx context.Context, listingID string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.collect(ctx, "list listing audit entries",
		`SELECT id, event, detail, created_at FROM audit_log
		 WHERE listing_id = @listing ORDER BY created_at DESC, id DESC LIMIT @limit`,
		pgx.NamedArgs{"listing": listingID, "limit": limit})
}

func (s *AuditStore) collect(ctx context.Context, op, query string, args pgx.NamedArgs) ([]domain.AuditEntry, error) {
	rows, err := s.pool.Query(ctx, query, args)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	entries, err := pgx.CollectRows(rows, scanAuditEntry)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", op, err)
	}
	return entries, nil
}

func scanAuditEntry(row pgx.CollectableRow) (domain.AuditEntry, error) {
	var (
		e   domain.AuditEntry
		raw []byte
		at  time.Time
	)
	if err := row.Scan(&e.ID, &e.Event, &raw, &at); err != nil {
		return e, err
	}
	e.CreatedAt = at.UTC()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshal audit detail: %w", err)
		}
	}
	return e, nil
}

var _ domain.AuditStore = (*AuditStore)(nil)
