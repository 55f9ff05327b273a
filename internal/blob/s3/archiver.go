package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/comicmarket/internal/domain"
)

const (
	jsonlContentType = "application/x-ndjson"
	// multipartThreshold switches uploads to the multipart manager.
	multipartThreshold = 16 * 1024 * 1024
)

// TerminalRecordSource lists finalized ledger records.
type TerminalRecordSource interface {
	ListTerminalBefore(ctx context.Context, before time.Time) ([]domain.TransactionRecord, error)
}

// TransactionArchiver writes finalized TransactionRecords to
// archive/transactions/YYYY-MM.jsonl, one file per calendar month of the
// record's completion or failure time.
//
// Only months that ended before the cutoff are archived, so a month's
// record set no longer changes once written. A month whose file already
// exists is skipped, which makes repeated runs idempotent. Records are not
// deleted from the primary store.
type TransactionArchiver struct {
	writer  domain.BlobWriter
	checker domain.BlobChecker
	records TerminalRecordSource
	audit   domain.AuditStore
	logger  *slog.Logger
}

// NewTransactionArchiver creates a TransactionArchiver.
func NewTransactionArchiver(
	writer domain.BlobWriter,
	checker domain.BlobChecker,
	records TerminalRecordSource,
	audit domain.AuditStore,
	logger *slog.Logger,
) *TransactionArchiver {
	return &TransactionArchiver{
		writer:  writer,
		checker: checker,
		records: records,
		audit:   audit,
		logger:  logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveTransactions archives every complete month before the month that
// contains before, and returns the number of records written.
func (a *TransactionArchiver) ArchiveTransactions(ctx context.Context, before time.Time) (int64, error) {
	cutoff := monthStart(before)
	recs, err := a.records.ListTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive transactions query: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	byMonth := make(map[string][]domain.TransactionRecord)
	for _, r := range recs {
		at := finalizedAt(r)
		if at.IsZero() {
			continue
		}
		month := at.UTC().Format("2006-01")
		byMonth[month] = append(byMonth[month], r)
	}

	months := make([]string, 0, len(byMonth))
	for m := range byMonth {
		months = append(months, m)
	}
	sort.Strings(months)

	var total int64
	for _, month := range months {
		path := archivePath("transactions", month)
		exists, err := a.checker.Exists(ctx, path)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive transactions check %s: %w", path, err)
		}
		if exists {
			a.logger.DebugContext(ctx, "archive month already written", slog.String("path", path))
			continue
		}

		monthRecs := byMonth[month]
		sort.Slice(monthRecs, func(i, j int) bool {
			return finalizedAt(monthRecs[i]).Before(finalizedAt(monthRecs[j]))
		})
		buf, err := marshalJSONL(monthRecs)
		if err != nil {
			return total, fmt.Errorf("s3blob: archive transactions marshal: %w", err)
		}

		if len(buf) > multipartThreshold {
			err = a.writer.PutMultipart(ctx, path, bytes.NewReader(buf), minPartSize)
		} else {
			err = a.writer.Put(ctx, path, bytes.NewReader(buf), jsonlContentType)
		}
		if err != nil {
			return total, fmt.Errorf("s3blob: archive transactions upload: %w", err)
		}

		count := int64(len(monthRecs))
		total += count
		a.logger.InfoContext(ctx, "archived transactions",
			slog.String("path", path),
			slog.Int64("count", count),
		)
		if a.audit != nil {
			if err := a.audit.Log(ctx, "archive.transactions", map[string]any{
				"path":   path,
				"count":  count,
				"before": cutoff.Format(time.RFC3339),
			}); err != nil {
				a.logger.WarnContext(ctx, "audit archive", slog.String("error", err.Error()))
			}
		}
	}
	return total, nil
}

func finalizedAt(r domain.TransactionRecord) time.Time {
	switch {
	case r.CompletedAt != nil:
		return *r.CompletedAt
	case r.FailedAt != nil:
		return *r.FailedAt
	default:
		return time.Time{}
	}
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

//	archive/transactions/2026-01.jsonl
func archivePath(kind, month string) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, month)
}

// marshalJSONL encodes one compact JSON object per line.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

var _ domain.Archiver = (*TransactionArchiver)(nil)
