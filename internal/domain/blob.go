package domain

import (
	"context"
	"io"
	"time"
)

// BlobWriter uploads data to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
	PutMultipart(ctx context.Context, path string, data io.Reader, partSize int64) error
}

// BlobChecker reports whether an object already exists.
type BlobChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// Archiver moves old terminal ledger records to cold storage.
type Archiver interface {
	ArchiveTransactions(ctx context.Context, before time.Time) (int64, error)
}
