package s3blob

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/comicmarket/internal/domain"
	"github.com/alanyoungcy/comicmarket/internal/store/memory"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, _ string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = b
	m.puts++
	return nil
}

func (m *memBlobs) PutMultipart(ctx context.Context, path string, data io.Reader, _ int64) error {
	return m.Put(ctx, path, data, jsonlContentType)
}

func (m *memBlobs) Exists(_ context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[path]
	return ok, nil
}

func finalized(id string, status domain.TransactionStatus, at time.Time) domain.TransactionRecord {
	r := domain.TransactionRecord{
		ID:          id,
		Type:        domain.TxPurchase,
		Status:      status,
		Price:       domain.HBAR("10"),
		InitiatedAt: at.Add(-time.Minute),
	}
	if status == domain.TxCompleted {
		r.CompletedAt = &at
	} else {
		r.FailedAt = &at
	}
	return r
}

func TestArchiveTransactionsByMonth(t *testing.T) {
	ctx := context.Background()
	txs := memory.NewTransactionStore()
	for _, r := range []domain.TransactionRecord{
		finalized("jan-1", domain.TxCompleted, time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)),
		finalized("jan-2", domain.TxFailed, time.Date(2026, 1, 20, 0, 0, 0, 0, time.UTC)),
		finalized("feb-1", domain.TxCompleted, time.Date(2026, 2, 3, 0, 0, 0, 0, time.UTC)),
		finalized("mar-1", domain.TxCompleted, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)),
	} {
		require.NoError(t, txs.Insert(ctx, r))
	}
	require.NoError(t, txs.Insert(ctx, domain.TransactionRecord{ID: "open", Status: domain.TxPending, InitiatedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}))

	blobs := &memBlobs{objects: map[string][]byte{}}
	audit := memory.NewAuditStore()
	arch := NewTransactionArchiver(blobs, blobs, txs, audit, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// Mid-March: January and February are complete, March is not.
	n, err := arch.ArchiveTransactions(ctx, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	require.Contains(t, blobs.objects, "archive/transactions/2026-01.jsonl")
	require.Contains(t, blobs.objects, "archive/transactions/2026-02.jsonl")
	assert.NotContains(t, blobs.objects, "archive/transactions/2026-03.jsonl")

	var ids []string
	sc := bufio.NewScanner(bytes.NewReader(blobs.objects["archive/transactions/2026-01.jsonl"]))
	for sc.Scan() {
		var r domain.TransactionRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &r))
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"jan-1", "jan-2"}, ids)

	// A second run writes nothing.
	n, err = arch.ArchiveTransactions(ctx, time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, blobs.puts)

	entries, err := audit.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestNormaliseEndpoint(t *testing.T) {
	assert.Equal(t, "https://minio:9000", normaliseEndpoint("minio:9000", true))
	assert.Equal(t, "http://minio:9000", normaliseEndpoint("minio:9000", false))
	assert.Equal(t, "http://localhost:9000", normaliseEndpoint("http://localhost:9000", true))
}

func TestClientAgainstFakeS3(t *testing.T) {
	var (
		mu     sync.Mutex
		stored = map[string][]byte{}
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch r.Method {
		case http.MethodPut:
			b, _ := io.ReadAll(r.Body)
			stored[r.URL.Path] = b
			w.Header().Set("ETag", `"etag"`)
			w.WriteHeader(http.StatusOK)
		case http.MethodHead:
			if _, ok := stored[r.URL.Path]; ok {
				w.WriteHeader(http.StatusOK)
				return
			}
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	defer srv.Close()

	ctx := context.Background()
	c, err := New(ctx, ClientConfig{
		Endpoint:       srv.URL,
		Region:         "us-east-1",
		Bucket:         "archive",
		AccessKey:      "test",
		SecretKey:      "test",
		ForcePathStyle: true,
	})
	require.NoError(t, err)

	r := NewReader(c)
	ok, err := r.Exists(ctx, "archive/transactions/2026-01.jsonl")
	require.NoError(t, err)
	assert.False(t, ok)

	w := NewWriter(c)
	require.NoError(t, w.Put(ctx, "archive/transactions/2026-01.jsonl", strings.NewReader("{}\n"), jsonlContentType))

	ok, err = r.Exists(ctx, "archive/transactions/2026-01.jsonl")
	require.NoError(t, err)
	assert.True(t, ok)

	mu.Lock()
	_, stored1 := stored["/archive/archive/transactions/2026-01.jsonl"]
	mu.Unlock()
	assert.True(t, stored1)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(context.Background(), ClientConfig{Region: "us-east-1"})
	assert.Error(t, err)
	_, err = New(context.Background(), ClientConfig{Bucket: "b"})
	assert.Error(t, err)
}
