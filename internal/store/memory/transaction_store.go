package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/comicmarket/internal/domain"
)

// TransactionStore implements domain.TransactionStore.
type TransactionStore struct {
	mu      sync.RWMutex
	records map[string]domain.TransactionRecord
	// ledgerRefs enforces that one ledger transaction settles one record.
	ledgerRefs map[string]string
}

// NewTransactionStore creates an empty TransactionStore.
func NewTransactionStore() *TransactionStore {
	return &TransactionStore{
		records:    make(map[string]domain.TransactionRecord),
		ledgerRefs: make(map[string]string),
	}
}

// Insert stores a new record.
func (s *TransactionStore) Insert(_ context.Context, r domain.TransactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[r.ID]; ok {
		return fmt.Errorf("memory: insert transaction %s: %w", r.ID, domain.ErrAlreadyExists)
	}
	if r.Ledger != nil && r.Ledger.TransactionID != "" {
		if owner, ok := s.ledgerRefs[r.Ledger.TransactionID]; ok {
			return fmt.Errorf("memory: ledger ref %s already settles %s: %w", r.Ledger.TransactionID, owner, domain.ErrAlreadyExists)
		}
		s.ledgerRefs[r.Ledger.TransactionID] = r.ID
	}
	s.records[r.ID] = r
	return nil
}

// Get returns the record with the given id.
func (s *TransactionStore) Get(_ context.Context, id string) (domain.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return domain.TransactionRecord{}, domain.ErrNotFound
	}
	return r, nil
}

// Finalize moves a pending record to a terminal status exactly once.
func (s *TransactionStore) Finalize(_ context.Context, id string, u domain.TerminalUpdate) (domain.TransactionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return domain.TransactionRecord{}, domain.ErrNotFound
	}
	if r.Status.Terminal() {
		return r, domain.ErrTransactionFinal
	}
	if u.Ledger != nil && u.Ledger.TransactionID != "" {
		if owner, ok := s.ledgerRefs[u.Ledger.TransactionID]; ok && owner != id {
			return domain.TransactionRecord{}, fmt.Errorf("memory: ledger ref %s already settles %s: %w", u.Ledger.TransactionID, owner, domain.ErrAlreadyExists)
		}
		s.ledgerRefs[u.Ledger.TransactionID] = id
	}

	at := u.At
	r.Status = u.Status
	switch u.Status {
	case domain.TxCompleted:
		r.CompletedAt = &at
	default:
		r.FailedAt = &at
	}
	if u.Ledger != nil {
		l := *u.Ledger
		r.Ledger = &l
	}
	if u.Error != nil {
		e := *u.Error
		r.Error = &e
	}
	if u.ReceiptSignature != "" {
		r.ReceiptSignature = u.ReceiptSignature
	}
	s.records[id] = r
	return r, nil
}

// List returns records matching f, newest first.
func (s *TransactionStore) List(_ context.Context, f domain.TransactionFilter) ([]domain.TransactionRecord, error) {
	s.mu.RLock()
	var out []domain.TransactionRecord
	for _, r := range s.records {
		if matchTransaction(r, f) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sortRecords(out)
	return paginate(out, f.Offset, f.Limit), nil
}

// ListTerminalBefore returns terminal records finalized before the cutoff.
func (s *TransactionStore) ListTerminalBefore(_ context.Context, before time.Time) ([]domain.TransactionRecord, error) {
	s.mu.RLock()
	var out []domain.TransactionRecord
	for _, r := range s.records {
		if !r.Status.Terminal() {
			continue
		}
		at := r.CompletedAt
		if at == nil {
			at = r.FailedAt
		}
		if at != nil && at.Before(before) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()

	sortRecords(out)
	return out, nil
}

// FindByLedgerRef returns the record a ledger transaction id settled.
func (s *TransactionStore) FindByLedgerRef(_ context.Context, ref string) (domain.TransactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.ledgerRefs[ref]
	if !ok {
		return domain.TransactionRecord{}, domain.ErrNotFound
	}
	return s.records[id], nil
}

// ClaimLedgerRef binds ref to a pending record.
func (s *TransactionStore) ClaimLedgerRef(_ context.Context, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status.Terminal() {
		return domain.ErrTransactionFinal
	}
	if owner, ok := s.ledgerRefs[ref]; ok && owner != id {
		if held := s.records[owner].Status; held == domain.TxPending || held == domain.TxCompleted {
			return fmt.Errorf("memory: ledger ref %s already held by %s: %w", ref, owner, domain.ErrAlreadyExists)
		}
	}
	for other, owner := range s.ledgerRefs {
		if owner == id && other != ref {
			return fmt.Errorf("memory: transaction %s already holds ledger ref %s: %w", id, other, domain.ErrVersionConflict)
		}
	}
	s.ledgerRefs[ref] = id
	return nil
}

func sortRecords(rs []domain.TransactionRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].InitiatedAt.Equal(rs[j].InitiatedAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].InitiatedAt.After(rs[j].InitiatedAt)
	})
}

func matchTransaction(r domain.TransactionRecord, f domain.TransactionFilter) bool {
	if f.ListingID != "" && r.ListingID != f.ListingID {
		return false
	}
	if f.ActorID != "" {
		buyer := r.Buyer != nil && r.Buyer.ID == f.ActorID
		seller := r.Seller != nil && r.Seller.ID == f.ActorID
		if !buyer && !seller {
			return false
		}
	}
	if f.Type != "" && r.Type != f.Type {
		return false
	}
	if len(f.Status) > 0 {
		found := false
		for _, st := range f.Status {
			if r.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != nil && r.InitiatedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && r.InitiatedAt.After(*f.Until) {
		return false
	}
	return true
}

var _ domain.TransactionStore = (*TransactionStore)(nil)
