// Package memory implements the domain store interfaces in process memory.
// It backs tests and single-process deployments run with
// storage.backend = "memory". Every method is safe for concurrent use.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/comicmarket/internal/domain"
)

// ListingStore implements domain.ListingRepository.
type ListingStore struct {
	mu       sync.RWMutex
	listings map[string]domain.Listing
}

// NewListingStore creates an empty ListingStore.
func NewListingStore() *ListingStore {
	return &ListingStore{listings: make(map[string]domain.Listing)}
}

// Insert stores a new listing. The asset may have at most one open
// listing at a time.
func (s *ListingStore) Insert(_ context.Context, l domain.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.listings[l.ID]; ok {
		return fmt.Errorf("memory: insert listing %s: %w", l.ID, domain.ErrAlreadyExists)
	}
	for _, existing := range s.listings {
		if existing.NFT == l.NFT && existing.Open() {
			return fmt.Errorf("memory: insert listing %s: %w", l.ID, domain.ErrDuplicateListing)
		}
	}
	s.listings[l.ID] = l.Clone()
	return nil
}

// Get returns a copy of the listing.
func (s *ListingStore) Get(_ context.Context, id string) (domain.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.listings[id]
	if !ok {
		return domain.Listing{}, domain.ErrNotFound
	}
	return l.Clone(), nil
}

// CompareAndSwap applies mutate when the stored version matches.
func (s *ListingStore) CompareAndSwap(_ context.Context, id string, expectedVersion int64, mutate domain.ListingMutation) (domain.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.listings[id]
	if !ok {
		return domain.Listing{}, domain.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return domain.Listing{}, domain.ErrVersionConflict
	}
	if cur.Status.Terminal() {
		return domain.Listing{}, fmt.Errorf("memory: listing %s is %s: %w", id, cur.Status, domain.ErrInvalidState)
	}

	next := cur.Clone()
	if err := mutate(&next); err != nil {
		return domain.Listing{}, err
	}
	next.ID = cur.ID
	next.NFT = cur.NFT
	next.Version = cur.Version + 1

	s.listings[id] = next
	return next.Clone(), nil
}

// List returns listings matching f ordered by creation time, newest first.
func (s *ListingStore) List(_ context.Context, f domain.ListingFilter) ([]domain.Listing, error) {
	s.mu.RLock()
	var out []domain.Listing
	for _, l := range s.listings {
		if matchListing(l, f) {
			out = append(out, l.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return paginate(out, f.Offset, f.Limit), nil
}

func matchListing(l domain.Listing, f domain.ListingFilter) bool {
	if len(f.Status) > 0 {
		found := false
		for _, st := range f.Status {
			if l.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Type != "" && l.Type != f.Type {
		return false
	}
	if f.SellerID != "" && l.Seller.ID != f.SellerID {
		return false
	}
	if f.EndedBefore != nil {
		if l.Auction == nil || !l.Auction.EndTime.Before(*f.EndedBefore) {
			return false
		}
	}
	if f.ReservedBefore != nil {
		if l.Reservation == nil || !l.Reservation.Until.Before(*f.ReservedBefore) {
			return false
		}
	}
	if f.ExpiresBefore != nil {
		if l.FixedPrice == nil || l.FixedPrice.ExpiresAt == nil || !l.FixedPrice.ExpiresAt.Before(*f.ExpiresBefore) {
			return false
		}
	}
	return true
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

var _ domain.ListingRepository = (*ListingStore)(nil)
