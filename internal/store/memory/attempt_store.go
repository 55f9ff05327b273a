package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/comicmarket/internal/domain"
)

// AttemptStore implements domain.AttemptStore.
type AttemptStore struct {
	mu       sync.RWMutex
	attempts map[string]domain.SettlementAttempt
}

// NewAttemptStore creates an empty AttemptStore.
func NewAttemptStore() *AttemptStore {
	return &AttemptStore{attempts: make(map[string]domain.SettlementAttempt)}
}

// Create stores a new attempt.
func (s *AttemptStore) Create(_ context.Context, a domain.SettlementAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.attempts[a.ID]; ok {
		return fmt.Errorf("memory: create attempt %s: %w", a.ID, domain.ErrAlreadyExists)
	}
	s.attempts[a.ID] = a
	return nil
}

// Get returns the attempt with the given id.
func (s *AttemptStore) Get(_ context.Context, id string) (domain.SettlementAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.attempts[id]
	if !ok {
		return domain.SettlementAttempt{}, domain.ErrNotFound
	}
	return a, nil
}

// Transition moves the attempt to t.To only while its state is one of t.From.
// Otherwise it returns the current attempt with domain.ErrAttemptClosed.
func (s *AttemptStore) Transition(_ context.Context, id string, t domain.AttemptTransition) (domain.SettlementAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[id]
	if !ok {
		return domain.SettlementAttempt{}, domain.ErrNotFound
	}
	if !stateIn(a.State, t.From) {
		return a, domain.ErrAttemptClosed
	}

	a.State = t.To
	if t.ProofRef != "" {
		a.ProofRef = t.ProofRef
	}
	if t.FailureCode != "" {
		a.FailureCode = t.FailureCode
	}
	a.UpdatedAt = t.At
	s.attempts[id] = a
	return a, nil
}

// ListExpired returns open attempts whose deadline is before the cutoff,
// oldest deadline first.
func (s *AttemptStore) ListExpired(_ context.Context, before time.Time, limit int) ([]domain.SettlementAttempt, error) {
	s.mu.RLock()
	var out []domain.SettlementAttempt
	for _, a := range s.attempts {
		if a.State.Open() && a.Deadline.Before(before) {
			out = append(out, a)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// FindOpenByListing returns the open attempt holding the listing, if any.
func (s *AttemptStore) FindOpenByListing(_ context.Context, listingID string) (domain.SettlementAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.attempts {
		if a.ListingID == listingID && (a.State.Open() || a.State == domain.AttemptFinalizing) {
			return a, nil
		}
	}
	return domain.SettlementAttempt{}, domain.ErrNotFound
}

func stateIn(s domain.AttemptState, set []domain.AttemptState) bool {
	for _, x := range set {
		if s == x {
			return true
		}
	}
	return false
}

var _ domain.AttemptStore = (*AttemptStore)(nil)
