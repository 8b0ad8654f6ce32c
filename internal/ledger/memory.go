package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and local runs. A single mutex
// serializes all deltas, which trivially satisfies the per-user ordering
// guarantee.
type MemoryStore struct {
	mu       sync.Mutex
	balances map[string]int
	journal  map[string][]JournalEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]int),
		journal:  make(map[string][]JournalEntry),
	}
}

// SeedUser creates a user with an opening balance (test helper).
func (m *MemoryStore) SeedUser(userID string, credits int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = credits
}

func (m *MemoryStore) ApplyDelta(ctx context.Context, userID string, delta int, kind, description, taskID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	balance, ok := m.balances[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	newBalance := balance + delta
	if newBalance < 0 {
		return 0, ErrInsufficientCredits
	}
	m.balances[userID] = newBalance
	m.journal[userID] = append(m.journal[userID], JournalEntry{
		ID:           uuid.New().String(),
		UserID:       userID,
		Delta:        delta,
		BalanceAfter: newBalance,
		Kind:         kind,
		Description:  description,
		TaskID:       taskID,
		CreatedAt:    time.Now().UTC(),
	})
	return newBalance, nil
}

func (m *MemoryStore) Balance(ctx context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	balance, ok := m.balances[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	return balance, nil
}

func (m *MemoryStore) Journal(ctx context.Context, userID string, limit int) ([]JournalEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.journal[userID]
	out := make([]JournalEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out, nil
}
