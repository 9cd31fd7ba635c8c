package purchases

import (
	"context"
	"sort"
	"sync"

	"github.com/omnidepin/marketplace/internal/pagination"
)

// MemoryStore is an in-memory purchase store for development mode.
type MemoryStore struct {
	purchases map[string]*Purchase
	byTx      map[string]string
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory purchase store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		purchases: make(map[string]*Purchase),
		byTx:      make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, p *Purchase) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byTx[p.TransactionHash]; ok {
		return ErrDuplicateTransaction
	}
	cp := *p
	m.purchases[p.ID] = &cp
	m.byTx[p.TransactionHash] = p.ID
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.purchases[id]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListByBuyer(ctx context.Context, buyerAddr string, limit int, cursor *pagination.Cursor) ([]*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Purchase
	for _, p := range m.purchases {
		if p.BuyerAddress == buyerAddr && cursor.After(p.CreatedAt, p.ID) {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
