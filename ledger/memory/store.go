package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/code-payments/purchases-go/ledger"
	"github.com/code-payments/purchases-go/query"
)

type InMemoryStore struct {
	mu      sync.RWMutex
	records map[string]*ledger.Record
}

func NewInMemory() ledger.Store {
	return &InMemoryStore{
		records: map[string]*ledger.Record{},
	}
}

func (s *InMemoryStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = make(map[string]*ledger.Record)
}

func (s *InMemoryStore) RecordPurchase(_ context.Context, record *ledger.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.TransactionID]; ok {
		return ledger.ErrExists
	}

	cloned := record.Clone()
	cloned.State = ledger.StateFulfilled
	if cloned.CreatedAt.IsZero() {
		cloned.CreatedAt = time.Now()
	}

	s.records[record.TransactionID] = cloned
	return nil
}

func (s *InMemoryStore) MarkRevoked(_ context.Context, transactionID string, revokedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[transactionID]
	if !ok {
		return ledger.ErrNotFound
	}

	record.State = ledger.StateRevoked
	record.RevokedAt = &revokedAt
	return nil
}

func (s *InMemoryStore) GetRecord(_ context.Context, transactionID string) (*ledger.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[transactionID]
	if !ok {
		return nil, ledger.ErrNotFound
	}
	return record.Clone(), nil
}

func (s *InMemoryStore) GetRecordsByProduct(_ context.Context, productID string, options ...query.Option) ([]*ledger.Record, error) {
	applied := query.ApplyOptions(options...)

	s.mu.RLock()

	var records []*ledger.Record
	for _, record := range s.records {
		if record.ProductID == productID {
			records = append(records, record.Clone())
		}
	}

	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		if applied.Order == query.Descending {
			return records[i].PurchasedAt.After(records[j].PurchasedAt)
		}
		return records[i].PurchasedAt.Before(records[j].PurchasedAt)
	})

	if len(records) > applied.Limit {
		records = records[:applied.Limit]
	}

	return records, nil
}
