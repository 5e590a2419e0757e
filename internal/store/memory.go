package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps trades in process memory. It backs the API when no
// database is configured and mirrors PostgresStore's behavior, including
// ErrTradeNotFound.
type MemoryStore struct {
	mu        sync.Mutex
	now       func() time.Time
	trades    map[string]Trade
	documents map[string]map[int]TradeDocument
	pools     map[string]map[string]string
	events    []TradeEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       time.Now,
		trades:    make(map[string]Trade),
		documents: make(map[string]map[int]TradeDocument),
		pools:     make(map[string]map[string]string),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) CreateTrade(_ context.Context, trade Trade, docs []TradeDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if trade.Status == "" {
		trade.Status = StatusDraft
	}
	trade.CreatedAt, trade.UpdatedAt = now, now
	s.trades[trade.ID] = trade
	s.documents[trade.ID] = make(map[int]TradeDocument, len(docs))
	s.putDocuments(trade.ID, docs, now)
	return nil
}

func (s *MemoryStore) putDocuments(tradeID string, docs []TradeDocument, now time.Time) {
	for _, doc := range docs {
		doc.TradeID = tradeID
		doc.UpdatedAt = now
		s.documents[tradeID][doc.Step] = doc
	}
}

func (s *MemoryStore) GetTrade(_ context.Context, tradeID string) (Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	trade, ok := s.trades[tradeID]
	if !ok {
		return Trade{}, ErrTradeNotFound
	}
	return trade, nil
}

func (s *MemoryStore) ListTrades(_ context.Context, limit int) ([]Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	items := make([]Trade, 0, len(s.trades))
	for _, trade := range s.trades {
		items = append(items, trade)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) DeleteTrade(_ context.Context, tradeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.trades[tradeID]; !ok {
		return ErrTradeNotFound
	}
	delete(s.trades, tradeID)
	delete(s.documents, tradeID)
	delete(s.pools, tradeID)
	return nil
}

func (s *MemoryStore) LoadDocuments(_ context.Context, tradeID string) ([]TradeDocument, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	docs, ok := s.documents[tradeID]
	if !ok || len(docs) == 0 {
		return nil, ErrTradeNotFound
	}
	items := make([]TradeDocument, 0, len(docs))
	for _, doc := range docs {
		items = append(items, doc)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Step < items[j].Step })
	return items, nil
}

func (s *MemoryStore) LoadPool(_ context.Context, tradeID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	values := make(map[string]string, len(s.pools[tradeID]))
	for id, value := range s.pools[tradeID] {
		values[id] = value
	}
	return values, nil
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, trade Trade, docs []TradeDocument, pool map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.trades[trade.ID]
	if !ok {
		return ErrTradeNotFound
	}
	now := s.now()
	existing.BuyerName = trade.BuyerName
	existing.Status = trade.Status
	existing.ActiveStep = trade.ActiveStep
	existing.UpdatedBy = trade.UpdatedBy
	existing.UpdatedAt = now
	s.trades[trade.ID] = existing
	s.putDocuments(trade.ID, docs, now)

	values := make(map[string]string, len(pool))
	for id, value := range pool {
		values[id] = value
	}
	s.pools[trade.ID] = values
	return nil
}

func (s *MemoryStore) InsertTradeEvent(_ context.Context, event TradeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.ID = int64(len(s.events) + 1)
	event.CreatedAt = s.now()
	event.FieldIDs = append([]string(nil), event.FieldIDs...)
	s.events = append(s.events, event)
	return nil
}

// ListTradeEvents returns the newest events first.
func (s *MemoryStore) ListTradeEvents(_ context.Context, tradeID string, limit int) ([]TradeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	items := make([]TradeEvent, 0)
	for i := len(s.events) - 1; i >= 0 && len(items) < limit; i-- {
		if s.events[i].TradeID == tradeID {
			items = append(items, s.events[i])
		}
	}
	return items, nil
}
