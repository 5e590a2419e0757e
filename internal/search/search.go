package search

import (
	"context"
	"sort"
	"strings"

	"tradeflow/api/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID         string `json:"id"`
	Reference  string `json:"reference"`
	BuyerName  string `json:"buyerName"`
	Status     string `json:"status"`
	ActiveStep int    `json:"activeStep"`
	Snippet    string `json:"snippet"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Status string // empty = any status
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer can push trades into a search index.
type Indexer interface {
	IndexTrades(records []TradeRecord) error
	DeleteTrade(id string) error
}

// Backend is a search engine that is both queried and fed.
type Backend interface {
	Searcher
	Indexer
}

// TradeRecord is the data we index for a trade.
type TradeRecord struct {
	ID         string `json:"id"`
	Reference  string `json:"reference"`
	BuyerName  string `json:"buyerName"`
	Status     string `json:"status"`
	ActiveStep int    `json:"activeStep"`
	Values     string `json:"values"`
}

// RecordFromPool builds the index record of a trade from its shared pool.
// Values are listed one per line in field id order.
func RecordFromPool(trade store.Trade, pool map[string]string) TradeRecord {
	ids := make([]string, 0, len(pool))
	for id := range pool {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		if value := strings.TrimSpace(pool[id]); value != "" {
			lines = append(lines, value)
		}
	}
	return TradeRecord{
		ID:         trade.ID,
		Reference:  trade.Reference,
		BuyerName:  trade.BuyerName,
		Status:     trade.Status,
		ActiveStep: trade.ActiveStep,
		Values:     strings.Join(lines, "\n"),
	}
}
