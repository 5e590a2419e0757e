package search

import (
	"context"

	"go.uber.org/zap"
)

// Service is the facade that tries the primary backend (Meilisearch) first
// and falls back to Postgres full-text search.
type Service struct {
	primary  Backend
	fallback Searcher
	log      *zap.Logger
}

// NewService creates a search service. Either backend may be nil.
func NewService(primary Backend, fallback Searcher, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{primary: primary, fallback: fallback, log: log.Named("search")}
}

func (s *Service) Search(ctx context.Context, q Query) Response {
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn("primary search failed, falling back", zap.Error(err))
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.log.Error("fallback search failed", zap.Error(err))
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexTrade indexes a trade (fire-and-forget).
func (s *Service) IndexTrade(record TradeRecord) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	go func() {
		if err := s.primary.IndexTrades([]TradeRecord{record}); err != nil {
			s.log.Warn("index trade", zap.String("trade_id", record.ID), zap.Error(err))
		}
	}()
}

// DeleteTrade removes a trade from the index (fire-and-forget).
func (s *Service) DeleteTrade(id string) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	go func() {
		if err := s.primary.DeleteTrade(id); err != nil {
			s.log.Warn("delete trade", zap.String("trade_id", id), zap.Error(err))
		}
	}()
}

// ReindexAll pushes records to the primary backend synchronously.
func (s *Service) ReindexAll(records []TradeRecord) error {
	if s.primary == nil || !s.primary.Healthy() || len(records) == 0 {
		return nil
	}
	return s.primary.IndexTrades(records)
}

// ReindexAllFromPG reindexes every trade stored in Postgres.
func (s *Service) ReindexAllFromPG(ctx context.Context, pg *PgFTS) {
	if s.primary == nil || !s.primary.Healthy() || pg == nil {
		return
	}
	records, err := pg.LoadAllRecords(ctx)
	if err != nil {
		s.log.Error("reindex load failed", zap.Error(err))
		return
	}
	if err := s.ReindexAll(records); err != nil {
		s.log.Error("reindex trades", zap.Error(err))
		return
	}
	s.log.Info("reindexed trades", zap.Int("count", len(records)))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
