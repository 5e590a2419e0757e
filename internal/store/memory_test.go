package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreTradeLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.CreateTrade(ctx, Trade{ID: "trd_1", Reference: "PO-1"}, testDocuments("trd_1")); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}
	trade, err := s.GetTrade(ctx, "trd_1")
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if trade.Status != StatusDraft {
		t.Fatalf("Status = %q, want %q", trade.Status, StatusDraft)
	}

	docs := testDocuments("trd_1")[:1]
	docs[0].Fingerprint = "fp-next"
	trade.ActiveStep = 1
	trade.BuyerName = "Acme"
	if err := s.SaveSnapshot(ctx, trade, docs, map[string]string{"buyer_name": "Acme"}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	loaded, err := s.LoadDocuments(ctx, "trd_1")
	if err != nil {
		t.Fatalf("LoadDocuments: %v", err)
	}
	if len(loaded) != 5 || loaded[0].Fingerprint != "fp-next" || loaded[1].Fingerprint != "fp-initial" {
		t.Fatalf("unexpected documents %+v", loaded)
	}
	for i, doc := range loaded {
		if doc.Step != i {
			t.Fatalf("documents not ordered by step: %+v", loaded)
		}
	}

	pool, err := s.LoadPool(ctx, "trd_1")
	if err != nil || pool["buyer_name"] != "Acme" {
		t.Fatalf("LoadPool = %v, %v", pool, err)
	}

	if err := s.DeleteTrade(ctx, "trd_1"); err != nil {
		t.Fatalf("DeleteTrade: %v", err)
	}
	if _, err := s.GetTrade(ctx, "trd_1"); !errors.Is(err, ErrTradeNotFound) {
		t.Fatalf("GetTrade after delete error = %v", err)
	}
	if _, err := s.LoadDocuments(ctx, "trd_1"); !errors.Is(err, ErrTradeNotFound) {
		t.Fatalf("LoadDocuments after delete error = %v", err)
	}
	if err := s.SaveSnapshot(ctx, Trade{ID: "trd_1"}, nil, nil); !errors.Is(err, ErrTradeNotFound) {
		t.Fatalf("SaveSnapshot(missing) error = %v", err)
	}
}

func TestMemoryStoreListTradesNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	for _, id := range []string{"trd_a", "trd_b", "trd_c"} {
		if err := s.CreateTrade(ctx, Trade{ID: id}, nil); err != nil {
			t.Fatalf("CreateTrade(%s): %v", id, err)
		}
	}

	trades, err := s.ListTrades(ctx, 2)
	if err != nil {
		t.Fatalf("ListTrades: %v", err)
	}
	if len(trades) != 2 || trades[0].ID != "trd_c" || trades[1].ID != "trd_b" {
		t.Fatalf("unexpected order %+v", trades)
	}
}

func TestMemoryStoreEvents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, kind := range []string{EventCreated, EventSaved, EventNavigate} {
		if err := s.InsertTradeEvent(ctx, TradeEvent{TradeID: "trd_1", Kind: kind}); err != nil {
			t.Fatalf("InsertTradeEvent: %v", err)
		}
	}
	if err := s.InsertTradeEvent(ctx, TradeEvent{TradeID: "trd_2", Kind: EventCreated}); err != nil {
		t.Fatalf("InsertTradeEvent: %v", err)
	}

	events, err := s.ListTradeEvents(ctx, "trd_1", 10)
	if err != nil {
		t.Fatalf("ListTradeEvents: %v", err)
	}
	if len(events) != 3 || events[0].Kind != EventNavigate || events[2].Kind != EventCreated {
		t.Fatalf("unexpected events %+v", events)
	}
}
