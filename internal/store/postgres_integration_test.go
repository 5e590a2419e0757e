package store

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"tradeflow/api/db"
)

func openTestStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("TRADEFLOW_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("TRADEFLOW_TEST_DATABASE_URL is not set")
	}
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	conn, err := Open(ctx, dsn, DefaultPoolOptions())
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	if _, err := ApplyMigrations(ctx, conn, db.Migrations()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(conn), ctx
}

func testDocuments(tradeID string) []TradeDocument {
	docs := make([]TradeDocument, 0, 5)
	for step := 0; step < 5; step++ {
		docs = append(docs, TradeDocument{
			TradeID:     tradeID,
			Step:        step,
			Markup:      "<p><span data-field-id=\"buyer_name\">[buyer_name]</span></p>\n",
			Fingerprint: "fp-initial",
		})
	}
	return docs
}

func TestTradeLifecyclePostgres(t *testing.T) {
	s, ctx := openTestStore(t)
	tradeID := "trd_test_" + time.Now().Format("150405.000000")
	t.Cleanup(func() { _ = s.DeleteTrade(context.Background(), tradeID) })

	if err := s.CreateTrade(ctx, Trade{ID: tradeID, Reference: "PO-1", UpdatedBy: "Test"}, testDocuments(tradeID)); err != nil {
		t.Fatalf("CreateTrade: %v", err)
	}

	trade, err := s.GetTrade(ctx, tradeID)
	if err != nil {
		t.Fatalf("GetTrade: %v", err)
	}
	if trade.Status != StatusDraft || trade.ActiveStep != 0 {
		t.Fatalf("unexpected trade %+v", trade)
	}

	docs := testDocuments(tradeID)
	docs[1].Markup = "<p><span data-field-id=\"buyer_name\" data-source=\"mapped\" data-pending=\"true\">Acme</span></p>\n"
	docs[1].Fingerprint = "fp-next"
	docs[1].PendingMapped = true
	trade.ActiveStep = 1
	trade.BuyerName = "Acme"
	if err := s.SaveSnapshot(ctx, trade, docs, map[string]string{"buyer_name": "Acme"}); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	loaded, err := s.LoadDocuments(ctx, tradeID)
	if err != nil {
		t.Fatalf("LoadDocuments: %v", err)
	}
	if len(loaded) != 5 || loaded[1].Fingerprint != "fp-next" || !loaded[1].PendingMapped {
		t.Fatalf("unexpected documents %+v", loaded)
	}

	pool, err := s.LoadPool(ctx, tradeID)
	if err != nil {
		t.Fatalf("LoadPool: %v", err)
	}
	if pool["buyer_name"] != "Acme" {
		t.Fatalf("pool = %v", pool)
	}

	if _, err := s.GetTrade(ctx, "trd_missing"); !errors.Is(err, ErrTradeNotFound) {
		t.Fatalf("GetTrade(missing) error = %v, want ErrTradeNotFound", err)
	}
	if err := s.SaveSnapshot(ctx, Trade{ID: "trd_missing"}, nil, nil); !errors.Is(err, ErrTradeNotFound) {
		t.Fatalf("SaveSnapshot(missing) error = %v, want ErrTradeNotFound", err)
	}
}

func TestTradeEventsAreImmutable(t *testing.T) {
	s, ctx := openTestStore(t)
	tradeID := "trd_events_" + time.Now().Format("150405.000000")

	if err := s.InsertTradeEvent(ctx, TradeEvent{
		TradeID:  tradeID,
		Step:     2,
		Kind:     EventAgent,
		Actor:    "agent",
		FieldIDs: []string{"buyer_name", "incoterms"},
	}); err != nil {
		t.Fatalf("InsertTradeEvent: %v", err)
	}

	events, err := s.ListTradeEvents(ctx, tradeID, 10)
	if err != nil {
		t.Fatalf("ListTradeEvents: %v", err)
	}
	if len(events) != 1 || len(events[0].FieldIDs) != 2 || events[0].Kind != EventAgent {
		t.Fatalf("unexpected events %+v", events)
	}

	for _, stmt := range []string{
		`UPDATE trade_events SET actor_name='someone' WHERE trade_id=$1`,
		`DELETE FROM trade_events WHERE trade_id=$1`,
	} {
		_, err := s.DB().ExecContext(ctx, stmt, tradeID)
		assertImmutable(t, err)
	}
}

func assertImmutable(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected trade_events mutation to be blocked")
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		t.Fatalf("expected PostgreSQL error, got: %v", err)
	}
	if pgErr.SQLState() != "55000" {
		t.Fatalf("expected SQLSTATE 55000, got: %s", pgErr.SQLState())
	}
	if !strings.HasPrefix(pgErr.Message, "trade_events is immutable") {
		t.Fatalf("unexpected error message: %s", pgErr.Message)
	}
}
