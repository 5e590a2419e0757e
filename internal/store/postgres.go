package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

var ErrTradeNotFound = errors.New("trade not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateTrade inserts the trade and its initial documents in one
// transaction.
func (s *PostgresStore) CreateTrade(ctx context.Context, trade Trade, docs []TradeDocument) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create trade: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	status := trade.Status
	if status == "" {
		status = StatusDraft
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trades (id, reference, buyer_name, status, active_step, updated_by_name)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, trade.ID, trade.Reference, trade.BuyerName, status, trade.ActiveStep, trade.UpdatedBy); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	if err := upsertDocuments(ctx, tx, trade.ID, docs); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create trade: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetTrade(ctx context.Context, tradeID string) (Trade, error) {
	var item Trade
	err := s.db.QueryRowContext(ctx, `
		SELECT id, reference, buyer_name, status, active_step, updated_by_name, created_at, updated_at
		FROM trades
		WHERE id=$1
	`, tradeID).Scan(&item.ID, &item.Reference, &item.BuyerName, &item.Status, &item.ActiveStep, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Trade{}, ErrTradeNotFound
	}
	if err != nil {
		return Trade{}, fmt.Errorf("get trade: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListTrades(ctx context.Context, limit int) ([]Trade, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, reference, buyer_name, status, active_step, updated_by_name, created_at, updated_at
		FROM trades
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	items := make([]Trade, 0)
	for rows.Next() {
		var item Trade
		if err := rows.Scan(&item.ID, &item.Reference, &item.BuyerName, &item.Status, &item.ActiveStep, &item.UpdatedBy, &item.CreatedAt, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) DeleteTrade(ctx context.Context, tradeID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM trades WHERE id=$1`, tradeID)
	if err != nil {
		return fmt.Errorf("delete trade: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrTradeNotFound
	}
	return nil
}

// LoadDocuments returns the trade's documents ordered by step.
func (s *PostgresStore) LoadDocuments(ctx context.Context, tradeID string) ([]TradeDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT trade_id, step, markup, fingerprint, complete, pending_mapped, updated_at
		FROM trade_documents
		WHERE trade_id=$1
		ORDER BY step
	`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	items := make([]TradeDocument, 0, 5)
	for rows.Next() {
		var item TradeDocument
		if err := rows.Scan(&item.TradeID, &item.Step, &item.Markup, &item.Fingerprint, &item.Complete, &item.PendingMapped, &item.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrTradeNotFound
	}
	return items, nil
}

func (s *PostgresStore) LoadPool(ctx context.Context, tradeID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT field_id, value FROM trade_pool_values WHERE trade_id=$1`, tradeID)
	if err != nil {
		return nil, fmt.Errorf("load pool: %w", err)
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var id, value string
		if err := rows.Scan(&id, &value); err != nil {
			return nil, fmt.Errorf("scan pool value: %w", err)
		}
		values[id] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pool: %w", err)
	}
	return values, nil
}

// SaveSnapshot persists a checkpoint: trade state, every document and the
// pool, atomically.
func (s *PostgresStore) SaveSnapshot(ctx context.Context, trade Trade, docs []TradeDocument, pool map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE trades
		SET buyer_name=$2, status=$3, active_step=$4, updated_by_name=$5, updated_at=NOW()
		WHERE id=$1
	`, trade.ID, trade.BuyerName, trade.Status, trade.ActiveStep, trade.UpdatedBy)
	if err != nil {
		return fmt.Errorf("update trade: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrTradeNotFound
	}
	if err := upsertDocuments(ctx, tx, trade.ID, docs); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM trade_pool_values WHERE trade_id=$1`, trade.ID); err != nil {
		return fmt.Errorf("clear pool: %w", err)
	}
	for id, value := range pool {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trade_pool_values (trade_id, field_id, value)
			VALUES ($1, $2, $3)
		`, trade.ID, id, value); err != nil {
			return fmt.Errorf("insert pool value %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save snapshot: %w", err)
	}
	return nil
}

func upsertDocuments(ctx context.Context, tx *sql.Tx, tradeID string, docs []TradeDocument) error {
	for _, doc := range docs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trade_documents (trade_id, step, markup, fingerprint, complete, pending_mapped)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (trade_id, step) DO UPDATE
			SET markup=EXCLUDED.markup,
				fingerprint=EXCLUDED.fingerprint,
				complete=EXCLUDED.complete,
				pending_mapped=EXCLUDED.pending_mapped,
				updated_at=NOW()
		`, tradeID, doc.Step, doc.Markup, doc.Fingerprint, doc.Complete, doc.PendingMapped); err != nil {
			return fmt.Errorf("upsert document step %d: %w", doc.Step, err)
		}
	}
	return nil
}

func (s *PostgresStore) InsertTradeEvent(ctx context.Context, event TradeEvent) error {
	ids := event.FieldIDs
	if ids == nil {
		ids = []string{}
	}
	payload, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode field ids: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO trade_events (trade_id, step, kind, actor_name, field_ids, fingerprint)
		VALUES ($1, $2, $3, $4, $5::jsonb, $6)
	`, event.TradeID, event.Step, event.Kind, event.Actor, string(payload), event.Fingerprint); err != nil {
		return fmt.Errorf("insert trade event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTradeEvents(ctx context.Context, tradeID string, limit int) ([]TradeEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trade_id, step, kind, actor_name, field_ids, fingerprint, created_at
		FROM trade_events
		WHERE trade_id=$1
		ORDER BY id DESC
		LIMIT $2
	`, tradeID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trade events: %w", err)
	}
	defer rows.Close()

	items := make([]TradeEvent, 0)
	for rows.Next() {
		var item TradeEvent
		var raw []byte
		if err := rows.Scan(&item.ID, &item.TradeID, &item.Step, &item.Kind, &item.Actor, &raw, &item.Fingerprint, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade event: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &item.FieldIDs); err != nil {
				return nil, fmt.Errorf("decode field ids: %w", err)
			}
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trade events: %w", err)
	}
	return items, nil
}
