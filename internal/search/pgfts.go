package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"tradeflow/api/internal/store"
)

// PgFTS implements Searcher using PostgreSQL full-text search over trades
// and their pool values. It needs no index of its own.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: without Postgres the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

const tradeDocumentSQL = `
	SELECT t.id, t.reference, t.buyer_name, t.status, t.active_step,
		coalesce(string_agg(v.value, E'\n' ORDER BY v.field_id), '') AS pool_values
	FROM trades t
	LEFT JOIN trade_pool_values v ON v.trade_id = t.id
	GROUP BY t.id`

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('simple', $1)"
	vector := "to_tsvector('simple', d.reference || ' ' || d.buyer_name || ' ' || d.pool_values)"
	where := vector + " @@ " + tsQuery
	args := []any{q.Text}
	if q.Status != "" {
		where += " AND d.status = $2"
		args = append(args, q.Status)
	}

	base := fmt.Sprintf(`FROM (%s) d WHERE %s`, tradeDocumentSQL, where)

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) "+base, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`SELECT d.id, d.reference, d.buyer_name, d.status, d.active_step,
			ts_headline('simple', d.pool_values, %s, 'MaxFragments=1,MaxWords=24,StartSel=<mark>,StopSel=</mark>')
		%s
		ORDER BY ts_rank(%s, %s) DESC, d.id
		LIMIT %d OFFSET %d`, tsQuery, base, vector, tsQuery, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Reference, &r.BuyerName, &r.Status, &r.ActiveStep, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every trade as an index record for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]TradeRecord, error) {
	rows, err := p.db.QueryContext(ctx, tradeDocumentSQL)
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	defer rows.Close()

	records := make([]TradeRecord, 0)
	for rows.Next() {
		var trade store.Trade
		var values string
		if err := rows.Scan(&trade.ID, &trade.Reference, &trade.BuyerName, &trade.Status, &trade.ActiveStep, &values); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		record := RecordFromPool(trade, nil)
		record.Values = values
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trades: %w", err)
	}
	return records, nil
}
