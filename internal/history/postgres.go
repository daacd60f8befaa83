package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fractal-lba/demandcast/internal/api"
)

// PostgresSource reads history maintained by the ingestion layer.
//
// Schema:
//
//	CREATE TABLE menu_items (
//	  item_id       TEXT PRIMARY KEY,
//	  name          TEXT NOT NULL DEFAULT '',
//	  category_id   TEXT NOT NULL DEFAULT '',
//	  category_name TEXT NOT NULL DEFAULT '',
//	  base_price    DOUBLE PRECISION NOT NULL DEFAULT 0
//	);
//	CREATE TABLE daily_sales (
//	  item_id      TEXT NOT NULL REFERENCES menu_items(item_id),
//	  sales_date   DATE NOT NULL,
//	  quantity     INTEGER NOT NULL CHECK (quantity >= 0),
//	  stockout     BOOLEAN NOT NULL DEFAULT FALSE,
//	  promo        BOOLEAN NOT NULL DEFAULT FALSE,
//	  hours_open   DOUBLE PRECISION NOT NULL DEFAULT 0,
//	  price        DOUBLE PRECISION NOT NULL DEFAULT 0,
//	  PRIMARY KEY (item_id, sales_date)
//	);
//	CREATE TABLE promotion_periods (
//	  item_id          TEXT NOT NULL REFERENCES menu_items(item_id),
//	  start_date       DATE NOT NULL,
//	  end_date         DATE NOT NULL,
//	  discount_pct     DOUBLE PRECISION NOT NULL,
//	  detection_method TEXT NOT NULL,
//	  confidence       DOUBLE PRECISION NOT NULL
//	);
type PostgresSource struct {
	pool     *pgxpool.Pool
	lookback time.Duration
}

// NewPostgresSource connects to Postgres. lookback bounds how much history is read (0 = all).
func NewPostgresSource(ctx context.Context, connStr string, lookback time.Duration) (*PostgresSource, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &PostgresSource{pool: pool, lookback: lookback}, nil
}

func (p *PostgresSource) Item(ctx context.Context, itemID string) (api.ItemMeta, error) {
	var m api.ItemMeta
	err := p.pool.QueryRow(ctx, `
		SELECT item_id, name, category_id, category_name, base_price
		FROM menu_items
		WHERE item_id = $1
	`, itemID).Scan(&m.ItemID, &m.Name, &m.CategoryID, &m.CategoryName, &m.BasePrice)
	if errors.Is(err, pgx.ErrNoRows) {
		return api.ItemMeta{}, fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	}
	if err != nil {
		return api.ItemMeta{}, fmt.Errorf("postgres item query failed: %w", err)
	}
	return m, nil
}

func (p *PostgresSource) History(ctx context.Context, itemID string) ([]api.Observation, error) {
	since := time.Time{}
	if p.lookback > 0 {
		since = time.Now().UTC().Add(-p.lookback)
	}

	rows, err := p.pool.Query(ctx, `
		SELECT s.sales_date, s.quantity, s.stockout, s.promo, s.hours_open, s.price, m.category_id
		FROM daily_sales s
		JOIN menu_items m ON m.item_id = s.item_id
		WHERE s.item_id = $1 AND s.sales_date >= $2
		ORDER BY s.sales_date
	`, itemID, since)
	if err != nil {
		return nil, fmt.Errorf("postgres history query failed: %w", err)
	}
	defer rows.Close()

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (api.Observation, error) {
		o := api.Observation{ItemID: itemID}
		err := row.Scan(&o.Date, &o.Quantity, &o.StockoutFlag, &o.PromoFlag, &o.HoursOpen, &o.Price, &o.CategoryID)
		return o, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan observation: %w", err)
	}
	return out, nil
}

func (p *PostgresSource) CategoryItems(ctx context.Context, categoryID string) ([]string, error) {
	return p.strings(ctx, `SELECT item_id FROM menu_items WHERE category_id = $1 ORDER BY item_id`, categoryID)
}

func (p *PostgresSource) Categories(ctx context.Context) ([]string, error) {
	return p.strings(ctx, `SELECT DISTINCT category_id FROM menu_items WHERE category_id <> '' ORDER BY category_id`)
}

func (p *PostgresSource) Items(ctx context.Context) ([]api.ItemMeta, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT item_id, name, category_id, category_name, base_price
		FROM menu_items
		ORDER BY item_id
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres items query failed: %w", err)
	}
	defer rows.Close()

	var out []api.ItemMeta
	for rows.Next() {
		var m api.ItemMeta
		if err := rows.Scan(&m.ItemID, &m.Name, &m.CategoryID, &m.CategoryName, &m.BasePrice); err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *PostgresSource) Promotions(ctx context.Context, itemID string) ([]api.PromotionPeriod, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT start_date, end_date, discount_pct, detection_method, confidence
		FROM promotion_periods
		WHERE item_id = $1
		ORDER BY start_date
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("postgres promotions query failed: %w", err)
	}
	defer rows.Close()

	var out []api.PromotionPeriod
	for rows.Next() {
		pp := api.PromotionPeriod{ItemID: itemID}
		if err := rows.Scan(&pp.StartDate, &pp.EndDate, &pp.DiscountPct, &pp.DetectionMethod, &pp.Confidence); err != nil {
			return nil, fmt.Errorf("failed to scan promotion: %w", err)
		}
		out = append(out, pp)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (p *PostgresSource) Close() {
	p.pool.Close()
}

func (p *PostgresSource) strings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	out, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to collect rows: %w", err)
	}
	return out, nil
}
