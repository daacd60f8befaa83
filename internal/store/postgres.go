package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fractal-lba/demandcast/internal/api"
)

// PostgresStore keeps results in Postgres. Writes upsert on the item id, so
// a recomputation replaces the previous row.
//
// Schema:
//
//	CREATE TABLE forecast_results (
//	  item_id     TEXT PRIMARY KEY,
//	  results     JSONB NOT NULL,
//	  updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
//	);
//	CREATE TABLE price_elasticity (
//	  item_id     TEXT PRIMARY KEY,
//	  category_id TEXT,
//	  elasticity  DOUBLE PRECISION NOT NULL,
//	  confidence  DOUBLE PRECISION NOT NULL,
//	  method      TEXT NOT NULL,
//	  estimate    JSONB NOT NULL,
//	  computed_at TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a pool and verifies the connection.
func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
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
	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) PutForecasts(ctx context.Context, itemID string, results []api.ForecastResult) error {
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal forecasts: %w", err)
	}
	query := `
		INSERT INTO forecast_results (item_id, results, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (item_id) DO UPDATE
		SET results = EXCLUDED.results, updated_at = EXCLUDED.updated_at
	`
	if _, err := p.pool.Exec(ctx, query, itemID, data); err != nil {
		return fmt.Errorf("postgres upsert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetForecasts(ctx context.Context, itemID string) ([]api.ForecastResult, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT results FROM forecast_results WHERE item_id = $1`, itemID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}

	var results []api.ForecastResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("failed to unmarshal forecasts: %w", err)
	}
	return results, nil
}

func (p *PostgresStore) PutEstimate(ctx context.Context, est api.ElasticityEstimate) error {
	data, err := json.Marshal(est)
	if err != nil {
		return fmt.Errorf("failed to marshal estimate: %w", err)
	}
	query := `
		INSERT INTO price_elasticity (item_id, category_id, elasticity, confidence, method, estimate, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (item_id) DO UPDATE
		SET category_id = EXCLUDED.category_id,
		    elasticity  = EXCLUDED.elasticity,
		    confidence  = EXCLUDED.confidence,
		    method      = EXCLUDED.method,
		    estimate    = EXCLUDED.estimate,
		    computed_at = EXCLUDED.computed_at
	`
	_, err = p.pool.Exec(ctx, query, est.ItemID, est.CategoryID, est.Elasticity, est.Confidence, est.Method, data, est.ComputedAt)
	if err != nil {
		return fmt.Errorf("postgres upsert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetEstimate(ctx context.Context, itemID string) (api.ElasticityEstimate, error) {
	var data []byte
	err := p.pool.QueryRow(ctx, `SELECT estimate FROM price_elasticity WHERE item_id = $1`, itemID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return api.ElasticityEstimate{}, ErrNotFound
	}
	if err != nil {
		return api.ElasticityEstimate{}, fmt.Errorf("postgres query failed: %w", err)
	}

	var est api.ElasticityEstimate
	if err := json.Unmarshal(data, &est); err != nil {
		return api.ElasticityEstimate{}, fmt.Errorf("failed to unmarshal estimate: %w", err)
	}
	return est, nil
}

func (p *PostgresStore) ListEstimates(ctx context.Context) ([]api.ElasticityEstimate, error) {
	rows, err := p.pool.Query(ctx, `SELECT estimate FROM price_elasticity ORDER BY item_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	raw, err := pgx.CollectRows(rows, pgx.RowTo[[]byte])
	if err != nil {
		return nil, fmt.Errorf("postgres scan failed: %w", err)
	}

	out := make([]api.ElasticityEstimate, 0, len(raw))
	for _, data := range raw {
		var est api.ElasticityEstimate
		if err := json.Unmarshal(data, &est); err != nil {
			return nil, fmt.Errorf("failed to unmarshal estimate: %w", err)
		}
		out = append(out, est)
	}
	return out, nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}
