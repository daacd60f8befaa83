package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/fractal-lba/demandcast/internal/api"
)

const (
	forecastKeyPrefix   = "demandcast:forecast:"
	estimateKeyPrefix   = "demandcast:elasticity:"
	estimateIndexKey    = "demandcast:elasticity:index"
	defaultForecastTTL  = 48 * time.Hour
	redisConnectTimeout = 2 * time.Second
)

// RedisStore keeps results as JSON values. Writes use plain SET, so the
// latest write supersedes the previous record. Estimate ids are tracked in a
// set for ListEstimates.
type RedisStore struct {
	client      *redis.Client
	forecastTTL time.Duration
}

// NewRedisStore wraps a connected client. The store owns the client and
// closes it in Close.
func NewRedisStore(client *redis.Client, forecastTTL time.Duration) *RedisStore {
	if forecastTTL <= 0 {
		forecastTTL = defaultForecastTTL
	}
	return &RedisStore{client: client, forecastTTL: forecastTTL}
}

// DialRedis opens a client and verifies the connection.
func DialRedis(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), redisConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func (r *RedisStore) PutForecasts(ctx context.Context, itemID string, results []api.ForecastResult) error {
	data, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("failed to marshal forecasts: %w", err)
	}
	if err := r.client.Set(ctx, forecastKeyPrefix+itemID, data, r.forecastTTL).Err(); err != nil {
		return fmt.Errorf("redis SET failed: %w", err)
	}
	return nil
}

func (r *RedisStore) GetForecasts(ctx context.Context, itemID string) ([]api.ForecastResult, error) {
	data, err := r.client.Get(ctx, forecastKeyPrefix+itemID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET failed: %w", err)
	}

	var results []api.ForecastResult
	if err := json.Unmarshal(data, &results); err != nil {
		return nil, fmt.Errorf("failed to unmarshal forecasts: %w", err)
	}
	return results, nil
}

func (r *RedisStore) PutEstimate(ctx context.Context, est api.ElasticityEstimate) error {
	data, err := json.Marshal(est)
	if err != nil {
		return fmt.Errorf("failed to marshal estimate: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, estimateKeyPrefix+est.ItemID, data, 0)
	pipe.SAdd(ctx, estimateIndexKey, est.ItemID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis estimate write failed: %w", err)
	}
	return nil
}

func (r *RedisStore) GetEstimate(ctx context.Context, itemID string) (api.ElasticityEstimate, error) {
	data, err := r.client.Get(ctx, estimateKeyPrefix+itemID).Bytes()
	if errors.Is(err, redis.Nil) {
		return api.ElasticityEstimate{}, ErrNotFound
	}
	if err != nil {
		return api.ElasticityEstimate{}, fmt.Errorf("redis GET failed: %w", err)
	}

	var est api.ElasticityEstimate
	if err := json.Unmarshal(data, &est); err != nil {
		return api.ElasticityEstimate{}, fmt.Errorf("failed to unmarshal estimate: %w", err)
	}
	return est, nil
}

func (r *RedisStore) ListEstimates(ctx context.Context) ([]api.ElasticityEstimate, error) {
	ids, err := r.client.SMembers(ctx, estimateIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("redis SMEMBERS failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = estimateKeyPrefix + id
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis MGET failed: %w", err)
	}

	out := make([]api.ElasticityEstimate, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // removed since SMEMBERS
		}
		var est api.ElasticityEstimate
		if err := json.Unmarshal([]byte(s), &est); err != nil {
			return nil, fmt.Errorf("failed to unmarshal estimate %s: %w", ids[i], err)
		}
		out = append(out, est)
	}
	sortEstimates(out)
	return out, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
