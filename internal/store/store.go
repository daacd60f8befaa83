// Package store persists and publishes forecast and elasticity results.
package store

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/fractal-lba/demandcast/internal/api"
)

// ErrNotFound is returned when no record exists for an item.
var ErrNotFound = errors.New("not found")

// ForecastStore keeps the latest forecast set per item.
type ForecastStore interface {
	// PutForecasts replaces the item's stored forecast set.
	PutForecasts(ctx context.Context, itemID string, results []api.ForecastResult) error
	GetForecasts(ctx context.Context, itemID string) ([]api.ForecastResult, error)
	Close() error
}

// EstimateStore keeps one current elasticity estimate per item.
type EstimateStore interface {
	// PutEstimate supersedes any previous estimate for the item.
	PutEstimate(ctx context.Context, est api.ElasticityEstimate) error
	GetEstimate(ctx context.Context, itemID string) (api.ElasticityEstimate, error)
	// ListEstimates returns all current estimates ordered by item id.
	ListEstimates(ctx context.Context) ([]api.ElasticityEstimate, error)
	Close() error
}

// ResultStore is a backend that keeps both result kinds.
type ResultStore interface {
	ForecastStore
	EstimateStore
}

// MemoryStore implements ForecastStore and EstimateStore in process.
type MemoryStore struct {
	mu        sync.RWMutex
	forecasts map[string][]api.ForecastResult
	estimates map[string]api.ElasticityEstimate
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		forecasts: make(map[string][]api.ForecastResult),
		estimates: make(map[string]api.ElasticityEstimate),
	}
}

func (m *MemoryStore) PutForecasts(_ context.Context, itemID string, results []api.ForecastResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forecasts[itemID] = slices.Clone(results)
	return nil
}

func (m *MemoryStore) GetForecasts(_ context.Context, itemID string) ([]api.ForecastResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.forecasts[itemID]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(r), nil
}

func (m *MemoryStore) PutEstimate(_ context.Context, est api.ElasticityEstimate) error {
	if est.ItemID == "" {
		return errors.New("estimate has no item_id")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.estimates[est.ItemID] = est
	return nil
}

func (m *MemoryStore) GetEstimate(_ context.Context, itemID string) (api.ElasticityEstimate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.estimates[itemID]
	if !ok {
		return api.ElasticityEstimate{}, ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) ListEstimates(_ context.Context) ([]api.ElasticityEstimate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]api.ElasticityEstimate, 0, len(m.estimates))
	for _, e := range m.estimates {
		out = append(out, e)
	}
	sortEstimates(out)
	return out, nil
}

func (m *MemoryStore) Close() error {
	return nil
}

func sortEstimates(e []api.ElasticityEstimate) {
	slices.SortFunc(e, func(a, b api.ElasticityEstimate) int { return cmp.Compare(a.ItemID, b.ItemID) })
}
