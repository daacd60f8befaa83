package history

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sync"

	"github.com/fractal-lba/demandcast/internal/api"
)

// MemorySource is an in-process Source, loaded from a JSON file or built in tests.
type MemorySource struct {
	mu         sync.RWMutex
	items      map[string]api.ItemMeta
	history    map[string][]api.Observation
	promotions map[string][]api.PromotionPeriod
}

// Dataset is the on-disk layout read by LoadFile.
type Dataset struct {
	Items        []api.ItemMeta        `json:"items"`
	Observations []api.Observation     `json:"observations"`
	Promotions   []api.PromotionPeriod `json:"promotions,omitempty"`
}

// NewMemorySource creates an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{
		items:      make(map[string]api.ItemMeta),
		history:    make(map[string][]api.Observation),
		promotions: make(map[string][]api.PromotionPeriod),
	}
}

// LoadFile reads a Dataset from a JSON file.
func LoadFile(path string) (*MemorySource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset: %w", err)
	}

	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("failed to parse dataset: %w", err)
	}

	src := NewMemorySource()
	for _, m := range ds.Items {
		src.AddItem(m)
	}
	for i := range ds.Observations {
		if err := ds.Observations[i].Validate(); err != nil {
			return nil, fmt.Errorf("observation %d: %w", i, err)
		}
	}
	src.AddObservations(ds.Observations...)
	for _, p := range ds.Promotions {
		src.AddPromotion(p)
	}
	return src, nil
}

// AddItem registers catalog metadata.
func (m *MemorySource) AddItem(meta api.ItemMeta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[meta.ItemID] = meta
}

// AddObservations appends observations; items not yet registered are added
// with the observation's category.
func (m *MemorySource) AddObservations(obs ...api.Observation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range obs {
		if _, ok := m.items[o.ItemID]; !ok {
			m.items[o.ItemID] = api.ItemMeta{ItemID: o.ItemID, CategoryID: o.CategoryID}
		}
		m.history[o.ItemID] = append(m.history[o.ItemID], o)
	}
	for id := range m.history {
		slices.SortStableFunc(m.history[id], func(a, b api.Observation) int { return a.Date.Compare(b.Date) })
	}
}

// AddPromotion registers a planned or confirmed promotion.
func (m *MemorySource) AddPromotion(p api.PromotionPeriod) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promotions[p.ItemID] = append(m.promotions[p.ItemID], p)
}

func (m *MemorySource) Item(_ context.Context, itemID string) (api.ItemMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	meta, ok := m.items[itemID]
	if !ok {
		return api.ItemMeta{}, fmt.Errorf("%w: %s", ErrUnknownItem, itemID)
	}
	return meta, nil
}

func (m *MemorySource) History(_ context.Context, itemID string) ([]api.Observation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.history[itemID]), nil
}

func (m *MemorySource) CategoryItems(_ context.Context, categoryID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for id, meta := range m.items {
		if meta.CategoryID == categoryID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *MemorySource) Categories(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := map[string]bool{}
	var cats []string
	for _, meta := range m.items {
		if meta.CategoryID != "" && !seen[meta.CategoryID] {
			seen[meta.CategoryID] = true
			cats = append(cats, meta.CategoryID)
		}
	}
	slices.Sort(cats)
	return cats, nil
}

func (m *MemorySource) Items(_ context.Context) ([]api.ItemMeta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]api.ItemMeta, 0, len(m.items))
	for _, meta := range m.items {
		out = append(out, meta)
	}
	slices.SortFunc(out, func(a, b api.ItemMeta) int { return cmp.Compare(a.ItemID, b.ItemID) })
	return out, nil
}

func (m *MemorySource) Promotions(_ context.Context, itemID string) ([]api.PromotionPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.promotions[itemID]), nil
}
