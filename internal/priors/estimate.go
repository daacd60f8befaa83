package priors

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/fractal-lba/demandcast/internal/api"
	"github.com/fractal-lba/demandcast/internal/history"
	"github.com/fractal-lba/demandcast/internal/imputation"
)

// BuilderConfig controls category prior estimation.
type BuilderConfig struct {
	MinSpanDays  int           // mature items span at least this many days
	MinSaleDays  int           // and sold on at least this many days
	MinItems     int           // mature items required per category
	MaxPriorDays float64       // cap on prior strength, in pseudo-days (beta)
	SnapshotTTL  time.Duration // snapshot lifetime
}

// DefaultBuilderConfig returns production settings.
func DefaultBuilderConfig() BuilderConfig {
	return BuilderConfig{
		MinSpanDays:  60,
		MinSaleDays:  20,
		MinItems:     2,
		MaxPriorDays: 5,
		SnapshotTTL:  14 * 24 * time.Hour,
	}
}

// EstimateCategory fits Gamma(alpha, beta) to the daily rates of mature items
// by the method of moments: alpha = m^2/v, beta = m/v. Beta is capped at
// maxPriorDays with the mean preserved, so item data outweighs the prior
// once an item has a few weeks of history.
func EstimateCategory(categoryID string, rates []float64, maxPriorDays float64) (api.HierarchicalPrior, bool) {
	if len(rates) < 2 {
		return api.HierarchicalPrior{}, false
	}

	m, v := stat.MeanVariance(rates, nil)
	if m <= 0 {
		return api.HierarchicalPrior{}, false
	}

	var alpha, beta float64
	if v <= 0 {
		alpha, beta = m*maxPriorDays, maxPriorDays
	} else {
		alpha, beta = m*m/v, m/v
		if beta > maxPriorDays {
			scale := maxPriorDays / beta
			alpha *= scale
			beta = maxPriorDays
		}
	}

	return api.HierarchicalPrior{
		Level:    api.LevelCategory,
		Alpha:    alpha,
		Beta:     beta,
		ScopeKey: categoryID,
	}, true
}

// Builder computes fresh snapshots from the history source.
type Builder struct {
	cfg     BuilderConfig
	source  history.Source
	imputer *imputation.Imputer
	logger  zerolog.Logger
	now     func() time.Time
}

// NewBuilder creates a snapshot builder.
func NewBuilder(cfg BuilderConfig, source history.Source, imputer *imputation.Imputer, logger zerolog.Logger) *Builder {
	return &Builder{
		cfg:     cfg,
		source:  source,
		imputer: imputer,
		logger:  logger,
		now:     time.Now,
	}
}

// Build estimates a prior for every category with enough mature items.
// The returned snapshot has Version 0; the caller assigns it.
func (b *Builder) Build(ctx context.Context) (*Snapshot, error) {
	categories, err := b.source.Categories(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}

	now := b.now().UTC()
	snap := &Snapshot{
		ID:          uuid.NewString(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(b.cfg.SnapshotTTL),
		Categories:  make(map[string]api.HierarchicalPrior),
		MatureItems: make(map[string]int),
	}

	for _, cat := range categories {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rates, err := b.categoryRates(ctx, cat)
		if err != nil {
			return nil, err
		}
		snap.MatureItems[cat] = len(rates)
		if len(rates) < b.cfg.MinItems {
			b.logger.Debug().Str("category_id", cat).Int("mature_items", len(rates)).Msg("category prior skipped")
			continue
		}
		if p, ok := EstimateCategory(cat, rates, b.cfg.MaxPriorDays); ok {
			snap.Categories[cat] = p
		}
	}
	return snap, nil
}

// categoryRates returns the mean imputed demand per open day of each mature item.
func (b *Builder) categoryRates(ctx context.Context, categoryID string) ([]float64, error) {
	ids, err := b.source.CategoryItems(ctx, categoryID)
	if err != nil {
		return nil, fmt.Errorf("failed to list items for %s: %w", categoryID, err)
	}

	var rates []float64
	for _, id := range ids {
		obs, err := b.source.History(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to read history for %s: %w", id, err)
		}
		days := history.Densify(obs)
		if !b.mature(days) {
			continue
		}
		var open []float64
		for _, a := range b.imputer.Impute(days) {
			if !a.Closed {
				open = append(open, a.AdjustedQuantity)
			}
		}
		rates = append(rates, stat.Mean(open, nil))
	}
	return rates, nil
}

func (b *Builder) mature(days []api.Observation) bool {
	if len(days) < b.cfg.MinSpanDays {
		return false
	}
	return imputation.Velocity(days).ActiveDays >= b.cfg.MinSaleDays
}
