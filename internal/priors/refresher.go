package priors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fractal-lba/demandcast/internal/metrics"
	"github.com/fractal-lba/demandcast/pkg/otel"
)

const tracerName = "demandcast/priors"

// SnapshotSink persists published snapshots so a restart can resume from the last one.
type SnapshotSink interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context) (*Snapshot, error)
}

// RefreshStats tracks refresher activity.
type RefreshStats struct {
	TotalRuns       int64         `json:"total_runs"`
	SuccessfulRuns  int64         `json:"successful_runs"`
	FailedRuns      int64         `json:"failed_runs"`
	LastRunTime     time.Time     `json:"last_run_time"`
	LastRunDuration time.Duration `json:"last_run_duration"`
	LastVersion     int64         `json:"last_version"`
}

// Refresher rebuilds category priors on a fixed interval.
type Refresher struct {
	mu       sync.Mutex
	runMu    sync.Mutex // serializes RunOnce so versions stay unique and ordered
	interval time.Duration
	builder  *Builder
	store    *Store
	sink     SnapshotSink
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	running  bool
	stopCh   chan struct{}
	stats    RefreshStats

	// OnPublish is called after every successful publish.
	OnPublish func(snap *Snapshot)
}

// NewRefresher creates a refresher. sink may be nil.
func NewRefresher(interval time.Duration, builder *Builder, store *Store, sink SnapshotSink, logger zerolog.Logger) *Refresher {
	return &Refresher{
		interval: interval,
		builder:  builder,
		store:    store,
		sink:     sink,
		logger:   logger,
	}
}

// WithMetrics records refresh outcomes and the published version in m.
func (r *Refresher) WithMetrics(m *metrics.Metrics) *Refresher {
	r.metrics = m
	return r
}

// Restore publishes the last persisted snapshot, if any. Expired snapshots are
// still published; lookups treat them as stale until the next refresh.
func (r *Refresher) Restore(ctx context.Context) error {
	if r.sink == nil {
		return nil
	}
	snap, err := r.sink.Load(ctx)
	if errors.Is(err, ErrNoSnapshot) {
		return nil
	}
	if err != nil {
		return err
	}
	r.store.Publish(snap)
	r.logger.Info().Int64("version", snap.Version).Str("snapshot_id", snap.ID).Msg("restored prior snapshot")
	return nil
}

// Start refreshes immediately and then on every tick until ctx is done or Stop is called.
func (r *Refresher) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("refresher already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	stop := r.stopCh
	r.mu.Unlock()

	r.logger.Info().Dur("interval", r.interval).Msg("prior refresher started")

	if _, err := r.RunOnce(ctx); err != nil {
		r.logger.Error().Err(err).Msg("prior refresh failed")
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.Stop()
			return ctx.Err()
		case <-stop:
			return nil
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error().Err(err).Msg("prior refresh failed")
			}
		}
	}
}

// Stop stops the refresher.
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	close(r.stopCh)
	r.running = false
	r.logger.Info().Msg("prior refresher stopped")
}

// RunOnce builds, publishes and persists one snapshot. Concurrent calls run
// one at a time.
func (r *Refresher) RunOnce(ctx context.Context) (*Snapshot, error) {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	start := time.Now()
	ctx, span := otel.StartSpan(ctx, tracerName, "priors.refresh")
	defer span.End()

	r.mu.Lock()
	r.stats.TotalRuns++
	r.mu.Unlock()

	snap, err := r.builder.Build(ctx)
	if err != nil {
		r.mu.Lock()
		r.stats.FailedRuns++
		r.mu.Unlock()
		if r.metrics != nil {
			r.metrics.PriorRefreshes.WithLabelValues("failure").Inc()
		}
		otel.RecordError(span, err, "prior build failed")
		return nil, fmt.Errorf("failed to build snapshot: %w", err)
	}

	var version int64 = 1
	if prev := r.store.Current(); prev != nil {
		version = prev.Version + 1
	}
	snap.Version = version
	r.store.Publish(snap)
	otel.AddEvent(span, "snapshot_published", otel.AttrSnapshotVer.Int64(version))

	if r.sink != nil {
		if err := r.sink.Save(ctx, snap); err != nil {
			// the snapshot is live in memory; only a restart would lose it
			r.logger.Error().Err(err).Int64("version", version).Msg("failed to persist prior snapshot")
		}
	}
	if r.OnPublish != nil {
		r.OnPublish(snap)
	}
	if r.metrics != nil {
		r.metrics.PriorRefreshes.WithLabelValues("success").Inc()
		r.metrics.PriorSnapshotVersion.Set(float64(version))
		r.metrics.CategoryPriors.Set(float64(len(snap.Categories)))
	}

	r.mu.Lock()
	r.stats.SuccessfulRuns++
	r.stats.LastRunTime = start
	r.stats.LastRunDuration = time.Since(start)
	r.stats.LastVersion = version
	r.mu.Unlock()

	r.logger.Info().
		Int64("version", version).
		Int("categories", len(snap.Categories)).
		Dur("duration", time.Since(start)).
		Msg("published prior snapshot")
	return snap, nil
}

// Stats returns a copy of the refresher statistics.
func (r *Refresher) Stats() RefreshStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
