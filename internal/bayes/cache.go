package bayes

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/fractal-lba/demandcast/internal/api"
	"github.com/fractal-lba/demandcast/internal/cache"
	"github.com/fractal-lba/demandcast/internal/seasonality"
)

// Cache memoizes posteriors. The key covers the item, the prior and every
// input value, so a new observation or a new prior snapshot is a miss and
// nothing ever has to be invalidated.
type Cache struct {
	lru *cache.TTLCache[uint64, api.PosteriorState]
}

// NewCache creates a posterior cache.
func NewCache(size int, ttl time.Duration) (*Cache, error) {
	lru, err := cache.New[uint64, api.PosteriorState](size, ttl)
	if err != nil {
		return nil, err
	}
	return &Cache{lru: lru}, nil
}

// Fit returns the cached posterior or computes and stores it. hit reports a cache hit.
func (c *Cache) Fit(itemID string, prior api.HierarchicalPrior, series []seasonality.Point, profile api.SeasonalProfile) (post api.PosteriorState, hit bool) {
	key := Fingerprint(itemID, prior, series, profile)
	return c.lru.GetOrCompute(key, func() api.PosteriorState {
		return Fit(itemID, prior, series, profile)
	})
}

// Stats exposes the underlying cache counters.
func (c *Cache) Stats() cache.Stats {
	return c.lru.Stats()
}

// Fingerprint hashes every input that influences Fit.
func Fingerprint(itemID string, prior api.HierarchicalPrior, series []seasonality.Point, profile api.SeasonalProfile) uint64 {
	d := xxhash.New()
	var buf [8]byte
	writeFloat := func(f float64) {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(f))
		d.Write(buf[:])
	}

	d.WriteString(itemID)
	d.WriteString(string(prior.Level))
	writeFloat(prior.Alpha)
	writeFloat(prior.Beta)
	for _, m := range profile.Multiplier {
		writeFloat(m)
	}
	for _, pt := range series {
		binary.LittleEndian.PutUint64(buf[:], uint64(pt.Date.Unix()))
		d.Write(buf[:])
		writeFloat(pt.Value)
		if pt.Closed {
			d.Write([]byte{1})
		} else {
			d.Write([]byte{0})
		}
	}
	return d.Sum64()
}
