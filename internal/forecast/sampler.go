// Package forecast turns an item's posterior into calibrated quantile forecasts.
package forecast

import (
	"encoding/binary"
	"math"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/cespare/xxhash/v2"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/fractal-lba/demandcast/internal/api"
)

// MinSamples is the smallest Monte Carlo sample size accepted.
const MinSamples = 10000

// Summary is the sampled predictive distribution for one date.
type Summary struct {
	Mean float64
	P10  float64
	P50  float64
	P90  float64
	P99  float64
}

// Sampler draws from the reseasonalized posterior predictive.
//
// Each draw takes a base rate lambda ~ Gamma(alpha_post, beta_post), a count
// y ~ Poisson(lambda) (together a Negative Binomial draw) and a day multiplier
// M ~ Gamma with mean m_dow and CV equal to the profile dispersion, and
// records y*M. Quantiles are read off the scaled draws; they are never
// computed on the base draws and multiplied afterwards.
type Sampler struct {
	samples int
}

// NewSampler creates a sampler drawing n samples per date (at least MinSamples).
func NewSampler(n int) *Sampler {
	if n < MinSamples {
		n = MinSamples
	}
	return &Sampler{samples: n}
}

// Samples returns the per-date sample size.
func (s *Sampler) Samples() int {
	return s.samples
}

// Draw returns the scaled samples, sorted ascending.
func (s *Sampler) Draw(post api.PosteriorState, multiplier, dispersion float64, seed uint64) []float64 {
	rng := rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)
	rate := distuv.Gamma{Alpha: post.AlphaPost, Beta: post.BetaPost, Src: rng}

	var mult func() float64
	switch {
	case multiplier <= 0:
		mult = func() float64 { return 0 }
	case dispersion <= 0:
		mult = func() float64 { return multiplier }
	default:
		shape := 1 / (dispersion * dispersion)
		g := distuv.Gamma{Alpha: shape, Beta: shape / multiplier, Src: rng}
		mult = g.Rand
	}

	out := make([]float64, s.samples)
	for i := range out {
		lambda := rate.Rand()
		y := 0.0
		if lambda > 0 {
			y = distuv.Poisson{Lambda: lambda, Src: rng}.Rand()
		}
		out[i] = y * mult()
	}
	slices.Sort(out)
	return out
}

// Summarize draws and reduces to mean and empirical quantiles.
func (s *Sampler) Summarize(post api.PosteriorState, multiplier, dispersion float64, seed uint64) Summary {
	x := s.Draw(post, multiplier, dispersion, seed)
	return Summary{
		Mean: stat.Mean(x, nil),
		P10:  stat.Quantile(0.10, stat.Empirical, x, nil),
		P50:  stat.Quantile(0.50, stat.Empirical, x, nil),
		P90:  stat.Quantile(0.90, stat.Empirical, x, nil),
		P99:  stat.Quantile(0.99, stat.Empirical, x, nil),
	}
}

// Seed derives a reproducible stream seed for one item and date.
func Seed(base uint64, itemID string, date time.Time) uint64 {
	d := xxhash.New()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], base)
	d.Write(buf[:])
	d.WriteString(itemID)
	binary.LittleEndian.PutUint64(buf[:], uint64(api.Day(date).Unix()))
	d.Write(buf[:])
	return d.Sum64()
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
