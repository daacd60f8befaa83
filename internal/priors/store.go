// Package priors maintains versioned category-level Gamma priors.
//
// Snapshots are immutable once published. The Store swaps a pointer to the
// current snapshot, so a forecast that looked up a prior mid-refresh is
// consistent with exactly one version.
package priors

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/fractal-lba/demandcast/internal/api"
)

// ErrNoSnapshot is returned by snapshot loaders when nothing has been persisted yet.
var ErrNoSnapshot = errors.New("no prior snapshot")

// Snapshot is one immutable generation of category priors.
type Snapshot struct {
	ID         string                           `json:"id"`
	Version    int64                            `json:"version"`
	CreatedAt  time.Time                        `json:"created_at"`
	ExpiresAt  time.Time                        `json:"expires_at"`
	Categories map[string]api.HierarchicalPrior `json:"categories"`
	// MatureItems counts the items that contributed per category.
	MatureItems map[string]int `json:"mature_items"`
}

// Expired reports whether the snapshot is past its expiry at now.
func (s *Snapshot) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Lookup is the prior chosen for one request.
type Lookup struct {
	Prior           api.HierarchicalPrior
	SnapshotVersion int64
	// Stale is set when the snapshot was missing or expired and the global prior was substituted.
	Stale bool
}

// Store holds the current snapshot.
type Store struct {
	current atomic.Pointer[Snapshot]
}

// NewStore creates a store with no snapshot; lookups return the global prior until one is published.
func NewStore() *Store {
	return &Store{}
}

// Publish atomically replaces the current snapshot.
func (s *Store) Publish(snap *Snapshot) {
	s.current.Store(snap)
}

// Current returns the published snapshot, or nil.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Lookup returns the category prior from the current snapshot, falling back
// to the global prior when the category is unknown or the snapshot is stale.
func (s *Store) Lookup(categoryID string, now time.Time) Lookup {
	snap := s.current.Load()
	if snap == nil {
		return Lookup{Prior: api.GlobalPrior(), Stale: true}
	}
	if snap.Expired(now) {
		return Lookup{Prior: api.GlobalPrior(), SnapshotVersion: snap.Version, Stale: true}
	}

	if categoryID != "" {
		if p, ok := snap.Categories[categoryID]; ok {
			return Lookup{Prior: p, SnapshotVersion: snap.Version}
		}
	}
	return Lookup{Prior: api.GlobalPrior(), SnapshotVersion: snap.Version}
}
