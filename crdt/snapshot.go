package crdt

import (
	"fmt"

	"github.com/google/uuid"
)

// Snapshot is the plain data of a tree, suitable for encoding.
//
// Yarns are indexed by local site ID, in the same order as Sites.
type Snapshot[V Value] struct {
	Sites     []SiteEntry
	SiteClock uint32
	Owner     uuid.UUID
	Clock     uint32
	Yarns     [][]Atom[V]
}

// Snapshot returns a copy of the tree's state.
//
// Time complexity: O(atoms + sites)
func (t *CausalTree[V]) Snapshot() Snapshot[V] {
	ys := make([][]Atom[V], len(t.yarns))
	for i, yarn := range t.yarns {
		ys[i] = make([]Atom[V], len(yarn))
		copy(ys[i], yarn)
	}
	return Snapshot[V]{
		Sites:     t.sites.Entries(),
		SiteClock: t.sites.clock,
		Owner:     t.sites.UUID(t.owner),
		Clock:     t.clock,
		Yarns:     ys,
	}
}

// FromSnapshot restores a tree from its snapshot, checking that it's valid.
func FromSnapshot[V Value](s Snapshot[V], opts ...Option) (*CausalTree[V], error) {
	o := newOptions(opts)
	sites := &SiteMap{
		entries: make([]SiteEntry, len(s.Sites)),
		clock:   s.SiteClock,
	}
	copy(sites.entries, s.Sites)
	sites.reindex()
	if len(s.Yarns) != len(s.Sites) {
		return nil, violation(NullAtomID, "snapshot has %d yarns for %d sites", len(s.Yarns), len(s.Sites))
	}
	ys := make(yarns[V], len(s.Yarns))
	for i, yarn := range s.Yarns {
		ys[i] = make([]Atom[V], len(yarn))
		copy(ys[i], yarn)
	}
	owner, ok := sites.Lookup(s.Owner)
	if !ok {
		return nil, violation(NullAtomID, "owner %v is not in sitemap", s.Owner)
	}
	t := &CausalTree[V]{
		sites:  sites,
		yarns:  ys,
		owner:  owner,
		clock:  s.Clock,
		logger: o.logger,
	}
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}
	return t, nil
}
