package crdt

import (
	"fmt"
	"sort"
	"strings"
)

// +-------------+
// + Time travel |
// +-------------+

// Weft is a version vector that stores, for each site of a CausalTree, the index of the last
// atom included from its yarn.
//
// In a distributed system it's not possible to observe the whole state at an absolute time,
// but we can view the tree's state as a cut across every yarn. A site missing from the weft
// has no atoms included.
type Weft map[SiteID]int

// NewWeft returns an empty weft.
func NewWeft() Weft { return make(Weft) }

// Get returns the last included index for the site, or -1 if no atom is included.
func (w Weft) Get(site SiteID) int {
	index, ok := w[site]
	if !ok {
		return -1
	}
	return index
}

// Update raises the last included index for the site, if it's larger than the current one.
func (w Weft) Update(site SiteID, index int) {
	if index > w.Get(site) {
		w[site] = index
	}
}

// Includes returns whether the atom is present in the weft's view.
// The null atom is always in view.
func (w Weft) Includes(id AtomID) bool {
	if id.IsNull() {
		return true
	}
	return int(id.Index) <= w.Get(id.Site)
}

// Union returns the per-site maximum of both wefts.
func (w Weft) Union(other Weft) Weft {
	u := w.Clone()
	for site, index := range other {
		u.Update(site, index)
	}
	return u
}

// Clone returns an independent copy of the weft.
func (w Weft) Clone() Weft {
	c := make(Weft, len(w))
	for site, index := range w {
		c[site] = index
	}
	return c
}

// Remap converts the weft's sites after a sitemap merge.
func (w Weft) Remap(m RemapTable) Weft {
	c := make(Weft, len(w))
	for site, index := range w {
		c[m.Get(site)] = index
	}
	return c
}

// Ordering is the result of comparing two wefts, which are partially ordered.
type Ordering int

// Possible orderings between wefts.
const (
	Less Ordering = iota - 1
	Equal
	Greater
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Less:
		return "less"
	case Equal:
		return "equal"
	case Greater:
		return "greater"
	case Concurrent:
		return "concurrent"
	}
	return fmt.Sprintf("Ordering(%d)", int(o))
}

// Compare returns whether this weft is less than, equal, greater than, or concurrent to the other.
// A weft is less than another if it includes a subset of its atoms.
func (w Weft) Compare(other Weft) Ordering {
	var hasLess, hasGreater bool
	for site := range w {
		if i1, i2 := w.Get(site), other.Get(site); i1 < i2 {
			hasLess = true
		} else if i1 > i2 {
			hasGreater = true
		}
	}
	for site := range other {
		if i1, i2 := w.Get(site), other.Get(site); i1 < i2 {
			hasLess = true
		} else if i1 > i2 {
			hasGreater = true
		}
	}
	switch {
	case hasLess && hasGreater:
		return Concurrent
	case hasLess:
		return Less
	case hasGreater:
		return Greater
	}
	return Equal
}

// Concurrent returns whether neither weft dominates the other.
func (w Weft) Concurrent(other Weft) bool {
	return w.Compare(other) == Concurrent
}

func (w Weft) String() string {
	sites := make([]int, 0, len(w))
	for site := range w {
		sites = append(sites, int(site))
	}
	sort.Ints(sites)
	parts := make([]string, len(sites))
	for i, site := range sites {
		parts[i] = fmt.Sprintf("S%d:%d", site, w[SiteID(site)])
	}
	return "Weft{" + strings.Join(parts, " ") + "}"
}
