package crdt

// Yarns is the list of atoms, grouped by the site that created them.
//
// Each yarn is append-only, and yarns[s][i] is always the atom with ID {s, i}. Yarns may share
// their backing arrays with clones and slices given to callers, so existing entries are never
// overwritten: a yarn is either extended or replaced by a fresh copy.
type yarns[V Value] [][]Atom[V]

// Gets an atom from yarns.
//
// Time complexity: O(1)
func (ys yarns[V]) get(id AtomID) (Atom[V], bool) {
	if id.IsNull() || int(id.Site) >= len(ys) {
		return Atom[V]{}, false
	}
	yarn := ys[id.Site]
	if int(id.Index) >= len(yarn) {
		return Atom[V]{}, false
	}
	return yarn[id.Index], true
}

func (ys yarns[V]) contains(id AtomID) bool {
	_, ok := ys.get(id)
	return ok
}

// Returns the total number of atoms.
func (ys yarns[V]) size() int {
	var n int
	for _, yarn := range ys {
		n += len(yarn)
	}
	return n
}

// Returns a copy sharing the atoms, with every yarn's capacity clipped so that appending to either
// copy never writes into the other.
//
// Time complexity: O(sites)
func (ys yarns[V]) clone() yarns[V] {
	c := make(yarns[V], len(ys))
	for i, yarn := range ys {
		c[i] = yarn[:len(yarn):len(yarn)]
	}
	return c
}

// Returns a copy with every atom remapped into a new site space.
//
// Time complexity: O(atoms)
func (ys yarns[V]) remap(m RemapTable, numSites int) yarns[V] {
	c := make(yarns[V], numSites)
	if len(m) == 0 {
		copy(c, ys.clone())
		return c
	}
	for i, yarn := range ys {
		site := m.Get(SiteID(i))
		remapped := make([]Atom[V], len(yarn))
		for j, atom := range yarn {
			remapped[j] = atom.remapSite(m)
		}
		c[site] = remapped
	}
	return c
}

// Returns the weft including every atom.
func (ys yarns[V]) weft() Weft {
	w := NewWeft()
	for i, yarn := range ys {
		if len(yarn) > 0 {
			w[SiteID(i)] = len(yarn) - 1
		}
	}
	return w
}
