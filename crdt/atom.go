package crdt

import (
	"fmt"
	"math"
)

// +-----------------------+
// | Basic data structures |
// +-----------------------+

// SiteID is the local identifier (LUID) of a site: its position in the tree's sitemap.
type SiteID uint16

// ControlSite is the reserved site that owns the start and end atoms.
const ControlSite SiteID = 0

// AtomID is the unique identifier of an atom.
type AtomID struct {
	// Site is the index in the sitemap of the site that created an atom.
	Site SiteID
	// Index is the order of creation of this atom in the given site.
	// Or: the atom index on its site's yarn.
	Index uint32
}

var (
	// NullAtomID is the cause of the start atom, and the reference of values that don't point
	// to any atom. It's distinct from every valid ID.
	NullAtomID = AtomID{Site: math.MaxUint16, Index: math.MaxUint32}
	// StartAtomID is the root of every causal tree. Insert an atom caused by it to place it at
	// the beginning.
	StartAtomID = AtomID{Site: ControlSite, Index: 0}
	// EndAtomID is always the last atom in the weave, and can't have children.
	EndAtomID = AtomID{Site: ControlSite, Index: 1}
)

// IsNull returns whether this is the null sentinel.
func (id AtomID) IsNull() bool { return id == NullAtomID }

// IsControl returns whether this is the start or end atom.
func (id AtomID) IsControl() bool { return id.Site == ControlSite && !id.IsNull() }

func (id AtomID) String() string {
	if id.IsNull() {
		return "S-@null"
	}
	return fmt.Sprintf("S%d@%02d", id.Site, id.Index)
}

// Value is the payload carried by an atom.
//
// The zero value of a Value type is its default, and is the value held by control atoms.
// Domain types should be tagged unions, and the tree only inspects them through this interface.
type Value interface {
	fmt.Stringer
	// AtomPriority returns where this atom should be placed compared with its siblings.
	// Atoms with higher priority come first.
	AtomPriority() int
	// Childless returns whether the atom can't be the cause of other atoms.
	Childless() bool
	// Reference returns another atom this value points to, or NullAtomID.
	Reference() AtomID
}

// RemapValue is implemented by values whose Reference must follow site remappings during merge.
type RemapValue[V any] interface {
	RemapSites(m RemapTable) V
}

// Atom represents an atomic operation within a replicated tree.
type Atom[V Value] struct {
	// ID is the identifier of this atom.
	ID AtomID
	// Cause is the identifier of the preceding atom.
	Cause AtomID
	// Timestamp is the tree's Lamport timestamp when the atom was created.
	Timestamp uint32
	// Value is the data operation represented by this atom.
	Value V
}

func (a Atom[V]) String() string {
	return fmt.Sprintf("Atom(%v,%v,T%02d,%v)", a.ID, a.Cause, a.Timestamp, a.Value)
}

// +---------------+
// | Remap indices |
// +---------------+

// RemapTable stores the conversion between site IDs after a sitemap merge.
// Conversion from a site to itself is not stored, so an empty table represents an identity
// mapping, where every site maps to itself.
type RemapTable map[SiteID]SiteID

func (m RemapTable) set(i, j SiteID) {
	if i != j {
		m[i] = j
	}
}

// Get returns the new ID of a site. Queries for a site that was not stored return the same site.
func (m RemapTable) Get(i SiteID) SiteID {
	j, ok := m[i]
	if !ok {
		return i
	}
	return j
}

// Invert returns the table mapping new site IDs back into the old ones.
func (m RemapTable) Invert() RemapTable {
	inv := make(RemapTable, len(m))
	for i, j := range m {
		inv.set(j, i)
	}
	return inv
}

// Remap returns the ID with its site converted by the table. The null ID is never remapped.
func (id AtomID) Remap(m RemapTable) AtomID {
	if id.IsNull() {
		return id
	}
	return AtomID{Site: m.Get(id.Site), Index: id.Index}
}

func (a Atom[V]) remapSite(m RemapTable) Atom[V] {
	value := a.Value
	if rv, ok := any(value).(RemapValue[V]); ok {
		value = rv.RemapSites(m)
	}
	return Atom[V]{
		ID:        a.ID.Remap(m),
		Cause:     a.Cause.Remap(m),
		Timestamp: a.Timestamp,
		Value:     value,
	}
}
