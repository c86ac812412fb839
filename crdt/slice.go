package crdt

import (
	"iter"
)

// AtomsSlice is a read-only sequence of atoms taken from a tree: its weave, or one of its yarns.
//
// A slice is a snapshot. Trees never modify an array after it's been handed out, so the slice
// keeps showing the atoms as they were when it was taken, even if the tree is mutated later. Use
// Stale or Check to find out whether the tree has changed since then.
type AtomsSlice[V Value] struct {
	atoms   []Atom[V]
	tree    *CausalTree[V]
	version uint64
}

func newSlice[V Value](t *CausalTree[V], atoms []Atom[V]) AtomsSlice[V] {
	return AtomsSlice[V]{atoms: atoms[:len(atoms):len(atoms)], tree: t, version: t.version}
}

// Len returns the number of atoms in the slice.
func (s AtomsSlice[V]) Len() int { return len(s.atoms) }

// At returns the i-th atom. It panics if i is out of range.
func (s AtomsSlice[V]) At(i int) Atom[V] { return s.atoms[i] }

// Index returns the position of the atom in the slice, or -1 if it's not present.
//
// Time complexity: O(atoms)
func (s AtomsSlice[V]) Index(id AtomID) int { return atomIndex(s.atoms, id) }

// All returns a sequence of indices and atoms. It may be iterated many times.
func (s AtomsSlice[V]) All() iter.Seq2[int, Atom[V]] {
	return func(yield func(int, Atom[V]) bool) {
		for i, atom := range s.atoms {
			if !yield(i, atom) {
				return
			}
		}
	}
}

// Values returns a sequence of atoms. It may be iterated many times.
func (s AtomsSlice[V]) Values() iter.Seq[Atom[V]] {
	return func(yield func(Atom[V]) bool) {
		for _, atom := range s.atoms {
			if !yield(atom) {
				return
			}
		}
	}
}

// Atoms returns a copy of the atoms in the slice.
func (s AtomsSlice[V]) Atoms() []Atom[V] {
	atoms := make([]Atom[V], len(s.atoms))
	copy(atoms, s.atoms)
	return atoms
}

// IDs returns the IDs of the atoms in the slice.
func (s AtomsSlice[V]) IDs() []AtomID {
	ids := make([]AtomID, len(s.atoms))
	for i, atom := range s.atoms {
		ids[i] = atom.ID
	}
	return ids
}

// Version returns the tree version the slice was taken at.
func (s AtomsSlice[V]) Version() uint64 { return s.version }

// Stale returns whether the tree has been structurally modified since the slice was taken.
func (s AtomsSlice[V]) Stale() bool {
	return s.tree != nil && s.tree.version != s.version
}

// Check returns ErrStaleSlice if the tree has been modified since the slice was taken.
func (s AtomsSlice[V]) Check() error {
	if s.Stale() {
		return ErrStaleSlice
	}
	return nil
}
