package crdt

import (
	"slices"
)

/*
The weave is the flat representation of a causal tree: a depth-first, pre-order traversal where
the children of each atom are sorted by a deterministic rule. Two trees holding the same atoms
(and, after merging, the same sitemap) always produce the same weave.

  # BEGIN ASCII ART

  start <- T <- H <- I <- S <- _ <- I <- S <- _ <- N <- I <- C <- E
    ^                                         ^
    '-- end                                   '-- V <- E <- R <- Y <- _

  weave: [start] T H I S _ I S _ V E R Y _ N I C E [end]

  # END ASCII ART
  # ALT TEXT: Two chains of atoms hanging from a start atom. The first chain reads "THIS_IS_NICE",
              and a second chain "VERY_" points to the space after "IS". "VERY_" was inserted later
              by another site, so it sorts before its sibling "NICE", and the whole tree reads as
              "THIS_IS_VERY_NICE". The end atom is a child of the start atom that sorts last.

Because the traversal is pre-order, each atom is immediately followed by its descendants, in what
is called a causal block.
*/

// +----------+
// | Ordering |
// +----------+

// compareSiblings returns the relative order between sibling atoms in the weave.
//
// The end atom is always last. Then, descending according to priority, then descending according
// to timestamp (newer first), then descending according to site (more recently joined sites
// first), then descending according to yarn index.
//
// A new atom has a timestamp larger than every atom known to its site, so it's placed right after
// its cause.
func compareSiblings[V Value](a, b Atom[V]) int {
	if a.ID == b.ID {
		return 0
	}
	if a.ID == EndAtomID {
		return +1
	}
	if b.ID == EndAtomID {
		return -1
	}
	if pa, pb := a.Value.AtomPriority(), b.Value.AtomPriority(); pa != pb {
		if pa > pb {
			return -1
		}
		return +1
	}
	if a.Timestamp != b.Timestamp {
		if a.Timestamp > b.Timestamp {
			return -1
		}
		return +1
	}
	if a.ID.Site != b.ID.Site {
		if a.ID.Site > b.ID.Site {
			return -1
		}
		return +1
	}
	if a.ID.Index > b.ID.Index {
		return -1
	}
	return +1
}

// +-------+
// | Weave |
// +-------+

// Builds the weave from yarns, including only the atoms present in weft. A nil weft includes
// every atom.
//
// An atom that is not included is not linked to its cause, so its whole subtree is skipped.
//
// Time complexity: O(atoms * log(avg. siblings))
func buildWeave[V Value](ys yarns[V], weft Weft) []Atom[V] {
	start, ok := ys.get(StartAtomID)
	if !ok {
		return nil
	}
	n := ys.size()
	children := make(map[AtomID][]Atom[V], n)
	for _, yarn := range ys {
		for _, atom := range yarn {
			if atom.Cause.IsNull() {
				continue
			}
			if weft != nil && !weft.Includes(atom.ID) {
				continue
			}
			children[atom.Cause] = append(children[atom.Cause], atom)
		}
	}
	for _, siblings := range children {
		slices.SortFunc(siblings, compareSiblings[V])
	}
	weave := make([]Atom[V], 0, n)
	stack := []Atom[V]{start}
	for len(stack) > 0 {
		atom := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		weave = append(weave, atom)
		siblings := children[atom.ID]
		for i := len(siblings) - 1; i >= 0; i-- {
			stack = append(stack, siblings[i])
		}
	}
	return weave
}

// Returns the index of an atom within the weave, or -1 if it's not present.
//
// Time complexity: O(atoms)
func atomIndex[V Value](weave []Atom[V], id AtomID) int {
	for i, atom := range weave {
		if atom.ID == id {
			return i
		}
	}
	return -1
}

// Returns a new weave with the atom inserted at the given index. The original weave is not
// modified, since it may be shared with slices given to callers.
//
// Time complexity: O(atoms)
func insertAtom[V Value](weave []Atom[V], atom Atom[V], i int) []Atom[V] {
	w := make([]Atom[V], len(weave)+1)
	copy(w, weave[:i])
	w[i] = atom
	copy(w[i+1:], weave[i:])
	return w
}

// Returns the position in weave where a new atom should be inserted, given its cause's index.
//
// Time complexity: O(avg. block size)
func insertionIndex[V Value](weave []Atom[V], atom Atom[V], causeIndex int) int {
	// Search for position in weave that atom should be inserted, in a way that it's sorted relative to
	// other children.
	//
	//                                  causal block of cause
	//                      ------------------------------------------------
	// Weave:           ... [cause] [child1] ... [child2] ... [child3] ... [not child]
	// Block indices:          0        1          c2'          c3'           end'
	// Weave indices:         c0       c1          c2           c3            end
	block := weave[causeIndex:]
	pos := 0
	i := 0
	size := walkCausalBlock(block, func(a Atom[V]) bool {
		i++
		if a.Cause == block[0].ID && compareSiblings(atom, a) < 0 {
			// a is the first child that should come after atom.
			pos = i
			return false
		}
		return true
	})
	if pos > 0 {
		return causeIndex + pos
	}
	return causeIndex + size
}

// -----

// Invokes the closure f with each atom of the causal block, after its head. Returns the number
// of atoms in the block, including its head, or up to the atom where the traversal stopped.
//
// The closure should return 'false' to cut the traversal short, as in a 'break' statement. Otherwise, return true.
//
// The causal block is defined as the contiguous range containing the head and all of its descendents.
// Since the weave is a pre-order traversal, an atom belongs to the block iff its cause was already
// seen in the block.
//
// Time complexity: O(avg. block size)
func walkCausalBlock[V Value](block []Atom[V], f func(Atom[V]) bool) int {
	if len(block) == 0 {
		return 0
	}
	members := map[AtomID]struct{}{block[0].ID: {}}
	for i, atom := range block[1:] {
		if _, ok := members[atom.Cause]; !ok {
			// First atom whose cause is outside the block is the end of the causal block.
			return i + 1
		}
		members[atom.ID] = struct{}{}
		if !f(atom) {
			return i + 1
		}
	}
	return len(block)
}

// Invokes the closure f with each direct children of the block's head.
func walkChildren[V Value](block []Atom[V], f func(Atom[V]) bool) {
	walkCausalBlock(block, func(atom Atom[V]) bool {
		if atom.Cause == block[0].ID {
			return f(atom)
		}
		return true
	})
}

// Returns the size of the causal block, including its head.
func causalBlockSize[V Value](block []Atom[V]) int {
	return walkCausalBlock(block, func(atom Atom[V]) bool { return true })
}
