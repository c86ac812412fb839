package crdt_test

import (
	"testing"

	"github.com/brunokim/causaltree/crdt"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
	"pgregory.net/rapid"
)

// Replicas are edited and partially synced at random, and then fully merged in different orders.
// All of them should converge to the same weave.
type replicas struct {
	trees []*crdt.CausalTree[op]
}

func newReplicas(t *rapid.T) *replicas {
	base := newTree(t, siteA)
	return &replicas{trees: []*crdt.CausalTree[op]{
		base,
		fork(t, base, siteB),
		fork(t, base, siteC),
	}}
}

func (r *replicas) step(t *rapid.T) {
	i := rapid.IntRange(0, len(r.trees)-1).Draw(t, "replica")
	tree := r.trees[i]
	weave := tree.Weave()
	switch rapid.IntRange(0, 2).Draw(t, "action") {
	case 0:
		// Insert after any atom that accepts children.
		var causes []crdt.AtomID
		for atom := range weave.Values() {
			if atom.ID != crdt.EndAtomID && !atom.Value.Childless() {
				causes = append(causes, atom.ID)
			}
		}
		cause := rapid.SampledFrom(causes).Draw(t, "cause")
		ch := rapid.RuneFrom([]rune("abcdefgh")).Draw(t, "ch")
		add(t, tree, ins(ch), cause)
	case 1:
		// Delete any char.
		var chars []crdt.AtomID
		for atom := range weave.Values() {
			if atom.Value.kind == opInsert {
				chars = append(chars, atom.ID)
			}
		}
		if len(chars) == 0 {
			return
		}
		add(t, tree, del(), rapid.SampledFrom(chars).Draw(t, "char"))
	case 2:
		j := rapid.IntRange(0, len(r.trees)-1).Draw(t, "remote")
		integrate(t, tree, r.trees[j])
	}
}

func TestConvergence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := newReplicas(t)
		n := rapid.IntRange(1, 50).Draw(t, "steps")
		for i := 0; i < n; i++ {
			r.step(t)
		}
		a, b, c := r.trees[0], r.trees[1], r.trees[2]

		abc := a.Clone()
		integrate(t, abc, b)
		integrate(t, abc, c)
		cba := c.Clone()
		integrate(t, cba, b)
		integrate(t, cba, a)
		bca := b.Clone()
		integrate(t, bca, c)
		integrate(t, bca, a)

		for _, tree := range []*crdt.CausalTree[op]{abc, cba, bca} {
			if err := tree.Validate(); err != nil {
				t.Fatalf("Validate: %v", err)
			}
		}
		// All replicas know the same sites, so even local IDs are the same.
		if diff := cmp.Diff(abc.Weave().IDs(), cba.Weave().IDs()); diff != "" {
			t.Fatalf("abc and cba differ (-abc, +cba):\n%s", diff)
		}
		if diff := cmp.Diff(abc.Weave().IDs(), bca.Weave().IDs()); diff != "" {
			t.Fatalf("abc and bca differ (-abc, +bca):\n%s", diff)
		}
		if diff := cmp.Diff(abc.Sites().Entries(), cba.Sites().Entries()); diff != "" {
			t.Fatalf("sitemaps differ (-abc, +cba):\n%s", diff)
		}
		// Merged tree contains each replica, and merging any of them again is a no-op.
		version := abc.Version()
		for _, tree := range r.trees {
			if !abc.Superset(tree) {
				t.Fatalf("merged tree is not a superset of replica")
			}
			integrate(t, abc, tree)
		}
		if abc.Version() != version {
			t.Fatalf("merging known atoms changed the tree")
		}
	})
}

// Trees created independently, without forking, still converge.
func TestConvergenceIndependentSites(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ids := []uuid.UUID{siteA, siteB, siteC, siteD}
		var trees []*crdt.CausalTree[op]
		for _, i := range rapid.Permutation([]int{0, 1, 2, 3}).Draw(t, "sites") {
			tree := newTree(t, ids[i])
			str := rapid.StringMatching("[a-z]{0,5}").Draw(t, "str")
			chain(t, tree, crdt.StartAtomID, str)
			trees = append(trees, tree)
		}
		x := trees[0].Clone()
		for _, tree := range trees[1:] {
			integrate(t, x, tree)
		}
		y := trees[len(trees)-1].Clone()
		for i := len(trees) - 2; i >= 0; i-- {
			integrate(t, y, trees[i])
		}
		if diff := cmp.Diff(x.Weave().IDs(), y.Weave().IDs()); diff != "" {
			t.Fatalf("weaves differ (-x, +y):\n%s", diff)
		}
		if err := x.Validate(); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	})
}

// Weft cuts taken from a tree's history are always causally closed.
func TestWeftClosure(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		r := newReplicas(t)
		n := rapid.IntRange(1, 30).Draw(t, "steps")
		var wefts []crdt.Weft
		var tree *crdt.CausalTree[op]
		for i := 0; i < n; i++ {
			r.step(t)
			tree = r.trees[0]
			wefts = append(wefts, tree.Now())
		}
		for _, weft := range wefts {
			weave, err := tree.WeaveAt(weft)
			if err != nil {
				t.Fatalf("WeaveAt(%v): %v", weft, err)
			}
			for atom := range weave.Values() {
				if !weft.Includes(atom.Cause) && !atom.ID.IsControl() {
					t.Fatalf("atom %v included without its cause", atom)
				}
			}
		}
	})
}

// Adding an atom advances the owner's weft entry by exactly one.
func TestAppendMonotonicity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tree := newTree(t, siteA)
		_, owner := tree.Owner()
		n := rapid.IntRange(1, 30).Draw(t, "n")
		for i := 0; i < n; i++ {
			before := tree.Now()
			weave := tree.Weave()
			cause := weave.At(rapid.IntRange(0, weave.Len()-2).Draw(t, "cause")).ID
			add(t, tree, ins('x'), cause)
			after := tree.Now()
			if after.Get(owner) != before.Get(owner)+1 {
				t.Fatalf("owner weft: got %d after %d", after.Get(owner), before.Get(owner))
			}
			if after.Compare(before) != crdt.Greater {
				t.Fatalf("weft %v is not after %v", after, before)
			}
		}
	})
}
