package crdt_test

import (
	"fmt"
	"strings"

	"github.com/brunokim/causaltree/crdt"
	"github.com/google/uuid"
)

var (
	siteA = uuid.MustParse("00000001-8891-11ec-a04c-67855c00505b")
	siteB = uuid.MustParse("00000002-8891-11ec-a04c-67855c00505b")
	siteC = uuid.MustParse("00000003-8891-11ec-a04c-67855c00505b")
	siteD = uuid.MustParse("00000004-8891-11ec-a04c-67855c00505b")
)

// A minimal value domain for exercising the tree: chars, deletes, and marks that reference
// another atom.
type opKind uint8

const (
	opNone opKind = iota
	opInsert
	opDelete
	opMark
)

type op struct {
	kind opKind
	ch   rune
	ref  crdt.AtomID
}

func ins(ch rune) op          { return op{kind: opInsert, ch: ch} }
func del() op                 { return op{kind: opDelete} }
func mark(ref crdt.AtomID) op { return op{kind: opMark, ref: ref} }

func (v op) Childless() bool { return v.kind == opDelete || v.kind == opMark }
func (v op) AtomPriority() int {
	switch v.kind {
	case opDelete:
		return 100
	case opMark:
		return 50
	}
	return 0
}

func (v op) Reference() crdt.AtomID {
	if v.kind != opMark {
		return crdt.NullAtomID
	}
	return v.ref
}

func (v op) RemapSites(m crdt.RemapTable) op {
	if v.kind == opMark {
		v.ref = v.ref.Remap(m)
	}
	return v
}

func (v op) String() string {
	switch v.kind {
	case opInsert:
		return string(v.ch)
	case opDelete:
		return "⌫"
	case opMark:
		return fmt.Sprintf("mark(%v)", v.ref)
	}
	return "∅"
}

// -----

type fataler interface {
	Fatalf(format string, args ...any)
}

func newTree(t fataler, owner uuid.UUID) *crdt.CausalTree[op] {
	tree, err := crdt.New[op](owner, 0)
	if err != nil {
		t.Fatalf("crdt.New(%v): %v", owner, err)
	}
	return tree
}

func add(t fataler, tree *crdt.CausalTree[op], value op, cause crdt.AtomID) crdt.AtomID {
	id, _, err := tree.AddAtom(value, cause, 0)
	if err != nil {
		t.Fatalf("AddAtom(%v, %v): %v", value, cause, err)
	}
	return id
}

// Types each char of str caused by the previous one, returning their IDs.
func chain(t fataler, tree *crdt.CausalTree[op], cause crdt.AtomID, str string) []crdt.AtomID {
	var ids []crdt.AtomID
	for _, ch := range str {
		cause = add(t, tree, ins(ch), cause)
		ids = append(ids, cause)
	}
	return ids
}

func fork(t fataler, tree *crdt.CausalTree[op], owner uuid.UUID) *crdt.CausalTree[op] {
	remote, err := tree.Fork(owner)
	if err != nil {
		t.Fatalf("Fork(%v): %v", owner, err)
	}
	return remote
}

func integrate(t fataler, local, remote *crdt.CausalTree[op]) {
	if _, err := local.Integrate(remote); err != nil {
		t.Fatalf("Integrate: %v", err)
	}
}

// Visible chars of a weave: inserts not immediately followed by a delete of themselves.
// Deletes have the highest priority, so they are always the first child of their cause.
func content(s crdt.AtomsSlice[op]) string {
	var sb strings.Builder
	for i, atom := range s.All() {
		if atom.Value.kind != opInsert {
			continue
		}
		if i+1 < s.Len() {
			next := s.At(i + 1)
			if next.Value.kind == opDelete && next.Cause == atom.ID {
				continue
			}
		}
		sb.WriteRune(atom.Value.ch)
	}
	return sb.String()
}

// Weave as a list of global IDs, comparable across trees with different sitemaps.
type globalID struct {
	Site  uuid.UUID
	Index uint32
}

func globalWeave(tree *crdt.CausalTree[op]) []globalID {
	sites := tree.Sites()
	var ids []globalID
	for atom := range tree.Operations() {
		ids = append(ids, globalID{sites.UUID(atom.ID.Site), atom.ID.Index})
	}
	return ids
}
