package text

import (
	"errors"
	"fmt"

	"github.com/brunokim/causaltree/crdt"
	"github.com/brunokim/causaltree/diff"
	"github.com/google/uuid"
)

// Errors returned by Document operations.
var (
	ErrNoAtomToDelete   = errors.New("can't delete empty atom")
	ErrCursorOutOfRange = errors.New("cursor index out of range")
	ErrScriptMismatch   = errors.New("edit script doesn't match document content")
)

// Document is a replicated text, edited through a cursor.
//
// The cursor is the atom after which the next char is inserted. It starts at the tree's root, and
// is always placed on a visible char or on the root.
type Document struct {
	tree   *crdt.CausalTree[Op]
	cursor crdt.AtomID
}

// NewDocument creates an empty document owned by the given site.
func NewDocument(owner uuid.UUID, opts ...crdt.Option) (*Document, error) {
	tree, err := crdt.New[Op](owner, 0, opts...)
	if err != nil {
		return nil, err
	}
	return &Document{tree: tree, cursor: crdt.StartAtomID}, nil
}

// FromTree wraps an existing tree into a document, with cursor at the beginning.
func FromTree(tree *crdt.CausalTree[Op]) *Document {
	return &Document{tree: tree, cursor: crdt.StartAtomID}
}

// Tree returns the underlying causal tree. Atoms added directly to it are seen by the document.
func (d *Document) Tree() *crdt.CausalTree[Op] { return d.tree }

// Cursor returns the ID of the atom under the cursor.
func (d *Document) Cursor() crdt.AtomID { return d.cursor }

// Len returns the number of visible chars.
func (d *Document) Len() int { return len(visibleAtoms(d.tree.Weave())) }

func (d *Document) String() string { return String(d.tree) }

// +--------+
// | Cursor |
// +--------+

// Returns whether the atom at index i of the weave is followed by a delete of itself.
//
// Deletes have the highest priority, so if an atom is deleted, its first child is a delete.
func isDeleted(weave crdt.AtomsSlice[Op], i int) bool {
	if i+1 >= weave.Len() {
		return false
	}
	next := weave.At(i + 1)
	return next.Cause == weave.At(i).ID && next.Value.Kind == KindDelete
}

// Ensure the cursor isn't deleted, moving it to its first non-deleted ancestor.
//
// Time complexity: O(atoms * (avg. tree height))
func (d *Document) fixDeletedCursor() {
	weave := d.tree.Weave()
	for !d.cursor.IsControl() {
		i := weave.Index(d.cursor)
		if i < 0 || !isDeleted(weave, i) {
			return
		}
		d.cursor = weave.At(i).Cause
	}
}

// SetCursor places the cursor at the i-th visible char.
//
// To insert a char at the beginning, use i = -1.
func (d *Document) SetCursor(i int) error {
	if i < 0 {
		if i == -1 {
			d.cursor = crdt.StartAtomID
			return nil
		}
		return fmt.Errorf("%w: %d", ErrCursorOutOfRange, i)
	}
	atoms := visibleAtoms(d.tree.Weave())
	if i >= len(atoms) {
		return fmt.Errorf("%w: %d >= %d", ErrCursorOutOfRange, i, len(atoms))
	}
	d.cursor = atoms[i].ID
	return nil
}

// +---------+
// | Editing |
// +---------+

// InsertChar inserts a char after the cursor position and advances the cursor.
func (d *Document) InsertChar(ch rune) error {
	id, _, err := d.tree.AddAtom(Insert(ch), d.cursor, 0)
	if err != nil {
		return err
	}
	d.cursor = id
	return nil
}

// InsertCharAt inserts a char right after the i-th visible char, ahead of chars inserted there by
// other sites.
func (d *Document) InsertCharAt(ch rune, i int) error {
	if err := d.SetCursor(i); err != nil {
		return err
	}
	return d.InsertChar(ch)
}

// DeleteChar deletes the char at the cursor position, and relocates the cursor to its cause.
func (d *Document) DeleteChar() error {
	if d.cursor.IsControl() {
		return ErrNoAtomToDelete
	}
	if _, _, err := d.tree.AddAtom(Delete(), d.cursor, 0); err != nil {
		return err
	}
	d.fixDeletedCursor()
	return nil
}

// DeleteCharAt deletes the i-th visible char.
func (d *Document) DeleteCharAt(i int) error {
	if i < 0 {
		return fmt.Errorf("%w: %d", ErrCursorOutOfRange, i)
	}
	if err := d.SetCursor(i); err != nil {
		return err
	}
	return d.DeleteChar()
}

// Apply executes an edit script computed against the document's current content. Deletes and
// keeps refer to the visible chars at the time Apply is called, and each run of inserts is
// caused by the char preceding it in the script. The cursor is left after the last kept or
// inserted char. A script that doesn't match the content is rejected without changing the
// document.
func (d *Document) Apply(ops []diff.Operation) error {
	atoms := visibleAtoms(d.tree.Weave())
	if err := checkScript(atoms, ops); err != nil {
		return err
	}
	prev := crdt.StartAtomID
	var k int
	for _, op := range ops {
		switch op.Op {
		case diff.Keep:
			prev = atoms[k].ID
			k++
		case diff.Insert:
			id, _, err := d.tree.AddAtom(Insert(op.Char), prev, 0)
			if err != nil {
				return fmt.Errorf("%v at %d: %w", op, k, err)
			}
			prev = id
		case diff.Delete:
			if _, _, err := d.tree.AddAtom(Delete(), atoms[k].ID, 0); err != nil {
				return fmt.Errorf("%v at %d: %w", op, k, err)
			}
			k++
		}
	}
	d.cursor = prev
	return nil
}

// Verifies that keeps and deletes in the script spell the visible chars.
func checkScript(atoms []crdt.Atom[Op], ops []diff.Operation) error {
	var k int
	for _, op := range ops {
		if op.Op == diff.Insert {
			continue
		}
		if k >= len(atoms) {
			return fmt.Errorf("%w: %v at %d", ErrCursorOutOfRange, op, k)
		}
		if ch := atoms[k].Value.Char; ch != op.Char {
			return fmt.Errorf("%w: %v at %d, found %c", ErrScriptMismatch, op, k, ch)
		}
		k++
	}
	return nil
}

// SetText edits the document so that its content becomes s, with the least number of inserts
// and deletes.
func (d *Document) SetText(s string) error {
	ops, err := diff.Diff(d.String(), s)
	if err != nil {
		return err
	}
	return d.Apply(ops)
}

// +-------------+
// | Replication |
// +-------------+

// Fork registers a new site in the document, and returns a copy owned by it. The copy keeps the
// cursor position.
func (d *Document) Fork(owner uuid.UUID) (*Document, error) {
	tree, err := d.tree.Fork(owner)
	if err != nil {
		return nil, err
	}
	return &Document{tree: tree, cursor: d.cursor}, nil
}

// Merge integrates the edits of a remote document. If the char under the cursor was deleted
// remotely, the cursor is moved to its closest visible ancestor.
func (d *Document) Merge(remote *Document) error {
	remap, err := d.tree.Integrate(remote.tree)
	if err != nil {
		return err
	}
	d.cursor = d.cursor.Remap(remap)
	d.fixDeletedCursor()
	return nil
}

// +-------------+
// | Time travel |
// +-------------+

// StringAt returns the document's content as it was at the given weft. A nil weft is the current
// one.
func (d *Document) StringAt(weft crdt.Weft) (string, error) {
	weave, err := d.tree.WeaveAt(weft)
	if err != nil {
		return "", err
	}
	return Visible(weave), nil
}

// ViewAt returns a read-only view of the document at the given weft, or at the current one if it's
// nil. The cursor is kept if the char under it is part of the view and still visible.
func (d *Document) ViewAt(weft crdt.Weft) (*Document, error) {
	tree, err := d.tree.Revision(weft)
	if err != nil {
		return nil, err
	}
	view := &Document{tree: tree, cursor: crdt.StartAtomID}
	if _, ok := tree.Atom(d.cursor); ok {
		view.cursor = d.cursor
		view.fixDeletedCursor()
	}
	return view, nil
}

// +------------+
// | Conversion |
// +------------+

func visibleAtoms(weave crdt.AtomsSlice[Op]) []crdt.Atom[Op] {
	var atoms []crdt.Atom[Op]
	for i, atom := range weave.All() {
		if atom.Value.Kind == KindInsert && !isDeleted(weave, i) {
			atoms = append(atoms, atom)
		}
	}
	return atoms
}

// Visible interprets a weave as a sequence of chars, skipping deleted ones.
func Visible(weave crdt.AtomsSlice[Op]) string {
	atoms := visibleAtoms(weave)
	chars := make([]rune, len(atoms))
	for i, atom := range atoms {
		chars[i] = atom.Value.Char
	}
	return string(chars)
}

// String returns the current text of a tree.
func String(tree *crdt.CausalTree[Op]) string {
	return Visible(tree.Weave())
}
