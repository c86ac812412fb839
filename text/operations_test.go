package text_test

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/brunokim/causaltree/text"
	"github.com/google/uuid"
)

// Tests are structured as a sequence of operations on a list of documents.
//
// This indirection allows us to perform some actions for every mutation, like
// dumping their internals to a file, and also allow us to fuzz document manipulation.
//
// Operations:
//
// insertChar <local> <char>         -- insert a char at cursor on doc 'local'.
// deleteChar <local>                -- delete the char at cursor on doc 'local'.
// setCursor <local> <pos>           -- set cursor at text-position 'pos' on doc 'local'
// insertCharAt <local> <char> <pos> -- insert a char at text-position 'pos' on doc 'local'
// deleteCharAt <local> <pos>        -- delete char at text-position 'pos' on doc 'local'
// fork <local> <remote>             -- fork doc 'local' into doc 'remote'.
// merge <local> <remote>            -- merge doc 'remote' into doc 'local'.
// check <local> <str>               -- check that the contents of 'local' spell 'str'.
//
// Documents are referred by their order of creation, NOT by their sitemap index.
// The fork operation requires specifying the correct remote index, even if it can be
// inferred from the number of already created documents, just to improve readability.
// 'text-position' refers to the position in the visible text, not in the weave.

type operationType int

const (
	insertChar operationType = iota
	deleteChar
	setCursor
	insertCharAt
	deleteCharAt
	fork
	merge
	check
)

var numBytes = map[operationType]int{
	insertChar:   3, // insertChar local char
	deleteChar:   2, // deleteChar local
	setCursor:    3, // setCursor local pos
	insertCharAt: 4, // insertCharAt local char pos
	deleteCharAt: 3, // deleteCharAt local pos
	fork:         2, // fork local
	merge:        3, // merge local remote
	//check is not encoded/decoded
}

type operation struct {
	op            operationType
	local, remote int
	char          rune
	pos           int
	str           string
}

func (op operation) String() string {
	switch op.op {
	case insertChar:
		return fmt.Sprintf("insert %c at doc #%d", op.char, op.local)
	case deleteChar:
		return fmt.Sprintf("delete char from doc #%d", op.local)
	case setCursor:
		return fmt.Sprintf("set cursor @ %d at doc #%d", op.pos, op.local)
	case insertCharAt:
		return fmt.Sprintf("insert %c @ %d at doc #%d", op.char, op.pos, op.local)
	case deleteCharAt:
		return fmt.Sprintf("delete char @ %d from doc #%d", op.pos, op.local)
	case fork:
		return fmt.Sprintf("fork doc #%d into doc #%d", op.local, op.remote)
	case merge:
		return fmt.Sprintf("merge doc #%d into doc #%d", op.remote, op.local)
	case check:
		return fmt.Sprintf("check doc #%d = %q", op.local, op.str)
	}
	return ""
}

func decodeOperation(bs []byte) (operation, int) {
	if len(bs) == 0 {
		return operation{}, 0
	}
	op := operationType(bs[0])
	n, ok := numBytes[op]
	if !ok || len(bs) < n {
		return operation{}, 0
	}
	toIndex := func(b byte) int { return int(b) }
	toChar := func(b byte) rune { return rune(b) + ' ' }
	toPos := func(b byte) int { return int(b) - 1 }
	result := operation{op: op, local: toIndex(bs[1])}
	switch op {
	case insertChar:
		result.char = toChar(bs[2])
	case deleteChar:
		// Do nothing
	case setCursor:
		result.pos = toPos(bs[2])
	case insertCharAt:
		result.char = toChar(bs[2])
		result.pos = toPos(bs[3])
	case deleteCharAt:
		result.pos = toPos(bs[2])
	case fork:
		// Do nothing
	case merge:
		result.remote = toIndex(bs[2])
	default:
		return operation{}, 0
	}
	return result, n
}

func decodeOperations(bs []byte) ([]operation, bool) {
	var ops []operation
	for len(bs) != 0 {
		op, n := decodeOperation(bs)
		if n == 0 {
			return nil, false
		}
		ops = append(ops, op)
		bs = bs[n:]
	}
	return ops, true
}

// -----

// Returns a predictable UUID for the i-th document.
func siteUUID(i int) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("%08x-8891-11ec-a04c-67855c00505b", i+1))
}

func setupTestFile(name string) (*os.File, error) {
	filename := fmt.Sprintf("testdata/%s.jsonl", name)
	baseDir := filepath.Dir(filename)
	os.MkdirAll(baseDir, 0777)
	return os.Create(filename)
}

// Execute sequence of operations dumping intermediate data structures into testdata.
//
// The i-th document is owned by uuids[i], if provided, or by siteUUID(i).
func testOperations(t *testing.T, ops []operation, uuids ...uuid.UUID) []*text.Document {
	t.Helper()
	must := func(i int, err error) {
		if err != nil {
			t.Fatalf("%d: %v: %v", i, ops[i], err)
		}
	}
	owner := func(i int) uuid.UUID {
		if i < len(uuids) {
			return uuids[i]
		}
		return siteUUID(i)
	}
	doc, err := text.NewDocument(owner(0))
	must(0, err)
	docs := []*text.Document{doc}
	f, err := setupTestFile(t.Name())
	if err != nil {
		t.Log(err)
	}
	for i, op := range ops {
		doc := docs[op.local]
		switch op.op {
		case insertChar:
			must(i, doc.InsertChar(op.char))
		case deleteChar:
			must(i, doc.DeleteChar())
		case setCursor:
			must(i, doc.SetCursor(op.pos))
		case insertCharAt:
			must(i, doc.InsertCharAt(op.char, op.pos))
		case deleteCharAt:
			must(i, doc.DeleteCharAt(op.pos))
		case fork:
			if op.remote != len(docs) {
				t.Fatalf("fork: expecting remote index %d, got %d", op.remote, len(docs))
			}
			remote, err := doc.Fork(owner(len(docs)))
			must(i, err)
			docs = append(docs, remote)
		case merge:
			must(i, doc.Merge(docs[op.remote]))
		case check:
			if s := doc.String(); s != op.str {
				t.Errorf("%d: got doc[%d] = %q, want %q", i, op.local, s, op.str)
			}
		}
		if op.op != check {
			if err := doc.Tree().Validate(); err != nil {
				t.Fatalf("%d: %v: invalid tree: %v", i, op, err)
			}
		}
		// Dump trees into testfile.
		if f != nil && op.op != check {
			trees := make([]any, len(docs))
			for j, d := range docs {
				trees[j] = d.Tree()
			}
			bs, err := json.Marshal(map[string]any{
				"Type":   "test",
				"Action": op.String(),
				"Sites":  trees,
			})
			if err != nil {
				t.Log(err)
				f.Close()
				f = nil
			} else {
				f.Write(bs)
				f.WriteString("\n")
			}
		}
	}
	if f != nil {
		f.Close()
	}
	return docs
}

// -----

// Execute list of operations, checking if they are well-formed.
func validateOperations(ops []operation) error {
	doc, err := text.NewDocument(siteUUID(0))
	if err != nil {
		return err
	}
	docs := []*text.Document{doc}
	for _, op := range ops {
		if op.local >= len(docs) {
			return fmt.Errorf("invalid local index %d (len: %d), op: %v", op.local, len(docs), op)
		}
		doc := docs[op.local]
		switch op.op {
		case insertChar:
			err = doc.InsertChar(op.char)
		case deleteChar:
			err = doc.DeleteChar()
		case setCursor:
			err = doc.SetCursor(op.pos)
		case insertCharAt:
			err = doc.InsertCharAt(op.char, op.pos)
		case deleteCharAt:
			err = doc.DeleteCharAt(op.pos)
		case fork:
			var remote *text.Document
			if remote, err = doc.Fork(siteUUID(len(docs))); err == nil {
				docs = append(docs, remote)
			}
		case merge:
			if op.remote >= len(docs) {
				return fmt.Errorf("invalid remote index %d (len: %d), op: %v", op.remote, len(docs), op)
			}
			err = doc.Merge(docs[op.remote])
		default:
			return fmt.Errorf("invalid op %v", op.op)
		}
		if err != nil {
			return fmt.Errorf("%v: %w", op, err)
		}
		if err := doc.Tree().Validate(); err != nil {
			return fmt.Errorf("%v: invalid tree: %w", op, err)
		}
	}
	return nil
}

// -----

// Make a document randomly, using some other sites to make it interesting.
func makeRandomDocument(size int, r *rand.Rand) (*text.Document, error) {
	const numDocs = 10
	// Create docs forking from docs[0]
	docs := make([]*text.Document, numDocs)
	doc, err := text.NewDocument(siteUUID(0))
	if err != nil {
		return nil, err
	}
	docs[0] = doc
	for i := 1; i < numDocs; i++ {
		d, err := docs[0].Fork(siteUUID(i))
		if err != nil {
			return nil, err
		}
		docs[i] = d
	}
	n := 0
	for n < size {
		// Pick a random doc.
		i := r.Intn(numDocs)
		d := docs[i]
		if i > 0 {
			if err := d.Merge(docs[0]); err != nil {
				return nil, err
			}
		}
		// Insert or deletes 2-5 chars at doc.
		// 40%: inserts char at random.
		// 40%: inserts char at cursor.
		// 10%: deletes char at random.
		// 10%: deletes char at cursor.
		numEdits := 2 + r.Intn(4)
		for j := 0; j < numEdits; j++ {
			ch := rune(i) + 'a'
			var err error
			p := r.Float64()
			if p < 0.4 {
				pos := r.Intn(n+1) - 1 // pos in [-1,n)
				err = d.InsertCharAt(ch, pos)
				n++
			} else if p < 0.8 {
				err = d.InsertChar(ch)
				n++
			} else if p < 0.9 && n > 0 {
				pos := r.Intn(n)
				err = d.DeleteCharAt(pos)
				n--
			} else if !d.Cursor().IsControl() {
				err = d.DeleteChar()
				n--
			}
			if err != nil {
				return nil, err
			}
		}
		if i > 0 {
			if err := docs[0].Merge(d); err != nil {
				return nil, err
			}
		}
	}
	return docs[0], nil
}
