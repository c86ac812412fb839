// Package text implements a collaborative plain-text document on top of a causal tree.
//
// Each char is an insert atom caused by the char to its left, and a char is deleted by adding a
// delete atom as its child. Deletes have the highest priority, so they always immediately follow
// the char they delete in the weave.
package text

import (
	"encoding/json"
	"fmt"

	"github.com/brunokim/causaltree/crdt"
	"github.com/fxamacker/cbor/v2"
)

// Kind discriminates text operations.
type Kind uint8

// Text operation kinds. The zero value is the default carried by control atoms.
const (
	KindNone Kind = iota
	KindInsert
	KindDelete
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInsert:
		return "insert"
	case KindDelete:
		return "delete"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Op is a text operation.
type Op struct {
	Kind Kind
	// Char inserted in the document, for inserts.
	Char rune
}

// Insert returns the operation that inserts a char to the right of its cause.
func Insert(ch rune) Op { return Op{Kind: KindInsert, Char: ch} }

// Delete returns the operation that deletes its cause.
func Delete() Op { return Op{Kind: KindDelete} }

// AtomPriority places deletes before any other sibling.
func (op Op) AtomPriority() int {
	if op.Kind == KindDelete {
		return 100
	}
	return 0
}

// Childless returns whether op is a delete.
func (op Op) Childless() bool { return op.Kind == KindDelete }

// Reference returns NullAtomID, since text operations don't point to other atoms.
func (op Op) Reference() crdt.AtomID { return crdt.NullAtomID }

func (op Op) String() string {
	switch op.Kind {
	case KindInsert:
		return string([]rune{op.Char})
	case KindDelete:
		return "⌫"
	}
	return "∅"
}

func (op Op) MarshalJSON() ([]byte, error) {
	switch op.Kind {
	case KindInsert:
		return json.Marshal(fmt.Sprintf("insert %c", op.Char))
	case KindDelete:
		return []byte(`"delete"`), nil
	}
	return []byte(`null`), nil
}

// +-------+
// | Codec |
// +-------+

// OpCodec encodes text operations as a tag and a payload: the tag is the op's Kind, and the
// payload is the inserted char as a CBOR integer.
type OpCodec struct{}

// EncodeValue returns the op's tag and payload.
func (OpCodec) EncodeValue(op Op) (uint8, []byte, error) {
	switch op.Kind {
	case KindNone, KindDelete:
		return uint8(op.Kind), nil, nil
	case KindInsert:
		payload, err := cbor.Marshal(op.Char)
		if err != nil {
			return 0, nil, err
		}
		return uint8(op.Kind), payload, nil
	}
	return 0, nil, fmt.Errorf("unknown op kind %v", op.Kind)
}

// DecodeValue builds an op from its tag and payload.
func (OpCodec) DecodeValue(tag uint8, payload []byte) (Op, error) {
	switch kind := Kind(tag); kind {
	case KindNone, KindDelete:
		if len(payload) > 0 {
			return Op{}, fmt.Errorf("unexpected payload for %v op", kind)
		}
		return Op{Kind: kind}, nil
	case KindInsert:
		var ch rune
		if err := cbor.Unmarshal(payload, &ch); err != nil {
			return Op{}, fmt.Errorf("decoding %v payload: %w", kind, err)
		}
		return Insert(ch), nil
	}
	return Op{}, fmt.Errorf("unknown op tag %d", tag)
}
