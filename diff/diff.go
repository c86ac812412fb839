// Package diff computes the shortest sequence of char insertions and deletions that transforms
// one string into another.
package diff

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrInvalidUTF8 is returned when an input is not a valid UTF-8 string.
var ErrInvalidUTF8 = errors.New("not a valid utf8 string")

// OpType is the kind of edit operation.
type OpType int

// Edit operations.
const (
	Keep OpType = iota
	Insert
	Delete
)

func (t OpType) String() string {
	switch t {
	case Keep:
		return "keep"
	case Insert:
		return "insert"
	case Delete:
		return "delete"
	}
	return fmt.Sprintf("OpType(%d)", int(t))
}

// Operation is a single step of an edit script.
type Operation struct {
	Op   OpType
	Char rune
	// Dist is the edit distance from this step until the end of the script.
	Dist int
}

func (op Operation) String() string {
	return fmt.Sprintf("%v(%c)", op.Op, op.Char)
}

// Example: abcd -> xabdy
//           s1      s2
//
// Legend:
//   ix = insert(x)
//   ka = keep(a)
//   dc = delete(c)
//
//          xabdy   xabdy   xabdy   xabdy   xabdy   xabdy
//  s1\s2   ^        ^        ^        ^        ^        ^
//        +-------+-------+-------+-------+-------+-------+
//        |       |       |       |       |       |       |
//  abcd  | ix 3  < ka 2  | da 3  | da 4  | iy 5  < da 4  |
//  ^     |       |      \|       |       |       |       |
//        +-------+-------+---^---+---^---+-------+---^---+
//        |       |       |       |       |       |       |
//  abcd  | ix 4  < ia 3  < kb 2  | db 3  | iy 4  < db 3  |
//   ^    |       |       |      \|       |       |       |
//        +-------+-------+-------+---^---+-------+---^---+
//        |       |       |       |       |       |       |
//  abcd  | ix 5  < ia 4  < ib 3  < dc 2  | iy 3  < dc 2  |
//    ^   |       |       |       |       |       |       |
//        +-------+-------+-------+---^---+-------+---^---+
//        |       |       |       |       |       |       |
//  abcd  | ix 4  < ia 3  < ib 2  < kd 1  | iy 2  < dd 1  |
//     ^  |       |       |       |      \|       |       |
//        +-------+-------+-------+-------+-------+---^---+
//        |       |       |       |       |       |       |
//  abcd  | ix 5  < ia 4  < ib 3  < id 2  < iy 1  < k0 0  |
//      ^ |       |       |       |       |       |       |
//        +-------+-------+-------+-------+-------+-------+

// Diff returns the sequence of keeps, insertions and deletions to transform s1 into s2.
func Diff(s1, s2 string) ([]Operation, error) {
	if !utf8.ValidString(s1) {
		return nil, fmt.Errorf("s1: %w", ErrInvalidUTF8)
	}
	if !utf8.ValidString(s2) {
		return nil, fmt.Errorf("s2: %w", ErrInvalidUTF8)
	}
	return Runes([]rune(s1), []rune(s2)), nil
}

// Runes returns the sequence of keeps, insertions and deletions to transform chars1 into chars2.
//
// Time complexity: O(m*n)
func Runes(chars1, chars2 []rune) []Operation {
	m, n := len(chars1), len(chars2)
	ops := make([]Operation, (m+1)*(n+1))
	coord := func(i, j int) int {
		return i*(n+1) + j
	}
	// Diff between s1 and an empty string: delete all chars
	for i, ch := range chars1 {
		ops[coord(i, n)] = Operation{Op: Delete, Char: ch, Dist: m - i}
	}
	// Diff between an empty string and s2: insert all chars
	for j, ch := range chars2 {
		ops[coord(m, j)] = Operation{Op: Insert, Char: ch, Dist: n - j}
	}
	// Compute all paths of operations that produce minimal edit distance.
	for i := m - 1; i >= 0; i-- {
		for j := n - 1; j >= 0; j-- {
			ch1, ch2 := chars1[i], chars2[j]
			if ch1 == ch2 {
				ops[coord(i, j)] = Operation{Op: Keep, Char: ch1, Dist: ops[coord(i+1, j+1)].Dist}
				continue
			}
			// Pick smallest dist between possible sequences, preferring insert on a tie.
			ins, del := ops[coord(i, j+1)], ops[coord(i+1, j)]
			if ins.Dist <= del.Dist {
				ops[coord(i, j)] = Operation{Op: Insert, Char: ch2, Dist: 1 + ins.Dist}
			} else {
				ops[coord(i, j)] = Operation{Op: Delete, Char: ch1, Dist: 1 + del.Dist}
			}
		}
	}
	// Build sequence of operations.
	var operations []Operation
	var i, j int
	for i < m || j < n {
		op := ops[coord(i, j)]
		operations = append(operations, op)
		switch op.Op {
		case Keep:
			i++
			j++
		case Insert:
			j++
		case Delete:
			i++
		}
	}
	return operations
}

// Distance returns the number of inserts and deletes to transform s1 into s2.
func Distance(s1, s2 string) (int, error) {
	operations, err := Diff(s1, s2)
	if err != nil {
		return 0, err
	}
	if len(operations) == 0 {
		return 0, nil
	}
	return operations[0].Dist, nil
}
