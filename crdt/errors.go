package crdt

import (
	"errors"
	"fmt"
)

// Errors returned by CausalTree operations
var (
	ErrSiteLimitExceeded    = errors.New("reached limit of sites: 2¹⁶ (65.536)")
	ErrStateLimitExceeded   = errors.New("reached limit of states: 2³² (4.294.967.296)")
	ErrReservedSite         = errors.New("site UUID is reserved for the control site")
	ErrUnknownCause         = errors.New("cause atom is not present in tree")
	ErrUnknownAtom          = errors.New("atom is not present in tree")
	ErrUnknownReference     = errors.New("referenced atom is not present in tree")
	ErrChildless            = errors.New("cause atom can't have children")
	ErrSiteIdentityConflict = errors.New("conflicting site identities")
	ErrStructuralViolation  = errors.New("structural violation")
	ErrWeftDisconnected     = errors.New("weft disconnects some atom from its cause")
	ErrWeftUnknownSite      = errors.New("weft references a site that is not present in tree")
	ErrStaleSlice           = errors.New("tree was mutated after slice was taken")
)

// ValidationError describes a broken invariant found by Validate.
//
// It wraps ErrStructuralViolation, so errors.Is(err, ErrStructuralViolation) holds.
type ValidationError struct {
	// Reason is a human-readable description of the violation.
	Reason string
	// Atom is the offending atom, or NullAtomID if the violation isn't about a single atom.
	Atom AtomID
}

func (e *ValidationError) Error() string {
	if e.Atom.IsNull() {
		return fmt.Sprintf("%v: %s", ErrStructuralViolation, e.Reason)
	}
	return fmt.Sprintf("%v: %v: %s", ErrStructuralViolation, e.Atom, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrStructuralViolation }

func violation(id AtomID, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...), Atom: id}
}
