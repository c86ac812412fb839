/*
Package crdt provides primitives to operate on replicated data types.

Replicated data types are structured such that they can be copied across multiple sites
in a distributed environment, mutated independently at each site, and they still may be
merged back without conflicts.

This implementation is based on the Causal Tree structure proposed by Victor Grishchenko [1],
following the excellent explanation by Archagon [2].

[1]: GRISCHENKO, VICTOR. Causal trees: towards real-time read-write hypertext.
[2]: http://archagon.net/blog/2018/03/24/data-laced-with-history/
*/
package crdt

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"math"
	"unsafe"

	"github.com/google/uuid"
)

/*
In a causal tree, each operation on the data structure is represented by an atom, which
has a single other atom as its cause, thus creating a tree shape.
When inserting a char, for example, its cause is the char to its left.

  # BEGIN ASCII ART

  T <- H <- I <- S <- _ <- I <- S <- _ <- N <- I <- C <- E
                                     ^
                                     '-- V <- E <- R <- Y <- _

  # END ASCII ART
  # ALT TEXT: Sequence of letters with arrows between them, representing atoms and their causes.
              In the first line it reads "THIS_IS_NICE", and in the second the string "VERY_" points
              to the space after "IS". This represents an insertion, thus the whole tree should be
              read as "THIS_IS_VERY_NICE".

Instead of using a pointer to reference the causing operation, references simply hold an atom
ID containing the origin site and the atom's index within that site's yarn.

Atoms are stored in yarns, one per site, which are append-only and give O(1) access to any atom
by its ID. The weave, which reads like the structure being represented, is derived from the yarns
and cached until the next mutation.

Every tree has two control atoms owned by site 0: the start atom, root of all others, and the end
atom, which always closes the weave.
*/

var (
	uuidv1 = randomUUIDv1 // Stubbed for mocking in mocks_test.go
)

// CausalTree is a replicated tree data structure.
//
// This data structure allows for 64K sites and 4G atoms per site. It's not safe for concurrent
// use: mutations must be serialized by the caller, and readers that need to observe the tree
// while it's mutated should work on a Clone or on a previously taken AtomsSlice.
type CausalTree[V Value] struct {
	// Sitemap of all sites known to this tree.
	sites *SiteMap
	// Atoms grouped by the site that created them.
	yarns yarns[V]
	// Local ID of this tree's site.
	owner SiteID
	// Lamport timestamp of this tree.
	clock uint32
	// Counter of structural mutations.
	version uint64
	// Cached weave, valid while weaveVersion == version.
	weave        []Atom[V]
	weaveVersion uint64

	logger *slog.Logger
}

// Option configures a CausalTree.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger for tree operations. By default nothing is logged.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func newOptions(opts []Option) options {
	o := options{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New creates an initialized empty replicated tree owned by the given site, with the provided
// starting Lamport timestamp.
func New[V Value](owner uuid.UUID, clock uint32, opts ...Option) (*CausalTree[V], error) {
	o := newOptions(opts)
	sites := NewSiteMap()
	site, err := sites.AddUUID(owner)
	if err != nil {
		return nil, err
	}
	var zero V
	ys := make(yarns[V], sites.Len())
	ys[ControlSite] = []Atom[V]{
		{ID: StartAtomID, Cause: NullAtomID, Value: zero},
		{ID: EndAtomID, Cause: StartAtomID, Value: zero},
	}
	return &CausalTree[V]{
		sites:  sites,
		yarns:  ys,
		owner:  site,
		clock:  clock,
		logger: o.logger,
	}, nil
}

// NewSiteID returns a new random site UUID.
func NewSiteID() uuid.UUID { return uuidv1() }

// +----------+
// | Accessors |
// +----------+

// Owner returns the UUID and local ID of the site that performs local operations.
func (t *CausalTree[V]) Owner() (uuid.UUID, SiteID) {
	return t.sites.UUID(t.owner), t.owner
}

// Clock returns the tree's Lamport timestamp.
func (t *CausalTree[V]) Clock() uint32 { return t.clock }

// Version returns the number of structural mutations applied to this tree.
// Derived views compare it to know whether they're stale.
func (t *CausalTree[V]) Version() uint64 { return t.version }

// Sites returns a copy of the tree's sitemap.
func (t *CausalTree[V]) Sites() *SiteMap { return t.sites.Clone() }

// SiteOf returns the local ID of a site.
func (t *CausalTree[V]) SiteOf(id uuid.UUID) (SiteID, bool) { return t.sites.Lookup(id) }

// Len returns the number of atoms in the tree, including control atoms.
func (t *CausalTree[V]) Len() int { return t.yarns.size() }

// Atom returns the atom with the given ID.
//
// Time complexity: O(1)
func (t *CausalTree[V]) Atom(id AtomID) (Atom[V], bool) { return t.yarns.get(id) }

// Now returns the weft including every atom in the tree.
func (t *CausalTree[V]) Now() Weft { return t.yarns.weft() }

// Returns the cached weave, rebuilding it if it's stale.
//
// Time complexity: O(1), or O(atoms * log(avg. siblings)) after a merge
func (t *CausalTree[V]) currentWeave() []Atom[V] {
	if t.weave == nil || t.weaveVersion != t.version {
		t.weave = buildWeave(t.yarns, nil)
		t.weaveVersion = t.version
	}
	return t.weave
}

// +------------+
// | Operations |
// +------------+

// AddAtom appends an atom with the given value to the owner's yarn, caused by another atom, and
// returns its ID and position in the weave.
//
// The new atom's timestamp is one past the largest of the tree's clock and the provided one.
//
// Time complexity: O(atoms)
func (t *CausalTree[V]) AddAtom(value V, cause AtomID, clock uint32) (AtomID, int, error) {
	id, index, err := t.addAtom(value, cause, clock)
	if err != nil {
		t.logger.Debug("rejected atom", "cause", cause, "value", value, "error", err)
	}
	return id, index, err
}

func (t *CausalTree[V]) addAtom(value V, cause AtomID, clock uint32) (AtomID, int, error) {
	causeAtom, ok := t.yarns.get(cause)
	if !ok {
		return NullAtomID, -1, fmt.Errorf("%w: %v", ErrUnknownCause, cause)
	}
	if cause == EndAtomID || (cause != StartAtomID && causeAtom.Value.Childless()) {
		return NullAtomID, -1, fmt.Errorf("%w: %v", ErrChildless, cause)
	}
	if ref := value.Reference(); !ref.IsNull() && !t.yarns.contains(ref) {
		return NullAtomID, -1, fmt.Errorf("%w: %v", ErrUnknownReference, ref)
	}
	timestamp := max(t.clock, clock)
	if timestamp == math.MaxUint32 {
		// Overflow
		return NullAtomID, -1, ErrStateLimitExceeded
	}
	timestamp++
	yarn := t.yarns[t.owner]
	if len(yarn) >= math.MaxUint32 {
		return NullAtomID, -1, ErrStateLimitExceeded
	}
	atom := Atom[V]{
		ID:        AtomID{Site: t.owner, Index: uint32(len(yarn))},
		Cause:     cause,
		Timestamp: timestamp,
		Value:     value,
	}
	weave := t.currentWeave()
	index := insertionIndex(weave, atom, atomIndex(weave, cause))
	t.yarns[t.owner] = append(yarn, atom)
	t.clock = timestamp
	t.version++
	t.weave = insertAtom(weave, atom, index)
	t.weaveVersion = t.version
	return atom.ID, index, nil
}

// ChangeOwner sets the site that performs subsequent local operations, adding it to the sitemap
// if necessary. Existing atoms are not modified.
func (t *CausalTree[V]) ChangeOwner(owner uuid.UUID) error {
	site, err := t.addSite(owner)
	if err != nil {
		return err
	}
	t.owner = site
	return nil
}

func (t *CausalTree[V]) addSite(id uuid.UUID) (SiteID, error) {
	site, err := t.sites.AddUUID(id)
	if err != nil {
		return 0, err
	}
	for len(t.yarns) < t.sites.Len() {
		t.yarns = append(t.yarns, nil)
		t.version++
	}
	return site, nil
}

// Fork registers a new site in this tree, and returns a copy owned by it.
//
// Time complexity: O(sites)
func (t *CausalTree[V]) Fork(owner uuid.UUID) (*CausalTree[V], error) {
	if _, ok := t.sites.Lookup(owner); ok {
		return nil, fmt.Errorf("%w: site %v is already known", ErrSiteIdentityConflict, owner)
	}
	site, err := t.addSite(owner)
	if err != nil {
		return nil, err
	}
	remote := t.Clone()
	remote.owner = site
	return remote, nil
}

// Clone returns an independent copy of this tree. Atoms are shared between both trees, and
// mutations in either one are not visible in the other.
//
// Time complexity: O(sites)
func (t *CausalTree[V]) Clone() *CausalTree[V] {
	return &CausalTree[V]{
		sites:        t.sites.Clone(),
		yarns:        t.yarns.clone(),
		owner:        t.owner,
		clock:        t.clock,
		version:      t.version,
		weave:        t.weave,
		weaveVersion: t.weaveVersion,
		logger:       t.logger,
	}
}

// +-------+
// | Merge |
// +-------+

// Integrate merges the atoms of a remote tree into this one, returning how this tree's sites were
// renumbered.
//
// The remote tree is not modified. Atoms are identified by their site and index, so atoms that
// are already present are not duplicated, and existing yarns are only extended. If the remote
// tree is inconsistent with this one, an error is returned and this tree is left untouched.
//
// Time complexity: O(atoms * log(avg. siblings) + sites)
func (t *CausalTree[V]) Integrate(remote *CausalTree[V]) (RemapTable, error) {
	if remote == t {
		return RemapTable{}, nil
	}
	if len(remote.yarns) != remote.sites.Len() {
		return nil, violation(NullAtomID, "remote has %d yarns for %d sites", len(remote.yarns), remote.sites.Len())
	}
	// 1. Merge sitemaps.
	// Time complexity: O(sites)
	sites := t.sites.Clone()
	localRemap, remoteRemap, err := sites.Integrate(remote.sites)
	if err != nil {
		return nil, err
	}

	// 2. Remap atoms from local.
	// Time complexity: O(atoms)
	merged := t.yarns.remap(localRemap, sites.Len())
	oldLens := make([]int, len(merged))
	for i, yarn := range merged {
		oldLens[i] = len(yarn)
	}

	// 3. Merge yarns.
	// Time complexity: O(atoms)
	for i, yarn := range remote.yarns {
		site := remoteRemap.Get(SiteID(i))
		local := merged[site]
		n := min(len(local), len(yarn))
		for k := 0; k < n; k++ {
			l, r := local[k], yarn[k]
			if l.Timestamp != r.Timestamp || l.Cause != r.Cause.Remap(remoteRemap) {
				return nil, fmt.Errorf("%w: atom %v differs between trees: %v != %v",
					ErrSiteIdentityConflict, l.ID, l, r.remapSite(remoteRemap))
			}
		}
		for k := len(local); k < len(yarn); k++ {
			local = append(local, yarn[k].remapSite(remoteRemap))
		}
		merged[site] = local
	}

	// 4. Check new atoms.
	// Time complexity: O(new atoms)
	var added int
	for i, yarn := range merged {
		for k := oldLens[i]; k < len(yarn); k++ {
			if err := checkAtom(merged, SiteID(i), k); err != nil {
				return nil, err
			}
			added++
		}
	}

	// Commit.
	changed := added > 0 || len(localRemap) > 0 || sites.Len() != t.sites.Len()
	t.sites = sites
	t.yarns = merged
	t.owner = localRemap.Get(t.owner)
	t.clock = max(t.clock, remote.clock)
	if changed {
		// 5. Weave is recomputed lazily.
		t.version++
	}
	t.logger.Debug("integrated tree",
		"sites", sites.Len(), "added", added, "remapped", len(localRemap), "clock", t.clock)
	return localRemap, nil
}

// Checks that the k-th atom of a yarn is consistent with the others.
func checkAtom[V Value](ys yarns[V], site SiteID, k int) error {
	atom := ys[site][k]
	if atom.ID != (AtomID{Site: site, Index: uint32(k)}) {
		return violation(atom.ID, "atom stored at position %d of yarn %d", k, site)
	}
	if site == ControlSite {
		return violation(atom.ID, "control site may only contain start and end atoms")
	}
	cause, ok := ys.get(atom.Cause)
	if !ok {
		return violation(atom.ID, "cause %v is not present", atom.Cause)
	}
	if atom.Cause == EndAtomID || (atom.Cause != StartAtomID && cause.Value.Childless()) {
		return violation(atom.ID, "cause %v is childless", atom.Cause)
	}
	if atom.Timestamp <= cause.Timestamp {
		return violation(atom.ID, "timestamp %d is not after cause's timestamp %d", atom.Timestamp, cause.Timestamp)
	}
	if ref := atom.Value.Reference(); !ref.IsNull() && !ys.contains(ref) {
		return violation(atom.ID, "reference %v is not present", ref)
	}
	return nil
}

// +------------+
// | Validation |
// +------------+

// Validate checks the tree's structural invariants, returning a *ValidationError if any of them
// is broken:
//
//   - the sitemap is consistent, and there's one yarn per site;
//   - the control atoms are present and unchanged;
//   - every yarn is dense, with atoms stored at their own index;
//   - every cause and reference is present in the tree;
//   - childless atoms have no children, and timestamps increase from cause to child;
//   - the weave contains every atom exactly once.
//
// Time complexity: O(atoms * log(avg. siblings))
func (t *CausalTree[V]) Validate() error {
	if err := t.sites.Validate(); err != nil {
		return err
	}
	if len(t.yarns) != t.sites.Len() {
		return violation(NullAtomID, "%d yarns for %d sites", len(t.yarns), t.sites.Len())
	}
	if t.owner == ControlSite || int(t.owner) >= len(t.yarns) {
		return violation(NullAtomID, "invalid owner site %d", t.owner)
	}
	control := t.yarns[ControlSite]
	if len(control) != 2 ||
		control[0].ID != StartAtomID || control[0].Cause != NullAtomID ||
		control[1].ID != EndAtomID || control[1].Cause != StartAtomID {
		return violation(NullAtomID, "missing control atoms")
	}
	for i, yarn := range t.yarns {
		if i == int(ControlSite) {
			continue
		}
		for k, atom := range yarn {
			if err := checkAtom(t.yarns, SiteID(i), k); err != nil {
				return err
			}
			if atom.Timestamp > t.clock {
				return violation(atom.ID, "timestamp %d is ahead of tree clock %d", atom.Timestamp, t.clock)
			}
		}
	}
	weave := buildWeave(t.yarns, nil)
	if n := t.yarns.size(); len(weave) != n {
		return violation(NullAtomID, "weave has %d atoms, want %d", len(weave), n)
	}
	if t.weave != nil && t.weaveVersion == t.version {
		for i, atom := range t.weave {
			if atom.ID != weave[i].ID {
				return violation(atom.ID, "cached weave diverges at index %d from %v", i, weave[i].ID)
			}
		}
	}
	return nil
}

// +-------+
// | Views |
// +-------+

// Weave returns the atoms in the tree's total order.
//
// Time complexity: O(1), or O(atoms * log(avg. siblings)) after a merge
func (t *CausalTree[V]) Weave() AtomsSlice[V] {
	return newSlice(t, t.currentWeave())
}

// WeaveAt returns the atoms included by the weft in the tree's total order.
// A nil weft includes every atom, while an empty one includes none.
//
// Time complexity: O(atoms)
func (t *CausalTree[V]) WeaveAt(weft Weft) (AtomsSlice[V], error) {
	limits, err := t.checkWeft(weft)
	if err != nil {
		return AtomsSlice[V]{}, err
	}
	return newSlice(t, filterWeave(t.currentWeave(), limits)), nil
}

// Operations returns the sequence of atoms in weave order.
func (t *CausalTree[V]) Operations() iter.Seq[Atom[V]] {
	return t.Weave().Values()
}

// Yarn returns the atoms created by a site, in order of creation.
// An unknown site has an empty yarn.
func (t *CausalTree[V]) Yarn(site SiteID) AtomsSlice[V] {
	if int(site) >= len(t.yarns) {
		return newSlice[V](t, nil)
	}
	return newSlice(t, t.yarns[site])
}

// YarnAt returns the atoms created by a site that are included by the weft.
// A nil weft includes the whole yarn.
func (t *CausalTree[V]) YarnAt(site SiteID, weft Weft) (AtomsSlice[V], error) {
	limits, err := t.checkWeft(weft)
	if err != nil {
		return AtomsSlice[V]{}, err
	}
	if int(site) >= len(t.yarns) {
		return newSlice[V](t, nil), nil
	}
	return newSlice(t, t.yarns[site][:limits.Get(site)+1]), nil
}

// CausalBlock returns the range [start, end) in the weave that contains the atom and all of its
// descendants.
//
// Time complexity: O(atoms)
func (t *CausalTree[V]) CausalBlock(id AtomID) (int, int, error) {
	weave := t.currentWeave()
	i := atomIndex(weave, id)
	if i < 0 {
		return 0, 0, fmt.Errorf("%w: %v", ErrUnknownAtom, id)
	}
	return i, i + causalBlockSize(weave[i:]), nil
}

// CheckWeft checks that the weft is well-formed for this tree, not disconnecting atoms from their
// causes in other sites. A nil weft is the tree's current weft.
func (t *CausalTree[V]) CheckWeft(weft Weft) error {
	_, err := t.checkWeft(weft)
	return err
}

// Returns the weft clamped to existing atoms and always including control atoms.
// A nil weft stands for Now.
//
// Time complexity: O(atoms)
func (t *CausalTree[V]) checkWeft(weft Weft) (Weft, error) {
	if weft == nil {
		return t.yarns.weft(), nil
	}
	limits := NewWeft()
	for site, index := range weft {
		if int(site) >= len(t.yarns) {
			return nil, fmt.Errorf("%w: S%d", ErrWeftUnknownSite, site)
		}
		limits.Update(site, min(index, len(t.yarns[site])-1))
	}
	limits.Update(ControlSite, len(t.yarns[ControlSite])-1)
	// Verify that all causes are present at the weft cut.
	for i, yarn := range t.yarns {
		for _, atom := range yarn[:limits.Get(SiteID(i))+1] {
			if !limits.Includes(atom.Cause) {
				return nil, fmt.Errorf("%w: %v is caused by %v", ErrWeftDisconnected, atom.ID, atom.Cause)
			}
		}
	}
	return limits, nil
}

func filterWeave[V Value](weave []Atom[V], weft Weft) []Atom[V] {
	filtered := make([]Atom[V], 0, len(weave))
	for _, atom := range weave {
		if weft.Includes(atom.ID) {
			filtered = append(filtered, atom)
		}
	}
	return filtered
}

// Revision returns a copy of the tree as it was in the provided weft, or a full copy if the weft
// is nil.
//
// Time complexity: O(atoms + sites)
func (t *CausalTree[V]) Revision(weft Weft) (*CausalTree[V], error) {
	limits, err := t.checkWeft(weft)
	if err != nil {
		return nil, err
	}
	ys := make(yarns[V], len(t.yarns))
	var clock uint32
	for i, yarn := range t.yarns {
		n := limits.Get(SiteID(i)) + 1
		ys[i] = yarn[:n:n]
		for _, atom := range ys[i] {
			clock = max(clock, atom.Timestamp)
		}
	}
	return &CausalTree[V]{
		sites:  t.sites.Clone(),
		yarns:  ys,
		owner:  t.owner,
		clock:  clock,
		weave:  filterWeave(t.currentWeave(), limits),
		logger: t.logger,
	}, nil
}

// Superset returns whether this tree contains every atom of the other tree.
// Sites are compared by their UUIDs, so trees don't need to share the same local IDs.
//
// Time complexity: O(sites)
func (t *CausalTree[V]) Superset(other *CausalTree[V]) bool {
	for i, yarn := range other.yarns {
		if len(yarn) == 0 {
			continue
		}
		site, ok := t.sites.Lookup(other.sites.UUID(SiteID(i)))
		if !ok || len(t.yarns[site]) < len(yarn) {
			return false
		}
	}
	return true
}

// SizeInBytes returns an estimate of the memory used by this tree. It's advisory only, and not
// related to any encoding size.
func (t *CausalTree[V]) SizeInBytes() int {
	atomSize := int(unsafe.Sizeof(Atom[V]{}))
	size := int(unsafe.Sizeof(*t))
	size += t.sites.Len() * int(unsafe.Sizeof(SiteEntry{})+unsafe.Sizeof(SiteID(0)))
	size += len(t.yarns) * int(unsafe.Sizeof([]Atom[V]{}))
	size += t.yarns.size() * atomSize
	if t.weaveVersion == t.version {
		size += len(t.weave) * atomSize
	}
	return size
}

// MarshalJSON dumps the tree's snapshot, for debugging.
func (t *CausalTree[V]) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Snapshot())
}

// +-----------+
// | Utilities |
// +-----------+

// Provides a random MAC address.
func randomMAC() []byte {
	mac := make([]byte, 6)
	if _, err := io.ReadFull(rand.Reader, mac); err != nil {
		panic(err.Error())
	}
	return mac
}

// Create UUIDv1, using local timestamp as lower bits and random MAC.
func randomUUIDv1() uuid.UUID {
	uuid.SetNodeID(randomMAC())
	id, err := uuid.NewUUID()
	if err != nil {
		panic(fmt.Sprintf("creating UUIDv1: %v", err))
	}
	return id
}
