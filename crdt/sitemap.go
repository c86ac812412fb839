package crdt

import (
	"bytes"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
)

// SiteEntry is a site known to a tree: its global identifier, and the sitemap's Lamport clock
// when it was first added.
type SiteEntry struct {
	UUID  uuid.UUID
	Clock uint32
}

// Ascending according to clock (older first), then according to UUID bytes.
func (e SiteEntry) compare(other SiteEntry) int {
	if e.Clock < other.Clock {
		return -1
	}
	if e.Clock > other.Clock {
		return +1
	}
	return bytes.Compare(e.UUID[:], other.UUID[:])
}

// SiteMap is the bidirectional mapping between site UUIDs and their local IDs.
//
// Entries are kept sorted by their clock, and an entry's local ID is its position. Since a new
// site is stamped with a clock larger than all others, adding a site never renumbers existing
// ones. Merging two sitemaps may renumber sites, which is reported with remap tables.
// Two trees with the same set of sites always assign the same local IDs.
type SiteMap struct {
	entries []SiteEntry
	index   map[uuid.UUID]SiteID
	clock   uint32
}

// NewSiteMap returns a sitemap containing only the control site.
func NewSiteMap() *SiteMap {
	m := &SiteMap{entries: []SiteEntry{{UUID: uuid.Nil, Clock: 0}}}
	m.reindex()
	return m
}

func (m *SiteMap) reindex() {
	m.index = make(map[uuid.UUID]SiteID, len(m.entries))
	for i, e := range m.entries {
		m.index[e.UUID] = SiteID(i)
	}
}

// Len returns the number of sites, including the control site.
func (m *SiteMap) Len() int { return len(m.entries) }

// Clock returns the sitemap's Lamport clock.
func (m *SiteMap) Clock() uint32 { return m.clock }

// Lookup returns the local ID of a site.
//
// Time complexity: O(1)
func (m *SiteMap) Lookup(id uuid.UUID) (SiteID, bool) {
	site, ok := m.index[id]
	return site, ok
}

// UUID returns the global ID of a site, or uuid.Nil if it's not present.
func (m *SiteMap) UUID(site SiteID) uuid.UUID {
	if int(site) >= len(m.entries) {
		return uuid.Nil
	}
	return m.entries[site].UUID
}

// Entries returns a copy of the sitemap entries, ordered by local ID.
func (m *SiteMap) Entries() []SiteEntry {
	entries := make([]SiteEntry, len(m.entries))
	copy(entries, m.entries)
	return entries
}

// Clone returns an independent copy of the sitemap.
func (m *SiteMap) Clone() *SiteMap {
	clone := &SiteMap{
		entries: m.Entries(),
		index:   make(map[uuid.UUID]SiteID, len(m.index)),
		clock:   m.clock,
	}
	for id, site := range m.index {
		clone.index[id] = site
	}
	return clone
}

func (m *SiteMap) String() string {
	var sb strings.Builder
	sb.WriteString("SiteMap[")
	for i, e := range m.entries {
		if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%d:%s@%d", i, e.UUID, e.Clock)
	}
	fmt.Fprintf(&sb, "]@%d", m.clock)
	return sb.String()
}

// AddUUID returns the local ID of a site, adding it to the sitemap if necessary.
func (m *SiteMap) AddUUID(id uuid.UUID) (SiteID, error) {
	if id == uuid.Nil {
		return 0, ErrReservedSite
	}
	if site, ok := m.index[id]; ok {
		return site, nil
	}
	if len(m.entries) >= math.MaxUint16 {
		return 0, ErrSiteLimitExceeded
	}
	if m.clock == math.MaxUint32 {
		return 0, ErrStateLimitExceeded
	}
	m.clock++
	site := SiteID(len(m.entries))
	m.entries = append(m.entries, SiteEntry{UUID: id, Clock: m.clock})
	m.index[id] = site
	return site, nil
}

// +-------+
// | Merge |
// +-------+

// Integrate merges the other sitemap into this one, returning the remap tables for both
// previous local ID spaces into the merged one.
//
// The other sitemap is not modified. If the sitemaps are inconsistent, this sitemap is also
// left untouched.
//
// Time complexity: O(sites)
func (m *SiteMap) Integrate(other *SiteMap) (local, remote RemapTable, err error) {
	if err := other.Validate(); err != nil {
		return nil, nil, fmt.Errorf("remote sitemap: %w", err)
	}
	s1, s2 := m.entries, other.entries
	merged := make([]SiteEntry, 0, len(s1)+len(s2))
	local, remote = make(RemapTable), make(RemapTable)
	var i, j int
	for i < len(s1) && j < len(s2) {
		e1, e2 := s1[i], s2[j]
		order := e1.compare(e2)
		if order < 0 {
			local.set(SiteID(i), SiteID(len(merged)))
			merged = append(merged, e1)
			i++
		} else if order > 0 {
			remote.set(SiteID(j), SiteID(len(merged)))
			merged = append(merged, e2)
			j++
		} else {
			local.set(SiteID(i), SiteID(len(merged)))
			remote.set(SiteID(j), SiteID(len(merged)))
			merged = append(merged, e1)
			i++
			j++
		}
	}
	for ; i < len(s1); i++ {
		local.set(SiteID(i), SiteID(len(merged)))
		merged = append(merged, s1[i])
	}
	for ; j < len(s2); j++ {
		remote.set(SiteID(j), SiteID(len(merged)))
		merged = append(merged, s2[j])
	}
	if len(merged) > math.MaxUint16 {
		return nil, nil, ErrSiteLimitExceeded
	}
	// The same UUID stamped with different clocks would be kept twice.
	seen := make(map[uuid.UUID]uint32, len(merged))
	for _, e := range merged {
		if clock, ok := seen[e.UUID]; ok {
			return nil, nil, fmt.Errorf("%w: site %v added at clocks %d and %d", ErrSiteIdentityConflict, e.UUID, clock, e.Clock)
		}
		seen[e.UUID] = e.Clock
	}
	// Commit.
	m.entries = merged
	if m.clock < other.clock {
		m.clock = other.clock
	}
	m.reindex()
	return local, remote, nil
}

// +------------+
// | Validation |
// +------------+

// Validate checks the sitemap invariants: the control site is the first entry, entries are
// strictly ordered, and no UUID is repeated.
func (m *SiteMap) Validate() error {
	if len(m.entries) == 0 || m.entries[0] != (SiteEntry{UUID: uuid.Nil, Clock: 0}) {
		return violation(NullAtomID, "sitemap: missing control site")
	}
	if len(m.entries) > math.MaxUint16 {
		return violation(NullAtomID, "sitemap: %d sites exceed limit", len(m.entries))
	}
	for i := 1; i < len(m.entries); i++ {
		prev, e := m.entries[i-1], m.entries[i]
		if e.UUID == uuid.Nil {
			return violation(NullAtomID, "sitemap: site %d uses the control UUID", i)
		}
		if prev.compare(e) >= 0 {
			return violation(NullAtomID, "sitemap: site %d (%v@%d) is not ordered after site %d (%v@%d)",
				i, e.UUID, e.Clock, i-1, prev.UUID, prev.Clock)
		}
		if e.Clock > m.clock {
			return violation(NullAtomID, "sitemap: site %d clock %d is ahead of sitemap clock %d", i, e.Clock, m.clock)
		}
	}
	if len(m.index) != len(m.entries) {
		return violation(NullAtomID, "sitemap: %d entries but %d distinct UUIDs", len(m.entries), len(m.index))
	}
	for id, site := range m.index {
		if int(site) >= len(m.entries) || m.entries[site].UUID != id {
			return violation(NullAtomID, "sitemap: index for %v points to site %d", id, site)
		}
	}
	return nil
}
