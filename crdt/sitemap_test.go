package crdt_test

import (
	"errors"
	"testing"

	"github.com/brunokim/causaltree/crdt"
	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"
)

func TestSiteMapAddUUID(t *testing.T) {
	m := crdt.NewSiteMap()
	for i, id := range []uuid.UUID{siteC, siteA, siteB} {
		site, err := m.AddUUID(id)
		if err != nil {
			t.Fatalf("AddUUID(%v): %v", id, err)
		}
		// New sites are always appended, regardless of their UUID.
		if want := crdt.SiteID(i + 1); site != want {
			t.Errorf("AddUUID(%v): got site %d, want %d", id, site, want)
		}
	}
	// Adding a known site is a no-op.
	if site, err := m.AddUUID(siteA); err != nil || site != 2 {
		t.Errorf("AddUUID(siteA) again: got (%d, %v), want (2, nil)", site, err)
	}
	if got := m.Len(); got != 4 {
		t.Errorf("Len: got %d, want 4", got)
	}
	if got := m.Clock(); got != 3 {
		t.Errorf("Clock: got %d, want 3", got)
	}
	if got := m.UUID(crdt.ControlSite); got != uuid.Nil {
		t.Errorf("UUID(control): got %v, want nil UUID", got)
	}
	if got := m.UUID(99); got != uuid.Nil {
		t.Errorf("UUID(99): got %v, want nil UUID", got)
	}
	if err := m.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestSiteMapReservedSite(t *testing.T) {
	m := crdt.NewSiteMap()
	if _, err := m.AddUUID(uuid.Nil); !errors.Is(err, crdt.ErrReservedSite) {
		t.Errorf("AddUUID(nil): got %v, want %v", err, crdt.ErrReservedSite)
	}
}

func TestSiteMapIntegrateCommutes(t *testing.T) {
	m1 := crdt.NewSiteMap()
	m1.AddUUID(siteB) // B@1
	m1.AddUUID(siteD) // D@2
	m2 := crdt.NewSiteMap()
	m2.AddUUID(siteA) // A@1
	m2.AddUUID(siteC) // C@2

	u1, u2 := m1.Clone(), m2.Clone()
	local1, remote1, err := u1.Integrate(m2)
	if err != nil {
		t.Fatalf("m1 ∪ m2: %v", err)
	}
	local2, remote2, err := u2.Integrate(m1)
	if err != nil {
		t.Fatalf("m2 ∪ m1: %v", err)
	}

	want := []crdt.SiteEntry{
		{UUID: uuid.Nil, Clock: 0},
		{UUID: siteA, Clock: 1},
		{UUID: siteB, Clock: 1},
		{UUID: siteC, Clock: 2},
		{UUID: siteD, Clock: 2},
	}
	if diff := cmp.Diff(want, u1.Entries()); diff != "" {
		t.Errorf("m1 ∪ m2 entries (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, u2.Entries()); diff != "" {
		t.Errorf("m2 ∪ m1 entries (-want, +got):\n%s", diff)
	}
	// B: 1 -> 2, D: 2 -> 4
	wantRemap1 := crdt.RemapTable{1: 2, 2: 4}
	// A: 1 -> 1, C: 2 -> 3
	wantRemap2 := crdt.RemapTable{2: 3}
	if diff := cmp.Diff(wantRemap1, local1); diff != "" {
		t.Errorf("m1 ∪ m2 local remap (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantRemap2, remote1); diff != "" {
		t.Errorf("m1 ∪ m2 remote remap (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantRemap2, local2); diff != "" {
		t.Errorf("m2 ∪ m1 local remap (-want, +got):\n%s", diff)
	}
	if diff := cmp.Diff(wantRemap1, remote2); diff != "" {
		t.Errorf("m2 ∪ m1 remote remap (-want, +got):\n%s", diff)
	}
	if u1.Clock() != 2 || u2.Clock() != 2 {
		t.Errorf("clocks: got %d and %d, want 2", u1.Clock(), u2.Clock())
	}
	for _, m := range []*crdt.SiteMap{u1, u2} {
		if err := m.Validate(); err != nil {
			t.Errorf("Validate: %v", err)
		}
		if site, ok := m.Lookup(siteC); !ok || site != 3 {
			t.Errorf("Lookup(siteC): got (%d, %t), want (3, true)", site, ok)
		}
	}
	// Merging is idempotent.
	local, remote, err := u1.Integrate(u2)
	if err != nil {
		t.Fatalf("u1 ∪ u2: %v", err)
	}
	if len(local) != 0 || len(remote) != 0 {
		t.Errorf("u1 ∪ u2: got remaps %v and %v, want empty", local, remote)
	}
}

func TestSiteMapIdentityConflict(t *testing.T) {
	m1 := crdt.NewSiteMap()
	m1.AddUUID(siteA) // A@1
	m2 := crdt.NewSiteMap()
	m2.AddUUID(siteB) // B@1
	m2.AddUUID(siteA) // A@2

	before := m1.Entries()
	if _, _, err := m1.Integrate(m2); !errors.Is(err, crdt.ErrSiteIdentityConflict) {
		t.Fatalf("Integrate: got %v, want %v", err, crdt.ErrSiteIdentityConflict)
	}
	// Failed integration leaves the sitemap untouched.
	if diff := cmp.Diff(before, m1.Entries()); diff != "" {
		t.Errorf("entries changed after failed merge (-want, +got):\n%s", diff)
	}
}
