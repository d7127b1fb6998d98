package eipmap

import (
	"testing"

	"github.com/blackforge/xlate/pkg/btconfig"
	"github.com/blackforge/xlate/pkg/hostarch"
)

const trampoline = hostarch.HostAddr(0xdeadbeef)

func TestFlatLookupDefaultsToTrampoline(t *testing.T) {
	m := NewFlat(1<<16, trampoline)
	if got := m.Lookup(0x1234); got != trampoline {
		t.Errorf("Lookup on unmapped slot = %s, want trampoline %s", got, trampoline)
	}
}

func TestFlatSetAndLookup(t *testing.T) {
	m := NewFlat(1<<16, trampoline)
	m.SetMapping(0x100, 0xcafe)
	if got := m.Lookup(0x100); got != 0xcafe {
		t.Errorf("Lookup(0x100) = %s, want 0xcafe", got)
	}
}

func TestFlatDoubleMapPanics(t *testing.T) {
	m := NewFlat(1<<16, trampoline)
	m.SetMapping(0x100, 0xcafe)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("SetMapping on an already-mapped slot did not panic")
		}
	}()
	m.SetMapping(0x100, 0xbeef)
}

// TestFlatMakeLiveThenDetach covers invariant 7 of spec.md §8: make_live
// followed by detach restores the map to its pre-make_live state (modulo
// the null vs trampoline-sentinel choice).
func TestFlatMakeLiveThenDetach(t *testing.T) {
	m := NewFlat(1<<16, trampoline)
	m.SetMapping(0x200, 0xcafe)
	m.ClearMapping(0x200)
	if got := m.Lookup(0x200); got != trampoline {
		t.Errorf("Lookup after clear = %s, want trampoline", got)
	}
	// A cleared slot is mappable again.
	m.SetMapping(0x200, 0xf00d)
	if got := m.Lookup(0x200); got != 0xf00d {
		t.Errorf("Lookup after re-map = %s, want 0xf00d", got)
	}
}

func TestPagedLookupDefaultsToTrampoline(t *testing.T) {
	m := NewPaged(trampoline)
	if got := m.Lookup(0x1234); got != trampoline {
		t.Errorf("Lookup on unmapped page = %s, want trampoline %s", got, trampoline)
	}
}

func TestPagedSetAndLookupAcrossPages(t *testing.T) {
	m := NewPaged(trampoline)
	m.SetMapping(0x1000, 0xaaaa)
	m.SetMapping(0x2000, 0xbbbb)
	if got := m.Lookup(0x1000); got != 0xaaaa {
		t.Errorf("Lookup(0x1000) = %s, want 0xaaaa", got)
	}
	if got := m.Lookup(0x2000); got != 0xbbbb {
		t.Errorf("Lookup(0x2000) = %s, want 0xbbbb", got)
	}
	if got := m.Lookup(0x1004); got != trampoline {
		t.Errorf("Lookup(0x1004) = %s, want trampoline (unset slot on a populated page)", got)
	}
}

func TestPagedDoubleMapPanics(t *testing.T) {
	m := NewPaged(trampoline)
	m.SetMapping(0x3000, 0xcafe)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("SetMapping on an already-mapped slot did not panic")
		}
	}()
	m.SetMapping(0x3000, 0xbeef)
}

// TestPagedStaleDetachNoOps covers spec.md §7's "stale detach": clearing a
// mapping whose page row has already been freed (the guest unmapped the
// page) must not panic or allocate a new row.
func TestPagedStaleDetachNoOps(t *testing.T) {
	m := NewPaged(trampoline)
	m.SetMapping(0x4000, 0xcafe)
	m.FreeRow(0x4000 &^ pageMask)

	m.ClearMapping(0x4000) // must not panic

	if row := m.rowFor(0x4000, false); row != nil {
		t.Error("ClearMapping on a freed row allocated a new one")
	}
}

func TestFromConfigSelectsFlat(t *testing.T) {
	m, err := FromConfig(btconfig.EipMapConfig{Mode: btconfig.ModeFlat}, trampoline)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if _, ok := m.(*FlatMap); !ok {
		t.Errorf("FromConfig(ModeFlat) = %T, want *FlatMap", m)
	}
}

func TestFromConfigSelectsPaged(t *testing.T) {
	m, err := FromConfig(btconfig.EipMapConfig{Mode: btconfig.ModePaged}, trampoline)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if _, ok := m.(*PagedMap); !ok {
		t.Errorf("FromConfig(ModePaged) = %T, want *PagedMap", m)
	}
}

func TestFromConfigDefaultsToPaged(t *testing.T) {
	m, err := FromConfig(btconfig.EipMapConfig{}, trampoline)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if _, ok := m.(*PagedMap); !ok {
		t.Errorf("FromConfig(zero value) = %T, want *PagedMap", m)
	}
}

func TestFromConfigRejectsUnknownMode(t *testing.T) {
	if _, err := FromConfig(btconfig.EipMapConfig{Mode: "bogus"}, trampoline); err == nil {
		t.Fatal("FromConfig with an unknown mode returned nil error")
	}
}
