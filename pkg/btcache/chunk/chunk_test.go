package chunk_test

import (
	"testing"

	"github.com/blackforge/xlate/pkg/btcache/bttest"
	"github.com/blackforge/xlate/pkg/btcache/chunk"
	"github.com/blackforge/xlate/pkg/hostarch"
	"github.com/blackforge/xlate/pkg/hostmem"
)

// guardFill is the invalid-opcode byte chunk.New pads a chunk's capacity
// with (the chunk package's own constant is unexported).
const guardFill = 0xCE

func newTestAllocator(t *testing.T) hostmem.Allocator {
	t.Helper()
	alloc, err := hostmem.New("prefaulted-pool", 1<<20)
	if err != nil {
		t.Fatalf("hostmem.New: %v", err)
	}
	return alloc
}

func ga(a uint32) hostarch.GuestAddr { return hostarch.GuestAddr(a) }

// fakeRegistry is a minimal Registry satisfying chunk.Registry for tests
// that only need MakeLive/Detach bookkeeping, not host-address lookup.
type fakeRegistry struct {
	inserted map[*chunk.Chunk]struct{}
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{inserted: make(map[*chunk.Chunk]struct{})}
}

func (r *fakeRegistry) Insert(c *chunk.Chunk) { r.inserted[c] = struct{}{} }
func (r *fakeRegistry) Remove(c *chunk.Chunk) { delete(r.inserted, c) }

// TestConstructionLengthTables covers invariant 1 of spec.md §8: the
// per-instruction tables sum to guest_len and host_len.
func TestConstructionLengthTables(t *testing.T) {
	alloc := newTestAllocator(t)
	spec := bttest.BuildSpec(0x1000, false, []bttest.InstrSpec{
		{GuestLen: 2, HostLen: 10},
		{GuestLen: 3, HostLen: 12},
		{GuestLen: 1, HostLen: 4},
	})

	c, err := chunk.New(alloc, spec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var guestSum, hostSum uint32
	for i := uint32(0); i < c.N; i++ {
		guestSum += uint32(c.GuestILen[i])
		hostSum += c.HostILen[i]
	}
	if guestSum != c.GuestLen {
		t.Errorf("guest_ilen sum = %d, want %d", guestSum, c.GuestLen)
	}
	if hostSum != c.HostLen {
		t.Errorf("host_ilen sum = %d, want %d", hostSum, c.HostLen)
	}
}

// TestGuardFill covers spec.md §8 scenario S2: bytes beyond host_len up
// to host_cap are filled with the guard byte after construction.
func TestGuardFill(t *testing.T) {
	alloc := newTestAllocator(t)
	spec := bttest.BuildSpec(0x2000, false, []bttest.InstrSpec{
		{GuestLen: 4, HostLen: 26},
	})

	c, err := chunk.New(alloc, spec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.HostCap <= c.HostLen {
		t.Fatalf("host_cap %d not greater than host_len %d, guard test is meaningless", c.HostCap, c.HostLen)
	}

	region, a := c.Region()
	var tail []byte
	if err := a.WriteRegion(region, c.HostLen, c.HostCap-c.HostLen, func(buf []byte) {
		tail = append(tail, buf...)
	}); err != nil {
		t.Fatalf("WriteRegion: %v", err)
	}
	for i, b := range tail {
		if b != guardFill {
			t.Errorf("tail byte %d = 0x%02x, want guard fill 0x%02x", i, b, guardFill)
		}
	}
}

// TestOverlongInstructionFailsFast covers the MaxGuestOpLen invariant
// violation path: construction must fail, not silently truncate.
func TestOverlongInstructionFailsFast(t *testing.T) {
	alloc := newTestAllocator(t)
	spec := bttest.BuildSpec(0x3000, false, []bttest.InstrSpec{
		{GuestLen: chunk.MaxGuestOpLen + 1, HostLen: 4},
	})

	if _, err := chunk.New(alloc, spec); err == nil {
		t.Fatal("New: expected error for guest instruction longer than MaxGuestOpLen, got nil")
	}
}

// TestBasicPublish covers spec.md §8 scenario S1.
func TestBasicPublish(t *testing.T) {
	alloc := newTestAllocator(t)
	spec := bttest.BuildSpec(0x1000, false, []bttest.InstrSpec{
		{GuestLen: 2, HostLen: 10},
		{GuestLen: 3, HostLen: 12},
		{GuestLen: 1, HostLen: 4},
	})
	c, err := chunk.New(alloc, spec)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m := bttest.NewMap(0xdeadbeef)
	reg := newFakeRegistry()
	c.MakeLive(m, reg)

	wantLookup := map[uint32]uint64{
		0x1000: uint64(c.HostAddr),
		0x1002: uint64(c.HostAddr) + 10,
		0x1005: uint64(c.HostAddr) + 22,
	}
	for guest, want := range wantLookup {
		got := m.Lookup(ga(guest))
		if uint64(got) != want {
			t.Errorf("Lookup(0x%x) = 0x%x, want 0x%x", guest, uint64(got), want)
		}
	}

	guestStart, hostStart, idx, ok := c.EipToInstructionStart(ga(0x1003))
	if !ok {
		t.Fatalf("EipToInstructionStart(0x1003): not found")
	}
	if guestStart != ga(0x1002) || idx != 1 {
		t.Errorf("EipToInstructionStart(0x1003) = (%s, _, %d), want (0x1002, _, 1)", guestStart, idx)
	}
	if uint64(hostStart) != uint64(c.HostAddr)+10 {
		t.Errorf("EipToInstructionStart(0x1003) host = 0x%x, want host_addr+10", uint64(hostStart))
	}
}
