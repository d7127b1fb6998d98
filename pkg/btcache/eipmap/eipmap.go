// Package eipmap implements the EIP→Host Map of spec.md §4.3: a
// per-process mapping from guest code addresses to the host address where
// the translated instruction starts, or a sentinel retranslate trampoline
// when no translation exists.
//
// Two implementations share the Map interface: Flat (one slot per
// addressable guest byte, sized to the whole guest code range) and Paged (a
// two-level page table of 4 KiB host-pointer rows, lazily allocated).
package eipmap

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/blackforge/xlate/pkg/btconfig"
	"github.com/blackforge/xlate/pkg/hostarch"
)

const (
	pageShift = 12
	pageSize  = 1 << pageShift
	pageMask  = pageSize - 1
	// topLevelSlots covers the full 32-bit guest address space at 4 KiB
	// granularity: 2**32 / 2**12 = 2**20.
	topLevelSlots = 1 << 20
)

// FullGuestAddressSpaceBytes is the span NewFlat covers when selected for
// the full 32-bit guest code range, per spec.md §4.3.
const FullGuestAddressSpaceBytes = 1 << 32

// FromConfig builds the Map implementation cfg selects: ModeFlat yields a
// FlatMap covering the full guest address space, ModePaged (and the zero
// value) yields a PagedMap. This is the construction-time selection point
// spec.md §4.3 and SPEC_FULL §4.3 describe as "selected at construction by
// pkg/btconfig" — callers assembling a cache from a loaded Config call this
// rather than picking NewFlat/NewPaged by hand.
func FromConfig(cfg btconfig.EipMapConfig, trampoline hostarch.HostAddr) (Map, error) {
	switch cfg.Mode {
	case btconfig.ModeFlat:
		return NewFlat(FullGuestAddressSpaceBytes, trampoline), nil
	case "", btconfig.ModePaged:
		return NewPaged(trampoline), nil
	default:
		return nil, fmt.Errorf("eipmap: unknown map mode %q", cfg.Mode)
	}
}

// Map is the contract both implementations satisfy.
type Map interface {
	// Lookup returns the host address translation starts at for guest
	// address a, or the configured retranslate trampoline if a has no
	// live translation.
	Lookup(a hostarch.GuestAddr) hostarch.HostAddr

	// SetMapping installs host as the translation start for guest
	// address a. Overwriting an already-set (non-zero) slot is an
	// invariant violation and panics with *DoubleMapError — callers are
	// expected to have checked Lookup returns the trampoline first, per
	// spec.md §4.2 MakeLive.
	SetMapping(a hostarch.GuestAddr, host hostarch.HostAddr)

	// ClearMapping removes any translation for guest address a. It is a
	// silent no-op if a's backing page row has already been freed
	// (spec.md §7 "stale detach").
	ClearMapping(a hostarch.GuestAddr)

	// Trampoline returns the configured retranslate trampoline address.
	Trampoline() hostarch.HostAddr
}

// DoubleMapError reports a write to an already-populated slot: spec.md
// §4.2's "Writing a non-null slot that is already non-null is a fatal
// invariant violation."
type DoubleMapError struct {
	Addr hostarch.GuestAddr
}

func (e *DoubleMapError) Error() string {
	return "eipmap: guest address " + e.Addr.String() + " already mapped"
}

// FlatMap is the large-flat-array implementation: one atomic slot per
// addressable guest byte across addressSpaceBytes, indexed directly.
type FlatMap struct {
	trampoline hostarch.HostAddr
	slots      []atomic.Uintptr
}

// NewFlat allocates a flat map covering [0, addressSpaceBytes). Callers
// with enough virtual address space pass 1<<32 to cover the full guest
// code range, per spec.md §4.3; tests may pass a smaller bound.
func NewFlat(addressSpaceBytes uint64, trampoline hostarch.HostAddr) *FlatMap {
	return &FlatMap{
		trampoline: trampoline,
		slots:      make([]atomic.Uintptr, addressSpaceBytes),
	}
}

func (m *FlatMap) Lookup(a hostarch.GuestAddr) hostarch.HostAddr {
	v := m.slots[a].Load()
	if v == 0 {
		return m.trampoline
	}
	return hostarch.HostAddr(v)
}

func (m *FlatMap) SetMapping(a hostarch.GuestAddr, host hostarch.HostAddr) {
	if !m.slots[a].CompareAndSwap(0, uintptr(host)) {
		panic(&DoubleMapError{Addr: a})
	}
}

func (m *FlatMap) ClearMapping(a hostarch.GuestAddr) {
	m.slots[a].Store(0)
}

func (m *FlatMap) Trampoline() hostarch.HostAddr { return m.trampoline }

// PagedMap is the two-level page-table implementation: a top-level array of
// topLevelSlots row pointers, each lazily allocated as a pageSize array of
// host-pointer slots on first write.
type PagedMap struct {
	trampoline hostarch.HostAddr

	mu   sync.Mutex // guards row allocation only; slot reads/writes are atomic
	rows []*[pageSize]atomic.Uintptr
}

// NewPaged allocates a paged map. Row storage is allocated lazily, so
// construction is cheap regardless of guest address space size.
func NewPaged(trampoline hostarch.HostAddr) *PagedMap {
	return &PagedMap{
		trampoline: trampoline,
		rows:       make([]*[pageSize]atomic.Uintptr, topLevelSlots),
	}
}

func (m *PagedMap) rowFor(a hostarch.GuestAddr, create bool) *[pageSize]atomic.Uintptr {
	page := uint32(a) >> pageShift
	row := m.rows[page]
	if row != nil || !create {
		return row
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if row = m.rows[page]; row == nil {
		row = new([pageSize]atomic.Uintptr)
		m.rows[page] = row
	}
	return row
}

func (m *PagedMap) Lookup(a hostarch.GuestAddr) hostarch.HostAddr {
	row := m.rowFor(a, false)
	if row == nil {
		return m.trampoline
	}
	v := row[uint32(a)&pageMask].Load()
	if v == 0 {
		return m.trampoline
	}
	return hostarch.HostAddr(v)
}

func (m *PagedMap) SetMapping(a hostarch.GuestAddr, host hostarch.HostAddr) {
	row := m.rowFor(a, true)
	if !row[uint32(a)&pageMask].CompareAndSwap(0, uintptr(host)) {
		panic(&DoubleMapError{Addr: a})
	}
}

func (m *PagedMap) ClearMapping(a hostarch.GuestAddr) {
	row := m.rowFor(a, false)
	if row == nil {
		// The page row was already freed (e.g. the guest unmapped the
		// page); nothing to do. spec.md §7 "stale detach".
		return
	}
	row[uint32(a)&pageMask].Store(0)
}

func (m *PagedMap) Trampoline() hostarch.HostAddr { return m.trampoline }

// FreeRow drops the page row covering guestPage (a page-aligned address),
// simulating the guest unmapping that page. Subsequent ClearMapping calls
// into the freed row silently no-op.
func (m *PagedMap) FreeRow(guestPage hostarch.GuestAddr) {
	page := uint32(guestPage) >> pageShift
	m.mu.Lock()
	m.rows[page] = nil
	m.mu.Unlock()
}
