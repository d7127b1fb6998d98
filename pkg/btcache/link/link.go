// Package link implements the Link Table of spec.md §4.4: the cross-chunk
// edge graph, plus the two patch forms (direct relative-displacement and
// indirect pointer-cell) used to rebind an edge's destination.
package link

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/blackforge/xlate/pkg/hostarch"
	"github.com/blackforge/xlate/pkg/hostmem"
)

// Link is one edge of the inter-chunk graph (spec.md §3 "Link").
type Link struct {
	// FromPatchSite is the host address inside the source chunk holding
	// either a 4-byte relative displacement (Direct) or nothing — for an
	// indirect edge the cell is the Link's own toHostAddr field, whose
	// address CellAddr returns.
	FromPatchSite hostarch.HostAddr

	// ToGuestAddr is the guest target address this edge branches to.
	ToGuestAddr hostarch.GuestAddr

	// toHostAddr is the current host destination, updated atomically on
	// rebind for indirect edges. Direct edges also track it here for
	// bookkeeping, but their authoritative destination is the patched
	// displacement in host code.
	toHostAddr atomic.Uintptr

	// Direct is true if FromPatchSite holds a relative immediate patched
	// directly into the instruction stream; false if it is an
	// indirection cell loaded at runtime.
	Direct bool
}

// New constructs a Link. toHost may be zero for an edge not yet resolved.
func New(fromPatchSite hostarch.HostAddr, toGuest hostarch.GuestAddr, toHost hostarch.HostAddr, direct bool) *Link {
	l := &Link{FromPatchSite: fromPatchSite, ToGuestAddr: toGuest, Direct: direct}
	l.toHostAddr.Store(uintptr(toHost))
	return l
}

// ToHostAddr returns the edge's current host destination.
func (l *Link) ToHostAddr() hostarch.HostAddr {
	return hostarch.HostAddr(l.toHostAddr.Load())
}

// RebindIndirect atomically stores destHost into the edge's own
// toHostAddr field (spec.md §4.4's "single aligned 64-bit store"). The
// field's address, returned by CellAddr, is what the emitted indirect
// branch dereferences at runtime — the Link itself is the data cell, so
// rebinding never needs a WriteRegion scope over any chunk's code.
func (l *Link) RebindIndirect(destHost hostarch.HostAddr) {
	l.toHostAddr.Store(uintptr(destHost))
}

// CellAddr returns the host address the generator must embed into an
// indirect branch's load so it dereferences this edge's destination.
func (l *Link) CellAddr() hostarch.HostAddr {
	return addrOfUintptr(&l.toHostAddr)
}

// RebindDirect patches the 4-byte relative displacement at l.FromPatchSite
// so that the branch instruction starting at srcHostInstruction (the start
// of the instruction containing FromPatchSite) lands on destHost, per
// spec.md §4.4:
//
//	disp = destHost - FromPatchSite - 4
//
// The write occurs inside a hostmem.Allocator.WriteRegion scope over the
// owning chunk's region, as required by spec.md §4.1/§4.4.
func (l *Link) RebindDirect(alloc hostmem.Allocator, region hostmem.Region, regionOffset uint32, destHost hostarch.HostAddr) error {
	disp := int32(destHost.Sub(l.FromPatchSite) - 4)
	if err := alloc.WriteRegion(region, regionOffset, 4, func(buf []byte) {
		if len(buf) != 4 {
			panic(fmt.Sprintf("link: direct patch site length %d != 4", len(buf)))
		}
		binary.LittleEndian.PutUint32(buf, uint32(disp))
	}); err != nil {
		return err
	}
	l.toHostAddr.Store(uintptr(destHost))
	return nil
}
