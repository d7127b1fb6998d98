// Package hostmem implements the Executable Memory Allocator contract from
// spec.md §4.1: suballocation of W^X host pages, plus a scoped write-enable
// primitive that every chunk construction and every link patch must go
// through.
//
// Two backends satisfy the Allocator interface:
//
//   - mprotectAllocator ("mprotect-flip"): each region starts read-write,
//     and WriteRegion/ExecuteProtect flip it to read-execute on the host
//     with mprotect(2). This is the conservative, W^X-enforcing backend.
//   - poolAllocator ("prefaulted-pool"): one large RWX mapping is
//     suballocated by a bump/freelist allocator; WriteRegion is a no-op
//     permission flip because the pool is already executable. Useful under
//     fuzzers or hosts that forbid mprotect churn.
package hostmem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/blackforge/xlate/pkg/btlog"
	"github.com/blackforge/xlate/pkg/hostarch"
)

var log = btlog.WithComponent("hostmem")

// ErrExhausted is returned by Allocate when the backend cannot satisfy the
// request. Per spec.md §7 this is surfaced to the translator, which may
// evict dynamic chunks and retry.
var ErrExhausted = fmt.Errorf("hostmem: allocator exhausted")

// ErrNotOwned is returned by WriteRegion/Free when the supplied Region was
// not returned by this Allocator.
var ErrNotOwned = fmt.Errorf("hostmem: region not owned by this allocator")

// Region describes one allocation: capacity bytes starting at Addr.
type Region struct {
	Addr hostarch.HostAddr
	Cap  uint32
}

// Allocator is the Executable Memory Allocator contract of spec.md §4.1.
type Allocator interface {
	// Allocate returns a region of at least minBytes. The region is
	// writable (and not yet executable) until a WriteRegion scope
	// completes or ExecuteProtect is called explicitly.
	Allocate(minBytes uint32) (Region, error)

	// Free returns a region to the allocator. The region must not be
	// referenced again afterward.
	Free(r Region) error

	// WriteRegion grants fn temporary write access to r[offset:offset+length],
	// runs fn, then restores read+execute protection and invalidates the
	// host instruction cache over that range. All chunk emission and all
	// link patching must occur inside a WriteRegion scope.
	WriteRegion(r Region, offset, length uint32, fn func(buf []byte)) error

	// ExecuteProtect makes the entire region read+execute and not
	// writable. Called once a chunk's construction is complete.
	ExecuteProtect(r Region) error
}

// New returns the allocator backend named by configuration.
//
// backend must be "mprotect-flip" or "prefaulted-pool"; poolBytes is only
// consulted for the latter.
func New(backend string, poolBytes uint32) (Allocator, error) {
	switch backend {
	case "", "mprotect-flip":
		return newMprotectAllocator(), nil
	case "prefaulted-pool":
		return newPoolAllocator(poolBytes)
	default:
		return nil, fmt.Errorf("hostmem: unknown allocator backend %q", backend)
	}
}

// ClearInstructionCache is the host-architecture instruction-cache flush
// for §9's "Dynamic dispatch for clear_instruction_cache" design note. It
// is a plain package function, not a capability injected at construction.
// This build targets x86-64 hosts only, where no flush is needed, so it
// is a no-op.
func ClearInstructionCache(addr hostarch.HostAddr, length uint32) {
	_ = addr
	_ = length
}

// mprotectAllocator backs Region allocations with individual anonymous
// mmap(2) mappings, flipping protection with mprotect(2).
type mprotectAllocator struct {
	mu    sync.Mutex
	owned map[hostarch.HostAddr]*allocation
}

type allocation struct {
	slice     []byte
	executing bool // true once ExecuteProtect has been applied
}

func newMprotectAllocator() *mprotectAllocator {
	return &mprotectAllocator{owned: make(map[hostarch.HostAddr]*allocation)}
}

func (a *mprotectAllocator) Allocate(minBytes uint32) (Region, error) {
	if minBytes == 0 {
		minBytes = 1
	}
	b, err := unix.Mmap(-1, 0, int(minBytes), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		log.WithError(err).Warn("mmap failed, allocator exhausted")
		return Region{}, ErrExhausted
	}
	addr := hostarch.HostAddr(uintptr(ptrOf(b)))
	a.mu.Lock()
	a.owned[addr] = &allocation{slice: b}
	a.mu.Unlock()
	return Region{Addr: addr, Cap: uint32(len(b))}, nil
}

func (a *mprotectAllocator) Free(r Region) error {
	a.mu.Lock()
	alloc, ok := a.owned[r.Addr]
	if ok {
		delete(a.owned, r.Addr)
	}
	a.mu.Unlock()
	if !ok {
		return ErrNotOwned
	}
	return unix.Munmap(alloc.slice)
}

func (a *mprotectAllocator) WriteRegion(r Region, offset, length uint32, fn func(buf []byte)) error {
	a.mu.Lock()
	alloc, ok := a.owned[r.Addr]
	a.mu.Unlock()
	if !ok {
		return ErrNotOwned
	}
	if offset+length > uint32(len(alloc.slice)) {
		return fmt.Errorf("hostmem: write region [%d,%d) out of bounds of %d-byte allocation", offset, offset+length, len(alloc.slice))
	}
	if err := unix.Mprotect(alloc.slice, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("hostmem: mprotect RW: %w", err)
	}
	func() {
		defer func() {
			if err := unix.Mprotect(alloc.slice, unix.PROT_READ|unix.PROT_EXEC); err != nil {
				log.WithError(err).Error("mprotect RX restore failed")
			}
			alloc.executing = true
			ClearInstructionCache(r.Addr.Add(offset), length)
		}()
		fn(alloc.slice[offset : offset+length])
	}()
	return nil
}

func (a *mprotectAllocator) ExecuteProtect(r Region) error {
	a.mu.Lock()
	alloc, ok := a.owned[r.Addr]
	a.mu.Unlock()
	if !ok {
		return ErrNotOwned
	}
	if alloc.executing {
		return nil
	}
	if err := unix.Mprotect(alloc.slice, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		return fmt.Errorf("hostmem: mprotect RX: %w", err)
	}
	alloc.executing = true
	return nil
}
