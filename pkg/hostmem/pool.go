package hostmem

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/blackforge/xlate/pkg/hostarch"
)

// ptrOf returns the address of b's backing array. b must be non-empty.
func ptrOf(b []byte) unsafe.Pointer {
	return unsafe.Pointer(&b[0])
}

// poolAllocator hands out non-overlapping suballocations of one large
// pre-faulted RWX mapping. WriteRegion is a permission no-op: the pool is
// always executable and always writable, so W^X is not enforced by this
// backend. It exists for hosts/tests (fuzzing harnesses, restrictive
// sandboxes) where per-mutation mprotect churn is undesirable.
type poolAllocator struct {
	mu       sync.Mutex
	base     []byte
	baseAddr hostarch.HostAddr
	next     uint32
	free     []Region // simple freelist, coalescing not attempted
}

func newPoolAllocator(poolBytes uint32) (*poolAllocator, error) {
	if poolBytes == 0 {
		poolBytes = 64 << 20
	}
	b, err := unix.Mmap(-1, 0, int(poolBytes), unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("hostmem: pool mmap: %w", err)
	}
	return &poolAllocator{
		base:     b,
		baseAddr: hostarch.HostAddr(uintptr(ptrOf(b))),
	}, nil
}

func (p *poolAllocator) Allocate(minBytes uint32) (Region, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, r := range p.free {
		if r.Cap >= minBytes {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return r, nil
		}
	}
	if uint64(p.next)+uint64(minBytes) > uint64(len(p.base)) {
		return Region{}, ErrExhausted
	}
	r := Region{Addr: p.baseAddr.Add(p.next), Cap: minBytes}
	p.next += minBytes
	return r, nil
}

func (p *poolAllocator) Free(r Region) error {
	if !p.owns(r) {
		return ErrNotOwned
	}
	p.mu.Lock()
	p.free = append(p.free, r)
	p.mu.Unlock()
	return nil
}

func (p *poolAllocator) owns(r Region) bool {
	end := p.baseAddr.Add(uint32(len(p.base)))
	return r.Addr >= p.baseAddr && r.Addr.Add(r.Cap) <= end
}

func (p *poolAllocator) WriteRegion(r Region, offset, length uint32, fn func(buf []byte)) error {
	if !p.owns(r) {
		return ErrNotOwned
	}
	start := uint32(r.Addr.Sub(p.baseAddr))
	if offset+length > r.Cap {
		return fmt.Errorf("hostmem: write region [%d,%d) out of bounds of %d-byte allocation", offset, offset+length, r.Cap)
	}
	fn(p.base[start+offset : start+offset+length])
	ClearInstructionCache(r.Addr.Add(offset), length)
	return nil
}

func (p *poolAllocator) ExecuteProtect(r Region) error {
	if !p.owns(r) {
		return ErrNotOwned
	}
	return nil
}
