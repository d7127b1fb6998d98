// Package chunk implements the Chunk of spec.md §4.2: one contiguous
// translated region covering one contiguous guest region, with parallel
// per-instruction guest/host length tables and the inbound/outbound edges
// of the link graph.
package chunk

import (
	"fmt"

	"github.com/mohae/deepcopy"

	"github.com/blackforge/xlate/pkg/btlog"
	"github.com/blackforge/xlate/pkg/btcache/link"
	"github.com/blackforge/xlate/pkg/hostarch"
	"github.com/blackforge/xlate/pkg/hostmem"
)

// MaxGuestOpLen is the longest possible x86 instruction encoding
// (spec.md §3, K_MAX_X86_OP_LEN in the original core).
const MaxGuestOpLen = 15

// guardFill is the invalid-opcode byte used to pad a chunk's allocated
// capacity beyond its emitted host length (spec.md §3 invariant 4). New
// always uses this value; btconfig's GuardByte is not consulted here.
const guardFill = 0xCE

var log = btlog.WithComponent("chunk")

// Map is the subset of eipmap.Map that Chunk needs. Declared locally so
// this package does not depend on eipmap (consumer-defined interface,
// avoids an import cycle with higher layers that need both).
type Map interface {
	Lookup(a hostarch.GuestAddr) hostarch.HostAddr
	SetMapping(a hostarch.GuestAddr, host hostarch.HostAddr)
	ClearMapping(a hostarch.GuestAddr)
	Trampoline() hostarch.HostAddr
}

// Registry is the subset of registry.Registry that Chunk needs.
type Registry interface {
	Insert(c *Chunk)
	Remove(c *Chunk)
}

// Spec is the generator's output: everything needed to construct a Chunk
// (spec.md §4.2 "Construction input").
type Spec struct {
	// GuestInstrAddr[i] is the absolute guest address of instruction i.
	GuestInstrAddr []hostarch.GuestAddr
	// HostInstrOff[i] is the byte offset of instruction i's first host
	// byte within HostBuf.
	HostInstrOff []uint32
	HostBuf      []byte
	GuestAddr    hostarch.GuestAddr
	GuestLen     uint32
	Dynamic      bool
}

// Chunk is one translation unit (spec.md §3 "Chunk").
type Chunk struct {
	GuestAddr hostarch.GuestAddr
	GuestLen  uint32
	HostAddr  hostarch.HostAddr
	HostCap   uint32
	HostLen   uint32
	N         uint32

	GuestILen []uint8
	HostILen  []uint32

	LinksOut []*link.Link
	LinksIn  []*link.Link

	Dynamic bool

	alloc  hostmem.Allocator
	region hostmem.Region
	live   bool
}

// New allocates host memory and fills it per spec.md §4.2's construction
// procedure: allocate host_len+4 bytes (the +4 guard), fill the whole
// capacity with the guard byte, copy in the emitted host buffer, then
// derive and validate the per-instruction length tables.
func New(alloc hostmem.Allocator, s Spec) (*Chunk, error) {
	n := uint32(len(s.GuestInstrAddr))
	if uint32(len(s.HostInstrOff)) != n {
		return nil, fmt.Errorf("chunk: guest/host instruction count mismatch: %d vs %d", n, len(s.HostInstrOff))
	}

	hostLen := uint32(len(s.HostBuf))
	region, err := alloc.Allocate(hostLen + 4)
	if err != nil {
		return nil, fmt.Errorf("chunk: allocate host buffer: %w", err)
	}

	c := &Chunk{
		GuestAddr: s.GuestAddr,
		GuestLen:  s.GuestLen,
		HostAddr:  region.Addr,
		HostCap:   region.Cap,
		HostLen:   hostLen,
		N:         n,
		GuestILen: make([]uint8, n),
		HostILen:  make([]uint32, n),
		Dynamic:   s.Dynamic,
		alloc:     alloc,
		region:    region,
	}

	if err := alloc.WriteRegion(region, 0, region.Cap, func(buf []byte) {
		for i := range buf {
			buf[i] = guardFill
		}
		copy(buf, s.HostBuf)
	}); err != nil {
		alloc.Free(region)
		return nil, fmt.Errorf("chunk: fill/copy host buffer: %w", err)
	}

	for i := uint32(0); i < n; i++ {
		var guestILen uint32
		if i == n-1 {
			guestILen = s.GuestLen - (uint32(s.GuestInstrAddr[i]) - uint32(s.GuestAddr))
			c.HostILen[i] = hostLen - s.HostInstrOff[i]
		} else {
			guestILen = uint32(s.GuestInstrAddr[i+1]) - uint32(s.GuestInstrAddr[i])
			c.HostILen[i] = s.HostInstrOff[i+1] - s.HostInstrOff[i]
		}
		if guestILen > MaxGuestOpLen {
			alloc.Free(region)
			return nil, fmt.Errorf("chunk: instruction %d guest length %d exceeds MaxGuestOpLen", i, guestILen)
		}
		c.GuestILen[i] = uint8(guestILen)
	}

	return c, nil
}

// MakeLive publishes the chunk: installs its EIP→Host entries (one per
// instruction start, per spec.md §9's mandated per-instruction-start
// policy), hands the host range to the allocator's execute-protect step,
// registers the chunk, then clears the instruction cache over it.
func (c *Chunk) MakeLive(m Map, reg Registry) {
	eip := c.GuestAddr
	host := c.HostAddr
	for i := uint32(0); i < c.N; i++ {
		m.SetMapping(eip, host)
		eip = eip.Add(uint32(c.GuestILen[i]))
		host = host.Add(c.HostILen[i])
	}
	if err := c.alloc.ExecuteProtect(c.region); err != nil {
		log.WithError(err).Warn("execute-protect failed during make-live")
	}
	c.live = true
	reg.Insert(c)
	hostmem.ClearInstructionCache(c.HostAddr, c.HostLen)
}

// Detach is the reverse of MakeLive: every covered guest instruction start
// has its map slot cleared and the chunk is removed from the registry.
// Edges are untouched — callers (the invalidation engine) own relinking.
func (c *Chunk) Detach(m Map, reg Registry) {
	eip := c.GuestAddr
	for i := uint32(0); i < c.N; i++ {
		m.ClearMapping(eip)
		eip = eip.Add(uint32(c.GuestILen[i]))
	}
	if c.live {
		reg.Remove(c)
		c.live = false
	}
}

// Release detaches the chunk and frees its host buffer. Post-condition:
// the chunk is inert and must not be used again.
func (c *Chunk) Release(m Map, reg Registry) {
	c.Detach(m, reg)
	c.internalDealloc()
}

// FreeHostBuffer frees the chunk's host buffer directly, without touching
// the map or registry. Used by release-and-retranslate (spec.md §4.5 step
// 5) on the old chunk, which was already Detach-ed in step 1 — calling
// Release here would clear the map slots for its guest addresses again,
// and those slots now belong to the replacement chunk.
func (c *Chunk) FreeHostBuffer() {
	c.internalDealloc()
}

// internalDealloc frees the host buffer without touching the map or
// registry — used by release-and-retranslate, where the map/registry were
// already repointed at the replacement chunk before the old one is torn
// down (spec.md §4.5 step 5).
func (c *Chunk) internalDealloc() {
	if c.region.Addr != 0 {
		if err := c.alloc.Free(c.region); err != nil {
			log.WithError(err).Error("free host buffer failed")
		}
	}
	c.region = hostmem.Region{}
	c.HostAddr = 0
	c.GuestILen = nil
	c.HostILen = nil
}

// Region exposes the chunk's underlying allocation, for the invalidation
// engine and the link-table patcher, which both need a WriteRegion scope
// over (a subrange of) this chunk's host bytes.
func (c *Chunk) Region() (hostmem.Region, hostmem.Allocator) {
	return c.region, c.alloc
}

// EipToInstructionStart returns the start of the guest instruction
// containing guestA, its host counterpart, and its index, if guestA falls
// within this chunk. ok is false otherwise (spec.md §4.2
// eip_to_instruction_start).
func (c *Chunk) EipToInstructionStart(guestA hostarch.GuestAddr) (guestStart hostarch.GuestAddr, hostStart hostarch.HostAddr, index uint32, ok bool) {
	if !c.ContainsEip(guestA, 1) {
		return 0, 0, 0, false
	}
	g := c.GuestAddr
	h := c.HostAddr
	for i := uint32(0); i < c.N; i++ {
		length := uint32(c.GuestILen[i])
		if guestA >= g && guestA < g.Add(length) {
			return g, h, i, true
		}
		g = g.Add(length)
		h = h.Add(c.HostILen[i])
	}
	return 0, 0, 0, false
}

// HostToEip is the mirror of EipToInstructionStart for host addresses
// (spec.md §4.2 host_to_eip).
func (c *Chunk) HostToEip(hostA hostarch.HostAddr) (guestStart hostarch.GuestAddr, hostStart hostarch.HostAddr, index uint32, ok bool) {
	if !c.containsHostAddr(hostA) {
		return 0, 0, 0, false
	}
	g := c.GuestAddr
	h := c.HostAddr
	for i := uint32(0); i < c.N; i++ {
		length := c.HostILen[i]
		if hostA >= h && hostA < h.Add(length) {
			return g, h, i, true
		}
		g = g.Add(uint32(c.GuestILen[i]))
		h = h.Add(length)
	}
	return 0, 0, 0, false
}

func (c *Chunk) containsHostAddr(a hostarch.HostAddr) bool {
	return a >= c.HostAddr && a < c.HostAddr.Add(c.HostLen)
}

// ContainsEip reports whether [eip, eip+len) overlaps this chunk's guest
// range (spec.md §4.2 contains_eip).
func (c *Chunk) ContainsEip(eip hostarch.GuestAddr, length uint32) bool {
	r := hostarch.GuestRange{Start: c.GuestAddr, Len: c.GuestLen}
	if r.Contains(eip) {
		return true
	}
	if length > 0 && r.Contains(eip.Add(length-1)) {
		return true
	}
	if eip < r.Start && eip.Add(length) > r.End() {
		return true
	}
	return false
}

// AddLinkFrom appends a new edge from src to self (self is the link's
// destination chunk) to src.LinksOut and self.LinksIn. Self-loops are
// rejected per spec.md §4.2.
func (c *Chunk) AddLinkFrom(src *Chunk, toGuest hostarch.GuestAddr, toHost hostarch.HostAddr, patchSite hostarch.HostAddr, direct bool) *link.Link {
	if src == c {
		panic("chunk: AddLinkFrom cannot link a chunk to itself")
	}
	l := link.New(patchSite, toGuest, toHost, direct)
	src.LinksOut = append(src.LinksOut, l)
	c.LinksIn = append(c.LinksIn, l)
	return l
}

// Snapshot returns a point-in-time, independently-owned copy of the
// chunk's length tables for diagnostics (logging, signal-handler
// reporting) that must not race a concurrent MakeLive/Detach/retranslate.
func (c *Chunk) Snapshot() Snapshot {
	return Snapshot{
		GuestAddr: c.GuestAddr,
		GuestLen:  c.GuestLen,
		HostAddr:  c.HostAddr,
		HostLen:   c.HostLen,
		N:         c.N,
		GuestILen: deepcopy.Copy(c.GuestILen).([]uint8),
		HostILen:  deepcopy.Copy(c.HostILen).([]uint32),
		Dynamic:   c.Dynamic,
	}
}

// Snapshot is an inert copy of a Chunk's identifying fields and length
// tables, safe to read without any lock held on the owning registry.
type Snapshot struct {
	GuestAddr hostarch.GuestAddr
	GuestLen  uint32
	HostAddr  hostarch.HostAddr
	HostLen   uint32
	N         uint32
	GuestILen []uint8
	HostILen  []uint32
	Dynamic   bool
}
