// Package bttest provides small fakes shared by the translated-code
// cache's test files: a trampoline-aware map, a table-driven generator,
// and a builder for the synthetic host buffers the scenarios in spec.md
// §8 describe. Analogous in spirit to gVisor's contexttest package —
// one place the chunk, invalidate and translator tests pull their shared
// fixtures from instead of re-deriving them.
package bttest

import (
	"fmt"
	"sync"

	"github.com/blackforge/xlate/pkg/btcache/chunk"
	"github.com/blackforge/xlate/pkg/hostarch"
)

// Map is a fake EIP→Host Map good enough to exercise chunk.Map and
// translator.MemoryCollaborator without any real executable memory.
type Map struct {
	mu         sync.Mutex
	slots      map[hostarch.GuestAddr]hostarch.HostAddr
	trampoline hostarch.HostAddr
}

// NewMap returns an empty Map whose trampoline sentinel is addr.
func NewMap(trampoline hostarch.HostAddr) *Map {
	return &Map{slots: make(map[hostarch.GuestAddr]hostarch.HostAddr), trampoline: trampoline}
}

func (m *Map) Lookup(a hostarch.GuestAddr) hostarch.HostAddr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.slots[a]; ok {
		return h
	}
	return m.trampoline
}

func (m *Map) SetMapping(a hostarch.GuestAddr, host hostarch.HostAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.slots[a]; ok && existing != 0 {
		panic(fmt.Sprintf("bttest: double-mapped guest address %s", a))
	}
	m.slots[a] = host
}

func (m *Map) ClearMapping(a hostarch.GuestAddr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.slots, a)
}

func (m *Map) Trampoline() hostarch.HostAddr { return m.trampoline }

// MakePendingCodePagesReadOnly satisfies translator.MemoryCollaborator
// and invalidate.MemoryCollaborator with a no-op: tests never need a real
// page-protection collaborator.
func (m *Map) MakePendingCodePagesReadOnly() {}

// Generator is a fake spec.md §6 generator backed by a lookup table keyed
// by guest start address, for tests that need Cache.TranslateAndPublish
// or invalidate.ReleaseAndRetranslate to produce a specific replacement.
type Generator struct {
	mu    sync.Mutex
	specs map[hostarch.GuestAddr]chunk.Spec
	calls int
}

// NewGenerator returns a Generator with no registered specs.
func NewGenerator() *Generator {
	return &Generator{specs: make(map[hostarch.GuestAddr]chunk.Spec)}
}

// Register installs spec as the translation Generate returns for guest.
func (g *Generator) Register(guest hostarch.GuestAddr, spec chunk.Spec) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.specs[guest] = spec
}

// Generate satisfies translator.Generator.
func (g *Generator) Generate(guest hostarch.GuestAddr) (chunk.Spec, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	spec, ok := g.specs[guest]
	if !ok {
		return chunk.Spec{}, fmt.Errorf("bttest: no registered spec for guest address %s", guest)
	}
	return spec, nil
}

// Calls returns how many times Generate has been invoked.
func (g *Generator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// InstrSpec describes one instruction for BuildSpec: its guest length and
// its emitted host byte count.
type InstrSpec struct {
	GuestLen uint8
	HostLen  uint32
}

// BuildSpec assembles a chunk.Spec from a guest start address and a list
// of instruction lengths, synthesizing a host buffer of 0x90 (NOP) filler
// bytes — enough to exercise construction, make-live, and lookup without
// a real code generator. This mirrors spec.md §8 scenario S1's layout.
func BuildSpec(guestAddr hostarch.GuestAddr, dynamic bool, instrs []InstrSpec) chunk.Spec {
	n := len(instrs)
	guestInstrAddr := make([]hostarch.GuestAddr, n)
	hostInstrOff := make([]uint32, n)

	g := guestAddr
	var hostOff uint32
	for i, ins := range instrs {
		guestInstrAddr[i] = g
		hostInstrOff[i] = hostOff
		g = g.Add(uint32(ins.GuestLen))
		hostOff += ins.HostLen
	}

	hostBuf := make([]byte, hostOff)
	for i := range hostBuf {
		hostBuf[i] = 0x90
	}

	return chunk.Spec{
		GuestInstrAddr: guestInstrAddr,
		HostInstrOff:   hostInstrOff,
		HostBuf:        hostBuf,
		GuestAddr:      guestAddr,
		GuestLen:       uint32(g - guestAddr),
		Dynamic:        dynamic,
	}
}
