package invalidate

import (
	"encoding/binary"
	"testing"

	"github.com/blackforge/xlate/pkg/btcache/bttest"
	"github.com/blackforge/xlate/pkg/btcache/chunk"
	"github.com/blackforge/xlate/pkg/btcache/registry"
	"github.com/blackforge/xlate/pkg/hostmem"
)

// TestReleaseAndRetranslate covers spec.md §8 scenarios S3 and S4: a
// direct and an indirect inbound edge into the retranslated chunk both
// end up pointing at the replacement's corresponding host instruction.
func TestReleaseAndRetranslate(t *testing.T) {
	alloc, err := hostmem.New("prefaulted-pool", 1<<20)
	if err != nil {
		t.Fatalf("hostmem.New: %v", err)
	}
	m := bttest.NewMap(0xdeadbeef)
	reg := registry.New()

	specA := bttest.BuildSpec(0x1000, false, []bttest.InstrSpec{{GuestLen: 5, HostLen: 16}})
	a, err := chunk.New(alloc, specA)
	if err != nil {
		t.Fatalf("chunk.New(A): %v", err)
	}
	a.MakeLive(m, reg)

	specB := bttest.BuildSpec(0x2000, false, []bttest.InstrSpec{{GuestLen: 4, HostLen: 8}})
	b, err := chunk.New(alloc, specB)
	if err != nil {
		t.Fatalf("chunk.New(B): %v", err)
	}
	b.MakeLive(m, reg)

	aRegion, aAlloc := a.Region()
	directPatchSite := a.HostAddr.Add(2)
	directEdge := b.AddLinkFrom(a, 0x2000, b.HostAddr, directPatchSite, true)
	if err := directEdge.RebindDirect(aAlloc, aRegion, uint32(directPatchSite.Sub(a.HostAddr)), b.HostAddr); err != nil {
		t.Fatalf("initial RebindDirect: %v", err)
	}
	indirectEdge := b.AddLinkFrom(a, 0x2000, b.HostAddr, 0, false)

	gen := bttest.NewGenerator()
	specB2 := bttest.BuildSpec(0x2000, false, []bttest.InstrSpec{{GuestLen: 4, HostLen: 12}})
	gen.Register(0x2000, specB2)

	newB, err := ReleaseAndRetranslate(b, m, reg, gen.Generate, alloc, m, nil, false)
	if err != nil {
		t.Fatalf("ReleaseAndRetranslate: %v", err)
	}

	if _, ok := reg.FindByHostAddr(newB.HostAddr); !ok {
		t.Error("replacement chunk not found in registry by its new host address")
	}

	var patched []byte
	if err := aAlloc.WriteRegion(aRegion, uint32(directPatchSite.Sub(a.HostAddr)), 4, func(buf []byte) {
		patched = append(patched, buf...)
	}); err != nil {
		t.Fatalf("WriteRegion: %v", err)
	}
	gotDisp := int32(binary.LittleEndian.Uint32(patched))
	wantDisp := int32(newB.HostAddr.Sub(directPatchSite) - 4)
	if gotDisp != wantDisp {
		t.Errorf("direct edge displacement = %d, want %d", gotDisp, wantDisp)
	}

	if got := indirectEdge.ToHostAddr(); got != newB.HostAddr {
		t.Errorf("indirect edge cell = %s, want %s", got, newB.HostAddr)
	}

	foundDirect, foundIndirect := false, false
	for _, e := range newB.LinksIn {
		if e == directEdge {
			foundDirect = true
		}
		if e == indirectEdge {
			foundIndirect = true
		}
	}
	if !foundDirect {
		t.Error("direct edge not moved onto replacement chunk's LinksIn")
	}
	if !foundIndirect {
		t.Error("indirect edge not moved onto replacement chunk's LinksIn")
	}
}

type fakeQuiescer struct {
	quiesced, resumed int
}

func (q *fakeQuiescer) Quiesce() { q.quiesced++ }
func (q *fakeQuiescer) Resume()  { q.resumed++ }

// TestReleaseAndRetranslateQuiescesWhenConservative covers btconfig's
// ConservativeLinkRebind wiring: when set, and a Quiescer is supplied,
// the rebind loop runs inside a Quiesce/Resume bracket; when not set, the
// quiescer is left untouched even though it's available.
func TestReleaseAndRetranslateQuiescesWhenConservative(t *testing.T) {
	alloc, err := hostmem.New("prefaulted-pool", 1<<20)
	if err != nil {
		t.Fatalf("hostmem.New: %v", err)
	}
	m := bttest.NewMap(0xdeadbeef)
	reg := registry.New()

	spec := bttest.BuildSpec(0x3000, false, []bttest.InstrSpec{{GuestLen: 4, HostLen: 8}})
	c, err := chunk.New(alloc, spec)
	if err != nil {
		t.Fatalf("chunk.New: %v", err)
	}
	c.MakeLive(m, reg)

	gen := bttest.NewGenerator()
	gen.Register(0x3000, bttest.BuildSpec(0x3000, false, []bttest.InstrSpec{{GuestLen: 4, HostLen: 8}}))

	q := &fakeQuiescer{}
	if _, err := ReleaseAndRetranslate(c, m, reg, gen.Generate, alloc, m, q, false); err != nil {
		t.Fatalf("ReleaseAndRetranslate (non-conservative): %v", err)
	}
	if q.quiesced != 0 || q.resumed != 0 {
		t.Errorf("non-conservative call touched the quiescer: quiesced=%d resumed=%d", q.quiesced, q.resumed)
	}

	c2, err := chunk.New(alloc, bttest.BuildSpec(0x4000, false, []bttest.InstrSpec{{GuestLen: 4, HostLen: 8}}))
	if err != nil {
		t.Fatalf("chunk.New: %v", err)
	}
	c2.MakeLive(m, reg)
	gen.Register(0x4000, bttest.BuildSpec(0x4000, false, []bttest.InstrSpec{{GuestLen: 4, HostLen: 8}}))

	if _, err := ReleaseAndRetranslate(c2, m, reg, gen.Generate, alloc, m, q, true); err != nil {
		t.Fatalf("ReleaseAndRetranslate (conservative): %v", err)
	}
	if q.quiesced != 1 || q.resumed != 1 {
		t.Errorf("conservative call: quiesced=%d resumed=%d, want 1 and 1", q.quiesced, q.resumed)
	}
}
