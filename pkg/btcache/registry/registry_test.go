package registry

import (
	"testing"

	"github.com/blackforge/xlate/pkg/btcache/chunk"
	"github.com/blackforge/xlate/pkg/hostarch"
)

func TestFindByHostAddr(t *testing.T) {
	r := New()
	a := &chunk.Chunk{HostAddr: 0x1000, HostLen: 0x40}
	b := &chunk.Chunk{HostAddr: 0x2000, HostLen: 0x40}
	r.Insert(a)
	r.Insert(b)

	tests := []struct {
		addr hostarch.HostAddr
		want *chunk.Chunk
		ok   bool
	}{
		{0x1000, a, true},
		{0x103f, a, true},
		{0x1040, nil, false}, // one past A's range, not covered by B either
		{0x2010, b, true},
		{0x0fff, nil, false},
		{0x3000, nil, false},
	}
	for _, tc := range tests {
		got, ok := r.FindByHostAddr(tc.addr)
		if ok != tc.ok || got != tc.want {
			t.Errorf("FindByHostAddr(%s) = (%v, %v), want (%v, %v)", tc.addr, got, ok, tc.want, tc.ok)
		}
	}
}

func TestRemove(t *testing.T) {
	r := New()
	a := &chunk.Chunk{HostAddr: 0x1000, HostLen: 0x40}
	r.Insert(a)
	if r.Len() != 1 {
		t.Fatalf("Len after Insert = %d, want 1", r.Len())
	}
	r.Remove(a)
	if r.Len() != 0 {
		t.Fatalf("Len after Remove = %d, want 0", r.Len())
	}
	if _, ok := r.FindByHostAddr(0x1000); ok {
		t.Error("FindByHostAddr found a removed chunk")
	}
}

func TestAll(t *testing.T) {
	r := New()
	a := &chunk.Chunk{HostAddr: 0x1000, HostLen: 0x10}
	b := &chunk.Chunk{HostAddr: 0x2000, HostLen: 0x10}
	r.Insert(a)
	r.Insert(b)

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("All() returned %d chunks, want 2", len(all))
	}
}
