// Package registry implements the Chunk Registry of spec.md §3: the
// per-process catalog of all live chunks, supporting lookup by host
// address. This is the reverse mapping used during signal handling (host
// PC → guest PC) and during link-back resolution in retranslation.
package registry

import (
	"sync"

	"github.com/google/btree"

	"github.com/blackforge/xlate/pkg/btcache/chunk"
	"github.com/blackforge/xlate/pkg/hostarch"
)

// item is the btree element: chunks ordered by their host start address.
type item struct {
	c *chunk.Chunk
}

func less(a, b item) bool {
	return a.c.HostAddr < b.c.HostAddr
}

// Registry is the per-process chunk catalog. All methods are safe for
// concurrent use; a single mutex guards inserts, removes, and lookups.
// That mutex covers the registry's own index only: Chunk.LinksIn/LinksOut
// mutations (AddLinkFrom, the invalidation engine's rebind loop) happen
// without it held.
type Registry struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[item]
	byID map[*chunk.Chunk]struct{}
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		tree: btree.NewG(32, less),
		byID: make(map[*chunk.Chunk]struct{}),
	}
}

// Insert adds c to the registry. Satisfies chunk.Registry.
func (r *Registry) Insert(c *chunk.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.insertLocked(c)
}

func (r *Registry) insertLocked(c *chunk.Chunk) {
	r.tree.ReplaceOrInsert(item{c: c})
	r.byID[c] = struct{}{}
}

// Remove drops c from the registry. Satisfies chunk.Registry. A no-op if c
// was never inserted, or was already removed.
func (r *Registry) Remove(c *chunk.Chunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(c)
}

func (r *Registry) removeLocked(c *chunk.Chunk) {
	r.tree.Delete(item{c: c})
	delete(r.byID, c)
}

// FindByHostAddr returns the chunk whose host range contains addr, if any.
func (r *Registry) FindByHostAddr(addr hostarch.HostAddr) (*chunk.Chunk, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.findByHostAddrLocked(addr)
}

func (r *Registry) findByHostAddrLocked(addr hostarch.HostAddr) (*chunk.Chunk, bool) {
	var found *chunk.Chunk
	r.tree.DescendLessOrEqual(item{c: &chunk.Chunk{HostAddr: addr}}, func(it item) bool {
		found = it.c
		return false
	})
	if found == nil {
		return nil, false
	}
	if addr >= found.HostAddr && addr < found.HostAddr.Add(found.HostLen) {
		return found, true
	}
	return nil, false
}

// Len returns the number of live chunks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// All returns a snapshot slice of every live chunk, for eviction scans.
func (r *Registry) All() []*chunk.Chunk {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*chunk.Chunk, 0, len(r.byID))
	for c := range r.byID {
		out = append(out, c)
	}
	return out
}
