package invalidate

import (
	"fmt"

	"github.com/blackforge/xlate/pkg/btcache/chunk"
	"github.com/blackforge/xlate/pkg/btcache/link"
	"github.com/blackforge/xlate/pkg/btcache/registry"
	"github.com/blackforge/xlate/pkg/hostmem"
)

// MemoryCollaborator is the narrow slice of the guest memory manager the
// retranslation path touches: spec.md §4.5.B's instruction that any of the
// old chunk's host pages still pending an executable mapping be forced
// read-only before the replacement goes live, so a stale writer can't race
// the rebind. Declared locally per this module's consumer-defined-interface
// convention.
type MemoryCollaborator interface {
	MakePendingCodePagesReadOnly()
}

// Quiescer is the CPU dispatcher collaborator's capability to pause every
// other guest thread's dispatch loop for the duration of a link rebind
// that isn't naturally atomic on the host architecture — spec.md §5's
// "conservative policy... mandated for non-x86 hosts". Declared locally
// per this package's consumer-defined-interface convention.
type Quiescer interface {
	Quiesce()
	Resume()
}

// ReleaseAndRetranslate implements trigger B (spec.md §4.5.B): guest code
// outside chunk c wrote into c's guest range (or c is being evicted), and
// c's entire guest range must be retranslated from scratch rather than
// patched in place. It detaches c, generates its replacement, rebinds
// every inbound edge onto the replacement, publishes the replacement, and
// frees c's host buffer — in that order. c's EIP→Host entries already
// resolve to the trampoline and c is out of the registry before any link
// rebind becomes visible; the replacement's entries and registry record
// are installed after the rebind loop, and c's storage is not released
// until after that.
//
// When conservative is set (btconfig's ConservativeLinkRebind, for hosts
// whose word writes aren't naturally atomic with respect to a
// concurrently executing instruction stream) and quiescer is non-nil, every
// other guest thread is paused for the whole inbound-edge rebind loop
// below rather than relying on the per-edge atomicity RebindDirect/
// RebindIndirect otherwise provide on their own.
func ReleaseAndRetranslate(c *chunk.Chunk, m chunk.Map, reg *registry.Registry, generate GenerateFunc, alloc hostmem.Allocator, collab MemoryCollaborator, quiescer Quiescer, conservative bool) (*chunk.Chunk, error) {
	c.Detach(m, reg)

	spec, err := generate(c.GuestAddr)
	if err != nil {
		return nil, fmt.Errorf("retranslate: generate %s: %w", c.GuestAddr, err)
	}
	newChunk, err := chunk.New(alloc, spec)
	if err != nil {
		return nil, fmt.Errorf("retranslate: build replacement for %s: %w", c.GuestAddr, err)
	}

	if collab != nil {
		collab.MakePendingCodePagesReadOnly()
	}

	if conservative && quiescer != nil {
		quiescer.Quiesce()
		defer quiescer.Resume()
	}

	remaining := make([]*link.Link, 0, len(c.LinksIn))
	for _, edge := range c.LinksIn {
		destGuestStart, destHost, _, ok := newChunk.EipToInstructionStart(edge.ToGuestAddr)
		if !ok || destGuestStart != edge.ToGuestAddr {
			// The replacement no longer has an instruction starting
			// exactly at the edge's target (the new translation split
			// or merged instructions differently). The edge is
			// dropped; whatever still branches through it will fault
			// into the trampoline and re-resolve.
			log.WithField("guest", edge.ToGuestAddr.String()).Warn("retranslate: inbound edge target vanished, dropping")
			continue
		}

		if edge.Direct {
			fromChunk, ok := reg.FindByHostAddr(edge.FromPatchSite)
			if !ok {
				log.WithField("patch_site", edge.FromPatchSite.String()).Warn("retranslate: direct edge's source chunk not found, dropping")
				continue
			}
			region, fromAlloc := fromChunk.Region()
			offset := uint32(edge.FromPatchSite.Sub(fromChunk.HostAddr))
			if err := edge.RebindDirect(fromAlloc, region, offset, destHost); err != nil {
				return nil, fmt.Errorf("retranslate: rebind direct edge at %s: %w", edge.FromPatchSite, err)
			}
		} else {
			edge.RebindIndirect(destHost)
		}

		newChunk.LinksIn = append(newChunk.LinksIn, edge)
		remaining = append(remaining, edge)
	}
	c.LinksIn = remaining

	newChunk.MakeLive(m, reg)
	c.FreeHostBuffer()

	log.WithField("chunk", c.GuestAddr.String()).WithField("links_rebound", len(remaining)).Info("release-and-retranslate complete")
	return newChunk, nil
}
