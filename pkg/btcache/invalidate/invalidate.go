// Package invalidate implements the Invalidation & Retranslation Engine of
// spec.md §4.5: partial invalidation inside a still-valid chunk (trigger A)
// and full chunk replacement (trigger B), preserving execution safety when
// the currently-executing thread is inside the affected chunk.
package invalidate

import (
	"fmt"

	"github.com/blackforge/xlate/pkg/btcache/chunk"
	"github.com/blackforge/xlate/pkg/btlog"
	"github.com/blackforge/xlate/pkg/hostarch"
	"github.com/blackforge/xlate/pkg/hostmem"
)

var log = btlog.WithComponent("invalidate")

// GenerateFunc produces a fresh translation for the guest code starting at
// addr — the black-box decoder+codegen collaborator of spec.md §6.
type GenerateFunc func(addr hostarch.GuestAddr) (chunk.Spec, error)

// CurrentEip reports the guest thread's current instruction pointer, if
// known. Per spec.md design note §9 ("re-architect as explicit context
// passed to every operation"), callers supply this rather than the engine
// reaching for global per-thread state.
type CurrentEip struct {
	Addr hostarch.GuestAddr
	Ok   bool
}

// InvalidateFrom implements trigger A (spec.md §4.5.A): the guest wrote
// into the middle of chunk c's own code region starting at guestA. It
// overwrites the affected host bytes with the guard byte so that
// subsequent execution of any clobbered instruction traps into
// retranslation, while never clobbering an instruction the current thread
// might still be executing.
//
// This path never touches a Link's rebind cell, so btconfig's
// ConservativeLinkRebind/Quiescer (see ReleaseAndRetranslate) has nothing
// to guard here: the guard-byte overwrite already goes through
// Allocator.WriteRegion's own mprotect-scoped, instruction-cache-cleared
// write.
func InvalidateFrom(c *chunk.Chunk, guestA hostarch.GuestAddr, current CurrentEip, guardByte byte) error {
	invalidateStart, hostStart, idx, ok := c.EipToInstructionStart(guestA)
	if !ok {
		return fmt.Errorf("invalidate: guest address %s not covered by chunk at %s", guestA, c.GuestAddr)
	}

	if current.Ok && current.Addr >= invalidateStart && c.ContainsEip(current.Addr, 1) {
		_, _, curIdx, curOk := c.EipToInstructionStart(current.Addr)
		if !curOk {
			return fmt.Errorf("invalidate: current eip %s claimed inside chunk but not found", current.Addr)
		}
		if curIdx == c.N-1 {
			// The current instruction is the last one; nothing to
			// clobber without clobbering it mid-flight.
			return nil
		}
		// Advance to the instruction after the one currently
		// executing.
		nextGuest := instructionStartAddr(c, curIdx).Add(uint32(c.GuestILen[curIdx]))
		_, hostStart, idx, ok = c.EipToInstructionStart(nextGuest)
		if !ok {
			return fmt.Errorf("invalidate: could not resolve instruction after current eip")
		}
	}

	remainingLen := c.HostLen - uint32(hostStart.Sub(c.HostAddr))
	region, alloc := c.Region()
	offset := uint32(hostStart.Sub(c.HostAddr))
	if err := alloc.WriteRegion(region, offset, remainingLen, func(buf []byte) {
		for i := range buf {
			buf[i] = guardByte
		}
	}); err != nil {
		return fmt.Errorf("invalidate: overwrite guard bytes: %w", err)
	}
	hostmem.ClearInstructionCache(hostStart, remainingLen)
	log.WithField("index", idx).WithField("chunk", c.GuestAddr.String()).Debug("partial invalidate applied")
	return nil
}

func instructionStartAddr(c *chunk.Chunk, idx uint32) hostarch.GuestAddr {
	g := c.GuestAddr
	for i := uint32(0); i < idx; i++ {
		g = g.Add(uint32(c.GuestILen[i]))
	}
	return g
}
