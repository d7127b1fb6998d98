// Package translator ties the Chunk, EIP→Host Map, Chunk Registry, Link
// Table, and Invalidation Engine together behind the three operations
// spec.md §6 exposes to the rest of the process: TranslateAndPublish,
// InvalidateRange, and ResolveFault.
package translator

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sync/singleflight"

	"github.com/blackforge/xlate/pkg/btcache"
	"github.com/blackforge/xlate/pkg/btcache/chunk"
	"github.com/blackforge/xlate/pkg/btcache/eipmap"
	"github.com/blackforge/xlate/pkg/btcache/invalidate"
	"github.com/blackforge/xlate/pkg/btcache/registry"
	"github.com/blackforge/xlate/pkg/btconfig"
	"github.com/blackforge/xlate/pkg/btlog"
	"github.com/blackforge/xlate/pkg/hostarch"
	"github.com/blackforge/xlate/pkg/hostmem"
)

var log = btlog.WithComponent("translator")

// MemoryCollaborator is the Go shape of spec.md §6's memory collaborator:
// the EIP→Host Map operations Chunk needs (embedded chunk.Map) plus the
// page-protection step the invalidation engine calls before publishing a
// retranslated chunk. A concrete implementation of this interface
// automatically satisfies chunk.Map and invalidate.MemoryCollaborator too.
type MemoryCollaborator interface {
	chunk.Map
	MakePendingCodePagesReadOnly()
}

// Generator is spec.md §6's black-box decoder+codegen collaborator.
type Generator interface {
	Generate(guest hostarch.GuestAddr) (chunk.Spec, error)
}

// Cache is the process-wide translated-code cache: one Registry, one
// MemoryCollaborator, one Generator, and the allocator backing every
// chunk it publishes.
type Cache struct {
	mem   MemoryCollaborator
	gen   Generator
	reg   *registry.Registry
	alloc hostmem.Allocator

	guardByte    byte
	retry        btconfig.RetryConfig
	conservative bool

	inflight singleflight.Group
}

// New constructs a Cache around an already-built MemoryCollaborator and
// Allocator. cfg supplies the allocator-exhaustion retry policy, the guard
// byte InvalidateRange's partial invalidation writes (chunk construction
// always pads with chunk's own 0xCE), and the conservative-link-rebind
// flag; pass
// btconfig.Default() for the stock policy. Use this constructor directly
// when the caller needs to hand in its own Allocator (tests commonly do,
// to force a tiny pool); production assembly should generally prefer
// NewFromConfig, which also builds the allocator and EIP→Host map from cfg.
func New(mem MemoryCollaborator, gen Generator, alloc hostmem.Allocator, cfg btconfig.Config) *Cache {
	return &Cache{
		mem:          mem,
		gen:          gen,
		reg:          registry.New(),
		alloc:        alloc,
		guardByte:    cfg.Allocator.GuardByte,
		retry:        cfg.Retry,
		conservative: cfg.ConservativeLinkRebind,
	}
}

// PendingPageProtector is the page-protection half of a MemoryCollaborator
// that only the CPU dispatcher collaborator can provide — spec.md §4.5.B's
// "make pending code pages read-only before the replacement goes live"
// step. NewFromConfig combines it with an EIP→Host Map built from cfg to
// assemble a full MemoryCollaborator, so callers don't need to implement
// chunk.Map themselves just to supply the page-protection half.
type PendingPageProtector interface {
	MakePendingCodePagesReadOnly()
}

// mapCollaborator adapts an eipmap.Map plus a PendingPageProtector into a
// full MemoryCollaborator. It also implements invalidate.Quiescer,
// delegating to the protector when the protector itself implements it and
// no-opping otherwise — so InvalidateRange's type assertion for a
// Quiescer always succeeds on a NewFromConfig-built Cache, and
// cfg.ConservativeLinkRebind takes effect whenever the supplied protector
// actually supports quiescing.
type mapCollaborator struct {
	eipmap.Map
	PendingPageProtector
}

func (mc mapCollaborator) Quiesce() {
	if q, ok := mc.PendingPageProtector.(invalidate.Quiescer); ok {
		q.Quiesce()
	}
}

func (mc mapCollaborator) Resume() {
	if q, ok := mc.PendingPageProtector.(invalidate.Quiescer); ok {
		q.Resume()
	}
}

// NewFromConfig is the production cache-assembly point: it selects the
// EIP→Host Map implementation (flat vs. paged) and the executable-memory
// allocator backend (mprotect-flip vs. prefaulted-pool) from cfg, per
// spec.md §4.1/§4.3's requirement that both be "selected at construction
// by pkg/btconfig" rather than picked by the caller. protector supplies
// the dispatcher-owned page-protection step; trampoline is the host
// address of the dispatcher's retranslate trampoline, installed as the
// EIP→Host Map's miss sentinel. If protector also implements
// invalidate.Quiescer, InvalidateRange uses it to honor
// cfg.ConservativeLinkRebind.
func NewFromConfig(protector PendingPageProtector, gen Generator, trampoline hostarch.HostAddr, cfg btconfig.Config) (*Cache, error) {
	alloc, err := hostmem.New(string(cfg.Allocator.Backend), cfg.Allocator.PoolBytes)
	if err != nil {
		return nil, fmt.Errorf("translator: build allocator: %w", err)
	}
	m, err := eipmap.FromConfig(cfg.EipMap, trampoline)
	if err != nil {
		return nil, fmt.Errorf("translator: build eip map: %w", err)
	}
	mem := mapCollaborator{Map: m, PendingPageProtector: protector}
	return New(mem, gen, alloc, cfg), nil
}

// Registry exposes the cache's chunk catalog, e.g. for diagnostics.
func (c *Cache) Registry() *registry.Registry { return c.reg }

// TranslateAndPublish produces and publishes a chunk for guest, or returns
// the in-flight result if another goroutine is already translating the
// same address (golang.org/x/sync/singleflight dedupes concurrent callers
// racing the retranslate trampoline for one guest address).
func (c *Cache) TranslateAndPublish(guest hostarch.GuestAddr) (*chunk.Chunk, error) {
	v, err, _ := c.inflight.Do(guest.String(), func() (interface{}, error) {
		return c.translateAndPublish(guest)
	})
	if err != nil {
		return nil, err
	}
	return v.(*chunk.Chunk), nil
}

func (c *Cache) translateAndPublish(guest hostarch.GuestAddr) (*chunk.Chunk, error) {
	spec, err := c.gen.Generate(guest)
	if err != nil {
		return nil, fmt.Errorf("translator: generate %s: %w", guest, err)
	}

	newChunk, err := c.allocateWithRetry(spec)
	if err != nil {
		return nil, &btcache.InvariantError{Component: "translator", Err: err}
	}

	newChunk.MakeLive(c.mem, c.reg)
	return newChunk, nil
}

// allocateWithRetry constructs the chunk, evicting one dynamic chunk and
// retrying under a backoff policy each time the allocator reports
// exhaustion (spec.md §7). Any other construction error is permanent.
func (c *Cache) allocateWithRetry(spec chunk.Spec) (*chunk.Chunk, error) {
	var result *chunk.Chunk
	op := func() error {
		nc, err := chunk.New(c.alloc, spec)
		if err == nil {
			result = nc
			return nil
		}
		if errors.Is(err, hostmem.ErrExhausted) {
			if c.evictOneDynamic() {
				return err
			}
			return backoff.Permanent(fmt.Errorf("translator: allocator exhausted with no dynamic chunk left to evict: %w", err))
		}
		return backoff.Permanent(err)
	}

	b := newBackoff(c.retry)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return result, nil
}

func newBackoff(cfg btconfig.RetryConfig) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	if cfg.InitialIntervalMS > 0 {
		eb.InitialInterval = time.Duration(cfg.InitialIntervalMS) * time.Millisecond
	}
	if cfg.MaxIntervalMS > 0 {
		eb.MaxInterval = time.Duration(cfg.MaxIntervalMS) * time.Millisecond
	}
	if cfg.Multiplier > 0 {
		eb.Multiplier = cfg.Multiplier
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return backoff.WithMaxRetries(eb, uint64(maxAttempts))
}

// evictOneDynamic releases the first dynamic chunk it finds in the
// registry, freeing its host buffer for reuse, and reports whether it
// found one.
func (c *Cache) evictOneDynamic() bool {
	for _, ch := range c.reg.All() {
		if !ch.Dynamic {
			continue
		}
		ch.Release(c.mem, c.reg)
		log.WithField("chunk", ch.GuestAddr.String()).Warn("evicted dynamic chunk under allocator pressure")
		return true
	}
	return false
}

// InvalidateRange implements spec.md §6's invalidate_range: every live
// chunk overlapping [guest, guest+length) is invalidated, either by
// trigger A (partial, in place) when current reports the invalidating
// thread is itself executing inside that chunk — self-modifying code —
// or by trigger B (full release-and-retranslate) otherwise, since a
// foreign writer's change may have shifted the chunk's instruction
// boundaries entirely.
func (c *Cache) InvalidateRange(guest hostarch.GuestAddr, length uint32, current invalidate.CurrentEip) error {
	for _, ch := range c.reg.All() {
		if !ch.ContainsEip(guest, length) {
			continue
		}
		if current.Ok && ch.ContainsEip(current.Addr, 1) {
			from := guest
			if from < ch.GuestAddr {
				from = ch.GuestAddr
			}
			if err := invalidate.InvalidateFrom(ch, from, current, c.guardByte); err != nil {
				return err
			}
			continue
		}
		genFn := func(a hostarch.GuestAddr) (chunk.Spec, error) { return c.gen.Generate(a) }
		quiescer, _ := c.mem.(invalidate.Quiescer)
		if _, err := invalidate.ReleaseAndRetranslate(ch, c.mem, c.reg, genFn, c.alloc, c.mem, quiescer, c.conservative); err != nil {
			return err
		}
	}
	return nil
}

// ResolveFault implements spec.md §6's resolve_fault: given a faulting
// host PC, consult the Chunk Registry for the chunk covering it and
// return the guest instruction pointer whose translation it is.
func (c *Cache) ResolveFault(hostPC hostarch.HostAddr) (hostarch.GuestAddr, error) {
	ch, ok := c.reg.FindByHostAddr(hostPC)
	if !ok {
		return 0, fmt.Errorf("translator: no chunk covers host pc %s", hostPC)
	}
	guestStart, _, _, ok := ch.HostToEip(hostPC)
	if !ok {
		return 0, fmt.Errorf("translator: chunk at %s claims host pc %s but host_to_eip disagrees", ch.GuestAddr, hostPC)
	}
	return guestStart, nil
}
