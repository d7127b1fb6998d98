// Package btconfig loads the translated-code cache's startup configuration
// from a TOML document: the EIP→Host map implementation to use, the
// executable-memory allocator backend, the guard-fill byte, and the retry
// policy applied on allocator exhaustion.
package btconfig

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// EipMapMode selects the EIP→Host Map implementation (spec.md §4.3).
type EipMapMode string

const (
	// ModeFlat covers the entire 4 GiB guest code space with one array.
	ModeFlat EipMapMode = "flat"
	// ModePaged uses a two-level page table of 4 KiB host-pointer rows.
	ModePaged EipMapMode = "paged"
)

// AllocatorBackend selects the executable memory allocator backend
// (spec.md §4.1's rationale).
type AllocatorBackend string

const (
	// BackendMprotectFlip toggles W^X per mutation via mprotect.
	BackendMprotectFlip AllocatorBackend = "mprotect-flip"
	// BackendPrefaultedPool hands out slices of one pre-faulted RWX pool.
	BackendPrefaultedPool AllocatorBackend = "prefaulted-pool"
)

// Config is the root configuration document.
type Config struct {
	EipMap    EipMapConfig    `toml:"eip_map"`
	Allocator AllocatorConfig `toml:"allocator"`
	Retry     RetryConfig     `toml:"retry"`
	// ConservativeLinkRebind forces the quiesce-before-patch policy
	// mandated by spec.md §5 for hosts whose word writes aren't
	// naturally atomic with respect to a concurrently executing
	// instruction stream. False is correct for x86 hosts.
	ConservativeLinkRebind bool `toml:"conservative_link_rebind"`
}

// EipMapConfig configures the EIP→Host Map.
type EipMapConfig struct {
	Mode EipMapMode `toml:"mode"`
}

// AllocatorConfig configures the executable memory allocator.
type AllocatorConfig struct {
	Backend    AllocatorBackend `toml:"backend"`
	GuardByte  uint8            `toml:"guard_byte"`
	PoolBytes  uint32           `toml:"pool_bytes"`
}

// RetryConfig configures the backoff policy used when the allocator is
// exhausted and dynamic chunks must be evicted before retrying (spec.md §7).
type RetryConfig struct {
	InitialIntervalMS int     `toml:"initial_interval_ms"`
	MaxIntervalMS     int     `toml:"max_interval_ms"`
	Multiplier        float64 `toml:"multiplier"`
	MaxAttempts       int     `toml:"max_attempts"`
}

// Default returns the configuration the translator uses when no TOML
// document is supplied.
func Default() Config {
	return Config{
		EipMap: EipMapConfig{Mode: ModePaged},
		Allocator: AllocatorConfig{
			Backend:   BackendMprotectFlip,
			GuardByte: 0xCE,
			PoolBytes: 64 << 20,
		},
		Retry: RetryConfig{
			InitialIntervalMS: 5,
			MaxIntervalMS:     200,
			Multiplier:        2.0,
			MaxAttempts:       5,
		},
		ConservativeLinkRebind: false,
	}
}

// Load decodes a TOML configuration document, filling any field the
// document omits from Default().
func Load(data []byte) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return Config{}, fmt.Errorf("btconfig: decode: %w", err)
	}
	return cfg, nil
}
