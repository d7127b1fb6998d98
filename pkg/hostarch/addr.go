// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package hostarch defines the address types shared by every layer of the
// translated-code cache: guest linear addresses and host addresses into the
// translator's executable-memory arena.
package hostarch

import "fmt"

// GuestAddr is an absolute 32-bit x86 guest linear address (guest EIP plus
// code-segment base at translation time).
type GuestAddr uint32

// HostAddr is a pointer-sized address into the translator's host executable
// memory arena.
type HostAddr uintptr

// Add returns a+delta.
func (a GuestAddr) Add(delta uint32) GuestAddr { return a + GuestAddr(delta) }

// Add returns a+delta.
func (a HostAddr) Add(delta uint32) HostAddr { return a + HostAddr(delta) }

// Sub returns a-b as a signed byte count.
func (a HostAddr) Sub(b HostAddr) int64 { return int64(a) - int64(b) }

func (a GuestAddr) String() string { return fmt.Sprintf("0x%08x", uint32(a)) }
func (a HostAddr) String() string  { return fmt.Sprintf("0x%016x", uintptr(a)) }

// GuestRange is a half-open range [Start, Start+Len) of guest linear
// addresses.
type GuestRange struct {
	Start GuestAddr
	Len   uint32
}

// End returns the address immediately after the range.
func (r GuestRange) End() GuestAddr { return r.Start.Add(r.Len) }

// Contains reports whether a falls within r.
func (r GuestRange) Contains(a GuestAddr) bool {
	return a >= r.Start && a < r.End()
}

// Overlaps reports whether r and other share any byte.
func (r GuestRange) Overlaps(other GuestRange) bool {
	return r.Start < other.End() && other.Start < r.End()
}

// HostRange is a half-open range [Start, Start+Len) of host addresses.
type HostRange struct {
	Start HostAddr
	Len   uint32
}

// End returns the address immediately after the range.
func (r HostRange) End() HostAddr { return r.Start.Add(r.Len) }

// Contains reports whether a falls within r.
func (r HostRange) Contains(a HostAddr) bool {
	return a >= r.Start && a < r.End()
}
