package link

import (
	"sync/atomic"
	"unsafe"

	"github.com/blackforge/xlate/pkg/hostarch"
)

// addrOfUintptr returns the host address of an atomic.Uintptr field, for
// exposing a Link's own destination cell to generated code.
func addrOfUintptr(p *atomic.Uintptr) hostarch.HostAddr {
	return hostarch.HostAddr(uintptr(unsafe.Pointer(p)))
}
