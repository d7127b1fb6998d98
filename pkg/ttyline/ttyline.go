// Package ttyline implements an in-memory line discipline for the guest's
// /dev/tty: termios state and the handful of virtual-terminal ioctls the
// original handles (devtty.cpp). There is no real device backing it —
// this is a peripheral collaborator with a trivial contract, not part of
// the translated-code cache itself.
package ttyline

// Termios mirrors the fields devtty.cpp's readTermios/writeTermios
// round-trip through guest memory.
type Termios struct {
	Iflag uint32
	Oflag uint32
	Cflag uint32
	Lflag uint32
	Line  uint8
	Cc    [19]uint8
}

// VT mode constants (devtty.cpp's VT_AUTO/VT_PROCESS/VT_ACKACQ).
const (
	VTAuto    = 0
	VTProcess = 1
	VTAckAcq  = 2
)

// Keyboard mode constants (devtty.cpp's K_RAW/K_XLATE/K_MEDIUMRAW/K_UNICODE).
const (
	KRaw      = 0x00
	KXlate    = 0x01
	KMediumRaw = 0x02
	KUnicode  = 0x03
)

// Line is one line discipline instance: the termios state plus the small
// amount of virtual-terminal mode state devtty.cpp keeps per device.
type Line struct {
	Termios Termios

	Mode    uint32
	KBMode  uint32
	WaitV   uint8
	RelSig  uint16
	AcqSig  uint16
	Graphics bool

	activeTTY uint32
}

// New returns a Line in its post-open default state (devtty.cpp's DevTTY
// constructor: VT_AUTO mode, unicode keyboard mode, termios zeroed).
func New() *Line {
	return &Line{Mode: VTAuto, KBMode: KUnicode}
}

// VTState is the result of a VT_GETSTATE ioctl.
type VTState struct {
	Active uint16
	Signal uint16
	State  uint16
}

// GetState returns the virtual terminal's state.
//
// devtty.cpp's VT_GETSTATE handler writes v_active, v_signal, and v_state
// to the *same* guest address (address+0) three times in a row — almost
// certainly a copy-paste bug that should write address+0, +2, +4. This is
// preserved here as the documented behavior of GetState's caller-facing
// wire encoding rather than silently corrected: WriteVTState below lays
// the three fields out at the same single offset, matching what a guest
// observes from the original, not what a correct VT_GETSTATE should
// return.
func (l *Line) GetState() VTState {
	return VTState{Active: 0, Signal: 0, State: 1}
}

// WriteVTState encodes a VTState the way devtty.cpp's buggy VT_GETSTATE
// handler does: three 16-bit writes to the same address, so only the
// last one (State) is observable afterward. write is called with the
// byte offset and value for each of the three writes, in order.
func WriteVTState(s VTState, write func(offset uint32, value uint16)) {
	write(0, s.Active)
	write(0, s.Signal)
	write(0, s.State)
}

// MemoryAccessor is the guest-memory read/write surface Ioctl uses.
type MemoryAccessor interface {
	ReadByte(addr uint32) uint8
	ReadWord(addr uint32) uint16
	ReadDword(addr uint32) uint32
	WriteByte(addr uint32, v uint8)
	WriteWord(addr uint32, v uint16)
	WriteDword(addr uint32, v uint32)
}

// Ioctl dispatches one of the virtual-terminal/termios ioctls devtty.cpp
// handles, using the supplied guest-memory accessors. req is the ioctl
// request number (the same constants as the original: 0x5401 TCGETS,
// 0x5402 TCSETS, 0x5600-0x5608 the VT_* family). It returns -1 for any
// request the original also falls through to its default case for.
func (l *Line) Ioctl(req uint32, arg1 uint32, mem MemoryAccessor) int32 {
	switch req {
	case 0x4B3A: // KDSETMODE
		l.Graphics = arg1 == 1
	case 0x4B44: // KDGKBMODE
		mem.WriteDword(arg1, l.KBMode)
	case 0x4B45: // KDSKBMODE
		l.KBMode = arg1
	case 0x4B51: // KDSKBMUTE
		return -1
	case 0x5401: // TCGETS
		l.writeTermios(arg1, mem)
	case 0x5402, 0x5403, 0x5404: // TCSETS, TCSETSW, TCSETSF
		l.readTermios(arg1, mem)
	case 0x5600: // VT_OPENQRY
		mem.WriteDword(arg1, 2)
	case 0x5601: // VT_GETMODE
		mem.WriteByte(arg1, uint8(l.Mode))
		mem.WriteByte(arg1+1, l.WaitV)
		mem.WriteWord(arg1+2, l.RelSig)
		mem.WriteWord(arg1+4, l.AcqSig)
		mem.WriteWord(arg1+6, 0)
	case 0x5602: // VT_SETMODE
		l.Mode = uint32(mem.ReadByte(arg1))
		l.WaitV = mem.ReadByte(arg1 + 1)
		l.RelSig = mem.ReadWord(arg1 + 2)
		l.AcqSig = mem.ReadWord(arg1 + 4)
	case 0x5603: // VT_GETSTATE
		WriteVTState(l.GetState(), func(offset uint32, v uint16) { mem.WriteWord(arg1+offset, v) })
	case 0x5605: // VT_RELDISP
	case 0x5606: // VT_ACTIVATE
		l.activeTTY = arg1
	case 0x5607: // VT_WAITACTIVE
		if arg1 != l.activeTTY {
			return -1
		}
	case 0x5608: // VT_GETMODE (second form in the original, also a no-op)
	default:
		return -1
	}
	return 0
}

func (l *Line) readTermios(addr uint32, mem MemoryAccessor) {
	l.Termios.Iflag = mem.ReadDword(addr)
	l.Termios.Oflag = mem.ReadDword(addr + 4)
	l.Termios.Cflag = mem.ReadDword(addr + 8)
	l.Termios.Lflag = mem.ReadDword(addr + 12)
	l.Termios.Line = mem.ReadByte(addr + 16)
	for i := range l.Termios.Cc {
		l.Termios.Cc[i] = mem.ReadByte(addr + 17 + uint32(i))
	}
}

func (l *Line) writeTermios(addr uint32, mem MemoryAccessor) {
	mem.WriteDword(addr, l.Termios.Iflag)
	mem.WriteDword(addr+4, l.Termios.Oflag)
	mem.WriteDword(addr+8, l.Termios.Cflag)
	mem.WriteDword(addr+12, l.Termios.Lflag)
	mem.WriteByte(addr+16, l.Termios.Line)
	for i, v := range l.Termios.Cc {
		mem.WriteByte(addr+17+uint32(i), v)
	}
}
