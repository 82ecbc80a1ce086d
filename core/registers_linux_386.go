//go:build 386

package core

import (
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// addressBits is the pointer width of the ABI this package was built
// for; FormatPointer/CanonicalRegisterNames key off of it.
const addressBits = 32

func regsPC(r *sys.PtraceRegs) uint64 { return uint64(uint32(r.Eip)) }
func regsSP(r *sys.PtraceRegs) uint64 { return uint64(uint32(r.Esp)) }
func regsBP(r *sys.PtraceRegs) uint64 { return uint64(uint32(r.Ebp)) }

// AMD64FPRegs/AMD64XState are declared here with the same layout as on
// amd64 so CPUState has one shape on both ABIs; on 386 no XSAVE area is
// read and the AVX fields stay zero, so fillExtendedState restricts
// itself to segment bases via PTRACE_GET_THREAD_AREA and the legacy
// FXSAVE-compatible registers via PTRACE_GETFPXREGS, grounded on
// pkg/proc/native/ptrace_linux_386.go's ptraceGetRegset/ptraceGetTls.
type AMD64FPRegs struct {
	Cwd, Swd, Ftw, Fop uint16
	Rip, Rdp           uint64
	Mxcsr, MxcrMask    uint32
	StSpace            [32]uint32
	XmmSpace           [256]byte
	Padding            [24]uint32
}

type AMD64XState struct {
	AMD64FPRegs
	AvxPresent    bool
	YmmUpper      [256]byte
	Avx512Present bool
	ZmmUpper      [512]byte
}

// userDesc mirrors struct user_desc, the payload of
// PTRACE_GET_THREAD_AREA.
type userDesc struct {
	EntryNumber uint32
	BaseAddr    uint32
	Limit       uint32
	Flag        uint32
}

func (s *Session) fillExtendedState(tid ThreadID, cs *CPUState) {
	var fp AMD64FPRegs
	var ferr error
	s.dispatch(func() {
		_, _, e := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GETFPXREGS, uintptr(tid), 0, uintptr(unsafe.Pointer(&fp)), 0, 0)
		if e != 0 {
			ferr = e
		}
	})
	if ferr == nil {
		cs.XState.AMD64FPRegs = fp
		cs.Present.FP = true
	}

	// %fs and %gs each select an independent entry in the LDT/GDT via
	// PTRACE_GET_THREAD_AREA; a non-zero selector on either one needs its
	// own lookup; segBases counts as filled if either lookup succeeds.
	if fs := int32(cs.GPRegs.Xfs); fs != 0 {
		var ud userDesc
		var terr error
		s.dispatch(func() {
			_, _, e := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GET_THREAD_AREA, uintptr(tid), uintptr(fs>>3), uintptr(unsafe.Pointer(&ud)), 0, 0)
			if e != 0 {
				terr = e
			}
		})
		if terr == nil {
			cs.FsBase = uint64(ud.BaseAddr)
			cs.Present.SegmentBases = true
		}
	}

	if gs := int32(cs.GPRegs.Xgs); gs != 0 {
		var ud userDesc
		var terr error
		s.dispatch(func() {
			_, _, e := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GET_THREAD_AREA, uintptr(tid), uintptr(gs>>3), uintptr(unsafe.Pointer(&ud)), 0, 0)
			if e != 0 {
				terr = e
			}
		})
		if terr == nil {
			cs.GsBase = uint64(ud.BaseAddr)
			cs.Present.SegmentBases = true
		}
	}

	if drs, derr := s.readDebugRegisters(tid); derr == nil {
		cs.DebugRegisters = *drs
		cs.Present.DebugRegs = true
	}
}

// debugRegUserOffset is the byte offset of u_debugreg[0] inside struct
// user on x86-32 Linux. Differs from the amd64 offset since struct user
// has a different layout in the 32-bit ABI.
const debugRegUserOffset = 416

func (s *Session) readDebugRegisters(tid ThreadID) (*DebugRegisterFile, error) {
	var drs DebugRegisterFile
	var err error
	s.dispatch(func() {
		for i := 0; i < 4; i++ {
			var w uint64
			w, err = ptracePeekUser(tid, uintptr(debugRegUserOffset+i*4))
			if err != nil {
				return
			}
			drs.DR[i] = w
		}
		if err == nil {
			drs.DR6, err = ptracePeekUser(tid, uintptr(debugRegUserOffset+6*4))
		}
		if err == nil {
			drs.DR7, err = ptracePeekUser(tid, uintptr(debugRegUserOffset+7*4))
		}
	})
	if err != nil {
		return nil, err
	}
	return &drs, nil
}

func (s *Session) writeDebugRegisters(tid ThreadID, drs *DebugRegisterFile) error {
	var err error
	s.dispatch(func() {
		for i := 0; i < 4; i++ {
			if err = ptracePokeUser(tid, uintptr(debugRegUserOffset+i*4), drs.DR[i]); err != nil {
				return
			}
		}
		if err == nil {
			err = ptracePokeUser(tid, uintptr(debugRegUserOffset+6*4), drs.DR6)
		}
		if err == nil {
			err = ptracePokeUser(tid, uintptr(debugRegUserOffset+7*4), drs.DR7)
		}
	})
	return err
}
