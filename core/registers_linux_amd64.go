//go:build amd64

package core

import (
	"bytes"
	"encoding/binary"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// addressBits is the pointer width of the ABI this package was built
// for; FormatPointer/CanonicalRegisterNames key off of it.
const addressBits = 64

// ntX86XState is the kernel's NT_X86_XSTATE ptrace note type (0x202),
// used with PTRACE_GETREGSET to read the XSAVE area. golang.org/x/sys/unix
// at the version pinned by go.mod does not export this constant.
const ntX86XState = 0x202

func regsPC(r *sys.PtraceRegs) uint64 { return r.Rip }
func regsSP(r *sys.PtraceRegs) uint64 { return r.Rsp }
func regsBP(r *sys.PtraceRegs) uint64 { return r.Rbp }

// AMD64FPRegs mirrors user_fpregs_struct from <sys/user.h>: the legacy
// FXSAVE area the kernel hands back for PTRACE_GETFPREGS, and also the
// first 512 bytes of an XSAVE buffer. Grounded on
// pkg/proc/amd64util/xsave.go's AMD64PtraceFpRegs.
type AMD64FPRegs struct {
	Cwd, Swd, Ftw, Fop uint16
	Rip, Rdp           uint64
	Mxcsr, MxcrMask    uint32
	StSpace            [32]uint32
	XmmSpace           [256]byte
	Padding            [24]uint32
}

// AMD64XState is the decoded portion of an XSAVE area this package
// cares about: the legacy FP/SSE area plus, when present, the AVX and
// AVX512 extended register banks. Grounded on
// pkg/proc/amd64util/xsave.go's AMD64Xstate/AMD64XstateRead.
type AMD64XState struct {
	AMD64FPRegs
	AvxPresent    bool
	YmmUpper      [256]byte
	Avx512Present bool
	ZmmUpper      [512]byte
}

const (
	xsaveHeaderStart          = 512
	xsaveHeaderLen            = 64
	xsaveExtendedRegionStart  = 576
	xsaveAvx512ZmmRegionStart = 1152
)

// decodeXState parses a raw NT_X86_XSTATE PTRACE_GETREGSET buffer,
// following the XSAVE area layout in Intel SDM Vol. 1 §13.1.
func decodeXState(raw []byte, out *AMD64XState) {
	if len(raw) < xsaveHeaderStart {
		return
	}
	rdr := bytes.NewReader(raw[:xsaveHeaderStart])
	binary.Read(rdr, binary.LittleEndian, &out.AMD64FPRegs)

	if xsaveHeaderStart+xsaveHeaderLen > len(raw) {
		return
	}
	header := raw[xsaveHeaderStart : xsaveHeaderStart+xsaveHeaderLen]
	xstateBV := binary.LittleEndian.Uint64(header[0:8])
	xcompBV := binary.LittleEndian.Uint64(header[8:16])
	if xcompBV&(1<<63) != 0 {
		return // compacted format not supported
	}
	if xstateBV&(1<<2) == 0 || xsaveExtendedRegionStart > len(raw) {
		return // no AVX state
	}
	avx := raw[xsaveExtendedRegionStart:]
	out.AvxPresent = true
	copy(out.YmmUpper[:], avx)

	if xstateBV&(1<<6) == 0 || xsaveAvx512ZmmRegionStart > len(raw) {
		return // no AVX512 state
	}
	avx512 := raw[xsaveAvx512ZmmRegionStart:]
	out.Avx512Present = true
	copy(out.ZmmUpper[:], avx512)
}

// fillExtendedState reads FS/GS base (already part of sys.PtraceRegs on
// amd64), the XSAVE area via PTRACE_GETREGSET/NT_X86_XSTATE, and the
// hardware debug registers, tolerating ENODEV/EIO/EINVAL the way
// pkg/proc/native/ptrace_linux_386.go's ptraceGetRegset does for older
// kernels that lack XSAVE support, rather than failing the whole read.
func (s *Session) fillExtendedState(tid ThreadID, cs *CPUState) {
	cs.FsBase = cs.GPRegs.Fs_base
	cs.GsBase = cs.GPRegs.Gs_base

	var xstateBuf [2969]byte
	iov := sys.Iovec{Base: &xstateBuf[0], Len: uint64(len(xstateBuf))}
	var err error
	s.dispatch(func() {
		_, _, e := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GETREGSET, uintptr(tid), ntX86XState, uintptr(unsafe.Pointer(&iov)), 0, 0)
		if e != 0 {
			err = e
		}
	})
	if err == nil {
		decodeXState(xstateBuf[:iov.Len], &cs.XState)
		cs.Present.XSave = true
		cs.Present.FP = true
	} else if isTolerableRegsetErr(err) {
		// Fall back to the legacy FXSAVE-only request, tolerating the
		// same errnos ptraceGetRegset does for kernels without XSAVE.
		var fp AMD64FPRegs
		var ferr error
		s.dispatch(func() {
			_, _, e := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GETFPREGS, uintptr(tid), 0, uintptr(unsafe.Pointer(&fp)), 0, 0)
			if e != 0 {
				ferr = e
			}
		})
		if ferr == nil {
			cs.XState.AMD64FPRegs = fp
			cs.Present.FP = true
		}
	}

	if drs, derr := s.readDebugRegisters(tid); derr == nil {
		cs.DebugRegisters = *drs
		cs.Present.DebugRegs = true
	}
}

// debugRegUserOffset is the byte offset of u_debugreg[0] inside struct
// user on amd64 Linux, used with PEEKUSER/POKEUSER since there is no
// PTRACE_GETREGSET note for debug registers. Grounded on
// pkg/proc/native/threads_linux_amd64.go's debugRegUserOffset constant.
const debugRegUserOffset = 848

// isTolerableRegsetErr reports the errnos ptraceGetRegset
// (pkg/proc/native/ptrace_linux_386.go) treats as "this kernel/CPU just
// doesn't have this feature" rather than a real failure.
func isTolerableRegsetErr(err error) bool {
	return err == sys.ENODEV || err == sys.EIO || err == sys.EINVAL
}

func (s *Session) readDebugRegisters(tid ThreadID) (*DebugRegisterFile, error) {
	var drs DebugRegisterFile
	var err error
	s.dispatch(func() {
		for i := 0; i < 4; i++ {
			var w uint64
			w, err = ptracePeekUser(tid, uintptr(debugRegUserOffset+i*8))
			if err != nil {
				return
			}
			drs.DR[i] = w
		}
		if err == nil {
			drs.DR6, err = ptracePeekUser(tid, uintptr(debugRegUserOffset+6*8))
		}
		if err == nil {
			drs.DR7, err = ptracePeekUser(tid, uintptr(debugRegUserOffset+7*8))
		}
	})
	if err != nil {
		return nil, err
	}
	return &drs, nil
}

// writeDebugRegisters pushes drs back via POKEUSER, used by hardware
// breakpoint/watchpoint support.
func (s *Session) writeDebugRegisters(tid ThreadID, drs *DebugRegisterFile) error {
	var err error
	s.dispatch(func() {
		for i := 0; i < 4; i++ {
			if err = ptracePokeUser(tid, uintptr(debugRegUserOffset+i*8), drs.DR[i]); err != nil {
				return
			}
		}
		if err == nil {
			err = ptracePokeUser(tid, uintptr(debugRegUserOffset+6*8), drs.DR6)
		}
		if err == nil {
			err = ptracePokeUser(tid, uintptr(debugRegUserOffset+7*8), drs.DR7)
		}
	})
	return err
}
