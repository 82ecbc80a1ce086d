package core

import sys "golang.org/x/sys/unix"

// CapabilitySet names which parts of a thread's CPU state a given
// platform/kernel combination was able to fetch, following the
// re-architecture guidance to represent CPU state as a capability set
// rather than an all-or-nothing struct.
type CapabilitySet struct {
	GPR          bool
	FP           bool
	XSave        bool
	SegmentBases bool // x86-32 only, via PTRACE_GET_THREAD_AREA
	DebugRegs    bool
}

// CPUState is everything this package knows how to read back from a
// stopped thread. Present indicates which fields were actually filled
// in; unsupported fields are left at their zero value rather than
// causing the whole read to fail, matching the teacher's lazy
// FP-register loading (pkg/proc/native/registers_linux_amd64.go).
type CPUState struct {
	Present CapabilitySet

	GPRegs sys.PtraceRegs

	FPRegs AMD64FPRegs

	XState AMD64XState

	FsBase, GsBase uint64

	DebugRegisters DebugRegisterFile
}

// DebugRegisterFile is the raw DR0-DR3/DR6/DR7 contents, independent of
// how they got read (PEEKUSER on this package's supported platforms).
type DebugRegisterFile struct {
	DR [4]uint64
	DR6, DR7 uint64
}

// PC returns the stopped thread's instruction pointer.
func (c *CPUState) PC() Address { return Address(regsPC(&c.GPRegs)) }

// SP returns the stopped thread's stack pointer.
func (c *CPUState) SP() Address { return Address(regsSP(&c.GPRegs)) }

// BP returns the stopped thread's frame pointer.
func (c *CPUState) BP() Address { return Address(regsBP(&c.GPRegs)) }

// GetRegisters fetches tid's general purpose registers, and on amd64
// also its XSAVE-derived FP/AVX state and segment bases, following the
// fetch order in pkg/proc/native/registers_linux_amd64.go / ptrace_linux_386.go.
func (s *Session) GetRegisters(tid ThreadID) (*CPUState, error) {
	rec, ok := s.threads.get(tid)
	if !ok {
		return nil, newErr(NotAttached, tid, errUnknownThread)
	}
	if rec.State != Stopped {
		return nil, newErr(ThreadNotStopped, tid, errUnknownThread)
	}

	cs := &CPUState{}
	var err error
	s.dispatch(func() { err = sys.PtraceGetRegs(int(tid), &cs.GPRegs) })
	if err != nil {
		return nil, convertThreadExitErr(tid, err)
	}
	cs.Present.GPR = true

	s.fillExtendedState(tid, cs)

	rec.LastPC = cs.PC()
	return cs, nil
}

// SetRegisters writes back cs.GPRegs and, if cs.Present.DebugRegs is
// set, DR0-DR3/DR6/DR7. Floating point/SSE/XSAVE state is never written
// back by this package; the caller is not notified of an error for that
// part because there simply is no attempt made to write it, per this
// module's resolved open question on FP write-back.
func (s *Session) SetRegisters(tid ThreadID, cs *CPUState) error {
	rec, ok := s.threads.get(tid)
	if !ok {
		return newErr(NotAttached, tid, errUnknownThread)
	}
	if rec.State != Stopped {
		return newErr(ThreadNotStopped, tid, errUnknownThread)
	}
	var err error
	s.dispatch(func() { err = sys.PtraceSetRegs(int(tid), &cs.GPRegs) })
	if err != nil {
		return convertThreadExitErr(tid, err)
	}
	if cs.Present.DebugRegs {
		if err := s.writeDebugRegisters(tid, &cs.DebugRegisters); err != nil {
			return convertThreadExitErr(tid, err)
		}
	}
	return nil
}
