package core

import (
	"fmt"
	"os"

	"github.com/csky6688/edb-debugger/logflags"
)

// sessionMemory adapts a Session, bound to one thread, to the
// ProcessMemory interface other components (module enumeration,
// breakpoint installation from outside this package) consume.
type sessionMemory struct {
	s   *Session
	tid ThreadID
}

func (m sessionMemory) ReadBytes(addr Address, buf []byte) (int, error) {
	return m.s.ReadBytes(m.tid, addr, buf)
}

// Memory returns a ProcessMemory bound to the process's thread group
// leader, the thread module enumeration and other whole-process memory
// consumers should read through.
func (s *Session) Memory() ProcessMemory {
	return sessionMemory{s: s, tid: ThreadID(s.pid)}
}

// ReadWord reads one machine word (ptrace's native unit) from the
// tracee's address space via PTRACE_PEEKTEXT, grounded on readMemory in
// proc/threads_linux.go.
func (s *Session) ReadWord(tid ThreadID, addr Address) (uint64, error) {
	var buf [8]byte
	var n int
	var err error
	s.dispatch(func() { n, err = ptracePeekData(tid, addr, buf[:]) })
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, newErr(KernelDenied, tid, fmt.Errorf("short peek: got %d bytes", n))
	}
	return leUint64(buf[:]), nil
}

// WriteWord writes one machine word via PTRACE_POKETEXT.
func (s *Session) WriteWord(tid ThreadID, addr Address, word uint64) error {
	var buf [8]byte
	putLeUint64(buf[:], word)
	var err error
	s.dispatch(func() { _, err = ptracePokeData(tid, addr, buf[:]) })
	return err
}

// ReadBytes reads len(buf) bytes from the tracee starting at addr,
// using PTRACE_PEEKTEXT, and then overlays every installed software
// breakpoint's OriginalByte on top of the 0xCC trap byte actually
// present in the tracee, so callers see memory as if no breakpoint were
// set. Grounded on readMemory (proc/threads_linux.go) plus the shadow
// byte convention described for Breakpoint.
func (s *Session) ReadBytes(tid ThreadID, addr Address, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	var n int
	var err error
	s.dispatch(func() { n, err = ptracePeekData(tid, addr, buf) })
	if logflags.Memory() {
		logflags.MemoryLogger().Debugf("read tid=%d addr=%s len=%d err=%v", tid, FormatPointer(addr), len(buf), err)
	}
	if err != nil {
		return n, err
	}
	s.overlayBreakpoints(addr, buf[:n])
	return n, nil
}

// WriteBytes writes buf to the tracee starting at addr. If the write
// range overlaps an installed breakpoint's address, the 0xCC trap byte
// already installed there is preserved in the tracee (the caller's
// write updates this session's notion of OriginalByte instead), so an
// in-place memory write never silently removes a breakpoint.
func (s *Session) WriteBytes(tid ThreadID, addr Address, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}
	patched := append([]byte(nil), buf...)
	s.breakpointsMu.Lock()
	for bpAddr, bp := range s.breakpoints {
		if bpAddr < addr || bpAddr >= addr+Address(len(buf)) {
			continue
		}
		off := int(bpAddr - addr)
		bp.OrigByte = patched[off]
		patched[off] = 0xCC
	}
	s.breakpointsMu.Unlock()

	var n int
	var err error
	s.dispatch(func() { n, err = ptracePokeData(tid, addr, patched) })
	if logflags.Memory() {
		logflags.MemoryLogger().Debugf("write tid=%d addr=%s len=%d err=%v", tid, FormatPointer(addr), len(buf), err)
	}
	return n, err
}

func (s *Session) overlayBreakpoints(addr Address, buf []byte) {
	s.breakpointsMu.Lock()
	defer s.breakpointsMu.Unlock()
	for bpAddr, bp := range s.breakpoints {
		if !bp.Enabled || bpAddr < addr || bpAddr >= addr+Address(len(buf)) {
			continue
		}
		buf[bpAddr-addr] = bp.OrigByte
	}
}

// ReadPages reads len(buf) bytes starting at addr through
// /proc/<pid>/mem, opening and closing the file on every call rather
// than keeping a long-lived handle, per this package's resource model.
// Unlike ReadWord this does not round the read up to a word boundary,
// which makes it the right primitive for disassembly- or string-sized
// reads.
func (s *Session) ReadPages(addr Address, buf []byte) (int, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", int(s.pid)), os.O_RDONLY, 0)
	if err != nil {
		return 0, newErr(KernelDenied, 0, err)
	}
	defer f.Close()
	n, err := f.ReadAt(buf, int64(addr))
	if n > 0 {
		s.overlayBreakpoints(addr, buf[:n])
	}
	if err != nil {
		return n, newErr(KernelDenied, 0, err)
	}
	return n, nil
}

// WritePages writes buf to the tracee starting at addr through
// /proc/<pid>/mem.
func (s *Session) WritePages(addr Address, buf []byte) (int, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", int(s.pid)), os.O_WRONLY, 0)
	if err != nil {
		return 0, newErr(KernelDenied, 0, err)
	}
	defer f.Close()
	n, err := f.WriteAt(buf, int64(addr))
	if err != nil {
		return n, newErr(KernelDenied, 0, err)
	}
	return n, nil
}

func leUint64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putLeUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v)
		v >>= 8
	}
}

// Breakpoints returns every installed software breakpoint, satisfying
// BreakpointStore.
func (s *Session) Breakpoints() []BreakpointRef {
	s.breakpointsMu.Lock()
	defer s.breakpointsMu.Unlock()
	out := make([]BreakpointRef, 0, len(s.breakpoints))
	for _, bp := range s.breakpoints {
		out = append(out, bp)
	}
	return out
}

// SetBreakpoint installs a software breakpoint at addr: it reads and
// stashes the current byte, then writes 0xCC over it.
func (s *Session) SetBreakpoint(tid ThreadID, addr Address) (*Breakpoint, error) {
	s.breakpointsMu.Lock()
	if existing, ok := s.breakpoints[addr]; ok {
		s.breakpointsMu.Unlock()
		return existing, nil
	}
	s.breakpointsMu.Unlock()

	var orig [1]byte
	if _, err := s.ReadBytes(tid, addr, orig[:]); err != nil {
		return nil, err
	}
	bp := &Breakpoint{Addr: addr, OrigByte: orig[0], Enabled: true}
	s.breakpointsMu.Lock()
	s.breakpoints[addr] = bp
	s.breakpointsMu.Unlock()

	var err error
	s.dispatch(func() { _, err = ptracePokeData(tid, addr, []byte{0xCC}) })
	if err != nil {
		s.breakpointsMu.Lock()
		delete(s.breakpoints, addr)
		s.breakpointsMu.Unlock()
		return nil, err
	}
	return bp, nil
}

// ClearBreakpoint removes a previously installed breakpoint, restoring
// the original byte.
func (s *Session) ClearBreakpoint(tid ThreadID, addr Address) error {
	s.breakpointsMu.Lock()
	bp, ok := s.breakpoints[addr]
	if !ok {
		s.breakpointsMu.Unlock()
		return nil
	}
	delete(s.breakpoints, addr)
	orig := bp.OrigByte
	s.breakpointsMu.Unlock()

	var err error
	s.dispatch(func() { _, err = ptracePokeData(tid, addr, []byte{orig}) })
	return err
}
