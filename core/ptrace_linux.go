package core

import (
	"fmt"
	"unsafe"

	sys "golang.org/x/sys/unix"

	"github.com/csky6688/edb-debugger/config"
	"github.com/csky6688/edb-debugger/logflags"
)

// ptraceOptionsDefault is the PTRACE_SETOPTIONS mask installed on every
// traced thread immediately after its initial stop, mirroring the
// teacher's ptraceOptionsNormal (pkg/proc/native/proc_linux.go): follow
// clone so new threads are picked up automatically.
const ptraceOptionsDefault = sys.PTRACE_O_TRACECLONE

// ptraceOptionsFor returns cfg.PtraceOptionsMask when the caller's
// config overrides it, and ptraceOptionsDefault otherwise, wiring
// config.Config.PtraceOptionsMask into the mask sessions actually
// install.
func ptraceOptionsFor(cfg *config.Config) int {
	if cfg != nil && cfg.PtraceOptionsMask != 0 {
		return cfg.PtraceOptionsMask
	}
	return ptraceOptionsDefault
}

// convertThreadExitErr maps ESRCH, which ptrace returns for any request
// against a tid that has already exited, onto a typed error instead of
// leaking the bare errno, following proc/ptrace_linux.go's
// convertThreadExitErr.
func convertThreadExitErr(tid ThreadID, err error) error {
	if err == nil {
		return nil
	}
	if err == sys.ESRCH {
		return newErr(KernelDenied, tid, fmt.Errorf("thread exited: %w", err))
	}
	return newErr(KernelDenied, tid, err)
}

// logPtrace records one ptrace(2) request when logflags.Ptrace() is
// enabled, following the teacher's per-request Debugf calls in
// pkg/proc/native/ptrace_linux_386.go.
func logPtrace(format string, args ...interface{}) {
	if logflags.Ptrace() {
		logflags.PtraceLogger().Debugf(format, args...)
	}
}

func ptraceAttach(tid ThreadID) error {
	logPtrace("PTRACE_ATTACH tid=%d", tid)
	return convertThreadExitErr(tid, sys.PtraceAttach(int(tid)))
}

func ptraceDetach(tid ThreadID, sig int) error {
	logPtrace("PTRACE_DETACH tid=%d sig=%d", tid, sig)
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if e1 != 0 {
		return convertThreadExitErr(tid, e1)
	}
	return nil
}

func ptraceCont(tid ThreadID, sig int) error {
	logPtrace("PTRACE_CONT tid=%d sig=%d", tid, sig)
	return convertThreadExitErr(tid, sys.PtraceCont(int(tid), sig))
}

func ptraceSingleStep(tid ThreadID) error {
	logPtrace("PTRACE_SINGLESTEP tid=%d", tid)
	return convertThreadExitErr(tid, sys.PtraceSingleStep(int(tid)))
}

func ptraceSetOptions(tid ThreadID, opts int) error {
	logPtrace("PTRACE_SETOPTIONS tid=%d opts=%#x", tid, opts)
	return convertThreadExitErr(tid, sys.PtraceSetOptions(int(tid), opts))
}

func ptraceGetEventMsg(tid ThreadID) (uint, error) {
	msg, err := sys.PtraceGetEventMsg(int(tid))
	if err != nil {
		return 0, convertThreadExitErr(tid, err)
	}
	return uint(msg), nil
}

func ptracePeekData(tid ThreadID, addr Address, out []byte) (int, error) {
	n, err := sys.PtracePeekData(int(tid), uintptr(addr), out)
	if err != nil {
		return n, convertThreadExitErr(tid, err)
	}
	return n, nil
}

func ptracePokeData(tid ThreadID, addr Address, data []byte) (int, error) {
	n, err := sys.PtracePokeData(int(tid), uintptr(addr), data)
	if err != nil {
		return n, convertThreadExitErr(tid, err)
	}
	return n, nil
}

func ptracePeekUser(tid ThreadID, addr uintptr) (uint64, error) {
	var word uint64
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_PEEKUSR, uintptr(tid), addr, uintptr(unsafe.Pointer(&word)), 0, 0)
	if e1 != 0 {
		return 0, convertThreadExitErr(tid, e1)
	}
	return word, nil
}

func ptracePokeUser(tid ThreadID, addr uintptr, word uint64) error {
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_POKEUSR, uintptr(tid), addr, uintptr(word), 0, 0)
	if e1 != 0 {
		return convertThreadExitErr(tid, e1)
	}
	return nil
}

func ptraceKill(tid ThreadID) error {
	logPtrace("PTRACE_KILL tid=%d", tid)
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_KILL, uintptr(tid), 0, 0, 0, 0)
	if e1 != 0 {
		return convertThreadExitErr(tid, e1)
	}
	return nil
}
