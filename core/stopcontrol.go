package core

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/csky6688/edb-debugger/logflags"
)

// stopAllOthers halts every tracked thread other than except, so that by
// the time WaitEvent returns, the thread table's invariant ("either
// every thread is Stopped and Waited, or none are") holds. Grounded on
// processGroup.stop/stop1 in pkg/proc/native/proc_linux.go, simplified
// to this package's single-process model.
func (s *Session) stopAllOthers(except ThreadID) error {
	for _, tid := range s.threads.ids() {
		if tid == except {
			continue
		}
		if err := s.haltOne(tid); err != nil {
			return err
		}
	}
	return nil
}

// StopAll halts every tracked thread, used by RequestManualStop callers
// that want a synchronous guarantee the whole process is stopped before
// proceeding (rather than merely having requested a stop and waiting
// for the next WaitEvent to observe it).
func (s *Session) StopAll() error {
	for _, tid := range s.threads.ids() {
		if err := s.haltOne(tid); err != nil {
			return err
		}
	}
	return nil
}

// haltOne stops a single thread that is believed to be Running, using
// tgkill(SIGSTOP) rather than kill(2): a thread-directed signal is
// mandatory delivery to that exact thread, where a process-wide kill
// can be consumed by any thread in the group. Grounded on halt() in
// proc/threads_linux.go / pkg/proc/native/threads_linux.go.
func (s *Session) haltOne(tid ThreadID) error {
	rec, ok := s.threads.get(tid)
	if !ok {
		return nil
	}
	if rec.State == Stopped && rec.Waited {
		return nil
	}
	if err := sys.Tgkill(int(s.pid), int(tid), sys.SIGSTOP); err != nil {
		if err == sys.ESRCH {
			s.threads.remove(tid)
			return nil
		}
		return newErr(KernelDenied, tid, fmt.Errorf("tgkill SIGSTOP: %w", err))
	}
	for {
		var status sys.WaitStatus
		wpid, err := sys.Wait4(int(tid), &status, sys.WALL, nil)
		if err != nil {
			return newErr(KernelDenied, tid, err)
		}
		if wpid != int(tid) {
			continue
		}
		if status.Exited() || status.Signaled() {
			s.threads.remove(tid)
			return nil
		}
		if sig := status.StopSignal(); sig != sys.SIGSTOP {
			// Something other than the SIGSTOP we sent arrived first
			// (e.g. the thread hit a breakpoint on its own). Keep the
			// signal so Resume can re-inject it instead of dropping it.
			logflags.EventsLogger().Warnf("thread %d halted with signal %v instead of SIGSTOP", tid, sig)
			rec.Signal = int(sig)
		}
		s.threads.markWaited(tid)
		return nil
	}
}
