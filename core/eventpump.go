package core

import (
	"errors"
	"fmt"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/csky6688/edb-debugger/logflags"
)

// waitPollInterval is how often a timed WaitEvent re-polls with WNOHANG
// while its deadline has not yet passed. There is no blocking-with-
// timeout primitive for waitpid, so this module polls, the same
// trade-off event loops built on waitpid/WNOHANG always make.
const waitPollInterval = 5 * time.Millisecond

// Wait is a convenience for WaitEvent(s.waitTimeoutMs), using the
// timeout config.WaitTimeoutMillis supplied when the session was
// created (0 means block indefinitely).
func (s *Session) Wait() (*DebugEvent, error) {
	return s.WaitEvent(s.waitTimeoutMs)
}

// WaitEvent blocks until some tracked thread reports a stop, classifies
// it, and (per the stop-the-world discipline) halts every other running
// thread before returning. If timeoutMs is positive and no thread stops
// before it elapses, WaitEvent returns (nil, nil): "nothing happened" is
// not an error. timeoutMs <= 0 blocks indefinitely. Grounded on trapWait
// in proc/proc_linux.go and pkg/proc/native/proc_linux.go's
// trapWaitInternal, extended with a WNOHANG poll loop since neither of
// those blocks on a single process group with a deadline.
func (s *Session) WaitEvent(timeoutMs int) (*DebugEvent, error) {
	if s.exited || s.detached {
		return nil, newErr(NotAttached, 0, fmt.Errorf("session not attached"))
	}
	polling := timeoutMs > 0
	var deadline time.Time
	if polling {
		deadline = time.Now().Add(time.Duration(timeoutMs) * time.Millisecond)
	}
	for {
		var status sys.WaitStatus
		flags := sys.WALL
		if polling {
			flags |= sys.WNOHANG
		}
		wpid, err := sys.Wait4(-1*int(s.pid), &status, flags, nil)
		if err != nil {
			return nil, newErr(KernelDenied, 0, err)
		}
		if wpid == 0 {
			// WNOHANG and nothing was ready yet.
			if time.Now().After(deadline) {
				return nil, nil
			}
			time.Sleep(waitPollInterval)
			continue
		}
		if wpid <= 0 {
			continue
		}
		tid := ThreadID(wpid)

		if status.Exited() {
			s.threads.remove(tid)
			if tid == ThreadID(s.pid) {
				s.exited = true
				s.exitCode = status.ExitStatus()
				return &DebugEvent{Kind: EventProcessExited, Tid: tid, ExitCode: status.ExitStatus()}, nil
			}
			continue
		}
		if status.Signaled() {
			s.threads.remove(tid)
			if tid == ThreadID(s.pid) {
				s.exited = true
				return &DebugEvent{Kind: EventProcessSignaled, Tid: tid, Signal: int(status.Signal())}, nil
			}
			continue
		}

		if status.StopSignal() == sys.SIGTRAP && status.TrapCause() == sys.PTRACE_EVENT_CLONE {
			ev, err := s.handleClone(tid)
			if err != nil {
				return nil, err
			}
			if ev != nil {
				return ev, nil
			}
			continue
		}

		rec, ok := s.threads.get(tid)
		if !ok {
			// Unknown thread reported a stop before we finished
			// enumerating it (a race between PTRACE_O_TRACECLONE
			// delivery and addThread). It is already traced, so it is
			// registered now without a new PTRACE_ATTACH.
			if err := s.addThread(tid, false); err != nil {
				continue
			}
			rec, _ = s.threads.get(tid)
		}
		s.threads.markWaited(tid)

		if status.StopSignal() != sys.SIGTRAP && status.StopSignal() != sys.SIGSTOP {
			rec.Signal = int(status.StopSignal())
		}

		if err := s.stopAllOthers(tid); err != nil {
			return nil, err
		}

		return &DebugEvent{Kind: EventThreadStopped, Tid: tid, Signal: int(status.StopSignal())}, nil
	}
}

// handleClone reacts to a PTRACE_EVENT_CLONE stop: it reads the new
// thread's tid out of the event message, registers it, and resumes both
// the parent and the child without treating the clone stop itself as a
// full stop-the-world event, matching trapWait's "continue both threads
// and keep waiting" flow. It always returns a nil event; WaitEvent's
// caller never observes a clone directly, only the thread appearing in
// ThreadIds().
func (s *Session) handleClone(parent ThreadID) (*DebugEvent, error) {
	var msg uint
	var err error
	s.dispatch(func() { msg, err = ptraceGetEventMsg(parent) })
	if err != nil {
		return nil, newErr(KernelDenied, parent, fmt.Errorf("PTRACE_GETEVENTMSG: %w", err))
	}
	child := ThreadID(msg)

	if err := s.addThread(child, false); err != nil {
		if errors.Is(err, sys.ESRCH) {
			// The clone's tid raced its own exit before we could attach
			// to it: a diverging outcome from the expected "child is
			// stopped and waiting", tolerated rather than failing the
			// whole wait.
			logflags.EventsLogger().Warnf("clone child %d exited before it could be attached, ignoring", child)
			return nil, nil
		}
		return nil, err
	}

	var contErr error
	s.dispatch(func() { contErr = ptraceCont(child, 0) })
	if contErr != nil {
		if !errors.Is(contErr, sys.ESRCH) {
			return nil, contErr
		}
		logflags.EventsLogger().Warnf("clone child %d exited before it could be resumed, ignoring", child)
		s.threads.remove(child)
	}

	s.dispatch(func() { contErr = ptraceCont(parent, 0) })
	if contErr != nil {
		if !errors.Is(contErr, sys.ESRCH) {
			return nil, contErr
		}
		logflags.EventsLogger().Warnf("clone parent %d exited before it could be resumed, ignoring", parent)
	}

	return nil, nil
}
