package core

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"syscall"

	sys "golang.org/x/sys/unix"

	"github.com/csky6688/edb-debugger/config"
	"github.com/csky6688/edb-debugger/logflags"
)

// loadedConfig is read once per process, the first time a session is
// created, mirroring how the teacher's CLI loads config.LoadConfig()
// once at startup rather than per command.
var (
	cfgOnce sync.Once
	cfg     *config.Config
)

func loadedConfig() *config.Config {
	cfgOnce.Do(func() {
		cfg = config.LoadConfig()
		logflags.Setup(cfg.LogSubsystems != "", cfg.LogSubsystems, nil)
	})
	return cfg
}

// Session is the debugger's handle onto one traced process. All ptrace
// calls it makes are dispatched onto a single dedicated OS thread
// (dispatch/execPtraceFunc below), since the kernel requires every
// ptrace request against a tracee to come from the thread that attached
// to it. Grounded on pkg/proc/native/proc.go's Process/execPtraceFunc.
type Session struct {
	pid ProcessID

	threads *threadTable

	ptraceChan     chan func()
	ptraceDoneChan chan struct{}

	breakpointsMu sync.Mutex
	breakpoints   map[Address]*Breakpoint

	childProcess bool // true if this process was launched, false if attached
	exited       bool
	detached     bool
	exitCode     int

	ptraceOpts    int // PTRACE_SETOPTIONS mask, from config.PtraceOptionsMask
	waitTimeoutMs int // default timeout for Wait(), from config.WaitTimeoutMillis
}

// Open attaches to an already running process. It does not save or
// restore any prior stdio redirection; callers must not call Open twice
// for overlapping lifetimes without an intervening Detach.
func Open(pid ProcessID) (*Session, error) {
	s := newSession(pid, false)
	if err := s.attachAll(); err != nil {
		return nil, err
	}
	return s, nil
}

// Launch starts cmd[0] with the remaining elements as arguments, traces
// it from birth via PTRACE_TRACEME, and waits for its initial exec-stop.
func Launch(cmd []string, wd string) (*Session, error) {
	if len(cmd) == 0 {
		return nil, newErr(SpawnFailed, 0, fmt.Errorf("empty command"))
	}
	s := newSession(0, true)

	var proc *exec.Cmd
	var err error
	s.dispatch(func() {
		proc = exec.Command(cmd[0])
		proc.Args = cmd
		proc.Dir = wd
		proc.Stdout = os.Stdout
		proc.Stderr = os.Stderr
		proc.Stdin = os.Stdin
		proc.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setpgid: true}
		err = proc.Start()
	})
	if err != nil {
		return nil, newErr(SpawnFailed, 0, err)
	}
	s.pid = ProcessID(proc.Process.Pid)

	leader := ThreadID(proc.Process.Pid)
	status, err := s.waitRaw(leader)
	if err != nil {
		return nil, newErr(InitialStopInvalid, leader, err)
	}
	if !status.Stopped() || status.StopSignal() != sys.SIGTRAP {
		return nil, newErr(InitialStopInvalid, leader, fmt.Errorf("unexpected initial wait status %#x", uint32(*status)))
	}
	s.threads.insert(leader, false)
	s.threads.markWaited(leader)

	var optErr error
	s.dispatch(func() { optErr = ptraceSetOptions(leader, s.ptraceOpts) })
	if optErr != nil {
		return nil, newErr(InitialStopInvalid, leader, optErr)
	}
	return s, nil
}

func newSession(pid ProcessID, child bool) *Session {
	c := loadedConfig()
	s := &Session{
		pid:            pid,
		threads:        newThreadTable(),
		ptraceChan:     make(chan func()),
		ptraceDoneChan: make(chan struct{}),
		breakpoints:    make(map[Address]*Breakpoint),
		childProcess:   child,
		ptraceOpts:     ptraceOptionsFor(c),
		waitTimeoutMs:  c.WaitTimeoutMillis,
	}
	go s.dispatchLoop()
	return s
}

// dispatchLoop pins itself to one OS thread for the lifetime of the
// session and executes every ptrace-touching closure handed to it via
// dispatch, in submission order.
func (s *Session) dispatchLoop() {
	runtime.LockOSThread()
	for fn := range s.ptraceChan {
		fn()
		s.ptraceDoneChan <- struct{}{}
	}
}

func (s *Session) dispatch(fn func()) {
	s.ptraceChan <- fn
	<-s.ptraceDoneChan
}

// attachAll attaches to the thread group leader and every task under
// /proc/<pid>/task, mirroring updateThreadList in proc/proc_linux.go.
func (s *Session) attachAll() error {
	tids, err := filepath.Glob(fmt.Sprintf("/proc/%d/task/*", int(s.pid)))
	if err != nil || len(tids) == 0 {
		return newErr(KernelDenied, 0, fmt.Errorf("no such process %d", s.pid))
	}
	for _, tidpath := range tids {
		tidNum, err := strconv.Atoi(filepath.Base(tidpath))
		if err != nil {
			continue
		}
		if err := s.addThread(ThreadID(tidNum), true); err != nil {
			return err
		}
	}
	return nil
}

// addThread attaches to (if requested) and registers tid, mirroring
// addThread in proc/proc_linux.go / pkg/proc/native/proc_linux.go.
func (s *Session) addThread(tid ThreadID, attach bool) error {
	if s.threads.contains(tid) {
		return nil
	}
	if attach {
		var err error
		s.dispatch(func() { err = ptraceAttach(tid) })
		if err != nil {
			if perr, ok := err.(*Error); !ok || perr.Cause != sys.EPERM {
				return err
			}
		}
		if _, err := s.waitRaw(tid); err != nil {
			return err
		}
	}
	var optErr error
	s.dispatch(func() { optErr = ptraceSetOptions(tid, s.ptraceOpts) })
	if optErr != nil {
		return optErr
	}
	s.threads.insert(tid, !attach)
	s.threads.markWaited(tid)
	return nil
}

// waitRaw blocks in waitpid for tid's next stop, without touching the
// thread table. Used only for the initial attach/exec stop.
func (s *Session) waitRaw(tid ThreadID) (*sys.WaitStatus, error) {
	var status sys.WaitStatus
	for {
		wpid, err := sys.Wait4(int(tid), &status, sys.WALL, nil)
		if err != nil {
			return nil, err
		}
		if wpid == int(tid) {
			return &status, nil
		}
	}
}

// Pid returns the traced process's thread group id.
func (s *Session) Pid() ProcessID { return s.pid }

// ThreadIds returns the ids of every currently tracked thread.
func (s *Session) ThreadIds() []ThreadID { return s.threads.ids() }

// ThreadRecords returns a point-in-time copy of every tracked thread's
// bookkeeping state, for callers that want to inspect run state (e.g. a
// process picker) without driving the session through WaitEvent.
func (s *Session) ThreadRecords() []ThreadRecord { return s.threads.snapshot() }

// Exited reports whether the process has exited or been detached from.
func (s *Session) Exited() bool { return s.exited || s.detached }

// RequestManualStop sends a process-directed SIGTRAP (kill(2), so any
// thread of the group may take it) to the traced process, asking
// the event pump to stop the process at its next opportunity, mirroring
// requestManualStop in proc/proc_linux.go.
func (s *Session) RequestManualStop() error {
	if s.exited || s.detached {
		return newErr(NotAttached, 0, fmt.Errorf("session not attached"))
	}
	return convertThreadExitErr(ThreadID(s.pid), sys.Kill(int(s.pid), sys.SIGTRAP))
}

// Pause is an alias for RequestManualStop matching the attach/pause
// naming from the external interface.
func (s *Session) Pause() error { return s.RequestManualStop() }

// Detach lets every traced thread run free again. If kill is true and
// the process was launched (not attached to), it is killed instead.
func (s *Session) Detach(kill bool) error {
	if s.exited {
		return nil
	}
	if kill && s.childProcess {
		return s.Kill()
	}
	var err error
	s.dispatch(func() {
		for _, tid := range s.threads.ids() {
			if derr := ptraceDetach(tid, 0); derr != nil {
				err = derr
			}
		}
	})
	s.detached = true
	return err
}

// Kill sends SIGKILL to the whole process group and reaps it.
func (s *Session) Kill() error {
	if s.exited {
		return nil
	}
	if err := sys.Kill(-int(s.pid), sys.SIGKILL); err != nil {
		return newErr(KernelDenied, 0, fmt.Errorf("could not deliver SIGKILL: %w", err))
	}
	// Traced non-leader threads must be reaped first, or the leader's
	// exit is never reported.
	var status sys.WaitStatus
	for _, tid := range s.threads.ids() {
		if tid != ThreadID(s.pid) {
			sys.Wait4(int(tid), &status, sys.WALL, nil)
		}
	}
	sys.Wait4(int(s.pid), &status, sys.WALL, nil)
	s.exited = true
	return nil
}

// ResumePolicy decides what happens to a halted thread's pending signal
// (rec.Signal, stashed by WaitEvent/haltOne whenever a thread stopped on
// something other than the signal we expected) when the process resumes.
type ResumePolicy int

const (
	// RunNormal continues every thread, swallowing any pending signal
	// instead of redelivering it to the tracee.
	RunNormal ResumePolicy = iota
	// PassException continues every thread, redelivering each thread's
	// pending signal so the tracee's own handler (if any) sees it.
	PassException
	// Stop leaves every thread exactly as it is; no ptrace request is
	// issued. Useful when a caller decides, after inspecting a
	// DebugEvent, that it does not want to resume after all.
	Stop
)

// Resume continues every tracked thread according to policy, and clears
// their Waited/Stopped state since the next event pump call must wait on
// them again.
func (s *Session) Resume(policy ResumePolicy) error {
	if s.exited || s.detached {
		return newErr(NotAttached, 0, fmt.Errorf("session not attached"))
	}
	if policy == Stop {
		return nil
	}
	var firstErr error
	for _, tid := range s.threads.ids() {
		rec, ok := s.threads.get(tid)
		if !ok {
			continue
		}
		sig := 0
		if policy == PassException {
			sig = rec.Signal
		}
		rec.Signal = 0
		var err error
		s.dispatch(func() { err = ptraceCont(tid, sig) })
		if err != nil && firstErr == nil {
			firstErr = err
		}
		s.threads.clearWaited(tid)
	}
	return firstErr
}

// StepInstruction single-steps just tid, leaving every other thread
// exactly as it was (still Stopped), and waits for its trap.
func (s *Session) StepInstruction(tid ThreadID) error {
	rec, ok := s.threads.get(tid)
	if !ok {
		return newErr(NotAttached, tid, fmt.Errorf("unknown thread"))
	}
	if rec.State != Stopped {
		return newErr(ThreadNotStopped, tid, fmt.Errorf("thread not stopped"))
	}
	var err error
	s.dispatch(func() { err = ptraceSingleStep(tid) })
	if err != nil {
		return err
	}
	s.threads.clearWaited(tid)
	status, err := s.waitRaw(tid)
	if err != nil {
		return newErr(KernelDenied, tid, err)
	}
	if status.Exited() {
		s.threads.remove(tid)
		return newErr(KernelDenied, tid, fmt.Errorf("thread exited during step"))
	}
	s.threads.markWaited(tid)
	return nil
}
