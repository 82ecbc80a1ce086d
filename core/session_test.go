package core_test

import (
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/csky6688/edb-debugger/core"
)

// buildFixture compiles fixtures/testprog.go into a temporary binary,
// the way the teacher's tests build fixtures under ../fixtures, but
// inline since this module drops the shared protest build-cache helper
// (out of scope: it exists to serve delve's much larger fixture set).
func buildFixture(t *testing.T) string {
	t.Helper()
	src, err := filepath.Abs("../fixtures/testprog.go")
	if err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "testprog")
	cmd := exec.Command("go", "build", "-o", out, src)
	if outp, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("building fixture: %v\n%s", err, outp)
	}
	return out
}

func TestLaunchAndStep(t *testing.T) {
	bin := buildFixture(t)

	s, err := core.Launch([]string{bin}, ".")
	if err != nil {
		t.Fatalf("Launch(): %v", err)
	}
	defer s.Detach(true)

	ids := s.ThreadIds()
	if len(ids) != 1 {
		t.Fatalf("expected exactly one thread right after launch, got %d", len(ids))
	}
	leader := ids[0]

	before, err := s.GetRegisters(leader)
	if err != nil {
		t.Fatalf("GetRegisters(): %v", err)
	}

	if err := s.StepInstruction(leader); err != nil {
		t.Fatalf("StepInstruction(): %v", err)
	}

	after, err := s.GetRegisters(leader)
	if err != nil {
		t.Fatalf("GetRegisters() after step: %v", err)
	}

	if before.PC() == after.PC() {
		t.Errorf("expected PC to change after single step, stayed at %s", before.PC())
	}
}

func TestLaunchResumeAndKill(t *testing.T) {
	bin := buildFixture(t)

	s, err := core.Launch([]string{bin}, ".")
	if err != nil {
		t.Fatalf("Launch(): %v", err)
	}

	if err := s.Resume(core.RunNormal); err != nil {
		t.Fatalf("Resume(): %v", err)
	}

	done := make(chan struct{})
	go func() {
		s.Kill()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Kill() did not return in time")
	}

	if !s.Exited() {
		t.Error("expected session to report Exited() after Kill()")
	}
}

func TestSetAndClearBreakpoint(t *testing.T) {
	bin := buildFixture(t)

	s, err := core.Launch([]string{bin}, ".")
	if err != nil {
		t.Fatalf("Launch(): %v", err)
	}
	defer s.Detach(true)

	leader := s.ThreadIds()[0]
	regs, err := s.GetRegisters(leader)
	if err != nil {
		t.Fatalf("GetRegisters(): %v", err)
	}
	addr := regs.PC()

	var original [1]byte
	if _, err := s.ReadBytes(leader, addr, original[:]); err != nil {
		t.Fatalf("ReadBytes(): %v", err)
	}

	bp, err := s.SetBreakpoint(leader, addr)
	if err != nil {
		t.Fatalf("SetBreakpoint(): %v", err)
	}
	if bp.OrigByte != original[0] {
		t.Errorf("breakpoint saved original byte %#x, want %#x", bp.OrigByte, original[0])
	}

	var shadowed [1]byte
	if _, err := s.ReadBytes(leader, addr, shadowed[:]); err != nil {
		t.Fatalf("ReadBytes() after SetBreakpoint: %v", err)
	}
	if shadowed[0] != original[0] {
		t.Errorf("ReadBytes should present the original byte through the breakpoint shadow, got %#x", shadowed[0])
	}

	if err := s.ClearBreakpoint(leader, addr); err != nil {
		t.Fatalf("ClearBreakpoint(): %v", err)
	}
}

func TestWaitEventTimesOutWithoutBlocking(t *testing.T) {
	bin := buildFixture(t)

	s, err := core.Launch([]string{bin}, ".")
	if err != nil {
		t.Fatalf("Launch(): %v", err)
	}
	defer s.Detach(true)

	if err := s.Resume(core.RunNormal); err != nil {
		t.Fatalf("Resume(): %v", err)
	}

	// The fixture sleeps in a loop; a short deadline should very likely
	// find nothing to report and come back with (nil, nil), not block.
	start := time.Now()
	ev, err := s.WaitEvent(50)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("WaitEvent(50): %v", err)
	}
	if ev != nil {
		t.Fatalf("expected no event within the deadline, got %+v", ev)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("WaitEvent(50) took %s, expected it to return near its deadline", elapsed)
	}
}

// buildLiveFixture compiles fixtures/livetestprog.go, a small program
// that prints its pid, sleeps, then prints it in an endless loop, used
// to exercise Open's
// attach-to-a-running-process path (Launch already covers the
// start-under-ptrace path in the other tests above).
func buildLiveFixture(t *testing.T) string {
	t.Helper()
	src, err := filepath.Abs("../fixtures/livetestprog.go")
	if err != nil {
		t.Fatal(err)
	}
	out := filepath.Join(t.TempDir(), "livetestprog")
	cmd := exec.Command("go", "build", "-o", out, src)
	if outp, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("building fixture: %v\n%s", err, outp)
	}
	return out
}

func TestOpenAttachesToRunningProcess(t *testing.T) {
	bin := buildLiveFixture(t)

	cmd := exec.Command(bin)
	if err := cmd.Start(); err != nil {
		t.Fatalf("starting fixture: %v", err)
	}
	defer cmd.Process.Kill()

	s, err := core.Open(core.ProcessID(cmd.Process.Pid))
	if err != nil {
		t.Fatalf("Open(): %v", err)
	}
	defer s.Detach(false)

	ids := s.ThreadIds()
	if len(ids) == 0 {
		t.Fatal("expected Open to attach to at least one thread")
	}
	records := s.ThreadRecords()
	if len(records) != len(ids) {
		t.Fatalf("ThreadRecords() returned %d records, want %d", len(records), len(ids))
	}
}
