package procfs

import (
	"os"
	"testing"

	"github.com/csky6688/edb-debugger/core"
)

func TestReadStatSelf(t *testing.T) {
	st, err := ReadStat(core.ProcessID(os.Getpid()))
	if err != nil {
		t.Fatalf("ReadStat(self): %v", err)
	}
	if st.Comm == "" {
		t.Error("expected non-empty comm for the current process")
	}
	if st.State == core.StateUnknownState {
		t.Error("expected a recognized state character")
	}
}

func TestParseStatHandlesParensInComm(t *testing.T) {
	raw := []byte("1234 (my (weird) prog) S 1 1234 1234 0 -1 4194304 100 0 0 0 0 0 0 0 20 0 1 0 12345 0 0 18446744073709551615 0 0 0 0 0 0 0 0 0 0 0 0 17 3 0 0 0 0 0 0 0 0 0 0 0 0 0")
	st, err := parseStat(raw)
	if err != nil {
		t.Fatalf("parseStat: %v", err)
	}
	if st.Comm != "my (weird) prog" {
		t.Errorf("comm = %q, want %q", st.Comm, "my (weird) prog")
	}
	if st.State != core.StateSleeping {
		t.Errorf("state = %q, want %q", st.State, core.StateSleeping)
	}
	if st.ParentPid != 1 {
		t.Errorf("ppid = %d, want 1", st.ParentPid)
	}
}

func TestEnumerateProcessesIncludesSelf(t *testing.T) {
	procs, err := EnumerateProcesses()
	if err != nil {
		t.Fatalf("EnumerateProcesses(): %v", err)
	}
	self := core.ProcessID(os.Getpid())
	found := false
	for _, p := range procs {
		if p.Pid == self {
			found = true
			break
		}
	}
	if !found {
		t.Errorf("expected EnumerateProcesses to include pid %d", self)
	}
}

func TestEnumerateThreadsIncludesSelf(t *testing.T) {
	tids, err := EnumerateThreads(core.ProcessID(os.Getpid()))
	if err != nil {
		t.Fatalf("EnumerateThreads(): %v", err)
	}
	if len(tids) == 0 {
		t.Error("expected at least one task for the current process")
	}
}
