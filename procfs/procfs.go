// Package procfs reads process and thread metadata out of /proc, the way
// the debugger core needs it for its process picker and thread list:
// comm/state/parent-pid from /proc/<pid>/stat, owning user from the pid's
// on-disk uid, and per-task entries under /proc/<pid>/task.
package procfs

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	lru "github.com/hashicorp/golang-lru"

	"github.com/csky6688/edb-debugger/core"
	"github.com/csky6688/edb-debugger/logflags"
)

// minStatFields is the minimum number of whitespace-separated fields
// /proc/<pid>/stat must have after the comm field is extracted (see
// proc(5)); this package treats a shorter split as a malformed read
// rather than crashing on a short index.
const minStatFields = 44

// procCache bounds repeated EnumerateProcesses calls (this package's
// expected usage is a debugger's process picker polling on an interval)
// to one /proc/<pid>/stat read per pid per state change, grounded on the
// bounded-cache pattern github.com/hashicorp/golang-lru provides
// elsewhere in the retrieved corpus for exactly this kind of hot,
// externally-invalidated lookup; delve itself has no direct precedent
// since it never polls /proc in a loop.
var procCache, _ = lru.New(4096)

type cachedStat struct {
	info  core.ProcessInfo
	state core.ThreadState
}

// commRegexp matches the "(comm)" field of /proc/<pid>/stat: comm can
// itself contain spaces, parentheses, '#', '~', '/' and '-', so the
// field is located as everything between the first '(' and the last
// ')' rather than by splitting on spaces, following the approach
// pkg/proc/native/proc_linux.go's initialize()/status() take (comm read
// first, then used verbatim in a follow-up Fscanf format string).
var commRegexp = regexp.MustCompile(`^\d+\s+\((.*)\)\s+(.)\s+(-?\d+)`)

// StatInfo is what this package can extract from /proc/<pid>/stat: the
// executable name, the current run-state code, the parent pid, the
// scheduling priority (field 18), and the instruction pointer the
// kernel snapshots for a blocked task (field 30, kstkeip).
type StatInfo struct {
	Comm      string
	State     core.ThreadState
	ParentPid core.ProcessID
	Priority  int
	KstkEip   core.Address
}

// ReadStat parses /proc/<pid>/stat for pid.
func ReadStat(pid core.ProcessID) (*StatInfo, error) {
	raw, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", int(pid)))
	if err != nil {
		return nil, wrapParseErr(err)
	}
	return parseStat(raw)
}

// statPriorityField/statKstkEipField are indices into tail (see below),
// which starts at stat's field 3 (state) — so field N of proc(5) lives
// at tail[N-3].
const (
	statPriorityField = 18 - 3
	statKstkEipField  = 30 - 3
)

func parseStat(raw []byte) (*StatInfo, error) {
	m := commRegexp.FindSubmatchIndex(raw)
	if m == nil {
		return nil, wrapParseErr(fmt.Errorf("malformed /proc/<pid>/stat line"))
	}
	// Field counting has to happen on the tail after the ")" that closes
	// comm: comm itself may contain spaces, parentheses, '#', '~', '/'
	// and '-', which would otherwise throw off a naive whitespace split
	// (see proc(5) and pkg/proc/native/proc_linux.go's status(), which
	// reads comm out with a literal, un-escaped match for the same
	// reason). The tail starts at the "state" field (field 3), so it
	// must have at least minStatFields-2 fields of its own.
	tail := strings.Fields(string(raw[m[4]:]))
	if len(tail) < minStatFields-2 {
		return nil, wrapParseErr(fmt.Errorf("stat has %d trailing fields, want at least %d", len(tail), minStatFields-2))
	}
	comm := string(raw[m[2]:m[3]])
	state := raw[m[4]]
	ppidStr := string(raw[m[6]:m[7]])
	ppid, err := strconv.Atoi(ppidStr)
	if err != nil {
		return nil, wrapParseErr(err)
	}
	priority, err := strconv.Atoi(tail[statPriorityField])
	if err != nil {
		return nil, wrapParseErr(err)
	}
	kstkeip, err := strconv.ParseUint(tail[statKstkEipField], 10, 64)
	if err != nil {
		return nil, wrapParseErr(err)
	}
	return &StatInfo{
		Comm:      comm,
		State:     core.ThreadState(state),
		ParentPid: core.ProcessID(ppid),
		Priority:  priority,
		KstkEip:   core.Address(kstkeip),
	}, nil
}

// ReadTaskState reads just the run-state character of one task, used to
// decide whether a cached ProcessInfo is stale, without doing the full
// regex-based parse ReadStat does.
func ReadTaskState(pid core.ProcessID) (core.ThreadState, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/stat", int(pid)))
	if err != nil {
		return core.StateUnknownState, wrapParseErr(err)
	}
	defer f.Close()
	raw := make([]byte, 512)
	n, _ := f.Read(raw)
	m := commRegexp.FindSubmatch(raw[:n])
	if m == nil {
		return core.StateUnknownState, wrapParseErr(fmt.Errorf("malformed stat"))
	}
	return core.ThreadState(m[2][0]), nil
}

func ownerOf(pid core.ProcessID) (uid int, name string) {
	info, err := os.Stat(fmt.Sprintf("/proc/%d", int(pid)))
	if err != nil {
		return -1, ""
	}
	uid = statUID(info)
	if u, err := user.LookupId(strconv.Itoa(uid)); err == nil {
		name = u.Username
	}
	return uid, name
}

// EnumerateProcesses lists every pid currently visible under /proc,
// following the field-44-minimum and comm-escaping rules ReadStat
// enforces, and caches each row until that pid's state character
// changes.
func EnumerateProcesses() ([]core.ProcessInfo, error) {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil, wrapParseErr(err)
	}
	var out []core.ProcessInfo
	for _, e := range entries {
		pidNum, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		pid := core.ProcessID(pidNum)

		state, err := ReadTaskState(pid)
		if err != nil {
			if logflags.Procfs() {
				logflags.ProcfsLogger().Debugf("skipping pid %d: %v", pid, err)
			}
			continue // process exited between readdir and stat
		}
		if cv, ok := procCache.Get(pid); ok {
			c := cv.(cachedStat)
			if c.state == state {
				out = append(out, c.info)
				continue
			}
		}

		st, err := ReadStat(pid)
		if err != nil {
			if logflags.Procfs() {
				logflags.ProcfsLogger().Debugf("skipping pid %d: %v", pid, err)
			}
			continue
		}
		uid, uname := ownerOf(pid)
		info := core.ProcessInfo{
			Pid:       pid,
			ParentPid: st.ParentPid,
			UID:       uid,
			User:      uname,
			Name:      st.Comm,
		}
		procCache.Add(pid, cachedStat{info: info, state: state})
		out = append(out, info)
	}
	return out, nil
}

// GetThreadInfo returns metadata for one task (tid) of process pid.
func GetThreadInfo(pid core.ProcessID, tid core.ThreadID) (*core.ThreadInfo, error) {
	base := fmt.Sprintf("/proc/%d/task/%d", int(pid), int(tid))
	raw, err := os.ReadFile(base + "/stat")
	if err != nil {
		return nil, wrapParseErr(err)
	}
	st, err := parseStat(raw)
	if err != nil {
		return nil, err
	}
	return &core.ThreadInfo{
		Name:     st.Comm,
		Tid:      tid,
		IP:       st.KstkEip,
		Priority: st.Priority,
		State:    st.State,
	}, nil
}

// EnumerateThreads lists every task under /proc/<pid>/task.
func EnumerateThreads(pid core.ProcessID) ([]core.ThreadID, error) {
	tids, err := filepath.Glob(fmt.Sprintf("/proc/%d/task/*", int(pid)))
	if err != nil {
		return nil, wrapParseErr(err)
	}
	out := make([]core.ThreadID, 0, len(tids))
	for _, p := range tids {
		n, err := strconv.Atoi(filepath.Base(p))
		if err != nil {
			continue
		}
		out = append(out, core.ThreadID(n))
	}
	return out, nil
}

// ParentPid returns pid's parent, per field 4 of /proc/<pid>/stat.
func ParentPid(pid core.ProcessID) (core.ProcessID, error) {
	st, err := ReadStat(pid)
	if err != nil {
		return 0, err
	}
	return st.ParentPid, nil
}

func wrapParseErr(cause error) error {
	return &core.Error{Kind: core.ParseFailed, Cause: cause}
}

func statUID(info os.FileInfo) int {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return int(st.Uid)
	}
	return -1
}
