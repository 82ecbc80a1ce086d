// Package logflags configures per-subsystem structured logging for the
// debugger core, following pkg/logflags/logflags.go's boolean-flag-plus
// -factory-function pattern.
package logflags

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var (
	ptrace  = false
	events  = false
	procfs  = false
	memory  = false
)

func makeLogger(enabled bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New()
	logger.Out = os.Stderr
	logger.Level = logrus.DebugLevel
	if !enabled {
		logger.Level = logrus.PanicLevel
	}
	return logger.WithFields(fields)
}

// Ptrace returns true if the ptrace wrapper should log the requests it
// issues (attach, detach, cont, single-step, set-options, kill).
func Ptrace() bool { return ptrace }

// PtraceLogger returns a logger for the ptrace wrapper.
func PtraceLogger() *logrus.Entry {
	return makeLogger(ptrace, logrus.Fields{"layer": "core", "kind": "ptrace"})
}

// Events returns true if the "events" subsystem was enabled by Setup;
// EventsLogger's warnings (clone races, unexpected halt signals) are
// only emitted then.
func Events() bool { return events }

// EventsLogger returns a logger for the event pump / stop controller.
func EventsLogger() *logrus.Entry {
	return makeLogger(events, logrus.Fields{"layer": "core", "kind": "eventpump"})
}

// Procfs returns true if the procfs reader should log parse failures at
// debug level instead of silently skipping the offending pid.
func Procfs() bool { return procfs }

// ProcfsLogger returns a logger for the procfs package.
func ProcfsLogger() *logrus.Entry {
	return makeLogger(procfs, logrus.Fields{"layer": "procfs"})
}

// Memory returns true if memory reads/writes should be logged.
func Memory() bool { return memory }

// MemoryLogger returns a logger for the memory I/O component.
func MemoryLogger() *logrus.Entry {
	return makeLogger(memory, logrus.Fields{"layer": "core", "kind": "memory"})
}

// Setup enables logging for the comma separated list of subsystem names
// in logstr ("ptrace,events,procfs,memory"), following Setup in
// pkg/logflags/logflags.go. If logFlag is false, logging is left
// disabled for every subsystem and w is ignored.
func Setup(logFlag bool, logstr string, w io.Writer) error {
	if !logFlag {
		return nil
	}
	if logstr == "" {
		logstr = "events"
	}
	for _, name := range strings.Split(logstr, ",") {
		switch strings.TrimSpace(name) {
		case "ptrace":
			ptrace = true
		case "events":
			events = true
		case "procfs":
			procfs = true
		case "memory":
			memory = true
		}
	}
	if w != nil {
		logrus.SetOutput(w)
	}
	return nil
}
