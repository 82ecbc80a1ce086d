package core

import "fmt"

// FormatPointer renders an Address the way register dumps and log lines
// in this package do: zero-padded lowercase hex, 16 digits on the
// amd64 ABI and 8 digits on the 386 ABI (addressBits, defined per
// registers_linux_{amd64,386}.go), rather than a fixed width that
// doesn't fit either ABI (fmt's "#" flag counts the "0x" prefix toward
// the field width, which is not what a fixed digit count wants).
func FormatPointer(a Address) string {
	if addressBits == 32 {
		return fmt.Sprintf("0x%08x", uint32(a))
	}
	return fmt.Sprintf("0x%016x", uint64(a))
}

// canonicalRegisterNames64/32 list general purpose registers in the
// order callers most commonly want them printed, one set per ABI since
// the 386 ABI has no r8-r15/rip-family registers.
var canonicalRegisterNames64 = []string{
	"rip", "rsp", "rbp",
	"rax", "rbx", "rcx", "rdx", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
	"cs", "ss", "ds", "es", "fs", "gs",
	"eflags", "fs_base", "gs_base",
}

var canonicalRegisterNames32 = []string{
	"eip", "esp", "ebp",
	"eax", "ebx", "ecx", "edx", "esi", "edi",
	"cs", "ss", "ds", "es", "fs", "gs",
	"eflags", "fs_base", "gs_base",
}

// CanonicalRegisterNames returns the register names this package
// recognizes for the ABI it was built for, in display order.
func CanonicalRegisterNames() []string {
	names := canonicalRegisterNames64
	if addressBits == 32 {
		names = canonicalRegisterNames32
	}
	out := make([]string, len(names))
	copy(out, names)
	return out
}
