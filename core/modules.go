package core

import (
	"encoding/binary"
	"fmt"
)

// maxModules/maxModuleNameLength bound the link_map walk against a
// corrupted or hostile target, mirroring maxNumLibraries/
// maxLibraryPathLength in pkg/proc/linutil/dynamic.go.
const (
	maxModules           = 1000000
	maxModuleNameLength  = 1000000
)

// Module is one entry of the dynamic linker's link_map chain: a loaded
// shared object's base address and path.
type Module struct {
	Addr Address
	Name string
}

// r_debug layout (from <link.h>): int r_version; struct link_map
// *r_map; ... On a 64-bit ABI r_version is padded to 8 bytes before
// r_map; ptrSize distinguishes the two layouts.
func rMapOffset(ptrSize int) Address {
	if ptrSize == 8 {
		return 8
	}
	return 4
}

// EnumerateModules walks the dynamic linker's link_map linked list
// starting from the r_debug structure BinaryInfoProvider locates,
// returning one Module per loaded shared object. Grounded on
// ElfUpdateSharedObjects/readLinkMapNode/readCString in
// pkg/proc/linutil/dynamic.go, adapted to read through the
// ProcessMemory collaborator instead of a *proc.Process, and to trust
// the caller for the r_debug address instead of parsing .dynamic
// itself.
func EnumerateModules(mem ProcessMemory, bi BinaryInfoProvider, ptrSize int) ([]Module, error) {
	rDebugAddr, ok := bi.DebugPointer()
	if !ok {
		return nil, newErr(ParseFailed, 0, fmt.Errorf("no r_debug pointer available"))
	}

	rMapPtr, err := readPtr(mem, rDebugAddr+rMapOffset(ptrSize), ptrSize)
	if err != nil {
		return nil, err
	}

	var modules []Module
	for addr := rMapPtr; addr != 0; {
		if len(modules) > maxModules {
			return nil, newErr(ParseFailed, 0, fmt.Errorf("too many loaded modules"))
		}
		lm, next, err := readLinkMapNode(mem, addr, ptrSize)
		if err != nil {
			return nil, err
		}
		if lm.name != "" {
			modules = append(modules, Module{Addr: Address(lm.addr), Name: lm.name})
		}
		addr = next
	}
	return modules, nil
}

// EnumerateModulesFromRegions is the fallback path when no
// BinaryInfoProvider/r_debug pointer is available: one Module per
// distinct backing file among the tracee's mapped regions, in the order
// first seen.
func EnumerateModulesFromRegions(rp RegionProvider) ([]Module, error) {
	regions, err := rp.Regions()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var modules []Module
	for _, r := range regions {
		if r.Path == "" || r.Path[0] != '/' || seen[r.Path] {
			continue
		}
		seen[r.Path] = true
		modules = append(modules, Module{Addr: r.Start, Name: r.Path})
	}
	return modules, nil
}

// linkMapNode is one node of the dynamic linker's link_map linked list:
// struct link_map { ElfW(Addr) l_addr; char *l_name; ElfW(Dyn) *l_ld;
// struct link_map *l_next, *l_prev; }.
type linkMapNode struct {
	addr Address
	name string
}

func readLinkMapNode(mem ProcessMemory, addr Address, ptrSize int) (linkMapNode, Address, error) {
	var ptrs [5]uint64
	for i := range ptrs {
		v, err := readPtr(mem, addr+Address(ptrSize*i), ptrSize)
		if err != nil {
			return linkMapNode{}, 0, err
		}
		ptrs[i] = uint64(v)
	}
	name, err := readCString(mem, Address(ptrs[1]))
	if err != nil {
		return linkMapNode{}, 0, err
	}
	return linkMapNode{addr: Address(ptrs[0]), name: name}, Address(ptrs[3]), nil
}

func readPtr(mem ProcessMemory, addr Address, ptrSize int) (Address, error) {
	buf := make([]byte, ptrSize)
	if _, err := mem.ReadBytes(addr, buf); err != nil {
		return 0, err
	}
	if ptrSize == 8 {
		return Address(binary.LittleEndian.Uint64(buf)), nil
	}
	return Address(binary.LittleEndian.Uint32(buf)), nil
}

func readCString(mem ProcessMemory, addr Address) (string, error) {
	if addr == 0 {
		return "", nil
	}
	var out []byte
	buf := make([]byte, 1)
	for {
		if len(out) > maxModuleNameLength {
			return "", newErr(ParseFailed, 0, fmt.Errorf("module name too long"))
		}
		if _, err := mem.ReadBytes(addr, buf); err != nil {
			return "", err
		}
		if buf[0] == 0 {
			break
		}
		out = append(out, buf[0])
		addr++
	}
	return string(out), nil
}
