package core

import "fmt"

// lenrwBitsOffset/enableBitOffset locate, within DR7, the 2-bit
// enable flag and 4-bit len/rw field for hardware breakpoint slot idx.
// Grounded on pkg/proc/amd64util/debugregs.go.
func lenrwBitsOffset(idx uint) uint { return 16 + idx*4 }
func enableBitOffset(idx uint) uint { return idx * 2 }

// SetHardwareBreakpoint programs DR0-DR3 (address) and DR7 (enable +
// len/rw) for tid's debug register slot idx, and writes the updated
// file back with POKEUSER. sz must be 1, 2, 4 or 8 (8 only for data
// watchpoints, per the Intel SDM's "sic" 0b10 encoding).
func (s *Session) SetHardwareBreakpoint(tid ThreadID, idx uint, addr Address, read, write bool, sz int) error {
	if idx >= 4 {
		return newErr(KernelDenied, tid, fmt.Errorf("hardware breakpoint slots exhausted"))
	}
	if read && !write {
		return newErr(KernelDenied, tid, fmt.Errorf("break on read-only not supported"))
	}
	drs, err := s.readDebugRegisters(tid)
	if err != nil {
		return err
	}

	var lenrw uint64
	if write {
		lenrw |= 0x1
	}
	if read {
		lenrw |= 0x2
	}
	switch sz {
	case 1:
	case 2:
		lenrw |= 0x1 << 2
	case 4:
		lenrw |= 0x3 << 2
	case 8:
		lenrw |= 0x2 << 2
	default:
		return newErr(KernelDenied, tid, fmt.Errorf("unsupported breakpoint size %d", sz))
	}

	drs.DR[idx] = uint64(addr)
	drs.DR7 &^= 0xf << lenrwBitsOffset(idx)
	drs.DR7 |= lenrw << lenrwBitsOffset(idx)
	drs.DR7 |= 1 << enableBitOffset(idx)

	return s.writeDebugRegisters(tid, drs)
}

// ClearHardwareBreakpoint disables debug register slot idx.
func (s *Session) ClearHardwareBreakpoint(tid ThreadID, idx uint) error {
	drs, err := s.readDebugRegisters(tid)
	if err != nil {
		return err
	}
	drs.DR7 &^= 1 << enableBitOffset(idx)
	return s.writeDebugRegisters(tid, drs)
}

// ActiveHardwareBreakpoint reports which debug register slot (if any)
// tripped the thread's last stop, via DR6's condition bits, and clears
// those bits as the kernel leaves that to us.
func (s *Session) ActiveHardwareBreakpoint(tid ThreadID) (idx uint, ok bool, err error) {
	drs, err := s.readDebugRegisters(tid)
	if err != nil {
		return 0, false, err
	}
	for i := uint(0); i < 4; i++ {
		if drs.DR7&(1<<enableBitOffset(i)) == 0 {
			continue
		}
		if drs.DR6&(1<<i) != 0 {
			drs.DR6 &^= 0xf
			if werr := s.writeDebugRegisters(tid, drs); werr != nil {
				return 0, false, werr
			}
			return i, true, nil
		}
	}
	return 0, false, nil
}
