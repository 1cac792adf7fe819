//go:build linux && (amd64 || 386)

package native

import (
	"encoding/binary"
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

const (
	personalityGetPersonality = 0xffffffff // argument to pass to personality syscall to get the current personality
	_ADDR_NO_RANDOMIZE        = 0x0040000  // ADDR_NO_RANDOMIZE linux constant

	// si_code values of SIGTRAP
	_TRAP_BRKPT = 1
	_TRAP_TRACE = 2
	_SI_KERNEL  = 0x80
)

// ptraceAttach executes the sys.PtraceAttach call.
func ptraceAttach(tid int) error {
	return sys.PtraceAttach(tid)
}

// ptraceDetach calls ptrace(PTRACE_DETACH).
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceCont executes ptrace PTRACE_CONT
func ptraceCont(tid, sig int) error {
	return sys.PtraceCont(tid, sig)
}

// ptraceSingleStep executes ptrace PTRACE_SINGLESTEP
func ptraceSingleStep(tid, sig int) error {
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, uintptr(sys.PTRACE_SINGLESTEP), uintptr(tid), uintptr(0), uintptr(sig), 0, 0)
	if e1 != 0 {
		return e1
	}
	return nil
}

// siginfo is the part of a siginfo_t the backend looks at.
type siginfo struct {
	signo int
	code  int
	addr  uint64
}

// ptraceGetSiginfo calls ptrace(PTRACE_GETSIGINFO).
func ptraceGetSiginfo(tid int) (siginfo, error) {
	var raw [128]byte
	_, _, e1 := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GETSIGINFO, uintptr(tid), 0, uintptr(unsafe.Pointer(&raw[0])), 0, 0)
	if e1 != 0 {
		return siginfo{}, e1
	}
	return decodeSiginfo(raw[:]), nil
}

func decodeSiginfo(raw []byte) siginfo {
	si := siginfo{
		signo: int(int32(binary.LittleEndian.Uint32(raw[0:]))),
		code:  int(int32(binary.LittleEndian.Uint32(raw[8:]))),
	}
	if siginfoAddrOffset == 16 {
		si.addr = binary.LittleEndian.Uint64(raw[siginfoAddrOffset:])
	} else {
		si.addr = uint64(binary.LittleEndian.Uint32(raw[siginfoAddrOffset:]))
	}
	return si
}

// remoteIovec is like golang.org/x/sys/unix.Iovec but uses uintptr for the
// base field instead of *byte so that we can use it with addresses that
// belong to the target process.
type remoteIovec struct {
	base uintptr
	len  uintptr
}

// processVmRead calls process_vm_readv
func processVmRead(tid int, addr uintptr, data []byte) (int, error) {
	var localIov sys.Iovec
	localIov.Base = &data[0]
	localIov.SetLen(len(data))
	remoteIov := remoteIovec{base: addr, len: uintptr(len(data))}
	n, _, err := syscall.Syscall6(sys.SYS_PROCESS_VM_READV, uintptr(tid), uintptr(unsafe.Pointer(&localIov)), 1, uintptr(unsafe.Pointer(&remoteIov)), 1, 0)
	if err != syscall.Errno(0) {
		return 0, err
	}
	return int(n), nil
}

// disableASLR turns off address space randomization for the calling
// thread and returns a function that restores the previous personality.
func disableASLR() func() {
	oldPersonality, _, err := syscall.Syscall(sys.SYS_PERSONALITY, personalityGetPersonality, 0, 0)
	if err != syscall.Errno(0) {
		return func() {}
	}
	newPersonality := oldPersonality | _ADDR_NO_RANDOMIZE
	syscall.Syscall(sys.SYS_PERSONALITY, newPersonality, 0, 0)
	return func() { syscall.Syscall(sys.SYS_PERSONALITY, oldPersonality, 0, 0) }
}
