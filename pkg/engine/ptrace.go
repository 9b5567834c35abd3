package engine

import (
	"syscall"
	"unsafe"

	sys "golang.org/x/sys/unix"
)

// ptraceDetach calls ptrace(PTRACE_DETACH) delivering sig to the detached
// thread. The x/sys wrapper takes no signal argument, so this goes through
// the raw syscall.
func ptraceDetach(tid, sig int) error {
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_DETACH, uintptr(tid), 1, uintptr(sig), 0, 0)
	if err != syscall.Errno(0) {
		return err
	}
	return nil
}

// ptraceStopped reports whether tid is currently in a ptrace-controlled
// stop, checked via PTRACE_GETSIGINFO, which fails on a running thread.
func ptraceStopped(tid int) bool {
	var siginfo [128]byte
	_, _, err := sys.Syscall6(sys.SYS_PTRACE, sys.PTRACE_GETSIGINFO, uintptr(tid), 0,
		uintptr(unsafe.Pointer(&siginfo[0])), 0, 0)
	return err == syscall.Errno(0)
}

// isPtraceEvent reports whether status is the dedicated stop for the given
// PTRACE_EVENT_* cause.
func isPtraceEvent(status sys.WaitStatus, event int) bool {
	return uint32(status)>>8 == uint32(sys.SIGTRAP)|uint32(event)<<8
}

// sigSyscallGood is the stop signal of a syscall-entry or -exit
// notification when PTRACE_O_TRACESYSGOOD is set.
const sigSyscallGood = sys.SIGTRAP | 0x80
