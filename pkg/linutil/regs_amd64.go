// Package linutil provides access to the user registers of a traced thread
// on linux/amd64.
package linutil

import (
	sys "golang.org/x/sys/unix"
)

// AMD64Registers wraps the general purpose registers returned by
// PTRACE_GETREGS for AMD64 CPUs.
type AMD64Registers struct {
	Regs *sys.PtraceRegs
}

// PC returns the current instruction pointer.
func (r *AMD64Registers) PC() uint64 { return r.Regs.Rip }

// SetPC changes the instruction pointer. The caller is responsible for
// writing the registers back with PTRACE_SETREGS.
func (r *AMD64Registers) SetPC(pc uint64) { r.Regs.Rip = pc }

// SP returns the stack pointer.
func (r *AMD64Registers) SP() uint64 { return r.Regs.Rsp }

// BP returns the frame base pointer.
func (r *AMD64Registers) BP() uint64 { return r.Regs.Rbp }

// SyscallNumber returns the preserved syscall number, valid on
// syscall-entry and syscall-exit stops.
func (r *AMD64Registers) SyscallNumber() uint64 { return r.Regs.Orig_rax }

// Ret returns the function or syscall return value.
func (r *AMD64Registers) Ret() uint64 { return r.Regs.Rax }

// Arg returns the n-th integer argument per the System V AMD64 ABI.
func (r *AMD64Registers) Arg(n int) uint64 {
	switch n {
	case 0:
		return r.Regs.Rdi
	case 1:
		return r.Regs.Rsi
	case 2:
		return r.Regs.Rdx
	case 3:
		return r.Regs.R10
	case 4:
		return r.Regs.R8
	case 5:
		return r.Regs.R9
	}
	return 0
}
