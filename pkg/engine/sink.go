package engine

import (
	"github.com/go-memtrace/memtrace/pkg/linutil"
	"github.com/go-memtrace/memtrace/pkg/unwind"
)

// EventSink receives every event the engine resolves. The tracer
// implementation is plain bookkeeping plus a queue push; callbacks must not
// block beyond a non-blocking enqueue.
//
// Syscall callbacks carry the spec index into Registry.Syscalls, function
// callbacks the index into Registry.Functions. The registers are only valid
// for the duration of the call.
type EventSink interface {
	// OnTargetStarted fires once, after the target is stopped under
	// ptrace and before the first supervisor starts. An error aborts
	// the run.
	OnTargetStarted(pid int, execPath string) error

	OnSyscallInvoke(specIndex, tid int, regs *linutil.AMD64Registers, arena *unwind.Arena)
	OnSyscallResult(specIndex, tid int, regs *linutil.AMD64Registers, arena *unwind.Arena)

	OnFunctionInvoke(fnIndex, tid int, regs *linutil.AMD64Registers, arena *unwind.Arena)
	OnFunctionResult(fnIndex, tid int, regs *linutil.AMD64Registers, arena *unwind.Arena)

	// OnLibraryLoaded fires when the set of mapped images changed:
	// for every newly discovered entry of the target's memory map,
	// before its breakpoints are installed, and after an mmap result
	// overlapping the installed breakpoint range.
	OnLibraryLoaded(tid int)

	// OnNewThread fires when a clone, fork or vfork event delivers a
	// new thread id, before its supervisor starts.
	OnNewThread(parent, child int)
}
