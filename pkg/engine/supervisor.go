package engine

import (
	"fmt"
	"runtime"

	sys "golang.org/x/sys/unix"

	"github.com/go-memtrace/memtrace/pkg/breakpoint"
	"github.com/go-memtrace/memtrace/pkg/linutil"
)

const ptraceOptions = sys.PTRACE_O_TRACESYSGOOD | // mark syscall stops
	sys.PTRACE_O_TRACECLONE | // trace cloned threads
	sys.PTRACE_O_TRACEFORK | // trace forked processes
	sys.PTRACE_O_TRACEVFORK | // trace vforked processes
	sys.PTRACE_O_TRACEEXEC | // disable legacy sigtrap on execve
	sys.PTRACE_O_EXITKILL // kill the target if the tracer exits

// supervise runs the wait loop of one traced thread until it exits. When
// attached is false the supervisor performs the attach itself, so that every
// ptrace request for tid comes from this OS thread.
func (e *Engine) supervise(tid int, attached bool) error {
	if !attached {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}
	defer e.active.Add(-1)
	defer e.threads.remove(tid)

	e.log.Debugf("[%d] start trace thread", tid)

	if !attached {
		if err := sys.PtraceAttach(tid); err != nil && err != sys.EPERM {
			// EPERM can mean the kernel already attached us through
			// PTRACE_O_TRACECLONE
			return fmt.Errorf("could not attach to thread %d: %v", tid, err)
		}
		if _, _, err := e.waitFast(tid); err != nil {
			return err
		}
	}

	if err := sys.PtraceSetOptions(tid, ptraceOptions); err != nil {
		return fmt.Errorf("could not set options for thread %d: %v", tid, err)
	}
	if err := sys.PtraceSyscall(tid, 0); err != nil {
		return err
	}

	for {
		_, status, err := e.waitFast(tid)
		if err != nil {
			if err == sys.ECHILD {
				return nil
			}
			return fmt.Errorf("wait err %v %d", err, tid)
		}

		if isPtraceEvent(status, sys.PTRACE_EVENT_CLONE) ||
			isPtraceEvent(status, sys.PTRACE_EVENT_FORK) ||
			isPtraceEvent(status, sys.PTRACE_EVENT_VFORK) {
			e.handleNewThread(tid)
		}

		switch {
		case status.Exited() || status.Signaled():
			if tid == e.pid {
				return ErrProcessExited{Pid: tid, Status: status.ExitStatus()}
			}
			return nil
		case !status.Stopped():
			// spurious wakeup
		case status.StopSignal() == sigSyscallGood:
			if e.libraries.hasLoading() {
				if err := e.setupBreakpoints(tid); err != nil {
					return err
				}
			}
			if err := e.traceSyscall(tid); err != nil {
				return err
			}
		case status.StopSignal() == sys.SIGTRAP:
			if err := e.traceBreakpoint(tid); err != nil {
				return err
			}
		default:
			// relay the signal into the target
			if err := sys.PtraceSyscall(tid, int(status.StopSignal())); err != nil {
				return nil
			}
			continue
		}

		if err := sys.PtraceSyscall(tid, 0); err != nil {
			// the thread is gone
			return nil
		}
	}
}

// handleNewThread retrieves the tid delivered by a clone/fork/vfork stop,
// clears the kernel's default tracer attachment and hands the child to a
// fresh supervisor, which re-attaches it.
func (e *Engine) handleNewThread(parent int) {
	msg, err := sys.PtraceGetEventMsg(parent)
	if err != nil {
		e.log.Errorf("[%d] could not get event message: %v", parent, err)
		return
	}
	child := int(msg)
	if child <= 0 {
		return
	}
	e.log.Debugf("[%d] new thread %d", parent, child)
	e.sink.OnNewThread(parent, child)

	e.waitFast(child)
	if err := ptraceDetach(child, int(sys.SIGSTOP)); err != nil {
		e.log.Errorf("[%d] could not release new thread %d: %v", parent, child, err)
	}
	e.startSupervisor(child)
}

// getRegs reads the user registers of the stopped thread.
func (e *Engine) getRegs(tid int) (*linutil.AMD64Registers, error) {
	var regs sys.PtraceRegs
	if err := sys.PtraceGetRegs(tid, &regs); err != nil {
		return nil, err
	}
	return &linutil.AMD64Registers{Regs: &regs}, nil
}

// traceSyscall toggles the per-thread syscall phase for every spec matching
// the stopped syscall number and dispatches to the sink. The engine's own
// mmap hook runs first, feeding library discovery.
func (e *Engine) traceSyscall(tid int) error {
	th := e.threads.get(tid)
	if th == nil {
		e.log.Errorf("[%d] trace syscall thread not exists", tid)
		return nil
	}
	regs, err := e.getRegs(tid)
	if err != nil {
		return nil
	}

	if regs.SyscallNumber() == sys.SYS_MMAP {
		if th.mmapInside {
			e.onMmapResult(tid, regs)
		} else {
			e.onMmapInvoke(tid, regs)
		}
		th.mmapInside = !th.mmapInside
	}

	for i, spec := range e.registry.Syscalls() {
		if spec.Number != regs.SyscallNumber() {
			continue
		}
		if th.syscallPhase[i] {
			if spec.HasResult {
				e.sink.OnSyscallResult(i, tid, regs, th.Arena)
			}
			th.syscallPhase[i] = false
		} else {
			e.sink.OnSyscallInvoke(i, tid, regs, th.Arena)
			th.syscallPhase[i] = true
		}
	}
	return nil
}

// traceBreakpoint classifies a program-level trap. Function-entry lookup
// precedes top-of-return-stack lookup precedes generic breakpoint handling;
// a trap that matches none of them is left alone.
func (e *Engine) traceBreakpoint(tid int) error {
	th := e.threads.get(tid)
	if th == nil {
		e.log.Errorf("[%d] trace breakpoint thread not exists", tid)
		return nil
	}
	regs, err := e.getRegs(tid)
	if err != nil {
		return nil
	}
	rip := regs.PC()

	if fnIndex, ok := e.bp.FunctionAt(rip); ok {
		spec := e.registry.Functions()[fnIndex]
		e.sink.OnFunctionInvoke(fnIndex, tid, regs, th.Arena)
		if spec.HasResult {
			if err := e.pushReturnBreakpoint(th, regs, fnIndex); err != nil {
				return err
			}
		}
		return e.stepOverBreakpoint(tid, rip-1, regs)
	}

	// a return-site trap is only acted on by the thread that pushed it
	if n := len(th.retStack); n > 0 && th.retStack[n-1].addr == rip-1 {
		top := th.retStack[n-1]
		th.retStack = th.retStack[:n-1]
		e.sink.OnFunctionResult(top.fnIndex, tid, regs, th.Arena)
		return e.stepOverBreakpoint(tid, top.addr, regs)
	}

	if addr, ok := e.bp.Covers(rip); ok {
		// another thread's return site, nothing to do but step past
		return e.stepOverBreakpoint(tid, addr, regs)
	}
	return nil
}

// pushReturnBreakpoint peeks the return address stored at the top of the
// target stack, installs a breakpoint there if not already present and
// records the pending return on the thread's stack.
func (e *Engine) pushReturnBreakpoint(th *ThreadState, regs *linutil.AMD64Registers, fnIndex int) error {
	retAddr, err := e.peekWord(th.ID, regs.SP())
	if err != nil {
		return fmt.Errorf("[%d] could not read return address: %v", th.ID, err)
	}
	th.retStack = append(th.retStack, retBreakpoint{addr: retAddr, fnIndex: fnIndex})

	e.bp.Lock()
	defer e.bp.Unlock()
	if !e.bp.Installed(retAddr) {
		return e.bp.Install(th.ID, retAddr, breakpoint.NoBreakpoint)
	}
	return nil
}
