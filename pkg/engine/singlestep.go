package engine

import (
	"fmt"

	sys "golang.org/x/sys/unix"

	"github.com/go-memtrace/memtrace/pkg/linutil"
)

// stepOverBreakpoint restarts the original instruction under the trap at
// addr: it rewinds the instruction pointer, restores the original byte,
// single-steps and re-arms the trap. The breakpoint table's writer lock is
// held across the whole window and every other attached thread is quiesced,
// so no thread can race onto the disabled address.
func (e *Engine) stepOverBreakpoint(tid int, addr uint64, regs *linutil.AMD64Registers) error {
	e.bp.Lock()
	defer e.bp.Unlock()

	paused, err := e.pauseOthers(tid)
	defer e.continueOthers(paused)
	if err != nil {
		return err
	}

	regs.SetPC(addr)
	if err := sys.PtraceSetRegs(tid, regs.Regs); err != nil {
		return fmt.Errorf("[%d] could not rewind pc to %#x: %v", tid, addr, err)
	}
	if err := e.bp.Disable(tid, addr); err != nil {
		return err
	}

	// Up to two steps: the first can be a signal-delivery stop that does
	// not retire the instruction.
	for i := 0; i < 2; i++ {
		if err := sys.PtraceSingleStep(tid); err != nil {
			return fmt.Errorf("[%d] single step: %v", tid, err)
		}
		_, status, err := e.waitFast(tid)
		if err != nil {
			return fmt.Errorf("[%d] wait single step: %v", tid, err)
		}
		if status.Exited() || status.Signaled() {
			// The thread will not execute again; the deferred
			// unlock still releases the writer lock.
			return nil
		}
		if status.Stopped() && status.StopSignal() == sys.SIGTRAP {
			break
		}
	}

	return e.bp.Enable(tid, addr)
}

// pauseOthers stops every other attached thread with SIGSTOP and waits for
// each to reach stopped state, skipping threads that are not in a
// ptrace-controlled stop. It returns the threads it paused; the caller must
// hand them to continueOthers even on error.
func (e *Engine) pauseOthers(tid int) ([]*ThreadState, error) {
	var paused []*ThreadState
	var firstErr error
	e.threads.forEach(func(th *ThreadState) {
		th.paused = false
		if firstErr != nil || th.ID == tid || !ptraceStopped(th.ID) {
			return
		}
		if err := sys.Tgkill(e.pid, th.ID, sys.SIGSTOP); err != nil {
			firstErr = fmt.Errorf("[%d] pause thread %d: %v", tid, th.ID, err)
			return
		}
		var status sys.WaitStatus
		if _, err := sys.Wait4(th.ID, &status, sys.WALL, nil); err != nil {
			firstErr = fmt.Errorf("[%d] wait paused thread %d: %v", tid, th.ID, err)
			return
		}
		if !status.Stopped() {
			e.log.Warnf("[%d] thread %d not paused", tid, th.ID)
			return
		}
		th.paused = true
		paused = append(paused, th)
	})
	return paused, firstErr
}

// continueOthers releases every paused peer with a syscall-trace
// continuation.
func (e *Engine) continueOthers(paused []*ThreadState) {
	for _, th := range paused {
		if !th.paused {
			continue
		}
		if err := sys.PtraceSyscall(th.ID, 0); err != nil {
			e.log.Errorf("continue thread %d: %v", th.ID, err)
		}
		th.paused = false
	}
}
