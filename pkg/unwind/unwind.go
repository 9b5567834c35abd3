// Package unwind captures user-mode call stacks of a stopped thread by
// walking its frame-pointer chain through remote memory reads.
package unwind

import (
	"encoding/binary"

	"github.com/go-memtrace/memtrace/pkg/linutil"
	"github.com/go-memtrace/memtrace/pkg/logflags"
)

// MemoryReader reads bytes from the traced thread's address space. The
// engine backs it with PTRACE_PEEKDATA; it is only valid while the thread
// is stopped.
type MemoryReader func(buf []byte, addr uint64) error

// StackMax is the hard cap on captured stack depth.
const StackMax = 100

// Arena is the per-thread unwind context. It is owned by the thread's
// supervisor, lazily initialized on the first capture and released on
// thread destruction.
type Arena struct {
	tid  int
	mem  MemoryReader
	word [8]byte

	initFailed bool
}

// NewArena returns an uninitialized arena for tid. mem may be nil; in that
// case every capture fails and records carry a zero-depth stack.
func NewArena(tid int, mem MemoryReader) *Arena {
	return &Arena{tid: tid, mem: mem}
}

// Close releases the unwind context.
func (a *Arena) Close() {
	a.mem = nil
}

func (a *Arena) peek(addr uint64) (uint64, bool) {
	if err := a.mem(a.word[:], addr); err != nil {
		return 0, false
	}
	return binary.LittleEndian.Uint64(a.word[:]), true
}

// Capture walks the frame chain of the stopped thread starting at the
// current register state, storing instruction pointers into stack. It
// returns the number of frames captured; zero when initialization failed.
// A walk that stops early returns the partial depth.
func (a *Arena) Capture(regs *linutil.AMD64Registers, stack []uint64, maxDepth int) int {
	if a.mem == nil || a.initFailed {
		if !a.initFailed {
			a.initFailed = true
			logflags.UnwindLogger().Errorf("[%d] failed to create unwind context", a.tid)
		}
		return 0
	}
	if maxDepth > len(stack) {
		maxDepth = len(stack)
	}
	if maxDepth <= 0 {
		return 0
	}

	stack[0] = regs.PC()
	depth := 1

	fp := regs.BP()
	sp := regs.SP()
	for depth < maxDepth {
		// frames grow down; a frame pointer below the stack pointer
		// or a walk that stopped advancing means the chain ended
		if fp == 0 || fp < sp {
			break
		}
		ret, ok := a.peek(fp + 8)
		if !ok || ret == 0 {
			break
		}
		next, ok := a.peek(fp)
		if !ok {
			break
		}
		stack[depth] = ret
		depth++
		if next <= fp {
			break
		}
		sp = fp
		fp = next
	}
	return depth
}
