// Package breakpoint maintains the set of trap bytes installed in the text
// of the traced process.
package breakpoint

import (
	"fmt"
	"sync"

	"github.com/go-memtrace/memtrace/pkg/logflags"
)

// BreakByte is the single-byte trap instruction on x86-64 (int3).
const BreakByte = 0xCC

// Memory abstracts word-sized reads and writes into the text of a traced
// thread. The engine backs it with PTRACE_PEEKTEXT/PTRACE_POKETEXT.
type Memory interface {
	PeekWord(tid int, addr uint64) (uint64, error)
	PokeWord(tid int, addr uint64, word uint64) error
}

// NoBreakpoint is the function index stored for breakpoints that do not
// stand for a catalog function (return sites).
const NoBreakpoint = -1

// Table is the set of installed breakpoints: original word by address plus
// the function index an address stands for. All mutating operations require
// the writer lock; the engine holds it across single-step windows and
// library installation so no concurrent lookup can observe an unarmed
// address.
type Table struct {
	mu sync.RWMutex

	originals map[uint64]uint64
	functions map[uint64]int

	// watermarks bounding the installed range, used to clip
	// invalidation scans after mmap results
	min, max uint64

	mem Memory
}

// New returns an empty table operating through mem.
func New(mem Memory) *Table {
	return &Table{
		originals: make(map[uint64]uint64),
		functions: make(map[uint64]int),
		mem:       mem,
	}
}

// Lock acquires the unique writer lock.
func (t *Table) Lock() { t.mu.Lock() }

// Unlock releases the unique writer lock.
func (t *Table) Unlock() { t.mu.Unlock() }

// Install reads the word at addr, remembers it and arms the trap byte.
// fnIndex is the catalog function index the address stands for, or
// NoBreakpoint for return sites. The caller must hold the writer lock.
func (t *Table) Install(tid int, addr uint64, fnIndex int) error {
	orig, err := t.mem.PeekWord(tid, addr)
	if err != nil {
		return fmt.Errorf("install breakpoint at %#x: %v", addr, err)
	}
	t.originals[addr] = orig
	if fnIndex != NoBreakpoint {
		t.functions[addr] = fnIndex
	}
	if len(t.originals) == 1 {
		t.min, t.max = addr, addr
	} else {
		if addr < t.min {
			t.min = addr
		}
		if addr > t.max {
			t.max = addr
		}
	}
	return t.Enable(tid, addr)
}

// Enable re-arms the trap byte at addr, preserving the seven higher bytes of
// whatever currently lives there. The caller must hold the writer lock.
func (t *Table) Enable(tid int, addr uint64) error {
	cur, err := t.mem.PeekWord(tid, addr)
	if err != nil {
		return fmt.Errorf("enable breakpoint at %#x: %v", addr, err)
	}
	return t.mem.PokeWord(tid, addr, cur&^0xFF|BreakByte)
}

// Disable restores the original low byte at addr. It is idempotent: if the
// low byte is not the trap byte anymore it logs a warning and succeeds.
// The caller must hold the writer lock.
func (t *Table) Disable(tid int, addr uint64) error {
	cur, err := t.mem.PeekWord(tid, addr)
	if err != nil {
		return fmt.Errorf("disable breakpoint at %#x: %v", addr, err)
	}
	if cur&0xFF != BreakByte {
		logflags.EngineLogger().Warnf("[%d] breakpoint already disabled: %#x for %#x", tid, cur, addr)
		return nil
	}
	orig := t.originals[addr]
	return t.mem.PokeWord(tid, addr, cur&^0xFF|orig&0xFF)
}

// Covers returns rip-1 if an installed breakpoint lives there (the trap
// leaves the instruction pointer one past the trap byte).
func (t *Table) Covers(rip uint64) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.originals[rip-1]
	if !ok {
		return 0, false
	}
	return rip - 1, true
}

// FunctionAt returns the catalog function index registered at rip-1.
func (t *Table) FunctionAt(rip uint64) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	idx, ok := t.functions[rip-1]
	return idx, ok
}

// Installed reports whether a breakpoint is installed at addr. The caller
// must hold either lock.
func (t *Table) Installed(addr uint64) bool {
	_, ok := t.originals[addr]
	return ok
}

// Original returns the saved text word of an installed breakpoint. The
// caller must hold either lock.
func (t *Table) Original(addr uint64) (uint64, bool) {
	orig, ok := t.originals[addr]
	return orig, ok
}

// Bounds returns the watermark addresses clipping the installed range.
func (t *Table) Bounds() (lo, hi uint64) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.min, t.max
}

// Len returns the number of installed breakpoints.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.originals)
}

// RangeRepair re-arms every installed address in [lo, hi] whose low byte is
// no longer the trap byte. Called after an mmap result overlapping the
// installed range, against loaders that rewrite text.
func (t *Table) RangeRepair(tid int, lo, hi uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for addr := range t.originals {
		if addr < lo || addr > hi {
			continue
		}
		cur, err := t.mem.PeekWord(tid, addr)
		if err != nil {
			return err
		}
		if cur&0xFF != BreakByte {
			t.originals[addr] = cur
			if err := t.Enable(tid, addr); err != nil {
				return err
			}
		}
	}
	return nil
}
