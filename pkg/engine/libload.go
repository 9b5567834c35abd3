package engine

import (
	"encoding/binary"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/arch/x86/x86asm"

	"github.com/go-memtrace/memtrace/pkg/linutil"
	"github.com/go-memtrace/memtrace/pkg/logflags"
	"github.com/go-memtrace/memtrace/pkg/target"
)

// libraryLoadSet tracks shared objects between the mmap that maps them and
// the installation of their breakpoints. Paths move monotonically from
// loading to loaded.
type libraryLoadSet struct {
	mu      sync.Mutex
	loading map[string]struct{}
	loaded  map[string]struct{}

	pending atomic.Bool
}

func (s *libraryLoadSet) init() {
	s.loading = make(map[string]struct{})
	s.loaded = make(map[string]struct{})
}

func (s *libraryLoadSet) addLoading(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, done := s.loaded[path]; done {
		return
	}
	s.loading[path] = struct{}{}
	s.pending.Store(true)
}

// markLoaded moves path from loading to loaded.
func (s *libraryLoadSet) markLoaded(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loaded[path] = struct{}{}
	delete(s.loading, path)
	s.pending.Store(len(s.loading) != 0)
}

func (s *libraryLoadSet) hasLoading() bool {
	return s.pending.Load()
}

// loadedSet returns a snapshot of the loaded paths.
func (s *libraryLoadSet) loadedSet() map[string]struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := make(map[string]struct{}, len(s.loaded))
	for p := range s.loaded {
		snap[p] = struct{}{}
	}
	return snap
}

// isSharedObjectPath reports whether path names a shared object: its last
// ".so" ends the path or is followed by a dotted suffix such as a version
// (libc.so, libc.so.6).
func isSharedObjectPath(path string) bool {
	i := strings.LastIndex(path, ".so")
	if i < 0 {
		return false
	}
	tail := i + len(".so")
	return tail == len(path) || path[tail] == '.'
}

// onMmapInvoke inspects the file-descriptor argument of an mmap entry stop
// and queues the backing path for symbol installation when it names a
// shared object.
func (e *Engine) onMmapInvoke(tid int, regs *linutil.AMD64Registers) {
	fd := regs.Arg(4)
	path := target.ResolveFdPath(e.pid, fd)
	if path == "" || !isSharedObjectPath(path) {
		return
	}
	e.libraries.addLoading(path)
}

// onMmapResult repairs breakpoints when the returned region overlaps the
// installed range: some loaders rewrite text they just mapped over.
func (e *Engine) onMmapResult(tid int, regs *linutil.AMD64Registers) {
	if e.bp.Len() == 0 {
		return
	}
	lo, hi := e.bp.Bounds()
	start, length := regs.Ret(), regs.Arg(1)
	if start < hi && start+length > lo {
		if err := e.bp.RangeRepair(tid, start, start+length); err != nil {
			e.log.Errorf("[%d] breakpoint repair: %v", tid, err)
		}
		e.sink.OnLibraryLoaded(tid)
	}
}

// setupBreakpoints walks the target's memory map and installs a breakpoint
// for every registered function exported by an image not yet processed.
// The test-and-set flag keeps concurrent supervisors from doing the setup
// twice; running it under a syscall stop guarantees the current thread is
// quiescent, and the table's writer lock keeps every other trap out while
// installation is in progress.
func (e *Engine) setupBreakpoints(tid int) error {
	if !e.doingSetup.CompareAndSwap(false, true) {
		return nil
	}
	defer e.doingSetup.Store(false)

	var firstErr error
	err := target.IterateMemoryMap(e.pid, e.libraries.loadedSet(), func(path string, base uint64) bool {
		e.libraries.markLoaded(path)
		e.sink.OnLibraryLoaded(tid)

		if !target.IsELF(path) {
			return false
		}
		e.log.Debugf("[file] load library: [%s], base: [%#x]", path, base)

		e.bp.Lock()
		defer e.bp.Unlock()
		err := target.IterateSymbols(path, false, func(name string, offset uint64) bool {
			if offset == 0 {
				return false
			}
			fnIndex, ok := e.registry.FunctionIndex(name)
			if !ok {
				return false
			}
			addr := base + offset
			if e.bp.Installed(addr) {
				return false
			}
			if err := e.bp.Install(tid, addr, fnIndex); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return false
			}
			e.logInstall(name, fnIndex, path, base, offset, addr)
			return false
		})
		if err != nil && firstErr == nil {
			// corrupt image: skip the library, keep tracing
			e.log.Errorf("skipping %s: %v", path, err)
		}
		return false
	})
	if err != nil {
		return err
	}
	return firstErr
}

// logInstall records an installed function breakpoint, decoding the first
// original instruction for the log.
func (e *Engine) logInstall(name string, fnIndex int, path string, base, offset, addr uint64) {
	if !logflags.Engine() {
		return
	}
	text := ""
	if orig, ok := e.bp.Original(addr); ok {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], orig)
		if inst, err := x86asm.Decode(buf[:], 64); err == nil {
			text = inst.String()
		}
	}
	e.log.Debugf("[function] name: [%s], index: [%d], file: [%s], base: [%#x], offset: [%#x], insn: [%s]",
		name, fnIndex, path, base, offset, text)
}
