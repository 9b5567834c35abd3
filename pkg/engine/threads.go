package engine

import (
	"sync"

	"github.com/go-memtrace/memtrace/pkg/logflags"
	"github.com/go-memtrace/memtrace/pkg/unwind"
)

// retBreakpoint is one pending return site awaiting its function-exit trap.
type retBreakpoint struct {
	addr    uint64
	fnIndex int
}

// ThreadState holds the per-traced-thread state. Apart from paused, which
// the single-step protocol writes while the thread's supervisor is quiesced,
// all fields are owned by the thread's supervisor.
type ThreadState struct {
	ID int

	paused bool

	// Arena is the lazily initialized unwind context, released on
	// thread destruction.
	Arena *unwind.Arena

	// syscallPhase[i] records whether syscall spec i is between its
	// entry and exit stop.
	syscallPhase []bool

	// mmapInside is the phase bit of the engine's internal mmap hook.
	mmapInside bool

	// retStack is the LIFO of return sites pushed at function entry.
	retStack []retBreakpoint
}

// threadRegistry tracks every traced thread under reader-writer discipline.
// The writer lock is held briefly on create and destroy; readers hold
// short-lived references only.
type threadRegistry struct {
	mu      sync.RWMutex
	threads map[int]*ThreadState
}

func newThreadRegistry() *threadRegistry {
	return &threadRegistry{threads: make(map[int]*ThreadState)}
}

// add registers tid. Registering a tid twice returns the existing state.
func (r *threadRegistry) add(tid, numSyscalls int, mem unwind.MemoryReader) *ThreadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if th, ok := r.threads[tid]; ok {
		logflags.EngineLogger().Warnf("[%d] thread already traced", tid)
		return th
	}
	th := &ThreadState{
		ID:           tid,
		Arena:        unwind.NewArena(tid, mem),
		syscallPhase: make([]bool, numSyscalls),
	}
	r.threads[tid] = th
	return th
}

func (r *threadRegistry) get(tid int) *ThreadState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.threads[tid]
}

// remove destroys the thread state and releases its unwind context.
func (r *threadRegistry) remove(tid int) {
	r.mu.Lock()
	th := r.threads[tid]
	delete(r.threads, tid)
	r.mu.Unlock()
	if th != nil {
		th.Arena.Close()
	}
}

// forEach visits every thread under the reader lock.
func (r *threadRegistry) forEach(visit func(*ThreadState)) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, th := range r.threads {
		visit(th)
	}
}
