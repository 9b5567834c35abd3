// Package engine drives the traced process: it attaches, distributes one
// supervisor per target thread, resolves traps into invoke/result events,
// single-steps past breakpoints while quiescing peers and reacts to library
// loads by installing new breakpoints.
package engine

import (
	"encoding/binary"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	sys "golang.org/x/sys/unix"

	"github.com/go-memtrace/memtrace/pkg/breakpoint"
	"github.com/go-memtrace/memtrace/pkg/catalog"
	"github.com/go-memtrace/memtrace/pkg/logflags"
	"github.com/go-memtrace/memtrace/pkg/target"
	"github.com/go-memtrace/memtrace/pkg/unwind"
)

// ErrProcessExited means the target is gone. It is the ordinary termination
// path, not a failure.
type ErrProcessExited struct {
	Pid    int
	Status int
}

func (e ErrProcessExited) Error() string {
	return fmt.Sprintf("process %d has exited with status %d", e.Pid, e.Status)
}

const shutdownPollInterval = 200 * time.Millisecond

// Target selects how the engine acquires its process: attach to an
// existing pid, or spawn Cmd.
type Target struct {
	// AttachPid attaches to a running process when > 0.
	AttachPid int

	// Cmd is the argv of the process to spawn when AttachPid is 0.
	Cmd []string
	// WorkingDir of the spawned process.
	WorkingDir string
	// NewTTY allocates a pseudo terminal for the spawned process.
	NewTTY bool
}

// Engine supervises the traced process. It uniquely owns the breakpoint
// table, the thread registry and the library-load sets.
type Engine struct {
	registry *catalog.Registry
	sink     EventSink

	pid      int
	execPath string

	bp      *breakpoint.Table
	threads *threadRegistry

	libraries libraryLoadSet

	doingSetup atomic.Bool
	active     atomic.Int64
	eg         errgroup.Group

	log logflags.Logger
}

// New returns an engine dispatching to sink the specs registered in
// registry. The registry must not be modified afterwards.
func New(registry *catalog.Registry, sink EventSink) *Engine {
	e := &Engine{
		registry: registry,
		sink:     sink,
		threads:  newThreadRegistry(),
		log:      logflags.EngineLogger(),
	}
	e.bp = breakpoint.New(textMemory{})
	e.libraries.init()
	return e
}

// Pid returns the root thread id of the target.
func (e *Engine) Pid() int { return e.pid }

// ExecPath returns the resolved path of the target executable.
func (e *Engine) ExecPath() string { return e.execPath }

// Run acquires the target, supervises every one of its threads and returns
// when the whole target has exited. It must be called at most once.
func (e *Engine) Run(tgt Target) error {
	// All ptrace requests for the root thread must come from the thread
	// that acquired it.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if tgt.AttachPid > 0 {
		if err := e.attachTarget(tgt.AttachPid); err != nil {
			return err
		}
	} else {
		if err := e.launchTarget(tgt); err != nil {
			return err
		}
	}
	e.log.Debugf("debugger for pid(%d) start", e.pid)

	path, err := target.ResolveExecutablePath(e.pid)
	if err != nil {
		return err
	}
	e.execPath = path
	e.log.Debugf("path: %s", path)

	if err := e.sink.OnTargetStarted(e.pid, path); err != nil {
		return err
	}

	// Seed library discovery with the executable itself so that the
	// first syscall stop installs breakpoints from the current memory
	// map. Images mapped later are picked up through the mmap hook.
	e.libraries.addLoading(path)

	e.threads.add(e.pid, len(e.registry.Syscalls()), e.memoryReader(e.pid))
	e.active.Add(1)

	if tgt.AttachPid > 0 {
		e.attachSiblingThreads()
	}

	err = e.supervise(e.pid, true)
	if err != nil {
		var exited ErrProcessExited
		if !errors.As(err, &exited) {
			e.log.Errorf("[%d] root supervisor: %v", e.pid, err)
		}
	}

	// wait for remaining supervisors, counted down as each one exits
	for e.active.Load() != 0 {
		time.Sleep(shutdownPollInterval)
	}
	e.eg.Wait()
	e.log.Debugf("debugger end")
	return nil
}

// attachTarget attaches to pid and waits for it to stop.
func (e *Engine) attachTarget(pid int) error {
	e.pid = pid
	if err := sys.PtraceAttach(pid); err != nil {
		return fmt.Errorf("could not attach to pid %d: %v", pid, err)
	}
	if _, _, err := e.waitFast(pid); err != nil {
		return err
	}
	return nil
}

// attachSiblingThreads walks /proc/<pid>/task and hands every thread that
// existed before the attach to a dedicated supervisor.
func (e *Engine) attachSiblingThreads() {
	tids, _ := filepath.Glob(fmt.Sprintf("/proc/%d/task/*", e.pid))
	for _, tidpath := range tids {
		tid, err := strconv.Atoi(filepath.Base(tidpath))
		if err != nil || tid == e.pid {
			continue
		}
		e.startSupervisor(tid)
	}
}

// startSupervisor registers tid and spawns its supervisor thread, which
// attaches the thread itself.
func (e *Engine) startSupervisor(tid int) {
	e.threads.add(tid, len(e.registry.Syscalls()), e.memoryReader(tid))
	e.active.Add(1)
	e.eg.Go(func() error {
		err := e.supervise(tid, false)
		if err != nil {
			e.log.Errorf("[%d] supervisor: %v", tid, err)
		}
		return err
	})
}

// textMemory adapts ptrace word access to the breakpoint table.
type textMemory struct{}

func (textMemory) PeekWord(tid int, addr uint64) (uint64, error) {
	var buf [8]byte
	if _, err := sys.PtracePeekData(tid, uintptr(addr), buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

func (textMemory) PokeWord(tid int, addr uint64, word uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], word)
	_, err := sys.PtracePokeData(tid, uintptr(addr), buf[:])
	return err
}

// memoryReader returns the remote reader backing tid's unwind arena.
func (e *Engine) memoryReader(tid int) unwind.MemoryReader {
	return func(buf []byte, addr uint64) error {
		_, err := sys.PtracePeekData(tid, uintptr(addr), buf)
		return err
	}
}

// peekWord reads one word of target memory.
func (e *Engine) peekWord(tid int, addr uint64) (uint64, error) {
	return textMemory{}.PeekWord(tid, addr)
}

// waitFast waits for a state change of tid.
func (e *Engine) waitFast(tid int) (int, sys.WaitStatus, error) {
	var status sys.WaitStatus
	wpid, err := sys.Wait4(tid, &status, sys.WALL, nil)
	return wpid, status, err
}
