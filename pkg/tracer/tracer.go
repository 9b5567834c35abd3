// Package tracer wires the debugger engine to the trace recorder and the
// statistics collector: it owns the catalog of traced operations and
// implements the engine's event sink.
package tracer

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	sys "golang.org/x/sys/unix"

	"github.com/go-memtrace/memtrace/pkg/catalog"
	"github.com/go-memtrace/memtrace/pkg/config"
	"github.com/go-memtrace/memtrace/pkg/engine"
	"github.com/go-memtrace/memtrace/pkg/linutil"
	"github.com/go-memtrace/memtrace/pkg/stats"
	"github.com/go-memtrace/memtrace/pkg/trace"
	"github.com/go-memtrace/memtrace/pkg/unwind"
)

// Tracer runs one tracing session.
type Tracer struct {
	conf     *config.Config
	registry *catalog.Registry
	recorder *trace.Recorder
	stats    *stats.Stats

	captureStacks bool
	maxStackDepth int

	parentDir string
}

// New returns a tracer for the given run configuration. argv is the full
// command line of the tracer itself, commands the argv of the target;
// both are echoed into the statistics report.
func New(conf *config.Config, argv, commands []string) *Tracer {
	t := &Tracer{
		conf:          conf,
		registry:      buildRegistry(),
		stats:         stats.New(),
		captureStacks: conf.Trace && conf.MaxStackDepth >= 0,
		maxStackDepth: conf.MaxStackDepth,
	}
	if t.maxStackDepth > unwind.StackMax {
		t.maxStackDepth = unwind.StackMax
	}
	t.stats.Argv = argv
	t.stats.Commands = commands
	t.stats.Extra = conf.Extra
	return t
}

// buildRegistry registers the fixed catalog: heap-management syscalls and
// the libc and mangled operator names, matched against .dynsym.
func buildRegistry() *catalog.Registry {
	r := catalog.NewRegistry()

	for _, s := range []catalog.SyscallSpec{
		{Number: sys.SYS_BRK, Op: catalog.OpBrk, HasResult: true},
		{Number: sys.SYS_MMAP, Op: catalog.OpMmap, HasResult: true},
		{Number: sys.SYS_MUNMAP, Op: catalog.OpMunmap, HasResult: true},
		{Number: sys.SYS_CLONE, Op: catalog.OpClone, HasResult: true},
		{Number: sys.SYS_CLONE3, Op: catalog.OpClone3, HasResult: true},
		{Number: sys.SYS_FORK, Op: catalog.OpFork, HasResult: true},
		{Number: sys.SYS_VFORK, Op: catalog.OpVfork, HasResult: true},
		{Number: sys.SYS_EXECVE, Op: catalog.OpExecve, HasResult: true},
	} {
		r.RegisterSyscall(s)
	}

	for _, f := range []catalog.FunctionSpec{
		{Name: "sbrk", Op: catalog.OpSbrk, HasResult: true},
		{Name: "free", Op: catalog.OpFree},
		{Name: "malloc", Op: catalog.OpMalloc, HasResult: true},
		{Name: "calloc", Op: catalog.OpCalloc, HasResult: true},
		{Name: "realloc", Op: catalog.OpRealloc, HasResult: true},
		{Name: "valloc", Op: catalog.OpValloc, HasResult: true},
		{Name: "posix_memalign", Op: catalog.OpPosixMemalign, HasResult: true},
		{Name: "aligned_alloc", Op: catalog.OpAlignedAlloc, HasResult: true},
		{Name: "_Znwm", Op: catalog.OpNew, HasResult: true},
		{Name: "_Znam", Op: catalog.OpNewArray, HasResult: true},
		{Name: "_ZdlPv", Op: catalog.OpDeleteLegacy},
		{Name: "_ZdlPvm", Op: catalog.OpDelete},
		{Name: "_ZdaPv", Op: catalog.OpDeleteArray},
	} {
		r.RegisterFunction(f)
	}
	return r
}

// Run acquires the target, traces it to completion and emits the
// statistics report.
func (t *Tracer) Run(tgt engine.Target) error {
	eng := engine.New(t.registry, t)
	err := eng.Run(tgt)
	if t.recorder != nil {
		t.gatherStats()
		if stopErr := t.recorder.Stop(); stopErr != nil && err == nil {
			err = stopErr
		}
		fileLen, funcLen := t.recorder.MaxNameLengths()
		rep := stats.Report{FileNameMaxLen: fileLen, FunctionNameMaxLen: funcLen}
		if t.conf.PrintStat {
			t.stats.Print(rep)
		}
		if saveErr := t.stats.Save(filepath.Join(t.parentDir, config.StatFileName), rep); saveErr != nil && err == nil {
			err = saveErr
		}
	}
	return err
}

// OnTargetStarted resolves the output directory for this run and starts the
// recorder, now that the target pid and executable are known.
func (t *Tracer) OnTargetStarted(pid int, execPath string) error {
	start := time.Now()
	timestamp := config.Timestamp(start)
	name := filepath.Base(execPath)

	category := t.conf.ResolveCategory(name, timestamp)
	t.parentDir = t.conf.ParentDir(category)
	if err := os.MkdirAll(t.parentDir, 0o755); err != nil {
		return fmt.Errorf("could not create save directory: %v", err)
	}

	t.recorder = trace.NewRecorder(trace.Config{
		Capture:    t.conf.Trace,
		Save:       t.conf.Save,
		OutputPath: filepath.Join(t.parentDir, config.TraceFileName),
		PrintLog:   t.conf.PrintLog,
		PrintStack: t.conf.PrintStack,
		PrintSave:  t.conf.PrintSave,
	})
	if err := t.recorder.Start(pid); err != nil {
		return err
	}

	wd, _ := os.Getwd()
	t.stats.MainTid = pid
	t.stats.Target = name
	t.stats.TargetFullPath = execPath
	t.stats.WorkingDir = wd
	t.stats.SavePath = t.parentDir
	t.stats.TimestampStart = timestamp
	return nil
}

func (t *Tracer) gatherStats() {
	t.stats.TimeEnd = t.recorder.Now()
	t.stats.TimestampEnd = config.Timestamp(time.Now())
}

// invoke records one operation entry, capturing the caller stack when
// enabled.
func (t *Tracer) invoke(op catalog.Operation, tid int, arg0, arg1 uint64, regs *linutil.AMD64Registers, arena *unwind.Arena) {
	var stack []uint64
	if t.captureStacks {
		var buf [unwind.StackMax]uint64
		n := arena.Capture(regs, buf[:], t.maxStackDepth)
		stack = buf[:n]
	}
	depth := t.recorder.Add(op.InvokeTag(), tid, [2]uint64{arg0, arg1}, stack)
	t.stats.CountInvoke(op, depth)
}

// result records one operation return.
func (t *Tracer) result(op catalog.Operation, tid int, ret uint64) {
	t.recorder.Add(op.ResultTag(), tid, [2]uint64{ret, 0}, nil)
	t.stats.CountResult(op)
}

// OnSyscallInvoke extracts the syscall arguments per the AMD64 ABI.
func (t *Tracer) OnSyscallInvoke(specIndex, tid int, regs *linutil.AMD64Registers, arena *unwind.Arena) {
	op := t.registry.Syscalls()[specIndex].Op
	var arg0, arg1 uint64
	switch op {
	case catalog.OpBrk, catalog.OpClone, catalog.OpClone3:
		arg0 = regs.Arg(0)
	case catalog.OpMmap, catalog.OpMunmap, catalog.OpExecve:
		arg0, arg1 = regs.Arg(0), regs.Arg(1)
	case catalog.OpFork, catalog.OpVfork:
		// no arguments
	}
	t.invoke(op, tid, arg0, arg1, regs, arena)
}

func (t *Tracer) OnSyscallResult(specIndex, tid int, regs *linutil.AMD64Registers, arena *unwind.Arena) {
	t.result(t.registry.Syscalls()[specIndex].Op, tid, regs.Ret())
}

// OnFunctionInvoke extracts the function arguments. posix_memalign keeps
// its size in rdx and alignment in rsi; everything else follows its C
// prototype.
func (t *Tracer) OnFunctionInvoke(fnIndex, tid int, regs *linutil.AMD64Registers, arena *unwind.Arena) {
	op := t.registry.Functions()[fnIndex].Op
	var arg0, arg1 uint64
	switch op {
	case catalog.OpPosixMemalign:
		arg0, arg1 = regs.Arg(2), regs.Arg(1)
	case catalog.OpCalloc, catalog.OpRealloc, catalog.OpAlignedAlloc,
		catalog.OpDelete:
		arg0, arg1 = regs.Arg(0), regs.Arg(1)
	default:
		arg0 = regs.Arg(0)
	}
	t.invoke(op, tid, arg0, arg1, regs, arena)
}

// OnFunctionResult records the return value; posix_memalign returns its
// error code in rax, so the pointer slot register is recorded instead.
func (t *Tracer) OnFunctionResult(fnIndex, tid int, regs *linutil.AMD64Registers, arena *unwind.Arena) {
	op := t.registry.Functions()[fnIndex].Op
	ret := regs.Ret()
	if op == catalog.OpPosixMemalign {
		ret = regs.Arg(0)
	}
	t.result(op, tid, ret)
}

// OnLibraryLoaded invalidates the symbolizer's view of the target mappings.
func (t *Tracer) OnLibraryLoaded(tid int) {
	t.recorder.MarkMappingsChanged()
}

// OnNewThread records the parent to child relation.
func (t *Tracer) OnNewThread(parent, child int) {
	t.stats.AddThread(parent, child)
}
