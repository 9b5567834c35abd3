package trace

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/go-memtrace/memtrace/pkg/catalog"
	"github.com/go-memtrace/memtrace/pkg/logflags"
	"github.com/go-memtrace/memtrace/pkg/zipstream"
)

const queueInitSize = 10000

const drainInterval = 25 * time.Millisecond

// Config carries the recorder knobs taken from the run configuration.
type Config struct {
	// Capture enables record production; when unset Add is a no-op.
	Capture bool
	// Save enables writing the compressed binary log to OutputPath.
	Save       bool
	OutputPath string

	// PrintLog echoes every record to the console as it is produced.
	PrintLog bool
	// PrintStack echoes the raw stack of every invoke record; it has
	// effect only together with PrintLog.
	PrintStack bool
	// PrintSave echoes every frame written to the binary log.
	PrintSave bool
}

// Recorder is the lock-free bridge between the supervisor threads producing
// raw records and the single consumer that symbolizes and writes them.
type Recorder struct {
	cfg Config

	q   *queue
	out io.WriteCloser

	handle *Handle

	stopped         atomic.Bool
	mappingsChanged atomic.Bool
	startTime       time.Time
	done            chan struct{}

	// consumer-owned state, read only after Stop returns
	fileNames      map[string]uint32
	funcNames      map[string]uint32
	fileNameMaxLen int
	funcNameMaxLen int
}

// NewRecorder returns a recorder with an empty queue.
func NewRecorder(cfg Config) *Recorder {
	return &Recorder{
		cfg:       cfg,
		q:         newQueue(queueInitSize),
		done:      make(chan struct{}),
		fileNames: make(map[string]uint32),
		funcNames: make(map[string]uint32),
	}
}

// Start opens the output sink, attaches the symbolizer to pid and starts
// the consumer thread. The recorder clock starts now; all record
// timestamps are nanoseconds since this call.
func (r *Recorder) Start(pid int) error {
	r.startTime = time.Now()
	if r.cfg.Save {
		out, err := zipstream.Create(r.cfg.OutputPath)
		if err != nil {
			return fmt.Errorf("could not create trace output: %v", err)
		}
		r.out = out
	}
	r.handle = NewHandle(pid)
	r.mappingsChanged.Store(true)
	go r.consume()
	return nil
}

// Now returns the current record timestamp.
func (r *Recorder) Now() int64 {
	return int64(time.Since(r.startTime))
}

// MarkMappingsChanged asks the consumer to re-read the target's memory map
// before symbolizing further records.
func (r *Recorder) MarkMappingsChanged() {
	r.mappingsChanged.Store(true)
}

// Add timestamps and enqueues one record. Producers never block: when the
// queue is full the record is logged and dropped. The returned depth is the
// stack depth actually stored.
func (r *Recorder) Add(tag uint8, tid int, args [2]uint64, stack []uint64) int {
	if !r.cfg.Capture {
		return 0
	}
	rec := Record{
		Tag:        tag,
		Tid:        int32(tid),
		Args:       args,
		Timestamp:  r.Now(),
		StackDepth: uint16(len(stack)),
	}
	copy(rec.Stack[:], stack)

	if r.cfg.PrintLog {
		r.showRecord(&rec)
	}
	if !r.q.push(&rec) {
		logflags.RecorderLogger().Errorf("[%d] cannot add trace data: tag(%d) args = [%#x, %#x]",
			tid, tag, args[0], args[1])
		return 0
	}
	return int(rec.StackDepth)
}

// Stop drains the queue, joins the consumer and closes the sink.
func (r *Recorder) Stop() error {
	if r.stopped.Swap(true) {
		return nil
	}
	<-r.done
	if r.out != nil {
		return r.out.Close()
	}
	return nil
}

// MaxNameLengths returns the longest file name and function name written to
// the log. Valid after Stop.
func (r *Recorder) MaxNameLengths() (file, function int) {
	return r.fileNameMaxLen, r.funcNameMaxLen
}

func (r *Recorder) consume() {
	defer close(r.done)
	var rec Record
	for !r.stopped.Load() || !r.q.empty() || r.mappingsChanged.Load() {
		if r.mappingsChanged.Swap(false) {
			if err := r.handle.Reinit(); err != nil {
				logflags.RecorderLogger().Errorf("failed to reload target mappings: %v", err)
			}
		}
		if r.q.empty() {
			time.Sleep(drainInterval)
			continue
		}
		if r.q.pop(&rec) {
			r.process(&rec)
		}
	}
}

// process symbolizes every stack address of one record and writes the data
// frame, preceded by name entries for any name seen for the first time.
func (r *Recorder) process(rec *Record) {
	frames := make([]Frame, rec.StackDepth)
	for i := 0; i < int(rec.StackDepth); i++ {
		resolved := r.handle.Resolve(rec.Stack[i])
		frames[i] = Frame{
			FileIndex: r.nameIndex(resolved.File, catalog.FileNameEntry),
			FuncIndex: r.nameIndex(resolved.Func, catalog.FuncNameEntry),
			Line:      resolved.Line,
			Column:    resolved.Column,
		}
	}
	if r.out == nil {
		return
	}
	if err := writeRecord(r.out, rec, frames); err != nil {
		logflags.RecorderLogger().Errorf("write trace record: %v", err)
		return
	}
	if r.cfg.PrintSave {
		op := catalog.TagOperation(rec.Tag)
		kind := "result"
		if catalog.TagIsInvoke(rec.Tag) {
			kind = "invoke"
		}
		fmt.Printf("[traceinfo][%d]: tag=[%d(%s %s)] tid=[%d] args=[%#x, %#x], stacksize=[%d]\n",
			rec.Timestamp/1000, rec.Tag, kind, op.Name(), rec.Tid,
			rec.Args[0], rec.Args[1], rec.StackDepth)
	}
}

// nameIndex interns name into the table selected by kind, emitting a
// name-entry frame on first assignment. Indices are dense, in emission
// order, starting from zero.
func (r *Recorder) nameIndex(name string, kind uint8) uint32 {
	names := r.fileNames
	maxLen := &r.fileNameMaxLen
	if kind == catalog.FuncNameEntry {
		names = r.funcNames
		maxLen = &r.funcNameMaxLen
	}
	if idx, ok := names[name]; ok {
		return idx
	}
	idx := uint32(len(names))
	names[name] = idx
	if len(name) > *maxLen {
		*maxLen = len(name)
	}
	if r.out != nil {
		if err := writeNameEntry(r.out, kind, name); err != nil {
			logflags.RecorderLogger().Errorf("write name entry: %v", err)
		}
		if r.cfg.PrintSave {
			typ := "filename"
			if kind == catalog.FuncNameEntry {
				typ = "function"
			}
			fmt.Printf("[%s][%d]: len=[%2d], name=[%s]\n", typ, r.Now()/1000, len(name), name)
		}
	}
	return idx
}

// showRecord echoes one record to the console the way the --print-log
// toggle asks for.
func (r *Recorder) showRecord(rec *Record) {
	op := catalog.TagOperation(rec.Tag)
	meta := op.Meta()
	fmt.Printf("[%d][%d]", rec.Tid, rec.Timestamp/1000)
	if catalog.TagIsInvoke(rec.Tag) {
		fmt.Printf(" invoke [%7s]", meta.Name)
		switch meta.Argc {
		case 2:
			fmt.Printf(" arg = [%#x, %#x]", rec.Args[0], rec.Args[1])
		case 1:
			fmt.Printf(" arg = [%#x]", rec.Args[0])
		}
		if rec.StackDepth > 0 {
			fmt.Printf(", stack_size = [%d]", rec.StackDepth)
		}
		fmt.Printf(".\n")
		if rec.StackDepth > 0 && r.cfg.PrintStack {
			for i := 0; i < int(rec.StackDepth); i++ {
				fmt.Printf("  stack[%d] = [%#x]\n", i, rec.Stack[i])
			}
		}
	} else {
		fmt.Printf(" result [%7s]", meta.Name)
		if meta.HasReturn {
			fmt.Printf(" ret = [%#x]", rec.Args[0])
		}
		fmt.Printf(".\n")
	}
}
