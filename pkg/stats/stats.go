// Package stats aggregates per-operation counters and run metadata and
// formats them for human consumption.
package stats

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-memtrace/memtrace/pkg/catalog"
)

const keyAlign = 25

// Stats collects counters from the supervisor threads and run metadata from
// the tracer. Counter updates are atomic; everything else is written before
// the supervisors start or after they are joined.
type Stats struct {
	Argv           []string
	Commands       []string
	Target         string
	TargetFullPath string
	WorkingDir     string
	SavePath       string

	TimestampStart string
	TimestampEnd   string
	TimeEnd        int64

	MainTid int

	Extra map[string]string

	invokeCount [catalog.NumOperations]atomic.Int64
	resultCount [catalog.NumOperations]atomic.Int64
	maxStack    atomic.Int64

	mu           sync.Mutex
	childTids    []int
	tidRelations [][2]int
}

// New returns an empty statistics collector.
func New() *Stats {
	return &Stats{}
}

// CountInvoke records one invocation of op with the given captured stack
// depth.
func (s *Stats) CountInvoke(op catalog.Operation, stackDepth int) {
	s.invokeCount[op].Add(1)
	for {
		cur := s.maxStack.Load()
		if int64(stackDepth) <= cur {
			break
		}
		if s.maxStack.CompareAndSwap(cur, int64(stackDepth)) {
			break
		}
	}
}

// CountResult records one return of op.
func (s *Stats) CountResult(op catalog.Operation) {
	s.resultCount[op].Add(1)
}

// AddThread records a parent to child relation observed on a clone, fork or
// vfork event.
func (s *Stats) AddThread(parent, child int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.childTids = append(s.childTids, child)
	s.tidRelations = append(s.tidRelations, [2]int{parent, child})
}

// MaxStackDepth returns the deepest stack captured so far.
func (s *Stats) MaxStackDepth() int {
	return int(s.maxStack.Load())
}

// Invokes returns the invoke count of op.
func (s *Stats) Invokes(op catalog.Operation) int64 {
	return s.invokeCount[op].Load()
}

// Results returns the result count of op.
func (s *Stats) Results(op catalog.Operation) int64 {
	return s.resultCount[op].Load()
}

// Totals returns the total invoke and result counts.
func (s *Stats) Totals() (invokes, results int64) {
	for i := 0; i < catalog.NumOperations; i++ {
		invokes += s.invokeCount[i].Load()
		results += s.resultCount[i].Load()
	}
	return invokes, results
}

// Report carries the name-length figures that live in the recorder; the
// tracer fills it in before the report is emitted.
type Report struct {
	FileNameMaxLen     int
	FunctionNameMaxLen int
}

// Save writes the machine-readable report to path.
func (s *Stats) Save(path string, rep Report) error {
	fh, err := os.Create(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	return s.output(fh, false, rep)
}

// Print writes the report to standard output with section rules and
// aligned counters.
func (s *Stats) Print(rep Report) {
	s.output(os.Stdout, true, rep)
}

func (s *Stats) output(w io.Writer, console bool, rep Report) error {
	invokes, results := s.Totals()
	opAlign := len(strconv.FormatInt(invokes+results, 10))
	timeAlign := len(strconv.FormatInt(s.TimeEnd, 10))

	var err error
	section := func(str string) {
		if console && err == nil {
			_, err = fmt.Fprintln(w, str)
		}
	}
	printVar := func(name string, value interface{}) {
		if err == nil {
			_, err = fmt.Fprintf(w, "%-*s: %v\n", keyAlign, name, value)
		}
	}
	printVarR := func(name string, value int64, ralign int) {
		if err == nil {
			_, err = fmt.Fprintf(w, "%-*s: %*d\n", keyAlign, name, ralign, value)
		}
	}
	printList := func(name string, items []string) {
		if err == nil {
			_, err = fmt.Fprintf(w, "%-*s: %s\n", keyAlign, name, strings.Join(items, " "))
		}
	}

	section("================ Statistic Information ================")

	s.mu.Lock()
	childTids := append([]int(nil), s.childTids...)
	relations := append([][2]int(nil), s.tidRelations...)
	s.mu.Unlock()

	if len(s.Extra) > 0 {
		section("-------- Extra Keys")
		printVar("num_of_extrakeys", len(s.Extra))
		keys := make([]string, 0, len(s.Extra))
		for k := range s.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			printVar(k, s.Extra[k])
		}
	}

	section("-------- Basic Information")
	printVar("argc", len(s.Argv))
	printList("argv[]", s.Argv)
	if n := len(s.Argv) - len(s.Commands); n >= 1 {
		printList("memtrace_args", s.Argv[1:n])
	}
	printList("executed_commands", s.Commands)
	printVar("target", s.Target)
	printVar("target_full_path", s.TargetFullPath)
	printVar("working_directory", s.WorkingDir)
	printVar("save_path", s.SavePath)

	section("-------- Trace Information")
	printVar("total_traceinfo_count", invokes+results)
	printVar("max_stack_size", s.MaxStackDepth())
	printVar("filename_max_length", rep.FileNameMaxLen)
	printVar("function_max_length", rep.FunctionNameMaxLen)

	section("-------- Process Information")
	printVar("main_pid", s.MainTid)
	printVar("child_tid_num", len(childTids))
	if len(childTids) > 0 {
		tids := make([]string, len(childTids))
		for i, tid := range childTids {
			tids[i] = strconv.Itoa(tid)
		}
		printList("child_tid_list", tids)
		rels := make([]string, len(relations))
		for i, r := range relations {
			rels[i] = fmt.Sprintf("%d>%d", r[0], r[1])
		}
		printList("tid_relations", rels)
	}

	section("-------- Time Cost")
	printVar("timestamp_start", s.TimestampStart)
	printVar("timestamp_end", s.TimestampEnd)
	printVarR("time_end", s.TimeEnd, timeAlign)

	section("-------- Operation Called")
	for i := 0; i < catalog.NumOperations; i++ {
		op := catalog.Operation(i)
		inv := s.invokeCount[i].Load()
		res := s.resultCount[i].Load()
		if inv == 0 && console {
			continue
		}
		name := "num_of_" + op.Name()
		if console {
			if op.Meta().HasReturn {
				if err == nil {
					_, err = fmt.Fprintf(w, "%-*s: %*d / %*d\n", keyAlign, name, opAlign, inv, opAlign, res)
				}
			} else if err == nil {
				_, err = fmt.Fprintf(w, "%-*s: %*d\n", keyAlign, name, opAlign, inv)
			}
		} else if err == nil {
			_, err = fmt.Fprintf(w, "%-*s: %d %d\n", keyAlign, name, inv, res)
		}
	}
	if console {
		if err == nil {
			_, err = fmt.Fprintf(w, "%-*s: %*d / %*d\n", keyAlign, "total_invoke/result", opAlign, invokes, opAlign, results)
		}
	} else if err == nil {
		_, err = fmt.Fprintf(w, "%-*s: %d %d\n", keyAlign, "total_invoke/result", invokes, results)
	}

	section("================ ===================== ================")
	return err
}
