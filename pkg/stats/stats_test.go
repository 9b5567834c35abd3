package stats

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-memtrace/memtrace/pkg/catalog"
)

func TestCounters(t *testing.T) {
	s := New()
	s.CountInvoke(catalog.OpMalloc, 5)
	s.CountInvoke(catalog.OpMalloc, 12)
	s.CountInvoke(catalog.OpFree, 3)
	s.CountResult(catalog.OpMalloc)

	if s.Invokes(catalog.OpMalloc) != 2 {
		t.Errorf("malloc invokes = %d", s.Invokes(catalog.OpMalloc))
	}
	if s.Results(catalog.OpMalloc) != 1 {
		t.Errorf("malloc results = %d", s.Results(catalog.OpMalloc))
	}
	if s.MaxStackDepth() != 12 {
		t.Errorf("max stack = %d", s.MaxStackDepth())
	}
	inv, res := s.Totals()
	if inv != 3 || res != 1 {
		t.Errorf("totals = %d, %d", inv, res)
	}
}

func TestSaveReport(t *testing.T) {
	s := New()
	s.Argv = []string{"memtrace", "--stack", "50", "/bin/true"}
	s.Commands = []string{"/bin/true"}
	s.Target = "true"
	s.TargetFullPath = "/bin/true"
	s.WorkingDir = "/tmp"
	s.SavePath = "/tmp/out"
	s.MainTid = 1234
	s.TimestampStart = "20240301-101502-000000007"
	s.TimestampEnd = "20240301-101503-000000009"
	s.TimeEnd = 1000000002
	s.Extra = map[string]string{"build": "debug"}
	s.CountInvoke(catalog.OpMalloc, 4)
	s.CountResult(catalog.OpMalloc)
	s.AddThread(1234, 1235)

	path := filepath.Join(t.TempDir(), "statinfo.txt")
	if err := s.Save(path, Report{FileNameMaxLen: 17, FunctionNameMaxLen: 9}); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)

	for _, want := range []string{
		"target                   : true",
		"main_pid                 : 1234",
		"child_tid_list           : 1235",
		"tid_relations            : 1234>1235",
		"num_of_malloc            : 1 1",
		"total_invoke/result      : 1 1",
		"filename_max_length      : 17",
		"function_max_length      : 9",
		"build                    : debug",
		"timestamp_start          : 20240301-101502-000000007",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
	// section rules are console-only
	if strings.Contains(out, "====") {
		t.Errorf("saved report contains section rules:\n%s", out)
	}
}
