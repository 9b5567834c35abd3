package trace

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/go-memtrace/memtrace/pkg/catalog"
	"github.com/go-memtrace/memtrace/pkg/zipstream"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	if err := writeNameEntry(&buf, catalog.FileNameEntry, "main.c"); err != nil {
		t.Fatal(err)
	}
	if err := writeNameEntry(&buf, catalog.FuncNameEntry, "malloc"); err != nil {
		t.Fatal(err)
	}

	rec := &Record{
		Tag:       catalog.OpMalloc.InvokeTag(),
		Tid:       4242,
		Args:      [2]uint64{16, 0xdeadbeef},
		Timestamp: 123456789,
	}
	frames := []Frame{
		{FileIndex: 0, FuncIndex: 0, Line: 10, Column: 3},
		{FileIndex: 0, FuncIndex: 0, Line: -1, Column: -1},
	}
	rec.StackDepth = uint16(len(frames))
	if err := writeRecord(&buf, rec, frames); err != nil {
		t.Fatal(err)
	}

	resultRec := &Record{
		Tag:       catalog.OpMalloc.ResultTag(),
		Tid:       4242,
		Args:      [2]uint64{0xc0ffee, 0},
		Timestamp: 123456999,
	}
	if err := writeRecord(&buf, resultRec, nil); err != nil {
		t.Fatal(err)
	}

	rd := NewReader(&buf)

	e, err := rd.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !e.IsName || e.Tag != catalog.FileNameEntry || e.Name != "main.c" {
		t.Fatalf("first entry: %+v", e)
	}
	e, err = rd.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !e.IsName || e.Tag != catalog.FuncNameEntry || e.Name != "malloc" {
		t.Fatalf("second entry: %+v", e)
	}

	e, err = rd.Next()
	if err != nil {
		t.Fatal(err)
	}
	if e.IsName {
		t.Fatalf("third entry is a name: %+v", e)
	}
	if e.Tag != catalog.OpMalloc.InvokeTag() || e.Tid != 4242 ||
		e.Args[0] != 16 || e.Args[1] != 0xdeadbeef || e.Timestamp != 123456789 {
		t.Fatalf("invoke record: %+v", e)
	}
	if len(e.Stack) != 2 || e.Stack[0] != frames[0] || e.Stack[1] != frames[1] {
		t.Fatalf("stack: %+v", e.Stack)
	}

	e, err = rd.Next()
	if err != nil {
		t.Fatal(err)
	}
	if e.Tag != catalog.OpMalloc.ResultTag() || e.Args[0] != 0xc0ffee || len(e.Stack) != 0 {
		t.Fatalf("result record: %+v", e)
	}

	if rd.FileNames[0] != "main.c" || rd.FuncNames[0] != "malloc" {
		t.Fatalf("name tables: %v %v", rd.FileNames, rd.FuncNames)
	}
}

func TestFrameRoundTripThroughZipStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.bin.zst")

	out, err := zipstream.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	rec := &Record{Tag: catalog.OpFree.InvokeTag(), Tid: 7, Args: [2]uint64{0xabc, 0}, Timestamp: 55}
	if err := writeNameEntry(out, catalog.FuncNameEntry, "free"); err != nil {
		t.Fatal(err)
	}
	if err := writeRecord(out, rec, nil); err != nil {
		t.Fatal(err)
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}

	in, err := zipstream.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer in.Close()

	rd := NewReader(in)
	e, err := rd.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !e.IsName || e.Name != "free" {
		t.Fatalf("name entry: %+v", e)
	}
	e, err = rd.Next()
	if err != nil {
		t.Fatal(err)
	}
	if e.Tag != catalog.OpFree.InvokeTag() || e.Tid != 7 || e.Args[0] != 0xabc || e.Timestamp != 55 {
		t.Fatalf("record: %+v", e)
	}
}
