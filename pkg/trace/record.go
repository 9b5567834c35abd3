// Package trace moves raw trace records from the supervisor threads through
// a lock-free queue to a background consumer that symbolizes stacks and
// writes the compact binary log.
package trace

import (
	"encoding/binary"
	"io"

	"github.com/go-memtrace/memtrace/pkg/unwind"
)

// StackMax is the capacity of the raw stack buffer inside a record.
const StackMax = unwind.StackMax

// Record is one raw trace record, produced on the trap thread and immutable
// after production.
type Record struct {
	Tag        uint8
	Tid        int32
	Args       [2]uint64
	Timestamp  int64
	StackDepth uint16
	Stack      [StackMax]uint64
}

// Frame is one symbolized stack entry as written to the binary log.
type Frame struct {
	FileIndex uint32
	FuncIndex uint32
	Line      int32
	Column    int32
}

const frameSize = 16

// writeNameEntry emits a name-entry frame: kind (0 file, 1 function), the
// name length and the name bytes.
func writeNameEntry(w io.Writer, kind uint8, name string) error {
	buf := make([]byte, 3+len(name))
	buf[0] = kind
	binary.LittleEndian.PutUint16(buf[1:], uint16(len(name)))
	copy(buf[3:], name)
	_, err := w.Write(buf)
	return err
}

// writeRecord emits a data frame: the fixed header followed by stackDepth
// resolved frames.
func writeRecord(w io.Writer, rec *Record, frames []Frame) error {
	buf := make([]byte, 31+len(frames)*frameSize)
	buf[0] = rec.Tag
	le := binary.LittleEndian
	le.PutUint32(buf[1:], uint32(rec.Tid))
	le.PutUint64(buf[5:], rec.Args[0])
	le.PutUint64(buf[13:], rec.Args[1])
	le.PutUint64(buf[21:], uint64(rec.Timestamp))
	le.PutUint16(buf[29:], uint16(len(frames)))
	for i, f := range frames {
		off := 31 + i*frameSize
		le.PutUint32(buf[off:], f.FileIndex)
		le.PutUint32(buf[off+4:], f.FuncIndex)
		le.PutUint32(buf[off+8:], uint32(f.Line))
		le.PutUint32(buf[off+12:], uint32(f.Column))
	}
	_, err := w.Write(buf)
	return err
}
