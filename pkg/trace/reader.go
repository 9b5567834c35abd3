package trace

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Entry is one decoded frame of the binary log: either a name entry or a
// data record.
type Entry struct {
	Tag uint8

	// name entry fields, valid when IsName is set
	IsName bool
	Name   string

	// data record fields
	Tid       int32
	Args      [2]uint64
	Timestamp int64
	Stack     []Frame
}

// Reader decodes the frame stream produced by the recorder. Name indices
// are implicit in emission order; the reader reconstructs both tables.
type Reader struct {
	r io.Reader

	FileNames []string
	FuncNames []string
}

// NewReader returns a Reader decoding from r. r must yield the decompressed
// stream.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next decodes the next frame. It returns io.EOF at a clean end of stream.
//
// A tag of 0 or 1 can open either a name entry or a data record of the
// reserved operation; the recorder only ever writes name entries with those
// tags, so they are decoded as such.
func (rd *Reader) Next() (*Entry, error) {
	var tag [1]byte
	if _, err := io.ReadFull(rd.r, tag[:]); err != nil {
		return nil, err
	}
	e := &Entry{Tag: tag[0]}
	le := binary.LittleEndian

	if tag[0] <= 1 {
		var ln [2]byte
		if _, err := io.ReadFull(rd.r, ln[:]); err != nil {
			return nil, fmt.Errorf("truncated name entry: %v", err)
		}
		name := make([]byte, le.Uint16(ln[:]))
		if _, err := io.ReadFull(rd.r, name); err != nil {
			return nil, fmt.Errorf("truncated name entry: %v", err)
		}
		e.IsName = true
		e.Name = string(name)
		if tag[0] == 0 {
			rd.FileNames = append(rd.FileNames, e.Name)
		} else {
			rd.FuncNames = append(rd.FuncNames, e.Name)
		}
		return e, nil
	}

	var hdr [30]byte
	if _, err := io.ReadFull(rd.r, hdr[:]); err != nil {
		return nil, fmt.Errorf("truncated record: %v", err)
	}
	e.Tid = int32(le.Uint32(hdr[0:]))
	e.Args[0] = le.Uint64(hdr[4:])
	e.Args[1] = le.Uint64(hdr[12:])
	e.Timestamp = int64(le.Uint64(hdr[20:]))
	depth := int(le.Uint16(hdr[28:]))
	if depth > StackMax {
		return nil, fmt.Errorf("stack depth %d out of range", depth)
	}
	if depth > 0 {
		buf := make([]byte, depth*frameSize)
		if _, err := io.ReadFull(rd.r, buf); err != nil {
			return nil, fmt.Errorf("truncated stack: %v", err)
		}
		e.Stack = make([]Frame, depth)
		for i := range e.Stack {
			off := i * frameSize
			e.Stack[i] = Frame{
				FileIndex: le.Uint32(buf[off:]),
				FuncIndex: le.Uint32(buf[off+4:]),
				Line:      int32(le.Uint32(buf[off+8:])),
				Column:    int32(le.Uint32(buf[off+12:])),
			}
		}
	}
	return e, nil
}
