package unwind

import (
	"encoding/binary"
	"errors"
	"testing"

	sys "golang.org/x/sys/unix"

	"github.com/go-memtrace/memtrace/pkg/linutil"
)

// fakeStack builds a memory image holding a classic frame-pointer chain:
// [fp] = previous fp, [fp+8] = return address.
type fakeStack struct {
	words map[uint64]uint64
}

func (s *fakeStack) reader() MemoryReader {
	return func(buf []byte, addr uint64) error {
		w, ok := s.words[addr]
		if !ok {
			return errors.New("bad address")
		}
		binary.LittleEndian.PutUint64(buf, w)
		return nil
	}
}

func regsAt(pc, sp, bp uint64) *linutil.AMD64Registers {
	return &linutil.AMD64Registers{Regs: &sys.PtraceRegs{Rip: pc, Rsp: sp, Rbp: bp}}
}

func TestCaptureWalksFrameChain(t *testing.T) {
	s := &fakeStack{words: map[uint64]uint64{
		0x7000: 0x7100, 0x7008: 0x401111, // frame 1
		0x7100: 0x7200, 0x7108: 0x402222, // frame 2
		0x7200: 0, 0x7208: 0x403333, // frame 3, chain ends
	}}
	a := NewArena(1, s.reader())
	defer a.Close()

	var stack [StackMax]uint64
	n := a.Capture(regsAt(0x400000, 0x6ff0, 0x7000), stack[:], StackMax)
	if n != 4 {
		t.Fatalf("captured %d frames", n)
	}
	want := []uint64{0x400000, 0x401111, 0x402222, 0x403333}
	for i, w := range want {
		if stack[i] != w {
			t.Errorf("frame %d: %#x want %#x", i, stack[i], w)
		}
	}
}

func TestCaptureRespectsMaxDepth(t *testing.T) {
	s := &fakeStack{words: map[uint64]uint64{
		0x7000: 0x7100, 0x7008: 0x401111,
		0x7100: 0x7200, 0x7108: 0x402222,
		0x7200: 0, 0x7208: 0x403333,
	}}
	a := NewArena(1, s.reader())
	defer a.Close()

	var stack [StackMax]uint64
	if n := a.Capture(regsAt(0x400000, 0x6ff0, 0x7000), stack[:], 2); n != 2 {
		t.Fatalf("captured %d frames with cap 2", n)
	}
}

func TestCapturePartialOnBadMemory(t *testing.T) {
	// the second frame pointer leads nowhere; the walk stops with what
	// it has
	s := &fakeStack{words: map[uint64]uint64{
		0x7000: 0x7100, 0x7008: 0x401111,
	}}
	a := NewArena(1, s.reader())
	defer a.Close()

	var stack [StackMax]uint64
	n := a.Capture(regsAt(0x400000, 0x6ff0, 0x7000), stack[:], StackMax)
	if n != 2 {
		t.Fatalf("captured %d frames", n)
	}
}

func TestCaptureWithoutContext(t *testing.T) {
	a := NewArena(1, nil)
	var stack [StackMax]uint64
	if n := a.Capture(regsAt(0x400000, 0x6ff0, 0x7000), stack[:], StackMax); n != 0 {
		t.Fatalf("captured %d frames without a context", n)
	}
	// the failure is sticky, as the context cannot appear later
	if n := a.Capture(regsAt(0x400000, 0x6ff0, 0x7000), stack[:], StackMax); n != 0 {
		t.Fatalf("captured %d frames after failed init", n)
	}
}
