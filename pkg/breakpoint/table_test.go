package breakpoint

import (
	"testing"
)

// fakeMemory simulates the text of a traced process.
type fakeMemory struct {
	words map[uint64]uint64
}

func newFakeMemory() *fakeMemory {
	return &fakeMemory{words: make(map[uint64]uint64)}
}

func (m *fakeMemory) PeekWord(tid int, addr uint64) (uint64, error) {
	return m.words[addr], nil
}

func (m *fakeMemory) PokeWord(tid int, addr uint64, word uint64) error {
	m.words[addr] = word
	return nil
}

func TestInstallDisableEnable(t *testing.T) {
	mem := newFakeMemory()
	mem.words[0x1000] = 0x1122334455667788

	tbl := New(mem)
	tbl.Lock()
	if err := tbl.Install(1, 0x1000, 3); err != nil {
		t.Fatal(err)
	}
	tbl.Unlock()

	if got := mem.words[0x1000]; got != 0x11223344556677CC {
		t.Errorf("after install: %#x", got)
	}

	tbl.Lock()
	if err := tbl.Disable(1, 0x1000); err != nil {
		t.Fatal(err)
	}
	if got := mem.words[0x1000]; got != 0x1122334455667788 {
		t.Errorf("after disable: %#x", got)
	}

	// idempotent on an already restored byte
	if err := tbl.Disable(1, 0x1000); err != nil {
		t.Fatal(err)
	}
	if got := mem.words[0x1000]; got != 0x1122334455667788 {
		t.Errorf("after second disable: %#x", got)
	}

	if err := tbl.Enable(1, 0x1000); err != nil {
		t.Fatal(err)
	}
	tbl.Unlock()
	if got := mem.words[0x1000]; got != 0x11223344556677CC {
		t.Errorf("after enable: %#x", got)
	}
}

func TestCoversAndFunctionAt(t *testing.T) {
	mem := newFakeMemory()
	mem.words[0x1000] = 0x90
	tbl := New(mem)
	tbl.Lock()
	if err := tbl.Install(1, 0x1000, 7); err != nil {
		t.Fatal(err)
	}
	tbl.Unlock()

	if addr, ok := tbl.Covers(0x1001); !ok || addr != 0x1000 {
		t.Errorf("Covers(0x1001) = %#x, %v", addr, ok)
	}
	if _, ok := tbl.Covers(0x1000); ok {
		t.Error("Covers(0x1000) should miss")
	}
	if idx, ok := tbl.FunctionAt(0x1001); !ok || idx != 7 {
		t.Errorf("FunctionAt = %d, %v", idx, ok)
	}

	// return-site breakpoints carry no function index
	mem.words[0x2000] = 0x90
	tbl.Lock()
	if err := tbl.Install(1, 0x2000, NoBreakpoint); err != nil {
		t.Fatal(err)
	}
	tbl.Unlock()
	if _, ok := tbl.FunctionAt(0x2001); ok {
		t.Error("FunctionAt should miss on a return-site breakpoint")
	}
	if _, ok := tbl.Covers(0x2001); !ok {
		t.Error("Covers should hit on a return-site breakpoint")
	}
}

func TestWatermarks(t *testing.T) {
	mem := newFakeMemory()
	tbl := New(mem)
	tbl.Lock()
	for _, addr := range []uint64{0x5000, 0x1000, 0x9000} {
		mem.words[addr] = 0x90
		if err := tbl.Install(1, addr, NoBreakpoint); err != nil {
			t.Fatal(err)
		}
	}
	tbl.Unlock()

	lo, hi := tbl.Bounds()
	if lo != 0x1000 || hi != 0x9000 {
		t.Errorf("bounds = %#x, %#x", lo, hi)
	}
	if tbl.Len() != 3 {
		t.Errorf("len = %d", tbl.Len())
	}
}

func TestRangeRepair(t *testing.T) {
	mem := newFakeMemory()
	tbl := New(mem)
	tbl.Lock()
	for _, addr := range []uint64{0x1000, 0x2000, 0x3000} {
		mem.words[addr] = 0x90
		if err := tbl.Install(1, addr, NoBreakpoint); err != nil {
			t.Fatal(err)
		}
	}
	tbl.Unlock()

	// a loader rewrote the text under two of the breakpoints
	mem.words[0x1000] = 0x55
	mem.words[0x2000] = 0x66

	if err := tbl.RangeRepair(1, 0x0, 0x1fff); err != nil {
		t.Fatal(err)
	}
	if got := mem.words[0x1000]; got != 0xCC {
		t.Errorf("0x1000 not repaired: %#x", got)
	}
	if got := mem.words[0x2000]; got != 0x66 {
		t.Errorf("0x2000 outside range was repaired: %#x", got)
	}
	if got := mem.words[0x3000]; got&0xFF != BreakByte {
		t.Errorf("0x3000 lost its trap byte: %#x", got)
	}
}
