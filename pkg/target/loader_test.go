package target

import (
	"encoding/binary"
	"strings"
	"testing"
)

const mapsFixture = `00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/dbus-daemon
00651000-00652000 r--p 00051000 08:02 173521 /usr/bin/dbus-daemon
00652000-00655000 rw-p 00052000 08:02 173521 /usr/bin/dbus-daemon
7f6764831000-7f6764833000 r--p 00000000 08:10 6230 /usr/lib/x86_64-linux-gnu/ld-linux-x86-64.so.2
7ffc04b45000-7ffc04b66000 rw-p 00000000 00:00 0 [stack]
7ffc04bc0000-7ffc04bc2000 r-xp 00000000 00:00 0 [vdso]
ffffffffff600000-ffffffffff601000 r-xp 00000000 00:00 0 [vsyscall]
`

func TestIterateMaps(t *testing.T) {
	var got []string
	var bases []uint64
	err := iterateMaps(strings.NewReader(mapsFixture), nil, func(path string, base uint64) bool {
		got = append(got, path)
		bases = append(bases, base)
		return false
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"/usr/bin/dbus-daemon",
		"/usr/lib/x86_64-linux-gnu/ld-linux-x86-64.so.2",
		"[stack]",
		"[vdso]",
		"[vsyscall]",
	}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: got %q want %q", i, got[i], want[i])
		}
	}
	if bases[0] != 0x400000 || bases[1] != 0x7f6764831000 {
		t.Errorf("bad bases: %#x", bases)
	}
}

func TestIterateMapsIgnoreAndShortCircuit(t *testing.T) {
	ignore := map[string]struct{}{"/usr/bin/dbus-daemon": {}}
	var got []string
	err := iterateMaps(strings.NewReader(mapsFixture), ignore, func(path string, base uint64) bool {
		got = append(got, path)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "/usr/lib/x86_64-linux-gnu/ld-linux-x86-64.so.2" {
		t.Errorf("got %v", got)
	}
}

// buildELF assembles a minimal ELF64 image with a .dynsym/.dynstr pair (and
// optionally a .rela.plt) describing the given symbols.
type elfSym struct {
	name  string
	value uint64
	info  byte
}

func buildELF(t *testing.T, syms []elfSym, withPLT bool) []byte {
	t.Helper()
	le := binary.LittleEndian

	dynstr := []byte{0}
	nameoff := make([]uint32, len(syms))
	for i, s := range syms {
		nameoff[i] = uint32(len(dynstr))
		dynstr = append(dynstr, s.name...)
		dynstr = append(dynstr, 0)
	}

	// null symbol first, as real linkers emit
	dynsym := make([]byte, 24*(len(syms)+1))
	for i, s := range syms {
		sym := dynsym[24*(i+1):]
		le.PutUint32(sym, nameoff[i])
		sym[4] = s.info
		le.PutUint64(sym[8:], s.value)
	}

	var plt []byte
	if withPLT {
		plt = make([]byte, 24*len(syms))
		for i, s := range syms {
			rela := plt[24*i:]
			le.PutUint64(rela, s.value+0x1000)                 // r_offset
			le.PutUint64(rela[8:], uint64(i+1)<<32|0x00000007) // r_info: sym, R_X86_64_JUMP_SLOT
		}
	}

	shstrtab := []byte("\x00.dynsym\x00.dynstr\x00.rela.plt\x00.shstrtab\x00")

	nsections := 5
	if !withPLT {
		nsections = 4
	}
	shoff := uint64(64)
	dataoff := shoff + uint64(nsections)*64

	buf := make([]byte, dataoff)
	copy(buf, elfMagic)
	buf[4] = 2 // ELFCLASS64
	buf[5] = 1 // little endian
	le.PutUint64(buf[0x28:], shoff)
	le.PutUint16(buf[0x3c:], uint16(nsections))
	le.PutUint16(buf[0x3e:], uint16(nsections-1)) // .shstrtab last

	appendSection := func(idx int, nameoff uint32, payload []byte) {
		sh := buf[shoff+uint64(idx)*64:]
		le.PutUint32(sh, nameoff)
		le.PutUint64(sh[0x18:], uint64(len(buf)))
		le.PutUint64(sh[0x20:], uint64(len(payload)))
		buf = append(buf, payload...)
	}

	// section 0 stays all-zero (SHN_UNDEF)
	appendSection(1, 1, dynsym) // ".dynsym"
	appendSection(2, 9, dynstr) // ".dynstr"
	idx := 3
	if withPLT {
		appendSection(3, 17, plt) // ".rela.plt"
		idx = 4
	}
	appendSection(idx, 27, shstrtab) // ".shstrtab"
	return buf
}

func TestParseELFSymbols(t *testing.T) {
	img := buildELF(t, []elfSym{
		{"malloc", 0x1120, sttFunc},
		{"environ", 0x5000, 1}, // STT_OBJECT, must be skipped
		{"free", 0x1180, sttFunc},
	}, false)

	got := map[string]uint64{}
	if err := parseELF(img, false, func(name string, off uint64) bool {
		got[name] = off
		return false
	}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got["malloc"] != 0x1120 || got["free"] != 0x1180 {
		t.Errorf("got %v", got)
	}
}

func TestParseELFRelocations(t *testing.T) {
	img := buildELF(t, []elfSym{
		{"malloc", 0x1120, sttFunc},
	}, true)

	got := map[string]uint64{}
	if err := parseELF(img, true, func(name string, off uint64) bool {
		got[name] = off
		return false
	}); err != nil {
		t.Fatal(err)
	}
	if got["malloc"] != 0x2120 {
		t.Errorf("got %v", got)
	}
}

func TestParseELFCorrupt(t *testing.T) {
	visit := func(string, uint64) bool { return false }

	// too small for an ELF header
	if err := parseELF([]byte("\x7fELF"), false, visit); err == nil {
		t.Error("expected error for truncated header")
	}

	// bad magic
	img := buildELF(t, []elfSym{{"malloc", 0x1120, sttFunc}}, false)
	bad := append([]byte(nil), img...)
	bad[0] = 'X'
	if err := parseELF(bad, false, visit); err == nil {
		t.Error("expected error for bad magic")
	}

	// section header table points outside the image
	bad = append([]byte(nil), img...)
	binary.LittleEndian.PutUint64(bad[0x28:], uint64(len(bad)))
	if err := parseELF(bad, false, visit); err == nil {
		t.Error("expected error for out of range section table")
	}

	// symbol name index beyond the string table
	bad = buildELF(t, []elfSym{{"malloc", 0x1120, sttFunc}}, false)
	shoff := binary.LittleEndian.Uint64(bad[0x28:])
	dynsymOff := binary.LittleEndian.Uint64(bad[shoff+1*64+0x18:])
	binary.LittleEndian.PutUint32(bad[dynsymOff+24:], 0xffff)
	if err := parseELF(bad, false, visit); err == nil {
		t.Error("expected error for out of range name index")
	}
}
