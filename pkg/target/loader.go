// Package target reads /proc/<pid>/ artifacts of the traced process and
// enumerates exported function symbols and PLT relocations of ELF images.
package target

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	sys "golang.org/x/sys/unix"

	"github.com/go-memtrace/memtrace/pkg/logflags"
)

// ErrNotAttachable is returned when the tracer lacks permission to inspect
// the target through /proc.
var ErrNotAttachable = errors.New("target not attachable")

// ResolveExecutablePath reads the symlink at /proc/<pid>/exe.
func ResolveExecutablePath(pid int) (string, error) {
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNotAttachable, err)
	}
	return path, nil
}

// ResolveFdPath reads the symlink at /proc/<pid>/fd/<fd>. It returns an
// empty string if the descriptor entry has vanished or is unreadable.
func ResolveFdPath(pid int, fd uint64) string {
	path, err := os.Readlink(fmt.Sprintf("/proc/%d/fd/%d", pid, fd))
	if err != nil {
		return ""
	}
	return path
}

// MapVisitor receives one (path, base address) pair per image. Returning
// true short-circuits the iteration.
type MapVisitor func(path string, base uint64) bool

// IterateMemoryMap parses /proc/<pid>/maps and yields every mapping that has
// a path and a zero offset field, pseudo-paths such as [stack] included.
// Entries whose path is in ignore are skipped.
func IterateMemoryMap(pid int, ignore map[string]struct{}, visit MapVisitor) error {
	fh, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return err
	}
	defer fh.Close()
	return iterateMaps(fh, ignore, visit)
}

func iterateMaps(r io.Reader, ignore map[string]struct{}, visit MapVisitor) error {
	scan := bufio.NewScanner(r)
	for scan.Scan() {
		path, base, ok := parseMapsLine(scan.Text())
		if !ok {
			continue
		}
		if _, skip := ignore[path]; skip {
			continue
		}
		if visit(path, base) {
			break
		}
	}
	return scan.Err()
}

// parseMapsLine extracts (path, base) from one line of /proc/<pid>/maps,
// accepting only lines with a zero offset field and a path. Example line:
//
//	7f6764831000-7f6764833000 r--p 00000000 08:10 6230  /usr/lib/.../ld-linux-x86-64.so.2
func parseMapsLine(line string) (string, uint64, bool) {
	fields := strings.Fields(line)
	if len(fields) < 6 {
		return "", 0, false
	}
	if strings.TrimLeft(fields[2], "0") != "" {
		return "", 0, false
	}
	dash := strings.Index(fields[0], "-")
	if dash < 0 {
		return "", 0, false
	}
	base, err := strconv.ParseUint(fields[0][:dash], 16, 64)
	if err != nil {
		return "", 0, false
	}
	// the path may contain spaces, take everything from the sixth field on
	path := strings.Join(fields[5:], " ")
	return path, base, true
}

// SymbolVisitor receives one (symbol name, file offset) pair per function
// symbol or PLT relocation. Returning true short-circuits the iteration.
type SymbolVisitor func(name string, offset uint64) bool

// IsELF reports whether the file at path starts with the ELF magic.
func IsELF(path string) bool {
	fh, err := os.Open(path)
	if err != nil {
		return false
	}
	defer fh.Close()
	var magic [4]byte
	if _, err := io.ReadFull(fh, magic[:]); err != nil {
		return false
	}
	return string(magic[:]) == elfMagic
}

// IterateSymbols memory-maps the ELF file at path read-only and yields every
// function symbol of .dynsym with its st_value, or, when usePLT is set,
// every .rela.plt relocation with its r_offset. The mapping is released
// before the function returns. Corrupt images produce an error; the caller
// is expected to skip the library and keep tracing.
func IterateSymbols(path string, usePLT bool, visit SymbolVisitor) error {
	fd, err := sys.Open(path, sys.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %v", path, err)
	}
	defer sys.Close(fd)

	var st sys.Stat_t
	if err := sys.Fstat(fd, &st); err != nil {
		return fmt.Errorf("stat %s: %v", path, err)
	}
	if st.Size <= 0 {
		return fmt.Errorf("bad size %d of %s", st.Size, path)
	}

	data, err := sys.Mmap(fd, 0, int(st.Size), sys.PROT_READ, sys.MAP_PRIVATE)
	if err != nil {
		return fmt.Errorf("mmap %s: %v", path, err)
	}
	defer sys.Munmap(data)

	if err := parseELF(data, usePLT, visit); err != nil {
		logflags.TargetLogger().Errorf("bad elf format of %s: %v", path, err)
		return err
	}
	return nil
}

const elfMagic = "\x7fELF"

const (
	ehdrSize = 64
	shdrSize = 64
	symSize  = 24
	relaSize = 24

	sttFunc = 2
)

var errCorruptImage = errors.New("corrupt ELF image")

// parseELF walks the section headers of data looking for .dynsym/.dynstr
// (and .rela.plt when usePLT is set) and yields the symbols they describe.
// Every offset is checked against the mapped length before use.
func parseELF(data []byte, usePLT bool, visit SymbolVisitor) error {
	if len(data) < ehdrSize || string(data[:4]) != elfMagic {
		return errCorruptImage
	}
	le := binary.LittleEndian
	shoff := le.Uint64(data[0x28:])
	shnum := int(le.Uint16(data[0x3c:]))
	shstrndx := int(le.Uint16(data[0x3e:]))

	if shstrndx >= shnum {
		return errCorruptImage
	}
	shend := shoff + uint64(shnum)*shdrSize
	if shend < shoff || shend > uint64(len(data)) {
		return errCorruptImage
	}

	section := func(i int) (name uint32, off, size uint64) {
		sh := data[shoff+uint64(i)*shdrSize:]
		return le.Uint32(sh), le.Uint64(sh[0x18:]), le.Uint64(sh[0x20:])
	}

	_, shstroff, shstrsize := section(shstrndx)
	if shstroff+shstrsize < shstroff || shstroff+shstrsize > uint64(len(data)) {
		return errCorruptImage
	}
	sectionName := func(nameoff uint32) string {
		if uint64(nameoff) >= shstrsize {
			return ""
		}
		raw := data[shstroff+uint64(nameoff) : shstroff+shstrsize]
		if i := strings.IndexByte(string(raw), 0); i >= 0 {
			return string(raw[:i])
		}
		return string(raw)
	}

	var dynsym, dynstr, plt []byte
	for i := 0; i < shnum; i++ {
		nameoff, off, size := section(i)
		if off+size < off || off+size > uint64(len(data)) {
			return errCorruptImage
		}
		switch sectionName(nameoff) {
		case ".dynsym":
			dynsym = data[off : off+size]
		case ".dynstr":
			dynstr = data[off : off+size]
		case ".rela.plt":
			plt = data[off : off+size]
		}
	}
	if dynsym == nil || dynstr == nil {
		return errCorruptImage
	}

	symName := func(nameoff uint32) (string, error) {
		if uint64(nameoff) >= uint64(len(dynstr)) {
			return "", errCorruptImage
		}
		raw := dynstr[nameoff:]
		if i := strings.IndexByte(string(raw), 0); i >= 0 {
			return string(raw[:i]), nil
		}
		return string(raw), nil
	}

	if usePLT {
		if plt == nil {
			return errCorruptImage
		}
		for i := 0; i+relaSize <= len(plt); i += relaSize {
			roffset := le.Uint64(plt[i:])
			rinfo := le.Uint64(plt[i+8:])
			sym := rinfo >> 32
			if sym == 0 {
				continue
			}
			if sym*symSize+symSize > uint64(len(dynsym)) {
				return errCorruptImage
			}
			name, err := symName(le.Uint32(dynsym[sym*symSize:]))
			if err != nil {
				return err
			}
			if visit(name, roffset) {
				break
			}
		}
		return nil
	}

	for i := 0; i+symSize <= len(dynsym); i += symSize {
		info := dynsym[i+4]
		if info&0xf != sttFunc {
			continue
		}
		name, err := symName(le.Uint32(dynsym[i:]))
		if err != nil {
			return err
		}
		value := le.Uint64(dynsym[i+8:])
		if visit(name, value) {
			break
		}
	}
	return nil
}
