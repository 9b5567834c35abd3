package trace

import (
	"debug/dwarf"
	"debug/elf"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/go-memtrace/memtrace/pkg/logflags"
	"github.com/go-memtrace/memtrace/pkg/target"
)

// NilName is the sentinel emitted when no module owns an address or the
// debug information yields no name.
const NilName = "<nil>"

const resolvedCacheSize = 65536

// ResolvedFrame is the symbolized form of one raw stack address.
type ResolvedFrame struct {
	File   string
	Func   string
	Line   int32
	Column int32
}

type symbol struct {
	addr uint64
	size uint64
	name string
}

type module struct {
	base  uint64
	path  string
	isDyn bool
	syms  []symbol
	dw    *dwarf.Data
}

// Handle resolves raw addresses of the target to file/function/line/column
// through the DWARF and symbol tables of its mapped images. All access is
// consumer-exclusive, guarded by a mutex.
type Handle struct {
	pid int

	mu      sync.Mutex
	modules []*module
	cache   *lru.Cache
}

// NewHandle returns a handle for the given target. Reinit must be called
// before the first Resolve.
func NewHandle(pid int) *Handle {
	cache, _ := lru.New(resolvedCacheSize)
	return &Handle{pid: pid, cache: cache}
}

// Reinit re-reads the target's memory map and reloads every mapped image.
// The resolved-frame cache is invalidated wholesale.
func (h *Handle) Reinit() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	log := logflags.RecorderLogger()
	loaded := make(map[string]*module, len(h.modules))
	for _, m := range h.modules {
		loaded[m.path] = m
	}

	h.modules = h.modules[:0]
	err := target.IterateMemoryMap(h.pid, nil, func(path string, base uint64) bool {
		if m, ok := loaded[path]; ok && m.base == base {
			h.modules = append(h.modules, m)
			return false
		}
		m, err := loadModule(path, base)
		if err != nil {
			log.Debugf("skipping %s: %v", path, err)
			return false
		}
		h.modules = append(h.modules, m)
		return false
	})
	if err != nil {
		return err
	}
	sort.Slice(h.modules, func(i, j int) bool { return h.modules[i].base < h.modules[j].base })
	h.cache.Purge()
	return nil
}

func loadModule(path string, base uint64) (*module, error) {
	fh, err := elf.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	m := &module{base: base, path: path, isDyn: fh.Type == elf.ET_DYN}

	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 {
				continue
			}
			m.syms = append(m.syms, symbol{addr: s.Value, size: s.Size, name: s.Name})
		}
	}
	if syms, err := fh.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := fh.DynamicSymbols(); err == nil {
		add(syms)
	}
	sort.Slice(m.syms, func(i, j int) bool { return m.syms[i].addr < m.syms[j].addr })

	// debug info is optional; symbols alone still give function names
	m.dw, _ = fh.DWARF()
	return m, nil
}

// Resolve symbolizes one raw address. Results are cached until the next
// Reinit.
func (h *Handle) Resolve(addr uint64) ResolvedFrame {
	h.mu.Lock()
	defer h.mu.Unlock()

	if f, ok := h.cache.Get(addr); ok {
		return f.(ResolvedFrame)
	}
	frame := h.resolve(addr)
	h.cache.Add(addr, frame)
	return frame
}

func (h *Handle) resolve(addr uint64) ResolvedFrame {
	frame := ResolvedFrame{File: NilName, Func: NilName, Line: -1, Column: -1}

	m := h.moduleFor(addr)
	if m == nil {
		return frame
	}
	fileAddr := addr
	if m.isDyn {
		fileAddr = addr - m.base
	}

	if name, ok := m.funcName(fileAddr); ok {
		frame.Func = name
	}

	if m.dw != nil {
		file, line, col := lineInfo(m.dw, fileAddr)
		if file != "" {
			frame.File = file
			frame.Line = line
			frame.Column = col
		}
	}
	return frame
}

func (h *Handle) moduleFor(addr uint64) *module {
	i := sort.Search(len(h.modules), func(i int) bool { return h.modules[i].base > addr })
	if i == 0 {
		return nil
	}
	return h.modules[i-1]
}

func (m *module) funcName(fileAddr uint64) (string, bool) {
	i := sort.Search(len(m.syms), func(i int) bool { return m.syms[i].addr > fileAddr })
	if i == 0 {
		return "", false
	}
	s := m.syms[i-1]
	if s.size > 0 && fileAddr >= s.addr+s.size {
		return "", false
	}
	return s.name, true
}

func lineInfo(d *dwarf.Data, pc uint64) (string, int32, int32) {
	r := d.Reader()
	cu, err := r.SeekPC(pc)
	if err != nil || cu == nil {
		return "", -1, -1
	}
	lr, err := d.LineReader(cu)
	if err != nil || lr == nil {
		return "", -1, -1
	}
	var le dwarf.LineEntry
	if err := lr.SeekPC(pc, &le); err != nil {
		return "", -1, -1
	}
	file := ""
	if le.File != nil {
		file = le.File.Name
	}
	return file, int32(le.Line), int32(le.Column)
}
