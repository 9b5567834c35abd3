package catalog

import (
	"github.com/derekparker/trie"
)

// SyscallSpec registers interest in one syscall number. The engine fires the
// sink's OnSyscallInvoke on the entry stop and, when HasResult is set,
// OnSyscallResult on the exit stop.
type SyscallSpec struct {
	Number    uint64
	Op        Operation
	HasResult bool
}

// FunctionSpec registers interest in one exported function, matched by name
// against .dynsym of every loaded image. When HasResult is set the engine
// tracks the return site and fires OnFunctionResult.
type FunctionSpec struct {
	Name      string
	Op        Operation
	HasResult bool
}

// Registry is the static table of specs built at engine construction.
// It is immutable once the engine starts.
type Registry struct {
	syscalls  []SyscallSpec
	functions []FunctionSpec
	names     *trie.Trie
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: trie.New()}
}

// RegisterSyscall appends a syscall spec.
func (r *Registry) RegisterSyscall(s SyscallSpec) {
	r.syscalls = append(r.syscalls, s)
}

// RegisterFunction appends a function spec and indexes its name.
func (r *Registry) RegisterFunction(f FunctionSpec) {
	r.names.Add(f.Name, len(r.functions))
	r.functions = append(r.functions, f)
}

// Syscalls returns the registered syscall specs, indexed by spec index.
func (r *Registry) Syscalls() []SyscallSpec { return r.syscalls }

// Functions returns the registered function specs, indexed by function index.
func (r *Registry) Functions() []FunctionSpec { return r.functions }

// FunctionIndex looks up a function spec index by symbol name.
func (r *Registry) FunctionIndex(name string) (int, bool) {
	node, ok := r.names.Find(name)
	if !ok {
		return 0, false
	}
	return node.Meta().(int), true
}
