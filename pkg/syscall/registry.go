// Package syscall implements the host functions callable from sBPF
// programs.
//
// Each syscall is identified by the murmur3 hash of its name, patched into
// call immediates at load time. Arguments arrive in r1-r5 and the return
// value is placed in r0. Handlers charge the running instance's compute
// meter for their own work, on top of the call instruction's base cost.
package syscall

import (
	"errors"
	"fmt"

	"github.com/fortiblox/sbpf/internal/types"
	"github.com/fortiblox/sbpf/pkg/sbpf"
)

// Syscall errors.
var (
	ErrInvalidPointer  = errors.New("invalid pointer")
	ErrInvalidLength   = errors.New("invalid length")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrMaxReturnData   = errors.New("max return data size exceeded")
	ErrAborted         = errors.New("program aborted")
	ErrCostOverflow    = errors.New("compute cost overflow")
)

// Compute costs.
const (
	CUSyscallBase      = uint64(100)
	CULogBase          = uint64(100)
	CULogPerByte       = uint64(1)
	CULogPubkey        = uint64(100)
	CULog64            = uint64(100)
	CUMemOpBase        = uint64(10)
	CUMemOpPerByte     = uint64(1)
	CUSha256Base       = uint64(85)
	CUSha256PerByte    = uint64(1)
	CUKeccak256Base    = uint64(85)
	CUKeccak256PerByte = uint64(1)
	CUBlake3Base       = uint64(85)
	CUBlake3PerByte    = uint64(1)
	CUCreatePDA        = uint64(1500)
	CUFindPDA          = uint64(1500)
)

// Size limits.
const (
	MaxLogMsgLen  = 10000
	MaxReturnData = 1024
	MaxHashSlices = 100
	MaxMemOpSize  = 10 * 1024 * 1024
)

// InvokeContext is the per-invocation state syscalls operate against:
// the log sink, return data, and the identity of the executing program.
type InvokeContext interface {
	Log(msg string)
	LogData(data [][]byte)

	SetReturnData(programID types.Pubkey, data []byte) error
	GetReturnData() (types.Pubkey, []byte)

	GetProgramID() types.Pubkey
	GetCallerProgramID() (types.Pubkey, bool)

	// StackHeight is the current invocation depth, 1 for a top-level call.
	StackHeight() uint64
}

type entry struct {
	name  string
	arity int
	fn    sbpf.Syscall
}

// Registry maps syscall hashes to their handlers plus the name and arity
// metadata the loader needs for resolution and diagnostics.
type Registry struct {
	entries map[uint32]*entry
	names   []string
}

// NewRegistry builds a registry with the full standard syscall set bound
// to ctx. The registry must not outlive the invocation: handlers close
// over ctx.
func NewRegistry(ctx InvokeContext) *Registry {
	r := &Registry{entries: make(map[uint32]*entry)}

	r.registerLogging(ctx)
	r.registerMemory(ctx)
	r.registerCrypto(ctx)
	r.registerMisc(ctx)
	r.registerPDA(ctx)
	r.registerCPI(ctx)

	return r
}

// register adds a named syscall. Duplicate names are a programming error.
func (r *Registry) register(name string, arity int, fn sbpf.SyscallFunc) {
	hash := murmur3Hash(name)
	if _, dup := r.entries[hash]; dup {
		panic("syscall already registered: " + name)
	}
	r.entries[hash] = &entry{name: name, arity: arity, fn: fn}
	r.names = append(r.names, name)
}

// Register adds a caller-supplied syscall. It fails on a name collision
// with an existing entry instead of replacing it.
func (r *Registry) Register(name string, arity int, fn sbpf.SyscallFunc) error {
	hash := murmur3Hash(name)
	if e, dup := r.entries[hash]; dup {
		return fmt.Errorf("syscall %q collides with %q (hash 0x%08x)", name, e.name, hash)
	}
	r.entries[hash] = &entry{name: name, arity: arity, fn: fn}
	r.names = append(r.names, name)
	return nil
}

// GetByName returns the syscall registered under name.
func (r *Registry) GetByName(name string) (sbpf.Syscall, bool) {
	return r.Get(murmur3Hash(name))
}

// Get returns the syscall registered under hash.
func (r *Registry) Get(hash uint32) (sbpf.Syscall, bool) {
	e, ok := r.entries[hash]
	if !ok {
		return nil, false
	}
	return e.fn, true
}

// Lookup adapts the registry to the VM's resolution callback.
func (r *Registry) Lookup() sbpf.SyscallRegistry {
	return func(hash uint32) (sbpf.Syscall, bool) {
		return r.Get(hash)
	}
}

// Resolver reports hash membership without exposing handlers; the loader
// uses it to reject unresolved calls before execution.
func (r *Registry) Resolver() func(hash uint32) bool {
	return func(hash uint32) bool {
		_, ok := r.entries[hash]
		return ok
	}
}

// NameFor returns the registered name for hash.
func (r *Registry) NameFor(hash uint32) (string, bool) {
	e, ok := r.entries[hash]
	if !ok {
		return "", false
	}
	return e.name, true
}

// Arity returns the declared argument count for hash.
func (r *Registry) Arity(hash uint32) (int, bool) {
	e, ok := r.entries[hash]
	if !ok {
		return 0, false
	}
	return e.arity, true
}

// Names returns the registered syscall names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}
