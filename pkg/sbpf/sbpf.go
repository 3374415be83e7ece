// Package sbpf implements the metered Solana Berkeley Packet Filter virtual
// machine.
//
// sBPF is a register-based virtual machine with 11 64-bit registers (R0-R10),
// where R10 is a read-only frame pointer. The instruction set is based on
// eBPF with Solana-specific extensions.
//
// Memory is organized into four regions:
//   - Program (0x100000000): Read-only data baked into the executable
//   - Stack   (0x200000000): Read-write stack frames
//   - Heap    (0x300000000): Read-write heap memory
//   - Input   (0x400000000): Serialized invocation parameters
//
// A verified Program can be executed by two interchangeable engines: a
// direct interpreter and a compiled engine that runs pre-translated basic
// blocks with block-level budget accounting. Both engines are required to
// produce identical side effects, terminal states, and retired-instruction
// counts for identical inputs.
package sbpf

import (
	"errors"

	"github.com/fortiblox/sbpf/pkg/meter"
)

// Virtual memory region base addresses.
const (
	VaddrProgram = uint64(0x1_0000_0000) // Read-only program data
	VaddrStack   = uint64(0x2_0000_0000) // Stack memory
	VaddrHeap    = uint64(0x3_0000_0000) // Heap memory
	VaddrInput   = uint64(0x4_0000_0000) // Input parameters
)

// Stack and heap constants.
const (
	StackFrameSize = 4096   // 4 KB per frame
	StackDepth     = 64     // Max call depth
	StackGap       = 4096   // Gap between frames
	HeapDefault    = 32768  // 32 KB default heap
	HeapMax        = 262144 // 256 KB max heap
)

// Errors.
var (
	ErrInvalidMemoryAccess = errors.New("invalid memory access")
	ErrInvalidInstruction  = errors.New("invalid instruction")
	ErrCallDepthExceeded   = errors.New("call depth exceeded")
	ErrDivisionByZero      = errors.New("division by zero")
	ErrUnknownSyscall      = errors.New("unknown syscall")
	ErrNotCompiled         = errors.New("program not compiled")
)

// VM is the guest-facing virtual machine interface handed to syscalls.
// It exposes translated memory access, heap management, and the compute
// meter of the running instance.
type VM interface {
	// VMContext returns the caller-supplied invocation context.
	VMContext() interface{}

	// Memory access
	Read(addr uint64, p []byte) error
	Read8(addr uint64) (uint8, error)
	Read16(addr uint64) (uint16, error)
	Read32(addr uint64) (uint32, error)
	Read64(addr uint64) (uint64, error)

	Write(addr uint64, p []byte) error
	Write8(addr uint64, x uint8) error
	Write16(addr uint64, x uint16) error
	Write32(addr uint64, x uint32) error
	Write64(addr uint64, x uint64) error

	// Memory translation
	Translate(addr uint64, size uint64, write bool) ([]byte, error)

	// Heap management
	HeapMax() uint64
	HeapSize() uint64
	UpdateHeapSize(size uint64)

	// Compute metering
	Meter() *meter.Meter
}

// Syscall is the interface for host functions callable from sBPF programs.
type Syscall interface {
	// Invoke executes the syscall with the given arguments.
	// Arguments are passed in r1-r5, the return value goes in r0.
	Invoke(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error)
}

// SyscallFunc is a function that implements Syscall.
type SyscallFunc func(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error)

// Invoke implements Syscall.
func (f SyscallFunc) Invoke(vm VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return f(vm, r1, r2, r3, r4, r5)
}

// SyscallRegistry resolves syscall hashes to implementations.
// It is built per invocation and must not outlive the invocation that
// built it, since handlers close over caller state.
type SyscallRegistry func(hash uint32) (Syscall, bool)
