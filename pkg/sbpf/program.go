package sbpf

import (
	"fmt"
	"sync"
)

// Program is the verified, executable representation of an sBPF image:
// relocated code, read-only data, the entry point, and the internal
// function registry. It is immutable after loading and may be shared
// read-only across concurrent instances.
//
// The compiled form produced by Compile is cached on the Program under a
// compile-once-use-many discipline, so concurrent first-use compilation of
// a shared Program never races and never recompiles.
type Program struct {
	// Text contains the program instructions.
	Text []uint64

	// RO contains read-only data (.rodata).
	RO []byte

	// Entry is the entry point (instruction index).
	Entry uint64

	// Functions maps function hashes to their entry points.
	Functions map[uint32]uint64

	compileOnce sync.Once
	compiled    *compiledProgram
	compileErr  error
}

// Compile translates the program into its basic-block compiled form.
// It is idempotent; the result is cached and shared. Compiling never
// changes interpreted-mode behavior.
func (p *Program) Compile() error {
	p.compileOnce.Do(func() {
		p.compiled, p.compileErr = compile(p)
	})
	return p.compileErr
}

// IsCompiled reports whether a compiled form is available.
func (p *Program) IsCompiled() bool {
	return p.compiled != nil && p.compileErr == nil
}

// insn is a decoded instruction. lddw occupies two text slots but decodes
// to a single insn with the merged 64-bit immediate.
type insn struct {
	op    uint8
	dst   uint8
	src   uint8
	off   int16
	imm   int32
	imm64 uint64
	pc    int64  // slot index of the instruction
	next  int64  // slot index of the following instruction
	cost  uint64 // compute cost
}

// branchTarget returns the slot a taken branch lands on.
func (i insn) branchTarget() int64 {
	return i.pc + 1 + int64(i.off)
}

// decodeAt decodes the instruction at slot pc.
func decodeAt(text []uint64, pc int64) (insn, error) {
	if pc < 0 || pc >= int64(len(text)) {
		return insn{}, fmt.Errorf("%w: pc %d out of bounds", ErrInvalidInstruction, pc)
	}

	raw := Instruction(text[pc])
	ins := insn{
		op:   raw.Op(),
		dst:  raw.Dst(),
		src:  raw.Src(),
		off:  raw.Off(),
		imm:  raw.Imm(),
		pc:   pc,
		next: pc + 1,
		cost: InstructionCost(raw.Op()),
	}

	if ins.op == OpLddw {
		if pc+1 >= int64(len(text)) {
			return insn{}, fmt.Errorf("%w: incomplete lddw at pc %d", ErrInvalidInstruction, pc)
		}
		hi := Instruction(text[pc+1])
		ins.imm64 = uint64(raw.Uimm()) | uint64(hi.Uimm())<<32
		ins.next = pc + 2
	}

	return ins, nil
}
