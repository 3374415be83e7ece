package sbpf

import (
	"errors"
	"fmt"
)

// ErrVerification wraps all static verification failures.
var ErrVerification = errors.New("verification failed")

// Verify statically checks the relocated text before any execution.
// It walks every instruction slot and rejects programs that could reach an
// undefined state at runtime: unknown opcodes, branches leaving the text or
// landing on the second slot of an lddw, truncated lddw, writes to the
// read-only frame pointer, out-of-range register indices, and division or
// modulo by a zero immediate.
//
// resolve reports whether a call immediate refers to a registered syscall;
// calls that match neither resolve, the function registry, nor the relative
// call form are rejected here rather than at runtime. A nil resolve treats
// every non-internal call as unresolved.
func (p *Program) Verify(resolve func(hash uint32) bool) error {
	text := p.Text
	if len(text) == 0 {
		return fmt.Errorf("%w: empty text", ErrVerification)
	}
	if p.Entry >= uint64(len(text)) {
		return fmt.Errorf("%w: entry point %d out of bounds", ErrVerification, p.Entry)
	}

	// First pass: find instruction boundaries. The second slot of an lddw
	// is not a boundary and must never be a branch or entry target.
	boundary := make([]bool, len(text))
	for pc := int64(0); pc < int64(len(text)); {
		boundary[pc] = true
		if uint8(text[pc]&0xFF) == OpLddw {
			if pc+1 >= int64(len(text)) {
				return fmt.Errorf("%w: incomplete lddw at pc %d", ErrVerification, pc)
			}
			pc += 2
		} else {
			pc++
		}
	}
	if !boundary[p.Entry] {
		return fmt.Errorf("%w: entry point %d is inside an lddw", ErrVerification, p.Entry)
	}
	for hash, fpc := range p.Functions {
		if fpc >= uint64(len(text)) || !boundary[fpc] {
			return fmt.Errorf("%w: function 0x%x entry %d is not an instruction boundary", ErrVerification, hash, fpc)
		}
	}

	inBounds := func(target int64) bool {
		return target >= 0 && target < int64(len(text)) && boundary[target]
	}

	for pc := int64(0); pc < int64(len(text)); {
		ins, err := decodeAt(text, pc)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrVerification, err)
		}

		if !ValidOpcode(ins.op) {
			return fmt.Errorf("%w: unknown opcode 0x%02x at pc %d", ErrVerification, ins.op, pc)
		}
		if ins.dst > 10 || ins.src > 10 {
			return fmt.Errorf("%w: invalid register index dst=%d src=%d at pc %d", ErrVerification, ins.dst, ins.src, pc)
		}
		if ins.dst == 10 && writesDst(ins.op) {
			return fmt.Errorf("%w: write to R10 at pc %d", ErrVerification, pc)
		}

		switch ins.op {
		case OpDiv64Imm, OpMod64Imm, OpDiv32Imm, OpMod32Imm:
			if ins.imm == 0 {
				return fmt.Errorf("%w: division by zero immediate at pc %d", ErrVerification, pc)
			}
		case OpLsh64Imm, OpRsh64Imm, OpArsh64Imm:
			if ins.imm < 0 || ins.imm > 63 {
				return fmt.Errorf("%w: shift immediate %d out of range at pc %d", ErrVerification, ins.imm, pc)
			}
		case OpLsh32Imm, OpRsh32Imm, OpArsh32Imm:
			if ins.imm < 0 || ins.imm > 31 {
				return fmt.Errorf("%w: shift immediate %d out of range at pc %d", ErrVerification, ins.imm, pc)
			}
		}

		if isBranch(ins.op) {
			if target := ins.branchTarget(); !inBounds(target) {
				return fmt.Errorf("%w: branch target %d out of bounds at pc %d", ErrVerification, target, pc)
			}
		}

		if ins.op == OpCall {
			switch {
			case ins.src == 1:
				if target := ins.pc + int64(ins.imm) + 1; !inBounds(target) {
					return fmt.Errorf("%w: call target %d out of bounds at pc %d", ErrVerification, target, pc)
				}
			default:
				hash := uint32(ins.imm)
				if _, ok := p.Functions[hash]; !ok && (resolve == nil || !resolve(hash)) {
					return fmt.Errorf("%w: unresolved call 0x%x at pc %d", ErrVerification, hash, pc)
				}
			}
		}

		pc = ins.next
	}

	return nil
}

// writesDst reports whether op stores a result into its dst register.
// Stores and branches read dst; everything else in the supported set
// writes it.
func writesDst(op uint8) bool {
	if isJump(op) {
		return false
	}
	switch op {
	case OpStb, OpSth, OpStw, OpStdw, OpStxb, OpStxh, OpStxw, OpStxdw:
		return false
	}
	return true
}
