package sbpf

// sBPF instruction costs in compute units.
//
// The same weighted table drives both engines: the interpreter debits the
// cost of each instruction before retiring it, and the compiled engine
// debits the statically summed cost of a basic block at block entry.
const (
	CostALU   = uint64(1)  // Simple ALU operations
	CostMul   = uint64(4)  // Multiplication
	CostDiv   = uint64(12) // Division/modulo
	CostLoad  = uint64(2)  // Memory load
	CostStore = uint64(2)  // Memory store
	CostLddw  = uint64(2)  // 64-bit immediate load
	CostJump  = uint64(1)  // Jump instructions
	CostCall  = uint64(5)  // Function calls
	CostExit  = uint64(1)  // Exit/return
)

// InstructionCost returns the compute cost for an opcode.
func InstructionCost(op uint8) uint64 {
	class := op & 0x07
	aluOp := op & 0xF0

	switch class {
	case ClassAlu, ClassAlu64:
		switch aluOp {
		case AluMul:
			return CostMul
		case AluDiv, AluMod:
			return CostDiv
		default:
			return CostALU
		}

	case ClassLd, ClassLdx:
		if op == OpLddw {
			return CostLddw
		}
		return CostLoad

	case ClassSt, ClassStx:
		return CostStore

	case ClassJmp, ClassJmp32:
		switch aluOp {
		case JmpCall:
			return CostCall
		case JmpExit:
			return CostExit
		default:
			return CostJump
		}

	default:
		return CostALU
	}
}
