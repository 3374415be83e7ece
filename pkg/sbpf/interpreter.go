package sbpf

import (
	"fmt"
)

// step executes one decoded instruction against the instance's registers
// and memory. It returns the next program counter and whether the program
// halted. Both execution engines funnel through step, so guest-visible
// semantics cannot diverge between them.
//
// step does not touch the meter; budget accounting is the caller's job.
func (m *Instance) step(ins insn) (nextPC int64, halted bool, err error) {
	r := &m.regs
	dst, src := ins.dst, ins.src
	off := ins.off
	imm := ins.imm

	if dst > 10 || src > 10 {
		return 0, false, fmt.Errorf("%w: invalid register index dst=%d src=%d at pc %d", ErrInvalidInstruction, dst, src, ins.pc)
	}

	nextPC = ins.next

	switch ins.op {
	// 64-bit immediate load (occupies two instruction slots)
	case OpLddw:
		if dst == 10 {
			return 0, false, fmt.Errorf("%w: cannot write to R10", ErrInvalidInstruction)
		}
		r[dst] = ins.imm64

	// ALU64 immediate
	case OpAdd64Imm:
		r[dst] += uint64(imm)
	case OpSub64Imm:
		r[dst] -= uint64(imm)
	case OpMul64Imm:
		r[dst] *= uint64(imm)
	case OpDiv64Imm:
		if imm == 0 {
			return 0, false, ErrDivisionByZero
		}
		r[dst] /= uint64(uint32(imm))
	case OpOr64Imm:
		r[dst] |= uint64(imm)
	case OpAnd64Imm:
		r[dst] &= uint64(imm)
	case OpLsh64Imm:
		r[dst] <<= uint64(imm) & 63
	case OpRsh64Imm:
		r[dst] >>= uint64(imm) & 63
	case OpNeg64:
		r[dst] = uint64(-int64(r[dst]))
	case OpMod64Imm:
		if imm == 0 {
			return 0, false, ErrDivisionByZero
		}
		r[dst] %= uint64(uint32(imm))
	case OpXor64Imm:
		r[dst] ^= uint64(imm)
	case OpMov64Imm:
		r[dst] = uint64(imm)
	case OpArsh64Imm:
		r[dst] = uint64(int64(r[dst]) >> (uint64(imm) & 63))

	// ALU64 register
	case OpAdd64Reg:
		r[dst] += r[src]
	case OpSub64Reg:
		r[dst] -= r[src]
	case OpMul64Reg:
		r[dst] *= r[src]
	case OpDiv64Reg:
		if r[src] == 0 {
			return 0, false, ErrDivisionByZero
		}
		r[dst] /= r[src]
	case OpOr64Reg:
		r[dst] |= r[src]
	case OpAnd64Reg:
		r[dst] &= r[src]
	case OpLsh64Reg:
		r[dst] <<= r[src] & 63
	case OpRsh64Reg:
		r[dst] >>= r[src] & 63
	case OpMod64Reg:
		if r[src] == 0 {
			return 0, false, ErrDivisionByZero
		}
		r[dst] %= r[src]
	case OpXor64Reg:
		r[dst] ^= r[src]
	case OpMov64Reg:
		r[dst] = r[src]
	case OpArsh64Reg:
		r[dst] = uint64(int64(r[dst]) >> (r[src] & 63))

	// ALU32 immediate
	case OpAdd32Imm:
		r[dst] = uint64(uint32(r[dst]) + uint32(imm))
	case OpSub32Imm:
		r[dst] = uint64(uint32(r[dst]) - uint32(imm))
	case OpMul32Imm:
		r[dst] = uint64(uint32(r[dst]) * uint32(imm))
	case OpDiv32Imm:
		if imm == 0 {
			return 0, false, ErrDivisionByZero
		}
		r[dst] = uint64(uint32(r[dst]) / uint32(imm))
	case OpOr32Imm:
		r[dst] = uint64(uint32(r[dst]) | uint32(imm))
	case OpAnd32Imm:
		r[dst] = uint64(uint32(r[dst]) & uint32(imm))
	case OpLsh32Imm:
		r[dst] = uint64(uint32(r[dst]) << (uint32(imm) & 31))
	case OpRsh32Imm:
		r[dst] = uint64(uint32(r[dst]) >> (uint32(imm) & 31))
	case OpMod32Imm:
		if imm == 0 {
			return 0, false, ErrDivisionByZero
		}
		r[dst] = uint64(uint32(r[dst]) % uint32(imm))
	case OpXor32Imm:
		r[dst] = uint64(uint32(r[dst]) ^ uint32(imm))
	case OpMov32Imm:
		r[dst] = uint64(uint32(imm))
	case OpNeg32:
		r[dst] = uint64(uint32(-int32(r[dst])))
	case OpArsh32Imm:
		r[dst] = uint64(uint32(int32(r[dst]) >> (uint32(imm) & 31)))

	// ALU32 register
	case OpAdd32Reg:
		r[dst] = uint64(uint32(r[dst]) + uint32(r[src]))
	case OpSub32Reg:
		r[dst] = uint64(uint32(r[dst]) - uint32(r[src]))
	case OpMul32Reg:
		r[dst] = uint64(uint32(r[dst]) * uint32(r[src]))
	case OpDiv32Reg:
		if uint32(r[src]) == 0 {
			return 0, false, ErrDivisionByZero
		}
		r[dst] = uint64(uint32(r[dst]) / uint32(r[src]))
	case OpOr32Reg:
		r[dst] = uint64(uint32(r[dst]) | uint32(r[src]))
	case OpAnd32Reg:
		r[dst] = uint64(uint32(r[dst]) & uint32(r[src]))
	case OpLsh32Reg:
		r[dst] = uint64(uint32(r[dst]) << (uint32(r[src]) & 31))
	case OpRsh32Reg:
		r[dst] = uint64(uint32(r[dst]) >> (uint32(r[src]) & 31))
	case OpMod32Reg:
		if uint32(r[src]) == 0 {
			return 0, false, ErrDivisionByZero
		}
		r[dst] = uint64(uint32(r[dst]) % uint32(r[src]))
	case OpXor32Reg:
		r[dst] = uint64(uint32(r[dst]) ^ uint32(r[src]))
	case OpMov32Reg:
		r[dst] = uint64(uint32(r[src]))
	case OpArsh32Reg:
		r[dst] = uint64(uint32(int32(r[dst]) >> (uint32(r[src]) & 31)))

	// Memory load
	case OpLdxb:
		val, err := m.Read8(r[src] + uint64(off))
		if err != nil {
			return 0, false, err
		}
		r[dst] = uint64(val)
	case OpLdxh:
		val, err := m.Read16(r[src] + uint64(off))
		if err != nil {
			return 0, false, err
		}
		r[dst] = uint64(val)
	case OpLdxw:
		val, err := m.Read32(r[src] + uint64(off))
		if err != nil {
			return 0, false, err
		}
		r[dst] = uint64(val)
	case OpLdxdw:
		val, err := m.Read64(r[src] + uint64(off))
		if err != nil {
			return 0, false, err
		}
		r[dst] = val

	// Memory store
	case OpStb:
		if err := m.Write8(r[dst]+uint64(off), uint8(imm)); err != nil {
			return 0, false, err
		}
	case OpSth:
		if err := m.Write16(r[dst]+uint64(off), uint16(imm)); err != nil {
			return 0, false, err
		}
	case OpStw:
		if err := m.Write32(r[dst]+uint64(off), uint32(imm)); err != nil {
			return 0, false, err
		}
	case OpStdw:
		if err := m.Write64(r[dst]+uint64(off), uint64(imm)); err != nil {
			return 0, false, err
		}
	case OpStxb:
		if err := m.Write8(r[dst]+uint64(off), uint8(r[src])); err != nil {
			return 0, false, err
		}
	case OpStxh:
		if err := m.Write16(r[dst]+uint64(off), uint16(r[src])); err != nil {
			return 0, false, err
		}
	case OpStxw:
		if err := m.Write32(r[dst]+uint64(off), uint32(r[src])); err != nil {
			return 0, false, err
		}
	case OpStxdw:
		if err := m.Write64(r[dst]+uint64(off), r[src]); err != nil {
			return 0, false, err
		}

	// Jump unconditional
	case OpJa:
		nextPC = ins.branchTarget()

	// Jump conditional (64-bit)
	case OpJeqImm:
		if r[dst] == uint64(imm) {
			nextPC = ins.branchTarget()
		}
	case OpJeqReg:
		if r[dst] == r[src] {
			nextPC = ins.branchTarget()
		}
	case OpJgtImm:
		if r[dst] > uint64(imm) {
			nextPC = ins.branchTarget()
		}
	case OpJgtReg:
		if r[dst] > r[src] {
			nextPC = ins.branchTarget()
		}
	case OpJgeImm:
		if r[dst] >= uint64(imm) {
			nextPC = ins.branchTarget()
		}
	case OpJgeReg:
		if r[dst] >= r[src] {
			nextPC = ins.branchTarget()
		}
	case OpJltImm:
		if r[dst] < uint64(imm) {
			nextPC = ins.branchTarget()
		}
	case OpJltReg:
		if r[dst] < r[src] {
			nextPC = ins.branchTarget()
		}
	case OpJleImm:
		if r[dst] <= uint64(imm) {
			nextPC = ins.branchTarget()
		}
	case OpJleReg:
		if r[dst] <= r[src] {
			nextPC = ins.branchTarget()
		}
	case OpJneImm:
		if r[dst] != uint64(imm) {
			nextPC = ins.branchTarget()
		}
	case OpJneReg:
		if r[dst] != r[src] {
			nextPC = ins.branchTarget()
		}
	case OpJsetImm:
		if r[dst]&uint64(imm) != 0 {
			nextPC = ins.branchTarget()
		}
	case OpJsetReg:
		if r[dst]&r[src] != 0 {
			nextPC = ins.branchTarget()
		}
	case OpJsgtImm:
		if int64(r[dst]) > int64(int32(imm)) {
			nextPC = ins.branchTarget()
		}
	case OpJsgtReg:
		if int64(r[dst]) > int64(r[src]) {
			nextPC = ins.branchTarget()
		}
	case OpJsgeImm:
		if int64(r[dst]) >= int64(int32(imm)) {
			nextPC = ins.branchTarget()
		}
	case OpJsgeReg:
		if int64(r[dst]) >= int64(r[src]) {
			nextPC = ins.branchTarget()
		}
	case OpJsltImm:
		if int64(r[dst]) < int64(int32(imm)) {
			nextPC = ins.branchTarget()
		}
	case OpJsltReg:
		if int64(r[dst]) < int64(r[src]) {
			nextPC = ins.branchTarget()
		}
	case OpJsleImm:
		if int64(r[dst]) <= int64(int32(imm)) {
			nextPC = ins.branchTarget()
		}
	case OpJsleReg:
		if int64(r[dst]) <= int64(r[src]) {
			nextPC = ins.branchTarget()
		}

	// Jump conditional (32-bit comparisons)
	case OpJeq32Imm:
		if uint32(r[dst]) == uint32(imm) {
			nextPC = ins.branchTarget()
		}
	case OpJeq32Reg:
		if uint32(r[dst]) == uint32(r[src]) {
			nextPC = ins.branchTarget()
		}
	case OpJgt32Imm:
		if uint32(r[dst]) > uint32(imm) {
			nextPC = ins.branchTarget()
		}
	case OpJgt32Reg:
		if uint32(r[dst]) > uint32(r[src]) {
			nextPC = ins.branchTarget()
		}
	case OpJge32Imm:
		if uint32(r[dst]) >= uint32(imm) {
			nextPC = ins.branchTarget()
		}
	case OpJge32Reg:
		if uint32(r[dst]) >= uint32(r[src]) {
			nextPC = ins.branchTarget()
		}
	case OpJlt32Imm:
		if uint32(r[dst]) < uint32(imm) {
			nextPC = ins.branchTarget()
		}
	case OpJlt32Reg:
		if uint32(r[dst]) < uint32(r[src]) {
			nextPC = ins.branchTarget()
		}
	case OpJle32Imm:
		if uint32(r[dst]) <= uint32(imm) {
			nextPC = ins.branchTarget()
		}
	case OpJle32Reg:
		if uint32(r[dst]) <= uint32(r[src]) {
			nextPC = ins.branchTarget()
		}
	case OpJne32Imm:
		if uint32(r[dst]) != uint32(imm) {
			nextPC = ins.branchTarget()
		}
	case OpJne32Reg:
		if uint32(r[dst]) != uint32(r[src]) {
			nextPC = ins.branchTarget()
		}
	case OpJset32Imm:
		if uint32(r[dst])&uint32(imm) != 0 {
			nextPC = ins.branchTarget()
		}
	case OpJset32Reg:
		if uint32(r[dst])&uint32(r[src]) != 0 {
			nextPC = ins.branchTarget()
		}
	case OpJsgt32Imm:
		if int32(r[dst]) > imm {
			nextPC = ins.branchTarget()
		}
	case OpJsgt32Reg:
		if int32(r[dst]) > int32(r[src]) {
			nextPC = ins.branchTarget()
		}
	case OpJsge32Imm:
		if int32(r[dst]) >= imm {
			nextPC = ins.branchTarget()
		}
	case OpJsge32Reg:
		if int32(r[dst]) >= int32(r[src]) {
			nextPC = ins.branchTarget()
		}
	case OpJslt32Imm:
		if int32(r[dst]) < imm {
			nextPC = ins.branchTarget()
		}
	case OpJslt32Reg:
		if int32(r[dst]) < int32(r[src]) {
			nextPC = ins.branchTarget()
		}
	case OpJsle32Imm:
		if int32(r[dst]) <= imm {
			nextPC = ins.branchTarget()
		}
	case OpJsle32Reg:
		if int32(r[dst]) <= int32(r[src]) {
			nextPC = ins.branchTarget()
		}

	// Call and exit
	case OpCall:
		hash := uint32(imm)
		if src == 1 {
			// Relative call: imm is a signed instruction offset.
			if err := m.stack.Push(r[:], ins.next); err != nil {
				return 0, false, err
			}
			nextPC = ins.pc + int64(imm) + 1
		} else if sc, ok := m.lookupSyscall(hash); ok {
			result, err := sc.Invoke(m, r[1], r[2], r[3], r[4], r[5])
			if err != nil {
				return 0, false, err
			}
			r[0] = result
		} else if targetPC, ok := m.prog.Functions[hash]; ok {
			if err := m.stack.Push(r[:], ins.next); err != nil {
				return 0, false, err
			}
			nextPC = int64(targetPC)
		} else {
			return 0, false, fmt.Errorf("%w: unknown function 0x%x", ErrUnknownSyscall, hash)
		}

	case OpExit:
		retAddr, ok := m.stack.Pop(r[:])
		if !ok {
			// Entry frame: the program is done.
			return 0, true, nil
		}
		nextPC = retAddr

	default:
		return 0, false, fmt.Errorf("%w: opcode 0x%02x at pc %d", ErrInvalidInstruction, ins.op, ins.pc)
	}

	return nextPC, false, nil
}

func (m *Instance) lookupSyscall(hash uint32) (Syscall, bool) {
	if m.syscalls == nil {
		return nil, false
	}
	return m.syscalls(hash)
}

// runInterpreted decodes and retires instructions one at a time, charging
// the meter before each instruction executes.
func (m *Instance) runInterpreted() (uint64, error) {
	text := m.prog.Text
	pc := int64(m.prog.Entry)

	for {
		ins, err := decodeAt(text, pc)
		if err != nil {
			return 0, err
		}
		if err := m.meter.Consume(ins.cost); err != nil {
			return 0, err
		}
		nextPC, halted, err := m.step(ins)
		if err != nil {
			return 0, err
		}
		m.retired++
		if halted {
			return m.regs[0], nil
		}
		pc = nextPC
	}
}
