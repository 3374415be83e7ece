package sbpf

import (
	"fmt"
)

// basicBlock is a straight-line run of decoded instructions. Only the last
// instruction of a block may transfer control, so a block's cost can be
// charged in one meter operation.
type basicBlock struct {
	insns []insn
	cost  uint64
}

// compiledProgram is the ahead-of-time translated form of a Program:
// pre-decoded basic blocks keyed by their entry slot. It holds no mutable
// state and is shared read-only across instances.
type compiledProgram struct {
	blocks map[int64]*basicBlock
}

// compile decodes the full text and carves it into basic blocks. Block
// leaders are the program entry, every function entry, every branch
// target, and every instruction reachable by falling through or returning
// past a control transfer. Calls and exits terminate blocks like branches
// do, so syscall-side meter consumption happens in the same order in both
// engines.
func compile(p *Program) (*compiledProgram, error) {
	text := p.Text

	insns := make([]insn, 0, len(text))
	leaders := map[int64]bool{int64(p.Entry): true}
	for _, fpc := range p.Functions {
		leaders[int64(fpc)] = true
	}

	for pc := int64(0); pc < int64(len(text)); {
		ins, err := decodeAt(text, pc)
		if err != nil {
			return nil, err
		}
		insns = append(insns, ins)

		if isBranch(ins.op) {
			leaders[ins.branchTarget()] = true
		}
		if ins.op == OpCall && ins.src == 1 {
			leaders[ins.pc+int64(ins.imm)+1] = true
		}
		if isJump(ins.op) {
			// Fall-through and return addresses start fresh blocks.
			leaders[ins.next] = true
		}
		pc = ins.next
	}

	cp := &compiledProgram{blocks: make(map[int64]*basicBlock)}
	var cur *basicBlock
	for _, ins := range insns {
		if cur == nil || leaders[ins.pc] {
			cur = &basicBlock{}
			cp.blocks[ins.pc] = cur
		}
		cur.insns = append(cur.insns, ins)
		cur.cost += ins.cost
		if isJump(ins.op) {
			cur = nil
		}
	}

	return cp, nil
}

// runCompiled executes pre-translated basic blocks. When the remaining
// budget covers a block's static cost, the whole block is charged up
// front and instructions execute without per-instruction meter traffic;
// otherwise the engine falls back to charging each instruction the way
// the interpreter does, so exhaustion stops at exactly the same
// instruction in both engines. A fault mid-block refunds the cost of the
// instructions that never retired.
func (m *Instance) runCompiled() (uint64, error) {
	cp := m.prog.compiled
	if cp == nil {
		return 0, ErrNotCompiled
	}

	pc := int64(m.prog.Entry)
	for {
		blk, ok := cp.blocks[pc]
		if !ok {
			return 0, fmt.Errorf("%w: pc %d is not a block entry", ErrInvalidInstruction, pc)
		}

		if m.meter.Remaining() >= blk.cost {
			if err := m.meter.Consume(blk.cost); err != nil {
				return 0, err
			}
			for i, ins := range blk.insns {
				nextPC, halted, err := m.step(ins)
				if err != nil {
					var unretired uint64
					for _, rest := range blk.insns[i+1:] {
						unretired += rest.cost
					}
					m.meter.Credit(unretired)
					return 0, err
				}
				m.retired++
				if halted {
					return m.regs[0], nil
				}
				pc = nextPC
			}
		} else {
			for _, ins := range blk.insns {
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
	}
}
