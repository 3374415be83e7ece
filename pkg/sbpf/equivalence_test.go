package sbpf

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fortiblox/sbpf/pkg/meter"
)

// sumLoopProgram reads a limit from input[0:8], accumulates the sum and
// iteration count of 1..limit, and stores both into adjacent 8-byte slots
// of the input region.
func sumLoopProgram() []uint64 {
	return []uint64{
		Encode(OpLdxdw, 2, 1, 0, 0),    // r2 = limit
		Encode(OpMov64Imm, 3, 0, 0, 0), // r3 = sum
		Encode(OpMov64Imm, 4, 0, 0, 0), // r4 = i
		Encode(OpAdd64Imm, 4, 0, 0, 1), // loop: i++
		Encode(OpAdd64Reg, 3, 4, 0, 0), //   sum += i
		Encode(OpJneReg, 4, 2, -3, 0),  //   while i != limit
		Encode(OpStxdw, 1, 3, 8, 0),    // input[8:16] = sum
		Encode(OpStxdw, 1, 4, 16, 0),   // input[16:24] = count
		Encode(OpMov64Reg, 0, 3, 0, 0),
		Encode(OpExit, 0, 0, 0, 0),
	}
}

func sumLoopInput(limit uint64) []byte {
	input := make([]byte, 24)
	binary.LittleEndian.PutUint64(input[0:8], limit)
	return input
}

func TestEngineEquivalence(t *testing.T) {
	const limit = 500
	const wantSum = limit * (limit + 1) / 2

	prog := &Program{Text: sumLoopProgram(), Entry: 0}
	require.NoError(t, prog.Compile())

	run := func(mode ExecutionMode) (Result, []byte, *meter.Meter) {
		input := sumLoopInput(limit)
		mtr := meter.New(meter.BudgetDefault)
		vm := NewInstance(prog, input, Opts{Meter: mtr})
		res, err := vm.Run(mode)
		require.NoError(t, err)
		return res, input, mtr
	}

	iRes, iInput, iMeter := run(ModeInterpreted)
	cRes, cInput, cMeter := run(ModeCompiled)

	require.Equal(t, StatusHalted, iRes.Status)
	require.Equal(t, StatusHalted, cRes.Status)
	require.Equal(t, uint64(wantSum), iRes.ExitCode)

	// The two engines must be indistinguishable from the outside:
	// same exit code, same memory image, same retired count, same budget.
	require.Equal(t, iRes.ExitCode, cRes.ExitCode)
	require.Equal(t, iInput, cInput)
	require.Equal(t, iRes.InstructionCount, cRes.InstructionCount)
	require.Equal(t, iMeter.Consumed(), cMeter.Consumed())
	require.Equal(t, iMeter.Remaining(), cMeter.Remaining())

	require.Equal(t, uint64(wantSum), binary.LittleEndian.Uint64(iInput[8:16]))
	require.Equal(t, uint64(limit), binary.LittleEndian.Uint64(iInput[16:24]))
}

// TestEngineEquivalenceSharedInput re-runs a single instance in both modes
// against the same surviving input buffer, the way a caller comparing
// engines would.
func TestEngineEquivalenceSharedInput(t *testing.T) {
	const limit = 500

	prog := &Program{Text: sumLoopProgram(), Entry: 0}
	input := sumLoopInput(limit)
	vm := NewInstance(prog, input, Opts{Meter: meter.NewDisabled()})

	iRes, err := vm.Run(ModeInterpreted)
	require.NoError(t, err)
	require.Equal(t, StatusHalted, iRes.Status)
	firstSum := binary.LittleEndian.Uint64(input[8:16])

	cRes, err := vm.Run(ModeCompiled)
	require.NoError(t, err)
	require.Equal(t, StatusHalted, cRes.Status)

	require.Equal(t, iRes.ExitCode, cRes.ExitCode)
	require.Equal(t, iRes.InstructionCount, cRes.InstructionCount)
	require.Equal(t, firstSum, binary.LittleEndian.Uint64(input[8:16]))
}

func TestEngineEquivalenceOnExhaustion(t *testing.T) {
	// Writes a marker into the input region, then loops until the budget
	// runs out. Mutations made before exhaustion must survive in both
	// modes with identical retired counts.
	program := []uint64{
		Encode(OpMov64Imm, 2, 0, 0, 7),
		Encode(OpStxdw, 1, 2, 0, 0), // input[0:8] = 7
		Encode(OpJa, 0, 0, -1, 0),   // spin
	}
	prog := &Program{Text: program, Entry: 0}
	require.NoError(t, prog.Compile())

	run := func(mode ExecutionMode) (Result, []byte, *meter.Meter) {
		input := make([]byte, 8)
		mtr := meter.New(50)
		vm := NewInstance(prog, input, Opts{Meter: mtr})
		res, err := vm.Run(mode)
		require.NoError(t, err)
		return res, input, mtr
	}

	iRes, iInput, iMeter := run(ModeInterpreted)
	cRes, cInput, cMeter := run(ModeCompiled)

	require.Equal(t, StatusBudgetExceeded, iRes.Status)
	require.Equal(t, StatusBudgetExceeded, cRes.Status)
	require.EqualValues(t, 7, binary.LittleEndian.Uint64(iInput[0:8]))
	require.Equal(t, iInput, cInput)
	require.Equal(t, iRes.InstructionCount, cRes.InstructionCount)
	require.EqualValues(t, 0, iMeter.Remaining())
	require.EqualValues(t, 0, cMeter.Remaining())
	require.Equal(t, iMeter.Consumed(), cMeter.Consumed())
}

func TestEngineEquivalenceOnFault(t *testing.T) {
	// Faults mid-block: the store lands, then the division faults.
	// Both engines must retire the same count and leave the same bytes.
	program := []uint64{
		Encode(OpMov64Imm, 2, 0, 0, 9),
		Encode(OpStxdw, 1, 2, 0, 0),    // input[0:8] = 9
		Encode(OpMov64Imm, 3, 0, 0, 0),
		Encode(OpDiv64Reg, 2, 3, 0, 0), // fault
		Encode(OpExit, 0, 0, 0, 0),
	}
	prog := &Program{Text: program, Entry: 0}
	require.NoError(t, prog.Compile())

	run := func(mode ExecutionMode) (Result, []byte, *meter.Meter) {
		input := make([]byte, 8)
		mtr := meter.New(10000)
		vm := NewInstance(prog, input, Opts{Meter: mtr})
		res, err := vm.Run(mode)
		require.NoError(t, err)
		return res, input, mtr
	}

	iRes, iInput, iMeter := run(ModeInterpreted)
	cRes, cInput, cMeter := run(ModeCompiled)

	require.Equal(t, StatusFaulted, iRes.Status)
	require.Equal(t, StatusFaulted, cRes.Status)
	require.ErrorIs(t, iRes.Fault, ErrDivisionByZero)
	require.ErrorIs(t, cRes.Fault, ErrDivisionByZero)
	require.Equal(t, iInput, cInput)
	require.Equal(t, iRes.InstructionCount, cRes.InstructionCount)

	// The faulting instruction is charged but the unreached suffix is
	// not, so consumption matches across engines too.
	require.Equal(t, iMeter.Consumed(), cMeter.Consumed())
}

func TestRunDeterminism(t *testing.T) {
	prog := &Program{Text: sumLoopProgram(), Entry: 0}

	var baseline Result
	for i := 0; i < 5; i++ {
		input := sumLoopInput(123)
		vm := NewInstance(prog, input, Opts{Meter: meter.New(10000)})
		res, err := vm.Run(ModeCompiled)
		require.NoError(t, err)
		if i == 0 {
			baseline = res
			continue
		}
		require.Equal(t, baseline, res)
	}
}

func TestCompileIdempotent(t *testing.T) {
	prog := &Program{Text: sumLoopProgram(), Entry: 0}
	require.False(t, prog.IsCompiled())
	require.NoError(t, prog.Compile())
	first := prog.compiled
	require.NoError(t, prog.Compile())
	require.Same(t, first, prog.compiled)
	require.True(t, prog.IsCompiled())
}

func TestCompileBlockStructure(t *testing.T) {
	prog := &Program{Text: sumLoopProgram(), Entry: 0}
	require.NoError(t, prog.Compile())

	// Leaders: entry (0), loop head (3, target of the backward branch),
	// fall-through after the branch (6).
	for _, pc := range []int64{0, 3, 6} {
		require.Contains(t, prog.compiled.blocks, pc, "pc %d should start a block", pc)
	}
	require.Len(t, prog.compiled.blocks, 3)

	// Block costs are the sum of their member instruction costs.
	loop := prog.compiled.blocks[3]
	require.EqualValues(t, CostALU+CostALU+CostJump, loop.cost)
}
