package sbpf

import (
	"errors"
	"fmt"

	"github.com/fortiblox/sbpf/pkg/meter"
)

// ExecutionMode selects the execution engine for a run.
type ExecutionMode uint8

const (
	// ModeInterpreted retires instructions one at a time.
	ModeInterpreted ExecutionMode = iota

	// ModeCompiled runs pre-translated basic blocks with block-level
	// budget accounting. Requires Program.Compile (Run performs it
	// lazily on first use).
	ModeCompiled
)

// String returns the mode name.
func (em ExecutionMode) String() string {
	switch em {
	case ModeInterpreted:
		return "interpreted"
	case ModeCompiled:
		return "compiled"
	default:
		return fmt.Sprintf("mode(%d)", uint8(em))
	}
}

// Status is the terminal state of a run.
type Status uint8

const (
	// StatusHalted means the guest executed exit from the entry frame.
	StatusHalted Status = iota

	// StatusFaulted means the guest performed an illegal operation or a
	// syscall handler reported failure.
	StatusFaulted

	// StatusBudgetExceeded means the compute budget ran out mid-run.
	// Memory mutations up to the abort point are retained.
	StatusBudgetExceeded
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusHalted:
		return "halted"
	case StatusFaulted:
		return "faulted"
	case StatusBudgetExceeded:
		return "budget exceeded"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Result describes the outcome of one run.
type Result struct {
	// Status is the terminal state.
	Status Status

	// ExitCode is the guest-supplied value in r0 at exit.
	// Meaningful only when Status is StatusHalted.
	ExitCode uint64

	// Fault holds the fault reason when Status is StatusFaulted.
	Fault error

	// InstructionCount is the number of instructions retired in this run.
	// A faulting instruction is charged but does not retire.
	InstructionCount uint64
}

// Opts configures a VM instance.
type Opts struct {
	// HeapSize is the guest heap size in bytes (HeapDefault if zero,
	// capped at HeapMax).
	HeapSize uint64

	// Meter is the compute budget for the run. A nil meter gets the
	// default budget.
	Meter *meter.Meter

	// Syscalls resolves syscall hashes to host handlers.
	Syscalls SyscallRegistry

	// Context is the caller's invocation context, surfaced to syscalls
	// through VMContext.
	Context interface{}
}

// Instance binds one executable, one input memory image, one syscall
// registry, and one meter into a single executable unit.
//
// An Instance is single-threaded and exclusively owns its stack, heap, and
// meter for the duration of a run. It may be re-run — in either mode —
// against the same input region: registers, stack, and heap are reset per
// run while input mutations persist.
type Instance struct {
	prog     *Program
	input    []byte
	heapInit uint64 // configured size, restored on every reset
	heapSize uint64 // live size, grows via UpdateHeapSize

	stack *Stack
	heap  []byte
	regs  [11]uint64

	meter    *meter.Meter
	syscalls SyscallRegistry
	usrctx   interface{}

	retired uint64
}

// NewInstance creates a VM instance for one invocation.
func NewInstance(prog *Program, input []byte, opts Opts) *Instance {
	heapSize := opts.HeapSize
	if heapSize == 0 {
		heapSize = HeapDefault
	}
	if heapSize > HeapMax {
		heapSize = HeapMax
	}

	mtr := opts.Meter
	if mtr == nil {
		mtr = meter.New(meter.BudgetDefault)
	}

	return &Instance{
		prog:     prog,
		input:    input,
		heapInit: heapSize,
		heapSize: heapSize,
		meter:    mtr,
		syscalls: opts.Syscalls,
		usrctx:   opts.Context,
	}
}

// reset prepares fresh per-run state. The input region is deliberately
// left alone so a caller can re-run against the surviving buffer.
func (m *Instance) reset() {
	m.stack = NewStack()
	m.heapSize = m.heapInit
	m.heap = make([]byte, m.heapSize)
	m.regs = [11]uint64{}
	m.regs[1] = VaddrInput
	m.regs[10] = VaddrStack + StackFrameSize - 1
	m.retired = 0
}

// Run executes the program to a terminal state using the selected engine.
//
// The returned error is non-nil only for host-side failures (an
// unexecutable program, compilation failure); guest outcomes — including
// faults and budget exhaustion — are reported in the Result.
func (m *Instance) Run(mode ExecutionMode) (res Result, err error) {
	if m.prog == nil || len(m.prog.Text) == 0 {
		return Result{}, fmt.Errorf("%w: empty program", ErrInvalidInstruction)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("vm panic: %v", rec)
		}
	}()

	m.reset()

	var exitCode uint64
	var runErr error
	switch mode {
	case ModeInterpreted:
		exitCode, runErr = m.runInterpreted()
	case ModeCompiled:
		if cerr := m.prog.Compile(); cerr != nil {
			return Result{}, cerr
		}
		exitCode, runErr = m.runCompiled()
	default:
		return Result{}, fmt.Errorf("unknown execution mode %d", uint8(mode))
	}

	res = Result{InstructionCount: m.retired}
	switch {
	case runErr == nil:
		res.Status = StatusHalted
		res.ExitCode = exitCode
	case errors.Is(runErr, meter.ErrBudgetExceeded):
		res.Status = StatusBudgetExceeded
	default:
		res.Status = StatusFaulted
		res.Fault = runErr
	}
	return res, nil
}

// RunInterpreted runs the instance with the interpreter engine.
func (m *Instance) RunInterpreted() (Result, error) {
	return m.Run(ModeInterpreted)
}

// RunCompiled runs the instance with the compiled engine.
func (m *Instance) RunCompiled() (Result, error) {
	return m.Run(ModeCompiled)
}

// InstructionCount returns the number of instructions retired by the most
// recent run.
func (m *Instance) InstructionCount() uint64 {
	return m.retired
}

// Input returns the instance's input region.
func (m *Instance) Input() []byte {
	return m.input
}

// VMContext returns the caller-supplied invocation context.
func (m *Instance) VMContext() interface{} {
	return m.usrctx
}

// Meter returns the instance's compute meter.
func (m *Instance) Meter() *meter.Meter {
	return m.meter
}

// HeapMax returns the maximum heap size.
func (m *Instance) HeapMax() uint64 {
	return HeapMax
}

// HeapSize returns the current heap size.
func (m *Instance) HeapSize() uint64 {
	return m.heapSize
}

// UpdateHeapSize grows the heap up to HeapMax. Shrinking is a no-op.
func (m *Instance) UpdateHeapSize(size uint64) {
	if size <= HeapMax && size > m.heapSize {
		newHeap := make([]byte, size)
		copy(newHeap, m.heap)
		m.heap = newHeap
		m.heapSize = size
	}
}
