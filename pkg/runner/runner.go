// Package runner executes loaded programs against caller-supplied
// accounts.
//
// An invocation packs the accounts and instruction data into the VM's
// input region, runs the program with the full syscall registry, and
// copies guest mutations of writable accounts back out. Mutations that
// landed before a fault or budget exhaustion are preserved.
package runner

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/fortiblox/sbpf/internal/types"
	"github.com/fortiblox/sbpf/pkg/loader"
	"github.com/fortiblox/sbpf/pkg/meter"
	"github.com/fortiblox/sbpf/pkg/params"
	"github.com/fortiblox/sbpf/pkg/sbpf"
	"github.com/fortiblox/sbpf/pkg/syscall"
)

var (
	ErrProgramNotFound = errors.New("program not found")
	ErrTooManyAccounts = errors.New("too many accounts")
	ErrDataTooLarge    = errors.New("instruction data too large")
)

const (
	MaxAccounts            = 64
	MaxInstructionDataSize = 10 * 1024
)

// Account is one account passed into an invocation. Data of writable
// accounts is updated in place after the run.
type Account struct {
	Key      types.Pubkey
	Data     []byte
	Writable bool
}

// ImageSource supplies program ELF images by pubkey.
type ImageSource interface {
	GetImage(key types.Pubkey) ([]byte, error)
}

// Opts controls a single invocation.
type Opts struct {
	// Budget is the compute budget; meter.BudgetDefault if zero.
	Budget uint64

	// HeapSize is the guest heap size; the VM default if zero.
	HeapSize uint64

	// Mode selects the execution engine.
	Mode sbpf.ExecutionMode
}

// Result is the outcome of one invocation.
type Result struct {
	// Status is the VM's terminal state.
	Status sbpf.Status

	// ExitCode is r0 at exit; meaningful only when Status is
	// StatusHalted.
	ExitCode uint64

	// Error describes the fault or exhaustion, empty on a clean halt.
	Error string

	// ComputeUsed is the compute units consumed, syscall charges
	// included.
	ComputeUsed uint64

	// InstructionCount is the number of instructions retired.
	InstructionCount uint64

	// Logs collects the program's log syscall output in order.
	Logs []string

	// ReturnData is the program's return data, if any was set.
	ReturnData []byte

	// ModifiedAccounts lists the writable accounts the guest changed.
	ModifiedAccounts []types.Pubkey
}

// Runner loads programs from an ImageSource and executes them. Loaded
// executables are cached by pubkey; a Runner is not safe for concurrent
// use.
type Runner struct {
	source ImageSource
	cache  map[types.Pubkey]*loader.Executable
}

// New returns a Runner backed by source. A nil source restricts the
// Runner to ExecuteProgram.
func New(source ImageSource) *Runner {
	return &Runner{
		source: source,
		cache:  make(map[types.Pubkey]*loader.Executable),
	}
}

// Execute looks up programID in the image source, then runs it against
// the given accounts and instruction data.
func (r *Runner) Execute(programID types.Pubkey, accts []*Account, data []byte, opts Opts) (*Result, error) {
	exe, err := r.load(programID)
	if err != nil {
		return nil, err
	}
	return r.ExecuteProgram(exe, programID, accts, data, opts)
}

// ExecuteProgram runs an already-loaded executable. The returned error
// is non-nil only for host-side failures; guest faults and budget
// exhaustion are reported in the Result.
func (r *Runner) ExecuteProgram(exe *loader.Executable, programID types.Pubkey, accts []*Account, data []byte, opts Opts) (*Result, error) {
	if len(accts) > MaxAccounts {
		return nil, fmt.Errorf("%w: %d", ErrTooManyAccounts, len(accts))
	}
	if len(data) > MaxInstructionDataSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrDataTooLarge, len(data))
	}

	// Accounts first, instruction data as a trailing read-only record.
	records := make([]params.Record, 0, len(accts)+1)
	for _, acc := range accts {
		records = append(records, params.Record{
			Key:      acc.Key,
			Data:     acc.Data,
			Writable: acc.Writable,
		})
	}
	records = append(records, params.Record{Key: programID, Data: data})

	input, layout, err := params.Serialize(records)
	if err != nil {
		return nil, err
	}

	budget := opts.Budget
	if budget == 0 {
		budget = meter.BudgetDefault
	}
	mtr := meter.New(budget)

	ctx := newInvocationContext(programID)
	registry := syscall.NewRegistry(ctx)

	vm := sbpf.NewInstance(exe.Program, input, sbpf.Opts{
		HeapSize: opts.HeapSize,
		Meter:    mtr,
		Syscalls: registry.Lookup(),
		Context:  ctx,
	})

	res, err := vm.Run(opts.Mode)
	if err != nil {
		return nil, err
	}

	result := &Result{
		Status:           res.Status,
		ExitCode:         res.ExitCode,
		ComputeUsed:      mtr.Consumed(),
		InstructionCount: res.InstructionCount,
		Logs:             ctx.logs,
		ReturnData:       ctx.returnData,
	}
	switch res.Status {
	case sbpf.StatusFaulted:
		result.Error = res.Fault.Error()
	case sbpf.StatusBudgetExceeded:
		result.Error = meter.ErrBudgetExceeded.Error()
	}

	// Copy mutations back even after a fault: everything the guest
	// wrote before stopping stays visible to the caller.
	out, err := params.Deserialize(vm.Input(), layout)
	if err != nil {
		return nil, fmt.Errorf("parameter image corrupted: %w", err)
	}
	for i, acc := range accts {
		if !acc.Writable {
			continue
		}
		if !bytes.Equal(acc.Data, out[i].Data) {
			copy(acc.Data, out[i].Data)
			result.ModifiedAccounts = append(result.ModifiedAccounts, acc.Key)
		}
	}

	return result, nil
}

// ClearCache drops all cached executables.
func (r *Runner) ClearCache() {
	r.cache = make(map[types.Pubkey]*loader.Executable)
}

func (r *Runner) load(programID types.Pubkey) (*loader.Executable, error) {
	if exe, ok := r.cache[programID]; ok {
		return exe, nil
	}
	if r.source == nil {
		return nil, ErrProgramNotFound
	}

	image, err := r.source.GetImage(programID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProgramNotFound, programID)
	}

	exe, err := LoadImage(image)
	if err != nil {
		return nil, err
	}

	r.cache[programID] = exe
	return exe, nil
}

// LoadImage loads and verifies an ELF image against the full syscall
// registry, so every external call the program makes is known to
// resolve at run time.
func LoadImage(image []byte) (*loader.Executable, error) {
	// The resolver only consults names; a throwaway context is fine.
	registry := syscall.NewRegistry(newInvocationContext(types.Pubkey{}))
	return loader.Load(image, registry)
}

// invocationContext implements syscall.InvokeContext for one run.
type invocationContext struct {
	programID  types.Pubkey
	callerID   types.Pubkey
	hasCaller  bool
	logs       []string
	returnData []byte
	returnFrom types.Pubkey
}

func newInvocationContext(programID types.Pubkey) *invocationContext {
	return &invocationContext{programID: programID}
}

func (c *invocationContext) Log(msg string) {
	c.logs = append(c.logs, msg)
}

// LogData renders one log line per call, hex fields space-separated.
func (c *invocationContext) LogData(data [][]byte) {
	fields := make([]string, len(data))
	for i, d := range data {
		fields[i] = fmt.Sprintf("%x", d)
	}
	c.logs = append(c.logs, "Program data: "+strings.Join(fields, " "))
}

func (c *invocationContext) SetReturnData(programID types.Pubkey, data []byte) error {
	if len(data) > syscall.MaxReturnData {
		return syscall.ErrMaxReturnData
	}
	c.returnData = make([]byte, len(data))
	copy(c.returnData, data)
	c.returnFrom = programID
	return nil
}

func (c *invocationContext) GetReturnData() (types.Pubkey, []byte) {
	return c.returnFrom, c.returnData
}

func (c *invocationContext) GetProgramID() types.Pubkey {
	return c.programID
}

func (c *invocationContext) GetCallerProgramID() (types.Pubkey, bool) {
	return c.callerID, c.hasCaller
}

func (c *invocationContext) StackHeight() uint64 {
	return 1
}
