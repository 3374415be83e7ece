package syscall

import (
	"errors"

	"github.com/fortiblox/sbpf/internal/types"
	"github.com/fortiblox/sbpf/pkg/sbpf"
)

// Cross-program invocation limits.
const (
	MaxCPIDepth           = 4
	MaxCPIInstructionSize = 10 * 1024
	MaxCPIAccountInfos    = 128
	MaxCPISignerSeeds     = 16

	CUCPIBaseInvoke  = uint64(1000)
	CUCPIPerAccount  = uint64(10)
	CUCPIPerDataByte = uint64(1)
)

// CPI errors.
var (
	ErrCPIDepthExceeded      = errors.New("cross-program invocation depth exceeded")
	ErrCPITooManyAccounts    = errors.New("too many accounts in cross-program invocation")
	ErrCPITooManySignerSeeds = errors.New("too many signer seeds")
	ErrCPISeedTooLong        = errors.New("signer seed too long")
	ErrCPIDataTooLarge       = errors.New("instruction data too large")
)

// AccountMeta describes one account reference in an instruction.
type AccountMeta struct {
	Pubkey     types.Pubkey
	IsSigner   bool
	IsWritable bool
}

// Invoker extends InvokeContext for callers that support nested program
// execution. When the context does not implement Invoker, the invoke
// syscalls are registered but report failure to the guest.
type Invoker interface {
	InvokeContext

	// InvokeProgram executes programID with the given accounts and
	// instruction data. seeds are signer seeds for program derived
	// addresses, nil when the caller signs directly.
	InvokeProgram(programID types.Pubkey, accounts []AccountMeta, data []byte, seeds [][]byte) error
}

func (r *Registry) registerCPI(ctx InvokeContext) {
	invoker, canInvoke := ctx.(Invoker)

	// sol_invoke_signed_c: r1 = instruction ptr (C ABI), r2 = account
	// infos ptr, r3 = account infos len, r4 = signer seeds ptr, r5 =
	// signer seeds len. Returns 0 on success, nonzero on failure.
	invokeSigned := func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if !canInvoke {
			return 1, nil
		}
		if ctx.StackHeight() >= MaxCPIDepth {
			return 1, ErrCPIDepthExceeded
		}

		// C ABI instruction layout: program ID ptr, accounts ptr,
		// account count, data ptr, data len. Five u64 fields.
		programIDPtr, err := vm.Read64(r1)
		if err != nil {
			return 1, err
		}
		accountsPtr, err := vm.Read64(r1 + 8)
		if err != nil {
			return 1, err
		}
		accountsLen, err := vm.Read64(r1 + 16)
		if err != nil {
			return 1, err
		}
		dataPtr, err := vm.Read64(r1 + 24)
		if err != nil {
			return 1, err
		}
		dataLen, err := vm.Read64(r1 + 32)
		if err != nil {
			return 1, err
		}

		if accountsLen > MaxCPIAccountInfos {
			return 1, ErrCPITooManyAccounts
		}
		if dataLen > MaxCPIInstructionSize {
			return 1, ErrCPIDataTooLarge
		}

		cost := CUCPIBaseInvoke + CUCPIPerAccount*accountsLen + CUCPIPerDataByte*dataLen
		if err := vm.Meter().Consume(cost); err != nil {
			return 1, err
		}

		programID, err := readPubkey(vm, programIDPtr)
		if err != nil {
			return 1, err
		}

		// C ABI account meta: pubkey ptr (8), is_writable (1),
		// is_signer (1). 10 bytes per entry.
		accounts := make([]AccountMeta, accountsLen)
		for i := uint64(0); i < accountsLen; i++ {
			metaAddr := accountsPtr + i*10

			pubkeyPtr, err := vm.Read64(metaAddr)
			if err != nil {
				return 1, err
			}
			accounts[i].Pubkey, err = readPubkey(vm, pubkeyPtr)
			if err != nil {
				return 1, err
			}

			isWritable, err := vm.Read8(metaAddr + 8)
			if err != nil {
				return 1, err
			}
			accounts[i].IsWritable = isWritable != 0

			isSigner, err := vm.Read8(metaAddr + 9)
			if err != nil {
				return 1, err
			}
			accounts[i].IsSigner = isSigner != 0
		}

		data := make([]byte, dataLen)
		if dataLen > 0 {
			if err := vm.Read(dataPtr, data); err != nil {
				return 1, err
			}
		}

		var seeds [][]byte
		if r4 != 0 && r5 > 0 {
			if r5 > MaxCPISignerSeeds {
				return 1, ErrCPITooManySignerSeeds
			}
			seeds = make([][]byte, r5)
			for i := uint64(0); i < r5; i++ {
				seedPtr, err := vm.Read64(r4 + i*16)
				if err != nil {
					return 1, err
				}
				seedLen, err := vm.Read64(r4 + i*16 + 8)
				if err != nil {
					return 1, err
				}
				if seedLen > MaxSeedLen {
					return 1, ErrCPISeedTooLong
				}
				seed := make([]byte, seedLen)
				if seedLen > 0 {
					if err := vm.Read(seedPtr, seed); err != nil {
						return 1, err
					}
				}
				seeds[i] = seed
			}
		}

		if err := invoker.InvokeProgram(programID, accounts, data, seeds); err != nil {
			return 1, nil
		}
		return 0, nil
	}

	r.register("sol_invoke_signed_c", 5, invokeSigned)
	r.register("sol_invoke_signed_rust", 5, invokeSigned)
}
